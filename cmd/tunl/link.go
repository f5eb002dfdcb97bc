package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/philsphicas/tunl/internal/auth"
	"github.com/philsphicas/tunl/internal/link"
	"github.com/philsphicas/tunl/internal/relay"
	"github.com/spf13/cobra"
)

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Print a shareable vmess:// link for a server",
		Long: `Print the link a server would serve at /link, for importing into a
client. With --new-uuid a fresh identity is generated and printed as well.`,
		Args: cobra.NoArgs,
		RunE: runLink,
	}

	addIDFlag(cmd)
	cmd.Flags().Bool("new-uuid", false, "generate a fresh identity instead of using --uuid")
	cmd.Flags().String("host", "", "public host[:port] of the server (or TUNL_HOST)")
	cmd.Flags().String("path", relay.DefaultPath, "WebSocket path on the server")
	cmd.Flags().Bool("tls", true, "the server is reached over TLS")
	cmd.Flags().Bool("decode", false, "decode the link given as argument instead")
	return cmd
}

func runLink(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if decode, _ := cmd.Flags().GetBool("decode"); decode {
		if len(args) != 1 {
			return fmt.Errorf("--decode takes one link argument")
		}
		d, err := link.Decode(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "address:  %s:%s\nid:       %s\nsecurity: %s\nnetwork:  %s\npath:     %s\ntls:      %s\n",
			d.Address, d.Port, d.ID, d.Security, d.Network, d.Path, d.TLS)
		return nil
	}

	var id *auth.ID
	if gen, _ := cmd.Flags().GetBool("new-uuid"); gen {
		id = auth.NewID(uuid.New())
		fmt.Fprintf(out, "uuid: %s\n", id)
	} else {
		var err error
		if id, err = resolveID(cmd); err != nil {
			return err
		}
	}

	host := stringFlagOrEnv(cmd, "host", "TUNL_HOST")
	if host == "" {
		return fmt.Errorf("host is required: use --host or set TUNL_HOST")
	}
	path, _ := cmd.Flags().GetString("path")
	tls, _ := cmd.Flags().GetBool("tls")

	l, err := link.Encode(link.ForServer(host, id.String(), path, tls))
	if err != nil {
		return err
	}
	fmt.Fprintln(out, l)
	return nil
}
