package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/philsphicas/tunl/internal/client"
	"github.com/philsphicas/tunl/internal/link"
	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/relay"
	"github.com/spf13/cobra"
)

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Send connections through a tunnel server",
		Long: `The client opens local ports or stdin/stdout and tunnels connections
through a tunl server (or any compatible server).`,
	}

	cmd.AddCommand(portForwardCmd())
	cmd.AddCommand(socks5ProxyCmd())
	cmd.AddCommand(connectCmd())

	return cmd
}

// addClientFlags adds the server connection flags to a command.
func addClientFlags(cmd *cobra.Command) {
	addIDFlag(cmd)
	cmd.Flags().String("server", "", "server URL or host[:port] (or TUNL_SERVER)")
	cmd.Flags().String("path", relay.DefaultPath, "WebSocket path on the server")
	cmd.Flags().String("host", "", "Host header to send, when it differs from the server address")
	cmd.Flags().String("link", "", "vmess:// link to take server, identity and security from (or TUNL_LINK)")
	cmd.Flags().String("security", "auto", "payload security (aes-128-gcm, chacha20-poly1305, aes-128-cfb, none, zero, auto)")
	cmd.Flags().Bool("legacy", false, "send the legacy header format")
	cmd.Flags().Int("max-frame-size", 0, "largest inbound frame accepted (0 = default)")
	cmd.Flags().Duration("dial-timeout", 30*time.Second, "total time budget for server dial retries (0 = single attempt)")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
}

// resolveClientConfig builds a client.Config from flags, TUNL_* variables and
// an optional link. Explicit flags win over the link.
func resolveClientConfig(cmd *cobra.Command) (client.Config, error) {
	var cfg client.Config

	serverAddr := stringFlagOrEnv(cmd, "server", "TUNL_SERVER")
	path, _ := cmd.Flags().GetString("path")
	cfg.Host, _ = cmd.Flags().GetString("host")
	securityName, _ := cmd.Flags().GetString("security")

	if l := stringFlagOrEnv(cmd, "link", "TUNL_LINK"); l != "" {
		d, err := link.Decode(l)
		if err != nil {
			return cfg, err
		}
		if serverAddr == "" {
			scheme := "ws://"
			if d.TLS == "tls" {
				scheme = "wss://"
			}
			serverAddr = scheme + net.JoinHostPort(d.Address, d.Port)
		}
		if !cmd.Flags().Changed("path") && d.Path != "" {
			path = d.Path
		}
		if cfg.Host == "" && d.Host != "" && d.Host != d.Address {
			cfg.Host = d.Host
		}
		if !cmd.Flags().Changed("security") && d.Security != "" {
			securityName = d.Security
		}
		if !cmd.Flags().Changed("uuid") && os.Getenv("TUNL_UUID") == "" {
			_ = cmd.Flags().Set("uuid", d.ID)
		}
	}
	if serverAddr == "" {
		return cfg, fmt.Errorf("server is required: use --server, --link or set TUNL_SERVER")
	}

	var err error
	if cfg.ServerURL, err = relay.ParseServerURL(serverAddr, path); err != nil {
		return cfg, err
	}
	if cfg.ID, err = resolveID(cmd); err != nil {
		return cfg, err
	}
	if cfg.Security, err = protocol.ParseSecurity(securityName); err != nil {
		return cfg, err
	}
	cfg.Options = protocol.DefaultOptions
	cfg.Legacy, _ = cmd.Flags().GetBool("legacy")
	cfg.MaxFrameSize, _ = cmd.Flags().GetInt("max-frame-size")
	cfg.DialTimeout, _ = cmd.Flags().GetDuration("dial-timeout")
	cfg.TCPKeepAlive, _ = cmd.Flags().GetDuration("tcp-keepalive")

	logLevel, _ := cmd.Flags().GetString("log-level")
	cfg.Logger = newLogger(logLevel)
	return cfg, nil
}

// startClient resolves the shared client configuration and metrics.
func startClient(cmd *cobra.Command) (context.Context, context.CancelFunc, client.Config, error) {
	cfg, err := resolveClientConfig(cmd)
	if err != nil {
		return nil, nil, cfg, err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, cfg.Logger); err != nil {
		stop()
		return nil, nil, cfg, err
	}
	return ctx, stop, cfg, nil
}

func portForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port-forward <host:port>",
		Short: "Forward a local port through the tunnel to a specific destination",
		Long: `Start a local TCP listener and forward each connection through the
tunnel to the specified destination host:port.`,
		Args: cobra.ExactArgs(1),
		RunE: runPortForward,
	}

	addClientFlags(cmd)
	cmd.Flags().StringP("bind", "b", "127.0.0.1:0", "local bind address:port")
	cmd.Flags().Bool("gateway", false, "bind to 0.0.0.0 instead of 127.0.0.1")
	return cmd
}

func runPortForward(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, err := startClient(cmd)
	if err != nil {
		return err
	}
	defer stop()

	bind, _ := cmd.Flags().GetString("bind")
	if gateway, _ := cmd.Flags().GetBool("gateway"); gateway {
		bind = gatewayBind(bind)
	}
	return client.PortForward(ctx, client.PortForwardConfig{
		Config:      cfg,
		Target:      args[0],
		BindAddress: bind,
	})
}

func socks5ProxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socks5-proxy",
		Short: "Run a local SOCKS5 proxy that tunnels each connection",
		Long: `Start a local SOCKS5 proxy (CONNECT only, no authentication). Each
connection's destination comes from the SOCKS5 request and is resolved by
the server.

Example:
  ssh -D style usage: curl --socks5-hostname 127.0.0.1:1080 http://internal.example`,
		Args: cobra.NoArgs,
		RunE: runSOCKS5Proxy,
	}

	addClientFlags(cmd)
	cmd.Flags().StringP("bind", "b", "127.0.0.1:1080", "local bind address:port")
	cmd.Flags().Bool("gateway", false, "bind to 0.0.0.0 instead of 127.0.0.1")
	return cmd
}

func runSOCKS5Proxy(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, err := startClient(cmd)
	if err != nil {
		return err
	}
	defer stop()

	bind, _ := cmd.Flags().GetString("bind")
	if gateway, _ := cmd.Flags().GetBool("gateway"); gateway {
		bind = gatewayBind(bind)
	}
	return client.SOCKS5Proxy(ctx, client.SOCKS5Config{Config: cfg, BindAddress: bind})
}

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <host:port>",
		Short: "One-shot stdin/stdout connection through the tunnel",
		Long: `Open a session to host:port and bridge stdin/stdout with it. Exits when
the connection closes. Designed for use as an SSH ProxyCommand.

Example:
  ssh -o ProxyCommand="tunl client connect --server wss://tunnel.example.com %%h:%%p" user@host`,
		Args: cobra.ExactArgs(1),
		RunE: runConnect,
	}

	addClientFlags(cmd)
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, err := startClient(cmd)
	if err != nil {
		return err
	}
	defer stop()

	return client.Connect(ctx, client.ConnectConfig{
		Config: cfg,
		Target: args[0],
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
	})
}

// gatewayBind rewrites bind to listen on all interfaces, keeping its port.
func gatewayBind(bind string) string {
	_, port, _ := net.SplitHostPort(bind)
	if port == "" {
		port = "0"
	}
	return "0.0.0.0:" + port
}
