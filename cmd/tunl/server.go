package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/philsphicas/tunl/internal/frame"
	"github.com/philsphicas/tunl/internal/relay"
	"github.com/philsphicas/tunl/internal/server"
	"github.com/philsphicas/tunl/internal/session"
	"github.com/spf13/cobra"
)

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept tunnel sessions over WebSocket and forward them to their destinations",
		Long: `Start a tunnel server. Every WebSocket upgrade, on any path, carries one
session: the client's request header names the destination, the server
dials it and relays data both ways. Plain HTTP requests get an info page,
/link (a shareable client link) and /healthz.

Restrict destinations with --allow.`,
		Args: cobra.NoArgs,
		RunE: runServer,
	}

	addIDFlag(cmd)
	cmd.Flags().StringP("listen", "l", server.DefaultAddr, "listen address (or TUNL_LISTEN_ADDR)")
	cmd.Flags().String("host", "", "public host advertised by /link; defaults to the request Host (or TUNL_HOST)")
	cmd.Flags().String("path", relay.DefaultPath, "WebSocket path advertised by /link")
	cmd.Flags().Bool("tls", false, "advertise TLS in /link (set when behind a TLS-terminating proxy)")
	cmd.Flags().StringSlice("allow", nil, "allowed destinations (host:port, host:*, CIDR:port, CIDR:*, or *); domains match literally")
	cmd.Flags().Int("max-connections", 0, "max concurrent sessions (0 = unlimited)")
	cmd.Flags().Duration("connect-timeout", session.DefaultConnectTimeout, "timeout for dialing destinations")
	cmd.Flags().Duration("handshake-timeout", session.DefaultHandshakeTimeout, "time allowed for a client to send its request header")
	cmd.Flags().Duration("tcp-keepalive", session.DefaultTCPKeepAlive, "TCP keepalive interval")
	cmd.Flags().Duration("ping-interval", server.DefaultPingInterval, "WebSocket ping interval (negative disables)")
	cmd.Flags().Duration("window", 0, "tolerated client clock skew (default 2m)")
	cmd.Flags().Bool("require-aead", false, "reject clients using the legacy header format")
	cmd.Flags().Int("max-frame-size", frame.DefaultMaxFrameSize, "largest inbound frame accepted")
	cmd.Flags().Duration("linger", 0, "bound on how long the client may keep sending after the destination finished (0 waits for the client)")

	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	id, err := resolveID(cmd)
	if err != nil {
		return err
	}

	allow, _ := cmd.Flags().GetStringSlice("allow")
	maxConn, _ := cmd.Flags().GetInt("max-connections")
	connectTimeout, _ := cmd.Flags().GetDuration("connect-timeout")
	handshakeTimeout, _ := cmd.Flags().GetDuration("handshake-timeout")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	window, _ := cmd.Flags().GetDuration("window")
	requireAEAD, _ := cmd.Flags().GetBool("require-aead")
	maxFrame, _ := cmd.Flags().GetInt("max-frame-size")
	linger, _ := cmd.Flags().GetDuration("linger")
	path, _ := cmd.Flags().GetString("path")
	tls, _ := cmd.Flags().GetBool("tls")

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := server.Config{
		Addr:             stringFlagOrEnv(cmd, "listen", "TUNL_LISTEN_ADDR"),
		ID:               id,
		Host:             stringFlagOrEnv(cmd, "host", "TUNL_HOST"),
		Path:             path,
		TLS:              tls,
		Window:           window,
		RequireAEAD:      requireAEAD,
		ConnectTimeout:   connectTimeout,
		HandshakeTimeout: handshakeTimeout,
		MaxConnections:   maxConn,
		MaxFrameSize:     maxFrame,
		Linger:           linger,
		AllowList:        allow,
		TCPKeepAlive:     tcpKeepAlive,
		PingInterval:     pingInterval,
		Logger:           logger,
	}
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return server.ListenAndServe(ctx, cfg)
}
