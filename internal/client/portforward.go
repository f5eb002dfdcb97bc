package client

import (
	"context"
	"fmt"
	"net"

	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/relay"
)

// PortForwardConfig holds configuration for port-forward mode.
type PortForwardConfig struct {
	Config
	Target      string // host:port the server should connect to
	BindAddress string // local address:port to listen on
}

// PortForward starts a local TCP listener and forwards each connection
// through the tunnel to the configured target. It blocks until ctx is
// cancelled.
func PortForward(ctx context.Context, cfg PortForwardConfig) error {
	cfg.setDefaults()
	dest, err := protocol.ParseAddress(cfg.Target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	return servePortForward(ctx, ln, dest, cfg)
}

func servePortForward(ctx context.Context, ln net.Listener, dest protocol.Address, cfg PortForwardConfig) error {
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("port-forward listening", "bind", ln.Addr(), "target", dest.String())

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}

		go func() {
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			relay.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)
			if err := forward(ctx, conn, dest, cfg.Config); err != nil {
				cfg.Logger.Warn("forward failed", "error", err)
			}
		}()
	}
}
