package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/philsphicas/tunl/internal/client/socks5"
	"github.com/philsphicas/tunl/internal/metrics"
	"github.com/philsphicas/tunl/internal/relay"
)

// SOCKS5Config holds configuration for socks5-proxy mode.
type SOCKS5Config struct {
	Config
	BindAddress string // local address:port to listen on
}

// SOCKS5Proxy starts a local SOCKS5 proxy and forwards each connection
// through the tunnel. The destination is taken per-connection from the
// SOCKS5 handshake. It blocks until ctx is cancelled.
func SOCKS5Proxy(ctx context.Context, cfg SOCKS5Config) error {
	cfg.setDefaults()
	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	return serveSOCKS5(ctx, ln, cfg)
}

func serveSOCKS5(ctx context.Context, ln net.Listener, cfg SOCKS5Config) error {
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("socks5-proxy listening", "bind", ln.Addr())

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
			if err := handleSOCKS5(ctx, conn, cfg); err != nil {
				cfg.Logger.Warn("socks5 failed", "error", err)
			}
		}()
	}
}

func handleSOCKS5(ctx context.Context, conn net.Conn, cfg SOCKS5Config) error {
	relay.SetTCPKeepAlive(conn, cfg.TCPKeepAlive)

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	dest, err := socks5.Handshake(conn)
	if err != nil {
		_ = socks5.SendReply(conn, socks5.RepGeneralFailure, nil)
		return fmt.Errorf("socks5 handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	cfg.Logger.Info("socks5 connect", "dest", dest.String())

	tunnel, err := Dial(ctx, cfg.Config, dest)
	if err != nil {
		_ = socks5.SendReply(conn, socks5.RepGeneralFailure, nil)
		return err
	}
	defer tunnel.Close() //nolint:errcheck // best-effort cleanup

	// The server confirms only once its outbound connection is up, so the
	// SOCKS reply can carry the real outcome.
	if err := tunnel.Handshake(); err != nil {
		rep := socks5.RepGeneralFailure
		if errors.Is(err, ErrNoResponse) {
			rep = socks5.RepHostUnreachable
		}
		_ = socks5.SendReply(conn, rep, nil)
		cfg.Metrics.SessionError(role, metrics.Reason(err))
		return fmt.Errorf("open %s: %w", dest, err)
	}

	tcpAddr, _ := conn.LocalAddr().(*net.TCPAddr)
	if err := socks5.SendReply(conn, socks5.RepSuccess, tcpAddr); err != nil {
		return err
	}

	_, err = cfg.Metrics.TrackedBridge(ctx, conn, tunnel, cfg.bridgeOptions(), role, dest.String())
	if err != nil && !errors.Is(err, context.Canceled) {
		cfg.Metrics.SessionError(role, metrics.Reason(err))
		return fmt.Errorf("tunnel to %s: %w", dest, err)
	}
	return nil
}
