package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/philsphicas/tunl/internal/protocol"
)

// ConnectConfig holds configuration for the connect (stdin/stdout) mode.
type ConnectConfig struct {
	Config
	Target string // host:port
	Stdin  io.ReadCloser
	Stdout io.WriteCloser
}

// Connect performs a one-shot connection: it opens a session to the target
// and bridges stdin/stdout with it. It returns when either side closes.
// This is the shape ssh's ProxyCommand expects.
func Connect(ctx context.Context, cfg ConnectConfig) error {
	cfg.setDefaults()
	dest, err := protocol.ParseAddress(cfg.Target)
	if err != nil {
		return fmt.Errorf("target: %w", err)
	}
	cfg.Logger.Debug("connecting", "target", dest.String())
	return forward(ctx, &stdioConn{in: cfg.Stdin, out: cfg.Stdout}, dest, cfg.Config)
}

// stdioConn adapts stdin/stdout to net.Conn for use with Bridge.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c *stdioConn) Read(b []byte) (int, error)       { return c.in.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error)      { return c.out.Write(b) }
func (c *stdioConn) Close() error                     { return errors.Join(c.in.Close(), c.out.Close()) }
func (c *stdioConn) CloseWrite() error                { return c.out.Close() }
func (c *stdioConn) LocalAddr() net.Addr              { return stubAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr             { return stubAddr{} }
func (c *stdioConn) SetDeadline(time.Time) error      { return nil }
func (c *stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "stdio" }
func (stubAddr) String() string  { return "stdio" }
