// Package client implements the tunnel client: it dials a server over
// WebSocket, sends an authenticated request header and exposes the session
// as a net.Conn. The forwarding modes (port-forward, socks5-proxy, connect)
// are built on Dial.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/tunl/internal/auth"
	"github.com/philsphicas/tunl/internal/frame"
	"github.com/philsphicas/tunl/internal/header"
	"github.com/philsphicas/tunl/internal/metrics"
	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/relay"
)

const (
	role = "client"

	// readLimit caps a single inbound WebSocket message.
	readLimit = 1 << 20
)

// ErrNoResponse is returned when the server closes the transport instead of
// confirming the session. The server gives no reason; authentication,
// allowlist and dial failures all look the same from here.
var ErrNoResponse = errors.New("server closed the tunnel without a response")

// Config holds the settings shared by every connection a client opens.
type Config struct {
	ServerURL    string // ws:// or wss:// URL of the server
	Host         string // optional Host header override
	ID           *auth.ID
	Security     protocol.Security
	Options      protocol.Option
	Legacy       bool          // send the legacy header format instead of AEAD
	MaxFrameSize int           // zero means frame.DefaultMaxFrameSize
	DialTimeout  time.Duration // total retry budget for the server dial (0 = single attempt)
	TCPKeepAlive time.Duration
	BufferSize   int
	Linger       time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics // optional; nil disables metrics
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = 30 * time.Second
	}
}

func (c *Config) bridgeOptions() relay.BridgeOptions {
	return relay.BridgeOptions{BufferSize: c.BufferSize, Linger: c.Linger}
}

// Conn is one tunnel session seen from the client. Writes are framed and
// sealed toward the server; the first Read waits for the server's response
// header. A Conn may be read and written from different goroutines.
type Conn struct {
	net.Conn // the WebSocket transport
	req      *header.Request
	maxFrame int

	wmu sync.Mutex
	w   *frame.Writer

	handshakeOnce sync.Once
	r             *frame.Reader
	handshakeErr  error
}

// Dial opens a transport to the server and starts a session to dest. The
// server only dials dest after the request header arrives; call Handshake
// to wait for its confirmation.
func Dial(ctx context.Context, cfg Config, dest protocol.Address) (*Conn, error) {
	cfg.setDefaults()
	if cfg.ID == nil {
		return nil, errors.New("client: identity is required")
	}

	ws, err := cfg.Metrics.InstrumentedDial(ctx, cfg.ServerURL, cfg.Host, role, cfg.DialTimeout, cfg.Logger)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(readLimit)
	// The transport outlives ctx; Close ends it.
	transport := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)

	conn, err := newConn(transport, cfg, dest)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	cfg.Logger.Debug("request sent", "dest", dest.String(), "format", conn.req.Format.String(), "security", cfg.Security.String())
	return conn, nil
}

// newConn writes the request header for dest on transport.
func newConn(transport net.Conn, cfg Config, dest protocol.Address) (*Conn, error) {
	opts := cfg.Options
	if cfg.Security == protocol.SecurityZero {
		opts = 0
	}
	h, err := header.NewRequestHeader(dest, cfg.Security, opts)
	if err != nil {
		return nil, err
	}
	format := header.FormatAEAD
	if cfg.Legacy {
		format = header.FormatLegacy
	}
	req, err := header.WriteRequest(transport, cfg.ID, h, format, time.Now())
	if err != nil {
		return nil, err
	}
	w, err := req.RequestBodyWriter(transport, cfg.MaxFrameSize)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: transport, req: req, maxFrame: cfg.MaxFrameSize, w: w}, nil
}

// Request returns the request header that opened the session.
func (c *Conn) Request() *header.Request { return c.req }

// Handshake waits for the server's response header. It is called
// implicitly by the first Read and is safe to call more than once.
func (c *Conn) Handshake() error {
	c.handshakeOnce.Do(func() {
		r, err := c.req.ReadResponse(c.Conn, c.maxFrame)
		var te *protocol.TransportError
		if errors.As(err, &te) && te.Clean {
			err = ErrNoResponse
		}
		c.r, c.handshakeErr = r, err
	})
	return c.handshakeErr
}

func (c *Conn) Read(p []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.Write(p)
}

// CloseWrite ends the client->server stream with a terminating frame. It
// fails for unchunked sessions, which can only end by closing.
func (c *Conn) CloseWrite() error {
	if !c.req.Header.Chunked() {
		return errors.ErrUnsupported
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.Close()
}

// forward opens a session to dest and bridges it with local. It returns once
// both directions are done.
func forward(ctx context.Context, local net.Conn, dest protocol.Address, cfg Config) error {
	tunnel, err := Dial(ctx, cfg, dest)
	if err != nil {
		return err
	}
	defer tunnel.Close() //nolint:errcheck // best-effort cleanup

	_, err = cfg.Metrics.TrackedBridge(ctx, local, tunnel, cfg.bridgeOptions(), role, dest.String())
	if err != nil && !errors.Is(err, context.Canceled) {
		cfg.Metrics.SessionError(role, metrics.Reason(err))
		return fmt.Errorf("tunnel to %s: %w", dest, err)
	}
	return nil
}
