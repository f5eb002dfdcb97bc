// Package session runs one tunnel session on an accepted transport: it
// authenticates and decodes the request header, dials the destination,
// answers with the response header and relays framed payload in both
// directions until either side closes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/philsphicas/tunl/internal/auth"
	"github.com/philsphicas/tunl/internal/header"
	"github.com/philsphicas/tunl/internal/metrics"
	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/relay"
)

const (
	// DefaultConnectTimeout bounds the outbound dial.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds how long a client may take to send its
	// request header.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultTCPKeepAlive is the keepalive period set on outbound connections.
	DefaultTCPKeepAlive = 30 * time.Second

	role = "server"
)

// State is a session's position in its lifecycle. It only moves forward.
type State int32

const (
	StateAwaitingHeader State = iota
	StateConnecting
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting-header"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the settings shared by all sessions of a server.
type Config struct {
	Verifier         *auth.Verifier
	RequireAEAD      bool
	Dialer           Dialer        // nil means a net.Dialer
	ConnectTimeout   time.Duration // zero means DefaultConnectTimeout
	HandshakeTimeout time.Duration // zero means DefaultHandshakeTimeout
	MaxFrameSize     int           // zero means frame.DefaultMaxFrameSize
	BufferSize       int           // per-direction relay buffer
	Linger           time.Duration // see relay.BridgeOptions
	AllowList        AllowList     // optional; the zero value allows every destination
	TCPKeepAlive     time.Duration
	Logger           *slog.Logger
	Metrics          *metrics.Metrics // optional; nil disables metrics
}

func (c *Config) setDefaults() {
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.TCPKeepAlive == 0 {
		c.TCPKeepAlive = DefaultTCPKeepAlive
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result summarizes a finished session.
type Result struct {
	Destination protocol.Address
	Format      header.Format
	Security    protocol.Security
	Up          int64 // payload bytes from the transport to the destination
	Down        int64 // payload bytes from the destination to the transport
	Duration    time.Duration
}

// Session is one client connection. It exclusively owns its transport, its
// outbound connection and its cipher state.
type Session struct {
	cfg       Config
	transport net.Conn
	logger    *slog.Logger

	state    atomic.Int32
	up, down atomic.Int64

	mu       sync.Mutex
	req      *header.Request
	outbound net.Conn

	closeOnce sync.Once
}

// New returns a session for an accepted transport. Process runs it. The
// caller is expected to have scoped cfg.Logger to the peer.
func New(transport net.Conn, cfg Config) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:       cfg,
		transport: transport,
		logger:    cfg.Logger,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Request returns the accepted request, or nil before the header is decoded.
func (s *Session) Request() *header.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.req
}

// Bytes returns the payload relayed so far in each direction.
func (s *Session) Bytes() (up, down int64) { return s.up.Load(), s.down.Load() }

// Process drives the session to completion and closes it. The returned error
// matches one of the protocol error classes; the client only ever observes
// the transport closing.
func (s *Session) Process(ctx context.Context) (Result, error) {
	start := time.Now()
	defer s.Close() //nolint:errcheck // best-effort cleanup

	res, err := s.process(ctx)
	res.Duration = time.Since(start)
	res.Up, res.Down = s.Bytes()

	// A transport that goes away before a full header arrived never
	// started a session.
	aborted := s.State() == StateAwaitingHeader && errors.Is(err, protocol.ErrTransportClosed)
	if err != nil {
		reason := metrics.Reason(err)
		if aborted {
			reason = metrics.ReasonHandshakeAborted
		}
		s.cfg.Metrics.SessionError(role, reason)
	}
	s.logClosed(res, err, aborted)
	return res, err
}

func (s *Session) process(ctx context.Context) (Result, error) {
	var res Result

	s.setState(StateAwaitingHeader)
	_ = s.transport.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	req, err := header.ReadRequest(s.transport, s.cfg.Verifier, s.cfg.RequireAEAD)
	if err != nil {
		return res, err
	}
	_ = s.transport.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.req = req
	s.mu.Unlock()
	dest := req.Header.Address
	res.Destination, res.Format, res.Security = dest, req.Format, req.Header.Security
	s.logger.Debug("request accepted", "dest", dest.String(), "format", req.Format.String(), "security", req.Header.Security.String(), "options", req.Header.Options.String())

	if req.Header.Command != protocol.CommandTCP {
		return res, fmt.Errorf("%w: %s", protocol.ErrUnsupportedCommand, req.Header.Command)
	}
	if !s.cfg.AllowList.Allows(dest) {
		return res, fmt.Errorf("%w: %s", protocol.ErrDestinationRejected, dest)
	}

	s.setState(StateConnecting)
	outbound, err := s.dial(ctx, dest)
	if err != nil {
		return res, err
	}
	s.mu.Lock()
	s.outbound = outbound
	s.mu.Unlock()

	body, err := req.RequestBodyReader(s.transport, s.cfg.MaxFrameSize)
	if err != nil {
		return res, err
	}
	// The response header goes out exactly once, only after the dial succeeded.
	reply, err := req.WriteResponse(s.transport, s.cfg.MaxFrameSize)
	if err != nil {
		return res, &protocol.TransportError{Err: err}
	}

	s.setState(StateRelaying)
	tunnel := &tunnelConn{Conn: s.transport, r: body, w: reply, chunked: req.Header.Chunked()}
	_, err = s.cfg.Metrics.TrackedBridge(ctx, tunnel, outbound, relay.BridgeOptions{
		BufferSize: s.cfg.BufferSize,
		Linger:     s.cfg.Linger,
		Up:         &s.up,
		Down:       &s.down,
	}, role, dest.String())
	s.setState(StateClosing)
	if err != nil && !errors.Is(err, context.Canceled) {
		return res, fmt.Errorf("relay %s: %w", dest, err)
	}
	return res, nil
}

func (s *Session) dial(ctx context.Context, dest protocol.Address) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	dialStart := time.Now()
	conn, err := s.cfg.Dialer.DialContext(dialCtx, "tcp", dest.String())
	s.cfg.Metrics.ObserveDialDuration(role, time.Since(dialStart).Seconds())
	if err != nil {
		return nil, protocol.NewConnectError(dest.String(), err)
	}
	relay.SetTCPKeepAlive(conn, s.cfg.TCPKeepAlive)
	return conn, nil
}

// Close tears the session down. It is safe to call more than once and from
// any goroutine.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		err = s.transport.Close()
		s.mu.Lock()
		if s.outbound != nil {
			_ = s.outbound.Close()
		}
		s.mu.Unlock()
		s.setState(StateClosed)
	})
	return err
}

func (s *Session) logClosed(res Result, err error, aborted bool) {
	attrs := []any{
		"duration", res.Duration.Round(time.Millisecond),
		"up", sizestr.ToString(res.Up),
		"down", sizestr.ToString(res.Down),
	}
	if res.Destination.Port != 0 {
		attrs = append(attrs, "dest", res.Destination.String())
	}
	switch {
	case err == nil:
		s.logger.Info("session closed", attrs...)
	case aborted:
		s.logger.Debug("session aborted before header", append(attrs, "error", err)...)
	case errors.Is(err, protocol.ErrAuthentication), errors.Is(err, protocol.ErrHeaderDecode):
		// Scanners and stale clients; the transport is simply dropped.
		s.logger.Debug("session rejected", append(attrs, "error", err)...)
	default:
		s.logger.Warn("session failed", append(attrs, "error", err)...)
	}
}
