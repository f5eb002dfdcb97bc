// Package server implements the tunnel server: it accepts WebSocket
// transports over HTTP, runs one session per transport, and serves a few
// informational endpoints alongside.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jpillora/requestlog"
	"github.com/philsphicas/tunl/internal/auth"
	"github.com/philsphicas/tunl/internal/link"
	"github.com/philsphicas/tunl/internal/metrics"
	"github.com/philsphicas/tunl/internal/relay"
	"github.com/philsphicas/tunl/internal/session"
)

const (
	// DefaultAddr is the listen address used when Config.Addr is empty.
	DefaultAddr = ":8080"

	// DefaultPingInterval is how often idle transports are pinged.
	DefaultPingInterval = 30 * time.Second

	// readLimit caps a single inbound WebSocket message.
	readLimit = 1 << 20

	shutdownTimeout = 10 * time.Second
)

const infoText = "tunl server. This endpoint carries tunnel sessions over WebSocket; " +
	"a plain HTTP request here means the client did not ask for an upgrade.\n"

// Config holds server configuration.
type Config struct {
	Addr             string
	ID               *auth.ID
	Host             string // public host advertised by /link; empty uses the request Host
	Path             string // WebSocket path advertised by /link
	TLS              bool   // advertise TLS in /link
	Window           time.Duration
	RequireAEAD      bool
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	MaxConnections   int // 0 = unlimited
	MaxFrameSize     int
	BufferSize       int
	Linger           time.Duration
	AllowList        []string // optional; see session.ParseAllowList
	TCPKeepAlive     time.Duration
	PingInterval     time.Duration // negative disables pings
	Dialer           session.Dialer
	Logger           *slog.Logger
	Metrics          *metrics.Metrics // optional; nil disables metrics
}

// Server accepts WebSocket transports and runs a session on each.
type Server struct {
	cfg      Config
	sessions session.Config
	sem      *relay.Semaphore
	handler  http.Handler

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.ID == nil {
		return nil, errors.New("server: identity is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Path == "" {
		cfg.Path = relay.DefaultPath
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	verifier, err := auth.NewVerifier(cfg.ID, auth.Options{Window: cfg.Window})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	allow, err := session.ParseAllowList(cfg.AllowList)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	s := &Server{
		cfg: cfg,
		sessions: session.Config{
			Verifier:         verifier,
			RequireAEAD:      cfg.RequireAEAD,
			Dialer:           cfg.Dialer,
			ConnectTimeout:   cfg.ConnectTimeout,
			HandshakeTimeout: cfg.HandshakeTimeout,
			MaxFrameSize:     cfg.MaxFrameSize,
			BufferSize:       cfg.BufferSize,
			Linger:           cfg.Linger,
			AllowList:        allow,
			TCPKeepAlive:     cfg.TCPKeepAlive,
			Metrics:          cfg.Metrics,
		},
		sem: relay.NewSemaphore(cfg.MaxConnections),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("GET /link", s.handleLink)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	h := http.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgrade(r) {
			s.handleTunnel(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	if cfg.Logger.Enabled(context.Background(), slog.LevelDebug) {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts a server on cfg.Addr. It blocks until ctx is
// cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully and waits for running sessions to end.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.cfg.Logger
	if len(s.cfg.AllowList) == 0 {
		logger.Warn("no allowlist configured, all destinations will be permitted")
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Hijacked transports are not tracked by Shutdown; deriving request
		// contexts from ctx ends them on cancel.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	logger.Info("server listening", "addr", ln.Addr(), "path", s.cfg.Path)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	s.drain()
	s.wg.Wait()
	return nil
}

// track registers a new session unless the server is draining.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.wg.Add(1)
	return true
}

// drain stops track from admitting sessions, so wg.Wait cannot race a late
// Add.
func (s *Server) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	logger := s.cfg.Logger.With("remote", r.RemoteAddr)

	if !s.sem.TryAcquire(r.Context()) {
		logger.Warn("max connections reached, rejecting transport")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release()

	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients authenticate inside the tunnel, not by origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()
	ws.SetReadLimit(readLimit)

	done := s.cfg.Metrics.TransportOpened()
	defer done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go relay.Keepalive(ctx, ws, s.cfg.PingInterval, func(err error) {
		logger.Debug("ping failed, closing transport", "error", err)
		cancel()
	})

	cfg := s.sessions
	cfg.Logger = logger
	sess := session.New(websocket.NetConn(ctx, ws, websocket.MessageBinary), cfg)
	_, _ = sess.Process(ctx)
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(infoText))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// LinkResponse is the body served at /link.
type LinkResponse struct {
	Description string `json:"description"`
	Link        string `json:"link"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	host := s.cfg.Host
	if host == "" {
		host = r.Host
	}
	tls := s.cfg.TLS || r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")

	l, err := link.Encode(link.ForServer(host, s.cfg.ID.String(), s.cfg.Path, tls))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(LinkResponse{
		Description: "import this link into a client; replace the address if the server is reached through a proxy or CDN",
		Link:        l,
	})
}
