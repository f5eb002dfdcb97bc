package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/philsphicas/tunl/internal/auth"
	"github.com/philsphicas/tunl/internal/client/socks5"
	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/server"
)

const testUUID = "b831381d-6324-4d53-ad4f-8cda48b30811"

func testID(t *testing.T, s string) *auth.ID {
	t.Helper()
	id, err := auth.ParseID(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// startServer runs a tunnel server and returns its ws:// URL.
func startServer(t *testing.T, mutate func(*server.Config)) string {
	t.Helper()
	cfg := server.Config{ID: testID(t, testUUID), Linger: time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := server.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startEcho runs a TCP echo server that closes once it reads EOF.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func testConfig(t *testing.T, serverURL string) Config {
	t.Helper()
	return Config{
		ServerURL: serverURL,
		ID:        testID(t, testUUID),
		Security:  protocol.SecurityAES128GCM,
		Options:   protocol.DefaultOptions,
		Linger:    time.Second,
	}
}

func mustAddress(t *testing.T, hostport string) protocol.Address {
	t.Helper()
	a, err := protocol.ParseAddress(hostport)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestDial_Echo(t *testing.T) {
	tests := []struct {
		name     string
		security protocol.Security
		options  protocol.Option
		legacy   bool
	}{
		{"aead/aes-128-gcm", protocol.SecurityAES128GCM, protocol.DefaultOptions, false},
		{"aead/chacha20-poly1305", protocol.SecurityChaCha20Poly1305, protocol.DefaultOptions, false},
		{"aead/none", protocol.SecurityNone, protocol.OptionChunkStream, false},
		{"legacy/aes-128-cfb", protocol.SecurityLegacy, protocol.DefaultOptions, true},
		{"legacy/aes-128-gcm", protocol.SecurityAES128GCM, protocol.OptionChunkStream, true},
	}
	url := startServer(t, nil)
	echo := startEcho(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			cfg := testConfig(t, url)
			cfg.Security, cfg.Options, cfg.Legacy = tt.security, tt.options, tt.legacy
			conn, err := Dial(ctx, cfg, mustAddress(t, echo))
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer conn.Close()

			payload := make([]byte, 50_000)
			if _, err := rand.Read(payload); err != nil {
				t.Fatal(err)
			}
			go func() {
				_, _ = conn.Write(payload)
				_ = conn.CloseWrite()
			}()

			got, err := io.ReadAll(conn)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Fatalf("echo mismatch: got %d bytes, want %d", len(got), len(payload))
			}
		})
	}
}

func TestDial_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*server.Config)
		cfg    func(*Config)
		dest   string
	}{
		{
			name: "wrong id",
			cfg:  func(c *Config) { c.ID = testID(t, "00000000-0000-4000-8000-000000000001") },
		},
		{
			name:   "legacy refused",
			mutate: func(c *server.Config) { c.RequireAEAD = true },
			cfg:    func(c *Config) { c.Legacy = true },
		},
		{
			name:   "allowlist",
			mutate: func(c *server.Config) { c.AllowList = []string{"10.0.0.0/8:*"} },
		},
		{
			name: "destination down",
			dest: "127.0.0.1:1",
		},
	}
	echo := startEcho(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			cfg := testConfig(t, startServer(t, tt.mutate))
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			dest := echo
			if tt.dest != "" {
				dest = tt.dest
			}
			conn, err := Dial(ctx, cfg, mustAddress(t, dest))
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			defer conn.Close()

			if err := conn.Handshake(); !errors.Is(err, ErrNoResponse) {
				t.Errorf("Handshake = %v, want ErrNoResponse", err)
			}
			if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, ErrNoResponse) {
				t.Errorf("Read = %v, want ErrNoResponse", err)
			}
		})
	}
}

func TestDial_ServerUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cfg := testConfig(t, "ws://127.0.0.1:1/")
	if _, err := Dial(ctx, cfg, mustAddress(t, "example.com:80")); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestPortForward(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := PortForwardConfig{Config: testConfig(t, startServer(t, nil))}
	cfg.setDefaults()
	done := make(chan error, 1)
	go func() { done <- servePortForward(ctx, ln, mustAddress(t, startEcho(t)), cfg) }()

	for i := range 3 {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		msg := []byte(strings.Repeat("x", 1000*(i+1)))
		if _, err := c.Write(msg); err != nil {
			t.Fatal(err)
		}
		_ = c.(*net.TCPConn).CloseWrite()
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		got, err := io.ReadAll(c)
		c.Close()
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("conn %d: got %d bytes, want %d", i, len(got), len(msg))
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("servePortForward = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("port-forward did not stop")
	}
}

// socksConnect performs a client-side SOCKS5 CONNECT to dest and returns
// the reply code.
func socksConnect(t *testing.T, c net.Conn, dest string) byte {
	t.Helper()
	host, portStr, err := net.SplitHostPort(dest)
	if err != nil {
		t.Fatal(err)
	}
	ip := net.ParseIP(host).To4()
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		t.Fatal(err)
	}

	req := []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, socks5.AddrIPv4}
	req = append(req, ip...)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}
	resp := make([]byte, 2+10)
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(c, resp); err != nil {
		t.Fatalf("read socks reply: %v", err)
	}
	_ = c.SetReadDeadline(time.Time{})
	return resp[3]
}

func TestSOCKS5Proxy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := startServer(t, func(c *server.Config) { c.AllowList = []string{"127.0.0.1:*"} })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := SOCKS5Config{Config: testConfig(t, url)}
	cfg.setDefaults()
	go func() { _ = serveSOCKS5(ctx, ln, cfg) }()

	t.Run("connect", func(t *testing.T) {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		if rep := socksConnect(t, c, startEcho(t)); rep != socks5.RepSuccess {
			t.Fatalf("reply = %#x, want success", rep)
		}
		if _, err := c.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 4)
		_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(c, buf); err != nil {
			t.Fatal(err)
		}
		if string(buf) != "ping" {
			t.Errorf("got %q", buf)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer c.Close()
		if rep := socksConnect(t, c, "127.0.0.1:1"); rep != socks5.RepHostUnreachable {
			t.Errorf("reply = %#x, want host unreachable", rep)
		}
	})
}

func TestConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	stdout := &fakeWriteCloser{Writer: &out}
	cfg := ConnectConfig{
		Config: testConfig(t, startServer(t, nil)),
		Target: startEcho(t),
		Stdin:  &fakeReadCloser{Reader: strings.NewReader("hello through stdio")},
		Stdout: stdout,
	}
	if err := Connect(ctx, cfg); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if out.String() != "hello through stdio" {
		t.Errorf("stdout = %q", out.String())
	}
	if !stdout.closed {
		t.Error("stdout not closed after the tunnel ended")
	}
}

func TestConnect_BadTarget(t *testing.T) {
	cfg := ConnectConfig{Config: testConfig(t, "ws://127.0.0.1:1/"), Target: "no-port"}
	if err := Connect(context.Background(), cfg); err == nil {
		t.Fatal("expected error for target without port")
	}
}

// --- stdioConn tests ---

type fakeReadCloser struct {
	io.Reader
	closed bool
}

func (f *fakeReadCloser) Close() error {
	f.closed = true
	return nil
}

type fakeWriteCloser struct {
	io.Writer
	closed bool
}

func (f *fakeWriteCloser) Close() error {
	f.closed = true
	return nil
}

type errCloser struct {
	err error
}

func (e *errCloser) Read([]byte) (int, error)  { return 0, e.err }
func (e *errCloser) Write([]byte) (int, error) { return 0, e.err }
func (e *errCloser) Close() error              { return e.err }

func TestStdioConn(t *testing.T) {
	t.Run("ReadWriteClose", func(t *testing.T) {
		in := &fakeReadCloser{Reader: strings.NewReader("hello from stdin")}
		var outBuf bytes.Buffer
		out := &fakeWriteCloser{Writer: &outBuf}
		conn := &stdioConn{in: in, out: out}

		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf[:n]) != "hello from stdin" {
			t.Errorf("Read got %q", buf[:n])
		}
		if _, err := conn.Write([]byte("hello to stdout")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if outBuf.String() != "hello to stdout" {
			t.Errorf("Write output %q", outBuf.String())
		}
		if err := conn.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if !in.closed || !out.closed {
			t.Error("Close did not close both sides")
		}
	})

	t.Run("CloseWriteClosesStdoutOnly", func(t *testing.T) {
		in := &fakeReadCloser{Reader: strings.NewReader("")}
		out := &fakeWriteCloser{Writer: io.Discard}
		conn := &stdioConn{in: in, out: out}
		if err := conn.CloseWrite(); err != nil {
			t.Fatal(err)
		}
		if in.closed || !out.closed {
			t.Errorf("in.closed=%v out.closed=%v", in.closed, out.closed)
		}
	})

	t.Run("CloseJoinsErrors", func(t *testing.T) {
		errIn := errors.New("in close error")
		errOut := errors.New("out close error")
		conn := &stdioConn{in: &errCloser{err: errIn}, out: &errCloser{err: errOut}}

		err := conn.Close()
		if !errors.Is(err, errIn) || !errors.Is(err, errOut) {
			t.Errorf("Close error = %v, want both", err)
		}
	})

	t.Run("Addrs", func(t *testing.T) {
		conn := &stdioConn{}
		if conn.LocalAddr().Network() != "stdio" || conn.RemoteAddr().String() != "stdio" {
			t.Error("unexpected stdio addr")
		}
		if err := conn.SetDeadline(time.Now()); err != nil {
			t.Error(err)
		}
	})
}
