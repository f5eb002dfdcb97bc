//go:build e2e

package e2e

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// tunlEnv is the identity shared by a server and its clients in one test.
type tunlEnv struct {
	id string
}

func newEnv(t *testing.T) *tunlEnv {
	t.Helper()
	return &tunlEnv{id: uuid.NewString()}
}

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// tunlBinary builds the tunl binary once and returns its path.
func tunlBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		// Find the repo root (parent of e2e/).
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "tunl")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/tunl")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build tunl: %v", buildErr)
	}
	return builtBinary
}

// tunlProcess represents a running tunl process with log capture.
type tunlProcess struct {
	cmd  *exec.Cmd
	logs *logBuffer
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // incomplete line from previous Write
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""

	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// setTunlEnv gives cmd the test identity through TUNL_UUID.
func setTunlEnv(cmd *exec.Cmd, env *tunlEnv) {
	cmd.Env = append(os.Environ(), "TUNL_UUID="+env.id)
}

// startTunl starts a tunl process with the given args. The process is killed
// on test cleanup.
func startTunl(t *testing.T, env *tunlEnv, args ...string) *tunlProcess {
	t.Helper()
	cmd := exec.Command(tunlBinary(t), args...)
	setTunlEnv(cmd, env)

	logs := &logBuffer{}
	cmd.Stderr = logs // tunl logs to stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start tunl %v: %v", args, err)
	}
	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
	})
	return &tunlProcess{cmd: cmd, logs: logs}
}

// tunlServer is a running tunl server and the URL clients reach it at.
type tunlServer struct {
	*tunlProcess
	addr string
}

// URL returns the ws:// URL of the server.
func (s *tunlServer) URL() string { return "ws://" + s.addr + "/" }

// startServer starts a tunl server on a random loopback port and waits for
// it to listen.
func startServer(t *testing.T, env *tunlEnv, extraArgs ...string) *tunlServer {
	t.Helper()
	args := append([]string{"server", "--listen", "127.0.0.1:0"}, extraArgs...)
	proc := startTunl(t, env, args...)
	addr := waitForLogAddr(t, proc, `msg="server listening"`, 15*time.Second)
	return &tunlServer{tunlProcess: proc, addr: addr}
}

// startPortForward starts a tunl client port-forward to target.
func startPortForward(t *testing.T, env *tunlEnv, srv *tunlServer, target string, extraArgs ...string) *tunlProcess {
	t.Helper()
	args := append([]string{
		"client", "port-forward", target,
		"--server", srv.URL(),
		"--bind", "127.0.0.1:0",
	}, extraArgs...)
	return startTunl(t, env, args...)
}

// startSOCKS5 starts a tunl client socks5-proxy.
func startSOCKS5(t *testing.T, env *tunlEnv, srv *tunlServer, extraArgs ...string) *tunlProcess {
	t.Helper()
	args := append([]string{
		"client", "socks5-proxy",
		"--server", srv.URL(),
		"--bind", "127.0.0.1:0",
	}, extraArgs...)
	return startTunl(t, env, args...)
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *tunlProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q\nlogs:\n%s", substr, proc.logs.String())
	}
	return line
}

var (
	addrRe = regexp.MustCompile(`addr=([^\s]+)`)
	bindRe = regexp.MustCompile(`bind=([^\s]+)`)
)

// waitForLogAddr waits for a log line and extracts the addr= or bind= value.
func waitForLogAddr(t *testing.T, proc *tunlProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := addrRe.FindStringSubmatch(line)
	if m == nil {
		m = bindRe.FindStringSubmatch(line)
	}
	if m == nil {
		t.Fatalf("no addr= or bind= in log line: %s", line)
	}
	return m[1]
}

// dialSOCKS5 performs a SOCKS5 handshake through the proxy to reach target
// and returns the connection with the reply code.
func dialSOCKS5(t *testing.T, proxyAddr, target string) (net.Conn, byte) {
	t.Helper()
	conn, rep, err := dialSOCKS5E(proxyAddr, target)
	if err != nil {
		t.Fatalf("socks5 dial %s via %s: %v", target, proxyAddr, err)
	}
	return conn, rep
}

// dialSOCKS5E is like dialSOCKS5 but returns an error instead of calling
// t.Fatalf. Safe to call from goroutines.
func dialSOCKS5E(proxyAddr, target string) (net.Conn, byte, error) {
	conn, err := net.DialTimeout("tcp", proxyAddr, 10*time.Second)
	if err != nil {
		return nil, 0, fmt.Errorf("dial proxy: %w", err)
	}
	fail := func(format string, args ...any) (net.Conn, byte, error) {
		conn.Close()
		return nil, 0, fmt.Errorf(format, args...)
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fail("parse target: %w", err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return fail("parse port %q: %w", portStr, err)
	}

	// Auth negotiation: version=5, 1 method, no-auth.
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return fail("socks5 auth write: %w", err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fail("socks5 auth response: %w", err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		return fail("socks5 auth: unexpected %v", resp)
	}

	req := []byte{0x05, 0x01, 0x00} // ver, connect, rsv
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		req = append(req, 0x01)
		req = append(req, ip4...)
	} else if ip != nil {
		req = append(req, 0x04)
		req = append(req, ip...)
	} else {
		req = append(req, 0x03, byte(len(host)))
		req = append(req, host...)
	}
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	if _, err := conn.Write(req); err != nil {
		return fail("socks5 connect write: %w", err)
	}

	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return fail("socks5 connect response: %w", err)
	}
	var rest int
	switch head[3] {
	case 0x01:
		rest = 4 + 2
	case 0x04:
		rest = 16 + 2
	case 0x03:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return fail("socks5 read domain len: %w", err)
		}
		rest = int(l[0]) + 2
	}
	if _, err := io.ReadFull(conn, make([]byte, rest)); err != nil {
		return fail("socks5 read bound addr: %w", err)
	}
	return conn, head[1], nil
}
