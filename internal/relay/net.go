package relay

import (
	"context"
	"net"
	"time"
)

// SetTCPKeepAlive enables TCP keepalive on the connection if it is a
// *net.TCPConn and d > 0.
func SetTCPKeepAlive(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(d)
}

// Semaphore limits concurrent sessions. A Semaphore created with a
// non-positive limit imposes no limit.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore returns a Semaphore admitting at most limit holders.
func NewSemaphore(limit int) *Semaphore {
	if limit <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{ch: make(chan struct{}, limit)}
}

// TryAcquire takes a slot without blocking.
func (s *Semaphore) TryAcquire(ctx context.Context) bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (s *Semaphore) Release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
