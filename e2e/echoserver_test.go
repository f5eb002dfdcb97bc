//go:build e2e

package e2e

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
)

// echoServer is a TCP server that echoes data back and closes once the peer
// half-closes.
type echoServer struct {
	ln    net.Listener
	conns atomic.Int64
}

// startEchoServer starts a TCP echo server on a random port.
func startEchoServer(t *testing.T) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}

	es := &echoServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			es.conns.Add(1)
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return es
}

// Addr returns the echo server's listen address as "host:port".
func (es *echoServer) Addr() string {
	return es.ln.Addr().String()
}

// ConnectionCount returns the number of connections accepted.
func (es *echoServer) ConnectionCount() int64 {
	return es.conns.Load()
}
