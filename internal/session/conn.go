package session

import (
	"errors"
	"net"
	"sync"

	"github.com/philsphicas/tunl/internal/frame"
)

// tunnelConn presents the decoded payload streams of a transport as a
// net.Conn so it can be bridged to the outbound connection.
type tunnelConn struct {
	net.Conn
	r       *frame.Reader
	w       *frame.Writer
	chunked bool

	closeWriteOnce sync.Once
	closeWriteErr  error
}

func (c *tunnelConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *tunnelConn) Write(p []byte) (int, error) { return c.w.Write(p) }

// CloseWrite sends the terminating frame. Unchunked streams have no way to
// signal end of data short of closing the transport.
func (c *tunnelConn) CloseWrite() error {
	if !c.chunked {
		return errors.ErrUnsupported
	}
	c.closeWriteOnce.Do(func() { c.closeWriteErr = c.w.Close() })
	return c.closeWriteErr
}
