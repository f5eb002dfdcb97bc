package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultBufferSize is the per-direction copy buffer.
	DefaultBufferSize = 32 * 1024

	pingTimeout = 10 * time.Second
)

// BridgeStats holds byte counters for a completed bridge.
type BridgeStats struct {
	Up   int64 // bytes copied from front to back
	Down int64 // bytes copied from back to front
}

// BridgeOptions tune a Bridge. The zero value is usable.
type BridgeOptions struct {
	// BufferSize bounds each direction's copy buffer. A direction blocks
	// rather than buffering more.
	BufferSize int
	// Linger bounds how long front->back may run once back->front is done.
	// Zero waits for front to finish on its own.
	Linger time.Duration
	// Up and Down, when set, are advanced as bytes are written so callers
	// can observe a bridge in progress.
	Up, Down *atomic.Int64
}

type closeWriter interface {
	CloseWrite() error
}

// Bridge copies data bidirectionally between front (the tunnel side) and back
// (the destination side) until both directions finish, either side fails, or
// ctx is cancelled.
//
// When front reaches EOF, back's write side is closed and back->front keeps
// running. When back reaches EOF, front's write side is closed and
// front->back runs until front's EOF, or for at most Linger when it is set.
// If front cannot be half-closed both connections are closed at once. An
// error in either direction closes both connections. Bridge returns byte counts and the first error.
func Bridge(ctx context.Context, front, back net.Conn, opts BridgeOptions) (BridgeStats, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	up, down := opts.Up, opts.Down
	if up == nil {
		up = new(atomic.Int64)
	}
	if down == nil {
		down = new(atomic.Int64)
	}
	startUp, startDown := up.Load(), down.Load()

	upc := make(chan error, 1)
	downc := make(chan error, 1)
	go func() { upc <- pipe(back, front, make([]byte, opts.BufferSize), up) }()
	go func() { downc <- pipe(front, back, make([]byte, opts.BufferSize), down) }()

	var (
		firstErr         error
		aborted          bool
		upDone, downDone bool
		linger           <-chan time.Time
		done             = ctx.Done()
	)
	abort := func(err error) {
		if firstErr == nil && !aborted {
			firstErr = err
		}
		if !aborted {
			aborted = true
			_ = front.Close()
			_ = back.Close()
		}
	}
	var timer *time.Timer
	startLinger := func() {
		if timer == nil && opts.Linger > 0 {
			timer = time.NewTimer(opts.Linger)
			linger = timer.C
		}
	}

	for !upDone || !downDone {
		select {
		case err := <-upc:
			upDone = true
			switch {
			case aborted:
			case err != nil:
				abort(err)
			case !halfClose(back):
				startLinger()
			}
		case err := <-downc:
			downDone = true
			switch {
			case aborted:
			case err != nil:
				abort(err)
			case !halfClose(front):
				abort(nil)
			default:
				startLinger()
			}
		case <-linger:
			linger = nil
			abort(nil)
		case <-done:
			done = nil
			abort(ctx.Err())
		}
	}

	if timer != nil {
		timer.Stop()
	}
	return BridgeStats{Up: up.Load() - startUp, Down: down.Load() - startDown}, firstErr
}

// pipe copies src to dst through buf. A clean EOF from src is nil.
func pipe(dst io.Writer, src io.Reader, buf []byte, count *atomic.Int64) error {
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, wErr := dst.Write(buf[:n]); wErr != nil {
				return wErr
			}
			count.Add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// halfClose closes c's write side if it supports it.
func halfClose(c net.Conn) bool {
	cw, ok := c.(closeWriter)
	if !ok {
		return false
	}
	return cw.CloseWrite() == nil
}

// Keepalive pings ws every interval until ctx is done. If a ping fails,
// onFail is called with the error and Keepalive returns.
func Keepalive(ctx context.Context, ws *websocket.Conn, interval time.Duration, onFail func(error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil && onFail != nil {
					onFail(err)
				}
				return
			}
		}
	}
}
