// Package frame turns an arbitrarily chunked byte stream into sealed,
// length-prefixed frames and back.
//
// Wire format of one frame:
//
//	[size:2][sealed payload][padding]
//
// size is the length of everything after it and may be masked (see
// seal.NewSizeCodec). A frame whose size equals the authenticator overhead
// plus padding carries no payload and ends the stream.
package frame

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/seal"
)

const (
	// DefaultMaxFrameSize bounds the declared size of an inbound frame.
	DefaultMaxFrameSize = 16 * 1024

	// maxPayload is the most plaintext a Writer puts in one frame.
	maxPayload = 8 * 1024

	// minFrameSize leaves room for a useful payload after overhead and padding.
	minFrameSize = 128
)

// Config describes one direction of a session's payload stream.
type Config struct {
	Security     protocol.Security
	Options      protocol.Option
	Key          [16]byte
	IV           [16]byte
	MaxFrameSize int // zero means DefaultMaxFrameSize
}

func (c Config) chunked() bool {
	return c.Security.IsAEAD() || c.Options.Has(protocol.OptionChunkStream)
}

func (c Config) maxFrameSize() (int, error) {
	switch {
	case c.MaxFrameSize == 0:
		return DefaultMaxFrameSize, nil
	case c.MaxFrameSize < minFrameSize || c.MaxFrameSize > 0xffff:
		return 0, fmt.Errorf("max frame size %d out of range [%d, %d]", c.MaxFrameSize, minFrameSize, 0xffff)
	}
	return c.MaxFrameSize, nil
}

// Reader decodes frames from src. It is owned by one goroutine.
type Reader struct {
	src     io.Reader
	chunked bool
	auth    seal.Authenticator
	size    seal.SizeCodec
	max     int
	buf     []byte
	pending []byte
	err     error
	frames  int64
}

// NewReader returns a Reader for the stream described by cfg. src must
// already be decrypted when cfg.Security is legacy.
func NewReader(src io.Reader, cfg Config) (*Reader, error) {
	limit, err := cfg.maxFrameSize()
	if err != nil {
		return nil, err
	}
	r := &Reader{src: src, chunked: cfg.chunked(), max: limit}
	if r.chunked {
		if r.auth, err = seal.New(cfg.Security, cfg.Key, cfg.IV); err != nil {
			return nil, err
		}
		r.size = seal.NewSizeCodec(cfg.Options, cfg.IV)
	}
	return r, nil
}

// Frames returns the number of frames decoded so far.
func (r *Reader) Frames() int64 { return r.frames }

// Next returns the payload of the next frame. The slice is only valid until
// the following call. A chunked stream returns io.EOF only after the
// terminating frame; src ending anywhere else is an abrupt TransportError.
func (r *Reader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.buf == nil {
		r.buf = make([]byte, r.max)
	}
	if !r.chunked {
		n, err := r.src.Read(r.buf)
		if n > 0 {
			r.frames++
			return r.buf[:n], nil
		}
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, r.fail(err)
	}

	padding := r.size.NextPadding()
	var sb [seal.SizeBytes]byte
	if _, err := io.ReadFull(r.src, sb[:]); err != nil {
		return nil, r.fail(unterminated(err))
	}
	size := int(r.size.Decode(sb[:]))
	if size > r.max {
		return nil, r.fail(fmt.Errorf("%w: declared %d bytes, limit %d", protocol.ErrFrameTooLarge, size, r.max))
	}
	overhead := r.auth.Overhead() + padding
	if size == overhead {
		return nil, r.fail(io.EOF)
	}
	if size < overhead {
		return nil, r.fail(fmt.Errorf("%w: declared %d bytes, below overhead %d", protocol.ErrFrameIntegrity, size, overhead))
	}

	body := r.buf[:size]
	if _, err := io.ReadFull(r.src, body); err != nil {
		return nil, r.fail(unterminated(err))
	}
	body = body[:size-padding]
	payload, err := r.auth.Open(body[:0], body)
	if err != nil {
		return nil, r.fail(err)
	}
	r.frames++
	return payload, nil
}

// Read implements io.Reader over the decoded payload stream.
func (r *Reader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		payload, err := r.Next()
		if err != nil {
			return 0, err
		}
		r.pending = payload
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// unterminated maps the end of src inside a chunked stream to an abrupt
// transport close. Other read errors pass through.
func unterminated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &protocol.TransportError{Err: io.ErrUnexpectedEOF}
	}
	return err
}

// fail makes err sticky: a broken stream cannot be resynchronized.
func (r *Reader) fail(err error) error {
	r.err = err
	return err
}

// Writer encodes payload into frames written to dst. It is owned by one
// goroutine.
type Writer struct {
	dst        io.Writer
	chunked    bool
	auth       seal.Authenticator
	size       seal.SizeCodec
	maxPayload int
	buf        []byte
	closed     bool
	frames     int64
}

// NewWriter returns a Writer for the stream described by cfg. dst must
// already encrypt when cfg.Security is legacy.
func NewWriter(dst io.Writer, cfg Config) (*Writer, error) {
	limit, err := cfg.maxFrameSize()
	if err != nil {
		return nil, err
	}
	w := &Writer{dst: dst, chunked: cfg.chunked()}
	if !w.chunked {
		return w, nil
	}
	if w.auth, err = seal.New(cfg.Security, cfg.Key, cfg.IV); err != nil {
		return nil, err
	}
	w.size = seal.NewSizeCodec(cfg.Options, cfg.IV)
	w.maxPayload = min(maxPayload, limit-w.auth.Overhead()-seal.MaxPadding)
	w.buf = make([]byte, 0, seal.SizeBytes+w.maxPayload+w.auth.Overhead()+seal.MaxPadding)
	return w, nil
}

// Frames returns the number of frames written so far, including the
// terminating frame.
func (w *Writer) Frames() int64 { return w.frames }

// Write splits p into frames of at most the writer's payload limit and
// writes them in order. Empty writes produce no frame.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if !w.chunked {
		return w.dst.Write(p)
	}
	written := 0
	for len(p) > 0 {
		n := min(len(p), w.maxPayload)
		if err := w.writeFrame(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close writes the terminating frame. It does not close dst.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if !w.chunked {
		return nil
	}
	return w.writeFrame(nil)
}

func (w *Writer) writeFrame(p []byte) error {
	padding := w.size.NextPadding()
	size := len(p) + w.auth.Overhead() + padding

	buf := w.buf[:seal.SizeBytes]
	w.size.Encode(uint16(size), buf)
	buf = w.auth.Seal(buf, p)
	if padding > 0 {
		start := len(buf)
		buf = buf[:start+padding]
		if _, err := rand.Read(buf[start:]); err != nil {
			return fmt.Errorf("frame padding: %w", err)
		}
	}
	w.frames++
	_, err := w.dst.Write(buf)
	return err
}
