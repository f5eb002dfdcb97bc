package header

import (
	"fmt"
	"io"

	"github.com/philsphicas/tunl/internal/frame"
	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/seal"
)

func (req *Request) requestFrames(maxFrameSize int) frame.Config {
	return frame.Config{
		Security:     req.Header.Security,
		Options:      req.Header.Options,
		Key:          req.Keys.RequestKey,
		IV:           req.Keys.RequestIV,
		MaxFrameSize: maxFrameSize,
	}
}

func (req *Request) responseFrames(maxFrameSize int) frame.Config {
	return frame.Config{
		Security:     req.Header.Security,
		Options:      req.Header.Options,
		Key:          req.Keys.ResponseKey,
		IV:           req.Keys.ResponseIV,
		MaxFrameSize: maxFrameSize,
	}
}

func (req *Request) legacyBody() bool {
	return req.Header.Security == protocol.SecurityLegacy
}

// RequestBodyReader returns the server's decoder for the client->server
// payload that follows the header on raw.
func (req *Request) RequestBodyReader(raw io.Reader, maxFrameSize int) (*frame.Reader, error) {
	src := raw
	if req.legacyBody() {
		cr, err := seal.NewCFBReader(raw, req.Keys.RequestKey, req.Keys.RequestIV)
		if err != nil {
			return nil, err
		}
		src = cr
	}
	return frame.NewReader(src, req.requestFrames(maxFrameSize))
}

// RequestBodyWriter returns the client's encoder for the client->server
// payload. It must be used after WriteRequest.
func (req *Request) RequestBodyWriter(raw io.Writer, maxFrameSize int) (*frame.Writer, error) {
	dst := raw
	if req.legacyBody() {
		cw, err := seal.NewCFBWriter(raw, req.Keys.RequestKey, req.Keys.RequestIV)
		if err != nil {
			return nil, err
		}
		dst = cw
	}
	return frame.NewWriter(dst, req.requestFrames(maxFrameSize))
}

// WriteResponse writes the response header to raw and returns the encoder for
// the server->client payload. Call it once, after the outbound connection is
// up and before any payload.
func (req *Request) WriteResponse(raw io.Writer, maxFrameSize int) (*frame.Writer, error) {
	plain := protocol.ResponseHeader{Marker: req.Header.ResponseMarker}.Marshal()

	var body io.Writer = raw
	switch req.Format {
	case FormatLegacy:
		// The header and a legacy body share one CFB stream.
		cw, err := seal.NewCFBWriter(raw, req.Keys.ResponseKey, req.Keys.ResponseIV)
		if err != nil {
			return nil, err
		}
		if _, err := cw.Write(plain); err != nil {
			return nil, fmt.Errorf("write response header: %w", err)
		}
		if req.legacyBody() {
			body = cw
		}
	default:
		sealed, err := sealAEADResponse(req.Keys, plain)
		if err != nil {
			return nil, err
		}
		if _, err := raw.Write(sealed); err != nil {
			return nil, fmt.Errorf("write response header: %w", err)
		}
		if req.legacyBody() {
			cw, err := seal.NewCFBWriter(raw, req.Keys.ResponseKey, req.Keys.ResponseIV)
			if err != nil {
				return nil, err
			}
			body = cw
		}
	}
	return frame.NewWriter(body, req.responseFrames(maxFrameSize))
}

// ReadResponse reads and checks the response header from raw and returns the
// client's decoder for the server->client payload.
func (req *Request) ReadResponse(raw io.Reader, maxFrameSize int) (*frame.Reader, error) {
	var plain []byte
	body := raw
	switch req.Format {
	case FormatLegacy:
		cr, err := seal.NewCFBReader(raw, req.Keys.ResponseKey, req.Keys.ResponseIV)
		if err != nil {
			return nil, err
		}
		plain = make([]byte, protocol.ResponseHeaderSize)
		if err := readFull(cr, plain); err != nil {
			return nil, err
		}
		if req.legacyBody() {
			body = cr
		}
	default:
		var err error
		if plain, err = openAEADResponse(raw, req.Keys); err != nil {
			return nil, err
		}
		if req.legacyBody() {
			cr, err := seal.NewCFBReader(raw, req.Keys.ResponseKey, req.Keys.ResponseIV)
			if err != nil {
				return nil, err
			}
			body = cr
		}
	}
	if plain[0] != req.Header.ResponseMarker {
		return nil, &protocol.HeaderError{Kind: protocol.HeaderBadChecksum, Detail: fmt.Sprintf("response marker %#x, want %#x", plain[0], req.Header.ResponseMarker)}
	}
	return frame.NewReader(body, req.responseFrames(maxFrameSize))
}
