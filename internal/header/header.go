// Package header seals and opens request and response headers on the
// transport and derives the per-session body keys.
//
// Two request formats exist. The AEAD format, sent by current clients, is
//
//	authID(16) | sealedLength(18) | nonce(8) | sealedHeader(n+16)
//
// and the legacy format is a 16-byte HMAC tag followed by the header under
// AES-128-CFB. Servers accept both unless configured to require AEAD.
package header

import (
	"bytes"
	"crypto/md5" //nolint:gosec // part of the wire protocol
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/philsphicas/tunl/internal/auth"
	"github.com/philsphicas/tunl/internal/protocol"
	"github.com/philsphicas/tunl/internal/seal"
)

// Format is the request header encoding.
type Format int

const (
	FormatAEAD Format = iota
	FormatLegacy
)

func (f Format) String() string {
	if f == FormatLegacy {
		return "legacy"
	}
	return "aead"
}

// SessionKeys are the body keys of both directions.
type SessionKeys struct {
	RequestKey  [16]byte
	RequestIV   [16]byte
	ResponseKey [16]byte
	ResponseIV  [16]byte
}

// DeriveKeys computes the response keys from the request keys. The two
// formats use different hashes.
func DeriveKeys(format Format, key, iv [16]byte) SessionKeys {
	k := SessionKeys{RequestKey: key, RequestIV: iv}
	if format == FormatLegacy {
		k.ResponseKey = md5.Sum(key[:]) //nolint:gosec // part of the wire protocol
		k.ResponseIV = md5.Sum(iv[:])   //nolint:gosec // part of the wire protocol
		return k
	}
	rk := sha256.Sum256(key[:])
	riv := sha256.Sum256(iv[:])
	copy(k.ResponseKey[:], rk[:16])
	copy(k.ResponseIV[:], riv[:16])
	return k
}

// Request is an accepted (server) or sent (client) request header together
// with everything needed to build the body streams.
type Request struct {
	Header    *protocol.RequestHeader
	Format    Format
	Keys      SessionKeys
	Timestamp int64
}

// ReadRequest reads one request header from r, authenticating it with v. It
// reads exactly the header bytes and nothing of the body. Errors match
// protocol.ErrAuthentication, protocol.ErrHeaderDecode or
// protocol.ErrTransportClosed.
func ReadRequest(r io.Reader, v *auth.Verifier, requireAEAD bool) (*Request, error) {
	var tag [auth.TagSize]byte
	if err := readFull(r, tag[:]); err != nil {
		return nil, err
	}

	if ts, err := v.OpenAuthID(tag); err == nil {
		h, err := openAEAD(r, v.ID(), tag)
		if err != nil {
			return nil, err
		}
		h.AuthDigest = tag
		return &Request{Header: h, Format: FormatAEAD, Keys: DeriveKeys(FormatAEAD, h.Key, h.IV), Timestamp: ts}, nil
	} else if requireAEAD {
		return nil, err
	}

	ts, err := v.VerifyLegacy(tag)
	if err != nil {
		return nil, err
	}
	h, err := openLegacy(r, v.ID(), ts)
	if err != nil {
		return nil, err
	}
	h.AuthDigest = tag
	return &Request{Header: h, Format: FormatLegacy, Keys: DeriveKeys(FormatLegacy, h.Key, h.IV), Timestamp: ts}, nil
}

// WriteRequest seals h for id in the given format and writes it to w in a
// single call. h.AuthDigest is set to the tag that was sent.
func WriteRequest(w io.Writer, id *auth.ID, h *protocol.RequestHeader, format Format, now time.Time) (*Request, error) {
	plain, err := protocol.EncodeRequest(h)
	if err != nil {
		return nil, err
	}
	ts := now.Unix()

	var wire []byte
	switch format {
	case FormatAEAD:
		authID, err := auth.NewAuthID(id, ts)
		if err != nil {
			return nil, err
		}
		if wire, err = sealAEAD(id, authID, plain); err != nil {
			return nil, err
		}
		h.AuthDigest = authID
	case FormatLegacy:
		tag := auth.LegacyTag(id, ts)
		wire = make([]byte, 0, len(tag)+len(plain))
		wire = append(wire, tag[:]...)
		enc, err := sealLegacy(id, ts, plain)
		if err != nil {
			return nil, err
		}
		wire = append(wire, enc...)
		h.AuthDigest = tag
	default:
		return nil, fmt.Errorf("unknown header format %d", format)
	}

	if _, err := w.Write(wire); err != nil {
		return nil, fmt.Errorf("write request header: %w", err)
	}
	return &Request{Header: h, Format: format, Keys: DeriveKeys(format, h.Key, h.IV), Timestamp: ts}, nil
}

// NewRequestHeader returns a header for a TCP connection to dest with fresh
// random keys, marker and padding.
func NewRequestHeader(dest protocol.Address, security protocol.Security, opts protocol.Option) (*protocol.RequestHeader, error) {
	h := &protocol.RequestHeader{
		Version:  protocol.Version,
		Options:  opts,
		Security: security,
		Command:  protocol.CommandTCP,
		Address:  dest,
	}
	var rnd [16 + 16 + 1 + 1]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return nil, fmt.Errorf("request header random: %w", err)
	}
	copy(h.Key[:], rnd[:16])
	copy(h.IV[:], rnd[16:32])
	h.ResponseMarker = rnd[32]
	if n := int(rnd[33] % 16); n > 0 {
		h.Padding = make([]byte, n)
		if _, err := rand.Read(h.Padding); err != nil {
			return nil, fmt.Errorf("request header random: %w", err)
		}
	}
	return h, nil
}

// readFull reads len(b) bytes, mapping a premature end of the transport to a
// TransportError.
func readFull(r io.Reader, b []byte) error {
	n, err := io.ReadFull(r, b)
	if err == nil {
		return nil
	}
	return &protocol.TransportError{Clean: n == 0 && errors.Is(err, io.EOF), Err: err}
}

func openLegacy(r io.Reader, id *auth.ID, ts int64) (*protocol.RequestHeader, error) {
	cr, err := seal.NewCFBReader(r, id.CmdKey, legacyIV(ts))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, protocol.MaxRequestSize)
	if err := readFull(cr, buf[:protocol.PrefixSize]); err != nil {
		return nil, err
	}
	total, err := protocol.RequestLength(buf[:protocol.PrefixSize])
	if err != nil {
		return nil, err
	}
	if err := readFull(cr, buf[protocol.PrefixSize:total]); err != nil {
		return nil, err
	}
	h, _, err := protocol.DecodeRequest(buf[:total])
	return h, err
}

func sealLegacy(id *auth.ID, ts int64, plain []byte) ([]byte, error) {
	var out bytes.Buffer
	cw, err := seal.NewCFBWriter(&out, id.CmdKey, legacyIV(ts))
	if err != nil {
		return nil, err
	}
	if _, err := cw.Write(plain); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// legacyIV is MD5 of the big-endian timestamp repeated four times.
func legacyIV(ts int64) [16]byte {
	var b [32]byte
	for i := 0; i < len(b); i += 8 {
		binary.BigEndian.PutUint64(b[i:], uint64(ts))
	}
	return md5.Sum(b[:]) //nolint:gosec // part of the wire protocol
}
