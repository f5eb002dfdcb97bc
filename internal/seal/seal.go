// Package seal implements the per-frame cipher layer: one Authenticator per
// direction of a session, selected by the negotiated security mode, plus the
// length codecs and the legacy CFB stream.
//
// Every value returned here carries mutable state (nonce counters, SHAKE
// streams) and must be owned by exactly one direction of one session.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // part of the wire protocol
	"encoding/binary"
	"fmt"
	"io"

	"github.com/philsphicas/tunl/internal/protocol"
	"golang.org/x/crypto/chacha20poly1305"
)

// Authenticator seals and opens individual frames.
type Authenticator interface {
	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead() int
	// Seal appends the sealed plaintext to dst.
	Seal(dst, plaintext []byte) []byte
	// Open appends the opened ciphertext to dst. dst may be ciphertext[:0].
	Open(dst, ciphertext []byte) ([]byte, error)
}

// New returns the frame authenticator for security, keyed for one direction.
func New(security protocol.Security, key, iv [16]byte) (Authenticator, error) {
	switch security {
	case protocol.SecurityLegacy:
		return fnvAuth{}, nil
	case protocol.SecurityAES128GCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, fmt.Errorf("aes cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("gcm: %w", err)
		}
		return newAEADAuth(gcm, iv), nil
	case protocol.SecurityChaCha20Poly1305:
		aead, err := chacha20poly1305.New(ChaChaKey(key))
		if err != nil {
			return nil, fmt.Errorf("chacha20-poly1305: %w", err)
		}
		return newAEADAuth(aead, iv), nil
	case protocol.SecurityNone, protocol.SecurityZero:
		return noneAuth{}, nil
	default:
		return nil, fmt.Errorf("no authenticator for %s", security)
	}
}

// ChaChaKey expands a 16-byte body key to MD5(k) || MD5(MD5(k)).
func ChaChaKey(key [16]byte) []byte {
	out := make([]byte, 32)
	first := md5.Sum(key[:]) //nolint:gosec // part of the wire protocol
	second := md5.Sum(first[:])
	copy(out, first[:])
	copy(out[16:], second[:])
	return out
}

type noneAuth struct{}

func (noneAuth) Overhead() int                      { return 0 }
func (noneAuth) Seal(dst, p []byte) []byte          { return append(dst, p...) }
func (noneAuth) Open(dst, c []byte) ([]byte, error) { return append(dst, c...), nil }

// fnvAuth prefixes each frame with the FNV-1a hash of its plaintext. It is
// used with the legacy CFB stream, which provides the confidentiality.
type fnvAuth struct{}

func (fnvAuth) Overhead() int { return 4 }

func (fnvAuth) Seal(dst, p []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, protocol.Checksum(p))
	return append(dst, p...)
}

func (fnvAuth) Open(dst, c []byte) ([]byte, error) {
	if len(c) < 4 {
		return nil, fmt.Errorf("%w: frame shorter than checksum", protocol.ErrFrameIntegrity)
	}
	if binary.BigEndian.Uint32(c[:4]) != protocol.Checksum(c[4:]) {
		return nil, fmt.Errorf("%w: frame checksum mismatch", protocol.ErrFrameIntegrity)
	}
	return append(dst, c[4:]...), nil
}

// aeadAuth seals frames with a nonce of BE16(frame index) || iv[2:12].
type aeadAuth struct {
	aead  cipher.AEAD
	nonce []byte
	count uint16
}

func newAEADAuth(aead cipher.AEAD, iv [16]byte) *aeadAuth {
	nonce := make([]byte, aead.NonceSize())
	copy(nonce, iv[:])
	return &aeadAuth{aead: aead, nonce: nonce}
}

func (a *aeadAuth) next() []byte {
	binary.BigEndian.PutUint16(a.nonce, a.count)
	a.count++
	return a.nonce
}

func (a *aeadAuth) Overhead() int { return a.aead.Overhead() }

func (a *aeadAuth) Seal(dst, p []byte) []byte {
	return a.aead.Seal(dst, a.next(), p, nil)
}

func (a *aeadAuth) Open(dst, c []byte) ([]byte, error) {
	out, err := a.aead.Open(dst, a.next(), c, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrFrameIntegrity, err)
	}
	return out, nil
}

// NewCFBReader decrypts r with AES-128-CFB.
func NewCFBReader(r io.Reader, key, iv [16]byte) (io.Reader, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	//nolint:staticcheck // the legacy protocol mode is defined on CFB
	return &cipher.StreamReader{S: cipher.NewCFBDecrypter(block, iv[:]), R: r}, nil
}

// NewCFBWriter encrypts to w with AES-128-CFB.
func NewCFBWriter(w io.Writer, key, iv [16]byte) (io.Writer, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	//nolint:staticcheck // the legacy protocol mode is defined on CFB
	return &cipher.StreamWriter{S: cipher.NewCFBEncrypter(block, iv[:]), W: w}, nil
}
