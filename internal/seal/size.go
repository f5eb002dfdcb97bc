package seal

import (
	"encoding/binary"

	"github.com/philsphicas/tunl/internal/protocol"
	"golang.org/x/crypto/sha3"
)

// SizeBytes is the length of a frame size prefix.
const SizeBytes = 2

// MaxPadding bounds the random padding a single frame may carry.
const MaxPadding = 63

// SizeCodec encodes frame length prefixes. For every frame, callers invoke
// NextPadding before Encode or Decode, on both sides, in that order.
type SizeCodec interface {
	NextPadding() int
	Encode(size uint16, dst []byte)
	Decode(b []byte) uint16
}

// NewSizeCodec returns the codec selected by the request options. With chunk
// masking the length is XORed with a SHAKE128 stream seeded by iv; global
// padding additionally draws a padding length per frame from the same stream.
func NewSizeCodec(opts protocol.Option, iv [16]byte) SizeCodec {
	if !opts.Has(protocol.OptionChunkMasking) {
		return plainSize{}
	}
	shake := sha3.NewShake128()
	shake.Write(iv[:]) //nolint:errcheck // hash writes never fail
	return &shakeSize{shake: shake, padding: opts.Has(protocol.OptionGlobalPadding)}
}

type plainSize struct{}

func (plainSize) NextPadding() int               { return 0 }
func (plainSize) Encode(size uint16, dst []byte) { binary.BigEndian.PutUint16(dst, size) }
func (plainSize) Decode(b []byte) uint16         { return binary.BigEndian.Uint16(b) }

type shakeSize struct {
	shake   sha3.ShakeHash
	padding bool
	buf     [2]byte
}

func (s *shakeSize) next() uint16 {
	s.shake.Read(s.buf[:]) //nolint:errcheck // SHAKE reads never fail
	return binary.BigEndian.Uint16(s.buf[:])
}

func (s *shakeSize) NextPadding() int {
	if !s.padding {
		return 0
	}
	return int(s.next() % (MaxPadding + 1))
}

func (s *shakeSize) Encode(size uint16, dst []byte) {
	binary.BigEndian.PutUint16(dst, size^s.next())
}

func (s *shakeSize) Decode(b []byte) uint16 {
	return binary.BigEndian.Uint16(b) ^ s.next()
}
