// Package auth verifies client identity for the tunnel protocol.
//
// A user is identified by a UUID. Clients prove possession of it with either
// a legacy tag, HMAC-MD5 over the current Unix second, or an AEAD auth ID, an
// AES block carrying the timestamp and a CRC. Both are accepted only inside a
// configurable clock-skew window.
package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // part of the wire protocol
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/tunl/internal/protocol"
)

// DefaultWindow is the tolerated clock skew between client and server.
const DefaultWindow = 120 * time.Second

// TagSize is the size of both the legacy tag and the AEAD auth ID.
const TagSize = 16

const cmdKeySalt = "c48619fe-8f02-49e0-b9e9-edf763e17e21"

// ID is a user identity: the UUID and the command key derived from it.
type ID struct {
	UUID   uuid.UUID
	CmdKey [16]byte
}

// NewID derives the command key for u.
func NewID(u uuid.UUID) *ID {
	id := &ID{UUID: u}
	h := md5.New() //nolint:gosec // part of the wire protocol
	h.Write(u[:])
	h.Write([]byte(cmdKeySalt))
	copy(id.CmdKey[:], h.Sum(nil))
	return id
}

// ParseID parses a UUID string into an ID.
func ParseID(s string) (*ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	return NewID(u), nil
}

func (id *ID) String() string { return id.UUID.String() }

// LegacyTag returns HMAC-MD5(uuid, BE64(ts)).
func LegacyTag(id *ID, ts int64) [TagSize]byte {
	mac := hmac.New(md5.New, id.UUID[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ts))
	mac.Write(b[:])
	var tag [TagSize]byte
	copy(tag[:], mac.Sum(nil))
	return tag
}

// NewAuthID returns an AEAD auth ID for ts: AES(BE64(ts) | rand4 | crc32).
func NewAuthID(id *ID, ts int64) ([TagSize]byte, error) {
	var plain [TagSize]byte
	binary.BigEndian.PutUint64(plain[:8], uint64(ts))
	if _, err := rand.Read(plain[8:12]); err != nil {
		return [TagSize]byte{}, fmt.Errorf("auth id random: %w", err)
	}
	binary.BigEndian.PutUint32(plain[12:], crc32.ChecksumIEEE(plain[:12]))

	block, err := authIDCipher(id)
	if err != nil {
		return [TagSize]byte{}, err
	}
	var out [TagSize]byte
	block.Encrypt(out[:], plain[:])
	return out, nil
}

func authIDCipher(id *ID) (cipher.Block, error) {
	key := KDF16(id.CmdKey[:], "AES Auth ID Encryption")
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("auth id cipher: %w", err)
	}
	return block, nil
}

// Options tune a Verifier.
type Options struct {
	// Window is the tolerated clock skew. Zero means DefaultWindow.
	Window time.Duration
	// Now returns the current time. Nil means time.Now.
	Now func() time.Time
}

// Verifier checks authentication tags for one configured identity. It is
// safe for concurrent use by many sessions.
type Verifier struct {
	id     *ID
	window time.Duration
	now    func() time.Time
	block  cipher.Block
	replay *ReplayCache
}

// NewVerifier creates a verifier for id.
func NewVerifier(id *ID, opts Options) (*Verifier, error) {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	block, err := authIDCipher(id)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		id:     id,
		window: opts.Window,
		now:    opts.Now,
		block:  block,
		replay: NewReplayCache(2 * opts.Window),
	}, nil
}

// ID returns the configured identity.
func (v *Verifier) ID() *ID { return v.id }

// Window returns the tolerated clock skew.
func (v *Verifier) Window() time.Duration { return v.window }

// VerifyLegacy checks a legacy tag against every second in the window. It
// returns the matched timestamp, which seeds the header IV.
func (v *Verifier) VerifyLegacy(tag [TagSize]byte) (int64, error) {
	now := v.now().Unix()
	span := int64(v.window / time.Second)

	var matched int64
	found := 0
	for ts := now - span; ts <= now+span; ts++ {
		want := LegacyTag(v.id, ts)
		eq := subtle.ConstantTimeCompare(want[:], tag[:])
		if eq == 1 && found == 0 {
			matched = ts
		}
		found |= eq
	}
	if found == 0 {
		return 0, fmt.Errorf("%w: no legacy tag in window", protocol.ErrAuthentication)
	}
	return matched, nil
}

// OpenAuthID decrypts and checks an AEAD auth ID. A valid auth ID is
// accepted once; a repeat inside the replay TTL is rejected.
func (v *Verifier) OpenAuthID(authID [TagSize]byte) (int64, error) {
	var plain [TagSize]byte
	v.block.Decrypt(plain[:], authID[:])

	want := binary.BigEndian.Uint32(plain[12:])
	if crc32.ChecksumIEEE(plain[:12]) != want {
		return 0, fmt.Errorf("%w: auth id checksum", protocol.ErrAuthentication)
	}

	ts := int64(binary.BigEndian.Uint64(plain[:8]))
	now := v.now()
	delta := now.Sub(time.Unix(ts, 0))
	if delta < 0 {
		delta = -delta
	}
	if delta > v.window {
		return 0, fmt.Errorf("%w: auth id outside time window", protocol.ErrAuthentication)
	}

	if err := v.replay.CheckAndMark(now, authID); err != nil {
		return 0, err
	}
	return ts, nil
}
