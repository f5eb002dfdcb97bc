// Package protocol defines the wire format for the tunl tunnel protocol.
//
// Every connection begins with a single request header sent by the client
// (authentication tag followed by a sealed binary header describing the
// destination), answered by one response header from the server, followed by
// length-framed, encrypted chunks in both directions. This package holds the
// plaintext header layout and its codec; sealing lives in internal/header and
// framing in internal/frame.
package protocol

import (
	"fmt"
	"strings"
)

// Version is the only request header version accepted.
const Version byte = 1

// Command is the requested transfer type.
type Command byte

const (
	CommandTCP Command = 1
	CommandUDP Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandTCP:
		return "tcp"
	case CommandUDP:
		return "udp"
	default:
		return fmt.Sprintf("command(%d)", byte(c))
	}
}

// Security selects the symmetric scheme used for payload frames. It is carried
// in the low nibble of the padding/security byte.
type Security byte

const (
	SecurityUnknown          Security = 0x00
	SecurityLegacy           Security = 0x01 // AES-128-CFB stream
	SecurityAuto             Security = 0x02 // resolved by the client, never on the wire
	SecurityAES128GCM        Security = 0x03
	SecurityChaCha20Poly1305 Security = 0x04
	SecurityNone             Security = 0x05
	SecurityZero             Security = 0x06 // none, without chunking
)

var securityNames = map[Security]string{
	SecurityUnknown:          "unknown",
	SecurityLegacy:           "aes-128-cfb",
	SecurityAuto:             "auto",
	SecurityAES128GCM:        "aes-128-gcm",
	SecurityChaCha20Poly1305: "chacha20-poly1305",
	SecurityNone:             "none",
	SecurityZero:             "zero",
}

func (s Security) String() string {
	if name, ok := securityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("security(%d)", byte(s))
}

// IsAEAD reports whether frames are independently authenticated.
func (s Security) IsAEAD() bool {
	return s == SecurityAES128GCM || s == SecurityChaCha20Poly1305
}

// valid reports whether s may appear in a decoded header.
func (s Security) valid() bool {
	switch s {
	case SecurityLegacy, SecurityAES128GCM, SecurityChaCha20Poly1305, SecurityNone, SecurityZero:
		return true
	}
	return false
}

// ParseSecurity maps a user-facing name ("aes-128-gcm", "chacha20-poly1305",
// "aes-128-cfb", "none", "zero" or "auto") to a Security value. "auto"
// resolves to AES-128-GCM.
func ParseSecurity(name string) (Security, error) {
	for s, n := range securityNames {
		if n != name || s == SecurityUnknown {
			continue
		}
		if s == SecurityAuto {
			return SecurityAES128GCM, nil
		}
		return s, nil
	}
	return SecurityUnknown, fmt.Errorf("unknown security %q", name)
}

// Option is the request options bitmask.
type Option byte

const (
	OptionChunkStream         Option = 0x01
	OptionConnectionReuse     Option = 0x02
	OptionChunkMasking        Option = 0x04
	OptionGlobalPadding       Option = 0x08
	OptionAuthenticatedLength Option = 0x10
)

// Has reports whether every bit of x is set in o.
func (o Option) Has(x Option) bool { return o&x == x }

var optionNames = []struct {
	bit  Option
	name string
}{
	{OptionChunkStream, "chunk"},
	{OptionConnectionReuse, "reuse"},
	{OptionChunkMasking, "mask"},
	{OptionGlobalPadding, "padding"},
	{OptionAuthenticatedLength, "authlen"},
}

func (o Option) String() string {
	if o == 0 {
		return "none"
	}
	var parts []string
	for _, n := range optionNames {
		if o.Has(n.bit) {
			parts = append(parts, n.name)
			o &^= n.bit
		}
	}
	if o != 0 {
		parts = append(parts, fmt.Sprintf("%#x", byte(o)))
	}
	return strings.Join(parts, "+")
}

// DefaultOptions are the options a client sets unless told otherwise.
const DefaultOptions = OptionChunkStream | OptionChunkMasking | OptionGlobalPadding

// RequestHeader is the decoded client request. It is immutable once decoded.
type RequestHeader struct {
	Version        byte
	AuthDigest     [16]byte // authentication tag that preceded the sealed header
	IV             [16]byte // request body IV
	Key            [16]byte // request body key
	ResponseMarker byte     // echoed back in the response header
	Options        Option
	Security       Security
	Reserved       byte
	Command        Command
	Address        Address
	Padding        []byte // 0-15 random bytes
	Checksum       uint32 // FNV-1a over all preceding header bytes
}

// Chunked reports whether the payload is carried in length-prefixed frames.
// AEAD securities are always chunked.
func (h *RequestHeader) Chunked() bool {
	return h.Security.IsAEAD() || h.Options.Has(OptionChunkStream)
}

// ResponseHeader is the server confirmation sent exactly once, after the
// outbound connection is established.
type ResponseHeader struct {
	Marker  byte
	Options Option
}

// ResponseHeaderSize is the plaintext size of a response header:
// marker, options, command and command length (always zero).
const ResponseHeaderSize = 4

// Marshal returns the plaintext response header.
func (r ResponseHeader) Marshal() []byte {
	return []byte{r.Marker, byte(r.Options), 0x00, 0x00}
}
