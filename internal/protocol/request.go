package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net/netip"
)

// Plaintext request header layout (big-endian):
//
//	ver(1) | iv(16) | key(16) | marker(1) | opt(1) | pad<<4|sec(1) | rsv(1) |
//	cmd(1) | port(2) | atyp(1) | addr(4, 1+N or 16) | padding(0-15) | fnv1a(4)
const (
	offIV       = 1
	offKey      = 17
	offMarker   = 33
	offOptions  = 34
	offSecurity = 35
	offReserved = 36
	offCommand  = 37
	offPort     = 38
	offAddrType = 40
	fixedSize   = 41

	checksumSize = 4

	// MinRequestSize is the smallest valid plaintext header (IPv4, no padding).
	MinRequestSize = fixedSize + 4 + checksumSize

	// MaxRequestSize is the largest valid plaintext header (255-byte domain,
	// 15 bytes of padding).
	MaxRequestSize = fixedSize + 1 + 255 + 15 + checksumSize

	// PrefixSize is how many leading bytes RequestLength needs.
	PrefixSize = fixedSize + 1

	maxPadding = 15
)

// Checksum returns the FNV-1a 32-bit hash used as the header checksum.
func Checksum(b []byte) uint32 {
	h := fnv.New32a()
	h.Write(b) //nolint:errcheck // hash writes never fail
	return h.Sum32()
}

// RequestLength returns the total plaintext header length announced by the
// first PrefixSize bytes of a header.
func RequestLength(prefix []byte) (int, error) {
	if len(prefix) < PrefixSize {
		return 0, headerErr(HeaderShort, "have %d bytes, need %d", len(prefix), PrefixSize)
	}
	if prefix[0] != Version {
		return 0, headerErr(HeaderBadVersion, "version %d", prefix[0])
	}
	var addrLen int
	switch AddressType(prefix[offAddrType]) {
	case AddrIPv4:
		addrLen = 4
	case AddrIPv6:
		addrLen = 16
	case AddrDomain:
		addrLen = 1 + int(prefix[fixedSize])
	default:
		return 0, headerErr(HeaderBadAddressType, "type %d", prefix[offAddrType])
	}
	padLen := int(prefix[offSecurity] >> 4)
	return fixedSize + addrLen + padLen + checksumSize, nil
}

// DecodeRequest parses a plaintext request header from the start of b and
// returns it with the number of bytes consumed. AuthDigest is left zero; it
// is not part of the sealed header.
func DecodeRequest(b []byte) (*RequestHeader, int, error) {
	total, err := RequestLength(b)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < total {
		return nil, 0, headerErr(HeaderShort, "have %d bytes, need %d", len(b), total)
	}

	sumAt := total - checksumSize
	got := binary.BigEndian.Uint32(b[sumAt:total])
	if want := Checksum(b[:sumAt]); got != want {
		return nil, 0, headerErr(HeaderBadChecksum, "got %08x, want %08x", got, want)
	}

	h := &RequestHeader{
		Version:        b[0],
		ResponseMarker: b[offMarker],
		Options:        Option(b[offOptions]),
		Security:       Security(b[offSecurity] & 0x0f),
		Reserved:       b[offReserved],
		Command:        Command(b[offCommand]),
		Checksum:       got,
	}
	copy(h.IV[:], b[offIV:offKey])
	copy(h.Key[:], b[offKey:offMarker])

	if !h.Security.valid() {
		return nil, 0, headerErr(HeaderBadSecurity, "%s", h.Security)
	}
	if h.Options.Has(OptionAuthenticatedLength) {
		return nil, 0, headerErr(HeaderBadOption, "authenticated length")
	}
	if h.Command != CommandTCP && h.Command != CommandUDP {
		return nil, 0, headerErr(HeaderBadCommand, "%s", h.Command)
	}

	h.Address.Type = AddressType(b[offAddrType])
	h.Address.Port = binary.BigEndian.Uint16(b[offPort:offAddrType])
	pos := fixedSize
	switch h.Address.Type {
	case AddrIPv4:
		h.Address.IP = netip.AddrFrom4([4]byte(b[pos : pos+4]))
		pos += 4
	case AddrIPv6:
		h.Address.IP = netip.AddrFrom16([16]byte(b[pos : pos+16]))
		pos += 16
	case AddrDomain:
		n := int(b[pos])
		if n == 0 {
			return nil, 0, headerErr(HeaderBadAddress, "empty domain")
		}
		h.Address.Domain = string(b[pos+1 : pos+1+n])
		pos += 1 + n
	}

	if padLen := sumAt - pos; padLen > 0 {
		h.Padding = append([]byte(nil), b[pos:sumAt]...)
	}
	return h, total, nil
}

// EncodeRequest serializes h into a plaintext request header. The checksum is
// computed here; h.Checksum and h.AuthDigest are ignored.
func EncodeRequest(h *RequestHeader) ([]byte, error) {
	if len(h.Padding) > maxPadding {
		return nil, fmt.Errorf("padding too long: %d bytes", len(h.Padding))
	}
	if h.Security > 0x0f {
		return nil, fmt.Errorf("security out of range: %d", h.Security)
	}

	buf := make([]byte, fixedSize, MaxRequestSize)
	buf[0] = h.Version
	copy(buf[offIV:offKey], h.IV[:])
	copy(buf[offKey:offMarker], h.Key[:])
	buf[offMarker] = h.ResponseMarker
	buf[offOptions] = byte(h.Options)
	buf[offSecurity] = byte(len(h.Padding))<<4 | byte(h.Security)
	buf[offReserved] = h.Reserved
	buf[offCommand] = byte(h.Command)
	binary.BigEndian.PutUint16(buf[offPort:offAddrType], h.Address.Port)
	buf[offAddrType] = byte(h.Address.Type)

	switch h.Address.Type {
	case AddrIPv4:
		if !h.Address.IP.Is4() {
			return nil, fmt.Errorf("address %v is not IPv4", h.Address.IP)
		}
		ip := h.Address.IP.As4()
		buf = append(buf, ip[:]...)
	case AddrIPv6:
		if !h.Address.IP.Is6() {
			return nil, fmt.Errorf("address %v is not IPv6", h.Address.IP)
		}
		ip := h.Address.IP.As16()
		buf = append(buf, ip[:]...)
	case AddrDomain:
		if n := len(h.Address.Domain); n == 0 || n > 255 {
			return nil, fmt.Errorf("domain length %d out of range", n)
		}
		buf = append(buf, byte(len(h.Address.Domain)))
		buf = append(buf, h.Address.Domain...)
	default:
		return nil, fmt.Errorf("unsupported address type %d", h.Address.Type)
	}

	buf = append(buf, h.Padding...)
	buf = binary.BigEndian.AppendUint32(buf, Checksum(buf))
	return buf, nil
}
