// Package socks5 implements the server side of a minimal SOCKS5 handshake
// (RFC 1928): CONNECT only, no authentication. The client's socks5-proxy mode
// uses it to learn each connection's destination.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/philsphicas/tunl/internal/protocol"
)

// SOCKS5 protocol constants.
const (
	Version5 = 0x05

	AuthNone         = 0x00
	AuthNoAcceptable = 0xFF

	CmdConnect = 0x01

	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04
)

// Reply codes, in wire order.
const (
	RepSuccess byte = iota
	RepGeneralFailure
	RepConnectionNotAllowed
	RepNetworkUnreachable
	RepHostUnreachable
	RepConnectionRefused
	RepTTLExpired
	RepCommandNotSupported
	RepAddressNotSupported
)

// Handshake performs method negotiation and reads a CONNECT request from
// conn. Domain names are returned unresolved so the tunnel server does the
// lookup. The caller sends the reply with SendReply.
func Handshake(conn io.ReadWriter) (protocol.Address, error) {
	var none protocol.Address

	// VER | NMETHODS | METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return none, fmt.Errorf("read auth header: %w", err)
	}
	if hdr[0] != Version5 {
		return none, fmt.Errorf("unsupported SOCKS version: %d", hdr[0])
	}
	if hdr[1] == 0 {
		return none, errors.New("no auth methods offered")
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return none, fmt.Errorf("read auth methods: %w", err)
	}
	if !containsByte(methods, AuthNone) {
		_, _ = conn.Write([]byte{Version5, AuthNoAcceptable})
		return none, errors.New("client does not support no-auth")
	}
	if _, err := conn.Write([]byte{Version5, AuthNone}); err != nil {
		return none, fmt.Errorf("write auth reply: %w", err)
	}

	// VER | CMD | RSV | ATYP | DST.ADDR | DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return none, fmt.Errorf("read request header: %w", err)
	}
	if req[0] != Version5 {
		return none, fmt.Errorf("unsupported SOCKS version in request: %d", req[0])
	}
	if req[1] != CmdConnect {
		_ = SendReply(conn, RepCommandNotSupported, nil)
		return none, fmt.Errorf("unsupported SOCKS command: %d", req[1])
	}

	var host string
	switch req[3] {
	case AddrIPv4, AddrIPv6:
		n := 4
		if req[3] == AddrIPv6 {
			n = 16
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(conn, b); err != nil {
			return none, fmt.Errorf("read address: %w", err)
		}
		ip, _ := netip.AddrFromSlice(b)
		host = ip.String()
	case AddrDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return none, fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, l[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return none, fmt.Errorf("read domain: %w", err)
		}
		host = string(domain)
	default:
		_ = SendReply(conn, RepAddressNotSupported, nil)
		return none, fmt.Errorf("unsupported address type: %d", req[3])
	}

	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return none, fmt.Errorf("read port: %w", err)
	}
	addr, err := protocol.NewAddress(host, binary.BigEndian.Uint16(port[:]))
	if err != nil {
		_ = SendReply(conn, RepAddressNotSupported, nil)
		return none, err
	}
	return addr, nil
}

func containsByte(b []byte, x byte) bool {
	for _, v := range b {
		if v == x {
			return true
		}
	}
	return false
}

// SendReply sends a SOCKS5 reply to the client. A nil bindAddr is sent as
// 0.0.0.0:0.
func SendReply(conn io.Writer, rep byte, bindAddr *net.TCPAddr) error {
	reply := []byte{Version5, rep, 0x00}
	switch {
	case bindAddr == nil:
		reply = append(reply, AddrIPv4, 0, 0, 0, 0, 0, 0)
	case bindAddr.IP.To4() != nil:
		reply = append(reply, AddrIPv4)
		reply = append(reply, bindAddr.IP.To4()...)
		reply = binary.BigEndian.AppendUint16(reply, uint16(bindAddr.Port))
	default:
		reply = append(reply, AddrIPv6)
		reply = append(reply, bindAddr.IP.To16()...)
		reply = binary.BigEndian.AppendUint16(reply, uint16(bindAddr.Port))
	}
	_, err := conn.Write(reply)
	return err
}
