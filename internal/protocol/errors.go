package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Session-fatal error classes. Every error returned by the protocol engine
// matches exactly one of these with errors.Is.
var (
	ErrAuthentication  = errors.New("authentication failed")
	ErrHeaderDecode    = errors.New("header decode failed")
	ErrFrameIntegrity  = errors.New("frame integrity check failed")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrOutboundConnect = errors.New("outbound connect failed")
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnsupportedCommand is returned for a well-formed request whose
	// command the relay does not forward (UDP).
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrDestinationRejected is returned when the destination is not on the
	// configured allowlist.
	ErrDestinationRejected = errors.New("destination not allowed")
)

// HeaderErrorKind says why a request header was rejected.
type HeaderErrorKind uint8

const (
	HeaderShort HeaderErrorKind = iota + 1
	HeaderBadVersion
	HeaderBadChecksum
	HeaderBadCommand
	HeaderBadAddressType
	HeaderBadAddress
	HeaderBadSecurity
	HeaderBadOption
	HeaderBadSeal
	HeaderBadLength
)

var headerErrorText = map[HeaderErrorKind]string{
	HeaderShort:          "truncated header",
	HeaderBadVersion:     "unsupported version",
	HeaderBadChecksum:    "checksum mismatch",
	HeaderBadCommand:     "unsupported command",
	HeaderBadAddressType: "unsupported address type",
	HeaderBadAddress:     "malformed address",
	HeaderBadSecurity:    "unsupported security",
	HeaderBadOption:      "unsupported option",
	HeaderBadSeal:        "sealed header did not open",
	HeaderBadLength:      "invalid header length",
}

// HeaderError is a HeaderDecodeError variant.
type HeaderError struct {
	Kind   HeaderErrorKind
	Detail string
}

func (e *HeaderError) Error() string {
	msg := "header: " + headerErrorText[e.Kind]
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is makes every HeaderError match ErrHeaderDecode.
func (e *HeaderError) Is(target error) bool { return target == ErrHeaderDecode }

func headerErr(kind HeaderErrorKind, format string, args ...any) *HeaderError {
	return &HeaderError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// IsHeaderKind reports whether err is a HeaderError of the given kind.
func IsHeaderKind(err error, kind HeaderErrorKind) bool {
	var he *HeaderError
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	return false
}

// ConnectReason classifies an outbound dial failure.
type ConnectReason uint8

const (
	ConnectFailed ConnectReason = iota
	ConnectTimeout
	ConnectRefused
	ConnectUnresolved
)

func (r ConnectReason) String() string {
	switch r {
	case ConnectTimeout:
		return "timeout"
	case ConnectRefused:
		return "refused"
	case ConnectUnresolved:
		return "unresolved"
	default:
		return "failed"
	}
}

// ConnectError is an OutboundConnectError.
type ConnectError struct {
	Reason  ConnectReason
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Address, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Is makes every ConnectError match ErrOutboundConnect.
func (e *ConnectError) Is(target error) bool { return target == ErrOutboundConnect }

// NewConnectError classifies a dial error.
func NewConnectError(address string, err error) *ConnectError {
	reason := ConnectFailed
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = ConnectTimeout
	case errors.As(err, &dnsErr):
		reason = ConnectUnresolved
		if dnsErr.IsTimeout {
			reason = ConnectTimeout
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		reason = ConnectTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		reason = ConnectRefused
	}
	return &ConnectError{Reason: reason, Address: address, Err: err}
}

// TransportError is a TransportClosed error. Clean is true when the peer
// closed the transport in an orderly way.
type TransportError struct {
	Clean bool
	Err   error
}

func (e *TransportError) Error() string {
	if e.Clean {
		return "transport closed"
	}
	return fmt.Sprintf("transport closed abruptly: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is makes every TransportError match ErrTransportClosed.
func (e *TransportError) Is(target error) bool { return target == ErrTransportClosed }
