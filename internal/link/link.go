// Package link builds shareable client configuration links.
package link

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Scheme prefixes every encoded link.
const Scheme = "vmess://"

// Descriptor is the client configuration carried in a link. The JSON keys
// follow the format understood by common clients.
type Descriptor struct {
	Remark   string `json:"ps"`
	Version  string `json:"v"`
	Address  string `json:"add"`
	Port     string `json:"port"`
	ID       string `json:"id"`
	AlterID  string `json:"aid"`
	Security string `json:"scy"`
	Network  string `json:"net"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Path     string `json:"path"`
	TLS      string `json:"tls"`
	SNI      string `json:"sni"`
	ALPN     string `json:"alpn"`
	FP       string `json:"fp"`
}

// ForServer returns the descriptor for a websocket server reachable at host.
// host may carry a port; without one, TLS on 443 is assumed.
func ForServer(host, id, path string, tls bool) Descriptor {
	port := "443"
	if !tls {
		port = "80"
	}
	addr := host
	if h, p, err := net.SplitHostPort(host); err == nil {
		addr, port = h, p
	}
	if path == "" {
		path = "/"
	}
	d := Descriptor{
		Remark:   "tunl",
		Version:  "2",
		Address:  addr,
		Port:     port,
		ID:       id,
		AlterID:  "0",
		Security: "auto",
		Network:  "ws",
		Type:     "none",
		Host:     addr,
		Path:     path,
	}
	if tls {
		d.TLS = "tls"
		d.SNI = addr
		d.ALPN = "http/1.1"
		d.FP = "chrome"
	}
	return d
}

// Encode returns the link for d.
func Encode(d Descriptor) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode link: %w", err)
	}
	return Scheme + base64.URLEncoding.EncodeToString(b), nil
}

// Decode parses a link produced by Encode. Standard and unpadded base64 are
// accepted as well since clients emit all three.
func Decode(s string) (Descriptor, error) {
	var d Descriptor
	if len(s) < len(Scheme) || s[:len(Scheme)] != Scheme {
		return d, fmt.Errorf("link: missing %s prefix", Scheme)
	}
	payload := s[len(Scheme):]
	var b []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.RawStdEncoding} {
		if b, err = enc.DecodeString(payload); err == nil {
			break
		}
	}
	if err != nil {
		return d, fmt.Errorf("link: %w", err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("link: %w", err)
	}
	return d, nil
}

// PortNumber returns the descriptor's port as a number.
func (d Descriptor) PortNumber() (uint16, error) {
	p, err := strconv.ParseUint(d.Port, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("link port %q: %w", d.Port, err)
	}
	return uint16(p), nil
}
