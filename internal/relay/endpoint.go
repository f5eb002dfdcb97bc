package relay

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultPath is the WebSocket path used when the server URL has none.
const DefaultPath = "/"

// ParseServerURL normalizes a server input to a ws:// or wss:// URL.
//
// Accepted input formats:
//   - Host or host:port: "tunnel.example.com:8080" → "ws://tunnel.example.com:8080/"
//   - HTTP URL: "https://tunnel.example.com/ws" → "wss://tunnel.example.com/ws"
//   - WebSocket URL: "ws://127.0.0.1:8080/ws" → used as-is
//
// path replaces an empty or "/" path when non-empty.
func ParseServerURL(input, path string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("server address is empty")
	}
	if !strings.Contains(input, "://") {
		input = "ws://" + input
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", input)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
		if path != "" {
			u.Path = "/" + strings.TrimPrefix(path, "/")
		}
	}
	return u.String(), nil
}
