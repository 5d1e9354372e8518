package proxy

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// originFor derives a browser-style Origin for an upstream WebSocket URL.
// Gateways that check Origin expect http(s)://host, so loopback and wildcard
// literals are presented as localhost.
func originFor(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	var scheme string
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		scheme = "http"
	case "wss", "https":
		scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	switch host {
	case "":
		return "", fmt.Errorf("missing host in %q", rawURL)
	case "127.0.0.1", "::1", "0.0.0.0":
		host = "localhost"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, nil
}

// remotePort returns the explicit port of rawURL.
func remotePort(rawURL string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("no usable port in %q", rawURL)
	}
	return port, nil
}
