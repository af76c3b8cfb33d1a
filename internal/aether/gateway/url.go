package gateway

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeURL turns an operator-supplied gateway address into a WebSocket
// URL: http becomes ws, https becomes wss, and any path, query or fragment is
// dropped. A bare host ("gw.example.com:18789") is treated as ws://.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("gateway url must not be empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("gateway url %q has no host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// LocalURL is the WebSocket address of a gateway published on host:port.
func LocalURL(host string, port int) string {
	if host == "" {
		host = "localhost"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// AccessHeaders builds the Cloudflare Access service-token headers. Both
// values are required; otherwise nil is returned.
func AccessHeaders(clientID, clientSecret string) http.Header {
	if clientID == "" || clientSecret == "" {
		return nil
	}
	h := http.Header{}
	h.Set("CF-Access-Client-Id", clientID)
	h.Set("CF-Access-Client-Secret", clientSecret)
	h.Set("Cookie", "CF_Authorization="+clientSecret)
	return h
}
