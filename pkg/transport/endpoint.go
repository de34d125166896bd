package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Endpoint describes the remote side of a connection.
type Endpoint struct {
	Kind Kind
	Host string
	Port int
	// URL is set for WebSocket endpoints.
	URL string
}

// ParseTCPEndpoint parses host:port. An empty host is rejected; dialing a
// bare port is ambiguous for a client.
func ParseTCPEndpoint(address string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(address))
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: invalid tcp address '%s': %w", address, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("transport: tcp address '%s' missing host", address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("transport: tcp address '%s' has invalid port", address)
	}
	return Endpoint{Kind: KindTCP, Host: host, Port: port}, nil
}

// ParseWebSocketEndpoint parses a ws:// or wss:// URL.
func ParseWebSocketEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: invalid websocket url '%s': %w", raw, err)
	}
	port := 0
	switch u.Scheme {
	case "ws", "http":
		port = 80
	case "wss", "https":
		port = 443
	default:
		return Endpoint{}, fmt.Errorf("transport: websocket url '%s' has unsupported scheme '%s'", raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("transport: websocket url '%s' missing host", raw)
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Endpoint{}, fmt.Errorf("transport: websocket url '%s' has invalid port", raw)
		}
	}
	return Endpoint{Kind: KindWebSocket, Host: u.Hostname(), Port: port, URL: u.String()}, nil
}

func endpointFromAddr(kind Kind, addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{Kind: kind}
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Endpoint{Kind: kind, Host: addr.String()}
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Kind: kind, Host: host, Port: port}
}

// Address is the host:port form of the endpoint.
func (e Endpoint) Address() string {
	if e.Port == 0 {
		return e.Host
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.URL != "" {
		return e.URL
	}
	if e.Host == "" {
		return e.Kind.String() + "://unknown"
	}
	return e.Kind.String() + "://" + e.Address()
}

// ParseEndpoint parses raw according to kind.
func ParseEndpoint(kind Kind, raw string) (Endpoint, error) {
	switch kind {
	case KindTCP:
		return ParseTCPEndpoint(raw)
	case KindWebSocket:
		return ParseWebSocketEndpoint(raw)
	default:
		return Endpoint{}, fmt.Errorf("transport: cannot parse endpoint for kind %s", kind)
	}
}
