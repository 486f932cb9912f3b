// Package netutil implements address parsing and listening-socket setup
// for the proxy: host:port / [v6]:port / unix:path parsing, and the
// TPROXY_FD inheritance protocol used across worker spawn and live re-exec.
package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Network identifies the kind of address an Address represents.
type Network int

const (
	// NetworkTCP is a host/port address, dialed or listened on over TCP.
	NetworkTCP Network = iota
	// NetworkUnix is a filesystem path, dialed or listened on as a Unix
	// domain socket.
	NetworkUnix
)

// Address is either a network host:port pair or a filesystem path, never
// both.
type Address struct {
	Net  Network
	Host string
	Port int
	Path string
}

// String renders the address back into wire form.
func (a Address) String() string {
	if a.Net == NetworkUnix {
		return "unix:" + a.Path
	}
	if strings.Contains(a.Host, ":") {
		return fmt.Sprintf("[%s]:%d", a.Host, a.Port)
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsIPv6 reports whether the address's host parses as an IPv6 literal.
func (a Address) IsIPv6() bool {
	ip := net.ParseIP(a.Host)
	return ip != nil && ip.To4() == nil
}

// ParseAddress accepts "host", "host:port", "[v6]", "[v6]:port", or
// "unix:path" and returns the corresponding Address. An empty host becomes
// "0.0.0.0". A non-digit port is a ConfigError.
func ParseAddress(s string, defaultPort int) (Address, error) {
	if strings.HasPrefix(s, "unix:") {
		return Address{Net: NetworkUnix, Path: strings.TrimPrefix(s, "unix:")}, nil
	}

	host, port := s, ""
	switch {
	case strings.Contains(s, "[") && strings.Contains(s, "]"):
		closeIdx := strings.Index(s, "]")
		host = strings.ToLower(s[1:closeIdx])
		rest := s[closeIdx+1:]
		if strings.HasPrefix(rest, ":") {
			port = rest[1:]
		}
	case strings.Contains(s, ":"):
		idx := strings.LastIndex(s, ":")
		host = strings.ToLower(s[:idx])
		port = s[idx+1:]
	case s == "":
		host = "0.0.0.0"
	default:
		host = strings.ToLower(s)
	}

	if host == "" {
		host = "0.0.0.0"
	}

	if port == "" {
		return Address{Net: NetworkTCP, Host: host, Port: defaultPort}, nil
	}

	for _, r := range port {
		if r < '0' || r > '9' {
			return Address{}, &ConfigError{Msg: fmt.Sprintf("%q is not a valid port number", port)}
		}
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return Address{}, &ConfigError{Msg: fmt.Sprintf("%q is not a valid port number", port)}
	}
	return Address{Net: NetworkTCP, Host: host, Port: p}, nil
}

// ConfigError marks a fatal, startup-time configuration mistake.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }
