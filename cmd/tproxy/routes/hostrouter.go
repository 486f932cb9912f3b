package routes

import (
	"bytes"

	"github.com/tproxy/tproxy/internal/netutil"
	"github.com/tproxy/tproxy/internal/route"
)

// headerEnd is the blank line marking the end of an HTTP header block.
var headerEnd = []byte("\r\n\r\n")

// DefaultBackend is where HostRouter sends requests whose Host header
// doesn't match any configured entry.
var DefaultBackend = netutil.Address{Net: netutil.NetworkTCP, Host: "127.0.0.1", Port: 8080}

// HostRouter decides by reading the HTTP Host header and looking it up
// in a static table, forwarding the request unchanged once the header
// block is complete.
type HostRouter struct {
	backends map[string]netutil.Address
}

// NewHostRouter builds a HostRouter keyed by Host header value. A nil or
// empty map means every request falls through to DefaultBackend.
func NewHostRouter(backends map[string]netutil.Address) *HostRouter {
	return &HostRouter{backends: backends}
}

func (h *HostRouter) Decide(data []byte) (route.Decision, error) {
	if !bytes.Contains(data, headerEnd) {
		return route.Decision{Kind: route.NeedMore}, nil
	}

	host := parseHostHeader(data)
	remote, ok := h.backends[host]
	if !ok {
		remote = DefaultBackend
	}

	return route.Decision{Kind: route.Forward, Remote: remote}, nil
}

// parseHostHeader returns the value of the first "Host:" header line, or
// the empty string if none is present.
func parseHostHeader(data []byte) string {
	for _, line := range bytes.Split(data, []byte("\r\n")) {
		const prefix = "Host:"
		if len(line) > len(prefix) && string(line[:len(prefix)]) == prefix {
			return string(bytes.TrimSpace(line[len(prefix):]))
		}
	}
	return ""
}
