package routes

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/tproxy/tproxy/internal/netutil"
	"github.com/tproxy/tproxy/internal/route"
)

// socks4GrantedReply is the 8-byte "request granted" SOCKS4 reply: VN=0,
// CD=0x5a, followed by the (ignored by most clients) port/address fields.
var socks4GrantedReply = []byte{0x00, 0x5a, 0, 0, 0, 0, 0, 0}

// Socks4 decides a SOCKS4 CONNECT handshake: VN(1) CD(1) DSTPORT(2)
// DSTIP(4) USERID(variable, null-terminated). It never rewrites either
// direction; once the handshake is consumed it forwards raw bytes both
// ways.
type Socks4 struct{}

// minSocks4Request is VN+CD+PORT+IP+at least the USERID terminator.
const minSocks4Request = 9

func (Socks4) Decide(data []byte) (route.Decision, error) {
	if len(data) < minSocks4Request {
		return route.Decision{Kind: route.NeedMore}, nil
	}
	if data[0] != 0x04 {
		return route.Decision{Kind: route.Close}, nil
	}
	if data[1] != 0x01 {
		// Only CONNECT is supported.
		return route.Decision{Kind: route.Close, CloseReply: []byte{0x00, 0x5b, 0, 0, 0, 0, 0, 0}}, nil
	}

	term := bytes.IndexByte(data[8:], 0)
	if term == -1 {
		return route.Decision{Kind: route.NeedMore}, nil
	}

	port := binary.BigEndian.Uint16(data[2:4])
	ip := net.IP(data[4:8]).String()

	return route.Decision{
		Kind:   route.Forward,
		Remote: netutil.Address{Net: netutil.NetworkTCP, Host: ip, Port: int(port)},
		Reply:  socks4GrantedReply,
		// The handshake itself is not part of the application payload;
		// nothing from it is forwarded to the upstream.
		Data: []byte{},
	}, nil
}
