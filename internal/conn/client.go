package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tproxy/tproxy/internal/netutil"
	"github.com/tproxy/tproxy/internal/route"
)

// recvBufferSize is the chunk size used while accumulating bytes for the
// route script's Decide, matching the source's recv(8192) calls.
const recvBufferSize = 8192

// maxDecideBuffer bounds how much an undecided client can make the worker
// buffer before it is dropped, guarding against a peer that never sends
// enough to produce a decision (spec §5, "unbounded growth").
const maxDecideBuffer = 1 << 20 // 1 MiB

// ClientConnection drives the accept side of one connection: accumulate
// bytes, ask the route script to Decide, and either close, wait for more,
// or dial the chosen remote and hand off to a ServerConnection.
type ClientConnection struct {
	sock    net.Conn
	adapter *route.Adapter
	id      string

	defaultConnectTimeout    time.Duration
	defaultInactivityTimeout time.Duration
}

// NewClientConnection wraps an accepted socket. id is a short label used
// in logs and passed to the route script's ProxyError hook.
func NewClientConnection(sock net.Conn, adapter *route.Adapter, id string, defaultConnectTimeout, defaultInactivityTimeout time.Duration) *ClientConnection {
	return &ClientConnection{
		sock:                     sock,
		adapter:                  adapter,
		id:                       id,
		defaultConnectTimeout:    defaultConnectTimeout,
		defaultInactivityTimeout: defaultInactivityTimeout,
	}
}

// Handle runs the connection to completion: the decide loop, then (on
// Forward) the dial and the paired relay, then closes the client socket
// (the relay may already have closed it on coupled termination; the
// second Close is harmless). It never returns until the connection is
// fully done.
func (c *ClientConnection) Handle(ctx context.Context) error {
	defer c.sock.Close()

	buf := make([]byte, 0, recvBufferSize)
	tmp := make([]byte, recvBufferSize)
	eof := false

	for {
		decision, derr := c.adapter.Decide(buf)
		if derr != nil {
			c.adapter.ProxyError(c.id, derr)
			return fmt.Errorf("conn: decide: %w", derr)
		}

		switch decision.Kind {
		case route.Close:
			if len(decision.CloseReply) > 0 {
				writeAll(c.sock, decision.CloseReply)
			}
			return nil

		case route.Forward:
			return c.forward(ctx, decision, buf)

		case route.NeedMore:
			if eof {
				// Peer hung up before producing a decision; nothing more
				// to do.
				return nil
			}
			if len(buf) >= maxDecideBuffer {
				err := fmt.Errorf("conn: decide buffer exceeded %d bytes without a decision", maxDecideBuffer)
				c.adapter.ProxyError(c.id, err)
				return err
			}

			n, err := c.sock.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					eof = true
					continue
				}
				return fmt.Errorf("conn: read: %w", err)
			}
		}
	}
}

// forward writes decision.Reply (if any) to the client, dials
// decision.Remote and, on success, runs the paired
// request/response relay via a ServerConnection. On dial failure it
// reports ErrConnection through the route script's error hook, matching
// the source's connect_to_resource failure path.
func (c *ClientConnection) forward(ctx context.Context, decision route.Decision, buf []byte) error {
	carry := buf
	if decision.Data != nil {
		carry = decision.Data
	}

	connectTimeout := c.defaultConnectTimeout
	if decision.ConnectTimeoutSec > 0 {
		connectTimeout = time.Duration(decision.ConnectTimeoutSec * float64(time.Second))
	}
	inactivityTimeout := c.defaultInactivityTimeout
	if decision.InactivityTimeoutSec > 0 {
		inactivityTimeout = time.Duration(decision.InactivityTimeoutSec * float64(time.Second))
	}

	if len(decision.Reply) > 0 {
		if _, err := writeAll(c.sock, decision.Reply); err != nil {
			return fmt.Errorf("conn: reply to client: %w", err)
		}
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{Control: netutil.DialControl}
	upstream, err := dialer.DialContext(dialCtx, "tcp", decision.Remote.String())
	if err != nil {
		wrapped := fmt.Errorf("%w: dial %s: %v", ErrConnection, decision.Remote, err)
		c.adapter.ProxyError(c.id, wrapped)
		return wrapped
	}
	defer upstream.Close()

	if decision.SSL {
		tlsCfg, err := buildTLSConfig(decision.SSLOpts)
		if err != nil {
			c.adapter.ProxyError(c.id, err)
			return err
		}
		tlsConn := tls.Client(upstream, tlsCfg)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			wrapped := fmt.Errorf("%w: tls handshake %s: %v", ErrConnection, decision.Remote, err)
			c.adapter.ProxyError(c.id, wrapped)
			return wrapped
		}
		upstream = tlsConn
	}

	srv := NewServerConnection(upstream, c.sock, c.adapter, carry, decision.Extra, inactivityTimeout)
	return srv.Handle(ctx)
}
