package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tproxy/tproxy/internal/pipe"
	"github.com/tproxy/tproxy/internal/route"
)

// relayBufferSize is the chunk size used by the plain (non-rewrite) relay
// loops, matching the source's recv(8192) calls.
const relayBufferSize = 8192

// killGrace bounds how long Handle waits, after cancellation, for both
// relay goroutines to actually return (spec §5, "group joins are bounded
// by the connection's inactivity timeout plus a 1-second kill grace").
const killGrace = time.Second

// ServerConnection owns the upstream socket and runs the two paired
// request/response relay tasks described in spec §4.5. It does not own
// the client socket — the ClientConnection does — but it does hold a
// non-owning reference to it so it can read the request side and close it
// on coupled termination.
type ServerConnection struct {
	upstream net.Conn
	client   net.Conn // the accepted client socket, non-owning

	adapter *route.Adapter
	carry   []byte
	extra   any

	inactivityTimeout time.Duration

	closeOnce sync.Once
}

// NewServerConnection constructs a ServerConnection after a successful
// dial. carry is the buffer accumulated by the client connection before
// the Forward decision fired; it becomes the first bytes the request-side
// pipe (or plain relay) reads.
func NewServerConnection(upstream, client net.Conn, adapter *route.Adapter, carry []byte, extra any, inactivityTimeout time.Duration) *ServerConnection {
	return &ServerConnection{
		upstream:          upstream,
		client:            client,
		adapter:           adapter,
		carry:             carry,
		extra:             extra,
		inactivityTimeout: inactivityTimeout,
	}
}

// Handle runs the coupled request/response relay until both finish, then
// closes the upstream socket exactly once. Cancelling parent cancels both
// sides; either side finishing (EOF, error, or inactivity timeout)
// cancels the other, bounded by killGrace past the inactivity timeout.
func (s *ServerConnection) Handle(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.runRequestSide()
	})
	g.Go(func() error {
		defer cancel()
		return s.runResponseSide()
	})

	unblocked := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.closePeers()
		close(unblocked)
	}()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		s.closePeers()
		return err
	case <-unblocked:
		select {
		case err := <-done:
			s.closePeers()
			return err
		case <-time.After(killGrace):
			s.closePeers()
			return <-done
		}
	}
}

// closePeers closes both sockets so a relay goroutine blocked in a Read
// unblocks with an error the moment the other side finishes. The client
// socket's final lifecycle belongs to ClientConnection (a second Close is
// a harmless no-op); closing it here is what actually realizes the
// coupling rule, since a blocked net.Conn.Read has no other way to be
// interrupted.
func (s *ServerConnection) closePeers() {
	s.closeOnce.Do(func() {
		s.upstream.Close()
		s.client.Close()
	})
}

// runRequestSide relays client -> upstream, through the route script's
// RewriteRequest hook if present, otherwise a plain recv/send loop.
func (s *ServerConnection) runRequestSide() error {
	if s.adapter.HasRewriteRequest() {
		p := pipe.New(s.client, s.upstream, s.carry)
		defer p.Close()
		return s.adapter.RewriteRequest(p, s.extra)
	}
	return plainRelay(s.upstream, s.client, s.carry)
}

// runResponseSide relays upstream -> client, through the route script's
// RewriteResponse hook if present, otherwise a plain recv/send loop
// guarded by the inactivity timeout.
func (s *ServerConnection) runResponseSide() error {
	src := net.Conn(s.upstream)
	if s.inactivityTimeout > 0 {
		src = &deadlineConn{Conn: s.upstream, timeout: s.inactivityTimeout}
	}

	if s.adapter.HasRewriteResponse() {
		p := pipe.New(src, s.client, nil)
		defer p.Close()
		return s.adapter.RewriteResponse(p, s.extra)
	}
	return plainRelay(s.client, src, nil)
}

// plainRelay loops recv(relayBufferSize) on src, send_all on dest, until
// EOF, matching the source's Route.proxy_io. carry, if non-empty, is
// flushed to dest before the loop begins.
func plainRelay(dest, src net.Conn, carry []byte) error {
	if len(carry) > 0 {
		if _, err := writeAll(dest, carry); err != nil {
			return err
		}
	}
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := writeAll(dest, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func writeAll(dest net.Conn, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := dest.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// deadlineConn wraps a net.Conn so every Read resets a per-call deadline,
// the Go rendering of "inactivity_timeout ... resets per recv, not per
// connection" (spec §5). A timed-out Read is surfaced as
// ErrInactivityTimeout.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (d *deadlineConn) Read(b []byte) (int, error) {
	if err := d.Conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return 0, err
	}
	n, err := d.Conn.Read(b)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, ErrInactivityTimeout
		}
	}
	return n, err
}
