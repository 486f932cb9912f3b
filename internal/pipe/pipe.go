// Package pipe implements the read/write façade handed to route-script
// rewrite hooks: a single io.ReadWriteCloser over a (source, destination)
// socket pair, serving a carry-over buffer of already-received bytes
// before falling through to the source socket.
package pipe

import (
	"errors"
	"io"
	"net"
)

// ErrClosed is returned by Read/Write after Close.
var ErrClosed = errors.New("pipe: closed")

// Pipe presents the two halves of a mid-proxy splice as one read/write
// object, so route-script rewriters can be written as straight-line
// request/response processors. It does not own src or dest: the client and
// server connections close those sockets themselves.
type Pipe struct {
	src     net.Conn
	dest    net.Conn
	carry   []byte
	drained bool
	closed  bool
}

// New returns a Pipe reading from src (after draining carry) and writing
// to dest.
func New(src, dest net.Conn, carry []byte) *Pipe {
	return &Pipe{src: src, dest: dest, carry: carry}
}

// Read serves from the carry buffer first; once drained, it never refills
// and all subsequent reads come from the source socket, matching the
// invariant in spec §4.2.
func (p *Pipe) Read(b []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if !p.drained && len(p.carry) > 0 {
		n := copy(b, p.carry)
		p.carry = p.carry[n:]
		if len(p.carry) == 0 {
			p.drained = true
		}
		return n, nil
	}
	p.drained = true
	return p.src.Read(b)
}

// Write is a best-effort single send to the destination socket.
func (p *Pipe) Write(b []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	return p.dest.Write(b)
}

// WriteAll loops until all of b is sent, matching the source's
// sendall/send_data semantics.
func (p *Pipe) WriteAll(b []byte) error {
	if p.closed {
		return ErrClosed
	}
	_, err := io.Copy(p.dest, &staticReader{b: b})
	return err
}

// Close marks the pipe unusable. It is idempotent and never closes the
// underlying sockets — the connection objects own those.
func (p *Pipe) Close() error {
	p.closed = true
	return nil
}

type staticReader struct{ b []byte }

func (r *staticReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
