package conn

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tproxy/tproxy/internal/pipe"
	"github.com/tproxy/tproxy/internal/route"
)

type plainScript struct{}

func (plainScript) Decide(data []byte) (route.Decision, error) {
	return route.Decision{Kind: route.Forward}, nil
}

type rewriteScript struct {
	plainScript
	requestSeen []byte
}

func (s *rewriteScript) RewriteRequest(p *pipe.Pipe) error {
	buf := make([]byte, 1024)
	n, err := p.Read(buf)
	if n > 0 {
		s.requestSeen = append(s.requestSeen, buf[:n]...)
		p.WriteAll(buf[:n])
	}
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func socketPair(t *testing.T) (a, b net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted
	return client, server
}

func mustAdapter(t *testing.T, script any) *route.Adapter {
	t.Helper()
	a, err := route.Load(script)
	if err != nil {
		t.Fatalf("route.Load: %v", err)
	}
	return a
}

func TestServerConnectionPlainRelayBothDirections(t *testing.T) {
	clientSide, clientSock := socketPair(t)
	defer clientSide.Close()
	upstreamSide, upstreamSock := socketPair(t)
	defer upstreamSide.Close()

	adapter := mustAdapter(t, plainScript{})
	sc := NewServerConnection(upstreamSock, clientSock, adapter, []byte("hello"), nil, 0)

	done := make(chan error, 1)
	go func() { done <- sc.Handle(context.Background()) }()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(upstreamSide, buf); err != nil {
		t.Fatalf("read carry at upstream: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("upstream got %q, want hello", buf)
	}

	if _, err := upstreamSide.Write([]byte("world")); err != nil {
		t.Fatalf("write response: %v", err)
	}
	buf2 := make([]byte, 5)
	if _, err := io.ReadFull(clientSide, buf2); err != nil {
		t.Fatalf("read response at client: %v", err)
	}
	if string(buf2) != "world" {
		t.Errorf("client got %q, want world", buf2)
	}

	clientSide.Close()
	upstreamSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after both peers closed")
	}
}

func TestServerConnectionClientCloseCancelsResponseSide(t *testing.T) {
	clientSide, clientSock := socketPair(t)
	upstreamSide, upstreamSock := socketPair(t)
	defer upstreamSide.Close()

	adapter := mustAdapter(t, plainScript{})
	sc := NewServerConnection(upstreamSock, clientSock, adapter, nil, nil, 0)

	done := make(chan error, 1)
	go func() { done <- sc.Handle(context.Background()) }()

	// Client hangs up; the request side sees EOF, which must cancel the
	// still-blocked response side too.
	clientSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after client closed")
	}
}

func TestServerConnectionInactivityTimeout(t *testing.T) {
	clientSide, clientSock := socketPair(t)
	defer clientSide.Close()
	upstreamSide, upstreamSock := socketPair(t)
	defer upstreamSide.Close()

	adapter := mustAdapter(t, plainScript{})
	sc := NewServerConnection(upstreamSock, clientSock, adapter, nil, nil, 20*time.Millisecond)

	err := sc.Handle(context.Background())
	if err == nil {
		t.Fatal("expected inactivity timeout error")
	}
}

func TestServerConnectionRewriteRequestHook(t *testing.T) {
	clientSide, clientSock := socketPair(t)
	upstreamSide, upstreamSock := socketPair(t)
	defer upstreamSide.Close()

	script := &rewriteScript{}
	adapter := mustAdapter(t, script)
	sc := NewServerConnection(upstreamSock, clientSock, adapter, []byte("abc"), nil, 0)

	done := make(chan error, 1)
	go func() { done <- sc.Handle(context.Background()) }()

	buf := make([]byte, 3)
	if _, err := io.ReadFull(upstreamSide, buf); err != nil {
		t.Fatalf("read echoed carry at upstream: %v", err)
	}
	if string(buf) != "abc" {
		t.Errorf("upstream got %q, want abc", buf)
	}

	clientSide.Close()
	upstreamSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return")
	}

	if string(script.requestSeen) != "abc" {
		t.Errorf("rewrite hook saw %q, want abc", script.requestSeen)
	}
}
