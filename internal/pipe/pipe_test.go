package pipe

import (
	"io"
	"net"
	"testing"
	"time"
)

func socketPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptCh
	return client, server
}

func TestPipeReadDrainsCarryBeforeSocket(t *testing.T) {
	client, server := socketPair(t)
	defer client.Close()
	defer server.Close()

	p := New(client, server, []byte("carried"))

	buf := make([]byte, 3)
	n, err := p.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "car" {
		t.Errorf("Read = %q, want %q", buf[:n], "car")
	}

	rest, err := io.ReadAll(io.LimitReader(p, 4))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(rest) != "ried" {
		t.Errorf("rest = %q, want %q", rest, "ried")
	}

	go func() { server.Write([]byte("from-socket")) }()
	buf2 := make([]byte, 11)
	n2, err := io.ReadFull(p, buf2)
	if err != nil {
		t.Fatalf("ReadFull after carry drained: %v", err)
	}
	if string(buf2[:n2]) != "from-socket" {
		t.Errorf("post-carry read = %q", buf2[:n2])
	}
}

func TestPipeWriteGoesToDest(t *testing.T) {
	src, srcPeer := socketPair(t)
	defer src.Close()
	defer srcPeer.Close()
	dest, destPeer := socketPair(t)
	defer dest.Close()
	defer destPeer.Close()

	p := New(src, dest, nil)
	if err := p.WriteAll([]byte("hello")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	// Bytes written to dest arrive at dest's peer.
	buf := make([]byte, 5)
	if _, err := io.ReadFull(destPeer, buf); err != nil {
		t.Fatalf("read at dest peer: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("dest peer got %q, want %q", buf, "hello")
	}
}

func TestPipeCloseIdempotent(t *testing.T) {
	client, server := socketPair(t)
	defer client.Close()
	defer server.Close()

	p := New(client, server, nil)
	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := p.Read(make([]byte, 1)); err != ErrClosed {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	// underlying sockets remain open: setting a deadline on one still succeeds.
	if err := client.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
		t.Fatalf("client still usable after pipe Close: %v", err)
	}
}
