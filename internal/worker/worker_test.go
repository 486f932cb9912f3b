package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/tproxy/tproxy/internal/route"
)

// neverDecideScript always asks for more data, holding the connection
// open until the client goes away — used to pin connections in the pool
// long enough to observe the bound.
type neverDecideScript struct{}

func (neverDecideScript) Decide(data []byte) (route.Decision, error) {
	return route.Decision{Kind: route.NeedMore}, nil
}

func mustAdapter(t *testing.T, script any) *route.Adapter {
	t.Helper()
	a, err := route.Load(script)
	if err != nil {
		t.Fatalf("route.Load: %v", err)
	}
	return a
}

func TestWorkerAcceptLoopNeverExceedsPoolSize(t *testing.T) {
	const poolSize = 2
	const numClients = 6

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	adapter := mustAdapter(t, neverDecideScript{})
	w := New("test", ln, adapter, poolSize, 0, time.Second, 0, nil, "info")

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	var clients []net.Conn
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	maxObserved := 0
	for i := 0; i < numClients; i++ {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		clients = append(clients, c)
		// Give the accept loop a moment to register the new connection.
		time.Sleep(20 * time.Millisecond)
		if n := w.ActiveConnections(); n > maxObserved {
			maxObserved = n
		}
		if n := w.ActiveConnections(); n > poolSize {
			t.Fatalf("active connections = %d, want <= %d", n, poolSize)
		}
	}

	if maxObserved == 0 {
		t.Fatal("never observed any active connections")
	}

	for _, c := range clients {
		c.Close()
	}
	clients = nil

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
