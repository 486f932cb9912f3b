// Package worker implements the accept-loop side of the proxy: a worker
// owns the inherited listener, bounds in-flight connections to a fixed
// pool, advances a heartbeat file the arbiter polls for liveness, and
// exits on its own signal policy or when it notices it has been
// orphaned.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tproxy/tproxy/internal/conn"
	"github.com/tproxy/tproxy/internal/heartbeat"
	"github.com/tproxy/tproxy/internal/logx"
	"github.com/tproxy/tproxy/internal/route"
)

// drainTimeout bounds how long a worker waits for in-flight connections
// to finish after a graceful-stop signal, matching spec §4.6 ("wait for
// in-flight to drain or up to 10s").
const drainTimeout = 10 * time.Second

// Worker owns one accept loop over a shared listener.
type Worker struct {
	Name string

	ln      net.Listener
	adapter *route.Adapter
	sem     chan struct{}
	counter *connCounter

	hb *heartbeat.Sink

	heartbeatInterval        time.Duration
	defaultConnectTimeout    time.Duration
	defaultInactivityTimeout time.Duration

	logger *logx.Logger
}

// New builds a Worker bounded to workerConnections in-flight connections.
// hb may be nil (no heartbeat, used in tests and in single-process runs
// without an arbiter). logLevel follows the same debug|info|warn|error
// vocabulary as --log-level.
func New(name string, ln net.Listener, adapter *route.Adapter, workerConnections int, heartbeatInterval, defaultConnectTimeout, defaultInactivityTimeout time.Duration, hb *heartbeat.Sink, logLevel string) *Worker {
	if workerConnections <= 0 {
		workerConnections = 1
	}
	return &Worker{
		Name:                     name,
		ln:                       ln,
		adapter:                  adapter,
		sem:                      make(chan struct{}, workerConnections),
		counter:                  &connCounter{},
		hb:                       hb,
		heartbeatInterval:        heartbeatInterval,
		defaultConnectTimeout:    defaultConnectTimeout,
		defaultInactivityTimeout: defaultInactivityTimeout,
		logger:                   logx.New(logLevel, log.New(log.Writer(), "", log.LstdFlags)),
	}
}

// ActiveConnections reports the number of connections currently occupying
// the pool, for tests and diagnostics.
func (w *Worker) ActiveConnections() int { return w.counter.value() }

// Run drives the worker until a stop signal fires, the parent process
// changes (orphan protection), or parent is cancelled. It never returns
// an error for a clean stop; a non-nil error means the listener itself
// failed.
func (w *Worker) Run(parent context.Context) error {
	ppid := os.Getppid()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// connCtx governs in-flight connections, deliberately independent of
	// ctx: a stop signal cancels ctx to stop accepting immediately, but
	// must not abort relays already in progress. Only killConns (called
	// once the drain grace period below expires) tears them down, which
	// is what actually makes drainTimeout a drain instead of a no-op.
	connCtx, killConns := context.WithCancel(context.Background())
	defer killConns()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT, syscall.SIGWINCH)
	defer signal.Stop(sigCh)

	go func() {
		<-ctx.Done()
		w.ln.Close()
	}()

	go w.watchSignals(ctx, cancel, sigCh)
	if w.hb != nil {
		go w.heartbeatLoop(ctx)
	}
	go w.watchOrphan(ctx, cancel, ppid)

	var wg sync.WaitGroup
	err := w.acceptLoop(ctx, connCtx, &wg)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		w.logger.Printf("[worker %s] drain timeout, killing %d in flight", w.Name, w.counter.value())
		killConns()
		<-drained
	}
	return err
}

// watchSignals implements the worker's signal policy (spec §4.6): QUIT,
// TERM, and INT all trigger the same stop path; WINCH is ignored; every
// other signal is left at its default disposition (not caught here).
func (w *Worker) watchSignals(ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGWINCH {
				continue
			}
			w.logger.Printf("[worker %s] received %s, stopping", w.Name, sig)
			cancel()
			return
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.heartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.hb.Notify(); err != nil {
				w.logger.Printf("[worker %s] heartbeat notify failed: %v", w.Name, err)
			}
		}
	}
}

func (w *Worker) watchOrphan(ctx context.Context, cancel context.CancelFunc, ppid int) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if os.Getppid() != ppid {
				w.logger.Printf("[worker %s] parent changed (was %d), exiting", w.Name, ppid)
				cancel()
				return
			}
		}
	}
}

// acceptLoop is the bounded accept loop. Accept is never called while the
// pool is saturated, the natural backpressure spec §5 describes. ctx
// governs accepting new connections; connCtx is handed to each accepted
// connection's Handle so a stop signal (which cancels ctx) does not also
// abort connections already in flight.
func (w *Worker) acceptLoop(ctx, connCtx context.Context, wg *sync.WaitGroup) error {
	connID := 0
	for {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		c, err := w.ln.Accept()
		if err != nil {
			<-w.sem
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			w.logger.Printf("[worker %s] accept error: %v", w.Name, err)
			continue
		}

		connID++
		id := fmt.Sprintf("%s.%d", w.Name, connID)
		w.counter.inc()
		wg.Add(1)
		go func(c net.Conn, id string) {
			defer wg.Done()
			defer w.counter.dec()
			defer func() { <-w.sem }()

			cc := conn.NewClientConnection(c, w.adapter, id, w.defaultConnectTimeout, w.defaultInactivityTimeout)
			if err := cc.Handle(connCtx); err != nil {
				w.logger.Printf("[worker %s] connection %s: %v", w.Name, id, err)
			}
		}(c, id)
	}
}

// connCounter is a mutex-guarded in-flight count. The spec's "cooperative
// lock" is upgraded to a real sync.Mutex here: Go's M:N scheduler doesn't
// give a single goroutine the non-preemption guarantee a single OS thread
// running greenlets has.
type connCounter struct {
	mu sync.Mutex
	n  int
}

func (c *connCounter) inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *connCounter) dec() {
	c.mu.Lock()
	c.n--
	c.mu.Unlock()
}

func (c *connCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
