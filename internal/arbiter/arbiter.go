// Package arbiter implements the master process: it spawns and reaps
// workers, routes signals to the actions in spec §4.7's signal table,
// murders workers whose heartbeat has gone stale, and performs live
// re-exec. Where the source forks, the arbiter here spawns a fresh copy
// of its own binary via os/exec and hands it the shared listener through
// ExtraFiles, announced by netutil.FDEnvVar — the single mechanism that
// serves both ordinary worker spawn and live re-exec.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tproxy/tproxy/internal/config"
	"github.com/tproxy/tproxy/internal/heartbeat"
	"github.com/tproxy/tproxy/internal/logx"
	"github.com/tproxy/tproxy/internal/netutil"
	"github.com/tproxy/tproxy/internal/procutil"
)

// WorkerBootError is the child exit code that tells the arbiter a worker
// failed during startup, escalating to a halt to avoid a start/stop storm
// (spec §4.7, CHLD row).
const WorkerBootError = 3

// sigQueueCap bounds the signal queue; excess signals are dropped with a
// warning (spec §4.7).
const sigQueueCap = 5

// manageTick is how often the main loop wakes on its own to reap, murder
// stalled workers, and top up the worker count when no signal arrives.
const manageTick = time.Second

// graceSleep is the poll interval while waiting for workers to drain
// during a graceful stop.
const graceSleep = 100 * time.Millisecond

// HaltServer is raised internally to unwind the main loop with a reason
// and the process exit status to use.
type HaltServer struct {
	Reason     string
	ExitStatus int
}

func (h *HaltServer) Error() string { return fmt.Sprintf("halt: %s", h.Reason) }

// WorkerEnvVar tells a re-exec'd child it should run as a worker rather
// than as a fresh arbiter.
const WorkerEnvVar = "TPROXY_WORKER"

type child struct {
	pid int
	cmd *exec.Cmd
	hb  *heartbeat.Source

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// Arbiter owns the listener, the live worker set, and the signal queue.
type Arbiter struct {
	cfg *config.Config
	ln  net.Listener

	pidFile *procutil.PIDFile

	mu       sync.Mutex
	children map[int]*child
	target   int
	retiring bool

	sigQueue chan os.Signal
	reaped   chan int

	haltErr *HaltServer

	logger *logx.Logger

	// killFunc sends a signal to a pid; overridable in tests.
	killFunc func(pid int, sig syscall.Signal) error
}

// New builds an Arbiter bound to ln, targeting cfg.Workers workers.
func New(cfg *config.Config, ln net.Listener, pidFile *procutil.PIDFile) *Arbiter {
	return &Arbiter{
		cfg:      cfg,
		ln:       ln,
		pidFile:  pidFile,
		children: make(map[int]*child),
		target:   cfg.Workers,
		sigQueue: make(chan os.Signal, sigQueueCap),
		reaped:   make(chan int, sigQueueCap),
		logger:   logx.New(cfg.LogLevel, log.New(log.Writer(), "", log.LstdFlags)),
		killFunc: func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
	}
}

// Run executes the main loop until a halt is requested, returning the
// exit status to use (spec §6: 0 normal halt, -1/255 unhandled exception
// realized as 1, 3 worker boot error).
func (a *Arbiter) Run(ctx context.Context) int {
	sigCh := make(chan os.Signal, sigQueueCap)
	signal.Notify(sigCh,
		syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM,
		syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGWINCH, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	go a.pumpSignals(ctx, sigCh)

	if err := a.manage(); err != nil {
		return a.haltStatus(err)
	}

	tick := time.NewTicker(manageTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			a.gracefulStopAll(syscall.SIGTERM)
			return 0
		case sig := <-a.sigQueue:
			if err := a.dispatch(sig); err != nil {
				var hs *HaltServer
				if errors.As(err, &hs) {
					return hs.ExitStatus
				}
				return a.haltStatus(err)
			}
		case <-tick.C:
		}

		a.reapExited()
		a.mu.Lock()
		halt := a.haltErr
		a.mu.Unlock()
		if halt != nil {
			a.gracefulStopAll(syscall.SIGTERM)
			return halt.ExitStatus
		}
		a.murderStalled(time.Now())
		if err := a.manage(); err != nil {
			return a.haltStatus(err)
		}
	}
}

func (a *Arbiter) haltStatus(err error) int {
	var hs *HaltServer
	if errors.As(err, &hs) {
		a.logger.Printf("[arbiter] halting: %s", hs.Reason)
		return hs.ExitStatus
	}
	a.logger.Printf("[arbiter] unhandled error, fast stop: %v", err)
	a.gracefulStopAll(syscall.SIGTERM)
	return 1
}

// pumpSignals coalesces incoming signals into the bounded queue, dropping
// with a warning on overflow — the Go rendering of the self-pipe trick
// (spec §4.7).
func (a *Arbiter) pumpSignals(ctx context.Context, sigCh <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			select {
			case a.sigQueue <- sig:
			default:
				a.logger.Printf("[arbiter] signal queue full, dropping %s", sig)
			}
		}
	}
}

// dispatch implements the signal-to-action table in spec §4.7.
func (a *Arbiter) dispatch(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return nil
	}
	switch s {
	case syscall.SIGHUP:
		return a.reload()
	case syscall.SIGQUIT:
		a.gracefulStopAll(syscall.SIGQUIT)
		return &HaltServer{Reason: "SIGQUIT", ExitStatus: 0}
	case syscall.SIGINT, syscall.SIGTERM:
		a.gracefulStopAll(syscall.SIGTERM)
		return &HaltServer{Reason: sig.String(), ExitStatus: 0}
	case syscall.SIGTTIN:
		a.mu.Lock()
		a.target++
		a.mu.Unlock()
		a.logger.Printf("[arbiter] TTIN: target worker count now %d", a.target)
	case syscall.SIGTTOU:
		a.mu.Lock()
		if a.target > 1 {
			a.target--
		}
		a.mu.Unlock()
		a.logger.Printf("[arbiter] TTOU: target worker count now %d", a.target)
	case syscall.SIGUSR1:
		a.signalAll(syscall.SIGUSR1)
	case syscall.SIGUSR2:
		if err := a.reexec(); err != nil {
			a.logger.Printf("[arbiter] re-exec failed: %v", err)
		}
	case syscall.SIGWINCH:
		if a.cfg.Daemon {
			a.mu.Lock()
			a.target = 0
			a.mu.Unlock()
			a.logger.Printf("[arbiter] WINCH: target worker count now 0")
		}
	case syscall.SIGCHLD:
		a.reapExited()
	}
	return nil
}

// reload spawns a fresh set of workers under the current config (spec
// §4.7, HUP row). The previous generation is not stopped: manage only
// spawns up to target and never retires workers above it, so both
// generations keep running until they exit on their own.
func (a *Arbiter) reload() error {
	a.logger.Printf("[arbiter] HUP: reloading workers")
	n := a.target
	for i := 0; i < n; i++ {
		if err := a.spawnWorker(); err != nil {
			return err
		}
	}
	return nil
}

// manage tops the live worker set up to target. It does not stop workers
// when the live set exceeds target (after TTOU, WINCH, or HUP); lowering
// target only prevents replacing workers that exit.
func (a *Arbiter) manage() error {
	a.mu.Lock()
	deficit := a.target - len(a.children)
	retiring := a.retiring
	a.mu.Unlock()

	if retiring || deficit <= 0 {
		return nil
	}
	for i := 0; i < deficit; i++ {
		if err := a.spawnWorker(); err != nil {
			return err
		}
	}
	return nil
}

// spawnWorker execs a fresh copy of the current binary, handing off the
// listener fd and a new heartbeat fd.
func (a *Arbiter) spawnWorker() error {
	exe, err := procutil.ExecutablePath()
	if err != nil {
		return fmt.Errorf("arbiter: resolve executable: %w", err)
	}

	lf, err := netutil.ListenerFile(a.ln)
	if err != nil {
		return fmt.Errorf("arbiter: dup listener: %w", err)
	}

	hb, err := heartbeat.Create()
	if err != nil {
		lf.Close()
		return fmt.Errorf("arbiter: create heartbeat: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = procutil.CurrentWorkingDir()
	cmd.ExtraFiles = []*os.File{lf, hb.File()}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", netutil.FDEnvVar, 3),
		fmt.Sprintf("%s=%d", heartbeat.FDEnvVar, 4),
		WorkerEnvVar+"=1",
	)

	if err := cmd.Start(); err != nil {
		lf.Close()
		hb.Close()
		return fmt.Errorf("arbiter: start worker: %w", err)
	}
	lf.Close()

	c := &child{pid: cmd.Process.Pid, cmd: cmd, hb: hb}
	a.mu.Lock()
	a.children[c.pid] = c
	a.mu.Unlock()

	a.logger.Printf("[arbiter] spawned worker pid=%d", c.pid)

	go func() {
		err := cmd.Wait()
		code := 0
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else if err != nil {
			code = -1
		}
		c.mu.Lock()
		c.exited = true
		c.exitCode = code
		c.mu.Unlock()
		a.reaped <- c.pid
	}()

	return nil
}

// reapExited removes finished children from the live set. A boot-error
// exit code sets haltErr, which Run observes right after calling
// reapExited and turns into a graceful stop (spec §4.7, CHLD row: a
// worker exiting with WorkerBootError halts the arbiter to avoid a
// start/stop storm).
func (a *Arbiter) reapExited() {
	for {
		select {
		case pid := <-a.reaped:
			a.mu.Lock()
			c, ok := a.children[pid]
			if ok {
				delete(a.children, pid)
			}
			a.mu.Unlock()
			if !ok {
				continue
			}
			c.hb.Close()
			c.mu.Lock()
			code := c.exitCode
			c.mu.Unlock()
			a.logger.Printf("[arbiter] worker pid=%d exited, code=%d", pid, code)
			if code == WorkerBootError {
				a.logger.Printf("[arbiter] worker boot error, halting")
				a.mu.Lock()
				if a.haltErr == nil {
					a.haltErr = &HaltServer{Reason: fmt.Sprintf("worker pid=%d boot error", pid), ExitStatus: WorkerBootError}
				}
				a.mu.Unlock()
			}
		default:
			return
		}
	}
}

// murderStalled kills any worker whose heartbeat mtime is older than
// timeout. Missing stat is treated as "skip" (spec §4.7).
func (a *Arbiter) murderStalled(now time.Time) {
	timeout := time.Duration(a.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		return
	}
	a.mu.Lock()
	children := make([]*child, 0, len(a.children))
	for _, c := range a.children {
		children = append(children, c)
	}
	a.mu.Unlock()

	for _, c := range children {
		mt, err := c.hb.ModTime()
		if err != nil {
			continue
		}
		if now.Sub(mt) > timeout {
			a.logger.Printf("[arbiter] worker pid=%d heartbeat stale, killing", c.pid)
			a.killFunc(c.pid, syscall.SIGKILL)
		}
	}
}

// signalAll forwards sig to every live worker (spec §4.7, USR1 row).
func (a *Arbiter) signalAll(sig syscall.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.children {
		a.killFunc(c.pid, sig)
	}
}

// gracefulStopAll repeatedly signals every worker and sleeps until the
// set is empty or the configured timeout elapses, then SIGKILLs any
// survivors (spec §4.7, "Graceful stop").
func (a *Arbiter) gracefulStopAll(sig syscall.Signal) {
	timeout := time.Duration(a.cfg.TimeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)

	a.mu.Lock()
	a.retiring = true
	a.mu.Unlock()

	for {
		a.reapExited()
		a.mu.Lock()
		n := len(a.children)
		a.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		a.signalAll(sig)
		time.Sleep(graceSleep)
	}

	a.mu.Lock()
	survivors := make([]*child, 0, len(a.children))
	for _, c := range a.children {
		survivors = append(survivors, c)
	}
	a.mu.Unlock()
	for _, c := range survivors {
		a.killFunc(c.pid, syscall.SIGKILL)
	}
}

// reexec implements live re-exec (spec §4.7, USR2 row): rename the PID
// file to "<name>.oldbin", spawn a fresh arbiter with the listener handed
// off through TPROXY_FD, and let this process become the "Old Master",
// no longer topping its own worker count up.
func (a *Arbiter) reexec() error {
	exe, err := procutil.ExecutablePath()
	if err != nil {
		return fmt.Errorf("arbiter: resolve executable: %w", err)
	}

	if a.pidFile != nil {
		if err := a.pidFile.Rename(a.pidFile.Path() + ".oldbin"); err != nil {
			return err
		}
	}

	lf, err := netutil.ListenerFile(a.ln)
	if err != nil {
		return err
	}
	defer lf.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Dir = procutil.CurrentWorkingDir()
	cmd.ExtraFiles = []*os.File{lf}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", netutil.FDEnvVar, 3))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("arbiter: start new master: %w", err)
	}

	a.logger.Printf("[arbiter] re-exec: new master pid=%d, this process becomes Old Master", cmd.Process.Pid)

	a.mu.Lock()
	a.retiring = true
	a.mu.Unlock()
	return nil
}
