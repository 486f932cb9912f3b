// Command tproxy is a transparent, content-aware TCP reverse proxy driven
// by a user-supplied route script. It runs either as the arbiter
// (master) or, when re-exec'd by its own arbiter with TPROXY_WORKER set,
// as a single worker sharing the arbiter's listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tproxy/tproxy/cmd/tproxy/routes"
	"github.com/tproxy/tproxy/internal/arbiter"
	"github.com/tproxy/tproxy/internal/config"
	"github.com/tproxy/tproxy/internal/heartbeat"
	"github.com/tproxy/tproxy/internal/netutil"
	"github.com/tproxy/tproxy/internal/procutil"
	"github.com/tproxy/tproxy/internal/route"
	"github.com/tproxy/tproxy/internal/worker"
)

func main() {
	cfg := config.Defaults()

	configFile := flag.String("c", "", "path to YAML config file")
	bind := flag.String("b", "", "bind address (host:port, [v6]:port, or unix:path)")
	backlog := flag.Int("backlog", 0, "listen backlog")
	workers := flag.Int("w", 0, "number of worker processes")
	workerConnections := flag.Int("worker-connections", 0, "max in-flight connections per worker")
	timeout := flag.Int("t", 0, "worker heartbeat timeout, seconds")
	daemon := flag.Bool("D", false, "daemonize")
	pidPath := flag.String("p", "", "pid file path")
	user := flag.String("u", "", "drop privileges to this user")
	group := flag.String("g", "", "drop privileges to this group")
	name := flag.String("n", "", "process name, shown in worker/master titles")
	logLevel := flag.String("log-level", "", "log level: debug|info|warn|error")
	flag.Parse()

	if *configFile != "" {
		if err := config.LoadFile(&cfg, *configFile); err != nil {
			log.Fatalf("[main] %v", err)
		}
	}
	applyFlagOverrides(&cfg, *bind, *backlog, *workers, *workerConnections, *timeout, *daemon, *pidPath, *user, *group, *name, *logLevel)

	if args := flag.Args(); len(args) > 0 {
		cfg.Route = args[0]
	}

	if err := config.Validate(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "tproxy: configuration error: %v\n", err)
		os.Exit(1)
	}

	adapter, err := loadRoute(cfg.Route)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	if os.Getenv(arbiter.WorkerEnvVar) != "" {
		runWorker(&cfg, adapter)
		return
	}
	runArbiter(&cfg, adapter)
}

// loadRoute resolves the positional route argument: a ".so" path is
// opened as a Go plugin (spec §6, "path or dotted name of the route
// script"), anything else is looked up among the compiled-in example
// routes.
func loadRoute(name string) (*route.Adapter, error) {
	if strings.HasSuffix(name, ".so") {
		return route.LoadPlugin(name)
	}
	script, err := routes.Lookup(name)
	if err != nil {
		return nil, err
	}
	return route.Load(script)
}

func applyFlagOverrides(cfg *config.Config, bind string, backlog, workers, workerConnections, timeout int, daemon bool, pidPath, user, group, name, logLevel string) {
	if bind != "" {
		cfg.Bind = bind
	}
	if backlog != 0 {
		cfg.Backlog = backlog
	}
	if workers != 0 {
		cfg.Workers = workers
	}
	if workerConnections != 0 {
		cfg.WorkerConnections = workerConnections
	}
	if timeout != 0 {
		cfg.TimeoutSeconds = timeout
	}
	if daemon {
		cfg.Daemon = true
	}
	if pidPath != "" {
		cfg.PIDFile = pidPath
	}
	if user != "" {
		cfg.User = user
	}
	if group != "" {
		cfg.Group = group
	}
	if name != "" {
		cfg.Name = name
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
}

// runArbiter starts the listener, optional PID file, and the master
// supervision loop. It never returns; it calls os.Exit with the status
// the arbiter's main loop settles on.
func runArbiter(cfg *config.Config, adapter *route.Adapter) {
	_ = adapter // the arbiter itself never decides connections; each re-exec'd worker loads its own adapter.

	ln, err := netutil.TCPListener(cfg.Address, cfg.Backlog)
	if err != nil {
		log.Fatalf("[arbiter] listen: %v", err)
	}

	var pidFile *procutil.PIDFile
	if cfg.PIDFile != "" {
		pidFile, err = procutil.NewPIDFile(cfg.PIDFile, os.Getpid())
		if err != nil {
			log.Fatalf("[arbiter] %v", err)
		}
		defer pidFile.Unlink()
	}

	procutil.SetProcTitle(procutil.MasterTitle(cfg.Name))
	log.Printf("[arbiter] listening on %s, targeting %d workers", cfg.Address, cfg.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := arbiter.New(cfg, ln, pidFile)
	status := a.Run(ctx)
	os.Exit(status)
}

// runWorker reconstructs the inherited listener and heartbeat sink, drops
// privileges, and runs the accept loop until it is told to stop.
func runWorker(cfg *config.Config, adapter *route.Adapter) {
	ln, err := netutil.TCPListener(cfg.Address, cfg.Backlog)
	if err != nil {
		log.Fatalf("[worker] adopt listener: %v", err)
	}

	var hb *heartbeat.Sink
	if fdStr := os.Getenv(heartbeat.FDEnvVar); fdStr != "" {
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			log.Fatalf("[worker] invalid %s=%q: %v", heartbeat.FDEnvVar, fdStr, err)
		}
		hb = heartbeat.Open(uintptr(fd))
	}

	if err := procutil.SetOwner(cfg.UID, cfg.GID); err != nil {
		log.Fatalf("[worker] drop privileges: %v", err)
	}

	procutil.SetProcTitle(procutil.WorkerTitle(cfg.Name, 0))

	name := cfg.Name
	if name == "" {
		name = strconv.Itoa(os.Getpid())
	}

	// Per-connection connect/inactivity timeouts default to unbounded
	// (spec §4.1/§5): only a Forward decision's own connect_timeout /
	// inactivity_timeout impose a deadline. -t/--timeout governs heartbeat
	// cadence and graceful-stop draining only, a separate concept.
	w := worker.New(
		name, ln, adapter,
		cfg.WorkerConnections,
		time.Duration(cfg.TimeoutSeconds)*time.Second/2,
		0,
		0,
		hb,
		cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Run(ctx); err != nil {
		log.Fatalf("[worker] %v", err)
	}
}
