// Command assignerd is the Agent Assignment Core daemon: it loads
// configuration, opens the durable store, starts the probe loop, routing
// engine, dispatcher, lifecycle supervisor, and telemetry HTTP API, and
// runs until told to stop. Structured the way the reference fleet
// monitor's cmd/cliaimonitor daemon is: flag-parsed instance management,
// a single signal-driven shutdown path, and a 10-second grace period for
// in-flight HTTP requests (deliveries still running are not awaited).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentcore/assigner/internal/bus"
	"github.com/agentcore/assigner/internal/config"
	"github.com/agentcore/assigner/internal/dispatch"
	"github.com/agentcore/assigner/internal/drift"
	"github.com/agentcore/assigner/internal/instance"
	"github.com/agentcore/assigner/internal/lifecycle"
	"github.com/agentcore/assigner/internal/multiplexer"
	"github.com/agentcore/assigner/internal/probe"
	"github.com/agentcore/assigner/internal/routing"
	"github.com/agentcore/assigner/internal/session"
	"github.com/agentcore/assigner/internal/storage"
	"github.com/agentcore/assigner/internal/telemetry"
	"github.com/agentcore/assigner/internal/telemetryhttp"
	"github.com/agentcore/assigner/internal/workitem"
)

const colorGreen = "\033[32m"
const colorReset = "\033[0m"

func main() {
	dbPath := flag.String("db", "assigner.db", "Path to the SQLite database file")
	configDir := flag.String("config-dir", "configs", "Directory holding base/, environments/<env>, and local/overrides config layers")
	environment := flag.String("env", os.Getenv("ASSIGNER_ENV"), "Environment overlay name, e.g. production")
	httpAddr := flag.String("http", "", "HTTP address for the telemetry API (overrides config)")
	status := flag.Bool("status", false, "Show status of a running instance")
	stop := flag.Bool("stop", false, "Stop a running instance")
	flag.Parse()

	mgr := instance.NewManager(*dbPath)

	if *status {
		showStatus(mgr)
		return
	}
	if *stop {
		stopInstance(mgr)
		return
	}

	if err := run(*dbPath, *configDir, *environment, *httpAddr, mgr); err != nil {
		fmt.Fprintf(os.Stderr, "assignerd: %v\n", err)
		os.Exit(1)
	}
}

func run(dbPath, configDir, environment, httpAddrOverride string, mgr *instance.Manager) error {
	cfgSvc, err := config.NewService(configDir, environment)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfgSvc.Watch(); err != nil {
		fmt.Fprintf(os.Stderr, "assignerd: config hot-reload disabled: %v\n", err)
	}
	defer cfgSvc.Close()

	snap := cfgSvc.Current()
	httpAddr := snap.HTTPAddr
	if httpAddrOverride != "" {
		httpAddr = httpAddrOverride
	}

	if err := mgr.Write(httpAddr); err != nil {
		return err
	}
	defer mgr.Remove()

	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	workStore := workitem.NewStore(db)
	queue := workitem.NewQueueStore(workStore)

	sessStore := session.NewStore(db)
	registry, err := session.NewRegistry(sessStore)
	if err != nil {
		return fmt.Errorf("load session registry: %w", err)
	}

	if err := queue.StartupSweep(registry.IsOffline); err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}

	var mux multiplexer.Multiplexer
	switch envOr(snap.Multiplexer, "ASSIGNER_MULTIPLEXER") {
	case "wezterm":
		mux = multiplexer.NewWezTerm()
	default:
		mux = multiplexer.NewTmux()
	}

	embeddedBus := bus.NewEmbeddedServer(bus.ServerConfig{Port: 0})
	var busClient *bus.Client
	if err := embeddedBus.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "assignerd: embedded bus disabled: %v\n", err)
	} else {
		defer embeddedBus.Shutdown()
		busClient, err = bus.NewClient(embeddedBus.URL())
		if err != nil {
			fmt.Fprintf(os.Stderr, "assignerd: bus client unavailable, falling back to tickers only: %v\n", err)
			busClient = nil
		} else {
			defer busClient.Close()
		}
	}

	routingEngine := routing.NewEngine(registry, cfgSvc)
	driftController := drift.NewController(registry, snap.CircuitFailureThreshold, snap.StabilityAlpha)
	driftController.SetBus(busClient)
	dispatcher := dispatch.NewDispatcher(mux, queue, registry, driftController)
	lifecycleSupervisor := lifecycle.NewSupervisor(queue, registry, cfgSvc, driftController)
	telemetrySvc := telemetry.NewService(queue, registry)
	queryEngine := telemetry.NewQueryEngine(db, cfgSvc)

	httpServer := telemetryhttp.NewServer(telemetrySvc)
	httpServer.SetQueryEngine(queryEngine)
	metricsCollector := telemetryhttp.NewMetricsCollector(telemetrySvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	probeLoop := probe.NewLoop(mux, registry, snap.ProbeInterval, snap.OfflineThreshold)
	probeLoop.SetBus(busClient)
	go probeLoop.Run(ctx)

	go publishRoutingTicks(ctx, busClient, snap.ProbeInterval)
	go runRoutingLoop(ctx, queue, routingEngine, dispatcher, busClient, snap.ProbeInterval)
	go runLifecycleLoop(ctx, lifecycleSupervisor, busClient, snap.ProbeInterval)
	go metricsCollector.Run(snap.ProbeInterval, ctx.Done())

	srv := &http.Server{Addr: httpAddr, Handler: httpServer.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "assignerd: http server error: %v\n", err)
		}
	}()

	fmt.Print(colorGreen)
	fmt.Printf("assignerd listening on %s, store %s\n", httpAddr, dbPath)
	fmt.Print(colorReset)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	fmt.Println("assignerd: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// publishRoutingTicks announces a routing pass is due on the bus every
// interval, the one standing producer for SubjectRoutingTick. A nil
// busClient (the embedded bus never started) makes this a no-op; the
// routing loop falls back to its own ticker in that case.
func publishRoutingTicks(ctx context.Context, busClient *bus.Client, interval time.Duration) {
	if busClient == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick := bus.RoutingTick{Reason: "interval", At: time.Now()}
			if err := busClient.PublishJSON(bus.SubjectRoutingTick, tick); err != nil {
				fmt.Fprintf(os.Stderr, "assignerd: failed to publish routing tick: %v\n", err)
			}
		}
	}
}

// runRoutingLoop drains eligible pending work whenever it is signalled,
// either over the bus (SubjectRoutingTick, the common case once the
// embedded broker is up) or by its own ticker fallback if busClient is
// nil. The bus channel is buffered(1) and dropped into under backpressure:
// a missed wakeup just means the next signal (or the ticker) catches the
// same pending items on its next pass, so losing one is harmless.
func runRoutingLoop(ctx context.Context, queue *workitem.QueueStore, engine *routing.Engine, dispatcher *dispatch.Dispatcher, busClient *bus.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wake := make(chan struct{}, 1)
	if busClient != nil {
		sub, err := busClient.Subscribe(bus.SubjectRoutingTick, func([]byte) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "assignerd: failed to subscribe to routing ticks: %v\n", err)
		} else {
			defer sub.Unsubscribe()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drainEligibleWork(ctx, queue, engine, dispatcher)
		case <-wake:
			drainEligibleWork(ctx, queue, engine, dispatcher)
		}
	}
}

// drainEligibleWork claims every pending item the routing engine currently
// considers eligible, dispatching each to its best session, then attempts
// a widen_provider fallback for whatever is left so a configured
// fallback_rule still gets its chance on the same pass.
func drainEligibleWork(ctx context.Context, queue *workitem.QueueStore, engine *routing.Engine, dispatcher *dispatch.Dispatcher) {
	for {
		claimed, err := queue.ClaimNextFor(engine.Selector())
		if err != nil || claimed == nil {
			break
		}
		best := engine.BestSession(claimed)
		if best == nil {
			continue
		}
		go deliverAsync(ctx, dispatcher, claimed, best.Name)
	}

	for _, item := range queue.List(workitem.StatusPending) {
		fallback := engine.FallbackFor(item)
		if fallback == nil {
			continue
		}
		id := item.ID
		claimed, err := queue.ClaimNextFor(func(c *workitem.WorkItem) bool { return c.ID == id })
		if err != nil || claimed == nil {
			continue
		}
		go deliverAsync(ctx, dispatcher, claimed, fallback.Name)
	}
}

func deliverAsync(ctx context.Context, dispatcher *dispatch.Dispatcher, item *workitem.WorkItem, sessionName string) {
	if err := dispatcher.Deliver(ctx, item, sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "assignerd: dispatch error: %v\n", err)
	}
}

// runLifecycleLoop ticks the supervisor on its own interval and, when the
// bus is up, also on every SubjectProbeUpdate so a freshly observed
// completion or failure resolves without waiting for the next tick.
func runLifecycleLoop(ctx context.Context, supervisor *lifecycle.Supervisor, busClient *bus.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wake := make(chan struct{}, 1)
	if busClient != nil {
		sub, err := busClient.Subscribe(bus.SubjectProbeUpdate, func([]byte) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "assignerd: failed to subscribe to probe updates: %v\n", err)
		} else {
			defer sub.Unsubscribe()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			supervisor.Tick()
		case <-wake:
			supervisor.Tick()
		}
	}
}

func envOr(configured, envVar string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return configured
}

func showStatus(mgr *instance.Manager) {
	data, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "assignerd: %v\n", err)
		os.Exit(1)
	}
	if data == nil {
		fmt.Println("No assignerd instance is currently running")
		return
	}
	fmt.Printf("assignerd running (pid %d, started %s, http %s)\n", data.PID, data.StartedAt.Format(time.RFC3339), data.HTTPAddr)
}

func stopInstance(mgr *instance.Manager) {
	data, err := mgr.CheckExisting()
	if err != nil {
		fmt.Fprintf(os.Stderr, "assignerd: %v\n", err)
		os.Exit(1)
	}
	if data == nil {
		fmt.Println("No assignerd instance is currently running")
		return
	}
	proc, err := os.FindProcess(data.PID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "assignerd: %v\n", err)
		os.Exit(1)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "assignerd: failed to signal pid %d: %v\n", data.PID, err)
		os.Exit(1)
	}
	fmt.Printf("Sent shutdown signal to pid %d\n", data.PID)
}
