// Package bus provides the embedded NATS fabric used for inter-component
// signalling: routing-tick wakeups, probe-update fanout, and outcome
// events, so the Routing Engine and Lifecycle Supervisor can react to
// state changes without polling on a tight loop. Adapted from the
// reference fleet monitor's embedded-server wrapper, with JetStream and
// WebSocket support dropped since nothing in this daemon needs persistent
// streams or browser-direct NATS access (the Telemetry API serves browsers
// instead, over its own WebSocket hub).
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Subjects used for inter-component signalling.
const (
	SubjectRoutingTick   = "assigner.routing.tick"
	SubjectProbeUpdate   = "assigner.probe.update"
	SubjectOutcomeEvent  = "assigner.outcome"
)

// ServerConfig configures the embedded NATS server.
type ServerConfig struct {
	Port int // 0 picks an OS-assigned ephemeral port, for tests
}

// EmbeddedServer wraps an in-process NATS server bound to localhost, so the
// bus never needs external network configuration.
type EmbeddedServer struct {
	server  *server.Server
	config  ServerConfig
	mu      sync.RWMutex
	running bool
}

// NewEmbeddedServer constructs an unstarted embedded NATS server.
func NewEmbeddedServer(cfg ServerConfig) *EmbeddedServer {
	return &EmbeddedServer{config: cfg}
}

// Start launches the embedded server and blocks until it accepts
// connections or the 10s startup deadline elapses.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("bus server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	e.server = ns
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("embedded NATS server not ready for connections")
	}
	e.running = true
	return nil
}

// Shutdown stops the embedded server and waits for it to drain.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// URL returns the connection URL clients should dial.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.server == nil {
		return ""
	}
	return e.server.ClientURL()
}

// IsRunning reports whether the server has completed startup.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
