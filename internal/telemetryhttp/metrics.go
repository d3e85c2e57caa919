package telemetryhttp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentcore/assigner/internal/telemetry"
	"github.com/agentcore/assigner/internal/workitem"
)

// MetricsCollector periodically samples the telemetry service's overview
// and republishes it as Prometheus gauges, the wiring counterpart to the
// reference's in-memory MetricsCollector but backed by real gauge types
// registered against the default registry so promhttp.Handler exposes them.
type MetricsCollector struct {
	svc *telemetry.Service

	queueDepth    *prometheus.GaugeVec
	sessionsTotal *prometheus.GaugeVec
}

// NewMetricsCollector registers the gauge vectors and returns a collector
// ready to sample.
func NewMetricsCollector(svc *telemetry.Service) *MetricsCollector {
	c := &MetricsCollector{
		svc: svc,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "assigner",
			Name:      "queue_depth",
			Help:      "Number of work items currently in each status.",
		}, []string{"status"}),
		sessionsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "assigner",
			Name:      "sessions_total",
			Help:      "Number of known sessions currently in each status.",
		}, []string{"status"}),
	}
	prometheus.MustRegister(c.queueDepth, c.sessionsTotal)
	return c
}

// Run samples the overview on interval until stop is closed.
func (c *MetricsCollector) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *MetricsCollector) sample() {
	overview, err := c.svc.Overview()
	if err != nil {
		return
	}

	c.queueDepth.Reset()
	for _, status := range []workitem.Status{
		workitem.StatusPending, workitem.StatusAssigned, workitem.StatusInProgress,
		workitem.StatusCompleted, workitem.StatusFailed, workitem.StatusCancelled, workitem.StatusExpired,
	} {
		c.queueDepth.WithLabelValues(string(status)).Set(float64(overview.Queue.ByStatus[status]))
	}

	bySessionStatus := make(map[string]int)
	for _, s := range overview.Sessions {
		bySessionStatus[string(s.Status)]++
	}
	c.sessionsTotal.Reset()
	for status, count := range bySessionStatus {
		c.sessionsTotal.WithLabelValues(status).Set(float64(count))
	}
}
