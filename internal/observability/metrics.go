// Package observability — metrics.go
//
// Prometheus metrics for the simbiota daemon.
//
// Endpoint: GET /metrics on a loopback address; disabled when no
// address is configured (the usual case on small devices).
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: simbiota_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Labels are bounded sets only: event kind, verdict, drop reason,
//     scan outcome, and operation result.
//   - File paths and PIDs are never used as labels.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for simbiota.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Event source ────────────────────────────────────────────────────────

	// EventsProcessedTotal counts fanotify events read, by event kind.
	EventsProcessedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts events lost to backpressure.
	// Labels: reason (queue_full, overflow)
	EventsDroppedTotal *prometheus.CounterVec

	// EventQueueDepth is the current in-memory event queue depth.
	EventQueueDepth prometheus.Gauge

	// PermissionRepliesTotal counts permission responses, by verdict
	// (allow, deny).
	PermissionRepliesTotal *prometheus.CounterVec

	// DeadlineMissesTotal counts permission events replied Allow because
	// the soft deadline expired before the scan finished.
	DeadlineMissesTotal prometheus.Counter

	// SelfEventsTotal counts events auto-allowed because they originated
	// from the daemon's own pid.
	SelfEventsTotal prometheus.Counter

	// ─── Scan pipeline ───────────────────────────────────────────────────────

	// ScansTotal counts scans, by outcome (benign, malicious, error).
	ScansTotal *prometheus.CounterVec

	// ScanDurationSeconds records the distribution of scan latencies.
	ScanDurationSeconds prometheus.Histogram

	// CacheHitsTotal / CacheMissesTotal count verdict cache outcomes.
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// CacheEntries is the current number of cached verdicts.
	CacheEntries prometheus.Gauge

	// ─── Database ────────────────────────────────────────────────────────────

	// DatabaseSwapsTotal counts signature snapshot swaps, by result
	// (ok, error).
	DatabaseSwapsTotal *prometheus.CounterVec

	// DatabaseSignatures is the signature count of the current snapshot.
	DatabaseSignatures prometheus.Gauge

	// ─── Alerts ──────────────────────────────────────────────────────────────

	// DetectionsTotal counts positive verdicts delivered to the sink.
	DetectionsTotal prometheus.Counter

	// AlertQueueDepth is the current alert queue depth.
	AlertQueueDepth prometheus.Gauge

	// EmailsSentTotal counts alert emails, by result (ok, error, limited).
	EmailsSentTotal *prometheus.CounterVec

	// ─── Quarantine ──────────────────────────────────────────────────────────

	// QuarantinesTotal counts quarantine operations, by result (ok, error,
	// vanished).
	QuarantinesTotal *prometheus.CounterVec

	// ─── Daemon ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since daemon start.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all simbiota Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total fanotify events read, by event kind.",
		}, []string{"kind"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total events lost to queue backpressure or kernel overflow.",
		}, []string{"reason"}),

		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simbiota",
			Subsystem: "events",
			Name:      "queue_depth",
			Help:      "Current depth of the in-memory event queue.",
		}),

		PermissionRepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "events",
			Name:      "permission_replies_total",
			Help:      "Total permission responses written, by verdict.",
		}, []string{"verdict"}),

		DeadlineMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "events",
			Name:      "deadline_misses_total",
			Help:      "Permission events replied Allow because the soft deadline expired.",
		}),

		SelfEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "events",
			Name:      "self_events_total",
			Help:      "Events auto-allowed because they originated from the daemon itself.",
		}),

		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "scan",
			Name:      "total",
			Help:      "Total scans performed, by outcome.",
		}, []string{"outcome"}),

		ScanDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simbiota",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Distribution of scan latencies.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .2, .5, 1, 2.5, 5},
		}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Verdict cache hits.",
		}),

		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Verdict cache misses (including identity mismatches).",
		}),

		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simbiota",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cached verdicts.",
		}),

		DatabaseSwapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "database",
			Name:      "swaps_total",
			Help:      "Signature snapshot swap attempts, by result.",
		}, []string{"result"}),

		DatabaseSignatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simbiota",
			Subsystem: "database",
			Name:      "signatures",
			Help:      "Signature count of the currently published snapshot.",
		}),

		DetectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "alert",
			Name:      "detections_total",
			Help:      "Positive verdicts delivered to the alert sink.",
		}),

		AlertQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simbiota",
			Subsystem: "alert",
			Name:      "queue_depth",
			Help:      "Current alert queue depth.",
		}),

		EmailsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "alert",
			Name:      "emails_sent_total",
			Help:      "Alert email attempts, by result.",
		}, []string{"result"}),

		QuarantinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simbiota",
			Subsystem: "quarantine",
			Name:      "total",
			Help:      "Quarantine operations, by result.",
		}, []string{"result"}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simbiota",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.EventsProcessedTotal,
		m.EventsDroppedTotal,
		m.EventQueueDepth,
		m.PermissionRepliesTotal,
		m.DeadlineMissesTotal,
		m.SelfEventsTotal,
		m.ScansTotal,
		m.ScanDurationSeconds,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEntries,
		m.DatabaseSwapsTotal,
		m.DatabaseSignatures,
		m.DetectionsTotal,
		m.AlertQueueDepth,
		m.EmailsSentTotal,
		m.QuarantinesTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
