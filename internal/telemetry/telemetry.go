package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "price_sync"

// CycleBuckets covers a polling cycle: sheet round trips plus publishing.
var CycleBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics holds the process collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	rowOutcomes     *prometheus.CounterVec
	discountChanges *prometheus.CounterVec
	published       *prometheus.CounterVec
	snapshotRows    *prometheus.CounterVec
	stageFailures   *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	lastCycle       prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		rowOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "row_outcomes_total",
			Help:      "Reconciled rows by marketplace and price outcome.",
		}, []string{"marketplace", "outcome"}),
		discountChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_changes_total",
			Help:      "Rows whose stored discount was replaced by the manual one.",
		}, []string{"marketplace"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_updates_total",
			Help:      "Price updates handed to marketplaces by result (sent, failed, preview).",
		}, []string{"marketplace", "result"}),
		snapshotRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_rows_total",
			Help:      "Snapshot sync row operations by table and operation.",
		}, []string{"table", "operation"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Range pipeline failures by marketplace and stage.",
		}, []string{"marketplace", "stage"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full polling cycle.",
			Buckets:   CycleBuckets,
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time of the last finished cycle.",
		}),
	}
	registry.MustRegister(m.rowOutcomes, m.discountChanges, m.published, m.snapshotRows,
		m.stageFailures, m.cycleDuration, m.lastCycle)
	return m
}

func (m *Metrics) RowOutcome(marketplace, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rowOutcomes.WithLabelValues(marketplace, outcome).Add(float64(n))
}

func (m *Metrics) DiscountChanges(marketplace string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.discountChanges.WithLabelValues(marketplace).Add(float64(n))
}

func (m *Metrics) Published(marketplace, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.published.WithLabelValues(marketplace, result).Add(float64(n))
}

func (m *Metrics) SnapshotRows(table string, inserted, updated, deleted int) {
	if m == nil {
		return
	}
	m.snapshotRows.WithLabelValues(table, "insert").Add(float64(inserted))
	m.snapshotRows.WithLabelValues(table, "update").Add(float64(updated))
	m.snapshotRows.WithLabelValues(table, "delete").Add(float64(deleted))
}

func (m *Metrics) StageFailure(marketplace, stage string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(marketplace, stage).Inc()
}

// ObserveNotifications exports the delivery counters of a notifier. stats
// is read on every scrape.
func (m *Metrics) ObserveNotifications(stats func() (sent, failed int64)) {
	if m == nil || stats == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Notifications delivered to the push topic.",
		}, func() float64 {
			sent, _ := stats()
			return float64(sent)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notifications given up on after retries.",
		}, func() float64 {
			_, failed := stats()
			return float64(failed)
		}),
	)
}

func (m *Metrics) CycleFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	m.lastCycle.SetToCurrentTime()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving Prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
