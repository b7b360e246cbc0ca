package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datasov"

// Collector 持有桥接服务的全部 Prometheus 指标，使用独立的 Registry。
type Collector struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpErrors      *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	ledgerCalls     *prometheus.CounterVec
	ledgerLatency   *prometheus.HistogramVec
	validations     *prometheus.CounterVec
	syncPasses      *prometheus.CounterVec
	syncIdentities  *prometheus.GaugeVec
	syncDuration    prometheus.Histogram
	ledgerEvents    *prometheus.CounterVec
	handlerPanics   prometheus.Counter
	bridgeRunning   prometheus.Gauge
	revokedProofs   prometheus.Counter
}

// New creates a collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_calls_total",
			Help:      "Ledger calls by side, operation and result.",
		}, []string{"side", "operation", "result"}),
		ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_call_duration_seconds",
			Help:      "Ledger call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"side", "operation"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proof_validations_total",
			Help:      "Proof validations by proof kind, outcome and failing check.",
		}, []string{"kind", "valid", "check"}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Completed synchronization passes by result.",
		}, []string{"result"}),
		syncIdentities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_last_identities",
			Help:      "Identities synced or failed in the last pass.",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Synchronization pass duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ledgerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Ledger change events handled by the bridge.",
		}, []string{"source", "kind"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_panics_total",
			Help:      "Recovered panics in bridge event handlers and timers.",
		}),
		bridgeRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_running",
			Help:      "1 when the bridge is RUNNING.",
		}),
		revokedProofs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocations_total",
			Help:      "Identity and access revocations recorded.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpErrors, c.httpLatency,
		c.ledgerCalls, c.ledgerLatency,
		c.validations, c.syncPasses, c.syncIdentities, c.syncDuration,
		c.ledgerEvents, c.handlerPanics, c.bridgeRunning, c.revokedProofs,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveLedgerCall implements adapter.Observer.
func (c *Collector) ObserveLedgerCall(side, operation string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.ledgerCalls.WithLabelValues(side, operation, result).Inc()
	c.ledgerLatency.WithLabelValues(side, operation).Observe(elapsed.Seconds())
}

// ObserveValidation records one proof validation.
func (c *Collector) ObserveValidation(kind string, valid bool, check string) {
	c.validations.WithLabelValues(kind, strconv.FormatBool(valid), check).Inc()
}

// ObserveSync records one synchronization pass.
func (c *Collector) ObserveSync(synced, failed int, duration time.Duration) {
	result := "clean"
	if failed > 0 {
		result = "with_failures"
	}
	c.syncPasses.WithLabelValues(result).Inc()
	c.syncIdentities.WithLabelValues("synced").Set(float64(synced))
	c.syncIdentities.WithLabelValues("failed").Set(float64(failed))
	c.syncDuration.Observe(duration.Seconds())
}

// ObserveLedgerEvent records one handled ledger change.
func (c *Collector) ObserveLedgerEvent(source, kind string) {
	c.ledgerEvents.WithLabelValues(source, kind).Inc()
}

// ObserveHandlerPanic records a recovered panic.
func (c *Collector) ObserveHandlerPanic() { c.handlerPanics.Inc() }

// ObserveRevocation records a revocation.
func (c *Collector) ObserveRevocation() { c.revokedProofs.Inc() }

// SetBridgeRunning toggles the running gauge.
func (c *Collector) SetBridgeRunning(running bool) {
	if running {
		c.bridgeRunning.Set(1)
		return
	}
	c.bridgeRunning.Set(0)
}

// Handler exposes the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
