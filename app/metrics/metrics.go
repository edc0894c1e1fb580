package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const (
	DefaultServiceName = "kite-dashboard"

	PrometheusContentType = "text/plain; version=0.0.4; charset=utf-8"
	AdminPathPrefix       = "/admin/"
	MetricsPathSuffix     = "/metrics"
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Cache event label values.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// Config holds configuration for creating a metrics manager
type Config struct {
	ServiceName     string // defaults to DefaultServiceName
	AdminSecretPath string // required for admin endpoint, empty = disabled
}

// Manager handles metrics collection and export. A nil *Manager is valid
// and records nothing, so components can take metrics optionally.
type Manager struct {
	serviceName     string
	adminSecretPath string

	// Prometheus metrics
	registry         *prometheus.Registry
	upstreamCallsVec *prometheus.CounterVec
	cacheEventsVec   *prometheus.CounterVec
	buildsVec        *prometheus.CounterVec
	buildDuration    prometheus.Histogram
	toolCallsVec     *prometheus.CounterVec
	marketOpen       prometheus.Gauge
	genericCounters  sync.Map // map[string]prometheus.Counter for dynamic counters
}

// New creates a new metrics manager with the given configuration
func New(cfg Config) *Manager {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	registry := prometheus.NewRegistry()
	service := prometheus.Labels{"service": cfg.ServiceName}

	upstreamCallsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "upstream_calls_total",
			Help:        "Total number of outbound upstream calls",
			ConstLabels: service,
		},
		[]string{"call", "outcome"},
	)

	cacheEventsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "snapshot_cache_events_total",
			Help:        "Snapshot cache hits, misses and stale serves",
			ConstLabels: service,
		},
		[]string{"event"},
	)

	buildsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "snapshot_builds_total",
			Help:        "Total number of aggregation builds",
			ConstLabels: service,
		},
		[]string{"outcome"},
	)

	buildDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "snapshot_build_duration_seconds",
		Help:        "Duration of aggregation builds",
		ConstLabels: service,
		Buckets:     []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
	})

	toolCallsVec := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tool_calls_total",
			Help:        "Total number of MCP tool calls",
			ConstLabels: service,
		},
		[]string{"tool", "outcome"},
	)

	marketOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "market_open",
		Help:        "1 when the last session evaluation found the market open",
		ConstLabels: service,
	})

	registry.MustRegister(upstreamCallsVec, cacheEventsVec, buildsVec, buildDuration, toolCallsVec, marketOpen)

	return &Manager{
		serviceName:      cfg.ServiceName,
		adminSecretPath:  cfg.AdminSecretPath,
		registry:         registry,
		upstreamCallsVec: upstreamCallsVec,
		cacheEventsVec:   cacheEventsVec,
		buildsVec:        buildsVec,
		buildDuration:    buildDuration,
		toolCallsVec:     toolCallsVec,
		marketOpen:       marketOpen,
	}
}

// Increment atomically increments a counter
func (m *Manager) Increment(key string) {
	m.IncrementBy(key, 1)
}

// IncrementBy atomically increments a counter by n
func (m *Manager) IncrementBy(key string, n int64) {
	if m == nil {
		return
	}

	// Get or create Prometheus counter for this key
	counterInterface, _ := m.genericCounters.LoadOrStore(key, prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: strings.ReplaceAll(key, "-", "_"),
			Help: fmt.Sprintf("Count for %s", key),
			ConstLabels: prometheus.Labels{
				"service": m.serviceName,
			},
		},
	))

	if counter, ok := counterInterface.(prometheus.Counter); ok {
		// Try to register the counter (ignore already registered errors)
		m.registry.Register(counter) //nolint:all
		counter.Add(float64(n))
	}
}

// UpstreamCall counts one outbound call of the given kind (quote, history,
// instruments).
func (m *Manager) UpstreamCall(call string, err error) {
	if m == nil {
		return
	}
	m.upstreamCallsVec.WithLabelValues(call, outcome(err)).Inc()
}

// CacheEvent counts a snapshot cache hit, miss or stale serve.
func (m *Manager) CacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEventsVec.WithLabelValues(event).Inc()
}

// BuildCompleted records one aggregation build.
func (m *Manager) BuildCompleted(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.buildsVec.WithLabelValues(outcome(err)).Inc()
	m.buildDuration.Observe(d.Seconds())
}

// ToolCall counts one MCP tool invocation.
func (m *Manager) ToolCall(tool string, err error) {
	if m == nil {
		return
	}
	m.toolCallsVec.WithLabelValues(tool, outcome(err)).Inc()
}

// SetMarketOpen exports the latest session state.
func (m *Manager) SetMarketOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.marketOpen.Set(1)
	} else {
		m.marketOpen.Set(0)
	}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// GetCounterValue returns the sum of every sample of the named counter whose
// labels include the given ones. Histograms report their sample count.
func (m *Manager) GetCounterValue(name string, labels map[string]string) float64 {
	if m == nil {
		return 0
	}
	families, err := m.registry.Gather()
	if err != nil {
		return 0
	}

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if !hasLabels(metric, labels) {
				continue
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				total += metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				total += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func hasLabels(metric *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range metric.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HTTPHandler returns an HTTP handler for the metrics endpoint
func (m *Manager) HTTPHandler() http.HandlerFunc {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP
}

// AdminHTTPHandler returns an HTTP handler with admin path protection
func (m *Manager) AdminHTTPHandler() http.HandlerFunc {
	if m.adminSecretPath == "" {
		return m.disabledHandler()
	}

	expectedPath := AdminPathPrefix + m.adminSecretPath + MetricsPathSuffix

	return func(w http.ResponseWriter, r *http.Request) {
		if !m.isValidAdminPath(r.URL.Path, expectedPath) {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		m.HTTPHandler()(w, r)
	}
}

// disabledHandler returns a handler that always returns 404
func (m *Manager) disabledHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Admin endpoint disabled", http.StatusNotFound)
	}
}

// isValidAdminPath checks if the request path matches the expected admin path
func (m *Manager) isValidAdminPath(requestPath, expectedPath string) bool {
	return requestPath == expectedPath
}
