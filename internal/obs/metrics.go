package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CVO-TreeAi/treeshopterminalv2-sub001/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	LimiterErrors   prometheus.Counter
	TrackedKeys     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treeshop_gate_requests_total",
				Help: "Total API requests forwarded upstream",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "treeshop_gate_request_duration_seconds",
				Help:    "Upstream request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treeshop_gate_ratelimit_decisions_total",
				Help: "Rate limit decisions on protected paths",
			},
			[]string{"result"},
		),
		LimiterErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "treeshop_gate_ratelimit_errors_total",
				Help: "Rate limiter backend errors (requests were allowed)",
			},
		),
		TrackedKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "treeshop_gate_ratelimit_tracked_keys",
				Help: "Client quota records held in memory after the last sweep",
			},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.LimiterErrors, m.TrackedKeys)
	return m
}

// ObserveDecision is a gateway.RateLimitOptions.OnDecision hook.
func (m *Metrics) ObserveDecision(allowed bool) {
	if allowed {
		m.Decisions.WithLabelValues("allowed").Inc()
		return
	}
	m.Decisions.WithLabelValues("denied").Inc()
}

// ObserveError is a gateway.RateLimitOptions.OnError hook.
func (m *Metrics) ObserveError(error) { m.LimiterErrors.Inc() }

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records per-request metrics. It must run after
// gateway.RouteMatcher so the route is on the request context.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		next.ServeHTTP(rec, r)

		route := "unknown"
		if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
			route = rt.ID
		}

		code := rec.status
		if code == 0 {
			code = http.StatusOK
		}

		m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
	})
}
