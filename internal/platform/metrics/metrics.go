package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conveyor"

// Recorder holds the orchestrator collectors. All methods are safe on a nil
// receiver so callers can run without metrics.
type Recorder struct {
	registry *prometheus.Registry

	runsStarted      *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	stageTransitions *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started, by pipeline and trigger kind.",
		}, []string{"pipeline", "trigger"}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state.",
		}, []string{"pipeline", "state"}),
		stageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Stage state changes, by target state and reason.",
		}, []string{"state", "reason"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_attempt_duration_seconds",
			Help:      "Wall time from dispatch to terminal outcome of one stage attempt.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"pipeline", "stage", "state"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"method", "route", "code"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Register adds an extra collector, such as the governor collector.
func (r *Recorder) Register(c prometheus.Collector) error {
	if r == nil {
		return nil
	}
	return r.registry.Register(c)
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) RunStarted(pipeline, trigger string) {
	if r == nil {
		return
	}
	r.runsStarted.WithLabelValues(pipeline, trigger).Inc()
}

func (r *Recorder) RunFinished(pipeline, state string) {
	if r == nil {
		return
	}
	r.runsFinished.WithLabelValues(pipeline, state).Inc()
}

func (r *Recorder) StageTransition(state, reason string) {
	if r == nil {
		return
	}
	r.stageTransitions.WithLabelValues(state, reason).Inc()
}

func (r *Recorder) StageAttempt(pipeline, stage, state string, d time.Duration) {
	if r == nil || d < 0 {
		return
	}
	r.stageDuration.WithLabelValues(pipeline, stage, state).Observe(d.Seconds())
}

// Middleware records request counts and latency keyed by the chi route
// pattern, so path parameters do not explode label cardinality.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(sw.status)).Inc()
		r.httpLatency.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
