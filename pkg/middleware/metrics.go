package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wirecall-dev/wirecall/pkg/server"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "wirecall").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// CallNamer maps a request to its service and method labels.
	// Default: the last two path segments, so /api/books/lookup
	// becomes service "books", method "lookup".
	CallNamer func(r *http.Request) (service, method string)
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

// WithCallNamer sets the request-to-labels mapping.
func WithCallNamer(fn func(r *http.Request) (service, method string)) MetricsOption {
	return func(c *MetricsConfig) { c.CallNamer = fn }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "wirecall",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
		CallNamer: callTarget,
	}
}

// callTarget derives the service and method labels from the request
// path: the method is the last segment, the service the one before it.
func callTarget(r *http.Request) (string, string) {
	segs := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch len(segs) {
	case 0:
		return "", "/"
	case 1:
		if segs[0] == "" {
			return "", "/"
		}
		return "", segs[0]
	default:
		return segs[len(segs)-2], segs[len(segs)-1]
	}
}

// callMetrics holds one middleware instance's metric families.
type callMetrics struct {
	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	callErrors   *prometheus.CounterVec
	activeCalls  prometheus.Gauge
	upgrades     prometheus.Counter
}

func newCallMetrics(config MetricsConfig) *callMetrics {
	factory := promauto.With(config.Registry)

	return &callMetrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_total",
			Help:        "Remote calls served over HTTP, by service, method and status code",
			ConstLabels: config.ConstLabels,
		}, []string{"service", "method", "code"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Call handling duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"service", "method"}),

		callErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_errors_total",
			Help:        "Failed calls by service, method and failure category",
			ConstLabels: config.ConstLabels,
		}, []string{"service", "method", "category"}),

		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_calls",
			Help:        "HTTP calls currently being handled",
			ConstLabels: config.ConstLabels,
		}),

		upgrades: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "upgrades_total",
			Help:        "Connections hijacked for WebSocket upgrades",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Metrics creates middleware that records Prometheus metrics for every
// request passing through it.
//
// Metrics collected:
//   - wirecall_calls_total: calls by service, method and status code
//   - wirecall_call_duration_seconds: handling duration histogram
//   - wirecall_call_errors_total: failures by low-cardinality category
//   - wirecall_active_calls: in-flight call gauge
//   - wirecall_upgrades_total: WebSocket upgrades (excluded from the
//     duration histogram, their lifetime is not a call duration)
//
// Create the middleware once and wrap the app with it; each call of
// Metrics registers its own metric families with the registry.
//
//	mw := middleware.Metrics()
//	http.ListenAndServe(":8080", mw(app))
//	http.Handle("/metrics", promhttp.Handler())
//
// Socket-plane activity is visible through NewEngineCollector, not
// through this middleware: frames on an upgraded connection never pass
// the HTTP stack again.
func Metrics(opts ...MetricsOption) func(http.Handler) http.Handler {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	m := newCallMetrics(config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			service, method := config.CallNamer(r)

			m.activeCalls.Inc()
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r)
			m.activeCalls.Dec()

			if sw.hijacked {
				m.upgrades.Inc()
				return
			}

			status := sw.status()
			m.callsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
			m.callDuration.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
			if status >= 400 {
				m.callErrors.WithLabelValues(service, method, categorizeStatus(status)).Inc()
			}
		})
	}
}

// categorizeStatus buckets a failure status into a bounded label set.
func categorizeStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "bad_request"
	case http.StatusForbidden:
		return "denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case 550:
		return "thrown"
	}
	if status >= 500 {
		return "server_error"
	}
	return "client_error"
}

// statusWriter captures the response status and whether the connection
// was hijacked away from the HTTP stack.
type statusWriter struct {
	http.ResponseWriter
	code     int
	hijacked bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hj.Hijack()
	if err == nil {
		w.hijacked = true
	}
	return conn, rw, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap supports http.ResponseController passthrough.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// =============================================================================
// Engine Collector
// =============================================================================

// EngineCollector exports an engine's internal counters as Prometheus
// metrics. Unlike the Metrics middleware it sees both transports: the
// engine counts socket-plane calls, callback stubs and connection
// lifecycle itself.
type EngineCollector struct {
	engine *server.Engine

	httpCalls      *prometheus.Desc
	socketCalls    *prometheus.Desc
	callErrors     *prometheus.Desc
	denials        *prometheus.Desc
	activeCalls    *prometheus.Desc
	socketConns    *prometheus.Desc
	socketsTotal   *prometheus.Desc
	callbackStubs  *prometheus.Desc
	callbackCalls  *prometheus.Desc
	sessionCommits *prometheus.Desc
}

var _ prometheus.Collector = (*EngineCollector)(nil)

// NewEngineCollector builds a collector for the engine's counters.
// Register it wherever the scrape endpoint's registry lives:
//
//	prometheus.MustRegister(middleware.NewEngineCollector(app.Engine()))
func NewEngineCollector(engine *server.Engine, opts ...MetricsOption) *EngineCollector {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(config.Namespace, "engine", name),
			help, nil, config.ConstLabels)
	}

	return &EngineCollector{
		engine:         engine,
		httpCalls:      desc("http_calls_total", "Calls dispatched over HTTP"),
		socketCalls:    desc("socket_calls_total", "Calls dispatched over sockets"),
		callErrors:     desc("call_errors_total", "Calls that ended in an error"),
		denials:        desc("denials_total", "Calls denied by the security guard"),
		activeCalls:    desc("active_calls", "Calls currently executing"),
		socketConns:    desc("socket_connections", "Open socket connections"),
		socketsTotal:   desc("sockets_total", "Socket connections ever accepted"),
		callbackStubs:  desc("callback_stubs", "Client callback stubs currently held"),
		callbackCalls:  desc("callback_calls_total", "Server-to-client callback invocations"),
		sessionCommits: desc("session_commits_total", "Committed session changes"),
	}
}

// Describe implements prometheus.Collector.
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.httpCalls
	ch <- c.socketCalls
	ch <- c.callErrors
	ch <- c.denials
	ch <- c.activeCalls
	ch <- c.socketConns
	ch <- c.socketsTotal
	ch <- c.callbackStubs
	ch <- c.callbackCalls
	ch <- c.sessionCommits
}

// Collect implements prometheus.Collector.
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Metrics().Snapshot()

	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}

	counter(c.httpCalls, s.HTTPCalls)
	counter(c.socketCalls, s.SocketCalls)
	counter(c.callErrors, s.CallErrors)
	counter(c.denials, s.Denials)
	gauge(c.activeCalls, s.ActiveCalls)
	gauge(c.socketConns, s.SocketConnections)
	counter(c.socketsTotal, s.SocketsTotal)
	gauge(c.callbackStubs, s.CallbackStubs)
	counter(c.callbackCalls, s.CallbackCalls)
	counter(c.sessionCommits, s.SessionCommits)
}
