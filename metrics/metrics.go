package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "codeguard"

// Collector holds all prometheus metrics of the service.
type Collector struct {
	Registry *prometheus.Registry

	ValidationsTotal   *prometheus.CounterVec
	RiskScore          *prometheus.HistogramVec
	ViolationsTotal    *prometheus.CounterVec
	QuickChecksTotal   *prometheus.CounterVec
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	BypassesTotal      *prometheus.CounterVec
	MonitorAlertsTotal *prometheus.CounterVec
	ActiveExecutions   prometheus.Gauge
}

// New creates a Collector with every metric registered on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "validations_total",
			Help:      "Total full security validations by language and verdict.",
		}, []string{"language", "result"}),

		RiskScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "risk_score",
			Help:      "Distribution of computed risk scores.",
			Buckets:   []float64{0, 5, 10, 15, 20, 30, 40, 60, 80, 100},
		}, []string{"language"}),

		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "violations_total",
			Help:      "Total blocking findings by category.",
		}, []string{"category"}),

		QuickChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "quick_checks_total",
			Help:      "Total quick security checks by language and verdict.",
		}, []string{"language", "result"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total execution requests by language and outcome.",
		}, []string{"language", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"language", "backend"}),

		BypassesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "validation_bypasses_total",
			Help:      "Total executions that skipped security validation.",
		}, []string{"language"}),

		MonitorAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "alerts_total",
			Help:      "Total resource alerts raised by type and severity.",
		}, []string{"type", "severity"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of executions currently in a sandbox.",
		}),
	}

	reg.MustRegister(
		c.ValidationsTotal,
		c.RiskScore,
		c.ViolationsTotal,
		c.QuickChecksTotal,
		c.ExecutionsTotal,
		c.ExecutionDuration,
		c.BypassesTotal,
		c.MonitorAlertsTotal,
		c.ActiveExecutions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}

// ObserveValidation records a full validation.
func (c *Collector) ObserveValidation(language string, valid bool, riskScore int, categories []string) {
	if c == nil {
		return
	}
	c.ValidationsTotal.WithLabelValues(language, verdict(valid)).Inc()
	c.RiskScore.WithLabelValues(language).Observe(float64(riskScore))
	for _, category := range categories {
		c.ViolationsTotal.WithLabelValues(category).Inc()
	}
}

// ObserveQuickCheck records a quick check.
func (c *Collector) ObserveQuickCheck(language string, valid bool) {
	if c == nil {
		return
	}
	c.QuickChecksTotal.WithLabelValues(language, verdict(valid)).Inc()
}

// ObserveExecution records the outcome of an execution request. backend is
// empty for requests that never reached a sandbox.
func (c *Collector) ObserveExecution(language, backend, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.ExecutionsTotal.WithLabelValues(language, outcome).Inc()
	if backend != "" {
		c.ExecutionDuration.WithLabelValues(language, backend).Observe(duration.Seconds())
	}
}

// ObserveBypass records an execution that skipped validation.
func (c *Collector) ObserveBypass(language string) {
	if c == nil {
		return
	}
	c.BypassesTotal.WithLabelValues(language).Inc()
}

// ObserveAlert records a monitor alert.
func (c *Collector) ObserveAlert(alertType, severity string) {
	if c == nil {
		return
	}
	c.MonitorAlertsTotal.WithLabelValues(alertType, severity).Inc()
}

// TrackExecution increments the active gauge and returns its decrement.
func (c *Collector) TrackExecution() func() {
	if c == nil {
		return func() {}
	}
	c.ActiveExecutions.Inc()
	return c.ActiveExecutions.Dec
}

func verdict(valid bool) string {
	if valid {
		return "pass"
	}
	return "fail"
}

// Server serves /metrics on its own port.
type Server struct {
	logger *zap.Logger
	server *http.Server
}

// NewServer creates the metrics HTTP server. It does not listen until Start.
func NewServer(logger *zap.Logger, collector *Collector, port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return &Server{
		logger: logger,
		server: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(port)),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
