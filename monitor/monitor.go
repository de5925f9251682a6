package monitor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Default settings
const (
	DefaultSampleInterval = 100 * time.Millisecond
	DefaultMaxAlerts      = 50
)

// Escalation ratios against the configured limits
const (
	memoryCriticalRatio = 1.5
	cpuErrorRatio       = 1.2
)

const bytesPerMB = 1024 * 1024

// Config holds monitor settings.
type Config struct {
	SampleInterval time.Duration
	MaxAlerts      int
}

// Monitor creates sampling sessions. It holds no per-session state.
type Monitor struct {
	logger  *zap.Logger
	config  Config
	sampler Sampler
	now     func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the host sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) {
		m.sampler = s
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a Monitor. Zero config fields take their defaults.
func New(logger *zap.Logger, cfg Config, opts ...Option) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = DefaultMaxAlerts
	}
	m := &Monitor{
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		m.sampler = NewHostSampler()
	}
	return m
}

// Start begins sampling a new session. The caller must call Stop.
func (m *Monitor) Start(limits Limits) *Session {
	s := &Session{
		id:          uuid.NewString(),
		monitor:     m,
		limits:      limits,
		started:     m.now(),
		subscribers: map[int]func(Usage){},
		raised:      map[AlertType]Severity{},
		done:        make(chan struct{}),
	}
	s.reporter = &Reporter{}
	s.reporter.session.Store(s)

	if heap, err := m.sampler.HeapBytes(); err != nil {
		s.degrade(err)
	} else {
		s.heapBase = heap
	}

	s.wg.Add(1)
	go s.loop()

	m.logger.Debug("monitoring session started",
		zap.String("session_id", s.id),
		zap.Float64("max_memory_mb", limits.MaxMemoryMB),
		zap.Duration("max_cpu_time", limits.MaxCPUTime),
		zap.Duration("max_execution_time", limits.MaxExecutionTime))
	return s
}

// Session is one monitored execution.
type Session struct {
	id       string
	monitor  *Monitor
	limits   Limits
	started  time.Time
	reporter *Reporter

	mu          sync.Mutex
	usage       Usage
	alerts      []Alert
	raised      map[AlertType]Severity
	subscribers map[int]func(Usage)
	nextSub     int
	pid         int
	heapBase    uint64
	unavailable bool
	stopped     bool
	report      Report

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Instrumentation returns the reporter sandbox hooks report to. It stops
// recording once the session is stopped.
func (s *Session) Instrumentation() *Reporter {
	return s.reporter
}

// Subscribe registers fn to receive every sample. The returned function
// removes the subscription and may be called any number of times.
func (s *Session) Subscribe(fn func(Usage)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if !s.stopped {
		s.subscribers[id] = fn
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// Usage returns the latest snapshot.
func (s *Session) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Alerts returns a copy of the retained alerts, oldest first.
func (s *Session) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

// Stop ends sampling, detaches the reporter and returns the final report.
// Calling Stop again returns the same report.
func (s *Session) Stop() Report {
	s.stopOnce.Do(s.stop)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

func (s *Session) stop() {
	close(s.done)
	s.wg.Wait()
	s.reporter.session.Store(nil)
	s.sample()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.subscribers = map[int]func(Usage){}
	alerts := make([]Alert, len(s.alerts))
	copy(alerts, s.alerts)
	s.report = Report{
		Usage:              s.usage,
		Alerts:             alerts,
		MetricsUnavailable: s.unavailable,
	}

	s.monitor.logger.Debug("monitoring session stopped",
		zap.String("session_id", s.id),
		zap.Duration("elapsed", s.usage.Elapsed),
		zap.Float64("peak_memory_mb", s.usage.PeakMemoryMB),
		zap.Int("alerts", len(alerts)),
		zap.Bool("metrics_unavailable", s.unavailable))
}

func (s *Session) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.monitor.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// sample takes one reading, raises alerts and notifies subscribers.
func (s *Session) sample() {
	m := s.monitor
	now := m.now()

	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()

	var (
		memBytes uint64
		cpu      time.Duration
		load     float64
		failed   error
	)
	elapsed := now.Sub(s.started)

	if pid > 0 {
		rss, used, err := m.sampler.Process(pid)
		if err != nil {
			failed = err
		}
		memBytes, cpu = rss, used
	} else {
		heap, err := m.sampler.HeapBytes()
		if err != nil {
			failed = err
		} else if heap > s.heapBase {
			memBytes = heap - s.heapBase
		}
	}

	l, err := m.sampler.CPULoad()
	if err != nil && failed == nil {
		failed = err
	}
	load = l
	if pid <= 0 {
		cpu = estimateCPU(elapsed, load)
	}

	s.mu.Lock()
	if failed != nil {
		s.unavailableLocked(failed)
	}
	u := &s.usage
	u.MemoryMB = float64(memBytes) / bytesPerMB
	if u.MemoryMB > u.PeakMemoryMB {
		u.PeakMemoryMB = u.MemoryMB
	}
	u.CPUTime = cpu
	u.CPULoad = load
	u.Elapsed = elapsed
	u.Samples++
	u.Timestamp = now
	s.checkLocked(now)

	snapshot := s.usage
	subs := make([]func(Usage), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

// estimateCPU attributes elapsed wall time to the session, scaled down when
// the benchmark ran faster than the baseline.
func estimateCPU(elapsed time.Duration, load float64) time.Duration {
	if load <= 0 || load >= 1 {
		return elapsed
	}
	return time.Duration(float64(elapsed) * load)
}

func (s *Session) checkLocked(now time.Time) {
	u := s.usage
	lim := s.limits

	if lim.MaxMemoryMB > 0 && u.MemoryMB > lim.MaxMemoryMB {
		sev := SeverityWarning
		if u.MemoryMB > lim.MaxMemoryMB*memoryCriticalRatio {
			sev = SeverityCritical
		}
		s.escalateLocked(Alert{
			Type:      AlertMemory,
			Severity:  sev,
			Value:     u.MemoryMB,
			Limit:     lim.MaxMemoryMB,
			Message:   fmt.Sprintf("memory usage %.1fMB exceeds limit of %.0fMB", u.MemoryMB, lim.MaxMemoryMB),
			Timestamp: now,
		})
	}

	if lim.MaxCPUTime > 0 && u.CPUTime > lim.MaxCPUTime {
		sev := SeverityWarning
		if float64(u.CPUTime) > float64(lim.MaxCPUTime)*cpuErrorRatio {
			sev = SeverityError
		}
		s.escalateLocked(Alert{
			Type:      AlertCPU,
			Severity:  sev,
			Value:     float64(u.CPUTime.Milliseconds()),
			Limit:     float64(lim.MaxCPUTime.Milliseconds()),
			Message:   fmt.Sprintf("cpu time %s exceeds limit of %s", u.CPUTime.Round(time.Millisecond), lim.MaxCPUTime),
			Timestamp: now,
		})
	}

	if lim.MaxExecutionTime > 0 && u.Elapsed > lim.MaxExecutionTime {
		s.escalateLocked(Alert{
			Type:      AlertTime,
			Severity:  SeverityError,
			Value:     float64(u.Elapsed.Milliseconds()),
			Limit:     float64(lim.MaxExecutionTime.Milliseconds()),
			Message:   fmt.Sprintf("execution time %s exceeds limit of %s", u.Elapsed.Round(time.Millisecond), lim.MaxExecutionTime),
			Timestamp: now,
		})
	}
}

// escalateLocked records a threshold alert only when it is more severe than
// the last one raised for the same type.
func (s *Session) escalateLocked(a Alert) {
	if prev, ok := s.raised[a.Type]; ok && prev.rank() >= a.Severity.rank() {
		return
	}
	s.raised[a.Type] = a.Severity
	s.appendLocked(a)
}

func (s *Session) appendLocked(a Alert) {
	s.alerts = append(s.alerts, a)
	if over := len(s.alerts) - s.monitor.config.MaxAlerts; over > 0 {
		s.alerts = append(s.alerts[:0:0], s.alerts[over:]...)
	}
	s.monitor.logger.Debug("resource alert",
		zap.String("session_id", s.id),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.Float64("value", a.Value),
		zap.Float64("limit", a.Limit))
}

func (s *Session) degrade(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailableLocked(err)
}

func (s *Session) unavailableLocked(err error) {
	if !s.unavailable {
		s.monitor.logger.Warn("resource metrics unavailable",
			zap.String("session_id", s.id),
			zap.Error(err))
	}
	s.unavailable = true
}

// Reporter receives reports from sandbox instrumentation. Reports made after
// the session stopped are dropped.
type Reporter struct {
	session atomic.Pointer[Session]
}

// NetworkCall records an intercepted outbound network call.
func (r *Reporter) NetworkCall(target string) {
	s := r.session.Load()
	if s == nil {
		return
	}
	now := s.monitor.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.NetworkCalls++
	s.appendLocked(Alert{
		Type:      AlertNetwork,
		Severity:  SeverityWarning,
		Value:     float64(s.usage.NetworkCalls),
		Message:   fmt.Sprintf("blocked network call to %q", target),
		Timestamp: now,
	})
}

// DOMMutation records an observed document mutation. Only the first
// mutation of a session raises an alert.
func (r *Reporter) DOMMutation(op string) {
	s := r.session.Load()
	if s == nil {
		return
	}
	now := s.monitor.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.DOMMutations++
	if s.usage.DOMMutations > 1 {
		return
	}
	s.appendLocked(Alert{
		Type:      AlertDOM,
		Severity:  SeverityWarning,
		Value:     1,
		Message:   fmt.Sprintf("document mutated by %s", op),
		Timestamp: now,
	})
}

// AttachProcess switches memory and CPU sampling to the given process.
func (r *Reporter) AttachProcess(pid int) {
	s := r.session.Load()
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
}

// Active reports whether the reporter still records.
func (r *Reporter) Active() bool {
	return r.session.Load() != nil
}
