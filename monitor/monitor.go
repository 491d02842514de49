// Package monitor aggregates job and queue metrics, derives component
// health, and serves the cached system health view. One Monitor value is
// constructed at startup and threaded through the pipeline; tests reset
// it through Reset.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// Metric retention bounds.
const (
	maxJobMetrics      = 1000
	metricRetention    = 24 * time.Hour
	healthCacheWindow  = 30 * time.Second
	redisSlowThreshold = 500 * time.Millisecond
)

// HealthStatus is the three-level component status.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// worse reports whether a is a more severe status than b.
func worse(a, b HealthStatus) bool {
	rank := map[HealthStatus]int{Healthy: 0, Degraded: 1, Unhealthy: 2}
	return rank[a] > rank[b]
}

// JobMetric records one finished job.
type JobMetric struct {
	JobID      string        `json:"jobId"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	QueueName  string        `json:"queueName,omitempty"`
	WorkerName string        `json:"workerName,omitempty"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// QueueMetric is the latest depth snapshot for one queue.
type QueueMetric struct {
	QueueName      string    `json:"queueName"`
	JobCount       int       `json:"jobCount"`
	WaitingCount   int       `json:"waitingCount"`
	ActiveCount    int       `json:"activeCount"`
	CompletedCount int       `json:"completedCount"`
	FailedCount    int       `json:"failedCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// HealthCheck is one component's health verdict.
type HealthCheck struct {
	Status       HealthStatus  `json:"status"`
	Message      string        `json:"message"`
	ResponseTime time.Duration `json:"responseTime,omitempty"`
	LastChecked  time.Time     `json:"lastChecked"`
}

// ServiceHealth aggregates the component checks.
type ServiceHealth struct {
	Overall  HealthStatus           `json:"overall"`
	Database HealthCheck            `json:"database"`
	Redis    HealthCheck            `json:"redis"`
	Queues   map[string]HealthCheck `json:"queues"`
}

// SystemMetrics is the aggregate over retained job metrics.
type SystemMetrics struct {
	TotalJobsProcessed int           `json:"totalJobsProcessed"`
	TotalJobsFailed    int           `json:"totalJobsFailed"`
	AverageJobDuration time.Duration `json:"averageJobDuration"`
	TotalErrors        int           `json:"totalErrors"`
	UptimeSeconds      float64       `json:"uptimeSeconds"`
	CPUUsage           float64       `json:"cpuUsage"`
	MemoryUsage        uint64        `json:"memoryUsage"`
}

// HealthReport is the composite snapshot returned by GenerateHealthReport.
type HealthReport struct {
	OverallStatus   HealthStatus           `json:"overallStatus"`
	Queues          map[string]HealthCheck `json:"queues"`
	Jobs            HealthCheck            `json:"jobs"`
	Metrics         SystemMetrics          `json:"metrics"`
	Recommendations []string               `json:"recommendations"`
	GeneratedAt     time.Time              `json:"generatedAt"`
}

// DatabasePinger is the repository subset the health checks need.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// EventSink receives monitor lifecycle events (jobProcessed, queueUpdated,
// healthReportGenerated, ...). Nil sinks are ignored.
type EventSink func(event string, fields map[string]any)

// Monitor holds the synchronized metric maps, the health cache, and the
// Prometheus registry for the HTTP exposition surface.
type Monitor struct {
	mu sync.RWMutex

	jobMetrics   map[string]*JobMetric
	jobOrder     []string // insertion order, for FIFO eviction
	queueMetrics map[string]*QueueMetric

	healthCache     *ServiceHealth
	lastHealthCheck time.Time

	db        DatabasePinger
	redis     *redis.Client
	redisHost string

	logger  *slog.Logger
	sink    EventSink
	started time.Time
	now     func() time.Time

	cron *cron.Cron

	registry      *prometheus.Registry
	jobsProcessed *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithDatabase wires the database ping probe.
func WithDatabase(db DatabasePinger) Option {
	return func(m *Monitor) { m.db = db }
}

// WithRedis wires the Redis probe. Host is the configured address; an
// empty host marks Redis unhealthy without probing.
func WithRedis(client *redis.Client, host string) Option {
	return func(m *Monitor) {
		m.redis = client
		m.redisHost = host
	}
}

// WithEventSink wires an event callback.
func WithEventSink(sink EventSink) Option {
	return func(m *Monitor) { m.sink = sink }
}

// WithClock overrides the time source. Test use only.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New constructs a Monitor and registers its Prometheus collectors.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		jobMetrics:   make(map[string]*JobMetric),
		queueMetrics: make(map[string]*QueueMetric),
		logger:       logger,
		now:          time.Now,
		registry:     prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.now()

	m.jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recipeline",
		Name:      "jobs_processed_total",
		Help:      "Jobs processed, by queue and outcome.",
	}, []string{"queue", "outcome"})
	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recipeline",
		Name:      "job_duration_seconds",
		Help:      "Job processing duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})
	m.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "recipeline",
		Name:      "queue_depth",
		Help:      "Latest reported queue depth, by queue and state.",
	}, []string{"queue", "state"})
	m.registry.MustRegister(m.jobsProcessed, m.jobDuration, m.queueDepth)

	return m
}

// Registry exposes the Prometheus registry for the HTTP handler.
func (m *Monitor) Registry() *prometheus.Registry { return m.registry }

// Start begins the hourly metric cleanup sweep.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return
	}
	m.cron = cron.New()
	m.cron.AddFunc("@hourly", m.CleanupOldMetrics)
	m.cron.Start()
}

// Stop halts the cleanup sweep.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (m *Monitor) emit(event string, fields map[string]any) {
	if m.sink != nil {
		m.sink(event, fields)
	}
}

// TrackJobMetrics upserts the metric for jobID; a repeated jobID
// overwrites the earlier entry in place.
func (m *Monitor) TrackJobMetrics(jobID string, duration time.Duration, success bool, queueName, workerName, errMsg string) {
	m.mu.Lock()
	if existing, ok := m.jobMetrics[jobID]; ok {
		existing.Duration = duration
		existing.Success = success
		existing.QueueName = queueName
		existing.WorkerName = workerName
		existing.Error = errMsg
		existing.Timestamp = m.now()
	} else {
		m.jobMetrics[jobID] = &JobMetric{
			JobID:      jobID,
			Duration:   duration,
			Success:    success,
			QueueName:  queueName,
			WorkerName: workerName,
			Error:      errMsg,
			Timestamp:  m.now(),
		}
		m.jobOrder = append(m.jobOrder, jobID)
		m.evictLocked()
	}
	m.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.jobsProcessed.WithLabelValues(queueName, outcome).Inc()
	m.jobDuration.WithLabelValues(queueName).Observe(duration.Seconds())
	m.emit("jobProcessed", map[string]any{"jobId": jobID, "queueName": queueName, "success": success})
}

// TrackQueueMetrics upserts the depth snapshot for a queue.
func (m *Monitor) TrackQueueMetrics(queueName string, jobCount, waiting, active, completed, failed int) {
	m.mu.Lock()
	m.queueMetrics[queueName] = &QueueMetric{
		QueueName:      queueName,
		JobCount:       jobCount,
		WaitingCount:   waiting,
		ActiveCount:    active,
		CompletedCount: completed,
		FailedCount:    failed,
		Timestamp:      m.now(),
	}
	m.mu.Unlock()

	m.queueDepth.WithLabelValues(queueName, "waiting").Set(float64(waiting))
	m.queueDepth.WithLabelValues(queueName, "active").Set(float64(active))
	m.queueDepth.WithLabelValues(queueName, "failed").Set(float64(failed))
	m.emit("queueUpdated", map[string]any{"queueName": queueName, "jobCount": jobCount})
}

// GetSystemMetrics aggregates the retained job metrics. Zero-duration
// entries are excluded from the average.
func (m *Monitor) GetSystemMetrics() SystemMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := SystemMetrics{
		TotalJobsProcessed: len(m.jobMetrics),
		UptimeSeconds:      m.now().Sub(m.started).Seconds(),
	}
	var durSum time.Duration
	var durCount int
	for _, jm := range m.jobMetrics {
		if !jm.Success {
			out.TotalJobsFailed++
		}
		if jm.Error != "" {
			out.TotalErrors++
		}
		if jm.Duration > 0 {
			durSum += jm.Duration
			durCount++
		}
	}
	if durCount > 0 {
		out.AverageJobDuration = durSum / time.Duration(durCount)
	}
	return out
}

// GenerateHealthReport derives queue and job health from the tracked
// metrics and composes the deterministic recommendation set.
func (m *Monitor) GenerateHealthReport() HealthReport {
	metrics := m.GetSystemMetrics()

	m.mu.RLock()
	queues := make(map[string]HealthCheck, len(m.queueMetrics))
	for name, qm := range m.queueMetrics {
		queues[name] = queueHealth(qm, m.now())
	}
	m.mu.RUnlock()

	jobs := jobHealth(metrics, m.now())

	overall := Healthy
	for _, hc := range queues {
		if worse(hc.Status, overall) {
			overall = hc.Status
		}
	}
	if worse(jobs.Status, overall) {
		overall = jobs.Status
	}

	var recs []string
	for name, hc := range queues {
		if hc.Status == Unhealthy {
			recs = append(recs, fmt.Sprintf("Investigate %s queue failures", name))
		}
	}
	if jobs.Status == Unhealthy {
		recs = append(recs, "Check database and Redis connectivity")
	}

	report := HealthReport{
		OverallStatus:   overall,
		Queues:          queues,
		Jobs:            jobs,
		Metrics:         metrics,
		Recommendations: recs,
		GeneratedAt:     m.now(),
	}
	m.emit("healthReportGenerated", map[string]any{"overallStatus": string(overall)})
	return report
}

func queueHealth(qm *QueueMetric, now time.Time) HealthCheck {
	if qm.JobCount == 0 {
		return HealthCheck{Status: Healthy, Message: "No jobs tracked", LastChecked: now}
	}
	rate := float64(qm.FailedCount) / float64(qm.JobCount)
	switch {
	case rate >= 0.25:
		return HealthCheck{Status: Unhealthy, Message: fmt.Sprintf("High failure rate: %.1f%%", rate*100), LastChecked: now}
	case rate >= 0.10:
		return HealthCheck{Status: Degraded, Message: fmt.Sprintf("Elevated failure rate: %.1f%%", rate*100), LastChecked: now}
	default:
		return HealthCheck{Status: Healthy, Message: fmt.Sprintf("Failure rate: %.1f%%", rate*100), LastChecked: now}
	}
}

func jobHealth(metrics SystemMetrics, now time.Time) HealthCheck {
	if metrics.TotalJobsProcessed == 0 {
		return HealthCheck{Status: Healthy, Message: "No jobs processed", LastChecked: now}
	}
	rate := float64(metrics.TotalJobsFailed) / float64(metrics.TotalJobsProcessed)
	switch {
	case rate >= 0.15:
		return HealthCheck{Status: Unhealthy, Message: fmt.Sprintf("High job failure rate: %.1f%%", rate*100), LastChecked: now}
	case rate >= 0.05:
		return HealthCheck{Status: Degraded, Message: fmt.Sprintf("Elevated job failure rate: %.1f%%", rate*100), LastChecked: now}
	default:
		return HealthCheck{Status: Healthy, Message: fmt.Sprintf("Job failure rate: %.1f%%", rate*100), LastChecked: now}
	}
}

// GetHealth returns the service health view, refreshing at most every
// 30 seconds. Component checks run concurrently; a failing check becomes
// an unhealthy entry rather than an error.
func (m *Monitor) GetHealth(ctx context.Context) ServiceHealth {
	m.mu.RLock()
	cached := m.healthCache
	fresh := cached != nil && m.now().Sub(m.lastHealthCheck) < healthCacheWindow
	m.mu.RUnlock()
	if fresh {
		return *cached
	}

	var (
		wg       sync.WaitGroup
		dbCheck  HealthCheck
		rdsCheck HealthCheck
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		dbCheck = m.checkDatabase(ctx)
	}()
	go func() {
		defer wg.Done()
		rdsCheck = m.checkRedis(ctx)
	}()
	wg.Wait()

	m.mu.Lock()
	queues := make(map[string]HealthCheck, len(m.queueMetrics))
	for name, qm := range m.queueMetrics {
		queues[name] = queueHealth(qm, m.now())
	}

	overall := Healthy
	for _, hc := range []HealthCheck{dbCheck, rdsCheck} {
		if worse(hc.Status, overall) {
			overall = hc.Status
		}
	}
	for _, hc := range queues {
		if worse(hc.Status, overall) {
			overall = hc.Status
		}
	}

	health := ServiceHealth{Overall: overall, Database: dbCheck, Redis: rdsCheck, Queues: queues}
	m.healthCache = &health
	m.lastHealthCheck = m.now()
	m.mu.Unlock()
	return health
}

func (m *Monitor) checkDatabase(ctx context.Context) HealthCheck {
	start := m.now()
	if m.db == nil {
		return HealthCheck{Status: Unhealthy, Message: "Database not configured", LastChecked: start}
	}
	if err := m.db.Ping(ctx); err != nil {
		return HealthCheck{Status: Unhealthy, Message: err.Error(), ResponseTime: m.now().Sub(start), LastChecked: m.now()}
	}
	return HealthCheck{Status: Healthy, Message: "Database reachable", ResponseTime: m.now().Sub(start), LastChecked: m.now()}
}

// checkRedis is a configuration probe: a missing host is unhealthy
// without touching the network, and a slow ping degrades.
func (m *Monitor) checkRedis(ctx context.Context) HealthCheck {
	start := m.now()
	if m.redisHost == "" {
		return HealthCheck{Status: Unhealthy, Message: "Redis host not configured", LastChecked: start}
	}
	if m.redis == nil {
		return HealthCheck{Status: Unhealthy, Message: "Redis client not configured", LastChecked: start}
	}
	if err := m.redis.Ping(ctx).Err(); err != nil {
		return HealthCheck{Status: Unhealthy, Message: err.Error(), ResponseTime: m.now().Sub(start), LastChecked: m.now()}
	}
	elapsed := m.now().Sub(start)
	if elapsed >= redisSlowThreshold {
		return HealthCheck{Status: Degraded, Message: fmt.Sprintf("Redis responding slowly: %s", elapsed), ResponseTime: elapsed, LastChecked: m.now()}
	}
	return HealthCheck{Status: Healthy, Message: "Redis reachable", ResponseTime: elapsed, LastChecked: m.now()}
}

// IsHealthy is the worker's admission gate: the service is workable
// unless a configured component is outright unhealthy. Components left
// unconfigured (no database, cache disabled) still appear unhealthy in
// the full health report, but an intentionally absent dependency must
// not stop job processing.
func (m *Monitor) IsHealthy(ctx context.Context) bool {
	health := m.GetHealth(ctx)
	if m.db != nil && health.Database.Status == Unhealthy {
		return false
	}
	if (m.redisHost != "" || m.redis != nil) && health.Redis.Status == Unhealthy {
		return false
	}
	for _, hc := range health.Queues {
		if hc.Status == Unhealthy {
			return false
		}
	}
	return true
}

// CleanupOldMetrics drops job metrics older than 24 h and bounds the
// total at 1000 entries, oldest first.
func (m *Monitor) CleanupOldMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-metricRetention)
	kept := m.jobOrder[:0]
	for _, id := range m.jobOrder {
		jm, ok := m.jobMetrics[id]
		if !ok {
			continue
		}
		if jm.Timestamp.Before(cutoff) {
			delete(m.jobMetrics, id)
			continue
		}
		kept = append(kept, id)
	}
	m.jobOrder = kept
	m.evictLocked()
}

func (m *Monitor) evictLocked() {
	for len(m.jobOrder) > maxJobMetrics {
		delete(m.jobMetrics, m.jobOrder[0])
		m.jobOrder = m.jobOrder[1:]
	}
}

// Reset clears all tracked state and the health cache. Test use only.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobMetrics = make(map[string]*JobMetric)
	m.jobOrder = nil
	m.queueMetrics = make(map[string]*QueueMetric)
	m.healthCache = nil
	m.lastHealthCheck = time.Time{}
}
