package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/feemaster/feemaster-engine/pkg/config"
	"github.com/feemaster/feemaster-engine/pkg/logging"
	"github.com/feemaster/feemaster-engine/pkg/models"
)

const (
	DefaultSlowQueryThreshold = 1 * time.Second
	DefaultQueryLogCapacity   = 1000
	DefaultRecentSlowQueries  = 10
)

// PoolStatsProvider reports how many pooled connections are leased.
// *datasource.ConnectionPool satisfies it.
type PoolStatsProvider interface {
	ActiveConnections() int
}

// QueryLog is a fixed-capacity ring of recent queries. When full, Append
// overwrites the oldest entry. It is not safe for concurrent use on its own;
// QueryService guards it.
type QueryLog struct {
	entries []models.QueryLogEntry
	next    int
	full    bool
}

// NewQueryLog creates a ring holding at most capacity entries.
func NewQueryLog(capacity int) *QueryLog {
	if capacity <= 0 {
		capacity = DefaultQueryLogCapacity
	}
	return &QueryLog{entries: make([]models.QueryLogEntry, capacity)}
}

// Append stores e, evicting the oldest entry when the ring is full.
func (l *QueryLog) Append(e models.QueryLogEntry) {
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// Len returns the number of stored entries.
func (l *QueryLog) Len() int {
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Cap returns the ring capacity.
func (l *QueryLog) Cap() int {
	return len(l.entries)
}

// Entries returns a copy of the stored entries, oldest first.
func (l *QueryLog) Entries() []models.QueryLogEntry {
	out := make([]models.QueryLogEntry, 0, l.Len())
	if l.full {
		out = append(out, l.entries[l.next:]...)
	}
	return append(out, l.entries[:l.next]...)
}

// QueryService wraps a QueryExecutor with metrics, a recent-query log and
// slow-query reporting. Bookkeeping happens after execution under one short
// mutex; execution itself is never serialised here.
type QueryService struct {
	executor  QueryExecutor
	threshold time.Duration
	pool      PoolStatsProvider
	logger    *zap.Logger

	registry         *prometheus.Registry
	queriesTotal     *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	slowQueriesTotal *prometheus.CounterVec

	mu        sync.Mutex
	log       *QueryLog
	counters  map[models.Operation]map[models.QueryStatus]int64
	durations map[models.Operation]models.DurationSummary
	slow      map[models.Operation]int64
	total     int64
	slowTotal int64
	totalMs   float64
}

var _ QueryExecutor = (*QueryService)(nil)

// NewQueryService instruments executor. Each service owns a private
// Prometheus registry so tests and multiple instances never collide.
// pool may be nil when no relational store is configured.
func NewQueryService(executor QueryExecutor, cfg config.InstrumentationConfig, pool PoolStatsProvider, logger *zap.Logger) *QueryService {
	threshold := cfg.SlowQueryThreshold
	if threshold <= 0 {
		threshold = DefaultSlowQueryThreshold
	}
	namespace := cfg.MetricsNamespace
	if namespace == "" {
		namespace = "feemaster"
	}

	s := &QueryService{
		executor:  executor,
		threshold: threshold,
		pool:      pool,
		logger:    logger.Named("queries"),
		registry:  prometheus.NewRegistry(),
		log:       NewQueryLog(cfg.QueryLogCapacity),
		counters:  make(map[models.Operation]map[models.QueryStatus]int64),
		durations: make(map[models.Operation]models.DurationSummary),
		slow:      make(map[models.Operation]int64),
	}

	s.queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "datastore",
		Name:      "queries_total",
		Help:      "Queries executed, by operation and outcome.",
	}, []string{"operation", "status"})
	s.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "datastore",
		Name:      "query_duration_seconds",
		Help:      "Query wall-clock duration, including result read time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	s.slowQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "datastore",
		Name:      "slow_queries_total",
		Help:      "Queries slower than the configured threshold.",
	}, []string{"operation"})
	activeConns := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "datastore",
		Name:      "pool_active_connections",
		Help:      "Pooled relational connections currently leased.",
	}, func() float64 {
		return float64(s.activeConnections())
	})

	s.registry.MustRegister(s.queriesTotal, s.queryDuration, s.slowQueriesTotal, activeConns)
	return s
}

// Registry returns the registry holding this service's collectors.
func (s *QueryService) Registry() *prometheus.Registry {
	return s.registry
}

// Execute runs req through the wrapped executor and records the outcome.
func (s *QueryService) Execute(ctx context.Context, req *models.QueryRequest) *models.QueryResult {
	op, table := models.Operation("invalid"), ""
	if req != nil {
		op, table = req.Operation, req.Table
	}

	start := time.Now()
	result := s.executor.Execute(ctx, req)
	s.record(op, table, result, time.Since(start))
	return result
}

// ExecuteRaw runs a raw statement through the wrapped executor and records
// it under the raw operation.
func (s *QueryService) ExecuteRaw(ctx context.Context, text string, params []any) *models.QueryResult {
	start := time.Now()
	result := s.executor.ExecuteRaw(ctx, text, params)
	s.record(models.OperationRaw, "", result, time.Since(start))
	return result
}

// SupportsRaw delegates to the wrapped executor. Callers check it before
// ExecuteRaw so a store without raw support does not count as a failure.
func (s *QueryService) SupportsRaw() bool {
	return supportsRaw(s.executor)
}

func (s *QueryService) record(op models.Operation, table string, result *models.QueryResult, elapsed time.Duration) {
	status := models.QueryStatusSuccess
	if result == nil || !result.Success {
		status = models.QueryStatusError
	}
	slow := elapsed > s.threshold
	ms := float64(elapsed) / float64(time.Millisecond)

	entry := models.QueryLogEntry{
		ID:         uuid.New(),
		Timestamp:  time.Now().UTC(),
		Operation:  op,
		Table:      table,
		DurationMs: ms,
		Status:     status,
		Slow:       slow,
	}
	if result != nil {
		entry.Backend = result.Backend
		entry.RenderedQuery = logging.SanitizeQuery(result.Statement)
		entry.Error = result.Error
	}

	s.queriesTotal.WithLabelValues(string(op), string(status)).Inc()
	s.queryDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
	if slow {
		s.slowQueriesTotal.WithLabelValues(string(op)).Inc()
	}

	s.mu.Lock()
	s.log.Append(entry)
	if s.counters[op] == nil {
		s.counters[op] = make(map[models.QueryStatus]int64)
	}
	s.counters[op][status]++
	d := s.durations[op]
	d.Count++
	d.TotalMs += ms
	d.MaxMs = max(d.MaxMs, ms)
	s.durations[op] = d
	s.total++
	s.totalMs += ms
	if slow {
		s.slow[op]++
		s.slowTotal++
	}
	s.mu.Unlock()

	if slow {
		s.logger.Warn("Slow query",
			zap.String("operation", string(op)),
			zap.String("table", table),
			zap.String("backend", entry.Backend),
			zap.Duration("duration", elapsed),
			zap.Duration("threshold", s.threshold),
			zap.String("statement", entry.RenderedQuery))
	}
}

// RecentSlowQueries returns up to n slow entries still in the log, newest first.
func (s *QueryService) RecentSlowQueries(n int) []models.QueryLogEntry {
	s.mu.Lock()
	entries := s.log.Entries()
	s.mu.Unlock()

	out := make([]models.QueryLogEntry, 0)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if entries[i].Slow {
			out = append(out, entries[i])
		}
	}
	return out
}

// RecentQueries returns the logged entries, oldest first.
func (s *QueryService) RecentQueries() []models.QueryLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Entries()
}

// Stats summarises every query since start-up and lists up to n recent slow ones.
func (s *QueryService) Stats(n int) models.QueryStats {
	s.mu.Lock()
	stats := models.QueryStats{
		TotalQueries:   s.total,
		SlowQueryCount: s.slowTotal,
	}
	if s.total > 0 {
		stats.AverageDurationMs = s.totalMs / float64(s.total)
	}
	s.mu.Unlock()

	stats.RecentSlowQueries = s.RecentSlowQueries(n)
	return stats
}

// Snapshot copies the current counters, duration summaries and pool gauge.
func (s *QueryService) Snapshot() models.MetricsSnapshot {
	snap := models.MetricsSnapshot{
		Counters:          make(map[models.Operation]map[models.QueryStatus]int64),
		Durations:         make(map[models.Operation]models.DurationSummary),
		SlowQueries:       make(map[models.Operation]int64),
		ActiveConnections: s.activeConnections(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for op, byStatus := range s.counters {
		m := make(map[models.QueryStatus]int64, len(byStatus))
		for st, n := range byStatus {
			m[st] = n
		}
		snap.Counters[op] = m
	}
	for op, d := range s.durations {
		snap.Durations[op] = d
	}
	for op, n := range s.slow {
		snap.SlowQueries[op] = n
	}
	return snap
}

func (s *QueryService) activeConnections() int {
	if s.pool == nil {
		return 0
	}
	return s.pool.ActiveConnections()
}
