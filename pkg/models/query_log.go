package models

import (
	"time"

	"github.com/google/uuid"
)

// QueryStatus is the outcome label recorded for every instrumented query.
type QueryStatus string

const (
	QueryStatusSuccess QueryStatus = "success"
	QueryStatusError   QueryStatus = "error"
)

// QueryLogEntry is one record in the in-memory recent-query ring buffer.
type QueryLogEntry struct {
	ID            uuid.UUID   `json:"id"`
	Timestamp     time.Time   `json:"timestamp"`
	Operation     Operation   `json:"operation"`
	Table         string      `json:"table,omitempty"`
	Backend       string      `json:"backend,omitempty"`
	RenderedQuery string      `json:"rendered_query"`
	DurationMs    float64     `json:"duration_ms"`
	Status        QueryStatus `json:"status"`
	Slow          bool        `json:"slow"`
	Error         string      `json:"error,omitempty"`
}

// DurationSummary aggregates observed durations for one operation.
type DurationSummary struct {
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
	MaxMs   float64 `json:"max_ms"`
}

// MetricsSnapshot is a point-in-time copy of the process-wide query metrics.
type MetricsSnapshot struct {
	// Counters is keyed by operation, then status.
	Counters          map[Operation]map[QueryStatus]int64 `json:"counters"`
	Durations         map[Operation]DurationSummary       `json:"durations"`
	SlowQueries       map[Operation]int64                 `json:"slow_queries"`
	ActiveConnections int                                 `json:"active_connections"`
}

// QueryStats is the operational summary served to dashboards and /stats.
type QueryStats struct {
	TotalQueries      int64           `json:"total_queries"`
	SlowQueryCount    int64           `json:"slow_query_count"`
	AverageDurationMs float64         `json:"average_duration_ms"`
	RecentSlowQueries []QueryLogEntry `json:"recent_slow_queries"`
}
