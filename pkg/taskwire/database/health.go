package database

import (
	"context"
	"time"
)

// HealthStatus represents the health state of the database.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Backend BackendType   `json:"backend"`
	Latency time.Duration `json:"latency"`
	Version string        `json:"version"`
	Error   string        `json:"error,omitempty"`

	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// Health pings the database and reports pool statistics.
func (b *Backend) Health(ctx context.Context) HealthStatus {
	st := HealthStatus{Backend: b.Type}

	start := time.Now()
	if err := b.DB.PingContext(ctx); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Latency = time.Since(start)
	st.Healthy = true

	query := "SELECT sqlite_version()"
	if b.Type == BackendPostgreSQL {
		query = "SHOW server_version"
	}
	if err := b.DB.QueryRowContext(ctx, query).Scan(&st.Version); err != nil {
		st.Version = "unknown"
	}

	stats := b.DB.Stats()
	st.OpenConnections = stats.OpenConnections
	st.InUse = stats.InUse
	st.Idle = stats.Idle
	st.WaitCount = stats.WaitCount
	return st
}
