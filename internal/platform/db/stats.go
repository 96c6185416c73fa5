package db

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PoolStats is a snapshot of connection pool usage.
type PoolStats struct {
	TotalConns      int32
	IdleConns       int32
	AcquiredConns   int32
	MaxConns        int32
	AcquireCount    int64
	AcquireDuration string
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// MarshalZerologObject lets the stats be logged with Event.Object.
func (s *PoolStats) MarshalZerologObject(e *zerolog.Event) {
	e.Int32("total_conns", s.TotalConns).
		Int32("idle_conns", s.IdleConns).
		Int32("acquired_conns", s.AcquiredConns).
		Int32("max_conns", s.MaxConns).
		Int64("acquire_count", s.AcquireCount).
		Str("acquire_duration", s.AcquireDuration)
}
