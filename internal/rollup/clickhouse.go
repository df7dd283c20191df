// Package rollup persists drained metric buckets into ClickHouse.
//
// The sink is optional: without a DSN the buffer runs log-only. Writes go
// through database/sql with the ClickHouse driver; each flush is one batched
// insert so a busy router stays at a handful of inserts per interval.
package rollup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/nulpointcorp/llm-router/internal/metrics"
)

const insertQuery = `
	INSERT INTO llm_route_metrics (
		window_start, provider, logical_model, transport, is_stream,
		user_id, api_key_id,
		total, success, error,
		latency_avg_ms, latency_p95_ms, latency_p99_ms, sample_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// ClickHouseSink implements metrics.Sink against an llm_route_metrics table.
type ClickHouseSink struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to ClickHouse and verifies the connection.
func Open(dsn string, logger *slog.Logger) (*ClickHouseSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("rollup: open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rollup: ping clickhouse: %w", err)
	}

	logger.Info("rollup_sink_connected")
	return &ClickHouseSink{db: db, logger: logger}, nil
}

// WriteRollups inserts the drained buckets in one transaction.
func (s *ClickHouseSink) WriteRollups(ctx context.Context, rows []metrics.Rollup) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rollup: begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("rollup: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			time.Unix(r.WindowStart, 0).UTC(),
			r.Provider,
			r.LogicalModel,
			r.Transport,
			r.IsStream,
			r.UserID,
			r.APIKeyID,
			r.Total,
			r.Success,
			r.Error,
			r.LatencyAvgMs,
			r.LatencyP95Ms,
			r.LatencyP99Ms,
			r.SampleCount,
		); err != nil {
			return fmt.Errorf("rollup: insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rollup: commit batch: %w", err)
	}

	s.logger.Debug("rollup_flush", "rows", len(rows))
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.db.Close()
}
