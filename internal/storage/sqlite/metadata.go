package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redblackgraph/fscrawl/internal/storage"
	"github.com/redblackgraph/fscrawl/internal/types"
)

// GetMetadata reads one job metadata value. A missing key returns an empty
// string, not an error; callers that care about presence check for "".
func (s *SQLiteStore) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM JOB_METADATA WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata writes one job metadata value.
func (s *SQLiteStore) SetMetadata(ctx context.Context, key, value string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setMetadata(ctx, tx, key, value)
	})
}

func setMetadata(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO JOB_METADATA (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}

// SetRunStatus records the coarse lifecycle state.
func (s *SQLiteStore) SetRunStatus(ctx context.Context, status types.RunStatus) error {
	return s.SetMetadata(ctx, storage.MetaRunStatus, string(status))
}

// Checkpoint records a durable commit boundary marker. The commit of this
// transaction is the checkpoint; the metadata rows just make it observable.
func (s *SQLiteStore) Checkpoint(ctx context.Context, event string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return recordCheckpoint(ctx, tx, event)
	})
}

func recordCheckpoint(ctx context.Context, tx *sql.Tx, event string) error {
	if err := setMetadata(ctx, tx, storage.MetaLastCheckpointEvent, event); err != nil {
		return err
	}
	return setMetadata(ctx, tx, storage.MetaLastCheckpointTS, time.Now().UTC().Format(time.RFC3339))
}

// GetStatus returns the operator-facing snapshot used by
// `fscrawl checkpoint --status`.
func (s *SQLiteStore) GetStatus(ctx context.Context) (*types.Status, error) {
	st := &types.Status{LastIteration: -1}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM FRONTIER_QUEUE`, &st.FrontierDepth},
		{`SELECT COUNT(*) FROM PROCESSING_QUEUE`, &st.ProcessingDepth},
		{`SELECT COUNT(*) FROM VERTEX`, &st.VertexCount},
		{`SELECT COUNT(*) FROM EDGE`, &st.EdgeCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("status counts: %w", err)
		}
	}

	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(iteration) FROM LOG`).Scan(&last); err != nil {
		return nil, fmt.Errorf("status iteration: %w", err)
	}
	if last.Valid {
		st.LastIteration = int(last.Int64)
	}

	raw, err := s.GetMetadata(ctx, storage.MetaRunStatus)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		st.RunStatus = types.StatusIdle
	} else {
		status, err := types.ParseRunStatus(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrIntegrity, err)
		}
		st.RunStatus = status
	}

	st.ThrottleConfig, err = s.GetMetadata(ctx, storage.MetaThrottleConfig)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// IterationLog returns all committed iteration rows in order; used by tests
// and status tooling.
func (s *SQLiteStore) IterationLog(ctx context.Context) ([]types.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT iteration, duration, vertices, frontier, edges, spanning_edges, frontier_edges
		FROM LOG ORDER BY iteration
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []types.IterationRecord
	for rows.Next() {
		var r types.IterationRecord
		if err := rows.Scan(&r.Iteration, &r.Duration, &r.Vertices, &r.Frontier,
			&r.Edges.Within, &r.Edges.Spanning, &r.Edges.Frontier); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
