package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redblackgraph/fscrawl/internal/storage"
	"github.com/redblackgraph/fscrawl/internal/types"
)

// StartIteration promotes up to maxDrain of the oldest frontier entries
// into the processing set and returns them in frontier order.
//
// Crash recovery: if the processing set is already non-empty, a prior
// process died mid-hop. The current contents are returned verbatim and the
// frontier is left alone — the caller re-dispatches those pids, which is
// safe because vertex and edge inserts are idempotent.
func (s *SQLiteStore) StartIteration(ctx context.Context, n, maxDrain int) ([]types.PID, error) {
	var promoted []types.PID
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		inflight, err := queryPIDs(ctx, tx, `SELECT id FROM PROCESSING_QUEUE ORDER BY id`)
		if err != nil {
			return fmt.Errorf("inspect processing set: %w", err)
		}
		if len(inflight) > 0 {
			promoted = inflight
			return nil
		}

		q := `SELECT id FROM FRONTIER_QUEUE ORDER BY seq`
		if maxDrain > 0 {
			q += ` LIMIT ?`
		}
		var rows *sql.Rows
		if maxDrain > 0 {
			rows, err = tx.QueryContext(ctx, q, maxDrain)
		} else {
			rows, err = tx.QueryContext(ctx, q)
		}
		if err != nil {
			return fmt.Errorf("drain frontier: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var pid types.PID
			if err := rows.Scan(&pid); err != nil {
				return err
			}
			promoted = append(promoted, pid)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, pid := range promoted {
			if _, err := tx.ExecContext(ctx, `INSERT INTO PROCESSING_QUEUE (id) VALUES (?)`, pid); err != nil {
				return fmt.Errorf("promote %s: %w", pid, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM FRONTIER_QUEUE WHERE id = ?`, pid); err != nil {
				return fmt.Errorf("dequeue %s: %w", pid, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// IDsToProcess returns a snapshot of the current processing set.
func (s *SQLiteStore) IDsToProcess(ctx context.Context) ([]types.PID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM PROCESSING_QUEUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read processing set: %w", err)
	}
	defer rows.Close()
	var pids []types.PID
	for rows.Next() {
		var pid types.PID
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		pids = append(pids, pid)
	}
	return pids, rows.Err()
}

// EndIteration writes the log row for iteration n, clears whatever is left
// of the processing set, and commits. Iteration numbers must be contiguous
// from 0; a gap means the database and the engine disagree and the run must
// abort.
func (s *SQLiteStore) EndIteration(ctx context.Context, n int, duration time.Duration) (*types.IterationRecord, error) {
	var rec *types.IterationRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		next, err := nextIteration(ctx, tx)
		if err != nil {
			return err
		}
		if n != next {
			return fmt.Errorf("%w: closing iteration %d but log expects %d", storage.ErrIntegrity, n, next)
		}

		var vertices, frontier int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM VERTEX`).Scan(&vertices); err != nil {
			return fmt.Errorf("count vertices: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM FRONTIER_QUEUE`).Scan(&frontier); err != nil {
			return fmt.Errorf("count frontier: %w", err)
		}
		counts, err := edgeCounts(ctx, tx)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO LOG (iteration, duration, vertices, frontier, edges, spanning_edges, frontier_edges)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, n, duration.Seconds(), vertices, frontier, counts.Within, counts.Spanning, counts.Frontier)
		if err != nil {
			return fmt.Errorf("write iteration log: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM PROCESSING_QUEUE`); err != nil {
			return fmt.Errorf("clear processing set: %w", err)
		}

		if err := recordCheckpoint(ctx, tx, "iteration_complete"); err != nil {
			return err
		}

		rec = &types.IterationRecord{
			Iteration: n,
			Duration:  duration.Seconds(),
			Vertices:  vertices,
			Frontier:  frontier,
			Edges:     counts,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EndRelationshipResolution records one resolver pass.
func (s *SQLiteStore) EndRelationshipResolution(ctx context.Context, duration time.Duration, count int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO RESOLUTION_LOG (duration, relationships) VALUES (?, ?)
		`, duration.Seconds(), count)
		if err != nil {
			return fmt.Errorf("write resolution log: %w", err)
		}
		return recordCheckpoint(ctx, tx, "relationships_complete")
	})
}

// NextIteration returns the resume cursor: max(LOG.iteration)+1, or 0 when
// the log is empty.
func (s *SQLiteStore) NextIteration(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	return nextIteration(ctx, tx)
}

func nextIteration(ctx context.Context, tx *sql.Tx) (int, error) {
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(iteration) FROM LOG`).Scan(&last); err != nil {
		return 0, fmt.Errorf("read iteration cursor: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return int(last.Int64) + 1, nil
}

func queryPIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]types.PID, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pids []types.PID
	for rows.Next() {
		var pid types.PID
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		pids = append(pids, pid)
	}
	return pids, rows.Err()
}
