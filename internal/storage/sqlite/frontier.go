package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redblackgraph/fscrawl/internal/types"
)

// enqueueFrontier inserts one pid into the frontier inside an open
// transaction, unless the pid has already been seen anywhere. Returns true
// when a row was inserted.
//
// Duplicate insert attempts hit INSERT OR IGNORE and keep the original seq,
// so rediscovery never re-orders the queue.
func enqueueFrontier(ctx context.Context, tx *sql.Tx, pid types.PID) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO FRONTIER_QUEUE (id, seq)
		SELECT ?1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM FRONTIER_QUEUE)
		WHERE NOT EXISTS (SELECT 1 FROM VERTEX WHERE id = ?1)
		  AND NOT EXISTS (SELECT 1 FROM PROCESSING_QUEUE WHERE id = ?1)
	`, pid)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", pid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddToFrontier inserts each pid that has not been seen before, preserving
// submission order on first insertion.
func (s *SQLiteStore) AddToFrontier(ctx context.Context, pids []types.PID) (int, error) {
	added := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, pid := range pids {
			if pid == "" {
				continue
			}
			ok, err := enqueueFrontier(ctx, tx, pid)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// SeedFrontierIfEmpty enqueues the seeds only on a completely fresh
// database, so re-running `run` against an existing crawl is a no-op.
func (s *SQLiteStore) SeedFrontierIfEmpty(ctx context.Context, pids []types.PID) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var seen int
		err := tx.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM FRONTIER_QUEUE)
			     + (SELECT COUNT(*) FROM PROCESSING_QUEUE)
			     + (SELECT COUNT(*) FROM VERTEX)
		`).Scan(&seen)
		if err != nil {
			return fmt.Errorf("count seen pids: %w", err)
		}
		if seen > 0 {
			return nil
		}
		for _, pid := range pids {
			if pid == "" {
				continue
			}
			if _, err := enqueueFrontier(ctx, tx, pid); err != nil {
				return err
			}
		}
		return nil
	})
}

// PeekFrontier returns up to limit pids in queue order without removing
// them. limit <= 0 returns the whole queue.
func (s *SQLiteStore) PeekFrontier(ctx context.Context, limit int) ([]types.PID, error) {
	q := `SELECT id FROM FRONTIER_QUEUE ORDER BY seq`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q)
	}
	if err != nil {
		return nil, fmt.Errorf("peek frontier: %w", err)
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

// ReturnToFrontier moves pids from the processing set back onto the tail of
// the frontier queue. Pids not in the processing set are skipped so the
// disjoint-partition invariant holds even on sloppy input.
func (s *SQLiteStore) ReturnToFrontier(ctx context.Context, pids []types.PID) (int, error) {
	moved := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, pid := range pids {
			res, err := tx.ExecContext(ctx, `DELETE FROM PROCESSING_QUEUE WHERE id = ?`, pid)
			if err != nil {
				return fmt.Errorf("remove %s from processing: %w", pid, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if _, err := enqueueFrontier(ctx, tx, pid); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}
