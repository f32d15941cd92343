package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redblackgraph/fscrawl/internal/types"
)

// AddIndividual upserts the vertex and removes its pid from the processing
// set in one transaction. Replaying the same payload after a crash is a
// no-op: an existing vertex is never overwritten, so its iteration number
// never moves backwards.
func (s *SQLiteStore) AddIndividual(ctx context.Context, v *types.Vertex) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("vertex requires a pid")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO VERTEX (id, color, surname, given_name, iteration, lifespan)
			VALUES (?, ?, ?, ?, ?, ?)
		`, v.ID, int(v.Color), v.Surname, v.GivenName, v.Iteration, v.Lifespan)
		if err != nil {
			return fmt.Errorf("insert vertex %s: %w", v.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM PROCESSING_QUEUE WHERE id = ?`, v.ID); err != nil {
			return fmt.Errorf("remove %s from processing: %w", v.ID, err)
		}
		// A pid can be promoted to vertex directly from the frontier during
		// replay; keep the partitions disjoint either way.
		if _, err := tx.ExecContext(ctx, `DELETE FROM FRONTIER_QUEUE WHERE id = ?`, v.ID); err != nil {
			return fmt.Errorf("remove %s from frontier: %w", v.ID, err)
		}
		return nil
	})
}

// GetVertex reads one vertex; used by tests and status tooling.
func (s *SQLiteStore) GetVertex(ctx context.Context, pid types.PID) (*types.Vertex, error) {
	var v types.Vertex
	var color int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, color, surname, given_name, iteration, lifespan
		FROM VERTEX WHERE id = ?
	`, pid).Scan(&v.ID, &color, &v.Surname, &v.GivenName, &v.Iteration, &v.Lifespan)
	if err != nil {
		return nil, err
	}
	v.Color = types.Color(color)
	return &v, nil
}

// VertexPIDs returns all vertex pids; used for invariant checks in tests.
func (s *SQLiteStore) VertexPIDs(ctx context.Context) ([]types.PID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM VERTEX ORDER BY id`)
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
