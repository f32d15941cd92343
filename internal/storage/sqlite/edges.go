package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redblackgraph/fscrawl/internal/types"
)

// AddParentChildRelationship upserts the edge (parent -> child) and
// enqueues any endpoint that has not been seen yet. Re-submitting an edge
// is a no-op, including after a crash replay; the stored type is never
// weakened by a duplicate insert.
func (s *SQLiteStore) AddParentChildRelationship(ctx context.Context, parent, child types.PID, relID string, typ types.RelationshipType) error {
	if parent == "" || child == "" {
		return fmt.Errorf("edge requires both endpoints (parent=%q child=%q)", parent, child)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := enqueueFrontier(ctx, tx, parent); err != nil {
			return err
		}
		if _, err := enqueueFrontier(ctx, tx, child); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO EDGE (source, destination, type, id)
			VALUES (?, ?, ?, ?)
		`, parent, child, string(typ), relID)
		if err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", parent, child, err)
		}
		return nil
	})
}

// DetermineResolution surfaces ambiguity: a child with more than two
// incident biological-ish edges (a third parent, or a duplicate record
// for the same parent) needs authoritative typing, so every replaceable
// edge into that child is flipped to Resolve for the resolver to fetch.
// Returns the number of distinct relationship ids now pending.
func (s *SQLiteStore) DetermineResolution(ctx context.Context, iteration int) (int, error) {
	_ = iteration // recorded by the caller's telemetry; the scan is global
	pending := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE EDGE SET type = 'Resolve'
			WHERE type IN ('UnspecifiedParentType', 'AssumedBiological')
			  AND destination IN (
				SELECT destination FROM EDGE
				WHERE type IN ('UnspecifiedParentType', 'AssumedBiological', 'BiologicalParent', 'Resolve')
				GROUP BY destination
				HAVING COUNT(*) > 2
			  )
		`)
		if err != nil {
			return fmt.Errorf("mark edges for resolution: %w", err)
		}
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(DISTINCT id) FROM EDGE WHERE type = 'Resolve'`).Scan(&pending)
	})
	if err != nil {
		return 0, err
	}
	return pending, nil
}

// PendingResolution returns every edge typed Resolve, ordered by
// relationship id so the resolver can group edges sharing a record.
func (s *SQLiteStore) PendingResolution(ctx context.Context) ([]types.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, destination, id FROM EDGE
		WHERE type = 'Resolve' ORDER BY id, source, destination`)
	if err != nil {
		return nil, fmt.Errorf("list pending resolutions: %w", err)
	}
	defer rows.Close()
	var edges []types.Edge
	for rows.Next() {
		e := types.Edge{Type: types.Resolve}
		if err := rows.Scan(&e.Source, &e.Destination, &e.RelID); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// UpdateRelationship rewrites the type of every edge carrying relID. The
// resolver calls this exactly once per relationship id with the
// authoritative type.
func (s *SQLiteStore) UpdateRelationship(ctx context.Context, relID string, typ types.RelationshipType) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE EDGE SET type = ? WHERE id = ?`, string(typ), relID)
		if err != nil {
			return fmt.Errorf("update relationship %s: %w", relID, err)
		}
		return nil
	})
}

// Edges returns all edges; used by tests and the status tooling.
func (s *SQLiteStore) Edges(ctx context.Context) ([]types.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, destination, type, id FROM EDGE ORDER BY source, destination, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var edges []types.Edge
	for rows.Next() {
		var e types.Edge
		var typ string
		if err := rows.Scan(&e.Source, &e.Destination, &typ, &e.RelID); err != nil {
			return nil, err
		}
		e.Type = types.RelationshipType(typ)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// edgeCounts buckets every edge by how many endpoints are resolved
// vertices: both (within), one (spanning), or none (frontier).
func edgeCounts(ctx context.Context, tx *sql.Tx) (types.EdgeCounts, error) {
	var c types.EdgeCounts
	err := tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN s.id IS NOT NULL AND d.id IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN (s.id IS NULL) != (d.id IS NULL) THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN s.id IS NULL AND d.id IS NULL THEN 1 ELSE 0 END), 0)
		FROM EDGE e
		LEFT JOIN VERTEX s ON e.source = s.id
		LEFT JOIN VERTEX d ON e.destination = d.id
	`).Scan(&c.Within, &c.Spanning, &c.Frontier)
	if err != nil {
		return c, fmt.Errorf("count edges: %w", err)
	}
	return c, nil
}
