package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// EndIdleTables ends active tables with no table, membership, request or ledger activity
// since cutoff and returns their ids. Rows locked by a concurrent janitor are skipped.
func (s *Store) EndIdleTables(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ended []string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
            SELECT t.id
            FROM poker_tables t
            WHERE t.status = 'active'
              AND t.updated_at < $1
              AND NOT EXISTS (SELECT 1 FROM table_players m WHERE m.table_id = t.id AND m.updated_at >= $1)
              AND NOT EXISTS (SELECT 1 FROM buy_in_requests r WHERE r.table_id = t.id AND r.created_at >= $1)
              AND NOT EXISTS (SELECT 1 FROM join_requests j WHERE j.table_id = t.id AND j.created_at >= $1)
            ORDER BY t.updated_at
            LIMIT $2
            FOR UPDATE OF t SKIP LOCKED
        `, cutoff, limit)
		if err != nil {
			return pgError("select idle tables", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return pgError("scan idle tables", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
            UPDATE poker_tables
            SET status = 'ended', updated_at = now()
            WHERE id = ANY($1)
        `, ids); err != nil {
			return pgError("end idle tables", err)
		}
		ended = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}
