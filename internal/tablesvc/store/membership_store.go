package store

import (
	"context"

	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const membershipColumns = `id, table_id, player_id, COALESCE(status, ''), created_at, updated_at`

func scanMembership(row pgx.Row) (*models.Membership, error) {
	m := &models.Membership{}
	err := row.Scan(
		&m.ID,
		&m.TableID,
		&m.PlayerID,
		&m.Status,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

func (s *Store) ListMembers(ctx context.Context, tableID string) ([]*models.Membership, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+membershipColumns+`
        FROM table_players
        WHERE table_id = $1
        ORDER BY created_at
    `, tableID)
	if err != nil {
		return nil, pgError("list members", err)
	}
	defer rows.Close()

	var members []*models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, pgError("scan member", err)
		}
		members = append(members, m)
	}
	return members, pgError("list members", rows.Err())
}

func (s *Store) GetMembership(ctx context.Context, tableID, playerID string) (*models.Membership, error) {
	m, err := scanMembership(s.db.QueryRow(ctx, `
        SELECT `+membershipColumns+`
        FROM table_players
        WHERE table_id = $1 AND player_id = $2
    `, tableID, playerID))
	if err != nil {
		return nil, pgError("get membership", err)
	}
	return m, nil
}

// upsertMembership relies on the (table_id, player_id) unique constraint so that a rejoin
// flips the existing row instead of creating a second one.
func upsertMembership(ctx context.Context, q pgx.Tx, tableID, playerID, status string) (*models.Membership, error) {
	m, err := scanMembership(q.QueryRow(ctx, `
        INSERT INTO table_players (id, table_id, player_id, status)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (table_id, player_id)
        DO UPDATE SET status = EXCLUDED.status, updated_at = now()
        RETURNING `+membershipColumns,
		uuid.New().String(), tableID, playerID, status))
	if err != nil {
		return nil, pgError("upsert membership", err)
	}
	return m, nil
}

func (s *Store) SetMembershipStatus(ctx context.Context, tableID, playerID, status string) (*models.Membership, error) {
	var m *models.Membership
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		m, err = upsertMembership(ctx, tx, tableID, playerID, status)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
