package store

import (
	"context"

	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tableColumns = `id, name, join_code, status, COALESCE(admin_player_id, ''), created_at, updated_at`

func scanTable(row pgx.Row) (*models.Table, error) {
	t := &models.Table{}
	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.JoinCode,
		&t.Status,
		&t.AdminPlayerID,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

// CreateTable inserts the table and the creator's active membership in one transaction.
// A join code clash with another active table returns gateway.ErrCodeTaken.
func (s *Store) CreateTable(ctx context.Context, t models.Table) (*models.Table, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	var created *models.Table
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = scanTable(tx.QueryRow(ctx, `
            INSERT INTO poker_tables (id, name, join_code, status, admin_player_id)
            VALUES ($1, $2, $3, 'active', NULLIF($4, ''))
            RETURNING `+tableColumns,
			t.ID, t.Name, t.JoinCode, t.AdminPlayerID))
		if err != nil {
			return pgError("create table", err)
		}

		if t.AdminPlayerID == "" {
			return nil
		}
		_, err = tx.Exec(ctx, `
            INSERT INTO table_players (id, table_id, player_id, status)
            VALUES ($1, $2, $3, 'active')
            ON CONFLICT (table_id, player_id) DO UPDATE SET status = 'active', updated_at = now()
        `, uuid.New().String(), t.ID, t.AdminPlayerID)
		return pgError("create admin membership", err)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetTable(ctx context.Context, id string) (*models.Table, error) {
	t, err := scanTable(s.db.QueryRow(ctx, `SELECT `+tableColumns+` FROM poker_tables WHERE id = $1`, id))
	if err != nil {
		return nil, pgError("get table", err)
	}
	return t, nil
}

func (s *Store) GetActiveTableByCode(ctx context.Context, code string) (*models.Table, error) {
	t, err := scanTable(s.db.QueryRow(ctx, `
        SELECT `+tableColumns+`
        FROM poker_tables
        WHERE join_code = $1 AND status = 'active'
        LIMIT 1
    `, code))
	if err != nil {
		return nil, pgError("get table by code", err)
	}
	return t, nil
}

func (s *Store) EndTable(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE poker_tables
        SET status = 'ended', updated_at = now()
        WHERE id = $1
    `, id)
	if err != nil {
		return pgError("end table", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.ErrNotFound
	}
	return nil
}
