package store

import (
	"context"
	"errors"

	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const joinRequestColumns = `id, table_id, player_id, status, created_at, resolved_at`

func scanJoinRequest(row pgx.Row) (*models.JoinRequest, error) {
	jr := &models.JoinRequest{}
	err := row.Scan(
		&jr.ID,
		&jr.TableID,
		&jr.PlayerID,
		&jr.Status,
		&jr.CreatedAt,
		&jr.ResolvedAt,
	)
	return jr, err
}

// CreateJoinRequest inserts a pending request. The partial unique index on live requests
// makes a second insert a no-op, in which case the pending row is returned instead.
func (s *Store) CreateJoinRequest(ctx context.Context, tableID, playerID string) (*models.JoinRequest, error) {
	jr, err := scanJoinRequest(s.db.QueryRow(ctx, `
        INSERT INTO join_requests (id, table_id, player_id, status)
        VALUES ($1, $2, $3, 'pending')
        ON CONFLICT (table_id, player_id) WHERE status = 'pending' DO NOTHING
        RETURNING `+joinRequestColumns,
		uuid.New().String(), tableID, playerID))
	if err == nil {
		return jr, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, pgError("create join request", err)
	}

	jr, err = scanJoinRequest(s.db.QueryRow(ctx, `
        SELECT `+joinRequestColumns+`
        FROM join_requests
        WHERE table_id = $1 AND player_id = $2 AND status = 'pending'
        LIMIT 1
    `, tableID, playerID))
	if err != nil {
		return nil, pgError("get pending join request", err)
	}
	return jr, nil
}

func (s *Store) GetJoinRequest(ctx context.Context, id string) (*models.JoinRequest, error) {
	jr, err := scanJoinRequest(s.db.QueryRow(ctx, `SELECT `+joinRequestColumns+` FROM join_requests WHERE id = $1`, id))
	if err != nil {
		return nil, pgError("get join request", err)
	}
	return jr, nil
}

func (s *Store) LatestJoinRequest(ctx context.Context, tableID, playerID string) (*models.JoinRequest, error) {
	jr, err := scanJoinRequest(s.db.QueryRow(ctx, `
        SELECT `+joinRequestColumns+`
        FROM join_requests
        WHERE table_id = $1 AND player_id = $2
        ORDER BY created_at DESC
        LIMIT 1
    `, tableID, playerID))
	if err != nil {
		return nil, pgError("latest join request", err)
	}
	return jr, nil
}

func (s *Store) ListPendingJoinRequests(ctx context.Context, tableID string) ([]*models.JoinRequest, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+joinRequestColumns+`
        FROM join_requests
        WHERE table_id = $1 AND status = 'pending'
        ORDER BY created_at
    `, tableID)
	if err != nil {
		return nil, pgError("list join requests", err)
	}
	defer rows.Close()

	var out []*models.JoinRequest
	for rows.Next() {
		jr, err := scanJoinRequest(rows)
		if err != nil {
			return nil, pgError("scan join request", err)
		}
		out = append(out, jr)
	}
	return out, pgError("list join requests", rows.Err())
}

// resolveJoin flips a pending request. Only the caller whose update matched a pending row
// wins; everyone else gets ErrAlreadyResolved.
func resolveJoin(ctx context.Context, tx pgx.Tx, id, status string) (*models.JoinRequest, error) {
	jr, err := scanJoinRequest(tx.QueryRow(ctx, `
        UPDATE join_requests
        SET status = $2, resolved_at = now()
        WHERE id = $1 AND status = 'pending'
        RETURNING `+joinRequestColumns,
		id, status))
	if err == nil {
		return jr, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, pgError("resolve join request", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM join_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, pgError("resolve join request", err)
	}
	if !exists {
		return nil, gateway.ErrNotFound
	}
	return nil, gateway.ErrAlreadyResolved
}

func (s *Store) ApproveJoinRequest(ctx context.Context, id string) (*models.Membership, error) {
	var m *models.Membership
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		jr, err := resolveJoin(ctx, tx, id, models.RequestApproved)
		if err != nil {
			return err
		}
		m, err = upsertMembership(ctx, tx, jr.TableID, jr.PlayerID, models.MemberActive)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) RejectJoinRequest(ctx context.Context, id string) (*models.JoinRequest, error) {
	var jr *models.JoinRequest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		jr, err = resolveJoin(ctx, tx, id, models.RequestRejected)
		return err
	})
	if err != nil {
		return nil, err
	}
	return jr, nil
}
