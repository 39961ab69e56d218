package store

import (
	"context"
	"errors"

	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const buyInRequestColumns = `id, table_id, player_id, amount, status, created_at, resolved_at`

func scanBuyInRequest(row pgx.Row) (*models.BuyInRequest, error) {
	r := &models.BuyInRequest{}
	err := row.Scan(
		&r.ID,
		&r.TableID,
		&r.PlayerID,
		&r.Amount,
		&r.Status,
		&r.CreatedAt,
		&r.ResolvedAt,
	)
	return r, err
}

func (s *Store) CreateBuyInRequest(ctx context.Context, r models.BuyInRequest) (*models.BuyInRequest, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	out, err := scanBuyInRequest(s.db.QueryRow(ctx, `
        INSERT INTO buy_in_requests (id, table_id, player_id, amount, status)
        VALUES ($1, $2, $3, $4, 'pending')
        RETURNING `+buyInRequestColumns,
		r.ID, r.TableID, r.PlayerID, r.Amount))
	if err != nil {
		return nil, pgError("create buy-in request", err)
	}
	return out, nil
}

func (s *Store) GetBuyInRequest(ctx context.Context, id string) (*models.BuyInRequest, error) {
	r, err := scanBuyInRequest(s.db.QueryRow(ctx, `SELECT `+buyInRequestColumns+` FROM buy_in_requests WHERE id = $1`, id))
	if err != nil {
		return nil, pgError("get buy-in request", err)
	}
	return r, nil
}

func (s *Store) ListPendingBuyInRequests(ctx context.Context, tableID string) ([]*models.BuyInRequest, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+buyInRequestColumns+`
        FROM buy_in_requests
        WHERE table_id = $1 AND status = 'pending'
        ORDER BY created_at
    `, tableID)
	if err != nil {
		return nil, pgError("list buy-in requests", err)
	}
	defer rows.Close()

	var out []*models.BuyInRequest
	for rows.Next() {
		r, err := scanBuyInRequest(rows)
		if err != nil {
			return nil, pgError("scan buy-in request", err)
		}
		out = append(out, r)
	}
	return out, pgError("list buy-in requests", rows.Err())
}

func resolveBuyIn(ctx context.Context, tx pgx.Tx, id, status string) (*models.BuyInRequest, error) {
	r, err := scanBuyInRequest(tx.QueryRow(ctx, `
        UPDATE buy_in_requests
        SET status = $2, resolved_at = now()
        WHERE id = $1 AND status = 'pending'
        RETURNING `+buyInRequestColumns,
		id, status))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, pgError("resolve buy-in request", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM buy_in_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, pgError("resolve buy-in request", err)
	}
	if !exists {
		return nil, gateway.ErrNotFound
	}
	return nil, gateway.ErrAlreadyResolved
}

// ApproveBuyInRequest is the commit point of an approval: the conditional update and the
// ledger insert share one transaction, so a request produces at most one buy-in.
func (s *Store) ApproveBuyInRequest(ctx context.Context, id string) (*models.BuyIn, error) {
	b := &models.BuyIn{}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		r, err := resolveBuyIn(ctx, tx, id, models.RequestApproved)
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `
            INSERT INTO buy_ins (id, table_id, player_id, request_id, amount)
            VALUES ($1, $2, $3, $4, $5)
            RETURNING id, table_id, player_id, request_id, amount, created_at
        `, uuid.New().String(), r.TableID, r.PlayerID, r.ID, r.Amount).Scan(
			&b.ID,
			&b.TableID,
			&b.PlayerID,
			&b.RequestID,
			&b.Amount,
			&b.CreatedAt,
		)
		return pgError("insert buy-in", err)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) RejectBuyInRequest(ctx context.Context, id string) (*models.BuyInRequest, error) {
	var r *models.BuyInRequest
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		r, err = resolveBuyIn(ctx, tx, id, models.RequestRejected)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) ListBuyIns(ctx context.Context, tableID string) ([]*models.BuyIn, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, table_id, player_id, COALESCE(request_id, ''), amount, created_at
        FROM buy_ins
        WHERE table_id = $1
        ORDER BY created_at DESC
    `, tableID)
	if err != nil {
		return nil, pgError("list buy-ins", err)
	}
	defer rows.Close()

	var out []*models.BuyIn
	for rows.Next() {
		b := &models.BuyIn{}
		if err := rows.Scan(&b.ID, &b.TableID, &b.PlayerID, &b.RequestID, &b.Amount, &b.CreatedAt); err != nil {
			return nil, pgError("scan buy-in", err)
		}
		out = append(out, b)
	}
	return out, pgError("list buy-ins", rows.Err())
}
