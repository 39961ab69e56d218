package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements gateway.Rows on Postgres.
type Store struct {
	db *pgxpool.Pool
}

var _ gateway.Rows = (*Store)(nil)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// pgError maps driver errors onto gateway sentinels.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique violation
			switch pgErr.ConstraintName {
			case "uniq_players_name":
				return gateway.ErrNameTaken
			case "uniq_active_join_code":
				return gateway.ErrCodeTaken
			}
		case "23503": // foreign key violation
			return fmt.Errorf("%s: invalid reference: %s: %w", op, pgErr.Message, gateway.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
