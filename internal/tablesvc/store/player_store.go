package store

import (
	"context"

	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/google/uuid"
)

func (s *Store) CreatePlayer(ctx context.Context, p models.Player) (*models.Player, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	query := `
        INSERT INTO players (id, name, avatar)
        VALUES ($1, $2, $3)
        RETURNING id, name, avatar, created_at;
    `

	out := &models.Player{}
	err := s.db.QueryRow(ctx, query, p.ID, p.Name, p.Avatar).Scan(
		&out.ID,
		&out.Name,
		&out.Avatar,
		&out.CreatedAt,
	)
	if err != nil {
		return nil, pgError("create player", err)
	}
	return out, nil
}

func (s *Store) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	p := &models.Player{}
	err := s.db.QueryRow(ctx, `
        SELECT id, name, avatar, created_at
        FROM players
        WHERE id = $1
    `, id).Scan(&p.ID, &p.Name, &p.Avatar, &p.CreatedAt)
	if err != nil {
		return nil, pgError("get player", err)
	}
	return p, nil
}

func (s *Store) GetPlayers(ctx context.Context, ids []string) (map[string]*models.Player, error) {
	out := make(map[string]*models.Player, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.Query(ctx, `
        SELECT id, name, avatar, created_at
        FROM players
        WHERE id = ANY($1)
    `, ids)
	if err != nil {
		return nil, pgError("get players", err)
	}
	defer rows.Close()

	for rows.Next() {
		p := &models.Player{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Avatar, &p.CreatedAt); err != nil {
			return nil, pgError("scan player", err)
		}
		out[p.ID] = p
	}
	return out, pgError("get players", rows.Err())
}
