package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
)

const maxNameLen = 32

type PlayerService struct {
	rows gateway.Rows
}

func NewPlayerService(rows gateway.Rows) *PlayerService {
	return &PlayerService{rows: rows}
}

// CreatePlayer registers a new player. Names are unique regardless of case.
func (s *PlayerService) CreatePlayer(ctx context.Context, name, avatar string) (*models.Player, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return nil, invalid("name must be at most %d characters", maxNameLen)
	}

	p, err := s.rows.CreatePlayer(ctx, models.Player{Name: name, Avatar: strings.TrimSpace(avatar)})
	if errors.Is(err, gateway.ErrNameTaken) {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return p, err
}

func (s *PlayerService) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	return s.rows.GetPlayer(ctx, id)
}
