package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

type JoinRequest struct {
	ID         string     `json:"id"`
	TableID    string     `json:"table_id"`
	PlayerID   string     `json:"player_id"`
	Status     string     `json:"status"` // 'pending', 'approved', 'rejected'
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// BuyInRequest asks the table admin to adjust the player's running total by Amount (signed).
type BuyInRequest struct {
	ID         string          `json:"id"`
	TableID    string          `json:"table_id"`
	PlayerID   string          `json:"player_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// BuyIn is an immutable approved ledger entry.
type BuyIn struct {
	ID        string          `json:"id"`
	TableID   string          `json:"table_id"`
	PlayerID  string          `json:"player_id"`
	RequestID string          `json:"request_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
