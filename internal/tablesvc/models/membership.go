package models

import "time"

const (
	MemberActive   = "active"
	MemberInactive = "inactive"
)

// Membership is a row of table_players. Status may be empty on legacy rows.
type Membership struct {
	ID        string    `json:"id"`
	TableID   string    `json:"table_id"`
	PlayerID  string    `json:"player_id"`
	Status    string    `json:"status"` // 'active', 'inactive'
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
