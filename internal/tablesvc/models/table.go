package models

import "time"

const (
	TableActive = "active"
	TableEnded  = "ended"
)

type Table struct {
	ID            string    `json:"id"`              // Primary key
	Name          string    `json:"name"`            // Display name, e.g. "Friday"
	JoinCode      string    `json:"join_code"`       // 4 digits, unique among active tables
	Status        string    `json:"status"`          // 'active', 'ended'
	AdminPlayerID string    `json:"admin_player_id"` // FK to players(id), may be empty
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
