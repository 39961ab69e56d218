package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Display statuses of a roster entry.
const (
	RosterActive   = "active"
	RosterPending  = "pending"
	RosterInactive = "inactive"
)

// RosterEntry is the render-ready view of one player at a table. It is derived on every
// refresh and never persisted.
type RosterEntry struct {
	PlayerID    string          `json:"player_id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Total       decimal.Decimal `json:"total"`
	IsAdmin     bool            `json:"is_admin"`
	Placeholder bool            `json:"placeholder,omitempty"`
}

// DisplayName marks exited players the way the table view shows them.
func (e RosterEntry) DisplayName() string {
	if e.Status == RosterInactive {
		return e.Name + " (Exited)"
	}
	return e.Name
}

// PendingJoin is a join request with its requester's resolved name.
type PendingJoin struct {
	RequestID string `json:"request_id"`
	PlayerID  string `json:"player_id"`
	Name      string `json:"name"`
}

// PendingBuyIn is a buy-in request with its requester's resolved name.
type PendingBuyIn struct {
	RequestID string          `json:"request_id"`
	PlayerID  string          `json:"player_id"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
}

// Row change operations as emitted by the database triggers.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// RowChange is one change notification for a row of a named collection. Record and Old carry
// the row as loosely typed JSON; decode them through the gateway adapters.
type RowChange struct {
	Collection string          `json:"collection"`
	Op         string          `json:"op"`
	Record     json.RawMessage `json:"record,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
}
