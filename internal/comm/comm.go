package comm

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "table-state", "notice"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid,omitempty"`
}

// Notification types carried over point-to-point channels.
const (
	NoticeJoinApproved   = "join_approved"
	NoticeJoinRejected   = "join_rejected"
	NoticeJoinReverted   = "join_reverted"
	NoticeBuyInApproved  = "buyin_approved"
	NoticeBuyInRequested = "buyin_requested"
	NoticeTotalsChanged  = "totals_changed"
	NoticeTableEnded     = "table_ended"
)

// Notification is the payload of a direct message. ID identifies the event so that
// redundant deliveries can be dropped by receivers.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TableID   string          `json:"table_id"`
	PlayerID  string          `json:"player_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Message   string          `json:"message,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// DedupKey is the identity used for duplicate suppression. Requested buy-ins are keyed by
// their request id, everything else by the event id.
func (n Notification) DedupKey() string {
	if n.Type == NoticeBuyInRequested && n.RequestID != "" {
		return n.Type + ":" + n.RequestID
	}
	return n.Type + ":" + n.ID
}

// UserChannel is the point-to-point channel of one player.
func UserChannel(playerID string) string {
	return "user_" + playerID
}

// AdminChannel receives "buy-in requested" events for the admin of a table.
func AdminChannel(tableID string) string {
	return "admin_" + tableID
}

// TableChannel is broadcast to everyone viewing a table.
func TableChannel(tableID string) string {
	return "table_" + tableID
}

type Res struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
}
