package reconciler

import (
	"sort"
	"time"

	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/shopspring/decimal"
)

const (
	AdminUnknown = "N/A"
	AdminLoading = "Loading..."
	UnknownName  = "Unknown"
)

// HistoryEntry is one approved buy-in as shown in the table history.
type HistoryEntry struct {
	ID        string          `json:"id"`
	PlayerID  string          `json:"player_id"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// State is the render-ready view of one table for one player.
type State struct {
	TableID     string `json:"table_id"`
	TableName   string `json:"table_name"`
	JoinCode    string `json:"join_code"`
	TableStatus string `json:"table_status"`
	PlayerID    string `json:"player_id"`
	AdminID     string `json:"admin_id"`
	AdminName   string `json:"admin_name"`
	IsAdmin     bool   `json:"is_admin"`

	Roster        []models.RosterEntry  `json:"roster"`
	PendingJoins  []models.PendingJoin  `json:"pending_joins"`
	PendingBuyIns []models.PendingBuyIn `json:"pending_buyins"`
	History       []HistoryEntry        `json:"history"`

	Version     uint64    `json:"version"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Entry returns the roster entry of playerID.
func (s State) Entry(playerID string) (models.RosterEntry, bool) {
	for _, e := range s.Roster {
		if e.PlayerID == playerID {
			return e, true
		}
	}
	return models.RosterEntry{}, false
}

// PendingSet returns the ids of players with an open join request.
func PendingSet(joins []*models.JoinRequest) map[string]bool {
	out := make(map[string]bool, len(joins))
	for _, jr := range joins {
		if jr.Status == models.RequestPending || jr.Status == "" {
			out[jr.PlayerID] = true
		}
	}
	return out
}

// SumTotals adds up the ledger per player.
func SumTotals(ledger []*models.BuyIn) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, b := range ledger {
		out[b.PlayerID] = out[b.PlayerID].Add(b.Amount)
	}
	return out
}

// DisplayStatus derives the roster status of a membership row. Rows with no status predate
// the status column and count as active unless the player is waiting on a join request.
func DisplayStatus(status string, pending bool) string {
	switch {
	case status == models.MemberActive:
		return models.RosterActive
	case status == "" && !pending:
		return models.RosterActive
	case pending:
		return models.RosterPending
	default:
		return models.RosterInactive
	}
}

// BuildRoster merges memberships, open join requests, totals and names. Entries follow the
// membership order; players without a ledger entry have a zero total.
func BuildRoster(members []*models.Membership, pending map[string]bool, totals map[string]decimal.Decimal,
	names map[string]string, adminID string) []models.RosterEntry {
	out := make([]models.RosterEntry, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m.PlayerID] {
			continue
		}
		seen[m.PlayerID] = true

		name, ok := names[m.PlayerID]
		if !ok || name == "" {
			name = UnknownName
		}
		total, ok := totals[m.PlayerID]
		if !ok {
			total = decimal.Zero
		}
		out = append(out, models.RosterEntry{
			PlayerID: m.PlayerID,
			Name:     name,
			Status:   DisplayStatus(m.Status, pending[m.PlayerID]),
			Total:    total,
			IsAdmin:  adminID != "" && m.PlayerID == adminID,
		})
	}
	return out
}

// BuildHistory renders the ledger newest first.
func BuildHistory(ledger []*models.BuyIn, names map[string]string) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(ledger))
	for _, b := range ledger {
		name, ok := names[b.PlayerID]
		if !ok || name == "" {
			name = UnknownName
		}
		out = append(out, HistoryEntry{
			ID:        b.ID,
			PlayerID:  b.PlayerID,
			Name:      name,
			Amount:    b.Amount,
			CreatedAt: b.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func buildPendingJoins(joins []*models.JoinRequest, names map[string]string) []models.PendingJoin {
	out := make([]models.PendingJoin, 0, len(joins))
	for _, jr := range joins {
		name, ok := names[jr.PlayerID]
		if !ok || name == "" {
			name = UnknownName
		}
		out = append(out, models.PendingJoin{RequestID: jr.ID, PlayerID: jr.PlayerID, Name: name})
	}
	return out
}

func buildPendingBuyIns(reqs []*models.BuyInRequest, names map[string]string) []models.PendingBuyIn {
	out := make([]models.PendingBuyIn, 0, len(reqs))
	for _, r := range reqs {
		name, ok := names[r.PlayerID]
		if !ok || name == "" {
			name = UnknownName
		}
		out = append(out, models.PendingBuyIn{RequestID: r.ID, PlayerID: r.PlayerID, Name: name, Amount: r.Amount})
	}
	return out
}
