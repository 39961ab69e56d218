package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/buyin-services/internal/retry"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	log "github.com/sirupsen/logrus"
)

// data is the last fetched copy of everything a table view renders from.
type data struct {
	table     *models.Table
	adminName string
	members   []*models.Membership
	joins     []*models.JoinRequest
	requests  []*models.BuyInRequest
	ledger    []*models.BuyIn
	names     map[string]string
	injected  map[string]bool // roster entries added by the self-healing check
}

func (d *data) adminID() string {
	if d.table == nil {
		return ""
	}
	return d.table.AdminPlayerID
}

// render derives the state the player sees. It never touches the gateway.
func (d *data) render(tableID, playerID string) State {
	s := State{
		TableID:   tableID,
		PlayerID:  playerID,
		AdminName: d.adminName,
	}
	if d.table != nil {
		s.TableName = d.table.Name
		s.JoinCode = d.table.JoinCode
		s.TableStatus = d.table.Status
		s.AdminID = d.table.AdminPlayerID
		s.IsAdmin = d.table.AdminPlayerID != "" && d.table.AdminPlayerID == playerID
	}

	pending := PendingSet(d.joins)
	totals := SumTotals(d.ledger)
	s.Roster = BuildRoster(d.members, pending, totals, d.names, s.AdminID)
	for i := range s.Roster {
		s.Roster[i].Placeholder = d.injected[s.Roster[i].PlayerID]
	}
	s.PendingJoins = buildPendingJoins(d.joins, d.names)
	s.PendingBuyIns = buildPendingBuyIns(d.requests, d.names)
	s.History = BuildHistory(d.ledger, d.names)
	return s
}

// loader runs the individual refresh steps. Every step swallows its own failure and
// leaves a default behind so one broken read never blanks the whole view.
type loader struct {
	rows     gateway.Rows
	policy   retry.Policy
	tableID  string
	playerID string
	timeout  time.Duration
	logger   *log.Entry
}

func (l *loader) step(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	err := l.policy.Do(ctx, op, fn)
	if err != nil && ctx.Err() == nil {
		l.logger.Errorf("Error [Reconciler.%s] %s", op, err)
	}
	return err
}

// admin resolves the table and its admin's display name. prev is kept when the table
// lookup fails.
func (l *loader) admin(ctx context.Context, prev *models.Table) (*models.Table, string) {
	var t *models.Table
	err := l.step(ctx, "getTable", func(ctx context.Context) error {
		var err error
		t, err = l.rows.GetTable(ctx, l.tableID)
		return err
	})
	if err != nil {
		return prev, AdminLoading
	}
	if t.AdminPlayerID == "" {
		return t, AdminUnknown
	}

	var p *models.Player
	err = l.step(ctx, "getAdmin", func(ctx context.Context) error {
		var err error
		p, err = l.rows.GetPlayer(ctx, t.AdminPlayerID)
		return err
	})
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return t, AdminUnknown
	case err != nil:
		return t, AdminLoading
	}
	return t, p.Name
}

func (l *loader) pendingJoins(ctx context.Context) []*models.JoinRequest {
	var out []*models.JoinRequest
	_ = l.step(ctx, "listJoinRequests", func(ctx context.Context) error {
		var err error
		out, err = l.rows.ListPendingJoinRequests(ctx, l.tableID)
		return err
	})
	return out
}

func (l *loader) pendingBuyIns(ctx context.Context) []*models.BuyInRequest {
	var out []*models.BuyInRequest
	_ = l.step(ctx, "listBuyInRequests", func(ctx context.Context) error {
		var err error
		out, err = l.rows.ListPendingBuyInRequests(ctx, l.tableID)
		return err
	})
	return out
}

func (l *loader) ledger(ctx context.Context) ([]*models.BuyIn, error) {
	var out []*models.BuyIn
	err := l.step(ctx, "listBuyIns", func(ctx context.Context) error {
		var err error
		out, err = l.rows.ListBuyIns(ctx, l.tableID)
		return err
	})
	return out, err
}

func (l *loader) members(ctx context.Context) []*models.Membership {
	var out []*models.Membership
	_ = l.step(ctx, "listMembers", func(ctx context.Context) error {
		var err error
		out, err = l.rows.ListMembers(ctx, l.tableID)
		return err
	})
	return out
}

// resolveNames fills names for ids not already known.
func (l *loader) resolveNames(ctx context.Context, names map[string]string, ids []string) {
	var missing []string
	for _, id := range ids {
		if _, ok := names[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	var players map[string]*models.Player
	err := l.step(ctx, "getPlayers", func(ctx context.Context) error {
		var err error
		players, err = l.rows.GetPlayers(ctx, missing)
		return err
	})
	if err != nil {
		return
	}
	for id, p := range players {
		names[id] = p.Name
	}
}

// load performs a full refresh, steps in order: admin identity, pending join requests,
// ledger totals, memberships, ledger history and pending buy-in requests.
func (l *loader) load(ctx context.Context, prev *data) *data {
	d := &data{names: map[string]string{}, injected: map[string]bool{}}
	var prevTable *models.Table
	if prev != nil {
		prevTable = prev.table
	}

	d.table, d.adminName = l.admin(ctx, prevTable)
	if d.table != nil && d.table.AdminPlayerID != "" && d.adminName != AdminUnknown && d.adminName != AdminLoading {
		d.names[d.table.AdminPlayerID] = d.adminName
	}

	d.joins = l.pendingJoins(ctx)

	ledger, err := l.ledger(ctx)
	d.members = l.members(ctx)
	if err != nil {
		// history gets its own attempt when the totals read failed
		ledger, _ = l.ledger(ctx)
	}
	d.ledger = ledger

	d.requests = l.pendingBuyIns(ctx)

	l.resolveNames(ctx, d.names, d.playerIDs())
	return d
}

func (d *data) playerIDs() []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, m := range d.members {
		add(m.PlayerID)
	}
	for _, jr := range d.joins {
		add(jr.PlayerID)
	}
	for _, r := range d.requests {
		add(r.PlayerID)
	}
	for _, b := range d.ledger {
		add(b.PlayerID)
	}
	return ids
}
