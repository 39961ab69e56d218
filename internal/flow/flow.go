// Package flow decides which screen a browser session is on and moves it between
// onboarding, table selection and the table view.
package flow

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/session"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/avvvet/buyin-services/internal/tablesvc/service"
	log "github.com/sirupsen/logrus"
)

type Screen string

const (
	ScreenOnboarding     Screen = "onboarding"
	ScreenTableSelection Screen = "table_selection"
	ScreenTableView      Screen = "table_view"
)

const tablePathPrefix = "/table/"

var ErrNoProfile = errors.New("no player profile")

// State is what the browser renders: the screen, the canonical path to show in the address
// bar, and the session records behind them.
type State struct {
	Screen       Screen            `json:"screen"`
	Path         string            `json:"path"`
	Profile      *session.Profile  `json:"profile,omitempty"`
	Table        *session.TableRef `json:"table,omitempty"`
	PendingTable *session.TableRef `json:"pending_table,omitempty"`
	Notice       string            `json:"notice,omitempty"`
}

type Players interface {
	CreatePlayer(ctx context.Context, name, avatar string) (*models.Player, error)
	GetPlayer(ctx context.Context, id string) (*models.Player, error)
}

type Tables interface {
	CreateTable(ctx context.Context, adminID, name string) (*models.Table, error)
	GetTable(ctx context.Context, id string) (*models.Table, error)
	JoinByCode(ctx context.Context, playerID, code string) (*service.JoinResult, error)
	ExitTable(ctx context.Context, tableID, playerID string) error
	Membership(ctx context.Context, tableID, playerID string) (*models.Membership, error)
}

type Controller struct {
	players     Players
	tables      Tables
	exitTimeout time.Duration
}

func NewController(players Players, tables Tables) *Controller {
	return &Controller{players: players, tables: tables, exitTimeout: 10 * time.Second}
}

// TablePath is the shareable path of a table.
func TablePath(tableID string) string {
	return tablePathPrefix + url.PathEscape(tableID)
}

// ParseTablePath extracts the table id from a path built by TablePath.
func ParseTablePath(path string) (string, bool) {
	if !strings.HasPrefix(path, tablePathPrefix) {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(path, tablePathPrefix), "/"))
	if err != nil || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func tableRef(t *models.Table) session.TableRef {
	return session.TableRef{ID: t.ID, Name: t.Name, JoinCode: t.JoinCode}
}

// Current derives the screen from what the session holds.
func (c *Controller) Current(ctx context.Context, s *session.Session) (State, error) {
	if err := s.Init(ctx); err != nil {
		return State{}, err
	}
	force, err := s.ForceOnboarding(ctx)
	if err != nil {
		return State{}, err
	}
	profile, err := s.Profile(ctx)
	if err != nil {
		return State{}, err
	}
	if force || profile == nil {
		return State{Screen: ScreenOnboarding, Path: "/"}, nil
	}

	table, err := s.Table(ctx)
	if err != nil {
		return State{}, err
	}
	if table != nil {
		return State{Screen: ScreenTableView, Path: TablePath(table.ID), Profile: profile, Table: table}, nil
	}

	pending, err := s.PendingTable(ctx)
	if err != nil {
		return State{}, err
	}
	return State{Screen: ScreenTableSelection, Path: "/", Profile: profile, PendingTable: pending}, nil
}

func (c *Controller) withNotice(ctx context.Context, s *session.Session, notice string) (State, error) {
	st, err := c.Current(ctx, s)
	st.Notice = notice
	return st, err
}

func (c *Controller) profile(ctx context.Context, s *session.Session) (*session.Profile, error) {
	p, err := s.Profile(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNoProfile
	}
	return p, nil
}

// CompleteOnboarding creates the player remotely and remembers it locally. Validation
// failures leave the session untouched.
func (c *Controller) CompleteOnboarding(ctx context.Context, s *session.Session, name, avatar string) (State, error) {
	p, err := c.players.CreatePlayer(ctx, name, avatar)
	if err != nil {
		return State{}, err
	}
	if err := s.SetProfile(ctx, session.Profile{PlayerID: p.ID, Name: p.Name, Avatar: p.Avatar}); err != nil {
		return State{}, err
	}
	if err := s.SetForceOnboarding(ctx, false); err != nil {
		return State{}, err
	}
	return c.Current(ctx, s)
}

// CreateTable creates a table with the local player as admin and opens it.
func (c *Controller) CreateTable(ctx context.Context, s *session.Session, name string) (State, error) {
	p, err := c.profile(ctx, s)
	if err != nil {
		return State{}, err
	}
	t, err := c.tables.CreateTable(ctx, p.PlayerID, name)
	if err != nil {
		return State{}, err
	}
	if err := s.SetTable(ctx, tableRef(t)); err != nil {
		return State{}, err
	}
	if err := s.ClearPendingTable(ctx); err != nil {
		return State{}, err
	}
	return c.Current(ctx, s)
}

// JoinTable files a join request for code. Members go straight to the table; everyone else
// waits on the selection screen for the admin's answer.
func (c *Controller) JoinTable(ctx context.Context, s *session.Session, code string) (State, error) {
	p, err := c.profile(ctx, s)
	if err != nil {
		return State{}, err
	}
	res, err := c.tables.JoinByCode(ctx, p.PlayerID, code)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			_ = s.ClearPendingTable(ctx)
		}
		return State{}, err
	}

	if res.Member {
		if err := s.SetTable(ctx, tableRef(res.Table)); err != nil {
			return State{}, err
		}
		_ = s.ClearPendingTable(ctx)
		return c.Current(ctx, s)
	}
	if err := s.SetPendingTable(ctx, tableRef(res.Table)); err != nil {
		return State{}, err
	}
	return c.withNotice(ctx, s, "Waiting for the admin to approve your request")
}

// OpenTable handles navigation to a table path. It selects the table when the player is
// seated there and otherwise falls back to table selection, returning the canonical path.
func (c *Controller) OpenTable(ctx context.Context, s *session.Session, tableID string) (State, error) {
	cur, err := c.Current(ctx, s)
	if err != nil || cur.Screen == ScreenOnboarding {
		return cur, err
	}
	if cur.Table != nil && cur.Table.ID == tableID {
		return cur, nil
	}

	t, err := c.tables.GetTable(ctx, tableID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return c.withNotice(ctx, s, "That table does not exist")
	case err != nil:
		return State{}, err
	case t.Status == models.TableEnded:
		return c.withNotice(ctx, s, "That table has ended")
	}

	m, err := c.tables.Membership(ctx, tableID, cur.Profile.PlayerID)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return c.withNotice(ctx, s, "Join this table with its code first")
	case err != nil:
		return State{}, err
	case m.Status == models.MemberInactive:
		return c.withNotice(ctx, s, "You left this table; join again with its code")
	}

	if err := s.SetTable(ctx, tableRef(t)); err != nil {
		return State{}, err
	}
	return c.Current(ctx, s)
}

// OnNotification moves the session in reaction to a direct notification. It reports
// whether the state changed.
func (c *Controller) OnNotification(ctx context.Context, s *session.Session, n comm.Notification) (State, bool, error) {
	table, err := s.Table(ctx)
	if err != nil {
		return State{}, false, err
	}
	pending, err := s.PendingTable(ctx)
	if err != nil {
		return State{}, false, err
	}
	pendingHere := pending != nil && pending.ID == n.TableID
	tableHere := table != nil && table.ID == n.TableID

	switch {
	case n.Type == comm.NoticeJoinApproved && pendingHere:
		if err := s.SetTable(ctx, *pending); err != nil {
			return State{}, false, err
		}
		if err := s.ClearPendingTable(ctx); err != nil {
			return State{}, false, err
		}
		st, err := c.Current(ctx, s)
		return st, true, err

	case n.Type == comm.NoticeJoinRejected && pendingHere:
		if err := s.ClearPendingTable(ctx); err != nil {
			return State{}, false, err
		}
		st, err := c.withNotice(ctx, s, "Your request to join was declined")
		return st, true, err

	case n.Type == comm.NoticeJoinReverted && tableHere:
		if err := s.ClearTable(ctx); err != nil {
			return State{}, false, err
		}
		if err := s.SetPendingTable(ctx, *table); err != nil {
			return State{}, false, err
		}
		st, err := c.withNotice(ctx, s, "Waiting for the admin to approve your seat")
		return st, true, err

	case n.Type == comm.NoticeTableEnded && tableHere:
		if err := s.ClearTable(ctx); err != nil {
			return State{}, false, err
		}
		st, err := c.withNotice(ctx, s, "The table has ended")
		return st, true, err
	}

	st, err := c.Current(ctx, s)
	return st, false, err
}

// ExitTable leaves the selected table. The membership write is not waited for.
func (c *Controller) ExitTable(ctx context.Context, s *session.Session) (State, error) {
	table, err := s.Table(ctx)
	if err != nil {
		return State{}, err
	}
	if table == nil {
		return c.Current(ctx, s)
	}
	if p, err := s.Profile(ctx); err == nil && p != nil {
		go c.markExited(table.ID, p.PlayerID)
	}
	if err := s.ClearTable(ctx); err != nil {
		return State{}, err
	}
	return c.Current(ctx, s)
}

func (c *Controller) markExited(tableID, playerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.exitTimeout)
	defer cancel()
	if err := c.tables.ExitTable(ctx, tableID, playerID); err != nil {
		log.WithFields(log.Fields{"table_id": tableID, "player_id": playerID}).Errorf("Error [Flow.ExitTable] %s", err)
	}
}

// SwitchPlayer forgets the local player and table and returns to onboarding.
func (c *Controller) SwitchPlayer(ctx context.Context, s *session.Session) (State, error) {
	if err := s.RequestReset(ctx); err != nil {
		return State{}, err
	}
	return c.Current(ctx, s)
}
