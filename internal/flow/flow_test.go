package flow

import (
	"context"
	"testing"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/session"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/avvvet/buyin-services/internal/tablesvc/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	rows   *gateway.MemoryRows
	tables *service.TableService
	admin  *service.AdminService
	flow   *Controller
	store  session.Store
}

func newEnv() *env {
	bus := gateway.NewMemoryBus()
	rows := gateway.NewMemoryRows(bus)
	tables := service.NewTableService(rows, bus, nil)
	return &env{
		rows:   rows,
		tables: tables,
		admin:  service.NewAdminService(rows, bus, nil),
		flow:   NewController(service.NewPlayerService(rows), tables),
		store:  session.NewMemoryStore(),
	}
}

func (e *env) onboard(t *testing.T, sid, name string) (*session.Session, State) {
	t.Helper()
	s := session.New(e.store, sid)
	st, err := e.flow.CompleteOnboarding(context.Background(), s, name, "")
	require.NoError(t, err)
	return s, st
}

func TestTablePath(t *testing.T) {
	p := TablePath("abc-123")
	assert.Equal(t, "/table/abc-123", p)

	id, ok := ParseTablePath(p)
	require.True(t, ok)
	assert.Equal(t, "abc-123", id)

	_, ok = ParseTablePath("/")
	assert.False(t, ok)
	_, ok = ParseTablePath("/table/a/b")
	assert.False(t, ok)
}

func TestOnboardingThenCreateTable(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	s := session.New(e.store, "sid")

	st, err := e.flow.Current(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, ScreenOnboarding, st.Screen)

	_, err = e.flow.CompleteOnboarding(ctx, s, "", "")
	assert.ErrorIs(t, err, service.ErrValidation)
	st, err = e.flow.Current(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, ScreenOnboarding, st.Screen)

	st, err = e.flow.CompleteOnboarding(ctx, s, "Alice", "")
	require.NoError(t, err)
	assert.Equal(t, ScreenTableSelection, st.Screen)
	assert.Equal(t, "Alice", st.Profile.Name)

	st, err = e.flow.CreateTable(ctx, s, "Friday")
	require.NoError(t, err)
	assert.Equal(t, ScreenTableView, st.Screen)
	assert.Equal(t, TablePath(st.Table.ID), st.Path)
	assert.Len(t, st.Table.JoinCode, 4)
}

func TestJoinWaitsForApproval(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	aliceSess, _ := e.onboard(t, "a", "Alice")
	created, err := e.flow.CreateTable(ctx, aliceSess, "Friday")
	require.NoError(t, err)

	bobSess, _ := e.onboard(t, "b", "Bob")
	st, err := e.flow.JoinTable(ctx, bobSess, created.Table.JoinCode)
	require.NoError(t, err)
	assert.Equal(t, ScreenTableSelection, st.Screen)
	require.NotNil(t, st.PendingTable)
	assert.Equal(t, created.Table.ID, st.PendingTable.ID)
	assert.NotEmpty(t, st.Notice)

	// unrelated notices change nothing
	_, changed, err := e.flow.OnNotification(ctx, bobSess, comm.Notification{Type: comm.NoticeJoinApproved, TableID: "other"})
	require.NoError(t, err)
	assert.False(t, changed)

	st, changed, err = e.flow.OnNotification(ctx, bobSess, comm.Notification{Type: comm.NoticeJoinApproved, TableID: created.Table.ID})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ScreenTableView, st.Screen)
	assert.Nil(t, st.PendingTable)
	assert.Equal(t, TablePath(created.Table.ID), st.Path)
}

func TestJoinRejectedReturnsToSelection(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	aliceSess, _ := e.onboard(t, "a", "Alice")
	created, err := e.flow.CreateTable(ctx, aliceSess, "Friday")
	require.NoError(t, err)
	bobSess, _ := e.onboard(t, "b", "Bob")
	_, err = e.flow.JoinTable(ctx, bobSess, created.Table.JoinCode)
	require.NoError(t, err)

	st, changed, err := e.flow.OnNotification(ctx, bobSess, comm.Notification{Type: comm.NoticeJoinRejected, TableID: created.Table.ID})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ScreenTableSelection, st.Screen)
	assert.Nil(t, st.PendingTable)
}

func TestJoinUnknownCode(t *testing.T) {
	e := newEnv()
	s, _ := e.onboard(t, "b", "Bob")
	_, err := e.flow.JoinTable(context.Background(), s, "4321")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestExitIsFireAndForget(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	s, st := e.onboard(t, "a", "Alice")
	st, err := e.flow.CreateTable(ctx, s, "Friday")
	require.NoError(t, err)
	tableID, playerID := st.Table.ID, st.Profile.PlayerID

	st, err = e.flow.ExitTable(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, ScreenTableSelection, st.Screen)
	assert.Equal(t, "/", st.Path)

	require.Eventually(t, func() bool {
		m, err := e.rows.GetMembership(ctx, tableID, playerID)
		return err == nil && m.Status == models.MemberInactive
	}, time.Second, 10*time.Millisecond)
}

func TestOpenTableCanonicalizes(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	aliceSess, _ := e.onboard(t, "a", "Alice")
	created, err := e.flow.CreateTable(ctx, aliceSess, "Friday")
	require.NoError(t, err)
	tableID := created.Table.ID

	// a stranger following the link lands on selection
	bobSess, _ := e.onboard(t, "b", "Bob")
	st, err := e.flow.OpenTable(ctx, bobSess, tableID)
	require.NoError(t, err)
	assert.Equal(t, ScreenTableSelection, st.Screen)
	assert.Equal(t, "/", st.Path)

	st, err = e.flow.OpenTable(ctx, bobSess, "missing")
	require.NoError(t, err)
	assert.Equal(t, ScreenTableSelection, st.Screen)
	assert.NotEmpty(t, st.Notice)

	// the admin reopening after leaving the view gets it back
	require.NoError(t, aliceSess.ClearTable(ctx))
	st, err = e.flow.OpenTable(ctx, aliceSess, tableID)
	require.NoError(t, err)
	assert.Equal(t, ScreenTableView, st.Screen)
	assert.Equal(t, TablePath(tableID), st.Path)
}

func TestRevertedSeatGoesBackToWaiting(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	s, _ := e.onboard(t, "a", "Alice")
	st, err := e.flow.CreateTable(ctx, s, "Friday")
	require.NoError(t, err)

	st, changed, err := e.flow.OnNotification(ctx, s, comm.Notification{Type: comm.NoticeJoinReverted, TableID: st.Table.ID})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ScreenTableSelection, st.Screen)
	require.NotNil(t, st.PendingTable)
}

func TestTableEndedClearsSelection(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	s, _ := e.onboard(t, "a", "Alice")
	st, err := e.flow.CreateTable(ctx, s, "Friday")
	require.NoError(t, err)
	require.NoError(t, e.tables.EndTable(ctx, st.Table.ID, st.Profile.PlayerID))

	st, changed, err := e.flow.OnNotification(ctx, s, comm.Notification{Type: comm.NoticeTableEnded, TableID: st.Table.ID})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, ScreenTableSelection, st.Screen)
	assert.Nil(t, st.Table)
}

func TestSwitchPlayerFromAnyScreen(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	s, _ := e.onboard(t, "a", "Alice")
	_, err := e.flow.CreateTable(ctx, s, "Friday")
	require.NoError(t, err)

	st, err := e.flow.SwitchPlayer(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, ScreenOnboarding, st.Screen)

	p, err := s.Profile(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)
	tbl, err := s.Table(ctx)
	require.NoError(t, err)
	assert.Nil(t, tbl)

	st, err = e.flow.CompleteOnboarding(ctx, s, "Bob", "")
	require.NoError(t, err)
	assert.Equal(t, ScreenTableSelection, st.Screen)
}
