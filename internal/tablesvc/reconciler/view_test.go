package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/retry"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type fixture struct {
	bus  *gateway.MemoryBus
	rows *gateway.MemoryRows
}

func newFixture() *fixture {
	bus := gateway.NewMemoryBus()
	return &fixture{bus: bus, rows: gateway.NewMemoryRows(bus)}
}

func (f *fixture) player(t *testing.T, name string) *models.Player {
	t.Helper()
	p, err := f.rows.CreatePlayer(context.Background(), models.Player{Name: name})
	require.NoError(t, err)
	return p
}

func (f *fixture) table(t *testing.T, admin *models.Player) *models.Table {
	t.Helper()
	tbl, err := f.rows.CreateTable(context.Background(), models.Table{Name: "Friday", JoinCode: "1234", AdminPlayerID: admin.ID})
	require.NoError(t, err)
	return tbl
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.HealAttempts = 3
	opts.HealDelay = 5 * time.Millisecond
	opts.Retry = retry.Policy{Attempts: 1, MinDelay: time.Millisecond}
	return opts
}

type inbox struct {
	mu      sync.Mutex
	notices []comm.Notification
}

func (b *inbox) add(n comm.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, n)
}

func (b *inbox) count(typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := 0
	for _, n := range b.notices {
		if n.Type == typ {
			c++
		}
	}
	return c
}

func (f *fixture) open(t *testing.T, tableID, playerID string, opts Options) *View {
	t.Helper()
	v, err := Open(context.Background(), f.rows, f.bus, tableID, playerID, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	require.Eventually(t, func() bool { return v.Snapshot().Version > 0 }, waitFor, tick)
	return v
}

func (f *fixture) listen(t *testing.T, playerID string) *inbox {
	t.Helper()
	in := &inbox{}
	sub, err := f.bus.SubscribeChannel(comm.UserChannel(playerID), in.add)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return in
}

func entryIs(v *View, playerID, status string) func() bool {
	return func() bool {
		e, ok := v.Snapshot().Entry(playerID)
		return ok && e.Status == status
	}
}

func totalIs(v *View, playerID string, want int64) func() bool {
	return func() bool {
		e, ok := v.Snapshot().Entry(playerID)
		return ok && e.Total.Equal(decimal.NewFromInt(want))
	}
}

// approveJoin walks bob through a join request and its approval.
func (f *fixture) approveJoin(t *testing.T, tableID, playerID string) {
	t.Helper()
	jr, err := f.rows.CreateJoinRequest(context.Background(), tableID, playerID)
	require.NoError(t, err)
	_, err = f.rows.ApproveJoinRequest(context.Background(), jr.ID)
	require.NoError(t, err)
}

func (f *fixture) approveBuyIn(t *testing.T, tableID, playerID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	r, err := f.rows.CreateBuyInRequest(ctx, models.BuyInRequest{TableID: tableID, PlayerID: playerID, Amount: decimal.NewFromInt(amount)})
	require.NoError(t, err)
	_, err = f.rows.ApproveBuyInRequest(ctx, r.ID)
	require.NoError(t, err)
}

func TestCreatorIsActiveAdminWithZeroTotal(t *testing.T) {
	f := newFixture()
	alice := f.player(t, "Alice")
	tbl := f.table(t, alice)

	v := f.open(t, tbl.ID, alice.ID, testOptions())
	s := v.Snapshot()

	assert.Equal(t, "1234", s.JoinCode)
	assert.Equal(t, "Alice", s.AdminName)
	assert.True(t, s.IsAdmin)
	e, ok := s.Entry(alice.ID)
	require.True(t, ok)
	assert.Equal(t, models.RosterActive, e.Status)
	assert.True(t, e.Total.IsZero())
}

func TestJoinApprovalShowsInAdminRoster(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)
	v := f.open(t, tbl.ID, alice.ID, testOptions())
	ctx := context.Background()

	jr, err := f.rows.CreateJoinRequest(ctx, tbl.ID, bob.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p := v.Snapshot().PendingJoins
		return len(p) == 1 && p[0].Name == "Bob"
	}, waitFor, tick)

	_, err = f.rows.ApproveJoinRequest(ctx, jr.ID)
	require.NoError(t, err)
	require.Eventually(t, entryIs(v, bob.ID, models.RosterActive), waitFor, tick)
	require.Eventually(t, func() bool { return len(v.Snapshot().PendingJoins) == 0 }, waitFor, tick)

	// a legitimate approval is never reverted
	time.Sleep(50 * time.Millisecond)
	m, err := f.rows.GetMembership(ctx, tbl.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MemberActive, m.Status)
}

func TestBuyInApprovalsUpdateTotals(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)
	f.approveJoin(t, tbl.ID, bob.ID)
	v := f.open(t, tbl.ID, alice.ID, testOptions())
	ctx := context.Background()

	r, err := f.rows.CreateBuyInRequest(ctx, models.BuyInRequest{TableID: tbl.ID, PlayerID: bob.ID, Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p := v.Snapshot().PendingBuyIns
		return len(p) == 1 && p[0].Name == "Bob" && p[0].Amount.Equal(decimal.NewFromInt(50))
	}, waitFor, tick)

	_, err = f.rows.ApproveBuyInRequest(ctx, r.ID)
	require.NoError(t, err)
	require.Eventually(t, totalIs(v, bob.ID, 50), waitFor, tick)
	require.Eventually(t, func() bool { return len(v.Snapshot().PendingBuyIns) == 0 }, waitFor, tick)

	ledger, err := f.rows.ListBuyIns(ctx, tbl.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.True(t, ledger[0].Amount.Equal(decimal.NewFromInt(50)))

	f.approveBuyIn(t, tbl.ID, bob.ID, -20)
	require.Eventually(t, totalIs(v, bob.ID, 30), waitFor, tick)

	// rejected requests never reach the total
	r, err = f.rows.CreateBuyInRequest(ctx, models.BuyInRequest{TableID: tbl.ID, PlayerID: bob.ID, Amount: decimal.NewFromInt(500)})
	require.NoError(t, err)
	_, err = f.rows.RejectBuyInRequest(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, v.Refresh(ctx))
	assert.True(t, totalIs(v, bob.ID, 30)())
	assert.Len(t, v.Snapshot().History, 2)
}

func TestExitAndRejoinKeepsTotal(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)
	f.approveJoin(t, tbl.ID, bob.ID)
	f.approveBuyIn(t, tbl.ID, bob.ID, 50)
	bobInbox := f.listen(t, bob.ID)
	v := f.open(t, tbl.ID, alice.ID, testOptions())
	ctx := context.Background()

	_, err := f.rows.SetMembershipStatus(ctx, tbl.ID, bob.ID, models.MemberInactive)
	require.NoError(t, err)
	require.Eventually(t, entryIs(v, bob.ID, models.RosterInactive), waitFor, tick)
	e, _ := v.Snapshot().Entry(bob.ID)
	assert.Equal(t, "Bob (Exited)", e.DisplayName())
	assert.True(t, e.Total.Equal(decimal.NewFromInt(50)))

	// rejoin with the same code is approved by the admin's view
	_, err = f.rows.CreateJoinRequest(ctx, tbl.ID, bob.ID)
	require.NoError(t, err)
	require.Eventually(t, entryIs(v, bob.ID, models.RosterActive), waitFor, tick)
	require.Eventually(t, func() bool { return bobInbox.count(comm.NoticeJoinApproved) == 1 }, waitFor, tick)
	assert.True(t, totalIs(v, bob.ID, 50)())

	pending, err := f.rows.ListPendingJoinRequests(ctx, tbl.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestActivationWithoutApprovalIsReverted(t *testing.T) {
	f := newFixture()
	alice, mallory := f.player(t, "Alice"), f.player(t, "Mallory")
	tbl := f.table(t, alice)
	inbox := f.listen(t, mallory.ID)
	v := f.open(t, tbl.ID, alice.ID, testOptions())
	ctx := context.Background()

	_, err := f.rows.SetMembershipStatus(ctx, tbl.ID, mallory.ID, models.MemberActive)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m, err := f.rows.GetMembership(ctx, tbl.ID, mallory.ID)
		return err == nil && m.Status == models.MemberInactive
	}, waitFor, tick)
	require.Eventually(t, func() bool { return inbox.count(comm.NoticeJoinReverted) == 1 }, waitFor, tick)
	require.Eventually(t, entryIs(v, mallory.ID, models.RosterPending), waitFor, tick)

	// the re-created request waits for the admin instead of being treated as a rejoin
	time.Sleep(50 * time.Millisecond)
	pending, err := f.rows.ListPendingJoinRequests(ctx, tbl.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, mallory.ID, pending[0].PlayerID)
	assert.Equal(t, 0, inbox.count(comm.NoticeJoinApproved))
}

func TestDirectNoticeRefreshesAndAcknowledges(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)
	f.approveJoin(t, tbl.ID, bob.ID)

	in := &inbox{}
	opts := testOptions()
	opts.OnNotice = in.add
	v := f.open(t, tbl.ID, bob.ID, opts)
	before := v.Snapshot().Version

	n := comm.Notification{ID: "n1", Type: comm.NoticeBuyInApproved, TableID: tbl.ID, Amount: decimal.NewFromInt(5)}
	require.NoError(t, f.bus.Send(comm.UserChannel(bob.ID), n))
	require.NoError(t, f.bus.Send(comm.UserChannel(bob.ID), n))
	// addressed to another table
	require.NoError(t, f.bus.Send(comm.UserChannel(bob.ID), comm.Notification{ID: "n2", Type: comm.NoticeJoinApproved, TableID: "other"}))

	require.Eventually(t, func() bool { return v.Snapshot().Version > before }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, in.count(comm.NoticeBuyInApproved))
	assert.Equal(t, 0, in.count(comm.NoticeJoinApproved))
}

func TestAdminBuyInRequestedIsDeduplicated(t *testing.T) {
	f := newFixture()
	alice := f.player(t, "Alice")
	tbl := f.table(t, alice)

	in := &inbox{}
	opts := testOptions()
	opts.OnNotice = in.add
	f.open(t, tbl.ID, alice.ID, opts)

	send := func(id, requestID string) {
		require.NoError(t, f.bus.Send(comm.AdminChannel(tbl.ID), comm.Notification{
			ID: id, Type: comm.NoticeBuyInRequested, TableID: tbl.ID, RequestID: requestID,
		}))
	}
	// the admin subscription opens after the first refresh; keep sending until it lands
	require.Eventually(t, func() bool {
		send("first", "r1")
		return in.count(comm.NoticeBuyInRequested) >= 1
	}, waitFor, 20*time.Millisecond)

	send("again", "r1")
	send("other", "r2")
	require.Eventually(t, func() bool { return in.count(comm.NoticeBuyInRequested) == 2 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, in.count(comm.NoticeBuyInRequested))
}

func TestNonAdminIgnoresAdminChannel(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)
	f.approveJoin(t, tbl.ID, bob.ID)

	in := &inbox{}
	opts := testOptions()
	opts.OnNotice = in.add
	v := f.open(t, tbl.ID, bob.ID, opts)
	assert.False(t, v.Snapshot().IsAdmin)

	require.NoError(t, f.bus.Send(comm.AdminChannel(tbl.ID), comm.Notification{Type: comm.NoticeBuyInRequested, TableID: tbl.ID, RequestID: "r1"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, in.count(comm.NoticeBuyInRequested))
}

type countingRealtime struct {
	gateway.Realtime
	active atomic.Int64
}

type countedSub struct {
	gateway.Subscription
	rt   *countingRealtime
	once sync.Once
}

func (s *countedSub) Unsubscribe() error {
	s.once.Do(func() { s.rt.active.Add(-1) })
	return s.Subscription.Unsubscribe()
}

func (c *countingRealtime) wrap(sub gateway.Subscription, err error) (gateway.Subscription, error) {
	if err != nil {
		return nil, err
	}
	c.active.Add(1)
	return &countedSub{Subscription: sub, rt: c}, nil
}

func (c *countingRealtime) SubscribeRows(collection, column, value string, fn func(models.RowChange)) (gateway.Subscription, error) {
	return c.wrap(c.Realtime.SubscribeRows(collection, column, value, fn))
}

func (c *countingRealtime) SubscribeChannel(channel string, fn func(comm.Notification)) (gateway.Subscription, error) {
	return c.wrap(c.Realtime.SubscribeChannel(channel, fn))
}

func TestCloseReleasesEverySubscription(t *testing.T) {
	f := newFixture()
	alice := f.player(t, "Alice")
	tbl := f.table(t, alice)
	rt := &countingRealtime{Realtime: f.bus}

	v, err := Open(context.Background(), f.rows, rt, tbl.ID, alice.ID, testOptions())
	require.NoError(t, err)
	// five row feeds, user and table channels, and the admin channel once known
	require.Eventually(t, func() bool { return rt.active.Load() == 8 }, waitFor, tick)

	require.NoError(t, v.Close())
	assert.Equal(t, int64(0), rt.active.Load())
	require.NoError(t, v.Close())
	assert.ErrorIs(t, v.Refresh(context.Background()), ErrClosed)
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := newFixture()
	alice, bob, carol := f.player(t, "Alice"), f.player(t, "Bob"), f.player(t, "Carol")
	tbl := f.table(t, alice)
	f.approveJoin(t, tbl.ID, bob.ID)
	f.approveBuyIn(t, tbl.ID, bob.ID, 50)
	_, err := f.rows.CreateJoinRequest(context.Background(), tbl.ID, carol.ID)
	require.NoError(t, err)

	ctx := context.Background()
	first := Load(ctx, f.rows, tbl.ID, alice.ID, testOptions())
	second := Load(ctx, f.rows, tbl.ID, alice.ID, testOptions())
	first.RefreshedAt, second.RefreshedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
	assert.Len(t, first.PendingJoins, 1)
	assert.Len(t, first.Roster, 2)
}

type flakyRows struct {
	*gateway.MemoryRows
	failTable  bool
	failLedger bool
	hide       string // player left out of member listings
	stale      *models.JoinRequest
	memberHits atomic.Int64
}

func (r *flakyRows) GetTable(ctx context.Context, id string) (*models.Table, error) {
	if r.failTable {
		return nil, errors.New("boom")
	}
	return r.MemoryRows.GetTable(ctx, id)
}

func (r *flakyRows) ListBuyIns(ctx context.Context, tableID string) ([]*models.BuyIn, error) {
	if r.failLedger {
		return nil, errors.New("boom")
	}
	return r.MemoryRows.ListBuyIns(ctx, tableID)
}

func (r *flakyRows) ListMembers(ctx context.Context, tableID string) ([]*models.Membership, error) {
	all, err := r.MemoryRows.ListMembers(ctx, tableID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.PlayerID != r.hide {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *flakyRows) ListPendingJoinRequests(ctx context.Context, tableID string) ([]*models.JoinRequest, error) {
	out, err := r.MemoryRows.ListPendingJoinRequests(ctx, tableID)
	if r.stale != nil {
		out = append(out, r.stale)
	}
	return out, err
}

func (r *flakyRows) GetMembership(ctx context.Context, tableID, playerID string) (*models.Membership, error) {
	r.memberHits.Add(1)
	return r.MemoryRows.GetMembership(ctx, tableID, playerID)
}

func TestFailedStepsFallBackToDefaults(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)
	f.approveJoin(t, tbl.ID, bob.ID)
	f.approveBuyIn(t, tbl.ID, bob.ID, 50)

	rows := &flakyRows{MemoryRows: f.rows, failTable: true, failLedger: true}
	s := Load(context.Background(), rows, tbl.ID, alice.ID, testOptions())

	assert.Equal(t, AdminLoading, s.AdminName)
	assert.Len(t, s.Roster, 2)
	assert.Empty(t, s.History)
	e, ok := s.Entry(bob.ID)
	require.True(t, ok)
	assert.True(t, e.Total.IsZero())
}

func TestMissingAdminShowsNA(t *testing.T) {
	f := newFixture()
	tbl, err := f.rows.CreateTable(context.Background(), models.Table{Name: "Orphan", JoinCode: "9999"})
	require.NoError(t, err)

	s := Load(context.Background(), f.rows, tbl.ID, "", testOptions())
	assert.Equal(t, AdminUnknown, s.AdminName)
	assert.False(t, s.IsAdmin)
}

func TestSelfHealingInjectsPlaceholder(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)
	f.approveJoin(t, tbl.ID, bob.ID)

	rows := &flakyRows{
		MemoryRows: f.rows,
		hide:       bob.ID,
		stale:      &models.JoinRequest{ID: "stale", TableID: tbl.ID, PlayerID: bob.ID, Status: models.RequestPending},
	}
	s := Load(context.Background(), rows, tbl.ID, bob.ID, testOptions())

	e, ok := s.Entry(bob.ID)
	require.True(t, ok)
	assert.Equal(t, models.RosterActive, e.Status)
	assert.Equal(t, "Bob", e.Name)
	assert.True(t, e.Placeholder)
	assert.Empty(t, s.PendingJoins)
}

func TestSelfHealingStopsForExitedPlayer(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)
	f.approveJoin(t, tbl.ID, bob.ID)
	_, err := f.rows.SetMembershipStatus(context.Background(), tbl.ID, bob.ID, models.MemberInactive)
	require.NoError(t, err)

	rows := &flakyRows{MemoryRows: f.rows}
	s := Load(context.Background(), rows, tbl.ID, bob.ID, testOptions())

	assert.Equal(t, int64(1), rows.memberHits.Load())
	e, ok := s.Entry(bob.ID)
	require.True(t, ok)
	assert.Equal(t, models.RosterInactive, e.Status)
}

func TestSelfHealingRetriesWhileMissing(t *testing.T) {
	f := newFixture()
	alice, bob := f.player(t, "Alice"), f.player(t, "Bob")
	tbl := f.table(t, alice)

	rows := &flakyRows{MemoryRows: f.rows}
	opts := testOptions()
	Load(context.Background(), rows, tbl.ID, bob.ID, opts)
	assert.Equal(t, int64(opts.HealAttempts), rows.memberHits.Load())
}
