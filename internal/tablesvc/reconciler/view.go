// Package reconciler keeps a live, render-ready view of one table for one player. Every
// change signal, whatever its source, goes through a single per-view queue and is answered
// with an authoritative re-read; payloads are only trusted for quick local patches.
package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/retry"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("view closed")

type Options struct {
	HealAttempts    int
	HealDelay       time.Duration
	ActivationGrace time.Duration
	SeenTTL         time.Duration
	StepTimeout     time.Duration
	Retry           retry.Policy
	Now             func() time.Time

	// OnChange receives every new state. It runs on the view loop and must not call
	// Refresh or Close.
	OnChange func(State)
	// OnNotice receives the direct notifications the player should see acknowledged.
	OnNotice func(comm.Notification)
}

func DefaultOptions() Options {
	return Options{
		HealAttempts:    6,
		HealDelay:       250 * time.Millisecond,
		ActivationGrace: 800 * time.Millisecond,
		SeenTTL:         5 * time.Minute,
		StepTimeout:     10 * time.Second,
		Retry:           retry.Default(),
		Now:             time.Now,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.HealAttempts <= 0 {
		o.HealAttempts = def.HealAttempts
	}
	if o.HealDelay <= 0 {
		o.HealDelay = def.HealDelay
	}
	if o.ActivationGrace <= 0 {
		o.ActivationGrace = def.ActivationGrace
	}
	if o.SeenTTL <= 0 {
		o.SeenTTL = def.SeenTTL
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = def.StepTimeout
	}
	if o.Retry.Attempts <= 0 {
		o.Retry = def.Retry
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	return o
}

func newLoader(rows gateway.Rows, tableID, playerID string, opts Options) *loader {
	return &loader{
		rows:     rows,
		policy:   opts.Retry,
		tableID:  tableID,
		playerID: playerID,
		timeout:  opts.StepTimeout,
		logger:   log.WithFields(log.Fields{"table_id": tableID, "player_id": playerID}),
	}
}

// Load runs one full refresh without subscribing to anything.
func Load(ctx context.Context, rows gateway.Rows, tableID, playerID string, opts Options) State {
	opts = opts.withDefaults()
	l := newLoader(rows, tableID, playerID, opts)
	d := l.load(ctx, nil)
	l.ensureCurrentPlayerActive(ctx, d, opts.HealAttempts, opts.HealDelay)
	s := d.render(tableID, playerID)
	s.RefreshedAt = opts.Now()
	return s
}

type eventKind int

const (
	evRefresh eventKind = iota
	evMembership
	evJoinRequest
	evBuyIn
	evTable
	evNotice    // user channel
	evAdmin     // admin channel
	evBroadcast // table channel
)

type event struct {
	kind   eventKind
	change models.RowChange
	notice comm.Notification
	done   chan struct{}
}

// View is one live table view. All mutable state below the queue is owned by the loop
// goroutine.
type View struct {
	rows     gateway.Rows
	rt       gateway.Realtime
	tableID  string
	playerID string
	opts     Options
	loader   *loader
	logger   *log.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	subs      []gateway.Subscription

	qmu   sync.Mutex
	queue []event
	wake  chan struct{}

	data     *data
	seen     *seenCache
	reverted map[string]time.Time
	adminSub gateway.Subscription
	version  uint64

	smu   sync.RWMutex
	state State
}

// Open subscribes to every change source of the table and starts the view loop with an
// initial full refresh.
func Open(ctx context.Context, rows gateway.Rows, rt gateway.Realtime, tableID, playerID string, opts Options) (*View, error) {
	opts = opts.withDefaults()
	vctx, cancel := context.WithCancel(ctx)
	v := &View{
		rows:     rows,
		rt:       rt,
		tableID:  tableID,
		playerID: playerID,
		opts:     opts,
		loader:   newLoader(rows, tableID, playerID, opts),
		logger:   log.WithFields(log.Fields{"table_id": tableID, "player_id": playerID}),
		ctx:      vctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		data:     &data{names: map[string]string{}, injected: map[string]bool{}},
		seen:     newSeenCache(opts.SeenTTL, opts.Now),
		reverted: make(map[string]time.Time),
		state:    State{TableID: tableID, PlayerID: playerID},
	}

	rowSources := []struct {
		collection, column string
		kind               eventKind
	}{
		{gateway.Memberships, "table_id", evMembership},
		{gateway.JoinRequests, "table_id", evJoinRequest},
		{gateway.BuyInRequests, "table_id", evBuyIn},
		{gateway.BuyIns, "table_id", evBuyIn},
		{gateway.Tables, "id", evTable},
	}
	for _, src := range rowSources {
		kind := src.kind
		sub, err := rt.SubscribeRows(src.collection, src.column, tableID, func(c models.RowChange) {
			v.enqueue(event{kind: kind, change: c})
		})
		if err != nil {
			v.unsubscribeAll()
			cancel()
			return nil, err
		}
		v.subs = append(v.subs, sub)
	}

	channels := map[string]eventKind{comm.TableChannel(tableID): evBroadcast}
	if playerID != "" {
		channels[comm.UserChannel(playerID)] = evNotice
	}
	for channel, kind := range channels {
		kind := kind
		sub, err := rt.SubscribeChannel(channel, func(n comm.Notification) {
			v.enqueue(event{kind: kind, notice: n})
		})
		if err != nil {
			v.unsubscribeAll()
			cancel()
			return nil, err
		}
		v.subs = append(v.subs, sub)
	}

	go v.run()
	v.enqueue(event{kind: evRefresh})
	return v, nil
}

func (v *View) TableID() string  { return v.tableID }
func (v *View) PlayerID() string { return v.playerID }

// Snapshot returns the latest published state.
func (v *View) Snapshot() State {
	v.smu.RLock()
	defer v.smu.RUnlock()
	return v.state
}

// Refresh queues a full refresh and waits until the loop has run it.
func (v *View) Refresh(ctx context.Context) error {
	done := make(chan struct{})
	if !v.enqueue(event{kind: evRefresh, done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-v.done:
		return ErrClosed
	}
}

// Close releases every subscription and stops the loop.
func (v *View) Close() error {
	v.closeOnce.Do(func() {
		v.unsubscribeAll()
		v.cancel()
		<-v.done
		if v.adminSub != nil {
			_ = v.adminSub.Unsubscribe()
			v.adminSub = nil
		}
	})
	return nil
}

func (v *View) unsubscribeAll() {
	for _, s := range v.subs {
		if err := s.Unsubscribe(); err != nil {
			v.logger.Warnf("unsubscribe: %s", err)
		}
	}
	v.subs = nil
}

func (v *View) enqueue(ev event) bool {
	if v.ctx.Err() != nil {
		return false
	}
	v.qmu.Lock()
	v.queue = append(v.queue, ev)
	v.qmu.Unlock()
	select {
	case v.wake <- struct{}{}:
	default:
	}
	return true
}

func (v *View) pop() (event, bool) {
	v.qmu.Lock()
	defer v.qmu.Unlock()
	if len(v.queue) == 0 {
		return event{}, false
	}
	ev := v.queue[0]
	v.queue = v.queue[1:]
	return ev, true
}

func (v *View) run() {
	defer close(v.done)
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-v.wake:
		}
		for {
			ev, ok := v.pop()
			if !ok {
				break
			}
			if v.ctx.Err() != nil {
				return
			}
			v.handle(ev)
			if ev.done != nil {
				close(ev.done)
			}
		}
	}
}

func (v *View) handle(ev event) {
	switch ev.kind {
	case evRefresh, evBuyIn, evTable:
		v.refresh()
	case evMembership:
		v.onMembership(ev.change)
	case evJoinRequest:
		v.onJoinRequest(ev.change)
	case evNotice:
		v.onNotice(ev.notice)
	case evAdmin:
		v.onAdminNotice(ev.notice)
	case evBroadcast:
		v.onBroadcast(ev.notice)
	}
}

func (v *View) stepCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(v.ctx, v.opts.StepTimeout)
}

func (v *View) refresh() {
	v.data = v.loader.load(v.ctx, v.data)
	v.syncAdminChannel()
	v.publish()
	if v.loader.ensureCurrentPlayerActive(v.ctx, v.data, v.opts.HealAttempts, v.opts.HealDelay) {
		v.publish()
	}
}

func (v *View) publish() {
	s := v.data.render(v.tableID, v.playerID)
	v.version++
	s.Version = v.version
	s.RefreshedAt = v.opts.Now()

	v.smu.Lock()
	v.state = s
	v.smu.Unlock()

	if v.opts.OnChange != nil {
		v.opts.OnChange(s)
	}
}

func (v *View) notify(n comm.Notification) {
	if v.opts.OnNotice != nil {
		v.opts.OnNotice(n)
	}
}

func (v *View) isAdmin() bool {
	id := v.data.adminID()
	return id != "" && id == v.playerID
}

// syncAdminChannel holds the admin channel subscription exactly while the local player
// administers the table.
func (v *View) syncAdminChannel() {
	if v.data.table == nil {
		return
	}
	admin := v.isAdmin()
	switch {
	case admin && v.adminSub == nil:
		sub, err := v.rt.SubscribeChannel(comm.AdminChannel(v.tableID), func(n comm.Notification) {
			v.enqueue(event{kind: evAdmin, notice: n})
		})
		if err != nil {
			v.logger.Errorf("Error [Reconciler.subscribeAdmin] %s", err)
			return
		}
		v.adminSub = sub
	case !admin && v.adminSub != nil:
		_ = v.adminSub.Unsubscribe()
		v.adminSub = nil
	}
}

func (v *View) onMembership(c models.RowChange) {
	cur, err := gateway.DecodeMembership(c.Record)
	if err != nil {
		v.logger.Errorf("Error [Reconciler.decodeMembership] %s", err)
	}
	old, _ := gateway.DecodeMembership(c.Old)
	target := cur
	if target == nil {
		target = old
	}
	if target == nil || (target.TableID != "" && target.TableID != v.tableID) {
		v.refresh()
		return
	}

	v.patchMember(c.Op, target)
	v.publish()

	if c.Op != models.OpDelete && cur != nil && v.isAdmin() && v.spuriousActivation(cur, old) {
		v.revertActivation(cur)
	}
	v.refresh()
}

// patchMember applies a single membership change locally ahead of the full refresh.
func (v *View) patchMember(op string, m *models.Membership) {
	members := make([]*models.Membership, 0, len(v.data.members)+1)
	found := false
	for _, existing := range v.data.members {
		if existing.PlayerID != m.PlayerID {
			members = append(members, existing)
			continue
		}
		found = true
		if op == models.OpDelete {
			continue
		}
		cp := *existing
		cp.Status = m.Status
		members = append(members, &cp)
	}
	if !found && op != models.OpDelete {
		cp := *m
		members = append(members, &cp)
	}
	v.data.members = members

	if m.Status == models.MemberActive {
		joins := make([]*models.JoinRequest, 0, len(v.data.joins))
		for _, jr := range v.data.joins {
			if jr.PlayerID != m.PlayerID {
				joins = append(joins, jr)
			}
		}
		v.data.joins = joins
	}
}

// spuriousActivation reports whether a non-admin player became active without an approved
// join request resolved at the same moment. When the evidence cannot be read the
// activation is left alone.
func (v *View) spuriousActivation(cur, old *models.Membership) bool {
	if cur.Status != models.MemberActive {
		return false
	}
	if old != nil && old.Status != models.MemberInactive {
		return false
	}
	if cur.PlayerID == v.data.adminID() {
		return false
	}

	ctx, cancel := v.stepCtx()
	defer cancel()

	updated := cur.UpdatedAt
	if updated.IsZero() {
		m, err := v.rows.GetMembership(ctx, v.tableID, cur.PlayerID)
		if err != nil {
			v.logger.Errorf("Error [Reconciler.getMembership] %s", err)
			return false
		}
		if m.Status != models.MemberActive {
			return false
		}
		updated = m.UpdatedAt
	}

	var jr *models.JoinRequest
	err := v.opts.Retry.Do(ctx, "latestJoinRequest", func(ctx context.Context) error {
		var err error
		jr, err = v.rows.LatestJoinRequest(ctx, v.tableID, cur.PlayerID)
		return err
	})
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return true
	case err != nil:
		v.logger.Errorf("Error [Reconciler.latestJoinRequest] %s", err)
		return false
	}
	if jr.Status != models.RequestApproved || jr.ResolvedAt == nil {
		return true
	}
	gap := jr.ResolvedAt.Sub(updated)
	if gap < 0 {
		gap = -gap
	}
	return gap > v.opts.ActivationGrace
}

func (v *View) revertActivation(m *models.Membership) {
	logger := v.logger.WithField("member", m.PlayerID)
	logger.Warn("membership activated without an approved join request, reverting")

	ctx, cancel := v.stepCtx()
	defer cancel()

	if _, err := v.rows.SetMembershipStatus(ctx, v.tableID, m.PlayerID, models.MemberInactive); err != nil {
		logger.Errorf("Error [Reconciler.revertMembership] %s", err)
		return
	}
	v.reverted[m.PlayerID] = v.opts.Now()

	if _, err := v.rows.CreateJoinRequest(ctx, v.tableID, m.PlayerID); err != nil {
		logger.Errorf("Error [Reconciler.recreateJoinRequest] %s", err)
	}

	n := comm.Notification{
		Type:     comm.NoticeJoinReverted,
		TableID:  v.tableID,
		PlayerID: m.PlayerID,
		Message:  "Your seat is waiting for the admin's approval again",
	}
	if err := v.rt.Send(comm.UserChannel(m.PlayerID), n); err != nil {
		logger.Errorf("Error [Reconciler.notifyReverted] %s", err)
	}
}

func (v *View) recentlyReverted(playerID string) bool {
	at, ok := v.reverted[playerID]
	if !ok {
		return false
	}
	if v.opts.Now().Sub(at) >= v.opts.SeenTTL {
		delete(v.reverted, playerID)
		return false
	}
	return true
}

func (v *View) onJoinRequest(c models.RowChange) {
	jr, err := gateway.DecodeJoinRequest(c.Record)
	if err != nil {
		v.logger.Errorf("Error [Reconciler.decodeJoinRequest] %s", err)
	}
	if c.Op == models.OpInsert && jr != nil && jr.Status == models.RequestPending &&
		v.isAdmin() && !v.recentlyReverted(jr.PlayerID) && v.approveRejoin(jr) {
		v.refresh()
		return
	}
	v.refreshPendingJoins()
}

// approveRejoin approves a join request from a player who already has a membership row.
// It reports whether the request is no longer pending.
func (v *View) approveRejoin(jr *models.JoinRequest) bool {
	ctx, cancel := v.stepCtx()
	defer cancel()

	if _, err := v.rows.GetMembership(ctx, v.tableID, jr.PlayerID); err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			v.logger.Errorf("Error [Reconciler.getMembership] %s", err)
		}
		return false
	}

	_, err := v.rows.ApproveJoinRequest(ctx, jr.ID)
	switch {
	case errors.Is(err, gateway.ErrAlreadyResolved):
		return true
	case err != nil:
		v.logger.Errorf("Error [Reconciler.approveRejoin] %s", err)
		return false
	}

	n := comm.Notification{
		Type:      comm.NoticeJoinApproved,
		TableID:   v.tableID,
		PlayerID:  jr.PlayerID,
		RequestID: jr.ID,
		Message:   "Welcome back",
	}
	if err := v.rt.Send(comm.UserChannel(jr.PlayerID), n); err != nil {
		v.logger.Errorf("Error [Reconciler.notifyRejoin] %s", err)
	}
	return true
}

func (v *View) refreshPendingJoins() {
	v.data.joins = v.loader.pendingJoins(v.ctx)
	ids := make([]string, 0, len(v.data.joins))
	for _, jr := range v.data.joins {
		ids = append(ids, jr.PlayerID)
	}
	v.loader.resolveNames(v.ctx, v.data.names, ids)
	v.publish()
}

func (v *View) refreshPendingBuyIns() {
	v.data.requests = v.loader.pendingBuyIns(v.ctx)
	ids := make([]string, 0, len(v.data.requests))
	for _, r := range v.data.requests {
		ids = append(ids, r.PlayerID)
	}
	v.loader.resolveNames(v.ctx, v.data.names, ids)
	v.publish()
}

func (v *View) onNotice(n comm.Notification) {
	if n.TableID != "" && n.TableID != v.tableID {
		return
	}
	if !v.seen.first(n.DedupKey()) {
		return
	}
	v.notify(n)
	v.refresh()
}

func (v *View) onAdminNotice(n comm.Notification) {
	if !v.isAdmin() || n.Type != comm.NoticeBuyInRequested {
		return
	}
	if !v.seen.first(n.DedupKey()) {
		return
	}
	v.notify(n)
	v.refreshPendingBuyIns()
}

func (v *View) onBroadcast(n comm.Notification) {
	if !v.seen.first(n.DedupKey()) {
		return
	}
	if n.Type == comm.NoticeTableEnded {
		v.notify(n)
	}
	v.refresh()
}
