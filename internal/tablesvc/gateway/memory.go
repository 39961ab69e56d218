package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/tablesvc/models"
	"github.com/google/uuid"
)

// MemoryRows is an in-process Rows implementation with the same constraints as the
// Postgres schema. Every write is reported to the attached bus as a row change, the way the
// database triggers feed the relay.
type MemoryRows struct {
	mu       sync.Mutex
	players  map[string]*models.Player
	tables   map[string]*models.Table
	members  map[string]*models.Membership // key: table_id/player_id
	joins    map[string]*models.JoinRequest
	requests map[string]*models.BuyInRequest
	ledger   []*models.BuyIn
	bus      *MemoryBus
	now      func() time.Time
}

func NewMemoryRows(bus *MemoryBus) *MemoryRows {
	return &MemoryRows{
		players:  make(map[string]*models.Player),
		tables:   make(map[string]*models.Table),
		members:  make(map[string]*models.Membership),
		joins:    make(map[string]*models.JoinRequest),
		requests: make(map[string]*models.BuyInRequest),
		bus:      bus,
		now:      time.Now,
	}
}

func memberKey(tableID, playerID string) string { return tableID + "/" + playerID }

func (m *MemoryRows) emit(changes []models.RowChange) {
	if m.bus == nil {
		return
	}
	for _, c := range changes {
		m.bus.PublishRow(c)
	}
}

func change(collection, op string, record, old any) models.RowChange {
	return models.RowChange{Collection: collection, Op: op, Record: EncodeRow(record), Old: EncodeRow(old)}
}

func (m *MemoryRows) CreatePlayer(_ context.Context, p models.Player) (*models.Player, error) {
	m.mu.Lock()
	for _, existing := range m.players {
		if strings.EqualFold(existing.Name, p.Name) {
			m.mu.Unlock()
			return nil, ErrNameTaken
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = m.now()
	cp := p
	m.players[p.ID] = &cp
	m.mu.Unlock()

	m.emit([]models.RowChange{change(Players, models.OpInsert, cp, nil)})
	out := cp
	return &out, nil
}

func (m *MemoryRows) GetPlayer(_ context.Context, id string) (*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryRows) GetPlayers(_ context.Context, ids []string) (map[string]*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.Player, len(ids))
	for _, id := range ids {
		if p, ok := m.players[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (m *MemoryRows) CreateTable(_ context.Context, t models.Table) (*models.Table, error) {
	m.mu.Lock()
	for _, existing := range m.tables {
		if existing.Status == models.TableActive && existing.JoinCode == t.JoinCode {
			m.mu.Unlock()
			return nil, ErrCodeTaken
		}
	}
	now := m.now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = models.TableActive
	t.CreatedAt, t.UpdatedAt = now, now
	ct := t
	m.tables[t.ID] = &ct

	var changes []models.RowChange
	changes = append(changes, change(Tables, models.OpInsert, ct, nil))
	if t.AdminPlayerID != "" {
		ms := &models.Membership{
			ID: uuid.New().String(), TableID: t.ID, PlayerID: t.AdminPlayerID,
			Status: models.MemberActive, CreatedAt: now, UpdatedAt: now,
		}
		m.members[memberKey(t.ID, t.AdminPlayerID)] = ms
		changes = append(changes, change(Memberships, models.OpInsert, *ms, nil))
	}
	m.mu.Unlock()

	m.emit(changes)
	out := ct
	return &out, nil
}

func (m *MemoryRows) GetTable(_ context.Context, id string) (*models.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *MemoryRows) GetActiveTableByCode(_ context.Context, code string) (*models.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tables {
		if t.Status == models.TableActive && t.JoinCode == code {
			out := *t
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRows) EndTable(_ context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tables[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	old := *t
	t.Status = models.TableEnded
	t.UpdatedAt = m.now()
	cur := *t
	m.mu.Unlock()

	m.emit([]models.RowChange{change(Tables, models.OpUpdate, cur, old)})
	return nil
}

func (m *MemoryRows) ListMembers(_ context.Context, tableID string) ([]*models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Membership
	for _, ms := range m.members {
		if ms.TableID == tableID {
			cp := *ms
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRows) GetMembership(_ context.Context, tableID, playerID string) (*models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.members[memberKey(tableID, playerID)]
	if !ok {
		return nil, ErrNotFound
	}
	out := *ms
	return &out, nil
}

// upsertMemberLocked must be called with m.mu held.
func (m *MemoryRows) upsertMemberLocked(tableID, playerID, status string, now time.Time) (models.Membership, models.RowChange) {
	key := memberKey(tableID, playerID)
	if ms, ok := m.members[key]; ok {
		old := *ms
		ms.Status = status
		ms.UpdatedAt = now
		return *ms, change(Memberships, models.OpUpdate, *ms, old)
	}
	ms := &models.Membership{
		ID: uuid.New().String(), TableID: tableID, PlayerID: playerID,
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
	m.members[key] = ms
	return *ms, change(Memberships, models.OpInsert, *ms, nil)
}

func (m *MemoryRows) SetMembershipStatus(_ context.Context, tableID, playerID, status string) (*models.Membership, error) {
	m.mu.Lock()
	if _, ok := m.tables[tableID]; !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	ms, c := m.upsertMemberLocked(tableID, playerID, status, m.now())
	m.mu.Unlock()

	m.emit([]models.RowChange{c})
	return &ms, nil
}

func (m *MemoryRows) CreateJoinRequest(_ context.Context, tableID, playerID string) (*models.JoinRequest, error) {
	m.mu.Lock()
	if _, ok := m.tables[tableID]; !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	for _, jr := range m.joins {
		if jr.TableID == tableID && jr.PlayerID == playerID && jr.Status == models.RequestPending {
			out := *jr
			m.mu.Unlock()
			return &out, nil
		}
	}
	jr := &models.JoinRequest{
		ID: uuid.New().String(), TableID: tableID, PlayerID: playerID,
		Status: models.RequestPending, CreatedAt: m.now(),
	}
	m.joins[jr.ID] = jr
	cp := *jr
	m.mu.Unlock()

	m.emit([]models.RowChange{change(JoinRequests, models.OpInsert, cp, nil)})
	return &cp, nil
}

func (m *MemoryRows) GetJoinRequest(_ context.Context, id string) (*models.JoinRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jr, ok := m.joins[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *jr
	return &out, nil
}

func (m *MemoryRows) LatestJoinRequest(_ context.Context, tableID, playerID string) (*models.JoinRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.JoinRequest
	for _, jr := range m.joins {
		if jr.TableID != tableID || jr.PlayerID != playerID {
			continue
		}
		if latest == nil || jr.CreatedAt.After(latest.CreatedAt) {
			latest = jr
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *MemoryRows) ListPendingJoinRequests(_ context.Context, tableID string) ([]*models.JoinRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.JoinRequest
	for _, jr := range m.joins {
		if jr.TableID == tableID && jr.Status == models.RequestPending {
			cp := *jr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRows) resolveJoinLocked(id, status string, now time.Time) (*models.JoinRequest, models.RowChange, error) {
	jr, ok := m.joins[id]
	if !ok {
		return nil, models.RowChange{}, ErrNotFound
	}
	if jr.Status != models.RequestPending {
		return nil, models.RowChange{}, ErrAlreadyResolved
	}
	old := *jr
	jr.Status = status
	jr.ResolvedAt = &now
	cp := *jr
	return &cp, change(JoinRequests, models.OpUpdate, cp, old), nil
}

func (m *MemoryRows) ApproveJoinRequest(_ context.Context, id string) (*models.Membership, error) {
	m.mu.Lock()
	now := m.now()
	jr, jc, err := m.resolveJoinLocked(id, models.RequestApproved, now)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ms, mc := m.upsertMemberLocked(jr.TableID, jr.PlayerID, models.MemberActive, now)
	m.mu.Unlock()

	m.emit([]models.RowChange{jc, mc})
	return &ms, nil
}

func (m *MemoryRows) RejectJoinRequest(_ context.Context, id string) (*models.JoinRequest, error) {
	m.mu.Lock()
	jr, c, err := m.resolveJoinLocked(id, models.RequestRejected, m.now())
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.emit([]models.RowChange{c})
	return jr, nil
}

func (m *MemoryRows) CreateBuyInRequest(_ context.Context, r models.BuyInRequest) (*models.BuyInRequest, error) {
	m.mu.Lock()
	if _, ok := m.tables[r.TableID]; !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.Status = models.RequestPending
	r.CreatedAt = m.now()
	r.ResolvedAt = nil
	cp := r
	m.requests[r.ID] = &cp
	m.mu.Unlock()

	m.emit([]models.RowChange{change(BuyInRequests, models.OpInsert, cp, nil)})
	out := cp
	return &out, nil
}

func (m *MemoryRows) GetBuyInRequest(_ context.Context, id string) (*models.BuyInRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *r
	return &out, nil
}

func (m *MemoryRows) ListPendingBuyInRequests(_ context.Context, tableID string) ([]*models.BuyInRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BuyInRequest
	for _, r := range m.requests {
		if r.TableID == tableID && r.Status == models.RequestPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRows) resolveBuyInLocked(id, status string, now time.Time) (*models.BuyInRequest, models.RowChange, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, models.RowChange{}, ErrNotFound
	}
	if r.Status != models.RequestPending {
		return nil, models.RowChange{}, ErrAlreadyResolved
	}
	old := *r
	r.Status = status
	r.ResolvedAt = &now
	cp := *r
	return &cp, change(BuyInRequests, models.OpUpdate, cp, old), nil
}

func (m *MemoryRows) ApproveBuyInRequest(_ context.Context, id string) (*models.BuyIn, error) {
	m.mu.Lock()
	now := m.now()
	r, rc, err := m.resolveBuyInLocked(id, models.RequestApproved, now)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	b := &models.BuyIn{
		ID: uuid.New().String(), TableID: r.TableID, PlayerID: r.PlayerID,
		RequestID: r.ID, Amount: r.Amount, CreatedAt: now,
	}
	m.ledger = append(m.ledger, b)
	cp := *b
	m.mu.Unlock()

	m.emit([]models.RowChange{rc, change(BuyIns, models.OpInsert, cp, nil)})
	return &cp, nil
}

func (m *MemoryRows) RejectBuyInRequest(_ context.Context, id string) (*models.BuyInRequest, error) {
	m.mu.Lock()
	r, c, err := m.resolveBuyInLocked(id, models.RequestRejected, m.now())
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.emit([]models.RowChange{c})
	return r, nil
}

func (m *MemoryRows) ListBuyIns(_ context.Context, tableID string) ([]*models.BuyIn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BuyIn
	for i := len(m.ledger) - 1; i >= 0; i-- {
		if m.ledger[i].TableID == tableID {
			cp := *m.ledger[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryBus is an in-process Realtime implementation. Each subscription gets its own
// ordered delivery goroutine, so publishers never block on slow handlers.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySub]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	fn      func([]byte)

	mu     sync.Mutex
	queue  [][]byte
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.closed:
				return
			default:
			}
			s.fn(msg)
		}
	}
}

func (s *memorySub) deliver(msg []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.subject], s)
		s.bus.mu.Unlock()
		close(s.closed)
	})
	return nil
}

func (b *MemoryBus) subscribe(subject string, fn func([]byte)) *memorySub {
	s := &memorySub{
		bus:     b,
		subject: subject,
		fn:      fn,
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*memorySub]struct{})
	}
	b.subs[subject][s] = struct{}{}
	b.mu.Unlock()
	go s.run()
	return s
}

func (b *MemoryBus) publish(subject string, msg []byte) {
	b.mu.Lock()
	targets := make([]*memorySub, 0, len(b.subs[subject]))
	for s := range b.subs[subject] {
		targets = append(targets, s)
	}
	b.mu.Unlock()
	for _, s := range targets {
		s.deliver(msg)
	}
}

// PublishRow fans a row change out to every filter subject it matches.
func (b *MemoryBus) PublishRow(c models.RowChange) {
	payload := EncodeRow(c)
	values := FilterValues(c)
	for _, col := range FilterColumns(c.Collection) {
		if v, ok := values[col]; ok {
			b.publish(RowSubject(c.Collection, col, v), payload)
		}
	}
}

func (b *MemoryBus) SubscribeRows(collection, column, value string, fn func(models.RowChange)) (Subscription, error) {
	return b.subscribe(RowSubject(collection, column, value), func(raw []byte) {
		var c models.RowChange
		if err := json.Unmarshal(raw, &c); err != nil {
			return
		}
		fn(c)
	}), nil
}

func (b *MemoryBus) SubscribeChannel(channel string, fn func(comm.Notification)) (Subscription, error) {
	return b.subscribe("channel."+channel, func(raw []byte) {
		var n comm.Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return
		}
		fn(n)
	}), nil
}

func (b *MemoryBus) Send(channel string, n comm.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	b.publish("channel."+channel, EncodeRow(n))
	return nil
}
