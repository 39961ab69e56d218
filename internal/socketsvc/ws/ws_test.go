package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/flow"
	"github.com/avvvet/buyin-services/internal/session"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/reconciler"
	"github.com/avvvet/buyin-services/internal/tablesvc/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []comm.WSMessage
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, *v.(*comm.WSMessage))
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) lastFlow() (flow.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Type == MsgFlow {
			st := flow.State{}
			_ = json.Unmarshal(f.msgs[i].Data, &st)
			return st, true
		}
	}
	return flow.State{}, false
}

func (f *fakeConn) lastState() (reconciler.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.msgs) - 1; i >= 0; i-- {
		if f.msgs[i].Type == MsgTableState {
			st := reconciler.State{}
			_ = json.Unmarshal(f.msgs[i].Data, &st)
			return st, true
		}
	}
	return reconciler.State{}, false
}

type hubEnv struct {
	hub    *Ws
	bus    *gateway.MemoryBus
	tables *service.TableService
	admin  *service.AdminService
	flow   *flow.Controller
	store  session.Store
}

func newHubEnv() *hubEnv {
	bus := gateway.NewMemoryBus()
	rows := gateway.NewMemoryRows(bus)
	store := session.NewMemoryStore()
	tables := service.NewTableService(rows, bus, nil)
	fc := flow.NewController(service.NewPlayerService(rows), tables)
	hub := NewWs(rows, bus, store, fc)
	hub.ViewOptions.HealDelay = 5 * time.Millisecond
	hub.ViewOptions.ActivationGrace = 50 * time.Millisecond
	return &hubEnv{
		hub:    hub,
		bus:    bus,
		tables: tables,
		admin:  service.NewAdminService(rows, bus, hub),
		flow:   fc,
		store:  store,
	}
}

func (e *hubEnv) onboard(t *testing.T, sid, name string) *session.Session {
	t.Helper()
	s := session.New(e.store, sid)
	_, err := e.flow.CompleteOnboarding(context.Background(), s, name, "")
	require.NoError(t, err)
	return s
}

func TestConnectWithoutProfile(t *testing.T) {
	e := newHubEnv()
	conn := &fakeConn{}
	e.hub.Connect(context.Background(), "sock-1", "sid-1", conn)

	st, ok := conn.lastFlow()
	require.True(t, ok)
	assert.Equal(t, flow.ScreenOnboarding, st.Screen)
	_, ok = e.hub.GetRoom("sock-1")
	assert.False(t, ok)
}

func TestSeatedSocketGetsTableState(t *testing.T) {
	e := newHubEnv()
	ctx := context.Background()
	s := e.onboard(t, "sid-a", "Alice")
	created, err := e.flow.CreateTable(ctx, s, "Friday")
	require.NoError(t, err)

	conn := &fakeConn{}
	e.hub.Connect(ctx, "sock-a", "sid-a", conn)

	require.Eventually(t, func() bool {
		st, ok := conn.lastState()
		return ok && st.IsAdmin && len(st.Roster) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sockets, found := e.hub.GetRoomSockets(created.Table.ID)
	require.True(t, found)
	assert.Equal(t, []string{"sock-a"}, sockets)

	e.hub.HandleDisconnect("sock-a")
	_, found = e.hub.GetRoomSockets(created.Table.ID)
	assert.False(t, found)
	_, ok := e.hub.GetConnection("sock-a")
	assert.False(t, ok)
}

func TestWaitingSocketMovesOnApproval(t *testing.T) {
	e := newHubEnv()
	ctx := context.Background()
	alice := e.onboard(t, "sid-a", "Alice")
	created, err := e.flow.CreateTable(ctx, alice, "Friday")
	require.NoError(t, err)

	bob := e.onboard(t, "sid-b", "Bob")
	_, err = e.flow.JoinTable(ctx, bob, created.Table.JoinCode)
	require.NoError(t, err)

	conn := &fakeConn{}
	e.hub.Connect(ctx, "sock-b", "sid-b", conn)
	st, ok := conn.lastFlow()
	require.True(t, ok)
	require.Equal(t, flow.ScreenTableSelection, st.Screen)

	res, err := e.tables.JoinByCode(ctx, st.Profile.PlayerID, created.Table.JoinCode)
	require.NoError(t, err)
	_, err = e.admin.ApproveJoin(ctx, created.Table.ID, created.Profile.PlayerID, res.Request.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := conn.lastFlow()
		return ok && st.Screen == flow.ScreenTableView
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := e.hub.GetRoom("sock-b")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshTableReachesEveryView(t *testing.T) {
	e := newHubEnv()
	ctx := context.Background()
	s := e.onboard(t, "sid-a", "Alice")
	created, err := e.flow.CreateTable(ctx, s, "Friday")
	require.NoError(t, err)

	first, second := &fakeConn{}, &fakeConn{}
	e.hub.Connect(ctx, "sock-1", "sid-a", first)
	e.hub.Connect(ctx, "sock-2", "sid-a", second)

	e.hub.RefreshTable(ctx, created.Table.ID)
	for _, conn := range []*fakeConn{first, second} {
		st, ok := conn.lastState()
		require.True(t, ok)
		assert.Equal(t, created.Table.ID, st.TableID)
	}
}

func TestSyncSessionFollowsExit(t *testing.T) {
	e := newHubEnv()
	ctx := context.Background()
	s := e.onboard(t, "sid-a", "Alice")
	_, err := e.flow.CreateTable(ctx, s, "Friday")
	require.NoError(t, err)

	conn := &fakeConn{}
	e.hub.Connect(ctx, "sock-a", "sid-a", conn)
	_, ok := e.hub.GetRoom("sock-a")
	require.True(t, ok)

	_, err = e.flow.ExitTable(ctx, s)
	require.NoError(t, err)
	e.hub.SyncSession(ctx, "sid-a")

	st, ok := conn.lastFlow()
	require.True(t, ok)
	assert.Equal(t, flow.ScreenTableSelection, st.Screen)
	_, ok = e.hub.GetRoom("sock-a")
	assert.False(t, ok)
}

func TestUnknownSocketMessageIsIgnored(t *testing.T) {
	e := newHubEnv()
	conn := &fakeConn{}
	e.hub.Connect(context.Background(), "sock-1", "sid-1", conn)
	e.hub.SocketMessage("sock-1", &comm.WSMessage{Type: "bogus"})
	e.hub.SocketMessage("missing", &comm.WSMessage{Type: "sync"})
	e.hub.SocketMessage("sock-1", &comm.WSMessage{Type: "refresh"})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.msgs, 2)
	assert.Equal(t, MsgError, conn.msgs[1].Type)
}
