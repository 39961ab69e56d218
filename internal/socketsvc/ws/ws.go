package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/flow"
	"github.com/avvvet/buyin-services/internal/session"
	"github.com/avvvet/buyin-services/internal/tablesvc/gateway"
	"github.com/avvvet/buyin-services/internal/tablesvc/reconciler"
	log "github.com/sirupsen/logrus"
)

// Message types pushed to web clients.
const (
	MsgFlow       = "flow"
	MsgTableState = "table-state"
	MsgNotice     = "notice"
	MsgError      = "error"
)

// Conn is the part of *websocket.Conn the hub writes through.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type Ws struct {
	connMap sync.Map // to keep track of socket connection with socketId
	roomMap sync.Map // to keep track of tableId with socketId

	rows     gateway.Rows
	rt       gateway.Realtime
	sessions session.Store
	flow     *flow.Controller

	// ViewOptions is the template for every view the hub opens.
	ViewOptions   reconciler.Options
	NoticeTimeout time.Duration
}

// client is one socket. view and the waiting subscription are guarded by mu; writes to
// the connection by wmu.
type client struct {
	id   string
	sid  string
	conn Conn
	sess *session.Session

	wmu sync.Mutex

	mu         sync.Mutex
	closed     bool
	view       *reconciler.View
	waitSub    gateway.Subscription
	waitPlayer string
}

func NewWs(rows gateway.Rows, rt gateway.Realtime, sessions session.Store, fc *flow.Controller) *Ws {
	return &Ws{
		rows:          rows,
		rt:            rt,
		sessions:      sessions,
		flow:          fc,
		ViewOptions:   reconciler.DefaultOptions(),
		NoticeTimeout: 10 * time.Second,
	}
}

// Connect registers a socket for the browser session sid and pushes its first state.
func (s *Ws) Connect(ctx context.Context, socketId, sid string, conn Conn) {
	c := &client{id: socketId, sid: sid, conn: conn, sess: session.New(s.sessions, sid)}
	s.storeConnection(socketId, c)
	s.sync(ctx, c)
}

// handle socket message from web clients
func (s *Ws) SocketMessage(socketId string, message *comm.WSMessage) {
	c, ok := s.client(socketId)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.NoticeTimeout)
	defer cancel()

	switch message.Type {
	case "init", "sync":
		s.sync(ctx, c)
	case "refresh":
		s.handleRefresh(ctx, c)
	default:
		log.Warnf("unknown event received: %s", message.Type)
	}
}

func (s *Ws) handleRefresh(ctx context.Context, c *client) {
	c.mu.Lock()
	v := c.view
	c.mu.Unlock()
	if v == nil {
		c.send(MsgError, comm.Res{Status: false, Message: "no table selected"})
		return
	}
	if err := v.Refresh(ctx); err != nil {
		log.Errorf("Error [Ws.refresh] socket %s: %s", c.id, err)
	}
}

// HandleDisconnect drops the socket and releases its subscriptions.
func (s *Ws) HandleDisconnect(socketId string) {
	c, ok := s.client(socketId)
	if !ok {
		return
	}
	s.connMap.Delete(socketId)
	s.roomMap.Delete(socketId)

	c.mu.Lock()
	c.closed = true
	s.detachLocked(c)
	c.mu.Unlock()
}

// SyncSession re-derives the screen of every socket of the browser session sid.
func (s *Ws) SyncSession(ctx context.Context, sid string) {
	s.connMap.Range(func(_, value any) bool {
		c := value.(*client)
		if c.sid == sid {
			s.sync(ctx, c)
		}
		return true
	})
}

// RefreshTable runs a full refresh on every view of tableID held by this hub.
func (s *Ws) RefreshTable(ctx context.Context, tableID string) {
	sockets, _ := s.GetRoomSockets(tableID)
	for _, id := range sockets {
		c, ok := s.client(id)
		if !ok {
			continue
		}
		c.mu.Lock()
		v := c.view
		c.mu.Unlock()
		if v == nil {
			continue
		}
		if err := v.Refresh(ctx); err != nil {
			log.WithField("table_id", tableID).Warnf("refresh socket %s: %s", id, err)
		}
	}
}

func (s *Ws) sync(ctx context.Context, c *client) {
	st, err := s.flow.Current(ctx, c.sess)
	if err != nil {
		log.Errorf("Error [Ws.sync] socket %s: %s", c.id, err)
		c.send(MsgError, comm.Res{Status: false, Message: "session unavailable"})
		return
	}
	c.send(MsgFlow, st)
	s.attach(c, st)
}

// attach makes the socket's subscriptions match st: a view while on the table, a listener
// on the player's channel while a join request is waiting.
func (s *Ws) attach(c *client, st flow.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	var tableID, playerID string
	if st.Profile != nil {
		playerID = st.Profile.PlayerID
	}
	if st.Screen == flow.ScreenTableView && st.Table != nil {
		tableID = st.Table.ID
	}

	if c.view != nil && (c.view.TableID() != tableID || c.view.PlayerID() != playerID) {
		s.closeViewLocked(c)
	}
	if tableID != "" && c.view == nil {
		opts := s.ViewOptions
		opts.OnChange = func(state reconciler.State) { c.send(MsgTableState, state) }
		opts.OnNotice = func(n comm.Notification) { go s.onNotice(c, n) }
		v, err := reconciler.Open(context.Background(), s.rows, s.rt, tableID, playerID, opts)
		if err != nil {
			log.WithField("table_id", tableID).Errorf("Error [Ws.attach] open view: %s", err)
			c.send(MsgError, comm.Res{Status: false, Message: "table view unavailable"})
		} else {
			c.view = v
			s.StoreRoom(c.id, tableID)
		}
	}

	waitFor := ""
	if st.Screen == flow.ScreenTableSelection && st.PendingTable != nil {
		waitFor = playerID
	}
	if c.waitSub != nil && c.waitPlayer != waitFor {
		s.stopWaitingLocked(c)
	}
	if waitFor != "" && c.waitSub == nil {
		sub, err := s.rt.SubscribeChannel(comm.UserChannel(waitFor), func(n comm.Notification) {
			go s.onNotice(c, n)
		})
		if err != nil {
			log.WithField("player_id", waitFor).Errorf("Error [Ws.attach] subscribe: %s", err)
			return
		}
		c.waitSub = sub
		c.waitPlayer = waitFor
	}
}

func (s *Ws) onNotice(c *client, n comm.Notification) {
	c.send(MsgNotice, n)

	ctx, cancel := context.WithTimeout(context.Background(), s.NoticeTimeout)
	defer cancel()
	_, changed, err := s.flow.OnNotification(ctx, c.sess, n)
	if err != nil {
		log.Errorf("Error [Ws.onNotice] socket %s: %s", c.id, err)
		return
	}
	if changed {
		s.SyncSession(ctx, c.sid)
	}
}

// SendError writes an error message to one socket.
func (s *Ws) SendError(socketId, message string) {
	if c, ok := s.client(socketId); ok {
		c.send(MsgError, comm.Res{Status: false, Message: message})
	}
}

func (s *Ws) detachLocked(c *client) {
	s.closeViewLocked(c)
	s.stopWaitingLocked(c)
}

func (s *Ws) closeViewLocked(c *client) {
	if c.view == nil {
		return
	}
	_ = c.view.Close()
	c.view = nil
	s.roomMap.Delete(c.id)
}

func (s *Ws) stopWaitingLocked(c *client) {
	if c.waitSub == nil {
		return
	}
	if err := c.waitSub.Unsubscribe(); err != nil {
		log.Warnf("unsubscribe waiting socket %s: %s", c.id, err)
	}
	c.waitSub = nil
	c.waitPlayer = ""
}

func (c *client) send(typ string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Failed to marshal %s for socket %s: %v", typ, c.id, err)
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteJSON(&comm.WSMessage{Type: typ, Data: data, SocketId: c.id}); err != nil {
		log.Errorf("Failed to write %s to socket %s: %v", typ, c.id, err)
	}
}

func (s *Ws) storeConnection(socketId string, c *client) {
	s.connMap.Store(socketId, c)
}

func (s *Ws) client(socketId string) (*client, bool) {
	c, ok := s.connMap.Load(socketId)
	if !ok {
		return nil, false
	}
	return c.(*client), true
}

func (s *Ws) GetConnection(socketId string) (Conn, bool) {
	c, ok := s.client(socketId)
	if !ok {
		return nil, false
	}
	return c.conn, true
}

func (s *Ws) StoreRoom(socketId string, roomId string) {
	s.roomMap.Store(socketId, roomId)
}

func (s *Ws) GetRoom(socketId string) (string, bool) {
	room, ok := s.roomMap.Load(socketId)
	if !ok {
		return "", false
	}
	return room.(string), true
}

func (s *Ws) GetRoomSockets(roomId string) ([]string, bool) {
	var sockets []string
	found := false

	s.roomMap.Range(func(key, value interface{}) bool {
		if value.(string) == roomId {
			sockets = append(sockets, key.(string))
			found = true
		}
		return true // continue iterating
	})

	return sockets, found
}
