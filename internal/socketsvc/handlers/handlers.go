package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/avvvet/buyin-services/internal/comm"
	"github.com/avvvet/buyin-services/internal/socketsvc/ws"
	"github.com/go-chi/jwtauth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	upgrader websocket.Upgrader
	ws       *ws.Ws
}

func NewHandler(s *ws.Ws, allowed func(r *http.Request) bool) *Handler {
	if allowed == nil {
		allowed = func(r *http.Request) bool { return true }
	}
	h := &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowed,
		},
		ws: s,
	}
	return h
}

// HandleWebSocket upgrades an authenticated browser session and hands the socket to the hub.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	_, claims, err := jwtauth.FromContext(r.Context())
	sid, _ := claims["sid"].(string)
	if err != nil || sid == "" {
		http.Error(w, "missing session", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	socketId := uuid.New().String()
	log.Infof("New WebSocket connection established: %s", socketId)

	go h.handleConnection(conn, socketId, sid)
}

func (h *Handler) handleConnection(conn *websocket.Conn, socketId, sid string) {
	// Ensure cleanup happens when connection closes
	defer func() {
		log.Infof("Closing WebSocket connection: %s", socketId)
		h.ws.HandleDisconnect(socketId)
		conn.Close()
	}()

	h.ws.Connect(context.Background(), socketId, sid, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Check if it's a normal close or unexpected error
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("WebSocket unexpected close error for socket %s: %v", socketId, err)
			} else {
				log.Infof("WebSocket connection closed normally for socket: %s", socketId)
			}
			break
		}

		message := &comm.WSMessage{}
		if err := json.Unmarshal(raw, &message); err != nil {
			log.Errorf("Failed to unmarshal message from socket %s: %v", socketId, err)
			h.sendErrorToClient(socketId, "Invalid message format")
			continue
		}

		log.Debugf("Received message from socket %s: type=%s", socketId, message.Type)
		h.ws.SocketMessage(socketId, message)
	}
}

// sendErrorToClient goes through the hub so it never races the hub's own writes.
func (h *Handler) sendErrorToClient(socketId, errorMsg string) {
	h.ws.SendError(socketId, errorMsg)
}
