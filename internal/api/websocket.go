package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/market"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	clientBufferSz = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the REST surface is already open to all origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvent is the envelope written to websocket clients
type streamEvent struct {
	Type      string      `json:"type"` // "snapshot" | "trade"
	SessionID uuid.UUID   `json:"session_id"`
	Data      interface{} `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan streamEvent
}

// Hub fans executed trades out to the websocket clients watching each
// session's market. Slow clients are dropped rather than back-pressuring
// the trading path.
type Hub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]map[*wsClient]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]map[*wsClient]struct{})}
}

// BroadcastTrade sends a trade to every client watching the session
func (h *Hub) BroadcastTrade(sessionID uuid.UUID, trade market.Trade) {
	h.broadcast(sessionID, streamEvent{Type: "trade", SessionID: sessionID, Data: trade})
}

func (h *Hub) broadcast(sessionID uuid.UUID, event streamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients[sessionID] {
		select {
		case client.send <- event:
		default:
			h.dropLocked(sessionID, client)
		}
	}
}

// Watchers returns the number of clients on a session's stream
func (h *Hub) Watchers(sessionID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[sessionID])
}

func (h *Hub) add(sessionID uuid.UUID, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*wsClient]struct{})
	}
	h.clients[sessionID][client] = struct{}{}
}

func (h *Hub) remove(sessionID uuid.UUID, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sessionID, client)
}

func (h *Hub) dropLocked(sessionID uuid.UUID, client *wsClient) {
	if set, ok := h.clients[sessionID]; ok {
		if _, ok := set[client]; ok {
			delete(set, client)
			close(client.send)
			if len(set) == 0 {
				delete(h.clients, sessionID)
			}
		}
	}
}

// handleMarketStream upgrades the connection and streams the session's
// market activity, starting with a snapshot of the current book
func (s *Server) handleMarketStream(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	book, err := s.markets.Get(sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan streamEvent, clientBufferSz)}
	s.hub.add(sessionID, client)
	client.send <- streamEvent{Type: "snapshot", SessionID: sessionID, Data: book.Snapshot()}

	go s.writePump(sessionID, client)
	go s.readPump(sessionID, client)
}

// writePump drains the send channel to the connection
func (s *Server) writePump(sessionID uuid.UUID, client *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(event); err != nil {
				s.hub.remove(sessionID, client)
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.remove(sessionID, client)
				return
			}
		}
	}
}

// readPump discards inbound frames and detects closes
func (s *Server) readPump(sessionID uuid.UUID, client *wsClient) {
	defer s.hub.remove(sessionID, client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
