package ports

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/voltgrid/clearing-engine/internal/domain"
	"github.com/voltgrid/clearing-engine/pkg/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientSendBuf  = 256
)

// WSMessage is the envelope every broadcast message is wrapped in
// (spec.md §6 "order_book_update", "order_matched", "order_filled",
// "epoch_transition").
type WSMessage struct {
	Type      string      `json:"type"`
	EpochID   uuid.UUID   `json:"epoch_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub is a broadcast-only WebSocket EventPublisher, grounded on the
// reference stack's internal/terminal.WebSocketManager register/
// unregister/broadcast loop, trimmed of session routing since every
// subscriber here wants the same market-wide feed.
type Hub struct {
	logger     *observability.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]*hubClient
	register   chan *hubClient
	unregister chan *hubClient
	broadcast  chan []byte
	mu         sync.RWMutex
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func NewHub(logger *observability.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]*hubClient),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		broadcast:  make(chan []byte, 256),
	}
}

// Run drives the hub's register/unregister/broadcast loop. Call it once
// from a goroutine before serving HTTP traffic.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn, c := range h.clients {
				close(c.send)
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.conn]; ok {
				delete(h.clients, c.conn)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeHTTP upgrades a request to a WebSocket subscriber of the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(r.Context(), "WebSocket upgrade failed", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, clientSendBuf), hub: h}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (h *Hub) publish(msgType string, epochID uuid.UUID, data interface{}) {
	msg := WSMessage{Type: msgType, EpochID: epochID, Data: data, Timestamp: time.Now().UTC()}
	b, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(context.Background(), "Failed to marshal broadcast message", err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.logger.Warn(context.Background(), "Broadcast channel full, dropping message", map[string]interface{}{"type": msgType})
	}
}

func (h *Hub) PublishBookUpdate(ctx context.Context, epochID uuid.UUID, snapshot interface{}) {
	h.publish("order_book_update", epochID, snapshot)
}

func (h *Hub) PublishEpochTransition(ctx context.Context, epoch *domain.Epoch) {
	data := map[string]interface{}{
		"epoch_number": epoch.EpochNumber,
		"status":       epoch.Status.String(),
	}
	if epoch.ClearingPrice != nil {
		data["clearing_price"] = *epoch.ClearingPrice
	}
	h.publish("epoch_transition", epoch.ID, data)
}

func (h *Hub) PublishMatch(ctx context.Context, match *domain.Match, epochNumber int64) {
	h.publishOrderMatched(match, epochNumber, match.BuyOrderID, match.SellOrderID)
	h.publishOrderMatched(match, epochNumber, match.SellOrderID, match.BuyOrderID)
}

func (h *Hub) publishOrderMatched(match *domain.Match, epochNumber int64, orderID, counterOrderID uuid.UUID) {
	h.publish("order_matched", match.EpochID, map[string]interface{}{
		"order_id":         orderID,
		"counter_order_id": counterOrderID,
		"amount":           match.MatchedAmount.String(),
		"price":            match.MatchPrice.String(),
		"epoch_number":     epochNumber,
	})
}

func (h *Hub) PublishOrderFilled(ctx context.Context, order *domain.Order) {
	h.publish("order_filled", order.EpochID, map[string]interface{}{
		"order_id":     order.ID,
		"total_filled": order.FilledAmount.String(),
		"status":       order.Status.String(),
	})
}

func (c *hubClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
