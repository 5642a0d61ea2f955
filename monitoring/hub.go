package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Rafallost/Water-Meters-Segmentation-Autimatization/gate"
)

// EventType identifies a gate event pushed over the WebSocket.
type EventType string

const (
	EventAttemptRecorded EventType = "attempt_recorded"
	EventCycleState      EventType = "cycle_state"
	EventPromotion       EventType = "promotion"
	EventRejection       EventType = "rejection"
	EventHeartbeat       EventType = "heartbeat"
)

// Event is the wire envelope.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AttemptEvent announces a recorded training attempt.
type AttemptEvent struct {
	CycleID   int64          `json:"cycle_id"`
	AttemptID string         `json:"attempt_id"`
	Metrics   gate.MetricSet `json:"metrics"`
}

// CycleStateEvent announces a state transition.
type CycleStateEvent struct {
	CycleID int64  `json:"cycle_id"`
	State   string `json:"state"`
}

// PromotionEvent announces a new production baseline.
type PromotionEvent struct {
	CycleID    int64          `json:"cycle_id"`
	Identifier string         `json:"identifier"`
	Metrics    gate.MetricSet `json:"metrics"`
	Band       gate.Band      `json:"band"`
}

// RejectionEvent announces a cycle where no attempt passed the gate.
type RejectionEvent struct {
	CycleID  int64 `json:"cycle_id"`
	Attempts int   `json:"attempts"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans gate events out to connected WebSocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub creates a hub; call Start in a goroutine.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start runs the hub's select loop until Stop is called.
func (h *Hub) Start() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			log.Printf("gate dashboard connected: %s (total: %d)", c.id, h.ClientCount())

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and disconnects all clients.
func (h *Hub) Stop() {
	h.cancel()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{
		conn: conn,
		send: make(chan []byte, 256),
		id:   fmt.Sprintf("client_%d", time.Now().UnixNano()),
	}
	h.register <- c
	go c.writePump()
	go c.readPump(h)
}

// Publish marshals and broadcasts one event.
func (h *Hub) Publish(eventType EventType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	message, err := json.Marshal(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		log.Printf("gate event queue full, dropping %s", eventType)
	}
	return nil
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket error: %v", err)
			}
			return
		}
	}
}

// GateMonitor pairs the hub with the collector so that every gate event both
// updates a counter and reaches the dashboards.
type GateMonitor struct {
	hub       *Hub
	collector *Collector
}

// NewGateMonitor wires the monitor and starts the hub loop.
func NewGateMonitor(collector *Collector) *GateMonitor {
	m := &GateMonitor{hub: NewHub(), collector: collector}
	go m.hub.Start()
	return m
}

// Hub exposes the WebSocket hub for the HTTP layer.
func (m *GateMonitor) Hub() *Hub {
	return m.hub
}

// Stop shuts the hub down.
func (m *GateMonitor) Stop() {
	m.hub.Stop()
}

// CycleOpened records a new cycle.
func (m *GateMonitor) CycleOpened(cycleID int64) {
	m.collector.IncrCounter(MetricCyclesStarted, 1)
	m.hub.Publish(EventCycleState, CycleStateEvent{CycleID: cycleID, State: "PENDING"})
}

// AttemptRecorded records an attempt arrival.
func (m *GateMonitor) AttemptRecorded(cycleID int64, attempt gate.Attempt) {
	m.collector.IncrCounter(MetricAttemptsRecorded, 1)
	m.hub.Publish(EventAttemptRecorded, AttemptEvent{
		CycleID:   cycleID,
		AttemptID: attempt.ID,
		Metrics:   attempt.Metrics,
	})
}

// CycleState records a plain state transition.
func (m *GateMonitor) CycleState(cycleID int64, state string) {
	m.hub.Publish(EventCycleState, CycleStateEvent{CycleID: cycleID, State: state})
}

// Promoted records a successful promotion.
func (m *GateMonitor) Promoted(cycleID int64, identifier string, metrics gate.MetricSet) {
	m.collector.IncrCounter(MetricPromotions, 1)
	m.hub.Publish(EventPromotion, PromotionEvent{
		CycleID:    cycleID,
		Identifier: identifier,
		Metrics:    metrics,
		Band:       gate.BandFor(metrics["val_dice"]),
	})
}

// Rejected records a cycle with no passing attempt.
func (m *GateMonitor) Rejected(cycleID int64, attempts int) {
	m.collector.IncrCounter(MetricRejections, 1)
	m.hub.Publish(EventRejection, RejectionEvent{CycleID: cycleID, Attempts: attempts})
}

// Heartbeat lets the dashboards distinguish a quiet gate from a dead one.
func (m *GateMonitor) Heartbeat() {
	m.hub.Publish(EventHeartbeat, map[string]string{"status": "alive"})
}
