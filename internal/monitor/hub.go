// Package monitor serves live views of calibration runs: Prometheus metrics,
// the recorded history and a websocket stream of records.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Record is the websocket message sent for every calibration record.
type Record struct {
	Run       string             `json:"run"`
	Iteration int                `json:"iteration"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`
}

// Hub fans calibration records out to websocket clients. It is a
// runlog.Logger. Slow clients lose records instead of blocking the run.
type Hub struct {
	run string

	mu      sync.RWMutex
	clients map[*client]struct{}
	dropped int
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func NewHub(run string) *Hub {
	return &Hub{run: run, clients: make(map[*client]struct{})}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for full client buffers.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

func (h *Hub) ProcessRecord(_ context.Context, iteration int, metrics map[string]float64) error {
	msg, err := json.Marshal(Record{Run: h.run, Iteration: iteration, Metrics: metrics, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
	return nil
}

// Attach registers conn and pumps messages until the peer goes away.
func (h *Hub) Attach(conn *websocket.Conn) {
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	log.Info().Str("client_id", c.id).Str("remote_addr", conn.RemoteAddr().String()).
		Int("clients", count).Msg("monitor client connected")

	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	log.Info().Str("client_id", c.id).Msg("monitor client disconnected")
}

// readPump discards client messages and keeps the read deadline fresh.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("monitor client read failed")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
