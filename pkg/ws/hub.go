// Package ws provides a WebSocket hub that pushes run progress to
// subscribed clients. Notifications are one-way and best-effort: a failed
// or missing subscriber never affects pipeline execution.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optiq/pkg/logx"
	"optiq/pkg/run"
)

const writeTimeout = 5 * time.Second

// Message is the wire format pushed to clients.
type Message struct {
	Payload   any       `json:"payload,omitempty"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Agent     string    `json:"agent,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message types.
const (
	TypeAgentUpdate = "agent_update"
	TypeRunStatus   = "run_status"
)

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// Hub tracks per-run subscriptions and fans progress messages out to them.
type Hub struct {
	mu       sync.RWMutex
	byRun    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *logx.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		byRun:  make(map[string]map[*client]struct{}),
		logger: logx.NewLogger("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Subscribe upgrades the HTTP connection and registers it for runID
// updates. The connection is held open until the client disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, runID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{conn: conn}
	h.add(runID, c)
	h.logger.Debug("client subscribed to run %s", runID)

	// Reader loop exists only to detect disconnects; clients never send.
	go func() {
		defer func() {
			h.remove(runID, c)
			_ = conn.Close()
			h.logger.Debug("client unsubscribed from run %s", runID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}

func (h *Hub) add(runID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byRun[runID] == nil {
		h.byRun[runID] = make(map[*client]struct{})
	}
	h.byRun[runID][c] = struct{}{}
}

func (h *Hub) remove(runID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byRun[runID], c)
	if len(h.byRun[runID]) == 0 {
		delete(h.byRun, runID)
	}
}

// SubscriberCount returns how many clients follow runID.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byRun[runID])
}

func (h *Hub) broadcast(runID string, msg *Message) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.byRun[runID]))
	for c := range h.byRun[runID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			// Send failures are logged and swallowed; the reader loop
			// will clean up the dead connection.
			h.logger.Warn("failed to push %s for run %s: %v", msg.Type, runID, err)
		}
	}
}

// SendAgentUpdate notifies subscribers that an agent produced a result.
func (h *Hub) SendAgentUpdate(runID, agent string, result *run.StepResult) {
	status := "completed"
	if result != nil && !result.Success {
		status = "failed"
	}
	h.broadcast(runID, &Message{
		Type:      TypeAgentUpdate,
		RunID:     runID,
		Agent:     agent,
		Status:    status,
		Payload:   result,
		Timestamp: time.Now().UTC(),
	})
}

// SendRunStatus notifies subscribers of a run lifecycle change.
func (h *Hub) SendRunStatus(runID string, status run.Status, state *run.State) {
	h.broadcast(runID, &Message{
		Type:      TypeRunStatus,
		RunID:     runID,
		Status:    string(status),
		Payload:   state,
		Timestamp: time.Now().UTC(),
	})
}
