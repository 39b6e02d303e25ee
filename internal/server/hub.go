// Package server provides the live status feed of a pipeline run over
// HTTP and WebSocket.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/simpipe/simpipe/internal/eventlog"
)

// clientBuffer is the number of queued messages per feed client.
const clientBuffer = 64

// Status is the current view of the run.
type Status struct {
	RunID       string    `json:"run_id,omitempty"`
	ServerState string    `json:"server_state,omitempty"`
	Stage       string    `json:"stage,omitempty"`
	StageIndex  int       `json:"stage_index"`
	Frames      int       `json:"frames"`
	Video       string    `json:"video,omitempty"`
	Finished    bool      `json:"finished"`
	ExitCode    int       `json:"exit_code"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type client struct {
	send chan any
	conn WebSocketConn
}

// Hub tracks the run status from published events and broadcasts every
// event to connected WebSocket clients.
type Hub struct {
	eventLog string

	mu      sync.Mutex
	status  Status
	clients map[*client]struct{}
}

// NewHub returns a Hub. When eventLog is set, /api/events serves its tail.
func NewHub(eventLog string) *Hub {
	return &Hub{
		eventLog: eventLog,
		status:   Status{StageIndex: -1},
		clients:  make(map[*client]struct{}),
	}
}

// Publish implements eventlog.Publisher.
func (h *Hub) Publish(e *eventlog.Event) {
	h.mu.Lock()
	h.apply(e)
	status := h.status
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	msg := map[string]any{"type": "event", "event": e, "status": status}
	for _, c := range clients {
		trySend(c.send, string(e.Type), msg)
	}
}

// apply must be called with mu held.
func (h *Hub) apply(e *eventlog.Event) {
	h.status.UpdatedAt = e.Timestamp
	if e.RunID != "" {
		h.status.RunID = e.RunID
	}

	switch d := e.Details.(type) {
	case *eventlog.ServerDetails:
		if d.State != "" {
			h.status.ServerState = d.State
		}
	case *eventlog.StageDetails:
		if e.Type == eventlog.StageStarted {
			h.status.Stage = d.Name
			h.status.StageIndex = d.Index
		}
	case *eventlog.FrameDetails:
		h.status.Frames = d.Frames
	case *eventlog.VideoDetails:
		if e.Type == eventlog.VideoCreated {
			h.status.Video = d.Output
		}
	case *eventlog.RunDetails:
		if e.Type == eventlog.RunFinished {
			h.status.Finished = true
			h.status.ExitCode = d.ExitCode
		}
	}
}

// Status returns a snapshot of the run status.
func (h *Hub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Clients returns the number of connected feed clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseClients disconnects every feed client.
func (h *Hub) CloseClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}
}

// Handler returns the HTTP routes of the feed.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.handleWebSocket)
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/events", h.handleEvents)
	return mux
}

func (h *Hub) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Status())
}

func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.eventLog == "" {
		http.Error(w, "event log not configured", http.StatusNotFound)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	filter := eventlog.TypeFilter(r.URL.Query().Get("filter"))

	events, more, err := eventlog.ReadLast(h.eventLog, limit, offset, filter)
	if err != nil {
		slog.Error("failed to read event log", "path", h.eventLog, "error", err)
		http.Error(w, "failed to read event log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "has_more": more})
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{send: make(chan any, clientBuffer), conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	c.send <- map[string]any{"type": "status", "status": h.status}
	h.mu.Unlock()

	done := make(chan struct{})
	go runWriter(conn, c.send, done)
	h.runReader(conn, c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(done)
}

// runWriter is the only goroutine writing to conn.
func runWriter(conn WebSocketConn, send <-chan any, done <-chan struct{}) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for {
		select {
		case <-done:
			return
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// runReader serves client commands until the connection fails.
func (h *Hub) runReader(conn WebSocketConn, c *client) {
	for {
		var cmd WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "status":
			trySend(c.send, cmd.Type, map[string]any{"type": "status", "status": h.Status()})
		default:
			trySend(c.send, cmd.Type, map[string]any{
				"type":    cmd.Type + "_result",
				"success": false,
				"error":   "unknown command",
			})
		}
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write JSON response", "error", err)
	}
}
