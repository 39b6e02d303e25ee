package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/simpipe/simpipe/internal/eventlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"http://192.168.1.20", true},
		{"http://status.example.com", true},
		{"https://evil.example.org", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://status.example.com:8080/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(r), tt.origin)
	}
}

func TestHubTracksStatus(t *testing.T) {
	h := NewHub("")
	bus := eventlog.NewBus("run-1", h)

	bus.Emit(eventlog.ServerState, "", &eventlog.ServerDetails{State: "ready"})
	bus.Emit(eventlog.StageStarted, "", &eventlog.StageDetails{Index: 3, Name: "replay"})
	bus.Emit(eventlog.FrameProgress, "", &eventlog.FrameDetails{Frames: 40})
	bus.Emit(eventlog.VideoCreated, "", &eventlog.VideoDetails{Output: "videos/test_follow.mp4"})
	bus.Emit(eventlog.RunFinished, "", &eventlog.RunDetails{ExitCode: 0})

	s := h.Status()
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, "ready", s.ServerState)
	assert.Equal(t, "replay", s.Stage)
	assert.Equal(t, 3, s.StageIndex)
	assert.Equal(t, 40, s.Frames)
	assert.Equal(t, "videos/test_follow.mp4", s.Video)
	assert.True(t, s.Finished)
}

func TestWebSocketFeed(t *testing.T) {
	h := NewHub("")
	srv, err := Start("127.0.0.1:0", h)
	require.NoError(t, err)
	defer func() { require.NoError(t, srv.Shutdown(context.Background())) }()

	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "status", hello["type"])

	require.Eventually(t, func() bool { return h.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)
	eventlog.NewBus("run-1", h).Emit(eventlog.StageStarted, "", &eventlog.StageDetails{Name: "record"})

	var msg struct {
		Type  string         `json:"type"`
		Event eventlog.Event `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, eventlog.StageStarted, msg.Event.Type)

	require.NoError(t, conn.WriteJSON(WSCommand{Type: "bogus"}))
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "bogus_result", reply["type"])
	assert.Equal(t, false, reply["success"])
}

func TestStatusAndEventsEndpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := eventlog.NewLogger(path)
	require.NoError(t, err)

	h := NewHub(path)
	bus := eventlog.NewBus("run-7", l, h)
	bus.Emit(eventlog.RunStarted, "", &eventlog.RunDetails{Mode: "follow"})
	bus.Emit(eventlog.ServerLaunched, "", &eventlog.ServerDetails{PID: 1})
	require.NoError(t, l.Close())

	ts := httptest.NewServer(h.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "run-7", status.RunID)

	resp, err = http.Get(ts.URL + "/api/events?limit=1&filter=server")
	require.NoError(t, err)
	var page struct {
		Events  []eventlog.Event `json:"events"`
		HasMore bool             `json:"has_more"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.NoError(t, resp.Body.Close())
	require.Len(t, page.Events, 1)
	assert.Equal(t, eventlog.ServerLaunched, page.Events[0].Type)
	assert.False(t, page.HasMore)
}

func TestEventsEndpointWithoutLog(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHub("").Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
