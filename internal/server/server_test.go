package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tugdl/tug/internal/history"
	"github.com/tugdl/tug/internal/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// blockingRunner parks until cancelled so tasks stay Downloading for as long
// as a test needs them to.
var blockingRunner = queue.RunnerFunc(func(ctx context.Context, spec queue.RunSpec, progress chan<- queue.Progress) (queue.RunResult, error) {
	<-ctx.Done()
	return queue.RunResult{}, ctx.Err()
})

func newTestServer(t *testing.T, store *history.Store) (*Server, *queue.Manager) {
	t.Helper()
	eventLog, err := queue.OpenEventLog(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	manager, err := queue.NewManager(queue.Config{MaxConcurrent: 2, TickInterval: time.Hour}, eventLog, blockingRunner)
	require.NoError(t, err)
	t.Cleanup(func() {
		manager.Stop()
		manager.Close()
	})
	return New(manager, store, t.TempDir()), manager
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestAddAndListTasks(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(s, "POST", "/api/tasks", queue.AddRequest{URL: "https://example.com/a.bin"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created queue.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, queue.StatusQueued, created.Status)

	w = doRequest(s, "GET", "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []queue.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, created.ID, tasks[0].ID)
}

func TestAddTaskValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(s, "POST", "/api/tasks", map[string]string{"url": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "url is required")

	req := httptest.NewRequest("POST", "/api/tasks", strings.NewReader("{not json"))
	w2 := httptest.NewRecorder()
	s.engine.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestTaskCommandEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(s, "POST", "/api/tasks", queue.AddRequest{URL: "https://example.com/a.bin"})
	require.Equal(t, http.StatusCreated, w.Code)
	var task queue.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	// pausing a queued task is an illegal transition
	w = doRequest(s, "POST", "/api/tasks/"+task.ID+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "cannot pause")

	w = doRequest(s, "POST", "/api/tasks/"+task.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled queue.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cancelled))
	assert.Equal(t, queue.StatusCancelled, cancelled.Status)

	w = doRequest(s, "DELETE", "/api/tasks/"+task.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(s, "GET", "/api/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(s, "POST", "/api/tasks/no-such-id/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(s, "POST", "/api/tasks/resume-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"resumed": 0}`, w.Body.String())

	w = doRequest(s, "DELETE", "/api/tasks/completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared": 0}`, w.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	doRequest(s, "POST", "/api/tasks", queue.AddRequest{URL: "https://example.com/a.bin"})

	w := doRequest(s, "GET", "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, Version, status["version"])
	tasks, ok := status["tasks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), tasks["total"])
}

func TestHistoryEndpoint(t *testing.T) {
	store, err := history.NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Record(context.Background(), &history.Entry{
		ID: "t1", URL: "https://example.com/a.bin", Kind: "http",
		Status: "completed", Size: 1024,
		CreatedAt: time.Now().Add(-time.Minute), FinishedAt: time.Now(),
	}))

	s, _ := newTestServer(t, store)
	w := doRequest(s, "GET", "/api/history?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []history.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].ID)

	w = doRequest(s, "DELETE", "/api/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed": 1}`, w.Body.String())
	w = doRequest(s, "GET", "/api/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	bare, _ := newTestServer(t, nil)
	w = doRequest(bare, "GET", "/api/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = doRequest(bare, "DELETE", "/api/history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestExtractEndpointRequiresURL(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := doRequest(s, "GET", "/api/extract", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebSocketReceivesQueueEvents(t *testing.T) {
	s, manager := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)
	go s.watchQueue()

	httpServer := httptest.NewServer(s.engine)
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	id, err := manager.Add(queue.AddRequest{URL: "https://example.com/a.bin"})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event wsEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "task_status_changed", event.Type)
	data, ok := event.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, id, data["task_id"])
	assert.Equal(t, "queued", data["status"])
}

func TestHubDropsSlowClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &wsClient{id: "slow", send: make(chan []byte, 1), hub: hub}
	hub.register <- client
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// fill the buffer, then overflow it
	for i := 0; i < 8; i++ {
		hub.Emit("task_progress", gin.H{"n": i})
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	select {
	case _, open := <-client.send:
		if open {
			// first buffered frame, channel must close after it
			_, open = <-client.send
			assert.False(t, open)
		}
	case <-time.After(time.Second):
		t.Fatal("expected slow client send channel to close")
	}
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "task_progress", eventName(queue.NoteProgress))
	assert.Equal(t, "task_completed", eventName(queue.NoteCompleted))
	assert.Equal(t, "task_failed", eventName(queue.NoteFailed))
	assert.Equal(t, "task_removed", eventName(queue.NoteRemoved))
	assert.Equal(t, "task_status_changed", eventName(queue.NoteStatusChanged))
}
