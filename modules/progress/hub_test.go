package progress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gen-dispatch-server/modules/workflow"
)

func dial(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?job=" + jobID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) workflow.ProgressEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev workflow.ProgressEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	return ev
}

func TestSubscriberGetsLastAndLiveEvents(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	hub.Publish(workflow.ProgressEvent{JobID: "j1", Step: 0, TotalSteps: 2, Progress: 0, Status: "running"})

	conn := dial(t, srv, "j1")
	defer conn.Close()

	if ev := readEvent(t, conn); ev.Step != 0 || ev.Status != "running" {
		t.Fatalf("replayed event = %+v", ev)
	}

	hub.Publish(workflow.ProgressEvent{JobID: "other", Progress: 50})
	hub.Publish(workflow.ProgressEvent{JobID: "j1", Step: 2, TotalSteps: 2, Progress: 100, Status: "completed"})

	if ev := readEvent(t, conn); ev.JobID != "j1" || ev.Progress != 100 {
		t.Fatalf("live event = %+v", ev)
	}

	m := hub.Snapshot()
	if m.ActiveChannels != 2 || m.CurrentClients != 1 || m.Published != 3 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestServeWSRequiresJob(t *testing.T) {
	hub := NewHub()
	rec := httptest.NewRecorder()
	hub.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCleanupDropsIdleChannels(t *testing.T) {
	hub := NewHub()
	hub.Publish(workflow.ProgressEvent{JobID: "old"})
	if n := hub.Cleanup(-time.Second); n != 1 {
		t.Fatalf("cleaned %d", n)
	}
	raw, _ := json.Marshal(hub.Snapshot())
	if !strings.Contains(string(raw), `"activeChannels":0`) {
		t.Fatalf("snapshot = %s", raw)
	}
}
