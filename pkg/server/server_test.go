package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/deskpilot/pkg/agent"
	"github.com/nstogner/deskpilot/pkg/desktop"
	"github.com/nstogner/deskpilot/pkg/domain"
	"github.com/nstogner/deskpilot/pkg/shots"
)

// fakeRunner emits a scripted event sequence, or fails with err.
type fakeRunner struct {
	events []domain.Event
	err    error

	gotTurn agent.Turn
}

func (r *fakeRunner) Run(ctx context.Context, turn agent.Turn, emit agent.Emitter) error {
	r.gotTurn = turn
	if r.err != nil {
		return r.err
	}
	for _, ev := range r.events {
		if err := emit.Emit(ev); err != nil {
			return err
		}
	}
	return nil
}

type fakeDesktop struct {
	id string
}

func (d *fakeDesktop) ID() string                                     { return d.id }
func (d *fakeDesktop) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (d *fakeDesktop) MoveMouse(ctx context.Context, x, y int) error  { return nil }
func (d *fakeDesktop) LeftClick(ctx context.Context) error            { return nil }
func (d *fakeDesktop) DoubleClick(ctx context.Context) error          { return nil }
func (d *fakeDesktop) RightClick(ctx context.Context) error           { return nil }
func (d *fakeDesktop) TypeText(ctx context.Context, text string) error {
	return nil
}
func (d *fakeDesktop) PressKey(ctx context.Context, key string) error { return nil }
func (d *fakeDesktop) Scroll(ctx context.Context, direction string, amount int) error {
	return nil
}
func (d *fakeDesktop) Drag(ctx context.Context, fromX, fromY, toX, toY int) error {
	return nil
}
func (d *fakeDesktop) RunCommand(ctx context.Context, command string) (*desktop.Result, error) {
	return &desktop.Result{}, nil
}
func (d *fakeDesktop) StreamURL() string { return "http://127.0.0.1:9999/vnc.html" }

type fakeManager struct {
	destroyed []string
}

func (m *fakeManager) Connect(ctx context.Context, id string) (desktop.Desktop, error) {
	if id == "" {
		id = "fresh-id"
	}
	return &fakeDesktop{id: id}, nil
}

func (m *fakeManager) Destroy(ctx context.Context, id string) error {
	m.destroyed = append(m.destroyed, id)
	return nil
}

func (m *fakeManager) Close() error { return nil }

func newTestServer(t *testing.T, runner TurnRunner) (*Server, *fakeManager) {
	t.Helper()
	store, err := shots.New(t.TempDir())
	if err != nil {
		t.Fatalf("shots store: %v", err)
	}
	mgr := &fakeManager{}
	return New(runner, mgr, store), mgr
}

func TestChatStreamsEvents(t *testing.T) {
	runner := &fakeRunner{events: []domain.Event{
		{Type: domain.EventScreenshotUpdate, Screenshot: "/api/screenshots/a.png"},
		{Type: domain.EventTextDelta, Delta: "hello", ID: "default"},
	}}
	srv, _ := newTestServer(t, runner)

	body := `{"messages":[{"id":"m1","role":"user","content":"hi"}],"sandboxId":"sb-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleChat(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if runner.gotTurn.SandboxID != "sb-1" {
		t.Errorf("turn sandbox id = %q", runner.gotTurn.SandboxID)
	}

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2:\n%s", len(frames), rec.Body.String())
	}
	for i, frame := range frames {
		data, ok := strings.CutPrefix(frame, "data: ")
		if !ok {
			t.Fatalf("frame %d missing data prefix: %q", i, frame)
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}

	var second domain.Event
	json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &second)
	if second.Type != domain.EventTextDelta || second.Delta != "hello" {
		t.Errorf("second frame = %+v", second)
	}
}

func TestChatRejectsBadJSON(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	srv.handleChat(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatBusySandboxConflicts(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{err: agent.ErrSandboxBusy})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"sandboxId":"sb-1"}`))
	rec := httptest.NewRecorder()
	srv.handleChat(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestGetScreenshot(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	filename, _, err := srv.shots.Save([]byte("png-bytes"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/screenshots/"+filename, nil)
	req.SetPathValue("filename", filename)
	rec := httptest.NewRecorder()
	srv.handleGetScreenshot(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "immutable") {
		t.Errorf("Cache-Control = %q, want immutable", cc)
	}
	if rec.Body.String() != "png-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGetScreenshotMissing(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/api/screenshots/nope.png", nil)
	req.SetPathValue("filename", "nope.png")
	rec := httptest.NewRecorder()
	srv.handleGetScreenshot(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetDesktop(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodGet, "/api/desktop?id=sb-9", nil)
	rec := httptest.NewRecorder()
	srv.handleGetDesktop(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["id"] != "sb-9" {
		t.Errorf("id = %q", got["id"])
	}
	if got["streamUrl"] == "" {
		t.Error("streamUrl empty")
	}
}

func TestKillDesktop(t *testing.T) {
	srv, mgr := newTestServer(t, &fakeRunner{})

	req := httptest.NewRequest(http.MethodDelete, "/api/desktop/sb-3", nil)
	req.SetPathValue("id", "sb-3")
	rec := httptest.NewRecorder()
	srv.handleKillDesktop(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if len(mgr.destroyed) != 1 || mgr.destroyed[0] != "sb-3" {
		t.Errorf("destroyed = %v", mgr.destroyed)
	}
}

func newWatchServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv, _ := newTestServer(t, &fakeRunner{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/desktop/{id}/watch", srv.handleWatch)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (s *Server) watcherCount(sandboxID string) int {
	s.watchers.mu.Lock()
	defer s.watchers.mu.Unlock()
	return len(s.watchers.subs[sandboxID])
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatchStreamsScreenshotUpdates(t *testing.T) {
	srv, wsURL := newWatchServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/desktop/sb-1/watch", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	waitFor(t, "watcher subscription", func() bool { return srv.watcherCount("sb-1") == 1 })
	srv.watchers.publish("sb-1", "/api/screenshots/a.png")

	var ev domain.Event
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Type != domain.EventScreenshotUpdate || ev.Screenshot != "/api/screenshots/a.png" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWatchCleansUpOnClientDisconnect(t *testing.T) {
	srv, wsURL := newWatchServer(t)

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/desktop/sb-1/watch", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "watcher subscription", func() bool { return srv.watcherCount("sb-1") == 1 })

	// Closing the client must unsubscribe the watcher even when no frame
	// is ever published.
	ws.Close()
	waitFor(t, "watcher cleanup", func() bool { return srv.watcherCount("sb-1") == 0 })
}

func TestSSEEmitterFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	e, err := newSSEEmitter(rec)
	if err != nil {
		t.Fatalf("newSSEEmitter: %v", err)
	}

	if err := e.Emit(domain.Event{Type: domain.EventTextDelta, Delta: "hi", ID: "default"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	want := fmt.Sprintf("data: %s\n\n", `{"type":"text-delta","delta":"hi","id":"default"}`)
	if rec.Body.String() != want {
		t.Errorf("frame = %q, want %q", rec.Body.String(), want)
	}
}
