package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/deskpilot/pkg/desktop"
	"github.com/nstogner/deskpilot/pkg/domain"
	"github.com/nstogner/deskpilot/pkg/model"
	"github.com/nstogner/deskpilot/pkg/shots"
)

// --- fakes ---

// fakeProvider scripts one stream of chunks per round, in order.
type fakeProvider struct {
	rounds [][]model.Chunk

	mu    sync.Mutex
	sent  [][]model.Part
	round int
}

func (p *fakeProvider) Upload(ctx context.Context, data []byte, mimeType string) (model.FileRef, error) {
	return model.FileRef{URI: "files/fake", MIMEType: mimeType}, nil
}

func (p *fakeProvider) StartChat(ctx context.Context, instructions string, history []model.Turn) (model.Chat, error) {
	return &fakeChat{provider: p}, nil
}

type fakeChat struct {
	provider *fakeProvider
}

func (c *fakeChat) SendStream(ctx context.Context, parts []model.Part) (model.Stream, error) {
	p := c.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, parts)
	if p.round >= len(p.rounds) {
		// Out of script: end the conversation with a pure-text round.
		return &fakeStream{chunks: []model.Chunk{{Text: "All done."}}}, nil
	}
	chunks := p.rounds[p.round]
	p.round++
	return &fakeStream{chunks: chunks}, nil
}

type fakeStream struct {
	chunks []model.Chunk
	pos    int
}

func (s *fakeStream) Next() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeDesktop records every input action it receives.
type fakeDesktop struct {
	id string

	mu      sync.Mutex
	actions []string
	cmdErr  error
	cmdOut  *desktop.Result
}

func (d *fakeDesktop) record(format string, args ...any) {
	d.mu.Lock()
	d.actions = append(d.actions, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

func (d *fakeDesktop) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.actions...)
}

func (d *fakeDesktop) ID() string { return d.id }

func (d *fakeDesktop) Screenshot(ctx context.Context) ([]byte, error) {
	d.record("screenshot")
	return []byte("png-bytes"), nil
}

func (d *fakeDesktop) MoveMouse(ctx context.Context, x, y int) error {
	d.record("move %d,%d", x, y)
	return nil
}

func (d *fakeDesktop) LeftClick(ctx context.Context) error {
	d.record("left-click")
	return nil
}

func (d *fakeDesktop) DoubleClick(ctx context.Context) error {
	d.record("double-click")
	return nil
}

func (d *fakeDesktop) RightClick(ctx context.Context) error {
	d.record("right-click")
	return nil
}

func (d *fakeDesktop) TypeText(ctx context.Context, text string) error {
	d.record("type %s", text)
	return nil
}

func (d *fakeDesktop) PressKey(ctx context.Context, key string) error {
	d.record("key %s", key)
	return nil
}

func (d *fakeDesktop) Scroll(ctx context.Context, direction string, amount int) error {
	d.record("scroll %s %d", direction, amount)
	return nil
}

func (d *fakeDesktop) Drag(ctx context.Context, fromX, fromY, toX, toY int) error {
	d.record("drag %d,%d %d,%d", fromX, fromY, toX, toY)
	return nil
}

func (d *fakeDesktop) RunCommand(ctx context.Context, command string) (*desktop.Result, error) {
	d.record("run %s", command)
	if d.cmdErr != nil {
		return nil, d.cmdErr
	}
	if d.cmdOut != nil {
		return d.cmdOut, nil
	}
	return &desktop.Result{}, nil
}

func (d *fakeDesktop) StreamURL() string { return "http://127.0.0.1:0/vnc.html" }

type fakeManager struct {
	desk *fakeDesktop

	mu        sync.Mutex
	destroyed []string
}

func (m *fakeManager) Connect(ctx context.Context, id string) (desktop.Desktop, error) {
	return m.desk, nil
}

func (m *fakeManager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	m.destroyed = append(m.destroyed, id)
	m.mu.Unlock()
	return nil
}

func (m *fakeManager) Close() error { return nil }

// recordEmitter captures the full event stream.
type recordEmitter struct {
	mu     sync.Mutex
	events []domain.Event
}

func (e *recordEmitter) Emit(ev domain.Event) error {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	return nil
}

func (e *recordEmitter) all() []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Event(nil), e.events...)
}

func (e *recordEmitter) ofType(typ string) []domain.Event {
	var out []domain.Event
	for _, ev := range e.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// --- harness ---

func newTestLoop(t *testing.T, provider *fakeProvider) (*Loop, *fakeManager, *recordEmitter) {
	t.Helper()
	store, err := shots.New(t.TempDir())
	if err != nil {
		t.Fatalf("shots store: %v", err)
	}
	mgr := &fakeManager{desk: &fakeDesktop{id: "sb-1"}}
	loop := New(provider, mgr, store)
	loop.settle = 0
	return loop, mgr, &recordEmitter{}
}

func call(name string, index int, args map[string]any) model.Chunk {
	return model.Chunk{Call: &domain.ToolCall{Name: name, Index: index, Args: args}}
}

func runTurn(t *testing.T, loop *Loop, emit Emitter) {
	t.Helper()
	turn := Turn{
		Messages:  []domain.Message{{ID: "m1", Role: domain.RoleUser, Content: "do the thing"}},
		SandboxID: "sb-1",
	}
	if err := loop.Run(context.Background(), turn, emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// --- tests ---

func TestPureTextTurnEndsAfterOneRound(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{{Text: "Hello, "}, {Text: "I can help."}},
	}}
	loop, _, emit := newTestLoop(t, provider)

	runTurn(t, loop, emit)

	deltas := emit.ofType(domain.EventTextDelta)
	if len(deltas) != 2 {
		t.Fatalf("text deltas = %d, want 2", len(deltas))
	}
	if deltas[0].Delta != "Hello, " || deltas[0].ID != "default" {
		t.Errorf("first delta = %+v", deltas[0])
	}
	if got := len(provider.sent); got != 1 {
		t.Errorf("model rounds = %d, want 1 (no tool calls means no continuation)", got)
	}
	// The initial frame still goes out before the model speaks.
	if shotsEvents := emit.ofType(domain.EventScreenshotUpdate); len(shotsEvents) != 1 {
		t.Errorf("screenshot events = %d, want 1", len(shotsEvents))
	}
}

func TestScreenshotCallFlow(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{
			{Text: "Looking at the screen."},
			call(domain.ToolComputer, 0, map[string]any{"action": "screenshot"}),
		},
		{{Text: "Done."}},
	}}
	loop, _, emit := newTestLoop(t, provider)

	runTurn(t, loop, emit)

	outputs := emit.ofType(domain.EventToolOutputAvailable)
	if len(outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(outputs))
	}
	out := outputs[0].Output
	if out.Type != "image" || !strings.HasPrefix(out.URL, "/api/screenshots/") {
		t.Errorf("output = %+v, want image result with serving URL", out)
	}
	if out.Error != "" {
		t.Errorf("unexpected error: %q", out.Error)
	}

	// The screenshot action publishes its own frame and must not be
	// followed by an extra post-action capture, but every round still ends
	// with a unifying frame. Initial + action + round = 3.
	if frames := emit.ofType(domain.EventScreenshotUpdate); len(frames) != 3 {
		t.Errorf("screenshot events = %d, want 3", len(frames))
	}
}

func TestLeftClickMovesThenClicks(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{call(domain.ToolComputer, 0, map[string]any{
			"action":     "left_click",
			"coordinate": []any{float64(100), float64(200)},
		})},
		{{Text: "Clicked."}},
	}}
	loop, mgr, emit := newTestLoop(t, provider)

	runTurn(t, loop, emit)

	actions := mgr.desk.recorded()
	var moveIdx, clickIdx = -1, -1
	for i, a := range actions {
		switch a {
		case "move 100,200":
			moveIdx = i
		case "left-click":
			clickIdx = i
		}
	}
	if moveIdx == -1 || clickIdx == -1 || moveIdx > clickIdx {
		t.Fatalf("actions = %v, want move before click", actions)
	}

	outputs := emit.ofType(domain.EventToolOutputAvailable)
	if len(outputs) != 1 || outputs[0].Output.Text != "Left clicked at 100, 200" {
		t.Errorf("outputs = %+v, want left click result text", outputs)
	}
}

func TestKeyPressCanonicalizesReturn(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{call(domain.ToolComputer, 0, map[string]any{"action": "key", "text": "Return"})},
		{{Text: "ok"}},
	}}
	loop, mgr, emit := newTestLoop(t, provider)

	runTurn(t, loop, emit)

	var pressed string
	for _, a := range mgr.desk.recorded() {
		if strings.HasPrefix(a, "key ") {
			pressed = strings.TrimPrefix(a, "key ")
		}
	}
	if pressed != "enter" {
		t.Errorf("pressed key = %q, want enter", pressed)
	}
	// The reported result keeps the model's original name.
	outputs := emit.ofType(domain.EventToolOutputAvailable)
	if len(outputs) != 1 || outputs[0].Output.Text != "Pressed key: Return" {
		t.Errorf("outputs = %+v", outputs)
	}
}

func TestCallAnnouncementSequence(t *testing.T) {
	args := map[string]any{"action": "left_click", "coordinate": []any{float64(10), float64(20)}}
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{call(domain.ToolComputer, 0, args)},
		{{Text: "done"}},
	}}
	loop, _, emit := newTestLoop(t, provider)

	runTurn(t, loop, emit)

	starts := emit.ofType(domain.EventToolCallStart)
	if len(starts) != 1 {
		t.Fatalf("tool-call-start events = %d, want 1", len(starts))
	}
	id := starts[0].ToolCallID
	if !strings.HasPrefix(id, "call_0_") {
		t.Errorf("call id = %q, want call_0_<ms>", id)
	}

	names := emit.ofType(domain.EventToolNameDelta)
	if len(names) != 1 || names[0].ToolName != domain.ToolComputer {
		t.Errorf("tool-name-delta = %+v", names)
	}

	// Argument deltas reassemble to the full JSON, each at most 10 bytes.
	var assembled strings.Builder
	for _, ev := range emit.ofType(domain.EventToolArgumentDelta) {
		if ev.ToolCallID != id {
			t.Errorf("argument delta for unexpected call %q", ev.ToolCallID)
		}
		if len(ev.Delta) > argChunkSize {
			t.Errorf("argument delta len = %d, want <= %d", len(ev.Delta), argChunkSize)
		}
		assembled.WriteString(ev.Delta)
	}
	if !strings.Contains(assembled.String(), `"action":"left_click"`) {
		t.Errorf("assembled args = %q", assembled.String())
	}

	inputs := emit.ofType(domain.EventToolInputAvailable)
	if len(inputs) != 1 || inputs[0].Input["action"] != "left_click" {
		t.Errorf("tool-input-available = %+v", inputs)
	}

	// Per-call ordering: start < name < args < input < output.
	var order []string
	for _, ev := range emit.all() {
		if ev.ToolCallID == id {
			order = append(order, ev.Type)
		}
	}
	if order[0] != domain.EventToolCallStart || order[len(order)-1] != domain.EventToolOutputAvailable {
		t.Errorf("event order for call = %v", order)
	}
}

func TestBashCommandNoOutputSentinel(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{call(domain.ToolBash, 0, map[string]any{"command": "true"})},
		{{Text: "ok"}},
	}}
	loop, _, emit := newTestLoop(t, provider)

	runTurn(t, loop, emit)

	outputs := emit.ofType(domain.EventToolOutputAvailable)
	if len(outputs) != 1 || outputs[0].Output.Text != desktop.NoOutput {
		t.Errorf("outputs = %+v, want the no-output sentinel", outputs)
	}
}

func TestFailedCallIsContained(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{
			call(domain.ToolBash, 0, map[string]any{"command": "explode"}),
			call(domain.ToolComputer, 1, map[string]any{"action": "screenshot"}),
		},
		{{Text: "recovered"}},
	}}
	loop, mgr, emit := newTestLoop(t, provider)
	mgr.desk.cmdErr = errors.New("exec failed")

	runTurn(t, loop, emit)

	outputs := emit.ofType(domain.EventToolOutputAvailable)
	if len(outputs) != 2 {
		t.Fatalf("outputs = %d, want one per call even when one fails", len(outputs))
	}
	var failed, succeeded bool
	for _, ev := range outputs {
		if ev.Output.Error != "" {
			failed = true
			if !strings.Contains(ev.Output.Error, "exec failed") {
				t.Errorf("error text = %q", ev.Output.Error)
			}
		} else {
			succeeded = true
		}
	}
	if !failed || !succeeded {
		t.Errorf("outputs = %+v, want one failure and one success", outputs)
	}

	// The failure is not fatal: no error event, desktop stays up, and the
	// loop ran a continuation round.
	if errs := emit.ofType(domain.EventError); len(errs) != 0 {
		t.Errorf("error events = %+v, want none", errs)
	}
	if len(mgr.destroyed) != 0 {
		t.Errorf("destroyed = %v, want none", mgr.destroyed)
	}
	if len(provider.sent) != 2 {
		t.Errorf("model rounds = %d, want 2", len(provider.sent))
	}
}

func TestContinuationCarriesResponsesAndFrame(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{
			call(domain.ToolComputer, 0, map[string]any{"action": "mouse_move", "coordinate": []any{float64(1), float64(2)}}),
			call(domain.ToolBash, 1, map[string]any{"command": "echo hi"}),
		},
		{{Text: "done"}},
	}}
	loop, mgr, emit := newTestLoop(t, provider)
	mgr.desk.cmdOut = &desktop.Result{Stdout: "hi\n"}

	runTurn(t, loop, emit)

	if len(provider.sent) != 2 {
		t.Fatalf("model rounds = %d, want 2", len(provider.sent))
	}
	cont := provider.sent[1]

	var respCount, fileCount int
	var contText string
	for _, part := range cont {
		switch {
		case part.Response != nil:
			respCount++
		case part.File != nil:
			fileCount++
		case part.Text != "":
			contText = part.Text
		}
	}
	if respCount != 2 {
		t.Errorf("continuation responses = %d, want 2", respCount)
	}
	if fileCount != 1 {
		t.Errorf("continuation file refs = %d, want 1", fileCount)
	}
	if !strings.Contains(contText, "All 2 action(s) completed") {
		t.Errorf("continuation text = %q", contText)
	}
}

func TestWaitActionIsClamped(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{call(domain.ToolComputer, 0, map[string]any{"action": "wait", "duration": float64(60)})},
		{{Text: "ok"}},
	}}
	loop, _, emit := newTestLoop(t, provider)

	start := time.Now()
	runTurn(t, loop, emit)
	elapsed := time.Since(start)

	if elapsed > maxWait+2*time.Second {
		t.Errorf("turn took %v, want wait clamped to %v", elapsed, maxWait)
	}
	outputs := emit.ofType(domain.EventToolOutputAvailable)
	if len(outputs) != 1 || outputs[0].Output.Text != "Waited for 2 seconds" {
		t.Errorf("outputs = %+v", outputs)
	}
}

func TestUnknownActionDegradesToText(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{call(domain.ToolComputer, 0, map[string]any{"action": "teleport"})},
		{{Text: "ok"}},
	}}
	loop, mgr, emit := newTestLoop(t, provider)

	runTurn(t, loop, emit)

	outputs := emit.ofType(domain.EventToolOutputAvailable)
	if len(outputs) != 1 || outputs[0].Output.Text != "Unknown action: teleport" {
		t.Errorf("outputs = %+v", outputs)
	}
	if len(mgr.destroyed) != 0 {
		t.Errorf("unknown action must not tear down the desktop")
	}
}

// resetEmitter simulates a client that goes away mid-stream: the request
// context is cancelled and subsequent writes fail, in that order but
// racing, the way a dropped SSE connection surfaces.
type resetEmitter struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	events []domain.Event
}

func (e *resetEmitter) Emit(ev domain.Event) error {
	if ev.Type == domain.EventTextDelta {
		e.cancel()
		return errors.New("write tcp 127.0.0.1:53412->127.0.0.1:8080: write: connection reset by peer")
	}
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	return nil
}

func TestClientDisconnectLeavesDesktopReusable(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{{Text: "working on it"}},
	}}
	loop, mgr, _ := newTestLoop(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	emit := &resetEmitter{cancel: cancel}

	turn := Turn{SandboxID: "sb-1"}
	err := loop.Run(ctx, turn, emit)
	if err == nil {
		t.Fatal("Run = nil, want the surfaced write error")
	}

	// A consumer abort is not fatal: no teardown, no error event.
	if len(mgr.destroyed) != 0 {
		t.Errorf("destroyed = %v, want none on consumer abort", mgr.destroyed)
	}
	for _, ev := range emit.events {
		if ev.Type == domain.EventError {
			t.Errorf("error event emitted on consumer abort: %+v", ev)
		}
	}
}

func TestSandboxBusy(t *testing.T) {
	provider := &fakeProvider{}
	loop, _, _ := newTestLoop(t, provider)

	if err := loop.acquire("sb-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	turn := Turn{SandboxID: "sb-1"}
	err := loop.Run(context.Background(), turn, &recordEmitter{})
	if !errors.Is(err, ErrSandboxBusy) {
		t.Fatalf("Run = %v, want ErrSandboxBusy", err)
	}
	loop.release("sb-1")

	// Released sandboxes accept turns again.
	if err := loop.Run(context.Background(), turn, &recordEmitter{}); err != nil {
		t.Fatalf("Run after release: %v", err)
	}
}

func TestOneOutputPerInput(t *testing.T) {
	provider := &fakeProvider{rounds: [][]model.Chunk{
		{
			call(domain.ToolComputer, 0, map[string]any{"action": "screenshot"}),
			call(domain.ToolBash, 1, map[string]any{"command": "boom"}),
			call(domain.ToolComputer, 2, map[string]any{"action": "key", "text": "a"}),
		},
		{{Text: "ok"}},
	}}
	loop, mgr, emit := newTestLoop(t, provider)
	mgr.desk.cmdErr = errors.New("boom")

	runTurn(t, loop, emit)

	inputs := emit.ofType(domain.EventToolInputAvailable)
	outputs := emit.ofType(domain.EventToolOutputAvailable)
	if len(inputs) != 3 || len(outputs) != 3 {
		t.Fatalf("inputs = %d, outputs = %d, want 3 and 3", len(inputs), len(outputs))
	}
	seen := map[string]bool{}
	for _, ev := range outputs {
		if seen[ev.ToolCallID] {
			t.Errorf("duplicate output for call %q", ev.ToolCallID)
		}
		seen[ev.ToolCallID] = true
	}
}
