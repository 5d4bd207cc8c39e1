// Package agent implements the orchestration loop that turns one chat
// turn into a multi-round tool-use conversation: it streams model output,
// executes requested desktop actions concurrently, re-captures the screen
// after every batch, and feeds the results back to the model until it
// stops requesting actions.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nstogner/deskpilot/pkg/desktop"
	"github.com/nstogner/deskpilot/pkg/domain"
	"github.com/nstogner/deskpilot/pkg/model"
	"github.com/nstogner/deskpilot/pkg/shots"
)

const (
	// settleDelay is how long to wait after each action before capturing
	// the follow-up screenshot, giving the desktop UI time to settle.
	settleDelay = 2 * time.Second

	// maxWait clamps the wait action so a runaway agent cannot stall the
	// session. Tunable, not contractual.
	maxWait = 2 * time.Second

	// turnTimeout bounds one whole turn wall-clock.
	turnTimeout = 5 * time.Minute

	// argChunkSize slices the argument JSON for progressive rendering.
	argChunkSize = 10

	// Desktop resolution the sandbox image runs at.
	screenWidth  = 1280
	screenHeight = 800
)

// ErrSandboxBusy is returned when a turn is submitted for a sandbox that
// already has one in flight.
var ErrSandboxBusy = errors.New("sandbox already has a turn in flight")

// Turn is one user-submitted request: the prior conversation plus the
// sandbox to drive.
type Turn struct {
	Messages  []domain.Message `json:"messages"`
	SandboxID string           `json:"sandboxId"`
}

// Emitter receives orchestration events in emission order. Implementations
// must be safe for concurrent use; events for a single tool call id are
// always emitted from one goroutine and therefore keep their order.
type Emitter interface {
	Emit(ev domain.Event) error
}

// The system prompt for the computer-use assistant.
const instructions = `You are a helpful assistant with access to an Ubuntu desktop computer.

AVAILABLE TOOLS:
- computer_use: desktop control (screenshot, clicking, typing, scrolling, dragging). Default and preferred tool.
- bash_command: execute bash commands in a terminal (creating files, installing packages, scripts). Use sparingly.

TOOL USAGE RULES:
- Prefer computer_use; avoid bash unless the task genuinely requires a terminal.
- If a browser opens with a setup wizard, IGNORE IT and move on to the next step.

CRITICAL - FIRST ACTION:
- Your FIRST action MUST always be a screenshot (computer_use with action: screenshot). No exceptions.

CRITICAL - SCREENSHOTS:
- Take a screenshot after every 2-3 actions and verify the state before continuing.
- Never assume an action succeeded - VERIFY with a screenshot.

CRITICAL - PROACTIVE COMMUNICATION:
- Always send a text message first describing exactly what you are about to do.
- Break complex tasks into steps and narrate each one; continue until the task is fully done.
- After each action, briefly summarize what happened and what comes next.
- Do not ask for permission; state what you will do and do it.`

// Loop orchestrates agent turns. All dependencies are injected; a single
// Loop serves every sandbox, serializing turns per sandbox id.
type Loop struct {
	provider model.Provider
	desktops desktop.Manager
	shots    *shots.Store

	// settle is the post-action capture delay.
	settle time.Duration

	mu     sync.Mutex
	active map[string]bool
}

// New creates a Loop.
func New(provider model.Provider, desktops desktop.Manager, store *shots.Store) *Loop {
	return &Loop{
		provider: provider,
		desktops: desktops,
		shots:    store,
		settle:   settleDelay,
		active:   make(map[string]bool),
	}
}

// Run executes one full turn, emitting events until the model stops
// requesting actions. A nil return means the stream was closed
// successfully (or the caller cancelled); any fatal failure is both
// emitted as an error event and returned.
func (l *Loop) Run(ctx context.Context, turn Turn, emit Emitter) error {
	if err := l.acquire(turn.SandboxID); err != nil {
		return err
	}
	defer l.release(turn.SandboxID)

	reqCtx := ctx
	ctx, cancel := context.WithTimeout(ctx, turnTimeout)
	defer cancel()

	err := l.run(ctx, turn, emit)
	if err == nil {
		return nil
	}

	// Ordinary cancellation by the consumer: stop quietly, leave the
	// desktop reusable. When the client disconnects the surfaced error is
	// often the failed stream write rather than context.Canceled, so check
	// the request context as well (the timeout wrap stays fatal).
	if errors.Is(err, context.Canceled) || errors.Is(reqCtx.Err(), context.Canceled) {
		slog.Info("Turn cancelled", "sandboxID", turn.SandboxID)
		return err
	}

	// Fatal: report, tear the session down.
	slog.Error("Turn failed", "sandboxID", turn.SandboxID, "error", err)
	_ = emit.Emit(domain.Event{Type: domain.EventError, ErrorText: err.Error()})
	if destroyErr := l.desktops.Destroy(context.WithoutCancel(ctx), turn.SandboxID); destroyErr != nil {
		slog.Warn("Failed to destroy desktop after error", "sandboxID", turn.SandboxID, "error", destroyErr)
	}
	return err
}

func (l *Loop) run(ctx context.Context, turn Turn, emit Emitter) error {
	desk, err := l.desktops.Connect(ctx, turn.SandboxID)
	if err != nil {
		return fmt.Errorf("connecting desktop: %w", err)
	}

	// Initial frame: shown to the user and handed to the model.
	ref, err := l.captureAndPublish(ctx, desk, emit)
	if err != nil {
		return fmt.Errorf("initial screenshot: %w", err)
	}

	chat, err := l.provider.StartChat(ctx, instructions, historyTurns(turn.Messages))
	if err != nil {
		return fmt.Errorf("starting chat: %w", err)
	}

	pending := []model.Part{
		{Text: fmt.Sprintf("Here is the current screen (resolution: %dx%d). Analyze it and help the user with their task. Remember to communicate proactively - say what you are about to do first.", screenWidth, screenHeight)},
		{File: &ref},
	}

	for {
		calls, responses, err := l.round(ctx, chat, desk, pending, emit)
		if err != nil {
			return err
		}
		if calls == 0 {
			// The model produced a pure-text turn: the request is done.
			return nil
		}

		// Re-synchronize the model's view of the world before the next
		// round.
		frame, err := l.captureAndPublish(ctx, desk, emit)
		if err != nil {
			return fmt.Errorf("round screenshot: %w", err)
		}

		pending = append(responses,
			model.Part{Text: fmt.Sprintf("All %d action(s) completed. Continue with the next steps. Here is the current screen (resolution: %dx%d):", calls, screenWidth, screenHeight)},
			model.Part{File: &frame},
		)
	}
}

// round sends one pending turn, streams the model's response, and executes
// every requested tool call concurrently. It returns the number of calls
// made and their responses in completion order.
func (l *Loop) round(ctx context.Context, chat model.Chat, desk desktop.Desktop, pending []model.Part, emit Emitter) (int, []model.Part, error) {
	stream, err := chat.SendStream(ctx, pending)
	if err != nil {
		return 0, nil, fmt.Errorf("sending turn: %w", err)
	}
	defer stream.Close()

	var (
		g         errgroup.Group
		respMu    sync.Mutex
		responses []model.Part
		calls     int
	)

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Let in-flight calls land before reporting.
			_ = g.Wait()
			return 0, nil, fmt.Errorf("model stream: %w", err)
		}

		if chunk.Text != "" {
			// Emitted immediately: text must render incrementally.
			if err := emit.Emit(domain.Event{Type: domain.EventTextDelta, Delta: chunk.Text, ID: "default"}); err != nil {
				_ = g.Wait()
				return 0, nil, err
			}
		}

		if chunk.Call != nil {
			call := *chunk.Call
			call.ID = fmt.Sprintf("call_%d_%d", call.Index, time.Now().UnixMilli())
			calls++

			if err := l.announceCall(emit, call); err != nil {
				_ = g.Wait()
				return 0, nil, err
			}

			g.Go(func() error {
				resp := l.executeCall(ctx, desk, call, emit)
				respMu.Lock()
				responses = append(responses, model.Part{Response: resp})
				respMu.Unlock()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return 0, nil, err
	}
	return calls, responses, nil
}

// announceCall emits the progressive argument-reveal sequence for one tool
// call: start, name, chunked argument JSON, then the finalized input.
func (l *Loop) announceCall(emit Emitter, call domain.ToolCall) error {
	if err := emit.Emit(domain.Event{
		Type:       domain.EventToolCallStart,
		ToolCallID: call.ID,
		Index:      call.Index,
	}); err != nil {
		return err
	}
	if err := emit.Emit(domain.Event{
		Type:       domain.EventToolNameDelta,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Index:      call.Index,
	}); err != nil {
		return err
	}

	// Argument payloads are sliced purely so the UI can reveal them
	// progressively.
	argsJSON, err := json.Marshal(call.Args)
	if err != nil {
		return fmt.Errorf("encoding call args: %w", err)
	}
	for i := 0; i < len(argsJSON); i += argChunkSize {
		end := min(i+argChunkSize, len(argsJSON))
		if err := emit.Emit(domain.Event{
			Type:       domain.EventToolArgumentDelta,
			ToolCallID: call.ID,
			Delta:      string(argsJSON[i:end]),
			Index:      call.Index,
		}); err != nil {
			return err
		}
	}

	return emit.Emit(domain.Event{
		Type:       domain.EventToolInputAvailable,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Input:      call.Args,
	})
}

// executeCall runs one tool call's side effect, emits its result, and
// captures the follow-up frame. Failures are contained: they surface as an
// error result and never abort sibling calls.
func (l *Loop) executeCall(ctx context.Context, desk desktop.Desktop, call domain.ToolCall, emit Emitter) *model.CallResponse {
	result, resultText, err := l.dispatch(ctx, desk, call, emit)
	if err != nil {
		slog.Error("Tool call failed", "toolCallId", call.ID, "tool", call.Name, "error", err)
		_ = emit.Emit(domain.Event{
			Type:       domain.EventToolOutputAvailable,
			ToolCallID: call.ID,
			Output:     &domain.ToolResult{Type: "text", Error: err.Error()},
		})
		return &model.CallResponse{Name: call.Name, Error: err.Error()}
	}

	if err := emit.Emit(domain.Event{
		Type:       domain.EventToolOutputAvailable,
		ToolCallID: call.ID,
		Output:     result,
	}); err != nil {
		return &model.CallResponse{Name: call.Name, Result: resultText}
	}

	// Give the remote UI time to settle, then show the aftermath - unless
	// the action was itself a capture.
	if !isScreenshotCall(call) {
		if sleepCtx(ctx, l.settle) == nil {
			if _, err := l.captureAndPublish(ctx, desk, emit); err != nil {
				slog.Warn("Post-action screenshot failed", "toolCallId", call.ID, "error", err)
			}
		}
	}

	return &model.CallResponse{Name: call.Name, Result: resultText}
}

// captureAndPublish takes a screenshot, persists it, announces it to the
// client, and uploads it to the model's file store.
func (l *Loop) captureAndPublish(ctx context.Context, desk desktop.Desktop, emit Emitter) (model.FileRef, error) {
	frame, err := desk.Screenshot(ctx)
	if err != nil {
		return model.FileRef{}, err
	}
	_, url, err := l.shots.Save(frame)
	if err != nil {
		return model.FileRef{}, err
	}
	if err := emit.Emit(domain.Event{Type: domain.EventScreenshotUpdate, Screenshot: url}); err != nil {
		return model.FileRef{}, err
	}
	return l.provider.Upload(ctx, frame, "image/png")
}

// historyTurns converts transcript messages to model turns. Only the plain
// text content matters for replayed history.
func historyTurns(messages []domain.Message) []model.Turn {
	var turns []model.Turn
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		turns = append(turns, model.Turn{
			Role:  msg.Role,
			Parts: []model.Part{{Text: msg.Content}},
		})
	}
	return turns
}

func (l *Loop) acquire(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[id] {
		return ErrSandboxBusy
	}
	l.active[id] = true
	return nil
}

func (l *Loop) release(id string) {
	l.mu.Lock()
	delete(l.active, id)
	l.mu.Unlock()
}

// sleepCtx waits for d or until ctx is done, returning ctx's error in the
// latter case.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
