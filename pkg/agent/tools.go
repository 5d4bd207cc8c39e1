package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nstogner/deskpilot/pkg/desktop"
	"github.com/nstogner/deskpilot/pkg/domain"
)

// dispatch routes a tool call to the desktop and returns the client-facing
// result plus the text fed back to the model.
func (l *Loop) dispatch(ctx context.Context, desk desktop.Desktop, call domain.ToolCall, emit Emitter) (*domain.ToolResult, string, error) {
	switch call.Name {
	case domain.ToolComputer:
		return l.computerAction(ctx, desk, call.Args, emit)
	case domain.ToolBash:
		return l.bashCommand(ctx, desk, call.Args)
	default:
		text := fmt.Sprintf("Unknown tool: %s", call.Name)
		return &domain.ToolResult{Type: "text", Text: text}, text, nil
	}
}

func (l *Loop) computerAction(ctx context.Context, desk desktop.Desktop, args map[string]any, emit Emitter) (*domain.ToolResult, string, error) {
	action, _ := stringArg(args, "action")

	switch action {
	case domain.ActionScreenshot:
		frame, err := desk.Screenshot(ctx)
		if err != nil {
			return nil, "", err
		}
		_, url, err := l.shots.Save(frame)
		if err != nil {
			return nil, "", err
		}
		if err := emit.Emit(domain.Event{Type: domain.EventScreenshotUpdate, Screenshot: url}); err != nil {
			return nil, "", err
		}
		return &domain.ToolResult{Type: "image", URL: url}, "Screenshot taken successfully", nil

	case domain.ActionWait:
		d := floatArg(args, "duration", 1)
		wait := time.Duration(d * float64(time.Second))
		if wait > maxWait {
			wait = maxWait
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, "", err
		}
		text := fmt.Sprintf("Waited for %g seconds", wait.Seconds())
		return textResult(text)

	case domain.ActionLeftClick:
		x, y, err := coordinate(args, "coordinate")
		if err != nil {
			return nil, "", err
		}
		if err := desk.MoveMouse(ctx, x, y); err != nil {
			return nil, "", err
		}
		if err := desk.LeftClick(ctx); err != nil {
			return nil, "", err
		}
		return textResult(fmt.Sprintf("Left clicked at %d, %d", x, y))

	case domain.ActionDoubleClick:
		x, y, err := coordinate(args, "coordinate")
		if err != nil {
			return nil, "", err
		}
		if err := desk.MoveMouse(ctx, x, y); err != nil {
			return nil, "", err
		}
		if err := desk.DoubleClick(ctx); err != nil {
			return nil, "", err
		}
		return textResult(fmt.Sprintf("Double clicked at %d, %d", x, y))

	case domain.ActionRightClick:
		x, y, err := coordinate(args, "coordinate")
		if err != nil {
			return nil, "", err
		}
		if err := desk.MoveMouse(ctx, x, y); err != nil {
			return nil, "", err
		}
		if err := desk.RightClick(ctx); err != nil {
			return nil, "", err
		}
		return textResult(fmt.Sprintf("Right clicked at %d, %d", x, y))

	case domain.ActionMouseMove:
		x, y, err := coordinate(args, "coordinate")
		if err != nil {
			return nil, "", err
		}
		if err := desk.MoveMouse(ctx, x, y); err != nil {
			return nil, "", err
		}
		return textResult(fmt.Sprintf("Moved mouse to %d, %d", x, y))

	case domain.ActionType:
		text, _ := stringArg(args, "text")
		if err := desk.TypeText(ctx, text); err != nil {
			return nil, "", err
		}
		return textResult(fmt.Sprintf("Typed: %s", text))

	case domain.ActionKey:
		key, _ := stringArg(args, "text")
		if err := desk.PressKey(ctx, canonicalKey(key)); err != nil {
			return nil, "", err
		}
		return textResult(fmt.Sprintf("Pressed key: %s", key))

	case domain.ActionScroll:
		direction, _ := stringArg(args, "scroll_direction")
		if direction != desktop.ScrollUp {
			direction = desktop.ScrollDown
		}
		amount := int(floatArg(args, "scroll_amount", 3))
		if err := desk.Scroll(ctx, direction, amount); err != nil {
			return nil, "", err
		}
		return textResult(fmt.Sprintf("Scrolled %s by %d clicks", direction, amount))

	case domain.ActionLeftClickDrag:
		startX, startY, err := coordinate(args, "start_coordinate")
		if err != nil {
			return nil, "", err
		}
		endX, endY, err := coordinate(args, "coordinate")
		if err != nil {
			return nil, "", err
		}
		if err := desk.Drag(ctx, startX, startY, endX, endY); err != nil {
			return nil, "", err
		}
		return textResult(fmt.Sprintf("Dragged from (%d, %d) to (%d, %d)", startX, startY, endX, endY))

	default:
		// Unrecognized actions degrade to a textual result instead of
		// failing the round.
		return textResult(fmt.Sprintf("Unknown action: %s", action))
	}
}

func (l *Loop) bashCommand(ctx context.Context, desk desktop.Desktop, args map[string]any) (*domain.ToolResult, string, error) {
	command, ok := stringArg(args, "command")
	if !ok {
		return nil, "", fmt.Errorf("bash call missing command")
	}
	result, err := desk.RunCommand(ctx, command)
	if err != nil {
		return nil, "", err
	}
	output := result.Combined()
	return textResult(output)
}

// canonicalKey maps model-issued key names to the names the desktop
// understands. The model follows X conventions; notably it says "Return"
// for the enter key.
func canonicalKey(key string) string {
	if key == "Return" {
		return "enter"
	}
	return key
}

func textResult(text string) (*domain.ToolResult, string, error) {
	return &domain.ToolResult{Type: "text", Text: text}, text, nil
}

func isScreenshotCall(call domain.ToolCall) bool {
	if call.Name != domain.ToolComputer {
		return false
	}
	action, _ := stringArg(call.Args, "action")
	return action == domain.ActionScreenshot
}

// --- argument helpers ---

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

// floatArg reads a numeric argument, tolerating the JSON float64 decoding
// of integers.
func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// coordinate reads an [x, y] pair.
func coordinate(args map[string]any, key string) (int, int, error) {
	pair, ok := args[key].([]any)
	if !ok || len(pair) < 2 {
		return 0, 0, fmt.Errorf("missing or malformed %s", key)
	}
	x, xok := asInt(pair[0])
	y, yok := asInt(pair[1])
	if !xok || !yok {
		return 0, 0, fmt.Errorf("non-numeric %s", key)
	}
	return x, y, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
