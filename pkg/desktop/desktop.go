package desktop

import "context"

// NoOutput is reported by RunCommand when a command produces nothing on
// stdout or stderr, so the model sees an explicit outcome instead of an
// empty string.
const NoOutput = "(Command executed successfully with no output)"

// Result represents the output of a shell command execution.
type Result struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Combined returns stdout, falling back to stderr, falling back to the
// NoOutput sentinel.
func (r *Result) Combined() string {
	if r.Stdout != "" {
		return r.Stdout
	}
	if r.Stderr != "" {
		return r.Stderr
	}
	return NoOutput
}

// ScrollDirection values accepted by Scroll.
const (
	ScrollUp   = "up"
	ScrollDown = "down"
)

// Desktop is an exclusively-owned remote virtual desktop session. All
// methods execute against the live sandbox; none of them retry.
type Desktop interface {
	// ID returns the sandbox identifier, usable to reconnect later.
	ID() string

	// Screenshot captures the current frame as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	MoveMouse(ctx context.Context, x, y int) error
	LeftClick(ctx context.Context) error
	DoubleClick(ctx context.Context) error
	RightClick(ctx context.Context) error

	// TypeText types the given text at the current focus.
	TypeText(ctx context.Context, text string) error

	// PressKey presses a named key. Model-provided names are canonicalized
	// (e.g. "Return" maps to the platform's enter key).
	PressKey(ctx context.Context, key string) error

	// Scroll scrolls in the given direction by the given number of clicks.
	Scroll(ctx context.Context, direction string, amount int) error

	// Drag performs a press-move-release from start to end coordinates.
	Drag(ctx context.Context, fromX, fromY, toX, toY int) error

	// RunCommand runs a shell command and returns its output.
	RunCommand(ctx context.Context, command string) (*Result, error)

	// StreamURL returns the live view URL of this desktop, if any.
	StreamURL() string
}

// Manager manages desktop session lifecycles, one session per sandbox id.
type Manager interface {
	// Connect reconnects to a running desktop by id, or creates a fresh one
	// (with a bounded idle deadline) when id is empty or the session is
	// gone.
	Connect(ctx context.Context, id string) (Desktop, error)

	// Destroy forcibly tears down the desktop for the given id.
	Destroy(ctx context.Context, id string) error

	// Close releases any resources held by the manager.
	Close() error
}
