package domain

// Message is one entry in a conversation transcript. Content carries the
// accumulated plain text; Parts carries the interleaved structure (text
// segments and tool invocations) in arrival order.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Parts   []Part `json:"parts,omitempty"`
}

// Part is a tagged variant: exactly one of Text or ToolInvocation is set,
// discriminated by Type.
type Part struct {
	Type string `json:"type"`

	// Text content (when Type == PartTypeText). Grows by append while the
	// message is streaming.
	Text string `json:"text,omitempty"`

	// ToolInvocation (when Type == PartTypeToolInvocation).
	ToolInvocation *ToolInvocation `json:"toolInvocation,omitempty"`
}

// ToolInvocation is the client-side record of a single tool call. It moves
// through InvocationStreaming -> InvocationCall -> InvocationResult as
// events arrive, and never regresses.
type ToolInvocation struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	State      InvocationState `json:"state"`

	// Args is the last successfully parsed argument object. ArgsText is the
	// raw accumulated argument JSON; it is re-parsed after every append and
	// Args keeps the previous good value when a partial parse fails.
	Args     map[string]any `json:"args"`
	ArgsText string         `json:"argsText,omitempty"`

	// Result is set when State == InvocationResult.
	Result *ToolResult `json:"result,omitempty"`
}

// ToolCall is an action request emitted by the model during one round.
type ToolCall struct {
	// ID is synthetic, unique within a turn: call_<index>_<unixms>.
	ID string `json:"id"`
	// Name is the canonical tool name ("computer" or "bash").
	Name string `json:"name"`
	// Index is the zero-based position of this call within the turn.
	Index int `json:"index"`
	// Args is the parsed argument object.
	Args map[string]any `json:"args"`
}

// ToolResult is the typed payload attached to a completed tool call.
// Exactly one result is produced per call, success or error.
type ToolResult struct {
	Type string `json:"type"` // "text" or "image"
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	// Error carries the failure message for calls that threw. The round
	// continues; only the failing call is marked.
	Error string `json:"error,omitempty"`
}

// Computer tool actions.
const (
	ActionScreenshot    = "screenshot"
	ActionLeftClick     = "left_click"
	ActionDoubleClick   = "double_click"
	ActionRightClick    = "right_click"
	ActionMouseMove     = "mouse_move"
	ActionType          = "type"
	ActionKey           = "key"
	ActionScroll        = "scroll"
	ActionLeftClickDrag = "left_click_drag"
	ActionWait          = "wait"
)

// Canonical tool names as they appear on the wire and in the transcript.
const (
	ToolComputer = "computer"
	ToolBash     = "bash"
)
