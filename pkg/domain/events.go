package domain

// Event types carried on the chat stream, in the order a single tool call
// observes them. Events for one toolCallId are totally ordered; events for
// different concurrently-executing calls may interleave.
const (
	EventScreenshotUpdate    = "screenshot-update"
	EventTextDelta           = "text-delta"
	EventToolCallStart       = "tool-call-start"
	EventToolNameDelta       = "tool-name-delta"
	EventToolArgumentDelta   = "tool-argument-delta"
	EventToolInputAvailable  = "tool-input-available"
	EventToolOutputAvailable = "tool-output-available"
	EventError               = "error"
)

// Event is one frame of the chat stream. The Type field discriminates;
// the remaining fields are populated per type and omitted otherwise.
type Event struct {
	Type string `json:"type"`

	// Screenshot is the serving URL of the latest frame (screenshot-update).
	Screenshot string `json:"screenshot,omitempty"`

	// Delta carries a text fragment (text-delta) or an argument-JSON
	// fragment (tool-argument-delta).
	Delta string `json:"delta,omitempty"`
	// ID identifies the text accumulator for text-delta events.
	ID string `json:"id,omitempty"`

	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
	Index      int    `json:"index,omitempty"`

	// Input is the finalized argument object (tool-input-available).
	Input map[string]any `json:"input,omitempty"`
	// Output is the result payload (tool-output-available).
	Output *ToolResult `json:"output,omitempty"`

	// ErrorText is set on terminal error events.
	ErrorText string `json:"errorText,omitempty"`
}
