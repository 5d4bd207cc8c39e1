package model

import (
	"context"

	"github.com/nstogner/deskpilot/pkg/domain"
)

// FileRef points at a frame previously uploaded to the model's file store.
type FileRef struct {
	URI      string
	MIMEType string
}

// Part is a single component of a conversation turn. Exactly one field is
// set.
type Part struct {
	// Text content.
	Text string

	// File references an uploaded screenshot.
	File *FileRef

	// Call replays a tool call the model made (assistant turns).
	Call *domain.ToolCall

	// Response carries a tool call's outcome back to the model.
	Response *CallResponse
}

// CallResponse is the model-facing result of one tool call.
type CallResponse struct {
	// Name is the model-native tool name the call was made with.
	Name string
	// Result is the textual outcome. Error is set instead when the call
	// failed.
	Result string
	Error  string
}

// Turn is one conversation turn in model-native ordering.
type Turn struct {
	Role  domain.Role
	Parts []Part
}

// Chunk is one unit of a streamed model response: a text fragment or a
// tool call, never both.
type Chunk struct {
	Text string
	Call *domain.ToolCall
}

// Provider represents a tool-augmented generative model service.
type Provider interface {
	// Upload persists frame bytes to the model's file store and returns a
	// reference usable in subsequent turns.
	Upload(ctx context.Context, data []byte, mimeType string) (FileRef, error)

	// StartChat opens a multi-turn session seeded with system instructions
	// and prior history. The tool schemas are declared by the
	// implementation.
	StartChat(ctx context.Context, instructions string, history []Turn) (Chat, error)
}

// Chat is an open model session.
type Chat interface {
	// SendStream sends one turn and returns the streamed response.
	SendStream(ctx context.Context, parts []Part) (Stream, error)
}

// Stream yields response chunks in emission order.
type Stream interface {
	// Next returns the next chunk, or io.EOF when the response is complete.
	Next() (Chunk, error)

	// Close releases resources associated with this stream.
	Close() error
}
