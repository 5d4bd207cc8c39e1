// Package transcript rebuilds an ordered conversation view from the chat
// event stream. It is the client-side mirror of the agent loop: chunked,
// partially-ordered events fold into messages made of text segments and
// tool invocations.
package transcript

import (
	"encoding/json"
	"fmt"

	"github.com/nstogner/deskpilot/pkg/domain"
)

// Reducer folds events into messages. Apply the events of one turn in
// stream order; the zero value plus Start is ready to use.
type Reducer struct {
	// Messages is the reconstructed transcript, oldest first.
	Messages []domain.Message

	// CurrentScreenshot is the URL of the latest frame. Latest wins; it is
	// not part of message history.
	CurrentScreenshot string
}

// Start appends a message and opens an assistant reply for the following
// events. Call it once per submitted turn, before applying that turn's
// events.
func (r *Reducer) Start(userMessage domain.Message) {
	r.Messages = append(r.Messages,
		userMessage,
		domain.Message{
			ID:    fmt.Sprintf("%s-reply", userMessage.ID),
			Role:  domain.RoleAssistant,
			Parts: []domain.Part{{Type: domain.PartTypeText}},
		},
	)
}

// Apply folds one event into the transcript. An error event surfaces as a
// returned error; the transcript retains everything up to that point.
func (r *Reducer) Apply(ev domain.Event) error {
	switch ev.Type {
	case domain.EventScreenshotUpdate:
		r.CurrentScreenshot = ev.Screenshot
		return nil
	case domain.EventError:
		return fmt.Errorf("%s", ev.ErrorText)
	}

	msg := r.current()
	if msg == nil {
		return fmt.Errorf("event %q before any message", ev.Type)
	}

	switch ev.Type {
	case domain.EventTextDelta:
		msg.Content += ev.Delta
		// Append to an open trailing text part, otherwise start a new text
		// segment after the intervening tool invocations.
		if last := lastPart(msg); last != nil && last.Type == domain.PartTypeText {
			last.Text += ev.Delta
		} else {
			msg.Parts = append(msg.Parts, domain.Part{Type: domain.PartTypeText, Text: ev.Delta})
		}

	case domain.EventToolCallStart:
		msg.Parts = append(msg.Parts, domain.Part{
			Type: domain.PartTypeToolInvocation,
			ToolInvocation: &domain.ToolInvocation{
				ToolCallID: ev.ToolCallID,
				State:      domain.InvocationStreaming,
				Args:       map[string]any{},
			},
		})

	case domain.EventToolNameDelta:
		if inv := r.invocation(ev.ToolCallID); inv != nil {
			inv.ToolName = ev.ToolName
		}

	case domain.EventToolArgumentDelta:
		if inv := r.invocation(ev.ToolCallID); inv != nil {
			inv.ArgsText += ev.Delta
			// Best-effort re-parse after every append; a failed partial
			// parse keeps the previous good value.
			var parsed map[string]any
			if err := json.Unmarshal([]byte(inv.ArgsText), &parsed); err == nil {
				inv.Args = parsed
			}
		}

	case domain.EventToolInputAvailable:
		if inv := r.invocation(ev.ToolCallID); inv != nil {
			inv.Args = ev.Input
			if ev.ToolName != "" {
				inv.ToolName = ev.ToolName
			}
			inv.State = domain.InvocationCall
		}

	case domain.EventToolOutputAvailable:
		// Result is terminal; a duplicate output for a settled invocation
		// is ignored rather than regressing or overwriting.
		if inv := r.invocation(ev.ToolCallID); inv != nil && inv.State != domain.InvocationResult {
			inv.Result = ev.Output
			inv.State = domain.InvocationResult
		}
	}

	return nil
}

// current returns the message under construction: the trailing assistant
// message.
func (r *Reducer) current() *domain.Message {
	if len(r.Messages) == 0 {
		return nil
	}
	msg := &r.Messages[len(r.Messages)-1]
	if msg.Role != domain.RoleAssistant {
		return nil
	}
	return msg
}

func lastPart(msg *domain.Message) *domain.Part {
	if len(msg.Parts) == 0 {
		return nil
	}
	return &msg.Parts[len(msg.Parts)-1]
}

// invocation finds the invocation with the given call id in the current
// message.
func (r *Reducer) invocation(callID string) *domain.ToolInvocation {
	msg := r.current()
	if msg == nil {
		return nil
	}
	for i := range msg.Parts {
		p := &msg.Parts[i]
		if p.Type == domain.PartTypeToolInvocation && p.ToolInvocation.ToolCallID == callID {
			return p.ToolInvocation
		}
	}
	return nil
}
