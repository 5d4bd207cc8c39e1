package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/nstogner/deskpilot/pkg/domain"
	"github.com/nstogner/deskpilot/pkg/model"
	"google.golang.org/genai"
)

// Provider implements model.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
	model  string
}

// Verify interface compliance.
var _ model.Provider = (*Provider)(nil)

// New creates a new Gemini provider for the given model name.
func New(ctx context.Context, apiKey, modelName string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client, model: modelName}, nil
}

// Upload persists frame bytes to the Gemini File API.
func (p *Provider) Upload(ctx context.Context, data []byte, mimeType string) (model.FileRef, error) {
	f, err := p.client.Files.Upload(ctx, bytes.NewReader(data), &genai.UploadFileConfig{
		MIMEType: mimeType,
	})
	if err != nil {
		return model.FileRef{}, fmt.Errorf("uploading file: %w", err)
	}
	return model.FileRef{URI: f.URI, MIMEType: f.MIMEType}, nil
}

// StartChat opens a tool-augmented session with the given instructions and
// prior history.
func (p *Provider) StartChat(ctx context.Context, instructions string, history []model.Turn) (model.Chat, error) {
	slog.Debug("Gemini.StartChat", "model", p.model, "historyLen", len(history))

	config := &genai.GenerateContentConfig{
		Tools: buildToolDeclarations(),
	}
	if instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}

	var contents []*genai.Content
	for _, turn := range history {
		c := toContent(turn.Role, turn.Parts)
		if c != nil {
			contents = append(contents, c)
		}
	}

	return &chat{
		client:   p.client,
		model:    p.model,
		config:   config,
		contents: contents,
	}, nil
}

// chat holds the accumulated conversation contents. Each SendStream appends
// the outgoing user turn, and the returned stream records the model's
// response turn once fully consumed.
type chat struct {
	client   *genai.Client
	model    string
	config   *genai.GenerateContentConfig
	contents []*genai.Content
}

func (c *chat) SendStream(ctx context.Context, parts []model.Part) (model.Stream, error) {
	content := toContent(domain.RoleUser, parts)
	if content == nil {
		return nil, fmt.Errorf("empty turn")
	}
	c.contents = append(c.contents, content)

	streamCtx, cancel := context.WithCancel(ctx)
	seq := c.client.Models.GenerateContentStream(streamCtx, c.model, c.contents, c.config)
	next, stop := iter.Pull2(seq)

	return &stream{
		chat:   c,
		next:   next,
		stop:   stop,
		cancel: cancel,
	}, nil
}

// stream adapts the Gen AI push iterator to the pull-based model.Stream.
type stream struct {
	chat   *chat
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	cancel context.CancelFunc

	// pending buffers extra chunks when one response carries several parts.
	pending []model.Chunk
	// response accumulates the model turn for chat history.
	response []*genai.Part
	calls    int
	done     bool
}

func (s *stream) Next() (model.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			ch := s.pending[0]
			s.pending = s.pending[1:]
			return ch, nil
		}
		if s.done {
			return model.Chunk{}, io.EOF
		}

		resp, err, ok := s.next()
		if !ok {
			s.finish()
			continue
		}
		if err != nil {
			return model.Chunk{}, err
		}
		if resp == nil {
			continue
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					s.response = append(s.response, &genai.Part{Text: part.Text})
					s.pending = append(s.pending, model.Chunk{Text: part.Text})
				}
				if part.FunctionCall != nil {
					fc := part.FunctionCall
					s.response = append(s.response, &genai.Part{
						FunctionCall: &genai.FunctionCall{Name: fc.Name, Args: fc.Args},
					})
					s.pending = append(s.pending, model.Chunk{
						Call: &domain.ToolCall{
							Name:  canonicalToolName(fc.Name),
							Index: s.calls,
							Args:  ParseArgs(fc.Args),
						},
					})
					s.calls++
				}
			}
		}
	}
}

// finish records the full model response into the chat history so the next
// turn carries it.
func (s *stream) finish() {
	s.done = true
	if len(s.response) > 0 {
		s.chat.contents = append(s.chat.contents, &genai.Content{
			Role:  genai.RoleModel,
			Parts: s.response,
		})
		s.response = nil
	}
}

func (s *stream) Close() error {
	s.stop()
	s.cancel()
	return nil
}

// toContent converts turn parts to a genai content. Returns nil when no
// parts survive conversion.
func toContent(role domain.Role, parts []model.Part) *genai.Content {
	var out []*genai.Part
	for _, p := range parts {
		switch {
		case p.Call != nil:
			out = append(out, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: nativeToolName(p.Call.Name),
					Args: p.Call.Args,
				},
			})
		case p.Response != nil:
			resp := map[string]any{"result": p.Response.Result}
			if p.Response.Error != "" {
				resp = map[string]any{"error": p.Response.Error}
			}
			out = append(out, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     p.Response.Name,
					Response: resp,
				},
			})
		case p.File != nil:
			out = append(out, &genai.Part{
				FileData: &genai.FileData{
					FileURI:  p.File.URI,
					MIMEType: p.File.MIMEType,
				},
			})
		case p.Text != "":
			out = append(out, &genai.Part{Text: p.Text})
		}
	}
	if len(out) == 0 {
		return nil
	}

	r := genai.RoleUser
	if role == domain.RoleAssistant {
		r = genai.RoleModel
	}
	return &genai.Content{Role: r, Parts: out}
}

// ParseArgs normalizes a function call's arguments. The model may return a
// structured object or a raw JSON string; malformed strings degrade to an
// empty object so the round can continue.
func ParseArgs(v any) map[string]any {
	switch args := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return args
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(args), &parsed); err != nil {
			slog.Error("Failed to parse function args", "args", args, "error", err)
			return map[string]any{}
		}
		return parsed
	default:
		slog.Error("Unexpected function args type", "type", fmt.Sprintf("%T", v))
		return map[string]any{}
	}
}
