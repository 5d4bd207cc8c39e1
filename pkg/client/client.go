// Package client is a Go consumer of the chat API: it submits turns and
// decodes the server-sent event stream.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/nstogner/deskpilot/pkg/agent"
	"github.com/nstogner/deskpilot/pkg/domain"
)

// Client talks to a deskpilot server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// DesktopInfo identifies a live desktop session.
type DesktopInfo struct {
	ID        string `json:"id"`
	StreamURL string `json:"streamUrl"`
}

// Desktop connects to (or creates) a desktop session.
func (c *Client) Desktop(ctx context.Context, id string) (*DesktopInfo, error) {
	url := c.baseURL + "/api/desktop"
	if id != "" {
		url += "?id=" + id
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var info DesktopInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding desktop info: %w", err)
	}
	return &info, nil
}

// KillDesktop forcibly tears down a desktop session.
func (c *Client) KillDesktop(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/desktop/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// Send submits one turn and delivers each streamed event to onEvent in
// order. It returns when the stream ends, onEvent returns an error, or ctx
// is cancelled. Cancellation aborts the request without error events.
func (c *Client) Send(ctx context.Context, turn agent.Turn, onEvent func(domain.Event) error) error {
	body, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encoding turn: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip frames we cannot decode; the stream stays consumable.
			continue
		}
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server: %s (status %d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}
