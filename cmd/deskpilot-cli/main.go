// Command deskpilot-cli is a terminal chat client for a running deskpilot
// server. It streams the agent's replies, tool calls and results into a
// scrolling transcript while the desktop itself stays viewable in a browser
// via the printed noVNC URL.
//
// Usage:
//
//	deskpilot-cli                  # talk to http://localhost:8080
//	DESKPILOT_URL=... deskpilot-cli
//
// Keys:
//
//	Enter  - send the message
//	Ctrl+C - abort the in-flight turn, or exit when idle
//	Esc    - exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/nstogner/deskpilot/pkg/agent"
	"github.com/nstogner/deskpilot/pkg/client"
	"github.com/nstogner/deskpilot/pkg/domain"
	"github.com/nstogner/deskpilot/pkg/transcript"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type state int

const (
	stateChatting state = iota
	stateConfirmExit
)

type errMsg struct{ err error }
type eventMsg domain.Event
type turnDoneMsg struct{ err error }

type model struct {
	ctx    context.Context
	client *client.Client

	// Turn state
	reducer    *transcript.Reducer
	desktopID  string
	streaming  bool
	cancelTurn context.CancelFunc
	events     chan domain.Event
	done       chan error

	state  state
	width  int
	height int
	err    error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(ctx context.Context, cl *client.Client, desktopID, streamURL string) model {
	ta := textarea.New()
	ta.Placeholder = "Ask the computer to do something..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000

	ta.SetWidth(80)
	ta.SetHeight(3)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent(dimStyle.Render("Desktop ready. Watch it live at " + streamURL))

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:       ctx,
		client:    cl,
		reducer:   &transcript.Reducer{},
		desktopID: desktopID,
		viewport:  vp,
		textarea:  ta,
		renderer:  r,
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keep menu-style keys out of the textarea while confirming exit.
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 2
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(m.width-4),
		)
		m.viewport.SetContent(m.renderTranscript())

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.streaming {
				// Abort the in-flight turn; the desktop stays up.
				m.cancelTurn()
				return m, nil
			}
			m.state = stateConfirmExit
			return m, nil
		case tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			m.state = stateConfirmExit
			return m, nil
		case tea.KeyEnter:
			if m.state == stateChatting && !m.streaming {
				m.err = nil
				return m.sendMessage()
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Sequence(m.killDesktopCmd(), tea.Quit)
				case "n", "N":
					return m, tea.Quit
				}
			}
		}

	case eventMsg:
		if err := m.reducer.Apply(domain.Event(msg)); err != nil {
			m.err = err
		}
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForEvent(m.events, m.done))

	case turnDoneMsg:
		m.streaming = false
		if msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.err = msg.err
		}
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	if m.state == stateConfirmExit {
		header := titleStyle.Render("Confirm Exit")
		prompt := "Tear down the desktop? (y/n)"
		subtext := "Answering n leaves the container running for the next session."

		return lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			"",
			prompt,
			subtext,
			errorView,
		)
	}

	title := "Deskpilot"
	if m.streaming {
		title = "Deskpilot (working...)"
	}

	var statusView string
	if m.reducer.CurrentScreenshot != "" {
		statusView = dimStyle.Render("latest frame: " + m.reducer.CurrentScreenshot)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render(title),
		"",
		m.viewport.View(),
		"",
		statusView,
		errorView,
		m.textarea.View(),
	)
}

// Actions

func (m model) sendMessage() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	if v == "/exit" {
		m.state = stateConfirmExit
		return m, nil
	}

	m.textarea.Reset()

	m.reducer.Start(domain.Message{
		ID:      uuid.NewString(),
		Role:    domain.RoleUser,
		Content: v,
		Parts:   []domain.Part{{Type: domain.PartTypeText, Text: v}},
	})

	turn := agent.Turn{
		// The open assistant reply stays local; the server only needs the
		// conversation up to and including the new user message.
		Messages:  m.reducer.Messages[:len(m.reducer.Messages)-1],
		SandboxID: m.desktopID,
	}

	turnCtx, cancel := context.WithCancel(m.ctx)
	m.cancelTurn = cancel
	m.streaming = true
	m.events = make(chan domain.Event, 64)
	m.done = make(chan error, 1)

	events, done := m.events, m.done
	go func() {
		err := m.client.Send(turnCtx, turn, func(ev domain.Event) error {
			select {
			case events <- ev:
				return nil
			case <-turnCtx.Done():
				return turnCtx.Err()
			}
		})
		done <- err
		close(events)
	}()

	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
	return m, waitForEvent(m.events, m.done)
}

func (m model) killDesktopCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.client.KillDesktop(m.ctx, m.desktopID); err != nil {
			slog.Error("Failed to tear down desktop", "error", err)
		}
		return nil
	}
}

func waitForEvent(events <-chan domain.Event, done <-chan error) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return turnDoneMsg{err: <-done}
		}
		return eventMsg(ev)
	}
}

// Rendering

func (m model) renderTranscript() string {
	var sb strings.Builder
	for _, msg := range m.reducer.Messages {
		switch msg.Role {
		case domain.RoleUser:
			sb.WriteString(userStyle.Render("User:"))
		case domain.RoleAssistant:
			sb.WriteString(senderStyle.Render("AI:"))
		default:
			sb.WriteString(dimStyle.Render(string(msg.Role) + ":"))
		}
		sb.WriteString("\n")

		for _, part := range msg.Parts {
			switch part.Type {
			case domain.PartTypeText:
				if part.Text == "" {
					continue
				}
				rendered, err := m.renderMarkdown(part.Text)
				if err != nil {
					rendered = part.Text
				}
				sb.WriteString(rendered)
			case domain.PartTypeToolInvocation:
				sb.WriteString(m.renderInvocation(part.ToolInvocation))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func (m model) renderMarkdown(text string) (string, error) {
	if m.renderer == nil {
		return text, fmt.Errorf("renderer not ready")
	}
	return m.renderer.Render(text)
}

func (m model) renderInvocation(inv *domain.ToolInvocation) string {
	if inv == nil {
		return ""
	}
	var sb strings.Builder
	switch inv.State {
	case domain.InvocationStreaming:
		sb.WriteString(toolStyle.Render(fmt.Sprintf("[%s ...]", inv.ToolName)))
	case domain.InvocationCall:
		sb.WriteString(toolStyle.Render(fmt.Sprintf("[%s %s]", inv.ToolName, describeArgs(inv.Args))))
	case domain.InvocationResult:
		sb.WriteString(toolStyle.Render(fmt.Sprintf("[%s %s]", inv.ToolName, describeArgs(inv.Args))))
		if inv.Result != nil {
			sb.WriteString("\n")
			if inv.Result.Error != "" {
				sb.WriteString(errorStyle.Render("error: " + inv.Result.Error))
			} else if inv.Result.Type == "image" {
				sb.WriteString(dimStyle.Render("  screenshot: " + inv.Result.URL))
			} else {
				sb.WriteString(dimStyle.Render("  " + firstLines(inv.Result.Text, 6)))
			}
		}
	}
	return sb.String()
}

func describeArgs(args map[string]any) string {
	if action, ok := args["action"].(string); ok {
		return action
	}
	if cmd, ok := args["command"].(string); ok {
		return firstLines(cmd, 1)
	}
	return ""
}

func firstLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n  ")
	}
	return strings.Join(lines[:n], "\n  ") + " ..."
}

// --- Main ---

func main() {
	baseURL := os.Getenv("DESKPILOT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Log to a file so slog output does not corrupt the TUI.
	f, err := os.OpenFile("deskpilot-cli.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()

	logLevel := slog.LevelInfo
	if lv := os.Getenv("LOG_LEVEL"); strings.EqualFold(lv, "debug") {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	cl := client.New(baseURL)

	// Connect to (or create) the desktop before starting the UI so the
	// stream URL can be shown immediately.
	info, err := cl.Desktop(ctx, os.Getenv("DESKPILOT_DESKTOP_ID"))
	if err != nil {
		fmt.Println("Error: failed to connect to desktop:", err)
		os.Exit(1)
	}

	p := tea.NewProgram(initialModel(ctx, cl, info.ID, info.StreamURL))
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
