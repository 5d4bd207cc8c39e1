package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/nstogner/deskpilot/pkg/desktop"
)

// session drives one desktop container via docker exec. Input goes through
// xdotool; frames come from ImageMagick's import writing PNG to stdout.
type session struct {
	manager     *Manager
	id          string
	containerID string
	streamPort  string
}

// Verify interface compliance.
var _ desktop.Desktop = (*session)(nil)

func (s *session) ID() string { return s.id }

func (s *session) StreamURL() string {
	return fmt.Sprintf("http://127.0.0.1:%s/vnc.html?autoconnect=true", s.streamPort)
}

func (s *session) Screenshot(ctx context.Context) ([]byte, error) {
	stdout, stderr, err := s.exec(ctx, []string{"import", "-window", "root", "png:-"})
	if err != nil {
		return nil, fmt.Errorf("capturing frame: %w (%s)", err, bytes.TrimSpace(stderr))
	}
	if len(stdout) == 0 {
		return nil, fmt.Errorf("capturing frame: empty image")
	}
	return stdout, nil
}

func (s *session) MoveMouse(ctx context.Context, x, y int) error {
	return s.xdotool(ctx, "mousemove", strconv.Itoa(x), strconv.Itoa(y))
}

func (s *session) LeftClick(ctx context.Context) error {
	return s.xdotool(ctx, "click", "1")
}

func (s *session) DoubleClick(ctx context.Context) error {
	return s.xdotool(ctx, "click", "--repeat", "2", "--delay", "100", "1")
}

func (s *session) RightClick(ctx context.Context) error {
	return s.xdotool(ctx, "click", "3")
}

func (s *session) TypeText(ctx context.Context, text string) error {
	return s.xdotool(ctx, "type", "--delay", "12", "--", text)
}

func (s *session) PressKey(ctx context.Context, key string) error {
	return s.xdotool(ctx, "key", "--", keysym(key))
}

func (s *session) Scroll(ctx context.Context, direction string, amount int) error {
	// X buttons 4/5 are wheel up/down.
	button := "5"
	if direction == desktop.ScrollUp {
		button = "4"
	}
	if amount < 1 {
		amount = 1
	}
	return s.xdotool(ctx, "click", "--repeat", strconv.Itoa(amount), "--delay", "50", button)
}

func (s *session) Drag(ctx context.Context, fromX, fromY, toX, toY int) error {
	return s.xdotool(ctx,
		"mousemove", strconv.Itoa(fromX), strconv.Itoa(fromY),
		"mousedown", "1",
		"mousemove", "--sync", strconv.Itoa(toX), strconv.Itoa(toY),
		"mouseup", "1",
	)
}

func (s *session) RunCommand(ctx context.Context, command string) (*desktop.Result, error) {
	stdout, stderr, err := s.exec(ctx, []string{"sh", "-c", command})
	if err != nil {
		return nil, err
	}
	return &desktop.Result{
		Stdout: string(stdout),
		Stderr: string(stderr),
	}, nil
}

func (s *session) xdotool(ctx context.Context, args ...string) error {
	_, stderr, err := s.exec(ctx, append([]string{"xdotool"}, args...))
	if err != nil {
		return fmt.Errorf("xdotool %s: %w (%s)", args[0], err, bytes.TrimSpace(stderr))
	}
	return nil
}

// exec runs a command inside the container and returns demuxed stdout and
// stderr. A non-zero exit code is an error.
func (s *session) exec(ctx context.Context, cmd []string) ([]byte, []byte, error) {
	s.manager.touch(s.id)

	execResp, err := s.manager.client.ContainerExecCreate(ctx, s.containerID, types.ExecConfig{
		Cmd:          cmd,
		Env:          []string{"DISPLAY=:0"},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := s.manager.client.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := s.manager.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("inspecting exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("command exited with code %d", inspect.ExitCode)
	}

	return stdout.Bytes(), stderr.Bytes(), nil
}
