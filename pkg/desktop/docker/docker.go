package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/nstogner/deskpilot/pkg/desktop"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "deskpilot"
	// LabelSandboxID is the label used to identify which sandbox a container belongs to.
	LabelSandboxID = "sandbox-id"
	// DesktopImage is the default desktop container image. It runs Xvfb with
	// an XFCE session, xdotool and ImageMagick for input/capture, and a
	// noVNC server on StreamPort.
	DesktopImage = "desktop-sandbox:latest"
	// StreamPort is the noVNC port exposed by the desktop container.
	StreamPort = "6080"
	// IdleTimeout is how long an untouched desktop survives before the
	// reaper removes it.
	IdleTimeout = 5 * time.Minute
	// ReapInterval is how often the reaper checks for expired desktops.
	ReapInterval = 30 * time.Second
)

// Manager implements desktop.Manager using Docker containers driven over
// docker exec.
type Manager struct {
	client *client.Client
	image  string

	mu       sync.Mutex
	lastUsed map[string]time.Time
}

// Verify interface compliance.
var _ desktop.Manager = (*Manager)(nil)

// New creates a new Docker desktop manager using the given image, or
// DesktopImage when empty.
func New(image string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if image == "" {
		image = DesktopImage
	}
	return &Manager{
		client:   cli,
		image:    image,
		lastUsed: make(map[string]time.Time),
	}, nil
}

// Connect reconnects to a running desktop by id, or creates a fresh one.
func (m *Manager) Connect(ctx context.Context, id string) (desktop.Desktop, error) {
	if id != "" {
		c, err := m.client.ContainerInspect(ctx, m.containerName(id))
		if err == nil && c.State != nil && c.State.Running {
			port, err := m.getPort(c)
			if err != nil {
				return nil, err
			}
			m.touch(id)
			return &session{manager: m, id: id, containerID: c.ID, streamPort: port}, nil
		}
		slog.Info("Desktop not running, creating fresh", "sandboxID", id)
	}

	return m.create(ctx, id)
}

// Destroy forcibly tears down the desktop for the given id.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	containers, err := m.listContainers(ctx, id)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	for _, c := range containers {
		if err := m.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("removing container %s: %w", c.ID, err)
		}
	}
	m.mu.Lock()
	delete(m.lastUsed, id)
	m.mu.Unlock()
	slog.Info("Desktop destroyed", "sandboxID", id)
	return nil
}

// Close releases the Docker client resources.
func (m *Manager) Close() error {
	return m.client.Close()
}

// Reap runs a loop that removes desktops idle past IdleTimeout. Containers
// found without a recorded last-use (e.g. after a process restart) are
// adopted with a fresh deadline. Blocks until ctx is cancelled.
func (m *Manager) Reap(ctx context.Context) error {
	slog.Info("Desktop reaper starting", "idleTimeout", IdleTimeout)

	ticker := time.NewTicker(ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Desktop reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := m.reapExpired(ctx); err != nil {
				slog.Error("Reap pass failed", "error", err)
			}
		}
	}
}

func (m *Manager) reapExpired(ctx context.Context) error {
	containers, err := m.listAllManagedContainers(ctx)
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}

	now := time.Now()
	for _, c := range containers {
		id := c.Labels[LabelSandboxID]

		m.mu.Lock()
		last, known := m.lastUsed[id]
		if !known {
			m.lastUsed[id] = now
		}
		m.mu.Unlock()

		if known && now.Sub(last) > IdleTimeout {
			slog.Info("Reaping idle desktop", "sandboxID", id, "idle", now.Sub(last))
			if err := m.Destroy(ctx, id); err != nil {
				slog.Warn("Failed to reap desktop", "sandboxID", id, "error", err)
			}
		}
	}
	return nil
}

// touch records activity for the given sandbox id.
func (m *Manager) touch(id string) {
	m.mu.Lock()
	m.lastUsed[id] = time.Now()
	m.mu.Unlock()
}

// create starts a new desktop container. When id is empty a new sandbox id
// is generated.
func (m *Manager) create(ctx context.Context, id string) (desktop.Desktop, error) {
	// Ensure image exists locally.
	if _, _, err := m.client.ImageInspectWithRaw(ctx, m.image); err != nil {
		return nil, fmt.Errorf("desktop image %q not found: %w", m.image, err)
	}

	if id == "" {
		id = uuid.New().String()
	}

	cfg := &container.Config{
		Image: m.image,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelSandboxID: id,
		},
		ExposedPorts: nat.PortSet{
			nat.Port(StreamPort + "/tcp"): {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(StreamPort + "/tcp"): []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
		ShmSize: 512 * 1024 * 1024, // X server needs more than the 64MB default.
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.containerName(id))
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	c, err := m.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return nil, err
	}
	port, err := m.getPort(c)
	if err != nil {
		return nil, err
	}

	sess := &session{manager: m, id: id, containerID: resp.ID, streamPort: port}
	if err := m.waitForDisplay(ctx, sess); err != nil {
		return nil, err
	}

	m.touch(id)
	slog.Info("Desktop started", "sandboxID", id, "streamPort", port)
	return sess, nil
}

// waitForDisplay polls until the X server inside the container accepts
// commands.
func (m *Manager) waitForDisplay(ctx context.Context, sess *session) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for desktop display")
		case <-ticker.C:
			if _, _, err := sess.exec(timeoutCtx, []string{"xdotool", "getdisplaygeometry"}); err == nil {
				return nil
			}
		}
	}
}

func (m *Manager) containerName(id string) string {
	return "deskpilot-desktop-" + id
}

func (m *Manager) getPort(c types.ContainerJSON) (string, error) {
	ports := c.NetworkSettings.Ports[nat.Port(StreamPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but stream port not mapped")
}

func (m *Manager) listContainers(ctx context.Context, id string) ([]types.Container, error) {
	return m.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
			filters.Arg("label", LabelSandboxID+"="+id),
		),
	})
}

func (m *Manager) listAllManagedContainers(ctx context.Context) ([]types.Container, error) {
	return m.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
		),
	})
}
