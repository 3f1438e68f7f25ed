package docker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/nstogner/officeagent/pkg/sandbox"
	"github.com/nstogner/officeagent/pkg/sandbox/jupyter"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "officeagent"
	// LabelSessionID is the label used to identify which session a container belongs to.
	LabelSessionID = "session-id"
	// SandboxImage is the default sandbox container image.
	SandboxImage = "officeagent-sandbox:latest"
	// GatewayPort is the kernel gateway port exposed by the sandbox container.
	GatewayPort = "8888"
	// DefaultStartupTimeout bounds the wait for the gateway to answer.
	DefaultStartupTimeout = 120 * time.Second
)

// Config configures the Docker launcher.
type Config struct {
	// Image is the sandbox image. Defaults to SandboxImage.
	Image string
	// FilesDir is bind mounted at the same path inside the container and
	// used as its working directory, so file paths mean the same thing on
	// both sides.
	FilesDir string
	// StartupTimeout defaults to DefaultStartupTimeout.
	StartupTimeout time.Duration
}

// Launcher implements sandbox.Launcher with one container per session.
// Each container runs a Jupyter kernel gateway.
type Launcher struct {
	client *client.Client
	cfg    Config
}

var _ sandbox.Launcher = (*Launcher)(nil)

// New creates a new Docker launcher.
func New(cfg Config) (*Launcher, error) {
	if cfg.Image == "" {
		cfg.Image = SandboxImage
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.FilesDir != "" {
		abs, err := filepath.Abs(cfg.FilesDir)
		if err != nil {
			return nil, fmt.Errorf("resolving files dir: %w", err)
		}
		cfg.FilesDir = abs
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Launcher{client: cli, cfg: cfg}, nil
}

// Launch starts a fresh container for the session and a kernel inside it.
// A leftover container for the same session is removed first: interpreter
// state never survives a restart.
func (l *Launcher) Launch(ctx context.Context, sessionID string) (sandbox.Kernel, error) {
	l.stopContainer(ctx, sessionID)

	token := uuid.New().String()
	port, err := l.createAndStart(ctx, sessionID, token)
	if err != nil {
		l.stopContainer(context.Background(), sessionID)
		return nil, err
	}

	gw, err := jupyter.NewClient("http://127.0.0.1:"+port, token)
	if err != nil {
		l.stopContainer(context.Background(), sessionID)
		return nil, err
	}
	if err := l.waitForHealth(ctx, gw); err != nil {
		l.stopContainer(context.Background(), sessionID)
		return nil, err
	}

	k, err := gw.StartKernel(ctx, jupyter.DefaultKernelName)
	if err != nil {
		l.stopContainer(context.Background(), sessionID)
		return nil, err
	}
	slog.Info("Sandbox container started", "sessionID", sessionID, "port", port)
	return &containerKernel{Kernel: k, launcher: l, sessionID: sessionID}, nil
}

// Reap stops managed containers whose session is not in keep. It is run on
// startup to clean up after a crash.
func (l *Launcher) Reap(ctx context.Context, keep []string) error {
	all, err := l.listAllManagedContainers(ctx)
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}

	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	for _, c := range all {
		id := c.Labels[LabelSessionID]
		if !keepSet[id] {
			slog.Info("Stopping orphaned sandbox", "sessionID", id)
			l.stopContainer(ctx, id)
		}
	}
	return nil
}

// Status returns the container state for the session: "running", "exited",
// or "stopped" when there is no container.
func (l *Launcher) Status(ctx context.Context, sessionID string) (string, error) {
	containers, err := l.listContainers(ctx, sessionID)
	if err != nil {
		return "unknown", err
	}
	if len(containers) == 0 {
		return "stopped", nil
	}
	return containers[0].State, nil
}

// Close releases the Docker client resources.
func (l *Launcher) Close() error {
	return l.client.Close()
}

// containerKernel removes the container once the kernel is closed.
type containerKernel struct {
	*jupyter.Kernel
	launcher  *Launcher
	sessionID string
}

func (k *containerKernel) Close(ctx context.Context) error {
	err := k.Kernel.Close(ctx)
	k.launcher.stopContainer(ctx, k.sessionID)
	return err
}

// --- internal helpers ---

func (l *Launcher) createAndStart(ctx context.Context, sessionID, token string) (string, error) {
	// Ensure image exists locally.
	_, _, err := l.client.ImageInspectWithRaw(ctx, l.cfg.Image)
	if err != nil {
		return "", fmt.Errorf("sandbox image '%s' not found, run 'make build-sandbox': %w", l.cfg.Image, err)
	}

	cfg := &container.Config{
		Image: l.cfg.Image,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelSessionID: sessionID,
		},
		Env: []string{"KG_AUTH_TOKEN=" + token},
		ExposedPorts: nat.PortSet{
			nat.Port(GatewayPort + "/tcp"): {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(GatewayPort + "/tcp"): []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
	}
	if l.cfg.FilesDir != "" {
		hostCfg.Binds = []string{l.cfg.FilesDir + ":" + l.cfg.FilesDir}
		cfg.WorkingDir = l.cfg.FilesDir
	}

	resp, err := l.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, l.containerName(sessionID))
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}

	c, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", err
	}
	return l.getPort(c)
}

// stopContainer stops and removes any container for the given session.
func (l *Launcher) stopContainer(ctx context.Context, sessionID string) {
	containers, err := l.listContainers(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to list containers for stop", "sessionID", sessionID, "error", err)
		return
	}
	for _, c := range containers {
		timeout := 10
		if err := l.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("Failed to stop container", "id", c.ID, "error", err)
		}
		if err := l.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "id", c.ID, "error", err)
		}
	}
}

func (l *Launcher) containerName(sessionID string) string {
	return "officeagent-sandbox-" + sessionID
}

func (l *Launcher) getPort(c types.ContainerJSON) (string, error) {
	ports := c.NetworkSettings.Ports[nat.Port(GatewayPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but port not mapped")
}

func (l *Launcher) waitForHealth(ctx context.Context, gw *jupyter.Client) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, l.cfg.StartupTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for sandbox kernel gateway")
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(timeoutCtx, time.Second)
			err := gw.Ping(pingCtx)
			pingCancel()
			if err == nil {
				return nil
			}
		}
	}
}

func (l *Launcher) listContainers(ctx context.Context, sessionID string) ([]types.Container, error) {
	return l.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
			filters.Arg("label", LabelSessionID+"="+sessionID),
		),
	})
}

func (l *Launcher) listAllManagedContainers(ctx context.Context) ([]types.Container, error) {
	return l.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
		),
	})
}
