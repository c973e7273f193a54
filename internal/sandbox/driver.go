// Package sandbox manages per-session sandbox containers.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/sandbox/docker"
)

// Container labels used for bulk discovery of managed sandboxes.
const (
	LabelManaged   = "coderelay.managed"
	LabelSessionID = "coderelay.session_id"
)

// WorkspaceMount is the path inside the sandbox where the session's
// worktree is mounted.
const WorkspaceMount = "/workspace"

// CreateOptions holds the inputs for creating a session sandbox.
type CreateOptions struct {
	SessionID    string
	WorktreePath string
	Model        string
	// EnvOverlay carries resolved secrets and forwarded host env vars.
	EnvOverlay map[string]string
}

// Driver creates and supervises sandbox containers, one per session.
type Driver struct {
	client     *docker.Client
	cfg        config.SandboxConfig
	publicHost string
	serverPort int
	logger     *logger.Logger
}

// NewDriver creates a sandbox driver. publicHost and serverPort tell the
// bridge inside the sandbox where to dial back.
func NewDriver(client *docker.Client, cfg config.SandboxConfig, publicHost string, serverPort int, log *logger.Logger) *Driver {
	return &Driver{
		client:     client,
		cfg:        cfg,
		publicHost: publicHost,
		serverPort: serverPort,
		logger:     log,
	}
}

// HealthCheck verifies the Docker daemon is reachable.
func (d *Driver) HealthCheck(ctx context.Context) error {
	return d.client.Ping(ctx)
}

// CreateSandbox creates and starts a sandbox container for a session.
// It is idempotent: an already-running sandbox for the session is reused,
// and a stopped one is removed before a fresh container is created.
func (d *Driver) CreateSandbox(ctx context.Context, opts CreateOptions) (string, error) {
	exists, err := d.client.ImageExists(ctx, d.cfg.Image)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("sandbox image %s not found; pull or build it first", d.cfg.Image)
	}

	existing, err := d.findSessionContainer(ctx, opts.SessionID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if existing.State == "running" {
			d.logger.Info("Reusing running sandbox",
				zap.String("session_id", opts.SessionID),
				zap.String("container_id", existing.ID))
			return existing.ID, nil
		}
		// Stale container from a previous run; replace it
		if err := d.client.RemoveContainer(ctx, existing.ID, true); err != nil {
			return "", err
		}
	}

	cfg := d.buildContainerConfig(opts)

	containerID, err := d.client.CreateContainer(ctx, cfg)
	if err != nil {
		return "", err
	}

	if err := d.client.StartContainer(ctx, containerID); err != nil {
		_ = d.client.RemoveContainer(ctx, containerID, true)
		return "", err
	}

	return containerID, nil
}

// buildContainerConfig assembles the container configuration for a session
// sandbox: resource limits, discovery labels, the worktree mount and the
// environment the bridge needs to dial back.
func (d *Driver) buildContainerConfig(opts CreateOptions) docker.ContainerConfig {
	bridgeURL := fmt.Sprintf("ws://%s:%d/ws/sessions/%s?type=sandbox",
		d.publicHost, d.serverPort, opts.SessionID)

	env := []string{
		"CODERELAY_SESSION_ID=" + opts.SessionID,
		"CODERELAY_BRIDGE_URL=" + bridgeURL,
		"WORKSPACE=" + WorkspaceMount,
	}
	if opts.Model != "" {
		env = append(env, "CODERELAY_MODEL="+opts.Model)
	}
	for key, value := range opts.EnvOverlay {
		env = append(env, key+"="+value)
	}

	mounts := []docker.MountConfig{
		{Source: opts.WorktreePath, Target: WorkspaceMount},
	}
	mounts = append(mounts, d.credentialMounts()...)

	cfg := docker.ContainerConfig{
		Name:        "coderelay-sandbox-" + opts.SessionID,
		Image:       d.cfg.Image,
		Env:         env,
		WorkingDir:  WorkspaceMount,
		Mounts:      mounts,
		NetworkMode: d.cfg.NetworkMode,
		Memory:      d.cfg.MemoryMB * 1024 * 1024,
		CPUQuota:    int64(d.cfg.CPUs * 100000),
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelSessionID: opts.SessionID,
		},
	}

	// host-gateway lets the bridge reach the control plane from inside
	// the default bridge network on Linux
	if d.cfg.NetworkMode != "host" {
		cfg.ExtraHosts = []string{"host.docker.internal:host-gateway"}
	}

	return cfg
}

// credentialMounts returns read-only mounts for host credential files and
// directories that exist. Best effort; missing paths are skipped.
func (d *Driver) credentialMounts() []docker.MountConfig {
	if !d.cfg.MountHostCreds {
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	candidates := []struct {
		source string
		target string
	}{
		{filepath.Join(home, ".gitconfig"), "/root/.gitconfig"},
		{filepath.Join(home, ".claude"), "/root/.claude"},
		{filepath.Join(home, ".claude.json"), "/root/.claude.json"},
		{filepath.Join(home, ".config", "gh"), "/root/.config/gh"},
	}

	var mounts []docker.MountConfig
	for _, c := range candidates {
		if _, err := os.Stat(c.source); err != nil {
			continue
		}
		mounts = append(mounts, docker.MountConfig{
			Source:   c.source,
			Target:   c.target,
			ReadOnly: true,
		})
	}
	return mounts
}

func (d *Driver) findSessionContainer(ctx context.Context, sessionID string) (*docker.ContainerInfo, error) {
	containers, err := d.client.ListContainers(ctx, map[string]string{
		LabelManaged:   "true",
		LabelSessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return &containers[0], nil
}

// Stop stops a sandbox container with the given grace period.
func (d *Driver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	return d.client.StopContainer(ctx, containerID, grace)
}

// Remove force-removes a sandbox container.
func (d *Driver) Remove(ctx context.Context, containerID string) error {
	return d.client.RemoveContainer(ctx, containerID, true)
}

// IsRunning reports whether a container is currently running. A missing
// container is not an error; it is simply not running.
func (d *Driver) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := d.client.GetContainerInfo(ctx, containerID)
	if err != nil {
		return false, nil
	}
	return info.State == "running", nil
}

// Logs returns the last tail lines of a sandbox's output.
func (d *Driver) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	return d.client.GetContainerLogs(ctx, containerID, tail)
}

// ListManaged lists all sandbox containers this control plane created,
// including stopped ones.
func (d *Driver) ListManaged(ctx context.Context) ([]docker.ContainerInfo, error) {
	return d.client.ListContainers(ctx, map[string]string{LabelManaged: "true"})
}

// ReapExited removes managed containers that have exited or died and
// returns the session ids they belonged to.
func (d *Driver) ReapExited(ctx context.Context) ([]string, error) {
	containers, err := d.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	var sessionIDs []string
	for _, ctr := range containers {
		if ctr.State != "exited" && ctr.State != "dead" {
			continue
		}
		if err := d.client.RemoveContainer(ctx, ctr.ID, true); err != nil {
			d.logger.Warn("Failed to reap container",
				zap.String("container_id", ctr.ID),
				zap.Error(err))
			continue
		}
		d.logger.Info("Reaped exited sandbox",
			zap.String("container_id", ctr.ID),
			zap.String("session_id", ctr.Labels[LabelSessionID]))
		if sid := ctr.Labels[LabelSessionID]; sid != "" {
			sessionIDs = append(sessionIDs, sid)
		}
	}
	return sessionIDs, nil
}
