package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
)

func testDriver(t *testing.T) *Driver {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewDriver(nil, config.SandboxConfig{
		Image:       "coderelay-sandbox:latest",
		CPUs:        2.0,
		MemoryMB:    4096,
		StopGrace:   10,
		NetworkMode: "bridge",
	}, "host.docker.internal", 8080, log)
}

func TestBuildContainerConfig(t *testing.T) {
	d := testDriver(t)

	cfg := d.buildContainerConfig(CreateOptions{
		SessionID:    "abc123",
		WorktreePath: "/worktrees/abc123",
		EnvOverlay:   map[string]string{"ANTHROPIC_API_KEY": "sk-test"},
	})

	assert.Equal(t, "coderelay-sandbox-abc123", cfg.Name)
	assert.Equal(t, "coderelay-sandbox:latest", cfg.Image)
	assert.Equal(t, int64(4096*1024*1024), cfg.Memory)
	assert.Equal(t, int64(200000), cfg.CPUQuota)

	assert.Equal(t, "true", cfg.Labels[LabelManaged])
	assert.Equal(t, "abc123", cfg.Labels[LabelSessionID])

	require.NotEmpty(t, cfg.Mounts)
	assert.Equal(t, "/worktrees/abc123", cfg.Mounts[0].Source)
	assert.Equal(t, WorkspaceMount, cfg.Mounts[0].Target)
	assert.False(t, cfg.Mounts[0].ReadOnly)

	assert.Contains(t, cfg.Env, "CODERELAY_SESSION_ID=abc123")
	assert.Contains(t, cfg.Env, "CODERELAY_BRIDGE_URL=ws://host.docker.internal:8080/ws/sessions/abc123?type=sandbox")
	assert.Contains(t, cfg.Env, "ANTHROPIC_API_KEY=sk-test")

	assert.Contains(t, cfg.ExtraHosts, "host.docker.internal:host-gateway")
}

func TestBuildContainerConfigHostNetwork(t *testing.T) {
	d := testDriver(t)
	d.cfg.NetworkMode = "host"

	cfg := d.buildContainerConfig(CreateOptions{
		SessionID:    "abc123",
		WorktreePath: "/worktrees/abc123",
	})

	assert.Empty(t, cfg.ExtraHosts)
	assert.Equal(t, "host", cfg.NetworkMode)
}
