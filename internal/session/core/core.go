// Package core implements the per-session orchestration engine: the FIFO
// prompt queue, sandbox lifecycle decisions, event ingestion and
// coalescing, client fan-out and supervision timers.
package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/gateway"
	"github.com/coderelay/coderelay/internal/sandbox"
	"github.com/coderelay/coderelay/internal/sandbox/docker"
	"github.com/coderelay/coderelay/internal/session/models"
	"github.com/coderelay/coderelay/internal/session/repository"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

// Bus subjects published by the core.
const (
	SubjectSessionCreated   = "session.created"
	SubjectSessionDeleted   = "session.deleted"
	SubjectSessionArchived  = "session.archived"
	SubjectSandboxSpawning  = "session.sandbox.spawning"
	SubjectSandboxSpawned   = "session.sandbox.spawned"
	SubjectSandboxReady     = "session.sandbox.ready"
	SubjectSandboxStopped   = "session.sandbox.stopped"
	SubjectSandboxFailed    = "session.sandbox.failed"
	SubjectMessageCompleted = "session.message.completed"
	SubjectMessageFailed    = "session.message.failed"
)

// SandboxDriver is the container runtime as the core sees it.
type SandboxDriver interface {
	CreateSandbox(ctx context.Context, opts sandbox.CreateOptions) (string, error)
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	ListManaged(ctx context.Context) ([]docker.ContainerInfo, error)
	ReapExited(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) error
}

// WorktreeManager is the git worktree tool as the core sees it.
type WorktreeManager interface {
	Create(ctx context.Context, sessionID, repoPath, baseRef string) (string, error)
	Remove(ctx context.Context, sessionID, repoPath string) error
	BranchName(sessionID string) string
}

// Config carries the session supervision tunables.
type Config struct {
	DefaultModel       string
	InactivityTimeout  time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatStale     time.Duration
	StopGrace          time.Duration
	ForwardEnvPrefixes []string
}

// ConfigFromApp derives the core config from the application config.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		DefaultModel:       cfg.Session.DefaultModel,
		InactivityTimeout:  cfg.Session.InactivityTimeoutDuration(),
		HeartbeatInterval:  cfg.Session.HeartbeatIntervalDuration(),
		HeartbeatStale:     cfg.Session.HeartbeatStaleDuration(),
		StopGrace:          cfg.Sandbox.StopGraceDuration(),
		ForwardEnvPrefixes: cfg.Secrets.ForwardEnvPrefixes,
	}
}

// sessionState is the per-session transient state. Its mutex serialises
// every composite operation for the session: queue pump, event ingestion,
// timer callbacks, archive and delete. The processing message id doubles
// as the pump's re-entrancy guard.
type sessionState struct {
	mu                  sync.Mutex
	processingMessageID string
	inactivityTimer     *time.Timer
	watchdogStop        chan struct{}
}

// Core coordinates all per-session orchestration. One instance serves the
// whole process; sessions run independently under their own state lock.
type Core struct {
	repo      repository.Repository
	registry  *gateway.Registry
	driver    SandboxDriver
	worktrees WorktreeManager
	bus       bus.EventBus
	cfg       Config
	logger    *logger.Logger

	mu     sync.Mutex
	states map[string]*sessionState
}

// New creates the session core.
func New(repo repository.Repository, registry *gateway.Registry, driver SandboxDriver,
	worktrees WorktreeManager, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Core {
	return &Core{
		repo:      repo,
		registry:  registry,
		driver:    driver,
		worktrees: worktrees,
		bus:       eventBus,
		cfg:       cfg,
		logger:    log,
		states:    make(map[string]*sessionState),
	}
}

// Registry exposes the connection registry to the transport layer.
func (c *Core) Registry() *gateway.Registry {
	return c.registry
}

// state returns the transient state for a session, creating it on first use.
func (c *Core) state(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[sessionID]
	if !ok {
		st = &sessionState{}
		c.states[sessionID] = st
	}
	return st
}

// dropState removes a session's transient state. Caller must have stopped
// its timers first.
func (c *Core) dropState(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, sessionID)
}

// IsProcessing reports whether a prompt is currently being processed.
func (c *Core) IsProcessing(sessionID string) bool {
	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.processingMessageID != ""
}

// publish emits a lifecycle event on the bus. Best effort; bus failures
// never affect session state.
func (c *Core) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, subject, bus.NewEvent(subject, "session-core", data)); err != nil {
		c.logger.Warn("Failed to publish bus event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// repoScope derives the secret scope ("owner/name") from a host repo path.
func repoScope(repoPath string) string {
	dir, name := filepath.Split(filepath.Clean(repoPath))
	owner := filepath.Base(dir)
	if owner == "." || owner == string(filepath.Separator) || owner == "" {
		return name
	}
	return owner + "/" + name
}

// buildEnvOverlay assembles the environment injected into a session's
// sandbox: stored secrets (repo scope over global) plus host env vars with
// forwarded prefixes. Stored secrets win over host env.
func (c *Core) buildEnvOverlay(ctx context.Context, sess *v1.Session) map[string]string {
	overlay, err := c.repo.ResolveSecrets(ctx, repoScope(sess.RepoPath))
	if err != nil {
		c.logger.Warn("Failed to resolve secrets", zap.Error(err))
		overlay = make(map[string]string)
	}

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, prefix := range c.cfg.ForwardEnvPrefixes {
			if strings.HasPrefix(key, prefix) {
				if _, exists := overlay[key]; !exists {
					overlay[key] = value
				}
				break
			}
		}
	}
	return overlay
}

// effectiveModel resolves the model and reasoning effort for a dispatch:
// message-level override, then session default, then the hard default.
func (c *Core) effectiveModel(sess *v1.Session, msg *v1.Message) (model, effort string) {
	model = c.cfg.DefaultModel
	if sess.Model != "" {
		model = sess.Model
	}
	if msg.Model != nil && *msg.Model != "" {
		model = *msg.Model
	}

	if sess.ReasoningEffort != nil {
		effort = *sess.ReasoningEffort
	}
	if msg.ReasoningEffort != nil && *msg.ReasoningEffort != "" {
		effort = *msg.ReasoningEffort
	}
	return model, effort
}

// newTimelineEvent builds a persisted timeline event.
func newTimelineEvent(sessionID, eventType string, data []byte, messageID *string) *v1.Event {
	if len(data) == 0 {
		data = []byte("{}")
	}
	return &v1.Event{
		ID:        models.NewID(),
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		MessageID: messageID,
		CreatedAt: time.Now().UTC(),
	}
}
