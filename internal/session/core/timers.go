package core

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/gateway"
	v1 "github.com/coderelay/coderelay/pkg/api/v1"
)

const heartbeatLostMessage = "Sandbox heartbeat lost. Container may have crashed."

// resetInactivityLocked (re)arms the session's inactivity timer. Caller
// holds st.mu.
func (c *Core) resetInactivityLocked(sessionID string, st *sessionState) {
	if c.cfg.InactivityTimeout <= 0 {
		return
	}
	if st.inactivityTimer != nil {
		st.inactivityTimer.Stop()
	}
	st.inactivityTimer = time.AfterFunc(c.cfg.InactivityTimeout, func() {
		c.onInactivity(sessionID)
	})
}

// stopTimersLocked cancels the inactivity timer and the heartbeat
// watchdog. Caller holds st.mu.
func (c *Core) stopTimersLocked(st *sessionState) {
	if st.inactivityTimer != nil {
		st.inactivityTimer.Stop()
		st.inactivityTimer = nil
	}
	if st.watchdogStop != nil {
		close(st.watchdogStop)
		st.watchdogStop = nil
	}
}

// onInactivity fires when a session has seen no activity for the
// configured window. Attached clients extend the window; otherwise the
// container is stopped (not removed) so a later prompt can respawn fast.
func (c *Core) onInactivity(sessionID string) {
	ctx := context.Background()

	st := c.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if sess.Status == v1.SessionStatusArchived {
		return
	}

	if c.registry.ClientCount(sessionID) > 0 {
		c.logger.Debug("Extending inactivity window, clients attached",
			zap.String("session_id", sessionID))
		c.resetInactivityLocked(sessionID, st)
		return
	}

	c.logger.Info("Stopping idle sandbox",
		zap.String("session_id", sessionID))

	if sess.ContainerID != nil {
		if err := c.driver.Stop(ctx, *sess.ContainerID, c.cfg.StopGrace); err != nil {
			c.logger.Warn("Failed to stop idle container",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusStopped); err != nil {
		c.logger.Error("Failed to mark sandbox stopped", zap.Error(err))
	}
	c.registry.Broadcast(sessionID, gateway.SessionStatusFrame{
		Type:   gateway.FrameSessionStatus,
		Status: sess.Status,
	})
	c.publish(ctx, SubjectSandboxStopped, map[string]interface{}{"session_id": sessionID})
}

// startWatchdogLocked launches the heartbeat watchdog for a session,
// replacing any previous one. Caller holds st.mu.
func (c *Core) startWatchdogLocked(sessionID string, st *sessionState) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	if st.watchdogStop != nil {
		close(st.watchdogStop)
	}
	stop := make(chan struct{})
	st.watchdogStop = stop
	go c.watchdog(sessionID, stop)
}

// watchdog periodically checks heartbeat freshness. When the bridge goes
// silent past the staleness threshold the sandbox is declared failed and
// the watchdog stops; the next prompt triggers a respawn.
func (c *Core) watchdog(sessionID string, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.checkHeartbeat(sessionID, stop) {
				return
			}
		}
	}
}

// checkHeartbeat returns true when the watchdog should stop.
func (c *Core) checkHeartbeat(sessionID string, stop chan struct{}) bool {
	ctx := context.Background()

	sess, err := c.repo.GetSession(ctx, sessionID)
	if err != nil {
		// Session gone; nothing left to supervise.
		return true
	}
	if sess.LastHeartbeat == nil || time.Since(*sess.LastHeartbeat) <= c.cfg.HeartbeatStale {
		return false
	}

	c.logger.Warn("Sandbox heartbeat stale, marking failed",
		zap.String("session_id", sessionID),
		zap.Time("last_heartbeat", *sess.LastHeartbeat))

	st := c.state(sessionID)
	st.mu.Lock()
	if err := c.repo.UpdateSessionSandboxStatus(ctx, sessionID, v1.SandboxStatusFailed); err != nil {
		c.logger.Error("Failed to mark sandbox failed", zap.Error(err))
	}
	// A replacement watchdog may already be running; only clear our own.
	if st.watchdogStop == stop {
		st.watchdogStop = nil
	}
	st.mu.Unlock()

	c.registry.Broadcast(sessionID, gateway.SandboxErrorFrame{
		Type:  gateway.FrameSandboxError,
		Error: heartbeatLostMessage,
	})
	c.publish(ctx, SubjectSandboxFailed, map[string]interface{}{
		"session_id": sessionID,
		"error":      heartbeatLostMessage,
	})
	return true
}
