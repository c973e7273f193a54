package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/logger"
)

// fakeSender records frames instead of writing to a socket.
type fakeSender struct {
	mu       sync.Mutex
	frames   []interface{}
	writable bool
	closed   bool
	code     int
}

func newFakeSender() *fakeSender {
	return &fakeSender{writable: true}
}

func (f *fakeSender) Send(v interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writable {
		return false
	}
	f.frames = append(f.frames, v)
	return true
}

func (f *fakeSender) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
}

func (f *fakeSender) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return NewRegistry(log)
}

func TestBroadcastFanOut(t *testing.T) {
	reg := newTestRegistry(t)

	c1, c2 := newFakeSender(), newFakeSender()
	reg.RegisterClient("s1", c1)
	reg.RegisterClient("s1", c2)
	other := newFakeSender()
	reg.RegisterClient("s2", other)

	reg.Broadcast("s1", ProcessingStatusFrame{Type: FrameProcessingStatus, IsProcessing: true})

	assert.Equal(t, 1, c1.frameCount())
	assert.Equal(t, 1, c2.frameCount())
	assert.Equal(t, 0, other.frameCount())
}

func TestBroadcastClosesSlowClient(t *testing.T) {
	reg := newTestRegistry(t)

	healthy := newFakeSender()
	slow := newFakeSender()
	slow.writable = false
	reg.RegisterClient("s1", healthy)
	reg.RegisterClient("s1", slow)

	reg.Broadcast("s1", SandboxStatusFrame{Type: FrameSandboxReady})

	assert.Equal(t, 1, healthy.frameCount())
	assert.True(t, slow.isClosed())
	assert.Equal(t, CloseSlowClient, slow.code)
	assert.Equal(t, 1, reg.ClientCount("s1"))

	// the healthy client keeps receiving
	reg.Broadcast("s1", SandboxStatusFrame{Type: FrameSandboxReady})
	assert.Equal(t, 2, healthy.frameCount())
}

func TestSandboxBridgeDisplacement(t *testing.T) {
	reg := newTestRegistry(t)

	first := newFakeSender()
	reg.RegisterSandbox("s1", first)
	assert.True(t, reg.HasSandbox("s1"))

	second := newFakeSender()
	reg.RegisterSandbox("s1", second)

	assert.True(t, first.isClosed())
	assert.Equal(t, CloseBridgeReplaced, first.code)
	assert.False(t, second.isClosed())

	// the displaced bridge's close handler must not evict the new bridge
	assert.False(t, reg.UnregisterSandbox("s1", first))
	assert.True(t, reg.HasSandbox("s1"))

	assert.True(t, reg.UnregisterSandbox("s1", second))
	assert.False(t, reg.HasSandbox("s1"))
}

func TestSendToSandbox(t *testing.T) {
	reg := newTestRegistry(t)

	assert.False(t, reg.SendToSandbox("s1", StopFrame{Type: "stop"}))

	bridge := newFakeSender()
	reg.RegisterSandbox("s1", bridge)
	assert.True(t, reg.SendToSandbox("s1", StopFrame{Type: "stop"}))
	assert.Equal(t, 1, bridge.frameCount())

	bridge.writable = false
	assert.False(t, reg.SendToSandbox("s1", StopFrame{Type: "stop"}))
}

func TestEntryCleanup(t *testing.T) {
	reg := newTestRegistry(t)

	client := newFakeSender()
	bridge := newFakeSender()
	reg.RegisterClient("s1", client)
	reg.RegisterSandbox("s1", bridge)

	reg.UnregisterClient("s1", client)
	// entry survives while a bridge is attached
	assert.True(t, reg.HasSandbox("s1"))

	reg.UnregisterSandbox("s1", bridge)

	reg.mu.RLock()
	_, exists := reg.sessions["s1"]
	reg.mu.RUnlock()
	assert.False(t, exists)
}

func TestCloseSession(t *testing.T) {
	reg := newTestRegistry(t)

	client := newFakeSender()
	bridge := newFakeSender()
	reg.RegisterClient("s1", client)
	reg.RegisterSandbox("s1", bridge)

	reg.CloseSession("s1", CloseSessionDeleted, "session deleted")

	assert.True(t, client.isClosed())
	assert.Equal(t, CloseSessionDeleted, client.code)
	assert.True(t, bridge.isClosed())
	assert.Equal(t, 0, reg.ClientCount("s1"))
	assert.False(t, reg.HasSandbox("s1"))
}
