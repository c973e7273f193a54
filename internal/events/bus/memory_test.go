package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("session.created", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	event := NewEvent("session.created", "test", map[string]interface{}{"session_id": "abc"})
	err = bus.Publish(context.Background(), "session.created", event)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, "session.created", got.Type)
		assert.Equal(t, "abc", got.Data["session_id"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryEventBus_WildcardSingleToken(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	var mu sync.Mutex
	var subjectsSeen []string
	_, err := bus.Subscribe("session.*.status", func(ctx context.Context, event *Event) error {
		mu.Lock()
		subjectsSeen = append(subjectsSeen, event.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "session.abc.status", NewEvent("match", "test", nil)))
	require.NoError(t, bus.Publish(context.Background(), "session.abc.def.status", NewEvent("no-match", "test", nil)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(subjectsSeen) == 1 && subjectsSeen[0] == "match"
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryEventBus_WildcardMultiToken(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	received := make(chan *Event, 2)
	_, err := bus.Subscribe("session.>", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "session.abc.status", NewEvent("a", "test", nil)))
	require.NoError(t, bus.Publish(context.Background(), "session.abc.sandbox.ready", NewEvent("b", "test", nil)))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))
	defer bus.Close()

	received := make(chan *Event, 1)
	sub, err := bus.Subscribe("session.deleted", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	assert.True(t, sub.IsValid())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(context.Background(), "session.deleted", NewEvent("x", "test", nil)))

	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(testLogger(t))

	assert.True(t, bus.IsConnected())
	bus.Close()
	assert.False(t, bus.IsConnected())

	err := bus.Publish(context.Background(), "session.created", NewEvent("x", "test", nil))
	assert.Error(t, err)

	_, err = bus.Subscribe("session.created", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)
}
