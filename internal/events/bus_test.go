package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch chan *CloudEvent) *CloudEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeAgentCreated, "pool", "agent-1", map[string]interface{}{"type": "neutral"})

	ev := receive(t, ch)
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.Equal(t, TypeAgentCreated, ev.Type)
	assert.Equal(t, "pool", ev.Source)
	assert.Equal(t, "agent-1", ev.Subject)
	assert.Equal(t, "neutral", ev.Data["type"])
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Time.IsZero())
}

func TestSubscribeFiltered(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeScalingAction)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeAgentCreated, "pool", "agent-1", nil)
	bus.Emit(TypeScalingAction, "pool", "neutral", nil)

	ev := receive(t, ch)
	assert.Equal(t, TypeScalingAction, ev.Type)
	assert.Empty(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Zero(t, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	// Overfill the buffer; excess events are dropped, not queued.
	for i := 0; i < 250; i++ {
		bus.Emit(TypeTrustEvaluated, "trust", "user-1", nil)
	}
	assert.Len(t, ch, 100)
}

func TestCloudEventJSON(t *testing.T) {
	ev := NewCloudEvent(TypeConsensusResult, "consensus", "req-1", map[string]interface{}{"decision": "ALLOW"})

	raw, err := ev.JSON()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "1.0", decoded["specversion"])
	assert.Equal(t, TypeConsensusResult, decoded["type"])
}

func TestSSEFormat(t *testing.T) {
	ev := NewCloudEvent(TypeHealthTransition, "monitor", "CRITICAL", nil)
	raw, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "event: "+TypeHealthTransition)
	assert.Contains(t, string(raw), "id: "+ev.ID)
}
