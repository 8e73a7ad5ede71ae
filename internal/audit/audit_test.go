package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultik/backend/internal/events"
)

func TestWriteChainsHashes(t *testing.T) {
	w := NewWriter()

	h1 := w.Write("access_granted", "system", "user-1", map[string]interface{}{"vault": "v1"})
	h2 := w.Write("access_denied", "system", "user-2", nil)
	assert.NotEmpty(t, h1)
	assert.NotEqual(t, h1, h2)

	entries := w.Entries()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].PrevHash)
	assert.Equal(t, h1, entries[1].PrevHash)
	assert.Equal(t, 0, entries[0].Index)
	assert.Equal(t, 1, entries[1].Index)
}

func TestVerifyIntactChain(t *testing.T) {
	w := NewWriter()
	for i := 0; i < 10; i++ {
		w.Write("event", "test", "", nil)
	}
	assert.Equal(t, -1, w.Verify())
}

func TestVerifyDetectsTampering(t *testing.T) {
	w := NewWriter()
	for i := 0; i < 10; i++ {
		w.Write("event", "test", "", map[string]interface{}{"i": i})
	}

	w.entries[4].Subject = "tampered"
	assert.Equal(t, 4, w.Verify())
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	w := NewWriter()
	for i := 0; i < 5; i++ {
		w.Write("event", "test", "", nil)
	}

	// Rewriting an entry consistently with its own content still breaks
	// the successor's prev link.
	w.entries[2].EventType = "forged"
	w.entries[2].Hash = hashEntry(w.entries[2])
	assert.Equal(t, 3, w.Verify())
}

func TestMerkleRoot(t *testing.T) {
	w := NewWriter()
	assert.Empty(t, w.Root())

	w.Write("event", "test", "a", nil)
	single := w.Root()
	assert.Equal(t, w.Entries()[0].Hash, single)

	w.Write("event", "test", "b", nil)
	double := w.Root()
	assert.NotEqual(t, single, double)

	// Odd count carries the last hash up unchanged; the root still moves.
	w.Write("event", "test", "c", nil)
	assert.NotEqual(t, double, w.Root())
}

func TestAttachConsumesBusEvents(t *testing.T) {
	bus := events.NewEventBus()

	w := NewWriter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Attach(ctx, bus)

	bus.Emit(events.TypeAgentCreated, "pool", "agent-1", map[string]interface{}{"type": "neutral"})
	bus.Emit(events.TypeScalingAction, "pool", "neutral", nil)

	require.Eventually(t, func() bool { return w.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	w.Stop()

	entries := w.Entries()
	assert.Equal(t, events.TypeAgentCreated, entries[0].EventType)
	assert.Equal(t, "agent-1", entries[0].Subject)
	assert.Equal(t, -1, w.Verify())
}
