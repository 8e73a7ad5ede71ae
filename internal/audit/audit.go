package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vaultik/backend/internal/events"
)

// Entry is one append-only audit record. Each entry chains the previous
// entry's hash, so any in-place edit breaks verification from that
// index on.
type Entry struct {
	Index     int                    `json:"index"`
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	PrevHash  string                 `json:"prev_hash"`
	Hash      string                 `json:"hash"`
}

// Writer is a hash-chained append-only audit log. It can be fed
// directly via Write or attached to the event bus.
type Writer struct {
	mu      sync.RWMutex
	entries []Entry

	stopCh chan struct{}
	loop   sync.WaitGroup
	once   sync.Once
}

// NewWriter creates an empty audit log.
func NewWriter() *Writer {
	return &Writer{stopCh: make(chan struct{})}
}

// Attach subscribes the writer to every event on the bus until the
// context is cancelled or Stop is called.
func (w *Writer) Attach(ctx context.Context, bus *events.EventBus) {
	ch := bus.Subscribe()
	w.loop.Add(1)
	go func() {
		defer w.loop.Done()
		defer bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				w.Write(ev.Type, ev.Source, ev.Subject, ev.Data)
			}
		}
	}()
}

// Stop detaches the writer from the bus.
func (w *Writer) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.loop.Wait()
}

// Write appends one record and returns its hash.
func (w *Writer) Write(eventType, source, subject string, data map[string]interface{}) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	prev := ""
	if n := len(w.entries); n > 0 {
		prev = w.entries[n-1].Hash
	}
	e := Entry{
		Index:     len(w.entries),
		Timestamp: time.Now(),
		EventType: eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		PrevHash:  prev,
	}
	e.Hash = hashEntry(e)
	w.entries = append(w.entries, e)
	return e.Hash
}

// hashEntry hashes the entry content plus the previous hash. The Hash
// field itself is excluded.
func hashEntry(e Entry) string {
	payload, err := json.Marshal(struct {
		Index     int                    `json:"index"`
		Timestamp time.Time              `json:"timestamp"`
		EventType string                 `json:"event_type"`
		Source    string                 `json:"source"`
		Subject   string                 `json:"subject"`
		Data      map[string]interface{} `json:"data"`
		PrevHash  string                 `json:"prev_hash"`
	}{e.Index, e.Timestamp, e.EventType, e.Source, e.Subject, e.Data, e.PrevHash})
	if err != nil {
		slog.Error("audit entry marshal failed", "index", e.Index, "err", err)
		payload = []byte(fmt.Sprintf("%d|%s|%s", e.Index, e.EventType, e.PrevHash))
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Len returns the number of entries.
func (w *Writer) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Entries returns a copy of the log.
func (w *Writer) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Entry(nil), w.entries...)
}

// Verify walks the chain and reports the first corrupted index, or -1
// if the log is intact.
func (w *Writer) Verify() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	prev := ""
	for i, e := range w.entries {
		if e.PrevHash != prev || e.Hash != hashEntry(e) {
			return i
		}
		prev = e.Hash
	}
	return -1
}

// Root computes the Merkle root over all entry hashes. Odd levels carry
// the last node up unchanged.
func (w *Writer) Root() string {
	w.mu.RLock()
	level := make([]string, len(w.entries))
	for i, e := range w.entries {
		level[i] = e.Hash
	}
	w.mu.RUnlock()

	if len(level) == 0 {
		return ""
	}
	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			sum := sha256.Sum256([]byte(level[i] + level[i+1]))
			next = append(next, hex.EncodeToString(sum[:]))
		}
		level = next
	}
	return level[0]
}
