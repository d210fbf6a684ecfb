package event

import (
	"strconv"
	"sync"
	"time"

	"github.com/agentmesh/worldgate/pkg/types"
)

// DefaultBufferCapacity bounds a session's buffer when no capacity is
// configured.
const DefaultBufferCapacity = 500

// Buffer is a bounded FIFO of events awaiting a poll. Push assigns a
// strictly increasing sequence timestamp; DrainSince removes and
// returns exactly the events newer than a cutoff, so an event reaches
// a polling lineage at most once.
type Buffer struct {
	mu     sync.Mutex
	cap    int
	items  []types.AgentEvent
	lastTS int64
	closed bool
}

// NewBuffer creates a buffer holding at most capacity events. A
// non-positive capacity selects the default.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Buffer{cap: capacity}
}

// Push stamps the event and appends it. When the buffer is full the
// oldest event is evicted. An event whose DedupeID is still present in
// the buffer is dropped. Pushes after Close are dropped.
func (b *Buffer) Push(ev types.AgentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if ev.DedupeID != "" {
		for _, held := range b.items {
			if held.DedupeID == ev.DedupeID {
				return
			}
		}
	}

	ts := time.Now().UnixNano()
	if ts <= b.lastTS {
		ts = b.lastTS + 1
	}
	b.lastTS = ts
	ev.TS = ts
	ev.At = time.Unix(0, ts).UTC().Format(time.RFC3339Nano)

	if len(b.items) >= b.cap {
		b.items = b.items[1:]
	}
	b.items = append(b.items, ev)
}

// DrainSince removes and returns, in timestamp order, every event with
// TS strictly greater than cutoff. Events at or before the cutoff stay
// buffered for a future drain.
func (b *Buffer) DrainSince(cutoff int64) []types.AgentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var drained []types.AgentEvent
	var kept []types.AgentEvent
	for _, ev := range b.items {
		if ev.TS > cutoff {
			drained = append(drained, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	b.items = kept
	return drained
}

// Len reports how many events are waiting.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Close drops buffered events and makes later pushes no-ops. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.items = nil
}

// ParseCutoff interprets a caller-supplied poll cutoff: an RFC3339
// date-string or a numeric timestamp. Numbers large enough to be
// nanoseconds are taken as-is; smaller numbers are milliseconds.
// An empty string means "from the beginning".
func ParseCutoff(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UnixNano(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UnixNano(), nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 1e15 { // milliseconds
		n *= int64(time.Millisecond)
	}
	return n, nil
}
