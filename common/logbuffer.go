package common

import (
	"sync"
	"time"
)

// DefaultLogBufferSize bounds the in-process access log. Once full, the
// oldest records are overwritten.
const DefaultLogBufferSize = 2000

// AccessRecord is one captured request, as shown by the management
// surface and streamed over the log WebSocket.
type AccessRecord struct {
	Time      time.Time `json:"time"`
	Service   string    `json:"service"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Operation string    `json:"operation,omitempty"`
	Status    int       `json:"status"`
	BodySize  int64     `json:"bodySize"`
	LatencyMS float64   `json:"latencyMs"`
}

// LogBuffer is a bounded ring of access records with subscriber fan-out.
// Appends never block: slow subscribers miss records instead of stalling
// request handlers.
type LogBuffer struct {
	mu    sync.Mutex
	ring  []AccessRecord
	next  int
	full  bool
	subs  map[int]chan AccessRecord
	subID int
}

// NewLogBuffer creates a ring buffer holding up to size records.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultLogBufferSize
	}
	return &LogBuffer{
		ring: make([]AccessRecord, size),
		subs: make(map[int]chan AccessRecord),
	}
}

// Append stores a record and fans it out to subscribers. Subscriber
// channels that are full are skipped.
func (b *LogBuffer) Append(rec AccessRecord) {
	b.mu.Lock()
	b.ring[b.next] = rec
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	b.mu.Unlock()
}

// Snapshot returns the buffered records in arrival order.
func (b *LogBuffer) Snapshot() []AccessRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []AccessRecord
	if b.full {
		out = append(out, b.ring[b.next:]...)
	}
	out = append(out, b.ring[:b.next]...)
	return out
}

// Subscribe registers a live feed. The returned cancel func must be
// called to release the subscription.
func (b *LogBuffer) Subscribe() (<-chan AccessRecord, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.subID
	b.subID++
	ch := make(chan AccessRecord, 64)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Len reports how many records are currently buffered.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.ring)
	}
	return b.next
}
