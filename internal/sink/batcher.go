package sink

import (
	"encoding/json"
	"time"

	"github.com/tributary-io/tributary/internal/types"
)

// Batcher accumulates events into partition-contiguous batches bounded
// by count, bytes, and age. Not safe for concurrent use: each worker
// owns one.
type Batcher struct {
	maxSize  int
	maxBytes int
	maxAge   time.Duration

	cur *Batch
}

// NewBatcher builds a batcher with the given bounds. Non-positive bounds
// fall back to the documented defaults.
func NewBatcher(maxSize, maxBytes int, maxAge time.Duration) *Batcher {
	if maxSize <= 0 {
		maxSize = 100
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if maxAge <= 0 {
		maxAge = time.Second
	}
	return &Batcher{maxSize: maxSize, maxBytes: maxBytes, maxAge: maxAge}
}

// Add appends an event and returns a completed batch when a bound trips
// or the partition changes. The returned batch never contains ev unless
// it was the event that filled it; a partition switch returns the prior
// batch and starts a new one holding ev.
func (b *Batcher) Add(ev *types.Event, token types.Position) *Batch {
	size := eventSize(ev)

	var flushed *Batch
	if b.cur != nil && !b.accepts(ev, size) {
		flushed = b.cur
		b.cur = nil
	}
	if b.cur == nil {
		b.cur = &Batch{
			Keyspace:    ev.Keyspace,
			Table:       ev.Table,
			PartitionID: ev.PartitionID(),
			CreatedAt:   time.Now(),
		}
	}
	b.cur.Events = append(b.cur.Events, ev)
	b.cur.Bytes += size
	b.cur.Token = token

	if flushed == nil && (len(b.cur.Events) >= b.maxSize || b.cur.Bytes >= b.maxBytes) {
		flushed = b.cur
		b.cur = nil
	}
	return flushed
}

func (b *Batcher) accepts(ev *types.Event, size int) bool {
	if b.cur.Keyspace != ev.Keyspace || b.cur.Table != ev.Table || b.cur.PartitionID != ev.PartitionID() {
		return false
	}
	return b.cur.Bytes+size <= b.maxBytes
}

// Due reports whether the pending batch has aged past the flush bound.
func (b *Batcher) Due(now time.Time) bool {
	return b.cur != nil && now.Sub(b.cur.CreatedAt) >= b.maxAge
}

// Flush returns the pending batch, nil if empty.
func (b *Batcher) Flush() *Batch {
	out := b.cur
	b.cur = nil
	return out
}

// Pending returns the number of buffered events.
func (b *Batcher) Pending() int {
	if b.cur == nil {
		return 0
	}
	return len(b.cur.Events)
}

// eventSize approximates an event's wire footprint for the bytes bound.
func eventSize(ev *types.Event) int {
	raw, err := json.Marshal(ev)
	if err != nil {
		return 256
	}
	return len(raw)
}
