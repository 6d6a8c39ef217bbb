// Package sink writes event batches to the destination warehouses. Each
// implementation owns its connection pool, embeds the offset advance in
// its write protocol, and reports categorized errors the retry layer can
// act on.
package sink

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tributary-io/tributary/internal/types"
)

// Batch is a contiguous run of events from one partition of one table,
// plus the resumption token positioned just past its last event.
// Batches never mix partitions; orderings across partitions may
// interleave, within one partition they are strict.
type Batch struct {
	Keyspace    string
	Table       string
	PartitionID int64
	Events      []*types.Event
	Token       types.Position
	Bytes       int
	CreatedAt   time.Time
}

// Key returns the offset tuple this batch advances for a destination.
func (b *Batch) Key(dest types.Destination) types.OffsetKey {
	return types.OffsetKey{
		Table:       b.Table,
		Keyspace:    b.Keyspace,
		PartitionID: b.PartitionID,
		Destination: dest,
	}
}

// LastEventMicros is the source timestamp of the final event in the
// batch, the value the offset row records.
func (b *Batch) LastEventMicros() int64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].TimestampMicros
}

// Sink is one destination warehouse. WriteBatch is atomic where the
// destination allows (relational: one transaction) and ordered where it
// does not (columnar: data insert then offset insert). All operations
// are idempotent at (event-id, primary-key) granularity.
type Sink interface {
	Destination() types.Destination

	// Connect establishes the pool and bootstraps the offsets table.
	Connect(ctx context.Context) error

	// LoadOffsets reads every stored offset row for this destination.
	LoadOffsets(ctx context.Context) ([]*types.Offset, error)

	// WriteBatch commits the batch and its offset advance. A batch whose
	// token does not advance the stored offset is a duplicate replay and
	// succeeds as a no-op.
	WriteBatch(ctx context.Context, batch *Batch) error

	// WriteOffset advances the stored offset without writing data. Used
	// after dead-lettering so a given-up event is not replayed next run.
	// delta is the increment for the cumulative event counter, normally 0
	// since dead-lettered events were not replicated.
	WriteOffset(ctx context.Context, off *types.Offset, delta int64) error

	// ApplySchemaChange issues the DDL equivalent of a source schema diff.
	ApplySchemaChange(ctx context.Context, change types.SchemaChange) error

	// HealthCheck pings the destination.
	HealthCheck(ctx context.Context) error

	Close()
}

// Meter keeps an exponentially-weighted events/sec estimate per
// destination and mirrors it into the throughput gauge.
type Meter struct {
	dest types.Destination

	mu       sync.Mutex
	rate     float64
	lastTick time.Time
	inflight int
}

// NewMeter starts a throughput meter for one destination.
func NewMeter(dest types.Destination) *Meter {
	return &Meter{dest: dest, lastTick: time.Now()}
}

// Record folds n committed events into the moving average. The decay
// half-life is on the order of ten seconds, fast enough to show a stall
// and slow enough not to flap per batch.
func (m *Meter) Record(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(m.lastTick).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-6
	}
	instant := float64(n) / elapsed
	alpha := 1 - math.Exp(-elapsed/10.0)
	m.rate += alpha * (instant - m.rate)
	m.lastTick = now
	EventsPerSecond.WithLabelValues(string(m.dest)).Set(m.rate)
}

// Rate returns the current events/sec estimate.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// BatchStarted and BatchDone track the in-flight batch count.
func (m *Meter) BatchStarted() {
	m.mu.Lock()
	m.inflight++
	m.mu.Unlock()
}

func (m *Meter) BatchDone() {
	m.mu.Lock()
	m.inflight--
	m.mu.Unlock()
}

// Inflight returns the number of batches currently being written.
func (m *Meter) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}
