// Package offsets tracks replication progress per (table, keyspace,
// partition, destination). The durable rows live in each destination's
// own database so that data and offset commit atomically; this package
// owns the SQL the sinks embed plus an in-memory view used for duplicate
// suppression and resume-token computation.
package offsets

import (
	"sync"

	"github.com/tributary-io/tributary/internal/types"
)

// Table is the offsets table name at every destination.
const Table = "cdc_offsets"

// PGCreateTableSQL bootstraps the offsets table on the relational
// destinations. Idempotent.
const PGCreateTableSQL = `
create table if not exists cdc_offsets (
    offset_id                   uuid primary key,
    table_name                  text not null,
    keyspace                    text not null,
    partition_id                bigint not null,
    destination                 text not null,
    commitlog_file              text not null,
    commitlog_position          bigint not null check (commitlog_position >= 0),
    last_event_timestamp_micros bigint not null check (last_event_timestamp_micros >= 0),
    last_committed_at           timestamptz not null,
    events_replicated_count     bigint not null check (events_replicated_count >= 0),
    unique (table_name, keyspace, partition_id, destination)
)`

// PGUpsertSQL advances one offset row inside the sink's batch
// transaction. The where clause makes the advance monotone: a replayed
// batch whose (file, position) does not exceed the stored row leaves it
// untouched.
const PGUpsertSQL = `
insert into cdc_offsets (
    offset_id, table_name, keyspace, partition_id, destination,
    commitlog_file, commitlog_position, last_event_timestamp_micros,
    last_committed_at, events_replicated_count
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
on conflict (table_name, keyspace, partition_id, destination) do update set
    commitlog_file = excluded.commitlog_file,
    commitlog_position = excluded.commitlog_position,
    last_event_timestamp_micros = excluded.last_event_timestamp_micros,
    last_committed_at = excluded.last_committed_at,
    events_replicated_count = cdc_offsets.events_replicated_count + $11
where (excluded.commitlog_file, excluded.commitlog_position)
    > (cdc_offsets.commitlog_file, cdc_offsets.commitlog_position)`

// PGSelectSQL loads every offset row for one destination at startup.
const PGSelectSQL = `
select offset_id, table_name, keyspace, partition_id, destination,
       commitlog_file, commitlog_position, last_event_timestamp_micros,
       last_committed_at, events_replicated_count
  from cdc_offsets
 where destination = $1`

// PGUpsertArgs renders the parameter list for PGUpsertSQL. delta is the
// number of events the batch adds to the cumulative counter.
func PGUpsertArgs(o *types.Offset, delta int64) []any {
	return []any{
		o.OffsetID, o.Table, o.Keyspace, o.PartitionID, string(o.Destination),
		o.CommitlogFile, o.CommitlogPosition, o.LastEventMicros,
		o.LastCommittedAt, o.EventsReplicatedCount, delta,
	}
}

// CHCreateTableSQL bootstraps the ClickHouse offsets table. The
// ReplacingMergeTree keyed on the offset tuple with the commit-log
// position as version converges to the furthest row; there is no
// multi-statement transaction to lean on.
const CHCreateTableSQL = `
create table if not exists cdc_offsets (
    offset_id                   UUID,
    table_name                  String,
    keyspace                    String,
    partition_id                Int64,
    destination                 String,
    commitlog_file              String,
    commitlog_position          Int64,
    last_event_timestamp_micros Int64,
    last_committed_at           DateTime64(6),
    events_replicated_count     Int64
) engine = ReplacingMergeTree(last_event_timestamp_micros)
order by (table_name, keyspace, partition_id, destination)`

// CHInsertSQL appends one offset row; the merge engine deduplicates.
const CHInsertSQL = `
insert into cdc_offsets (
    offset_id, table_name, keyspace, partition_id, destination,
    commitlog_file, commitlog_position, last_event_timestamp_micros,
    last_committed_at, events_replicated_count
)`

// CHSelectSQL reads the converged view of the offsets table. FINAL forces
// merge semantics so unmerged duplicate rows do not surface.
const CHSelectSQL = `
select offset_id, table_name, keyspace, partition_id, destination,
       commitlog_file, commitlog_position, last_event_timestamp_micros,
       last_committed_at, events_replicated_count
  from cdc_offsets final
 where destination = ?`

// Manager is the in-memory offset view for one run of the pipeline. It is
// loaded from every destination at startup, consulted to suppress
// duplicate replays, and updated after each acknowledged batch.
type Manager struct {
	mu    sync.RWMutex
	byKey map[types.OffsetKey]*types.Offset
}

func NewManager() *Manager {
	return &Manager{byKey: make(map[types.OffsetKey]*types.Offset)}
}

// Load merges stored offsets into the view, keeping the furthest position
// per key. Called once per destination at startup.
func (m *Manager) Load(offsets []*types.Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range offsets {
		key := o.Key()
		if cur, ok := m.byKey[key]; ok && o.Position().Compare(cur.Position()) <= 0 {
			continue
		}
		m.byKey[key] = o
	}
}

// Get returns the tracked offset for a key.
func (m *Manager) Get(key types.OffsetKey) (*types.Offset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.byKey[key]
	return o, ok
}

// Prepare builds the offset row a batch commit should write: an advance
// of the tracked offset, or a fresh row for a key never seen. Returns
// (nil, false) when the batch position does not advance the stored one,
// which marks the whole batch as a duplicate replay.
func (m *Manager) Prepare(key types.OffsetKey, pos types.Position, eventMicros, delta int64) (*types.Offset, bool, error) {
	m.mu.RLock()
	cur, ok := m.byKey[key]
	m.mu.RUnlock()

	if !ok {
		o, err := types.NewOffset(key, pos, eventMicros, delta)
		if err != nil {
			return nil, false, err
		}
		return o, true, nil
	}
	if pos.Compare(cur.Position()) <= 0 {
		return nil, false, nil
	}
	// A source timestamp behind the committed one is a replay with stale
	// ordering: skip it rather than overwrite newer state.
	if eventMicros < cur.LastEventMicros {
		return nil, false, nil
	}
	o, err := cur.Advance(pos, eventMicros, delta)
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

// Commit records an offset the destination acknowledged.
func (m *Manager) Commit(o *types.Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := o.Key()
	if cur, ok := m.byKey[key]; ok && o.Position().Compare(cur.Position()) <= 0 {
		return
	}
	m.byKey[key] = o
}

// ResumeToken returns the oldest tracked position across every key, the
// point the commit-log reader must restart from so that no destination
// misses an event. Keys ahead of the token replay harmlessly: the
// monotone offset guard turns their duplicates into no-ops. Returns nil
// when no offsets exist, meaning "oldest file, position 0".
func (m *Manager) ResumeToken() *types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var min *types.Position
	for _, o := range m.byKey {
		p := o.Position()
		if min == nil || p.Compare(*min) < 0 {
			min = &p
		}
	}
	return min
}

// Lag returns the newest committed source timestamp per destination,
// feeding the replication-lag gauge.
func (m *Manager) Lag() map[types.Destination]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.Destination]int64)
	for _, o := range m.byKey {
		if o.LastEventMicros > out[o.Destination] {
			out[o.Destination] = o.LastEventMicros
		}
	}
	return out
}
