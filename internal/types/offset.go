package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Position is a resumption point in the commit log: a file name plus the
// byte position immediately after the last consumed event.
type Position struct {
	File string `json:"file"`
	Pos  int64  `json:"pos"`
}

// Compare orders positions lexicographically by file name, then by byte
// position. Commit-log file names sort in creation order.
func (p Position) Compare(other Position) int {
	switch {
	case p.File < other.File:
		return -1
	case p.File > other.File:
		return 1
	case p.Pos < other.Pos:
		return -1
	case p.Pos > other.Pos:
		return 1
	}
	return 0
}

// IsZero reports whether the position is unset.
func (p Position) IsZero() bool { return p.File == "" && p.Pos == 0 }

func (p Position) String() string { return fmt.Sprintf("%s@%d", p.File, p.Pos) }

// OffsetKey identifies one replication offset: a (table, keyspace,
// partition, destination) tuple.
type OffsetKey struct {
	Table       string
	Keyspace    string
	PartitionID int64
	Destination Destination
}

func (k OffsetKey) String() string {
	return fmt.Sprintf("%s.%s:partition_%d:%s", k.Keyspace, k.Table, k.PartitionID, k.Destination)
}

// Offset records replication progress for one OffsetKey. Offsets are
// created lazily on first write, advance monotonically, and are never
// deleted.
type Offset struct {
	OffsetID              uuid.UUID   `json:"offset_id"`
	Table                 string      `json:"table_name"`
	Keyspace              string      `json:"keyspace"`
	PartitionID           int64       `json:"partition_id"`
	Destination           Destination `json:"destination"`
	CommitlogFile         string      `json:"commitlog_file"`
	CommitlogPosition     int64       `json:"commitlog_position"`
	LastEventMicros       int64       `json:"last_event_timestamp_micros"`
	LastCommittedAt       time.Time   `json:"last_committed_at"`
	EventsReplicatedCount int64       `json:"events_replicated_count"`
}

// NewOffset creates the first offset for a key.
func NewOffset(key OffsetKey, pos Position, eventMicros int64, events int64) (*Offset, error) {
	if pos.Pos < 0 {
		return nil, errors.New("commitlog_position must be non-negative")
	}
	if eventMicros < 0 {
		return nil, errors.New("last_event_timestamp_micros must be non-negative")
	}
	if events < 0 {
		return nil, errors.New("events_replicated_count must be non-negative")
	}
	return &Offset{
		OffsetID:              uuid.New(),
		Table:                 key.Table,
		Keyspace:              key.Keyspace,
		PartitionID:           key.PartitionID,
		Destination:           key.Destination,
		CommitlogFile:         pos.File,
		CommitlogPosition:     pos.Pos,
		LastEventMicros:       eventMicros,
		LastCommittedAt:       time.Now().UTC(),
		EventsReplicatedCount: events,
	}, nil
}

// Key returns the identifying tuple for this offset.
func (o *Offset) Key() OffsetKey {
	return OffsetKey{Table: o.Table, Keyspace: o.Keyspace, PartitionID: o.PartitionID, Destination: o.Destination}
}

// Position returns the stored commit-log position.
func (o *Offset) Position() Position {
	return Position{File: o.CommitlogFile, Pos: o.CommitlogPosition}
}

// Advance returns a copy of the offset moved to a later position. The
// offset id is retained; the event counter accumulates. Moving backwards
// in either position or source timestamp is an error: callers treat a
// non-advancing update as a duplicate replay and skip it.
func (o *Offset) Advance(pos Position, eventMicros int64, events int64) (*Offset, error) {
	if pos.Compare(o.Position()) <= 0 {
		return nil, fmt.Errorf("offset position %s does not advance past %s", pos, o.Position())
	}
	if eventMicros < o.LastEventMicros {
		return nil, fmt.Errorf("offset timestamp %d regresses below %d", eventMicros, o.LastEventMicros)
	}
	out := *o
	out.CommitlogFile = pos.File
	out.CommitlogPosition = pos.Pos
	out.LastEventMicros = eventMicros
	out.LastCommittedAt = time.Now().UTC()
	out.EventsReplicatedCount += events
	return &out, nil
}
