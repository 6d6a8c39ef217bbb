// Package types defines the core data structures shared across the
// replication pipeline: change events, replication offsets, schema
// snapshots, DLQ records, and categorized errors.
package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// Kind is the mutation type carried by an Event.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// ParseKind converts a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindInsert, KindUpdate, KindDelete:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// CQLType is the source column type tag. Decoded values keep their tag so
// that per-destination validation can reject types a warehouse cannot hold.
type CQLType string

const (
	TypeText      CQLType = "text"
	TypeVarchar   CQLType = "varchar"
	TypeAscii     CQLType = "ascii"
	TypeInt       CQLType = "int"
	TypeBigint    CQLType = "bigint"
	TypeFloat     CQLType = "float"
	TypeDouble    CQLType = "double"
	TypeDecimal   CQLType = "decimal"
	TypeBoolean   CQLType = "boolean"
	TypeUUID      CQLType = "uuid"
	TypeTimeUUID  CQLType = "timeuuid"
	TypeTimestamp CQLType = "timestamp"
	TypeBlob      CQLType = "blob"
	TypeInet      CQLType = "inet"
	TypeMap       CQLType = "map"
	TypeSet       CQLType = "set"
	TypeList      CQLType = "list"
	TypeTuple     CQLType = "tuple"
	TypeCounter   CQLType = "counter"
)

// Column is one named, typed cell. A nil Value is a CQL null.
type Column struct {
	Name  string  `json:"name"`
	Type  CQLType `json:"type"`
	Value any     `json:"value"`
}

// Columns is an ordered list of cells. Order is the order the source
// declares the columns in, and it is significant for partition keys.
type Columns []Column

// Get returns the column with the given name, or false if absent.
func (cs Columns) Get(name string) (Column, bool) {
	for _, c := range cs {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the column names in declaration order.
func (cs Columns) Names() []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

// Clone returns a shallow copy of the column list. Values are immutable by
// convention, so sharing them between copies is safe.
func (cs Columns) Clone() Columns {
	out := make(Columns, len(cs))
	copy(out, cs)
	return out
}

// MaxClockSkew bounds how far in the future a capture time may be before
// event construction rejects it.
const MaxClockSkew = 5 * time.Second

// Event is one row mutation read from the commit log. Treat it as
// immutable after construction: transforms build a new Event rather than
// editing one in place.
type Event struct {
	ID              uuid.UUID `json:"event_id"`
	Kind            Kind      `json:"event_type"`
	Keyspace        string    `json:"keyspace"`
	Table           string    `json:"table_name"`
	PartitionKey    Columns   `json:"partition_key"`
	ClusteringKey   Columns   `json:"clustering_key,omitempty"`
	Values          Columns   `json:"columns"`
	TimestampMicros int64     `json:"timestamp_micros"`
	TTLSeconds      int32     `json:"ttl_seconds,omitempty"`
	CapturedAt      time.Time `json:"captured_at"`
}

// NewEvent validates and constructs an Event. The id is derived
// deterministically from the commit-log file and the event's identity
// fields, so re-reading the same bytes reproduces the same id.
func NewEvent(
	file string,
	kind Kind,
	keyspace, table string,
	partitionKey, clusteringKey, values Columns,
	timestampMicros int64,
	ttlSeconds int32,
	capturedAt time.Time,
) (*Event, error) {
	if keyspace == "" || table == "" {
		return nil, errors.New("event requires keyspace and table")
	}
	if len(partitionKey) == 0 {
		return nil, errors.New("partition key must be non-empty")
	}
	if timestampMicros <= 0 {
		return nil, errors.New("timestamp_micros must be positive")
	}
	if ttlSeconds < 0 {
		return nil, errors.New("ttl_seconds must be positive when set")
	}
	switch kind {
	case KindInsert, KindUpdate:
		if len(values) == 0 {
			return nil, fmt.Errorf("columns required for %s events", kind)
		}
	case KindDelete:
		if len(values) != 0 {
			return nil, errors.New("columns must be empty for DELETE events")
		}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if capturedAt.After(time.Now().Add(MaxClockSkew)) {
		return nil, errors.New("captured_at cannot be in the future")
	}

	return &Event{
		ID:              deriveEventID(file, partitionKey, clusteringKey, timestampMicros),
		Kind:            kind,
		Keyspace:        keyspace,
		Table:           table,
		PartitionKey:    partitionKey,
		ClusteringKey:   clusteringKey,
		Values:          values,
		TimestampMicros: timestampMicros,
		TTLSeconds:      ttlSeconds,
		CapturedAt:      capturedAt.UTC(),
	}, nil
}

// WithValues returns a copy of the event carrying substituted column
// values. Identity (id, keys, timestamps) is unchanged; the masking
// transform uses this so the original values can be discarded.
func (e *Event) WithValues(values Columns) *Event {
	out := *e
	out.Values = values
	return &out
}

// QualifiedTable returns "keyspace.table".
func (e *Event) QualifiedTable() string {
	return e.Keyspace + "." + e.Table
}

// PrimaryKey returns partition key cells followed by clustering key cells,
// the unit of idempotent upsert at every destination.
func (e *Event) PrimaryKey() Columns {
	out := make(Columns, 0, len(e.PartitionKey)+len(e.ClusteringKey))
	out = append(out, e.PartitionKey...)
	out = append(out, e.ClusteringKey...)
	return out
}

// PartitionID hashes the canonical partition key to a signed 64-bit
// identifier. It keys offsets and selects the per-destination worker slot,
// so it must be stable across runs and processes.
func (e *Event) PartitionID() int64 {
	h := fnv.New64a()
	for _, c := range e.PartitionKey {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write(canonicalValueBytes(c.Value))
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

func deriveEventID(file string, pk, ck Columns, tsMicros int64) uuid.UUID {
	h := sha256.New()
	h.Write([]byte(file))
	h.Write([]byte{0})
	for _, c := range pk {
		h.Write([]byte(c.Name))
		h.Write(canonicalValueBytes(c.Value))
	}
	h.Write([]byte{0})
	for _, c := range ck {
		h.Write([]byte(c.Name))
		h.Write(canonicalValueBytes(c.Value))
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tsMicros))
	h.Write(ts[:])

	var id uuid.UUID
	copy(id[:], h.Sum(nil)[:16])
	// Stamp RFC 4122 version/variant bits so the result is a valid v4-shaped UUID.
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

// canonicalValueBytes renders a cell value into a stable byte form for
// hashing. Collections are ordered before rendering.
func canonicalValueBytes(v any) []byte {
	return []byte(CanonicalString(v))
}
