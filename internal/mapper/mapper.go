// Package mapper owns the per-destination type maps and validates events
// against them before anything reaches a sink. Rejections are terminal:
// the pipeline routes them straight to the DLQ without retry.
package mapper

import (
	"github.com/tributary-io/tributary/internal/types"
)

// pgTypes is the relational base map. TimescaleDB inherits it with
// explicit overrides; ClickHouse has its own map.
var pgTypes = map[types.CQLType]string{
	types.TypeText:      "text",
	types.TypeVarchar:   "text",
	types.TypeAscii:     "text",
	types.TypeInt:       "integer",
	types.TypeBigint:    "bigint",
	types.TypeFloat:     "real",
	types.TypeDouble:    "double precision",
	types.TypeDecimal:   "numeric",
	types.TypeBoolean:   "boolean",
	types.TypeUUID:      "uuid",
	types.TypeTimeUUID:  "uuid",
	types.TypeTimestamp: "timestamp",
	types.TypeBlob:      "bytea",
	types.TypeInet:      "inet",
	types.TypeMap:       "jsonb",
	types.TypeSet:       "jsonb",
	types.TypeList:      "jsonb",
	// tuple and counter have no entry: they are unsupported everywhere.
}

// tsOverrides adjusts the relational map for the time-series warehouse.
// Hypertables want timezone-aware timestamps.
var tsOverrides = map[types.CQLType]string{
	types.TypeTimestamp: "timestamptz",
}

var chTypes = map[types.CQLType]string{
	types.TypeText:      "String",
	types.TypeVarchar:   "String",
	types.TypeAscii:     "String",
	types.TypeInt:       "Int32",
	types.TypeBigint:    "Int64",
	types.TypeFloat:     "Float32",
	types.TypeDouble:    "Float64",
	types.TypeDecimal:   "Decimal(38, 10)",
	types.TypeBoolean:   "Bool",
	types.TypeUUID:      "UUID",
	types.TypeTimeUUID:  "UUID",
	types.TypeTimestamp: "DateTime64(6)",
	types.TypeBlob:      "String",
	types.TypeInet:      "String",
	types.TypeMap:       "String", // JSON-serialized
	types.TypeSet:       "String",
	types.TypeList:      "String",
}

// Mapper translates source column types into one destination's DDL types
// and validates events against that map.
type Mapper struct {
	dest    types.Destination
	typeMap map[types.CQLType]string
}

// For returns the mapper for a destination.
func For(dest types.Destination) *Mapper {
	switch dest {
	case types.DestClickHouse:
		return &Mapper{dest: dest, typeMap: chTypes}
	case types.DestTimescaleDB:
		merged := make(map[types.CQLType]string, len(pgTypes))
		for k, v := range pgTypes {
			merged[k] = v
		}
		for k, v := range tsOverrides {
			merged[k] = v
		}
		return &Mapper{dest: dest, typeMap: merged}
	default:
		return &Mapper{dest: types.DestPostgres, typeMap: pgTypes}
	}
}

// Destination reports which warehouse this mapper serves.
func (m *Mapper) Destination() types.Destination { return m.dest }

// DestinationType maps a source type to the destination DDL type.
func (m *Mapper) DestinationType(t types.CQLType) (string, bool) {
	s, ok := m.typeMap[t]
	return s, ok
}

// Validate checks one event against this destination's capabilities and
// the cached schema. A nil schema (table not yet observed) skips the
// schema-dependent checks.
//
// Columns present in the event but absent from the schema are accepted:
// that is the add-column race, resolved by DDL being applied before the
// event's batch commits.
func (m *Mapper) Validate(ev *types.Event, schema *types.SchemaSnapshot) error {
	for _, col := range ev.PrimaryKey() {
		if _, ok := m.typeMap[col.Type]; !ok {
			return unsupported(col)
		}
		if schema != nil && !schema.IsKey(col.Name) {
			return types.SchemaIncompatiblef("key-drop", col.Name,
				"column %q is a key in the event but no longer a key in %s.%s v%d",
				col.Name, schema.Keyspace, schema.Table, schema.Version)
		}
	}
	for _, col := range ev.Values {
		if _, ok := m.typeMap[col.Type]; !ok {
			return unsupported(col)
		}
	}
	return nil
}

func unsupported(col types.Column) error {
	return types.SchemaIncompatiblef("unsupported-type", col.Name,
		"source type %q of column %q has no destination mapping", col.Type, col.Name)
}
