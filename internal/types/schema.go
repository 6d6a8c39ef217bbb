package types

import (
	"sort"
)

// ColumnDef describes one column in a source table.
type ColumnDef struct {
	Name          string
	Type          CQLType
	PartitionKey  bool
	ClusteringKey bool
	Static        bool
}

// SchemaSnapshot is the observed shape of one (keyspace, table) at a point
// in time. Version starts at 1 on first observation and bumps on every
// detected change.
type SchemaSnapshot struct {
	Keyspace       string
	Table          string
	Version        int
	Columns        []ColumnDef // declaration order
	PartitionKeys  []string    // ordered
	ClusteringKeys []string    // ordered
}

// Column looks up a column definition by name.
func (s *SchemaSnapshot) Column(name string) (ColumnDef, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// IsKey reports whether the named column is part of the partition or
// clustering key.
func (s *SchemaSnapshot) IsKey(name string) bool {
	c, ok := s.Column(name)
	return ok && (c.PartitionKey || c.ClusteringKey)
}

// ChangeOp is the kind of a column-level schema change.
type ChangeOp string

const (
	OpAddColumn  ChangeOp = "ADD_COLUMN"
	OpDropColumn ChangeOp = "DROP_COLUMN"
	OpAlterType  ChangeOp = "ALTER_TYPE"
)

// ColumnChange is one column-level difference between two snapshots,
// tagged with its compatibility classification.
type ColumnChange struct {
	Op         ChangeOp
	Column     string
	OldType    CQLType // empty for ADD
	NewType    CQLType // empty for DROP
	Compatible bool
}

// SchemaChange is the ordered diff between two snapshot versions of one
// table: drops first, then adds, then type alterations, each group sorted
// by column name.
type SchemaChange struct {
	Keyspace    string
	Table       string
	FromVersion int
	ToVersion   int
	Changes     []ColumnChange
}

// Incompatible returns the subset of changes that cannot be applied
// automatically.
func (sc *SchemaChange) Incompatible() []ColumnChange {
	var out []ColumnChange
	for _, c := range sc.Changes {
		if !c.Compatible {
			out = append(out, c)
		}
	}
	return out
}

// wideningAlters is the set of type changes every destination mapper
// declares safe: the new type can represent every value of the old one.
var wideningAlters = map[[2]CQLType]bool{
	{TypeInt, TypeBigint}:     true,
	{TypeFloat, TypeDouble}:   true,
	{TypeDecimal, TypeDouble}: true,
	{TypeText, TypeVarchar}:   true,
	{TypeVarchar, TypeText}:   true,
}

// Widens reports whether altering a column from old to new is a widening
// or equivalent transform.
func Widens(old, new CQLType) bool {
	if old == new {
		return true
	}
	return wideningAlters[[2]CQLType{old, new}]
}

// Diff compares this snapshot against a newer observation of the same
// table and returns the ordered column changes. Returns nil when the
// snapshots are identical.
func (s *SchemaSnapshot) Diff(next *SchemaSnapshot) []ColumnChange {
	var drops, adds, alters []ColumnChange

	for _, old := range s.Columns {
		cur, ok := next.Column(old.Name)
		switch {
		case !ok:
			drops = append(drops, ColumnChange{
				Op:      OpDropColumn,
				Column:  old.Name,
				OldType: old.Type,
				// Dropping a key column strands rows already written under it.
				Compatible: !old.PartitionKey && !old.ClusteringKey,
			})
		case cur.Type != old.Type:
			alters = append(alters, ColumnChange{
				Op:         OpAlterType,
				Column:     old.Name,
				OldType:    old.Type,
				NewType:    cur.Type,
				Compatible: Widens(old.Type, cur.Type),
			})
		}
	}
	for _, cur := range next.Columns {
		if _, ok := s.Column(cur.Name); !ok {
			adds = append(adds, ColumnChange{
				Op:         OpAddColumn,
				Column:     cur.Name,
				NewType:    cur.Type,
				Compatible: true,
			})
		}
	}

	byName := func(cs []ColumnChange) {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Column < cs[j].Column })
	}
	byName(drops)
	byName(adds)
	byName(alters)

	out := make([]ColumnChange, 0, len(drops)+len(adds)+len(alters))
	out = append(out, drops...)
	out = append(out, adds...)
	out = append(out, alters...)
	if len(out) == 0 {
		return nil
	}
	return out
}
