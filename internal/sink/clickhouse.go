package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/internal/mapper"
	"github.com/tributary-io/tributary/internal/offsets"
	"github.com/tributary-io/tributary/internal/types"
)

// versionColumn carries the source timestamp into the merging engine so
// a later mutation of the same primary key wins on merge. Destination
// data tables are expected to be ReplacingMergeTree(_version).
const versionColumn = "_version"

// ClickHouse writes batches over the native protocol. There are no
// multi-statement transactions: the protocol is insert the data batch,
// then insert the offset row, and acknowledgement means both returned
// OK. Reads immediately after may see duplicates until merges run; the
// exactly-once guarantee is on the converged state.
type ClickHouse struct {
	addr     string
	database string
	username string
	password string
	poolSize int
	mapper   *mapper.Mapper
	mgr      *offsets.Manager
	meter    *Meter

	conn driver.Conn
}

// NewClickHouse builds the columnar sink. addr is "host:port" for the
// native protocol.
func NewClickHouse(addr, database, username, password string, workers int, mgr *offsets.Manager) *ClickHouse {
	return &ClickHouse{
		addr:     addr,
		database: database,
		username: username,
		password: password,
		poolSize: workers + 2,
		mapper:   mapper.For(types.DestClickHouse),
		mgr:      mgr,
		meter:    NewMeter(types.DestClickHouse),
	}
}

func (s *ClickHouse) Destination() types.Destination { return types.DestClickHouse }

func (s *ClickHouse) Meter() *Meter { return s.meter }

// Connect opens the native connection and bootstraps the offsets table.
func (s *ClickHouse) Connect(ctx context.Context) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{s.addr},
		Auth: clickhouse.Auth{
			Database: s.database,
			Username: s.username,
			Password: s.password,
		},
		MaxOpenConns: s.poolSize,
		DialTimeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, offsets.CHCreateTableSQL); err != nil {
		conn.Close()
		return fmt.Errorf("bootstrap clickhouse offsets table: %w", err)
	}
	s.conn = conn
	log.WithFields(log.Fields{"destination": types.DestClickHouse, "addr": s.addr}).Info("sink connected")
	return nil
}

// LoadOffsets reads the converged offset rows for this destination.
func (s *ClickHouse) LoadOffsets(ctx context.Context) ([]*types.Offset, error) {
	rows, err := s.conn.Query(ctx, offsets.CHSelectSQL, string(types.DestClickHouse))
	if err != nil {
		return nil, fmt.Errorf("load clickhouse offsets: %w", err)
	}
	defer rows.Close()

	var out []*types.Offset
	for rows.Next() {
		var (
			o     types.Offset
			rawID string
			dest  string
		)
		if err := rows.Scan(
			&rawID, &o.Table, &o.Keyspace, &o.PartitionID, &dest,
			&o.CommitlogFile, &o.CommitlogPosition, &o.LastEventMicros,
			&o.LastCommittedAt, &o.EventsReplicatedCount,
		); err != nil {
			return nil, fmt.Errorf("scan clickhouse offset row: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("clickhouse offset id %q: %w", rawID, err)
		}
		o.OffsetID = id
		o.Destination = types.Destination(dest)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// WriteBatch inserts the data batch, then the offset row. Events are
// replayed into contiguous runs sharing a column signature so each run
// rides one native batch insert.
func (s *ClickHouse) WriteBatch(ctx context.Context, batch *Batch) error {
	off, advance, err := s.mgr.Prepare(batch.Key(types.DestClickHouse), batch.Token,
		batch.LastEventMicros(), int64(len(batch.Events)))
	if err != nil {
		return types.Terminalf("offset for %s: %v", batch.Key(types.DestClickHouse), err)
	}
	if !advance {
		log.WithFields(log.Fields{"destination": types.DestClickHouse, "token": batch.Token}).
			Debug("duplicate batch replay suppressed")
		return nil
	}

	s.meter.BatchStarted()
	defer s.meter.BatchDone()
	start := time.Now()

	for _, run := range splitRuns(batch.Events) {
		if err := s.writeRun(ctx, run); err != nil {
			return err
		}
	}

	offBatch, err := s.conn.PrepareBatch(ctx, offsets.CHInsertSQL)
	if err != nil {
		return fmt.Errorf("clickhouse prepare offset insert: %w", err)
	}
	if err := offBatch.Append(
		off.OffsetID.String(), off.Table, off.Keyspace, off.PartitionID,
		string(off.Destination), off.CommitlogFile, off.CommitlogPosition,
		off.LastEventMicros, off.LastCommittedAt, off.EventsReplicatedCount,
	); err != nil {
		return fmt.Errorf("clickhouse append offset row: %w", err)
	}
	if err := offBatch.Send(); err != nil {
		return fmt.Errorf("clickhouse insert offset: %w", err)
	}

	s.mgr.Commit(off)
	s.meter.Record(len(batch.Events))
	EventsProcessed.WithLabelValues(string(types.DestClickHouse), batch.Table).Add(float64(len(batch.Events)))
	ReplicationDuration.WithLabelValues(string(types.DestClickHouse)).Observe(time.Since(start).Seconds())
	return nil
}

func (s *ClickHouse) writeRun(ctx context.Context, run []*types.Event) error {
	if run[0].Kind == types.KindDelete {
		for _, ev := range run {
			sql, args, err := columnarDeleteSQL(ev)
			if err != nil {
				return types.Terminalf("render delete %s: %v", ev.ID, err)
			}
			if err := s.conn.Exec(ctx, sql, args...); err != nil {
				return fmt.Errorf("clickhouse delete event %s: %w", ev.ID, err)
			}
		}
		return nil
	}

	cols := append(run[0].PrimaryKey().Names(), run[0].Values.Names()...)
	b, err := s.conn.PrepareBatch(ctx, columnarInsertSQL(run[0].Table, cols))
	if err != nil {
		return fmt.Errorf("clickhouse prepare insert: %w", err)
	}
	for _, ev := range run {
		row := make([]any, 0, len(cols)+1)
		for _, c := range append(ev.PrimaryKey(), ev.Values...) {
			v, err := columnarValue(c)
			if err != nil {
				return types.Terminalf("render event %s: %v", ev.ID, err)
			}
			row = append(row, v)
		}
		row = append(row, ev.TimestampMicros)
		if err := b.Append(row...); err != nil {
			return fmt.Errorf("clickhouse append event %s: %w", ev.ID, err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("clickhouse insert batch: %w", err)
	}
	return nil
}

// splitRuns groups consecutive events that can share one insert: same
// kind and same column signature. Runs preserve source order, which keeps
// an insert-then-delete of the same key correctly sequenced.
func splitRuns(events []*types.Event) [][]*types.Event {
	var runs [][]*types.Event
	var cur []*types.Event
	var curSig string
	for _, ev := range events {
		sig := runSignature(ev)
		if len(cur) > 0 && sig != curSig {
			runs = append(runs, cur)
			cur = nil
		}
		cur = append(cur, ev)
		curSig = sig
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

func runSignature(ev *types.Event) string {
	parts := append([]string{string(ev.Kind)}, ev.PrimaryKey().Names()...)
	parts = append(parts, ev.Values.Names()...)
	return strings.Join(parts, "\x1f")
}

func columnarInsertSQL(table string, cols []string) string {
	quoted := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		quoted = append(quoted, backquoteIdent(c))
	}
	quoted = append(quoted, backquoteIdent(versionColumn))
	return "insert into " + backquoteIdent(table) + " (" + strings.Join(quoted, ", ") + ")"
}

func columnarDeleteSQL(ev *types.Event) (string, []any, error) {
	pk := ev.PrimaryKey()
	var sb strings.Builder
	sb.WriteString("delete from ")
	sb.WriteString(backquoteIdent(ev.Table))
	sb.WriteString(" where ")
	args := make([]any, 0, len(pk))
	for i, c := range pk {
		if i > 0 {
			sb.WriteString(" and ")
		}
		sb.WriteString(backquoteIdent(c.Name))
		sb.WriteString(" = ?")
		v, err := columnarValue(c)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
	}
	return sb.String(), args, nil
}

// WriteOffset appends an offset row outside any batch; the merge engine
// converges to the furthest position.
func (s *ClickHouse) WriteOffset(ctx context.Context, off *types.Offset, _ int64) error {
	b, err := s.conn.PrepareBatch(ctx, offsets.CHInsertSQL)
	if err != nil {
		return fmt.Errorf("clickhouse prepare offset insert: %w", err)
	}
	if err := b.Append(
		off.OffsetID.String(), off.Table, off.Keyspace, off.PartitionID,
		string(off.Destination), off.CommitlogFile, off.CommitlogPosition,
		off.LastEventMicros, off.LastCommittedAt, off.EventsReplicatedCount,
	); err != nil {
		return fmt.Errorf("clickhouse append offset row: %w", err)
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("clickhouse write offset %s: %w", off.Key(), err)
	}
	s.mgr.Commit(off)
	return nil
}

// ApplySchemaChange issues the ClickHouse DDL for a source diff.
func (s *ClickHouse) ApplySchemaChange(ctx context.Context, change types.SchemaChange) error {
	stmts, err := columnarDDL(s.mapper, change)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return types.Quarantinef("clickhouse ddl %q: %v", stmt, err)
		}
		log.WithFields(log.Fields{"destination": types.DestClickHouse, "ddl": stmt}).
			Info("schema change applied")
	}
	return nil
}

func columnarDDL(m *mapper.Mapper, change types.SchemaChange) ([]string, error) {
	var out []string
	table := backquoteIdent(change.Table)
	for _, c := range change.Changes {
		switch c.Op {
		case types.OpAddColumn:
			t, ok := m.DestinationType(c.NewType)
			if !ok {
				return nil, types.SchemaIncompatiblef("unsupported-type", c.Column,
					"cannot add column %q: no clickhouse mapping for %q", c.Column, c.NewType)
			}
			out = append(out, fmt.Sprintf("alter table %s add column if not exists %s Nullable(%s)",
				table, backquoteIdent(c.Column), t))
		case types.OpDropColumn:
			if !c.Compatible {
				return nil, types.SchemaIncompatiblef("key-drop", c.Column,
					"cannot drop key column %q from %s", c.Column, change.Table)
			}
			out = append(out, fmt.Sprintf("alter table %s drop column if exists %s",
				table, backquoteIdent(c.Column)))
		case types.OpAlterType:
			if !c.Compatible {
				return nil, types.SchemaIncompatiblef("incompatible-alter", c.Column,
					"altering %q from %q to %q is not a widening change", c.Column, c.OldType, c.NewType)
			}
			t, ok := m.DestinationType(c.NewType)
			if !ok {
				return nil, types.SchemaIncompatiblef("unsupported-type", c.Column,
					"cannot alter column %q: no clickhouse mapping for %q", c.Column, c.NewType)
			}
			out = append(out, fmt.Sprintf("alter table %s modify column %s Nullable(%s)",
				table, backquoteIdent(c.Column), t))
		}
	}
	return out, nil
}

// HealthCheck pings the native connection.
func (s *ClickHouse) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("clickhouse: not connected")
	}
	return s.conn.Ping(ctx)
}

// Close shuts the connection down.
func (s *ClickHouse) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

var _ Sink = (*ClickHouse)(nil)
