package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/internal/mapper"
	"github.com/tributary-io/tributary/internal/offsets"
	"github.com/tributary-io/tributary/internal/types"
)

// Relational writes batches to PostgreSQL or TimescaleDB. One transaction
// per batch: upsert every event by primary key, advance the offset row,
// commit. Transaction success is the definition of acknowledged.
type Relational struct {
	dest     types.Destination
	dsn      string
	poolSize int32
	mapper   *mapper.Mapper
	mgr      *offsets.Manager
	meter    *Meter

	pool *pgxpool.Pool
}

// NewPostgres builds the PostgreSQL sink. workers sizes the pool with a
// little headroom for health checks and DDL.
func NewPostgres(dsn string, workers int, mgr *offsets.Manager) *Relational {
	return newRelational(types.DestPostgres, dsn, workers, mgr)
}

// NewTimescale builds the TimescaleDB sink; same protocol as PostgreSQL
// with the time-series type map.
func NewTimescale(dsn string, workers int, mgr *offsets.Manager) *Relational {
	return newRelational(types.DestTimescaleDB, dsn, workers, mgr)
}

func newRelational(dest types.Destination, dsn string, workers int, mgr *offsets.Manager) *Relational {
	return &Relational{
		dest:     dest,
		dsn:      dsn,
		poolSize: int32(workers + 2),
		mapper:   mapper.For(dest),
		mgr:      mgr,
		meter:    NewMeter(dest),
	}
}

func (s *Relational) Destination() types.Destination { return s.dest }

// Meter exposes throughput accounting for backpressure and health.
func (s *Relational) Meter() *Meter { return s.meter }

// Connect establishes the pool and bootstraps the offsets table.
func (s *Relational) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(s.dsn)
	if err != nil {
		return types.Terminalf("parse %s dsn: %v", s.dest, err)
	}
	cfg.MaxConns = s.poolSize
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.dest, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping %s: %w", s.dest, err)
	}
	if _, err := pool.Exec(ctx, offsets.PGCreateTableSQL); err != nil {
		pool.Close()
		return fmt.Errorf("bootstrap %s offsets table: %w", s.dest, err)
	}
	s.pool = pool
	log.WithFields(log.Fields{"destination": s.dest, "pool_size": s.poolSize}).Info("sink connected")
	return nil
}

// LoadOffsets reads every offset row stored for this destination.
func (s *Relational) LoadOffsets(ctx context.Context) ([]*types.Offset, error) {
	rows, err := s.pool.Query(ctx, offsets.PGSelectSQL, string(s.dest))
	if err != nil {
		return nil, fmt.Errorf("load %s offsets: %w", s.dest, err)
	}
	defer rows.Close()

	var out []*types.Offset
	for rows.Next() {
		var o types.Offset
		var dest string
		if err := rows.Scan(
			&o.OffsetID, &o.Table, &o.Keyspace, &o.PartitionID, &dest,
			&o.CommitlogFile, &o.CommitlogPosition, &o.LastEventMicros,
			&o.LastCommittedAt, &o.EventsReplicatedCount,
		); err != nil {
			return nil, fmt.Errorf("scan %s offset row: %w", s.dest, err)
		}
		o.Destination = types.Destination(dest)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// WriteBatch commits the batch and its offset atomically. A token that
// does not advance the stored offset marks the batch as a duplicate
// replay and succeeds without touching the database.
func (s *Relational) WriteBatch(ctx context.Context, batch *Batch) error {
	off, advance, err := s.mgr.Prepare(batch.Key(s.dest), batch.Token, batch.LastEventMicros(), int64(len(batch.Events)))
	if err != nil {
		return types.Terminalf("offset for %s: %v", batch.Key(s.dest), err)
	}
	if !advance {
		log.WithFields(log.Fields{"destination": s.dest, "token": batch.Token}).
			Debug("duplicate batch replay suppressed")
		return nil
	}

	s.meter.BatchStarted()
	defer s.meter.BatchDone()
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s begin: %w", s.dest, err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range batch.Events {
		sql, args, err := renderStatement(ev)
		if err != nil {
			return types.Terminalf("render event %s: %v", ev.ID, err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("%s write event %s: %w", s.dest, ev.ID, err)
		}
	}
	if _, err := tx.Exec(ctx, offsets.PGUpsertSQL, offsets.PGUpsertArgs(off, int64(len(batch.Events)))...); err != nil {
		return fmt.Errorf("%s advance offset %s: %w", s.dest, off.Key(), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s commit: %w", s.dest, err)
	}

	s.mgr.Commit(off)
	s.meter.Record(len(batch.Events))
	EventsProcessed.WithLabelValues(string(s.dest), batch.Table).Add(float64(len(batch.Events)))
	ReplicationDuration.WithLabelValues(string(s.dest)).Observe(time.Since(start).Seconds())
	return nil
}

// WriteOffset advances the offset row on its own, outside any batch.
func (s *Relational) WriteOffset(ctx context.Context, off *types.Offset, delta int64) error {
	if _, err := s.pool.Exec(ctx, offsets.PGUpsertSQL, offsets.PGUpsertArgs(off, delta)...); err != nil {
		return fmt.Errorf("%s write offset %s: %w", s.dest, off.Key(), err)
	}
	s.mgr.Commit(off)
	return nil
}

// ApplySchemaChange issues DDL mirroring the source diff. Failures come
// back as quarantine errors: the table stops replicating until an
// operator intervenes.
func (s *Relational) ApplySchemaChange(ctx context.Context, change types.SchemaChange) error {
	stmts, err := relationalDDL(s.mapper, change)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return types.Quarantinef("%s ddl %q: %v", s.dest, stmt, err)
		}
		log.WithFields(log.Fields{"destination": s.dest, "ddl": stmt}).Info("schema change applied")
	}
	return nil
}

// HealthCheck pings the pool.
func (s *Relational) HealthCheck(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("%s: not connected", s.dest)
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Relational) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// renderStatement builds the DML for one event: an upsert for
// insert/update, a primary-key delete for delete. Both are idempotent.
func renderStatement(ev *types.Event) (string, []any, error) {
	pk := ev.PrimaryKey()
	if ev.Kind == types.KindDelete {
		args := make([]any, 0, len(pk))
		for _, c := range pk {
			v, err := relationalValue(c)
			if err != nil {
				return "", nil, err
			}
			args = append(args, v)
		}
		return deleteSQL(ev.Table, pk.Names()), args, nil
	}

	cols := append(pk.Clone(), ev.Values...)
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		v, err := relationalValue(c)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
	}
	return upsertSQL(ev.Table, pk.Names(), cols.Names()), args, nil
}

// upsertSQL renders "insert ... on conflict (pk) do update set ..." for
// the given column layout. With no non-key columns the conflict action
// degrades to do nothing.
func upsertSQL(table string, pkCols, allCols []string) string {
	var sb strings.Builder
	sb.WriteString("insert into ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" (")
	for i, c := range allCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(c))
	}
	sb.WriteString(") values (")
	for i := range allCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", i+1)
	}
	sb.WriteString(") on conflict (")
	for i, c := range pkCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(c))
	}
	sb.WriteString(")")

	keys := make(map[string]bool, len(pkCols))
	for _, c := range pkCols {
		keys[c] = true
	}
	var updates []string
	for _, c := range allCols {
		if !keys[c] {
			updates = append(updates, quoteIdent(c)+" = excluded."+quoteIdent(c))
		}
	}
	if len(updates) == 0 {
		sb.WriteString(" do nothing")
	} else {
		sb.WriteString(" do update set ")
		sb.WriteString(strings.Join(updates, ", "))
	}
	return sb.String()
}

func deleteSQL(table string, pkCols []string) string {
	var sb strings.Builder
	sb.WriteString("delete from ")
	sb.WriteString(quoteIdent(table))
	sb.WriteString(" where ")
	for i, c := range pkCols {
		if i > 0 {
			sb.WriteString(" and ")
		}
		fmt.Fprintf(&sb, "%s = $%d", quoteIdent(c), i+1)
	}
	return sb.String()
}

// relationalDDL translates a schema diff into DDL statements. Alters use
// a best-effort cast; the database decides whether the cast is possible.
func relationalDDL(m *mapper.Mapper, change types.SchemaChange) ([]string, error) {
	var out []string
	table := quoteIdent(change.Table)
	for _, c := range change.Changes {
		switch c.Op {
		case types.OpAddColumn:
			t, ok := m.DestinationType(c.NewType)
			if !ok {
				return nil, types.SchemaIncompatiblef("unsupported-type", c.Column,
					"cannot add column %q: no %s mapping for %q", c.Column, m.Destination(), c.NewType)
			}
			out = append(out, fmt.Sprintf("alter table %s add column if not exists %s %s",
				table, quoteIdent(c.Column), t))
		case types.OpDropColumn:
			if !c.Compatible {
				return nil, types.SchemaIncompatiblef("key-drop", c.Column,
					"cannot drop key column %q from %s", c.Column, change.Table)
			}
			out = append(out, fmt.Sprintf("alter table %s drop column if exists %s",
				table, quoteIdent(c.Column)))
		case types.OpAlterType:
			if !c.Compatible {
				return nil, types.SchemaIncompatiblef("incompatible-alter", c.Column,
					"altering %q from %q to %q is not a widening change", c.Column, c.OldType, c.NewType)
			}
			t, ok := m.DestinationType(c.NewType)
			if !ok {
				return nil, types.SchemaIncompatiblef("unsupported-type", c.Column,
					"cannot alter column %q: no %s mapping for %q", c.Column, m.Destination(), c.NewType)
			}
			out = append(out, fmt.Sprintf("alter table %s alter column %s type %s using %s::%s",
				table, quoteIdent(c.Column), t, quoteIdent(c.Column), t))
		}
	}
	return out, nil
}

var _ Sink = (*Relational)(nil)
