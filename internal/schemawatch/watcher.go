// Package schemawatch polls the source catalog for the monitored tables,
// keeps the current schema snapshots in memory, and emits change
// notifications when a table's shape drifts.
package schemawatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/internal/types"
)

// Catalog is the source of truth for table shapes. Snapshots it returns
// carry no version; the watcher owns versioning.
type Catalog interface {
	TableSchema(ctx context.Context, keyspace, table string) (*types.SchemaSnapshot, error)
}

// Watcher polls a Catalog on a fixed cadence and publishes one
// SchemaChange per detected drift. Snapshots are readable concurrently
// while the poller holds the write lock only to swap a cache entry.
type Watcher struct {
	catalog  Catalog
	keyspace string
	tables   []string
	interval time.Duration

	mu    sync.RWMutex
	cache map[string]*types.SchemaSnapshot

	changes chan types.SchemaChange
}

// New builds a watcher for the given tables. interval <= 0 falls back to
// 30 seconds.
func New(catalog Catalog, keyspace string, tables []string, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		catalog:  catalog,
		keyspace: keyspace,
		tables:   tables,
		interval: interval,
		cache:    make(map[string]*types.SchemaSnapshot, len(tables)),
		changes:  make(chan types.SchemaChange, len(tables)),
	}
}

// Changes delivers one notification per table per detected drift. The
// channel is closed when Run returns.
func (w *Watcher) Changes() <-chan types.SchemaChange { return w.changes }

// Snapshot returns the cached schema for a table, if observed yet.
func (w *Watcher) Snapshot(table string) (*types.SchemaSnapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.cache[table]
	return s, ok
}

// Prime performs the initial catalog fetch for every monitored table so
// validation has schemas before the first event flows. First observation
// is version 1 and emits no change.
func (w *Watcher) Prime(ctx context.Context) error {
	for _, table := range w.tables {
		if err := w.refreshTable(ctx, table); err != nil {
			return fmt.Errorf("prime schema for %s.%s: %w", w.keyspace, table, err)
		}
	}
	return nil
}

// Run polls until ctx is done, then closes the change channel.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.changes)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, table := range w.tables {
				if err := w.refreshTable(ctx, table); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					// Catalog hiccups are retried on the next tick; stale
					// schemas only delay change detection.
					log.WithError(err).WithField("table", table).Warn("schema poll failed")
				}
			}
		}
	}
}

func (w *Watcher) refreshTable(ctx context.Context, table string) error {
	fresh, err := w.catalog.TableSchema(ctx, w.keyspace, table)
	if err != nil {
		return err
	}
	fresh.Keyspace = w.keyspace
	fresh.Table = table

	w.mu.Lock()
	prev, seen := w.cache[table]
	if !seen {
		fresh.Version = 1
		w.cache[table] = fresh
		w.mu.Unlock()
		log.WithFields(log.Fields{"table": table, "columns": len(fresh.Columns)}).
			Debug("schema observed")
		return nil
	}

	diff := prev.Diff(fresh)
	if diff == nil {
		w.mu.Unlock()
		return nil
	}
	fresh.Version = prev.Version + 1
	w.cache[table] = fresh
	change := types.SchemaChange{
		Keyspace:    w.keyspace,
		Table:       table,
		FromVersion: prev.Version,
		ToVersion:   fresh.Version,
		Changes:     diff,
	}
	w.mu.Unlock()

	log.WithFields(log.Fields{
		"table":        table,
		"from_version": change.FromVersion,
		"to_version":   change.ToVersion,
		"changes":      len(change.Changes),
		"incompatible": len(change.Incompatible()),
	}).Info("schema change detected")

	select {
	case w.changes <- change:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
