package schemawatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/internal/types"
)

// memCatalog serves snapshots from memory so tests can mutate the
// "source" between polls.
type memCatalog struct {
	mu      sync.Mutex
	schemas map[string]*types.SchemaSnapshot
}

func (m *memCatalog) set(table string, cols []types.ColumnDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := &types.SchemaSnapshot{Columns: cols}
	for _, c := range cols {
		if c.PartitionKey {
			snap.PartitionKeys = append(snap.PartitionKeys, c.Name)
		}
		if c.ClusteringKey {
			snap.ClusteringKeys = append(snap.ClusteringKeys, c.Name)
		}
	}
	if m.schemas == nil {
		m.schemas = make(map[string]*types.SchemaSnapshot)
	}
	m.schemas[table] = snap
}

func (m *memCatalog) TableSchema(_ context.Context, _, table string) (*types.SchemaSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.schemas[table]
	cp := *s
	cp.Columns = append([]types.ColumnDef(nil), s.Columns...)
	return &cp, nil
}

var usersV1 = []types.ColumnDef{
	{Name: "user_id", Type: types.TypeUUID, PartitionKey: true},
	{Name: "email", Type: types.TypeText},
	{Name: "age", Type: types.TypeInt},
}

func TestPrimeEstablishesVersionOne(t *testing.T) {
	cat := &memCatalog{}
	cat.set("users", usersV1)

	w := New(cat, "ecommerce", []string{"users"}, time.Minute)
	require.NoError(t, w.Prime(context.Background()))

	snap, ok := w.Snapshot("users")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Version)
	assert.Equal(t, "ecommerce", snap.Keyspace)
	assert.Empty(t, w.Changes(), "first observation emits nothing")
}

func TestDetectsAddColumn(t *testing.T) {
	cat := &memCatalog{}
	cat.set("users", usersV1)

	w := New(cat, "ecommerce", []string{"users"}, time.Minute)
	ctx := context.Background()
	require.NoError(t, w.Prime(ctx))

	cat.set("users", append(append([]types.ColumnDef(nil), usersV1...),
		types.ColumnDef{Name: "city", Type: types.TypeText}))
	require.NoError(t, w.refreshTable(ctx, "users"))

	change := <-w.Changes()
	assert.Equal(t, 1, change.FromVersion)
	assert.Equal(t, 2, change.ToVersion)
	require.Len(t, change.Changes, 1)
	assert.Equal(t, types.OpAddColumn, change.Changes[0].Op)
	assert.Equal(t, "city", change.Changes[0].Column)
	assert.True(t, change.Changes[0].Compatible)

	snap, _ := w.Snapshot("users")
	assert.Equal(t, 2, snap.Version)
}

func TestDetectsIncompatibleAlter(t *testing.T) {
	cat := &memCatalog{}
	cat.set("users", usersV1)

	w := New(cat, "ecommerce", []string{"users"}, time.Minute)
	ctx := context.Background()
	require.NoError(t, w.Prime(ctx))

	altered := append([]types.ColumnDef(nil), usersV1...)
	altered[2].Type = types.TypeText // int -> text narrows
	cat.set("users", altered)
	require.NoError(t, w.refreshTable(ctx, "users"))

	change := <-w.Changes()
	require.Len(t, change.Changes, 1)
	assert.Equal(t, types.OpAlterType, change.Changes[0].Op)
	assert.False(t, change.Changes[0].Compatible)
	assert.Equal(t, "age", change.Changes[0].Column)
}

func TestNoChangeNoEmit(t *testing.T) {
	cat := &memCatalog{}
	cat.set("users", usersV1)

	w := New(cat, "ecommerce", []string{"users"}, time.Minute)
	ctx := context.Background()
	require.NoError(t, w.Prime(ctx))
	require.NoError(t, w.refreshTable(ctx, "users"))

	select {
	case c := <-w.Changes():
		t.Fatalf("unexpected change: %+v", c)
	default:
	}
	snap, _ := w.Snapshot("users")
	assert.Equal(t, 1, snap.Version, "version only bumps on drift")
}

func TestRunPollsOnCadence(t *testing.T) {
	cat := &memCatalog{}
	cat.set("users", usersV1)

	w := New(cat, "ecommerce", []string{"users"}, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Prime(ctx))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cat.set("users", usersV1[:2]) // drop the age column
	select {
	case change := <-w.Changes():
		require.Len(t, change.Changes, 1)
		assert.Equal(t, types.OpDropColumn, change.Changes[0].Op)
	case <-ctx.Done():
		t.Fatal("poller never noticed the drop")
	}
	cancel()
	<-done
}

func TestFileCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keyspaces:
  ecommerce:
    users:
      columns:
        - {name: user_id, type: uuid, partitionKey: true}
        - {name: created_at, type: timestamp, clusteringKey: true}
        - {name: email, type: text}
`), 0o644))

	cat := NewFileCatalog(path)
	snap, err := cat.TableSchema(context.Background(), "ecommerce", "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_id"}, snap.PartitionKeys)
	assert.Equal(t, []string{"created_at"}, snap.ClusteringKeys)
	require.Len(t, snap.Columns, 3)
	assert.Equal(t, types.TypeTimestamp, snap.Columns[1].Type)

	_, err = cat.TableSchema(context.Background(), "ecommerce", "orders")
	assert.Error(t, err)
}
