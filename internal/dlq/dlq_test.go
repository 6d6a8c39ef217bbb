package dlq

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/internal/types"
)

func dlqEvent(t *testing.T, table string) *types.Event {
	t.Helper()
	ev, err := types.NewEvent(
		"CommitLog-7-1.log", types.KindInsert, "ecommerce", table,
		types.Columns{{Name: "id", Type: types.TypeInt, Value: int32(7)}},
		nil,
		types.Columns{{Name: "email", Type: types.TypeText, Value: "x@y.com"}},
		1700000000000000, 0, time.Now(),
	)
	require.NoError(t, err)
	return ev
}

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	rec := types.NewDLQRecord(dlqEvent(t, "users"), types.DestPostgres,
		types.Terminalf("constraint violation"), 1, time.Now())
	require.NoError(t, w.Write(rec))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, fileForDay(time.Now()), files[0])

	got, err := ReadFile(filepath.Join(dir, files[0]))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.DLQID, got[0].DLQID)
	assert.Equal(t, types.DestPostgres, got[0].Destination)
	assert.Equal(t, types.CategoryTerminal, got[0].ErrorCategory)
	assert.Equal(t, rec.Event.ID, got[0].Event.ID)

	// Typed values survive the round trip for replay tooling.
	email, ok := got[0].Event.Values.Get("email")
	require.True(t, ok)
	assert.Equal(t, "x@y.com", email.Value)
	id, ok := got[0].Event.PartitionKey.Get("id")
	require.True(t, ok)
	assert.Equal(t, int32(7), id.Value)
}

func TestAppendAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		rec := types.NewDLQRecord(dlqEvent(t, "users"), types.DestClickHouse,
			types.Transientf("timeout"), 5, time.Now())
		require.NoError(t, w.Write(rec))
	}
	require.NoError(t, w.Close())

	// A fresh writer appends to the same day file.
	w2, err := NewWriter(dir)
	require.NoError(t, err)
	rec := types.NewDLQRecord(dlqEvent(t, "orders"), types.DestTimescaleDB,
		types.Terminalf("boom"), 0, time.Now())
	require.NoError(t, w2.Write(rec))
	require.NoError(t, w2.Close())

	recs, err := ReadAll(dir)
	require.NoError(t, err)
	assert.Len(t, recs, 4)
}

func TestDayPartitioning(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	today := types.NewDLQRecord(dlqEvent(t, "users"), types.DestPostgres,
		types.Terminalf("x"), 0, time.Now())
	yesterday := types.NewDLQRecord(dlqEvent(t, "users"), types.DestPostgres,
		types.Terminalf("x"), 0, time.Now())
	yesterday.DLQWrittenAt = time.Now().UTC().AddDate(0, 0, -1)

	require.NoError(t, w.Write(yesterday))
	require.NoError(t, w.Write(today))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Less(t, files[0], files[1], "oldest day first")
}

func TestReadSkipsGarbageLines(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	rec := types.NewDLQRecord(dlqEvent(t, "users"), types.DestPostgres,
		types.Terminalf("x"), 0, time.Now())
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())

	files, _ := ListFiles(dir)
	path := filepath.Join(dir, files[0])
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "garbage line skipped, good record kept")
}

func TestSummarize(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(types.NewDLQRecord(dlqEvent(t, "users"), types.DestPostgres,
		types.Terminalf("x"), 0, time.Now())))
	require.NoError(t, w.Write(types.NewDLQRecord(dlqEvent(t, "users"), types.DestClickHouse,
		types.SchemaIncompatiblef("unsupported-type", "age", "no mapping"), 0, time.Now())))
	require.NoError(t, w.Write(types.NewDLQRecord(dlqEvent(t, "orders"), types.DestPostgres,
		types.Terminalf("y"), 2, time.Now())))

	s, err := Summarize(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByDestination[types.DestPostgres])
	assert.Equal(t, 1, s.ByCategory[types.CategorySchemaIncompatible])
	assert.Equal(t, 2, s.ByTable["ecommerce.users"])
}

func TestSummarizeEmptyDir(t *testing.T) {
	s, err := Summarize(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Total)
}
