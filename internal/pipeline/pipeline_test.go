package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-io/tributary/internal/commitlog"
	"github.com/tributary-io/tributary/internal/config"
	"github.com/tributary-io/tributary/internal/dlq"
	"github.com/tributary-io/tributary/internal/masking"
	"github.com/tributary-io/tributary/internal/offsets"
	"github.com/tributary-io/tributary/internal/schemawatch"
	"github.com/tributary-io/tributary/internal/sink"
	"github.com/tributary-io/tributary/internal/types"
)

// fakeSink records everything the pipeline hands it and honors the same
// offset protocol as the real sinks.
type fakeSink struct {
	dest types.Destination
	mgr  *offsets.Manager

	mu         sync.Mutex
	batches    []*sink.Batch
	events     []*types.Event
	offsetOnly []*types.Offset
	ddl        []types.SchemaChange

	writeErr error
	ddlErr   error

	// writeStarted, when set, is signaled on entry to WriteBatch and the
	// write then blocks until its context is canceled.
	writeStarted chan struct{}
}

func (f *fakeSink) Destination() types.Destination { return f.dest }
func (f *fakeSink) Connect(context.Context) error  { return nil }
func (f *fakeSink) LoadOffsets(context.Context) ([]*types.Offset, error) {
	return nil, nil
}
func (f *fakeSink) HealthCheck(context.Context) error { return nil }
func (f *fakeSink) Close()                            {}

func (f *fakeSink) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *fakeSink) WriteBatch(ctx context.Context, b *sink.Batch) error {
	f.mu.Lock()
	err := f.writeErr
	started := f.writeStarted
	f.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	off, advance, perr := f.mgr.Prepare(b.Key(f.dest), b.Token, b.LastEventMicros(), int64(len(b.Events)))
	if perr != nil {
		return perr
	}
	if !advance {
		return nil
	}
	f.mu.Lock()
	f.batches = append(f.batches, b)
	f.events = append(f.events, b.Events...)
	f.mu.Unlock()
	f.mgr.Commit(off)
	return nil
}

func (f *fakeSink) WriteOffset(_ context.Context, off *types.Offset, _ int64) error {
	f.mu.Lock()
	f.offsetOnly = append(f.offsetOnly, off)
	f.mu.Unlock()
	f.mgr.Commit(off)
	return nil
}

func (f *fakeSink) ApplySchemaChange(_ context.Context, change types.SchemaChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ddl = append(f.ddl, change)
	return f.ddlErr
}

func (f *fakeSink) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeSink) eventIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.ID.String()
	}
	return out
}

// fakeCatalog lets tests mutate the source schema between polls.
type fakeCatalog struct {
	mu      sync.Mutex
	schemas map[string]*types.SchemaSnapshot
}

func (c *fakeCatalog) set(table string, cols []types.ColumnDef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schemas == nil {
		c.schemas = make(map[string]*types.SchemaSnapshot)
	}
	snap := &types.SchemaSnapshot{Columns: cols}
	for _, col := range cols {
		if col.PartitionKey {
			snap.PartitionKeys = append(snap.PartitionKeys, col.Name)
		}
	}
	c.schemas[table] = snap
}

func (c *fakeCatalog) TableSchema(_ context.Context, _, table string) (*types.SchemaSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.schemas[table]
	cp := *s
	cp.Columns = append([]types.ColumnDef(nil), s.Columns...)
	return &cp, nil
}

type harness struct {
	cfg     *config.Config
	logDir  string
	dlqDir  string
	catalog *fakeCatalog
	watcher *schemawatch.Watcher
	mgr     *offsets.Manager
	sinks   []*fakeSink
	p       *Pipeline
}

func newHarness(t *testing.T, dests ...types.Destination) *harness {
	t.Helper()
	h := &harness{
		logDir: t.TempDir(),
		dlqDir: t.TempDir(),
		cfg: &config.Config{
			Source: config.Source{
				CommitLogDir: "", Keyspace: "ecommerce",
				Tables: []string{"users"}, PollIntervalMs: 10,
			},
			Pipeline: config.Pipeline{
				BatchSize: 2, MaxBatchBytes: 1 << 20, MaxBatchAgeMs: 30,
				WorkersPerDestination: 2, MaxInflightBatchesPerDestination: 4,
				ShutdownDeadlineMs: 3000,
			},
			Retry: config.Retry{MaxAttempts: 2, BaseDelayMs: 1, Multiplier: 2, MaxDelayMs: 5, JitterFrac: 0},
		},
		catalog: &fakeCatalog{},
		mgr:     offsets.NewManager(),
	}
	h.cfg.Source.CommitLogDir = h.logDir
	h.catalog.set("users", []types.ColumnDef{
		{Name: "user_id", Type: types.TypeInt, PartitionKey: true},
		{Name: "email", Type: types.TypeText},
		{Name: "age", Type: types.TypeInt},
	})
	h.watcher = schemawatch.New(h.catalog, "ecommerce", []string{"users"}, 15*time.Millisecond)
	require.NoError(t, h.watcher.Prime(context.Background()))

	for _, d := range dests {
		h.sinks = append(h.sinks, &fakeSink{dest: d, mgr: h.mgr})
	}

	reader := commitlog.NewReader(h.logDir, "ecommerce", []string{"users"}, 10*time.Millisecond)
	masker := masking.New(nil, nil, []byte("salt"), []byte("key"), "k1", nil)
	dlqW, err := dlq.NewWriter(h.dlqDir)
	require.NoError(t, err)

	var sinks []sink.Sink
	for _, f := range h.sinks {
		sinks = append(sinks, f)
	}
	h.p = New(h.cfg, reader, h.watcher, masker, sinks, h.mgr, dlqW)
	return h
}

func (h *harness) writeEvents(t *testing.T, segment string, evs ...*types.Event) {
	t.Helper()
	var body []byte
	for _, ev := range evs {
		frame, err := commitlog.EncodeFrame(ev)
		require.NoError(t, err)
		body = append(body, frame...)
	}
	path := filepath.Join(h.logDir, segment)
	existing, _ := os.ReadFile(path)
	require.NoError(t, os.WriteFile(path, append(existing, body...), 0o644))
}

func userEvent(t *testing.T, segment string, userID int32, micros int64) *types.Event {
	t.Helper()
	ev, err := types.NewEvent(
		segment, types.KindInsert, "ecommerce", "users",
		types.Columns{{Name: "user_id", Type: types.TypeInt, Value: userID}},
		nil,
		types.Columns{
			{Name: "email", Type: types.TypeText, Value: "a@b.com"},
			{Name: "age", Type: types.TypeInt, Value: int32(30)},
		},
		micros, 0, time.Now(),
	)
	require.NoError(t, err)
	return ev
}

func runPipeline(t *testing.T, h *harness) (cancel func(), done chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()
	return stop, done
}

func TestReplicatesToAllDestinations(t *testing.T) {
	h := newHarness(t, types.DestPostgres, types.DestClickHouse)
	seg := "CommitLog-7-1700000000001.log"
	h.writeEvents(t, seg,
		userEvent(t, seg, 1, 1000),
		userEvent(t, seg, 2, 2000),
		userEvent(t, seg, 3, 3000),
	)

	cancel, done := runPipeline(t, h)
	for _, f := range h.sinks {
		f := f
		require.Eventually(t, func() bool { return f.eventCount() == 3 },
			5*time.Second, 10*time.Millisecond, "destination %s", f.dest)
	}
	cancel()
	require.NoError(t, <-done)

	// Masking happened before fan-out.
	for _, f := range h.sinks {
		email, ok := f.events[0].Values.Get("email")
		require.True(t, ok)
		assert.Len(t, email.Value, 64, "email must leave the pipeline digested")
		assert.NotEqual(t, "a@b.com", email.Value)
	}

	// Offsets advanced for both destinations.
	for _, f := range h.sinks {
		key := types.OffsetKey{
			Table: "users", Keyspace: "ecommerce",
			PartitionID: h.sinks[0].events[0].PartitionID(),
			Destination: f.dest,
		}
		_, ok := h.mgr.Get(key)
		assert.True(t, ok, "offset tracked for %s", f.dest)
	}
}

func TestPerPartitionOrderPreserved(t *testing.T) {
	h := newHarness(t, types.DestPostgres)
	seg := "CommitLog-7-1700000000001.log"
	var evs []*types.Event
	for i := 1; i <= 10; i++ {
		evs = append(evs, userEvent(t, seg, 1, int64(i)*1000)) // one partition
	}
	h.writeEvents(t, seg, evs...)

	cancel, done := runPipeline(t, h)
	f := h.sinks[0]
	require.Eventually(t, func() bool { return f.eventCount() == 10 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 1; i < len(f.events); i++ {
		assert.Less(t, f.events[i-1].TimestampMicros, f.events[i].TimestampMicros,
			"same-partition events must arrive in source order")
	}
}

func TestTerminalFailureRoutesToDLQAndAdvances(t *testing.T) {
	h := newHarness(t, types.DestPostgres, types.DestClickHouse)
	h.sinks[0].setWriteErr(types.Terminalf("permission denied for table users"))

	seg := "CommitLog-7-1700000000001.log"
	h.writeEvents(t, seg, userEvent(t, seg, 1, 1000), userEvent(t, seg, 1, 2000))

	cancel, done := runPipeline(t, h)
	// Healthy destination replicates.
	require.Eventually(t, func() bool { return h.sinks[1].eventCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	// Failing destination dead-letters both events.
	require.Eventually(t, func() bool {
		s, err := dlq.Summarize(h.dlqDir)
		return err == nil && s.ByDestination[types.DestPostgres] == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// The failing destination durably advanced past the dead letters.
	h.sinks[0].mu.Lock()
	defer h.sinks[0].mu.Unlock()
	require.NotEmpty(t, h.sinks[0].offsetOnly)
	assert.Empty(t, h.sinks[0].events, "no data writes landed")

	recs, err := dlq.ReadAll(h.dlqDir)
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, types.CategoryTerminal, r.ErrorCategory)
		assert.Equal(t, types.DestPostgres, r.Destination)
	}
}

func TestUnsupportedTypeRejectedToDLQ(t *testing.T) {
	h := newHarness(t, types.DestPostgres)
	seg := "CommitLog-7-1700000000001.log"
	ev, err := types.NewEvent(
		seg, types.KindInsert, "ecommerce", "users",
		types.Columns{{Name: "user_id", Type: types.TypeInt, Value: int32(1)}},
		nil,
		types.Columns{{Name: "visits", Type: types.TypeCounter, Value: int64(5)}},
		1000, 0, time.Now(),
	)
	require.NoError(t, err)
	h.writeEvents(t, seg, ev)

	cancel, done := runPipeline(t, h)
	require.Eventually(t, func() bool {
		s, serr := dlq.Summarize(h.dlqDir)
		return serr == nil && s.ByCategory[types.CategorySchemaIncompatible] == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, h.sinks[0].eventCount(), "rejected events never reach the sink")
}

func TestRejectedEventWaitsForBatchedPredecessor(t *testing.T) {
	h := newHarness(t, types.DestPostgres)
	seg := "CommitLog-7-1700000000001.log"
	good := userEvent(t, seg, 1, 1000)
	bad, err := types.NewEvent(
		seg, types.KindInsert, "ecommerce", "users",
		types.Columns{{Name: "user_id", Type: types.TypeInt, Value: int32(1)}},
		nil,
		types.Columns{{Name: "visits", Type: types.TypeCounter, Value: int64(5)}},
		2000, 0, time.Now(),
	)
	require.NoError(t, err)
	h.writeEvents(t, seg, good, bad)

	cancel, done := runPipeline(t, h)
	require.Eventually(t, func() bool {
		s, serr := dlq.Summarize(h.dlqDir)
		return serr == nil && s.Total == 1 && h.sinks[0].eventCount() == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// The dead-letter advance for the second event must not overtake the
	// first one waiting in the same partition's batch.
	f := h.sinks[0]
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 1)
	assert.Equal(t, int64(1000), f.events[0].TimestampMicros,
		"the earlier valid event reached the sink")
	require.Len(t, f.offsetOnly, 1, "the rejected event advanced the offset without data")

	recs, rerr := dlq.ReadAll(h.dlqDir)
	require.NoError(t, rerr)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2000), recs[0].Event.TimestampMicros,
		"only the invalid event was dead-lettered")
}

func TestShutdownDeadlineAbandonsInflightBatch(t *testing.T) {
	h := newHarness(t, types.DestPostgres)
	h.cfg.Pipeline.ShutdownDeadlineMs = 100
	started := make(chan struct{}, 1)
	h.sinks[0].writeStarted = started

	seg := "CommitLog-7-1700000000001.log"
	h.writeEvents(t, seg, userEvent(t, seg, 1, 1000), userEvent(t, seg, 1, 2000))

	cancel, done := runPipeline(t, h)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("batch write never started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "a deadline-abandoned batch is not a failure")
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop within the shutdown deadline")
	}

	// Abandoned means untouched: no dead letters, no offset movement, so
	// the next start replays the batch.
	s, err := dlq.Summarize(h.dlqDir)
	require.NoError(t, err)
	assert.Zero(t, s.Total, "abandoned batches never reach the DLQ")

	f := h.sinks[0]
	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Empty(t, f.offsetOnly, "offsets did not advance past unwritten events")
	assert.Empty(t, f.events)
}

func TestSchemaChangeAppliedToAllSinks(t *testing.T) {
	h := newHarness(t, types.DestPostgres, types.DestClickHouse)
	seg := "CommitLog-7-1700000000001.log"
	h.writeEvents(t, seg, userEvent(t, seg, 1, 1000))

	cancel, done := runPipeline(t, h)
	require.Eventually(t, func() bool { return h.sinks[0].eventCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	h.catalog.set("users", []types.ColumnDef{
		{Name: "user_id", Type: types.TypeInt, PartitionKey: true},
		{Name: "email", Type: types.TypeText},
		{Name: "age", Type: types.TypeInt},
		{Name: "city", Type: types.TypeText},
	})
	for _, f := range h.sinks {
		f := f
		require.Eventually(t, func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			return len(f.ddl) == 1
		}, 5*time.Second, 10*time.Millisecond, "ddl reached %s", f.dest)
	}

	// Replication resumes after the change.
	h.writeEvents(t, seg, userEvent(t, seg, 2, 2000))
	require.Eventually(t, func() bool { return h.sinks[0].eventCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestFailedDDLQuarantinesTable(t *testing.T) {
	h := newHarness(t, types.DestPostgres, types.DestClickHouse)
	h.sinks[1].ddlErr = types.Quarantinef("ddl rejected")

	seg := "CommitLog-7-1700000000001.log"
	h.writeEvents(t, seg, userEvent(t, seg, 1, 1000))

	cancel, done := runPipeline(t, h)
	require.Eventually(t, func() bool { return h.sinks[1].eventCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	h.catalog.set("users", []types.ColumnDef{
		{Name: "user_id", Type: types.TypeInt, PartitionKey: true},
		{Name: "email", Type: types.TypeText},
		{Name: "age", Type: types.TypeInt},
		{Name: "city", Type: types.TypeText},
	})
	require.Eventually(t, func() bool {
		return !h.p.quarantine.empty()
	}, 5*time.Second, 10*time.Millisecond)

	// New events: healthy sink keeps replicating, quarantined one DLQs.
	h.writeEvents(t, seg, userEvent(t, seg, 2, 2000))
	require.Eventually(t, func() bool { return h.sinks[0].eventCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, err := dlq.Summarize(h.dlqDir)
		return err == nil && s.ByCategory[types.CategoryQuarantine] >= 1
	}, 5*time.Second, 10*time.Millisecond)

	report := h.p.HealthReport(context.Background())
	assert.Equal(t, "degraded", report.Status)
	require.Len(t, report.Quarantined, 1)
	assert.Contains(t, report.Quarantined[0], "clickhouse/users")

	cancel()
	require.NoError(t, <-done)
}

func TestIncompatibleAlterDeadLettersWithColumn(t *testing.T) {
	h := newHarness(t, types.DestPostgres)
	h.sinks[0].ddlErr = types.SchemaIncompatiblef("incompatible-alter", "age",
		"altering %q from %q to %q is not a widening change",
		"age", types.TypeInt, types.TypeText)

	seg := "CommitLog-7-1700000000001.log"
	h.writeEvents(t, seg, userEvent(t, seg, 1, 1000))

	cancel, done := runPipeline(t, h)
	require.Eventually(t, func() bool { return h.sinks[0].eventCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	h.catalog.set("users", []types.ColumnDef{
		{Name: "user_id", Type: types.TypeInt, PartitionKey: true},
		{Name: "email", Type: types.TypeText},
		{Name: "age", Type: types.TypeText},
	})
	require.Eventually(t, func() bool { return !h.p.quarantine.empty() },
		5*time.Second, 10*time.Millisecond)

	h.writeEvents(t, seg, userEvent(t, seg, 2, 2000))
	require.Eventually(t, func() bool {
		s, err := dlq.Summarize(h.dlqDir)
		return err == nil && s.ByCategory[types.CategorySchemaIncompatible] >= 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	recs, err := dlq.ReadAll(h.dlqDir)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Contains(t, recs[0].ErrorMessage, "age",
		"dead letter names the offending column")
}

func TestDuplicateReplayIsSuppressed(t *testing.T) {
	h := newHarness(t, types.DestPostgres)
	seg := "CommitLog-7-1700000000001.log"
	h.writeEvents(t, seg, userEvent(t, seg, 1, 1000), userEvent(t, seg, 1, 2000))

	cancel, done := runPipeline(t, h)
	require.Eventually(t, func() bool { return h.sinks[0].eventCount() == 2 },
		5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// Second run over the same log: the resume token skips everything.
	h2 := &harness{}
	*h2 = *h
	reader := commitlog.NewReader(h.logDir, "ecommerce", []string{"users"}, 10*time.Millisecond)
	watcher := schemawatch.New(h.catalog, "ecommerce", []string{"users"}, 15*time.Millisecond)
	require.NoError(t, watcher.Prime(context.Background()))
	masker := masking.New(nil, nil, []byte("salt"), []byte("key"), "k1", nil)
	dlqW, err := dlq.NewWriter(h.dlqDir)
	require.NoError(t, err)
	h2.p = New(h.cfg, reader, watcher, masker,
		[]sink.Sink{h.sinks[0]}, h.mgr, dlqW)

	cancel2, done2 := runPipeline(t, h2)
	time.Sleep(200 * time.Millisecond)
	cancel2()
	require.NoError(t, <-done2)
	assert.Equal(t, 2, h.sinks[0].eventCount(), "no events were re-committed")
}

func TestHealthReportHealthy(t *testing.T) {
	h := newHarness(t, types.DestPostgres, types.DestClickHouse)
	report := h.p.HealthReport(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Len(t, report.Dependencies, 2)
	for _, dep := range report.Dependencies {
		assert.Equal(t, "healthy", dep.Status)
	}
}
