// Package pipeline composes the commit-log reader, masking transform,
// validators, and sinks into the replication loop: bounded queues,
// partition-hash worker slots, schema-change quiesce, and two-phase
// graceful shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tributary-io/tributary/internal/commitlog"
	"github.com/tributary-io/tributary/internal/config"
	"github.com/tributary-io/tributary/internal/dlq"
	"github.com/tributary-io/tributary/internal/mapper"
	"github.com/tributary-io/tributary/internal/masking"
	"github.com/tributary-io/tributary/internal/offsets"
	"github.com/tributary-io/tributary/internal/retry"
	"github.com/tributary-io/tributary/internal/schemawatch"
	"github.com/tributary-io/tributary/internal/sink"
	"github.com/tributary-io/tributary/internal/types"
)

// Pipeline owns the reader, the sinks, and everything between them.
type Pipeline struct {
	cfg     *config.Config
	reader  *commitlog.Reader
	watcher *schemawatch.Watcher
	masker  *masking.Masker
	sinks   []sink.Sink
	mgr     *offsets.Manager
	dlq     *dlq.Writer
	policy  retry.Policy

	validators map[types.Destination]*mapper.Mapper
	workers    map[types.Destination][]*destWorker
	inflight   *inflightTracker
	quarantine *quarantineSet
	paused     *pauseSet

	// buffers holds events for paused tables, in arrival order. Owned by
	// the transform goroutine; resumedCh wakes it to drain.
	buffers   map[string][]item
	resumedCh chan string

	startedAt time.Time

	failOnce   sync.Once
	fatalErr   error
	cancelRun  context.CancelFunc
	cancelWork context.CancelFunc
}

// New wires a pipeline. Sinks must already be connected and the offset
// manager loaded; cmd owns that bootstrap so connection failures map to
// distinct exit codes.
func New(
	cfg *config.Config,
	reader *commitlog.Reader,
	watcher *schemawatch.Watcher,
	masker *masking.Masker,
	sinks []sink.Sink,
	mgr *offsets.Manager,
	dlqWriter *dlq.Writer,
) *Pipeline {
	p := &Pipeline{
		cfg:     cfg,
		reader:  reader,
		watcher: watcher,
		masker:  masker,
		sinks:   sinks,
		mgr:     mgr,
		dlq:     dlqWriter,
		policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			Multiplier:  cfg.Retry.Multiplier,
			MaxDelay:    cfg.Retry.MaxDelay(),
			JitterFrac:  cfg.Retry.JitterFrac,
		},
		validators: make(map[types.Destination]*mapper.Mapper),
		workers:    make(map[types.Destination][]*destWorker),
		inflight:   newInflightTracker(),
		quarantine: newQuarantineSet(),
		paused:     newPauseSet(),
		buffers:    make(map[string][]item),
		resumedCh:  make(chan string, len(cfg.Source.Tables)+1),
		startedAt:  time.Now(),
	}
	queueCap := cfg.Pipeline.MaxInflightBatchesPerDestination * cfg.Pipeline.BatchSize
	for _, s := range sinks {
		dest := s.Destination()
		p.validators[dest] = mapper.For(dest)
		slots := make([]*destWorker, cfg.Pipeline.WorkersPerDestination)
		for i := range slots {
			slots[i] = &destWorker{
				p:    p,
				snk:  s,
				slot: i,
				in:   make(chan item, queueCap/len(slots)),
				batcher: sink.NewBatcher(cfg.Pipeline.BatchSize,
					cfg.Pipeline.MaxBatchBytes, cfg.Pipeline.MaxBatchAge()),
				policy: p.policy,
			}
		}
		p.workers[dest] = slots
	}
	return p
}

// Run replicates until ctx is canceled, then shuts down in two phases:
// stop the reader and drain every queue under the shutdown deadline,
// then return. Events unacknowledged at the deadline are not lost; their
// offsets never advanced, so the next start replays them.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	p.cancelRun = cancelRun
	p.cancelWork = cancelWork

	token := p.mgr.ResumeToken()
	if token != nil {
		log.WithField("token", token.String()).Info("resuming from stored offsets")
	} else {
		log.Info("no stored offsets, reading from oldest segment")
	}

	var workerWG sync.WaitGroup
	for _, slots := range p.workers {
		for _, w := range slots {
			workerWG.Add(1)
			go func(w *destWorker) {
				defer workerWG.Done()
				w.run(workCtx)
			}(w)
		}
	}

	readerDone := make(chan error, 1)
	go func() { readerDone <- p.reader.Run(runCtx, token) }()

	watcherDone := make(chan error, 1)
	go func() { watcherDone <- p.watcher.Run(runCtx) }()

	var auxWG sync.WaitGroup
	auxWG.Add(2)
	go func() {
		defer auxWG.Done()
		p.schemaLoop(runCtx, workCtx)
	}()
	go func() {
		defer auxWG.Done()
		p.metricsLoop(runCtx)
	}()

	// Once shutdown begins, bound the drain phase.
	go func() {
		<-runCtx.Done()
		timer := time.NewTimer(p.cfg.Pipeline.ShutdownDeadline())
		defer timer.Stop()
		select {
		case <-timer.C:
			log.Warn("shutdown deadline reached, abandoning unacknowledged batches")
			cancelWork()
		case <-workCtx.Done():
		}
	}()

	p.transform(runCtx, workCtx)

	for _, slots := range p.workers {
		for _, w := range slots {
			close(w.in)
		}
	}
	workerWG.Wait()
	cancelWork()
	cancelRun()
	auxWG.Wait()
	<-readerDone
	<-watcherDone

	if p.fatalErr != nil {
		return p.fatalErr
	}
	if err := context.Cause(ctx); err != nil && err != context.Canceled {
		return err
	}
	log.Info("pipeline stopped cleanly")
	return nil
}

// fail records the first fatal error and tears the pipeline down.
func (p *Pipeline) fail(err error) {
	p.failOnce.Do(func() {
		p.fatalErr = err
		log.WithError(err).Error("fatal pipeline error, shutting down")
		if p.cancelRun != nil {
			p.cancelRun()
		}
		if p.cancelWork != nil {
			p.cancelWork()
		}
	})
}

// transform is the single routing stage: it preserves source order from
// the reader into each destination's hashed worker slot.
func (p *Pipeline) transform(runCtx, workCtx context.Context) {
	records := p.reader.Records()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			p.handleRecord(workCtx, rec)
		case table := <-p.resumedCh:
			if !p.paused.paused(table) {
				p.drainBuffer(workCtx, table)
			}
		}
	}
}

func (p *Pipeline) handleRecord(workCtx context.Context, rec commitlog.Record) {
	if rec.Skip != nil {
		sink.ParseSkips.Inc()
		log.WithFields(log.Fields{
			"file":   rec.Skip.File,
			"offset": rec.Skip.Offset,
			"reason": rec.Skip.Reason,
		}).Warn("skipping unreadable commit-log range")
		return
	}

	table := rec.Event.Table
	if p.paused.paused(table) {
		p.buffers[table] = append(p.buffers[table], item{ev: rec.Event, tok: rec.Token})
		return
	}
	if len(p.buffers[table]) > 0 {
		// Buffered events go first so per-partition order holds across a
		// pause/resume cycle.
		p.drainBuffer(workCtx, table)
	}
	p.route(workCtx, item{ev: rec.Event, tok: rec.Token})
}

func (p *Pipeline) drainBuffer(workCtx context.Context, table string) {
	buf := p.buffers[table]
	delete(p.buffers, table)
	for _, it := range buf {
		p.route(workCtx, it)
	}
}

// route masks one event and fans it out to every destination. Events
// for quarantined or invalid combinations are tagged rejected but still
// travel through the partition's worker slot, so the dead-letter offset
// advance cannot overtake earlier events of the same partition that are
// sitting in the slot's batch.
func (p *Pipeline) route(workCtx context.Context, it item) {
	masked := p.masker.Apply(it.ev)
	schema, _ := p.watcher.Snapshot(masked.Table)

	for _, s := range p.sinks {
		dest := s.Destination()
		routed := item{ev: masked, tok: it.tok}
		if cause, latched := p.quarantine.cause(dest, masked.Table); latched {
			routed.reject = cause
		} else if err := p.validators[dest].Validate(masked, schema); err != nil {
			routed.reject = err
		}

		slots := p.workers[dest]
		slot := int(uint64(masked.PartitionID()) % uint64(len(slots)))
		p.inflight.add(dest, masked.Table, 1)
		select {
		case slots[slot].in <- routed:
		case <-workCtx.Done():
			p.inflight.done(dest, masked.Table, 1)
			return
		}
	}
}

// deadLetter gives up on one event for one destination: append the DLQ
// record, then durably advance the offset past it. A DLQ write failure
// is fatal; an offset advance failure after retries is fatal too, since
// replaying would duplicate the DLQ entry.
func (p *Pipeline) deadLetter(ctx context.Context, s sink.Sink, ev *types.Event, tok types.Position, cause error, retries int) {
	if ctx.Err() != nil {
		// Shutdown already abandoned this event; replay handles it.
		return
	}
	dest := s.Destination()
	category := types.CategoryOf(cause)
	sink.ErrorsTotal.WithLabelValues(string(dest), string(category)).Inc()

	rec := types.NewDLQRecord(ev, dest, cause, retries, time.Now())
	if err := p.dlq.Write(rec); err != nil {
		p.fail(err)
		return
	}
	sink.DLQEvents.WithLabelValues(string(dest), dlqReason(cause)).Inc()

	key := types.OffsetKey{
		Table:       ev.Table,
		Keyspace:    ev.Keyspace,
		PartitionID: ev.PartitionID(),
		Destination: dest,
	}
	p.advancePastDLQ(ctx, s, key, tok, ev.TimestampMicros)
}

// advancePastDLQ writes an offset-only advance so given-up events stay
// given-up across restarts.
func (p *Pipeline) advancePastDLQ(ctx context.Context, s sink.Sink, key types.OffsetKey, tok types.Position, micros int64) {
	off, advance, err := p.mgr.Prepare(key, tok, micros, 0)
	if err != nil {
		p.fail(&types.CategorizedError{
			Category: types.CategoryFatal, Reason: "offset-advance",
			Err: fmt.Errorf("prepare offset %s: %w", key, err),
		})
		return
	}
	if !advance {
		return
	}
	_, err = p.policy.Do(ctx, func() error {
		return s.WriteOffset(ctx, off, 0)
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.WithField("key", key.String()).
				Warn("offset advance abandoned at shutdown, dead-lettered events replay on restart")
			return
		}
		p.fail(&types.CategorizedError{
			Category: types.CategoryFatal, Reason: "offset-store-unreachable",
			Err: fmt.Errorf("advance offset %s past dead-lettered events: %w", key, err),
		})
	}
}

func dlqReason(err error) string {
	if r := types.ReasonOf(err); r != "" {
		return r
	}
	return string(types.CategoryOf(err))
}

// schemaLoop serializes schema changes: pause the table, wait for its
// in-flight events to settle, apply DDL everywhere in parallel, latch
// failures, resume.
func (p *Pipeline) schemaLoop(runCtx, workCtx context.Context) {
	for change := range p.watcher.Changes() {
		p.applyChange(runCtx, workCtx, change)
	}
}

func (p *Pipeline) applyChange(runCtx, workCtx context.Context, change types.SchemaChange) {
	table := change.Table
	logger := log.WithFields(log.Fields{
		"table":      change.Keyspace + "." + table,
		"to_version": change.ToVersion,
	})
	logger.Info("quiescing table for schema change")
	p.paused.pause(table)

	if !p.inflight.waitDrained(table, p.cfg.Pipeline.ShutdownDeadline(), runCtx.Done()) {
		logger.Warn("table did not drain before schema change; a wedged sink will quarantine on DDL")
	}

	var wg sync.WaitGroup
	for _, s := range p.sinks {
		wg.Add(1)
		go func(s sink.Sink) {
			defer wg.Done()
			dest := s.Destination()
			if err := s.ApplySchemaChange(workCtx, change); err != nil {
				p.quarantine.latch(dest, table, err)
				sink.ErrorsTotal.WithLabelValues(string(dest), string(types.CategoryQuarantine)).Inc()
				log.WithError(err).WithFields(log.Fields{
					"destination": dest, "table": table,
				}).Error("schema change failed, table quarantined for destination")
			}
		}(s)
	}
	wg.Wait()

	p.paused.resume(table)
	select {
	case p.resumedCh <- table:
	case <-workCtx.Done():
	}
	logger.Info("table resumed after schema change")
}

// metricsLoop refreshes the gauges derived from shared state.
func (p *Pipeline) metricsLoop(runCtx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			for dest, micros := range p.mgr.Lag() {
				lag := time.Since(time.UnixMicro(micros)).Seconds()
				if lag < 0 {
					lag = 0
				}
				sink.ReplicationLag.WithLabelValues(string(dest)).Set(lag)
			}
			for dest, slots := range p.workers {
				depth := 0
				for _, w := range slots {
					depth += len(w.in)
				}
				sink.BacklogDepth.WithLabelValues(string(dest)).Set(float64(depth))
			}
		}
	}
}
