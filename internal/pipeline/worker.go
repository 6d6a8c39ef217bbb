package pipeline

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tributary-io/tributary/internal/retry"
	"github.com/tributary-io/tributary/internal/sink"
	"github.com/tributary-io/tributary/internal/telemetry"
	"github.com/tributary-io/tributary/internal/types"
)

// item is one routed unit of work: an event plus its resumption token.
// A non-nil reject marks an event already given up on at routing time
// (validation failure or quarantined table); it still travels through
// the partition's slot so it cannot advance the offset past an earlier
// event waiting in the slot's batch.
type item struct {
	ev     *types.Event
	tok    types.Position
	reject error
}

// destWorker drains one slot of one destination's queue. Events for a
// given partition always hash to the same slot, which preserves source
// order per (destination, partition).
type destWorker struct {
	p       *Pipeline
	snk     sink.Sink
	slot    int
	in      chan item
	batcher *sink.Batcher
	policy  retry.Policy
}

// run consumes the slot queue until it closes, then flushes the pending
// batch. writeCtx bounds the final writes during shutdown.
func (w *destWorker) run(workCtx context.Context) {
	age := w.p.cfg.Pipeline.MaxBatchAge()
	if age <= 0 {
		age = time.Second
	}
	ticker := time.NewTicker(age / 2)
	defer ticker.Stop()
	for {
		select {
		case it, ok := <-w.in:
			if !ok {
				if b := w.batcher.Flush(); b != nil {
					w.write(workCtx, b)
				}
				return
			}
			if it.reject != nil {
				// Earlier events for this slot must reach the sink before
				// the offset can move past the rejected one.
				if b := w.batcher.Flush(); b != nil {
					w.write(workCtx, b)
				}
				w.p.deadLetter(workCtx, w.snk, it.ev, it.tok, it.reject, 0)
				w.p.inflight.done(w.snk.Destination(), it.ev.Table, 1)
				continue
			}
			if b := w.batcher.Add(it.ev, it.tok); b != nil {
				w.write(workCtx, b)
			}
		case <-ticker.C:
			if w.batcher.Due(time.Now()) {
				if b := w.batcher.Flush(); b != nil {
					w.write(workCtx, b)
				}
			}
		case <-workCtx.Done():
			// Aborted (fatal error or shutdown deadline). Unwritten
			// events are not lost: their offsets never advanced.
			return
		}
	}
}

// write pushes one batch through the retry policy. Terminal outcomes
// dead-letter the whole batch and advance the offset past it.
func (w *destWorker) write(ctx context.Context, batch *sink.Batch) {
	dest := w.snk.Destination()
	firstFailure := time.Now()

	ctx, span := telemetry.Tracer("pipeline").Start(ctx, "sink.write_batch",
		trace.WithAttributes(
			attribute.String("destination", string(dest)),
			attribute.String("table", batch.Table),
			attribute.Int("events", len(batch.Events)),
		))
	defer span.End()

	attempts, err := w.policy.Do(ctx, func() error {
		return w.snk.WriteBatch(ctx, batch)
	})
	if attempts > 1 {
		sink.RetryAttempts.WithLabelValues(string(dest)).Add(float64(attempts - 1))
	}
	if err == nil {
		w.p.inflight.done(dest, batch.Table, len(batch.Events))
		return
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Shutdown deadline hit mid-write. The batch is abandoned, not
		// dead: its offsets never advanced, so the next start replays it.
		span.SetStatus(codes.Error, "abandoned")
		log.WithFields(log.Fields{
			"destination": dest,
			"table":       batch.Table,
			"events":      len(batch.Events),
		}).Warn("batch write abandoned at shutdown, will replay on restart")
		w.p.inflight.done(dest, batch.Table, len(batch.Events))
		return
	}

	category := types.CategoryOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(category))
	sink.ErrorsTotal.WithLabelValues(string(dest), string(category)).Inc()
	log.WithError(err).WithFields(log.Fields{
		"destination": dest,
		"table":       batch.Table,
		"events":      len(batch.Events),
		"attempts":    attempts,
		"category":    category,
	}).Error("batch write failed")

	if category == types.CategoryFatal {
		w.p.fail(err)
		w.p.inflight.done(dest, batch.Table, len(batch.Events))
		return
	}

	// Terminal (including schema-incompatible and escalated transient):
	// give up on each event, then durably advance the offset so the next
	// run does not replay them into the DLQ again.
	for _, ev := range batch.Events {
		rec := types.NewDLQRecord(ev, dest, err, attempts-1, firstFailure)
		if werr := w.p.dlq.Write(rec); werr != nil {
			w.p.fail(werr)
			w.p.inflight.done(dest, batch.Table, len(batch.Events))
			return
		}
		sink.DLQEvents.WithLabelValues(string(dest), dlqReason(err)).Inc()
	}
	w.p.advancePastDLQ(ctx, w.snk, batch.Key(dest), batch.Token, batch.LastEventMicros())
	w.p.inflight.done(dest, batch.Table, len(batch.Events))
}
