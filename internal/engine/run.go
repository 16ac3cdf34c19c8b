package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Harvey-AU/doc-resolver/internal/jobs"
	"github.com/Harvey-AU/doc-resolver/internal/retrieval"
	"github.com/rs/zerolog/log"
)

// ErrNoInput is returned by Run when the source yields nothing at all.
var ErrNoInput = errors.New("no input records")

// Source yields input batches. An empty batch means end of input.
type Source interface {
	NextBatch(ctx context.Context) ([]retrieval.Input, error)
}

// Sink receives exactly one record per input. It must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, rec retrieval.Record) error
}

// Run feeds every input from src through a pool of workers and emits each
// record to sink. Cancelling ctx stops scheduling; queued and in-flight
// records still complete and are emitted.
func (e *Engine) Run(ctx context.Context, src Source, sink Sink, workers int) (Summary, error) {
	emitCtx := context.WithoutCancel(ctx)

	handler := func(ctx context.Context, task *jobs.Task) error {
		rec := e.Process(ctx, task.Input)
		task.Settled = true
		if err := sink.Emit(emitCtx, rec); err != nil {
			return fmt.Errorf("emit record: %w", err)
		}
		return nil
	}
	onPanic := func(_ context.Context, task *jobs.Task, recovered any) {
		if task.Settled {
			log.Error().
				Str("url", task.Input.URL).
				Interface("panic", recovered).
				Msg("Record processed but emit panicked")
			return
		}
		e.emitUnprocessed(emitCtx, sink, task.Input, fmt.Sprintf("internal error: %v", recovered), false)
	}

	pool := jobs.NewWorkerPool(e.runID, workers, handler, onPanic)
	pool.Start(ctx)

	var runErr error
	submitted := 0

feed:
	for {
		batch, err := src.NextBatch(ctx)
		for i, in := range batch {
			if _, serr := pool.Submit(ctx, in); serr != nil {
				if err == nil {
					err = serr
				}
				rest := batch[i:]
				log.Warn().
					Err(serr).
					Int("unsubmitted", len(rest)).
					Msg("Run stopping, recording unsubmitted inputs as unreachable")
				for _, in := range rest {
					e.emitUnprocessed(emitCtx, sink, in, "shutdown", true)
				}
				break
			}
			submitted++
		}
		if err != nil {
			if ctx.Err() != nil {
				log.Warn().Int("submitted", submitted).Msg("Run interrupted, finishing in-flight records")
			} else {
				runErr = fmt.Errorf("read input: %w", err)
			}
			break feed
		}
		if len(batch) == 0 {
			break
		}
	}

	pool.Stop()

	summary := e.Summary()
	if runErr == nil && submitted == 0 && ctx.Err() == nil {
		runErr = ErrNoInput
	}

	stats := pool.Stats()
	log.Info().
		Str("run_id", e.runID).
		Int64("records", summary.Records).
		Int64("checked", summary.Checked).
		Int64("found", summary.Found).
		Int64("direct", summary.Direct).
		Int64("problematic", summary.Problematic).
		Int64("duplicate", summary.Duplicate).
		Int64("recross", summary.Recross).
		Int64("downloaded", summary.Downloaded).
		Int("blocked_domains", summary.BlockedDomains).
		Int64("task_failures", stats.Failed).
		Dur("duration", summary.Duration).
		Msg("Run complete")

	return summary, runErr
}

// emitUnprocessed reports an input that never produced a record of its own.
func (e *Engine) emitUnprocessed(ctx context.Context, sink Sink, in retrieval.Input, reason string, couldRetry bool) {
	rec := retrieval.Record{
		ID:         in.ID,
		SourceURL:  in.URL,
		Outcome:    retrieval.OutcomeUnreachable,
		Error:      reason,
		CouldRetry: couldRetry,
		ResolvedAt: e.now().UTC(),
	}
	e.stats.observe(rec)
	if err := sink.Emit(ctx, rec); err != nil {
		log.Error().Err(err).Str("url", in.URL).Str("reason", reason).Msg("Failed to emit unprocessed record")
	}
}

// Tee emits every record to each sink in order. All sinks are tried; the
// first error is returned.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

type teeSink []Sink

func (t teeSink) Emit(ctx context.Context, rec retrieval.Record) error {
	var first error
	for _, s := range t {
		if err := s.Emit(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
