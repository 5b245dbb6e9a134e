// Package consumer implements the pool of stages that deliver finished
// batches to user code and acknowledge their messages at origin (spec.md §4.5).
package consumer

import (
	"context"
	"fmt"

	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/stage"
	"github.com/rs/zerolog"
)

// HandleBatch is the user callback contract: process batch and report, for
// every message in it, whether it succeeded or failed. Every message must
// appear in exactly one of the two result lists; an error or an incomplete
// partition is a user-contract violation and crashes this worker.
type HandleBatch func(ctx context.Context, batch *message.Batch, userCtx any) (message.AckResult, error)

// Config holds a consumer worker's subscription demand to its batcher. Pool
// size is the topology's concern (topology.PublisherConfig.Stages), not an
// individual worker's.
type Config struct {
	UpstreamDemand stage.DemandConfig
}

// Worker is one consumer pool member, pulling batches from the single
// batcher for its destination key.
type Worker struct {
	name     string
	handle   HandleBatch
	userCtx  any
	batcher  string
	ackFuncs map[message.AckHandlerID]message.AckFunc

	upstream *stage.SubscriptionSet[*message.Batch]
	logger   zerolog.Logger
}

// NewWorker constructs a consumer worker named name, pooled-subscribing to
// batcherName (resolved through lookup). ackFuncs maps each acknowledger
// handler ID this topology uses to the function that acks it.
func NewWorker(
	name string,
	handle HandleBatch,
	userCtx any,
	batcherName string,
	ackFuncs map[message.AckHandlerID]message.AckFunc,
	lookup stage.Lookup[*message.Batch],
	cfg Config,
	logger zerolog.Logger,
) *Worker {
	l := logger.With().Str("stage", name).Logger()
	return &Worker{
		name:     name,
		handle:   handle,
		userCtx:  userCtx,
		batcher:  batcherName,
		ackFuncs: ackFuncs,
		upstream: stage.NewSubscriptionSet[*message.Batch](name, "", cfg.UpstreamDemand, lookup, l),
		logger:   l,
	}
}

// Run subscribes to its batcher and delivers batches to handle_batch until
// ctx is cancelled, returning a non-nil error (triggering a restart of this
// worker only) on any contract violation.
func (w *Worker) Run(ctx context.Context) error {
	// subCtx scopes the upstream forwarder to this Run call so a crash below
	// (handleOne returning an error, or a panic unwinding through this defer)
	// cancels it and Wait actually returns, instead of hanging on a link
	// nothing else is cancelling.
	subCtx, cancel := context.WithCancel(ctx)
	defer w.upstream.Wait()
	defer cancel()
	w.upstream.SubscribeAll(subCtx, []string{w.batcher})

	w.logger.Info().Msg("consumer worker started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-w.upstream.Events():
			if !ok {
				return nil
			}
			err := w.handleOne(ctx, delivery.Value)
			delivery.Ack()
			if err != nil {
				return err
			}
		}
	}
}

func (w *Worker) handleOne(ctx context.Context, batch *message.Batch) error {
	result, err := w.handle(ctx, batch, w.userCtx)
	if err != nil {
		return fmt.Errorf("consumer %s: handle_batch: %w", w.name, err)
	}
	if err := w.validatePartition(batch, result); err != nil {
		return fmt.Errorf("consumer %s: %w", w.name, err)
	}
	w.ackByRun(batch, result)
	return nil
}

// validatePartition confirms every message in batch appears in exactly one of
// result's two lists (spec.md §4.5.2).
func (w *Worker) validatePartition(batch *message.Batch, result message.AckResult) error {
	seen := make(map[*message.Message]bool, len(batch.Messages))
	for _, m := range result.Successful {
		if seen[m] {
			return fmt.Errorf("handle_batch reported message %q more than once", m.ID)
		}
		seen[m] = true
	}
	for _, m := range result.Failed {
		if seen[m] {
			return fmt.Errorf("handle_batch reported message %q more than once", m.ID)
		}
		seen[m] = true
	}
	if len(seen) != len(batch.Messages) {
		return fmt.Errorf("handle_batch partitioned %d of %d messages", len(seen), len(batch.Messages))
	}
	for _, m := range batch.Messages {
		if !seen[m] {
			return fmt.Errorf("handle_batch omitted message %q", m.ID)
		}
	}
	return nil
}

// ackByRun walks batch.Messages in original order and invokes each message's
// ack handler once per maximal contiguous run of messages sharing the same
// handler ID (spec.md §4.5.3), passing that run's successful/failed split.
func (w *Worker) ackByRun(batch *message.Batch, result message.AckResult) {
	outcome := make(map[*message.Message]bool, len(batch.Messages))
	for _, m := range result.Successful {
		outcome[m] = true
	}
	for _, m := range result.Failed {
		outcome[m] = false
	}

	msgs := batch.Messages
	for i := 0; i < len(msgs); {
		id := msgs[i].Acknowledger.HandlerID
		j := i + 1
		for j < len(msgs) && msgs[j].Acknowledger.HandlerID == id {
			j++
		}
		run := msgs[i:j]
		w.ackRun(id, run, outcome)
		i = j
	}
}

func (w *Worker) ackRun(id message.AckHandlerID, run []*message.Message, outcome map[*message.Message]bool) {
	fn, ok := w.ackFuncs[id]
	if !ok {
		w.logger.Warn().Str("handler_id", string(id)).Msg("no ack function registered for handler id, run not acknowledged")
		return
	}
	var successful, failed []*message.Message
	for _, m := range run {
		if outcome[m] {
			successful = append(successful, m)
		} else {
			failed = append(failed, m)
		}
	}
	fn(successful, failed)
}
