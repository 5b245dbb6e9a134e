// Package processor implements the pool of stages that transform messages in
// parallel and route them to a destination batcher by key (spec.md §4.3).
package processor

import (
	"context"
	"fmt"

	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/stage"
	"github.com/rs/zerolog"
)

// HandleMessage is the user callback contract: transform msg and return the
// result that will be routed by its Publisher field. Any error is a
// user-contract violation and crashes this worker.
type HandleMessage func(ctx context.Context, msg *message.Message, userCtx any) (*message.Message, error)

// Config holds a processor worker's subscription demand to each producer.
// Pool size is the topology's concern (topology.ProcessorConfig.Stages), not
// an individual worker's.
type Config struct {
	UpstreamDemand stage.DemandConfig
}

// Worker is one processor pool member. A fresh Worker (and its Outlet) is
// constructed on every pool restart, since the pool is supervised one_for_all
// (spec.md §4.6): a crash anywhere in the pool restarts the whole pool so
// every worker's subscription set ends up consistent again.
type Worker struct {
	name      string
	handle    HandleMessage
	userCtx   any
	producers []string

	upstream *stage.SubscriptionSet[*message.Message]
	outlet   *stage.Outlet[*message.Message]
	logger   zerolog.Logger
}

// NewWorker constructs a processor worker named name, subscribing to every
// producer in producers (resolved through lookup) and dispatching its
// results, partitioned by destination key, on the Outlet it owns.
func NewWorker(
	name string,
	handle HandleMessage,
	userCtx any,
	producers []string,
	lookup stage.Lookup[*message.Message],
	cfg Config,
	logger zerolog.Logger,
) *Worker {
	l := logger.With().Str("stage", name).Logger()
	return &Worker{
		name:      name,
		handle:    handle,
		userCtx:   userCtx,
		producers: producers,
		upstream:  stage.NewSubscriptionSet[*message.Message](name, "", cfg.UpstreamDemand, lookup, l),
		outlet:    stage.NewOutlet[*message.Message](),
		logger:    l,
	}
}

// Outlet returns the per-key-partitioned Outlet this worker dispatches
// transformed messages on; batchers subscribe to it with partition equal to
// their destination key.
func (w *Worker) Outlet() *stage.Outlet[*message.Message] { return w.outlet }

// Run subscribes to every producer and processes messages until ctx is
// cancelled, returning a non-nil error (triggering a pool-wide restart) if
// handle_message fails, returns nil, or routes to an unconfigured key.
func (w *Worker) Run(ctx context.Context) error {
	defer w.outlet.Close()

	// subCtx scopes the upstream subscription forwarders to this Run call, not
	// to the supervisor's ctx: on a crash (handleOne returning an error, or a
	// panic unwinding through this defer), cancelling subCtx is what makes the
	// forwarder goroutines in pkg/stage exit their blocking receive/send, so
	// Wait below actually returns instead of hanging forever on a link nothing
	// is cancelling.
	subCtx, cancel := context.WithCancel(ctx)
	defer w.upstream.Wait()
	defer cancel()
	w.upstream.SubscribeAll(subCtx, w.producers)

	w.logger.Info().Msg("processor worker started")
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

func (w *Worker) handleOne(ctx context.Context, msg *message.Message) error {
	msg.ProcessorPID = w.name

	result, err := w.handle(ctx, msg, w.userCtx)
	if err != nil {
		return fmt.Errorf("processor %s: handle_message: %w", w.name, err)
	}
	if result == nil {
		return fmt.Errorf("processor %s: handle_message returned a nil message", w.name)
	}

	key := result.Publisher
	if key == "" {
		key = message.DefaultPublisher
		result.Publisher = key
	}

	if !w.outlet.DispatchKeyed(ctx, key, result) {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("processor %s: no batcher subscribed for destination key %q", w.name, key)
	}
	return nil
}
