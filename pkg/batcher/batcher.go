// Package batcher accumulates per-destination messages into size- or
// time-bounded batches, one Batcher per destination key (spec.md §4.4).
package batcher

import (
	"context"
	"time"

	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/stage"
	"github.com/rs/zerolog"
)

// Config holds the per-key batching settings plus the demand granted to each
// processor worker this batcher subscribes to.
type Config struct {
	BatchSize      int
	BatchTimeout   time.Duration
	UpstreamDemand stage.DemandConfig
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 1000 * time.Millisecond
	}
	return c
}

// Batcher is the single stage for one destination key. It subscribes to
// every processor worker, advertising its key as the partition it wants
// (spec.md §4.4.4), and owns the Outlet that key's consumer pool subscribes to.
type Batcher struct {
	name       string
	key        string
	processors []string
	cfg        Config

	upstream *stage.SubscriptionSet[*message.Message]
	outlet   *stage.Outlet[*message.Batch]
	logger   zerolog.Logger
}

// New constructs the Batcher for destination key, subscribing to every name
// in processors (resolved through lookup).
func New(name, key string, processors []string, lookup stage.Lookup[*message.Message], cfg Config, logger zerolog.Logger) *Batcher {
	l := logger.With().Str("stage", name).Str("destination_key", key).Logger()
	return &Batcher{
		name:       name,
		key:        key,
		processors: processors,
		cfg:        cfg.withDefaults(),
		upstream:   stage.NewSubscriptionSet[*message.Message](name, key, cfg.UpstreamDemand, lookup, l),
		outlet:     stage.NewOutlet[*message.Batch](),
		logger:     l,
	}
}

// Outlet returns the Outlet this batcher emits completed batches on; that
// key's consumer pool subscribes to it.
func (b *Batcher) Outlet() *stage.Outlet[*message.Batch] { return b.outlet }

// Run subscribes to every processor worker and batches incoming messages
// until ctx is cancelled, flushing whatever is pending on the way out.
func (b *Batcher) Run(ctx context.Context) error {
	defer b.outlet.Close()

	// subCtx scopes the upstream forwarders to this Run call so a crash below
	// (a panic unwinding through this defer) cancels them and Wait actually
	// returns, instead of hanging on a link nothing else is cancelling.
	subCtx, cancel := context.WithCancel(ctx)
	defer b.upstream.Wait()
	defer cancel()
	b.upstream.SubscribeAll(subCtx, b.processors)

	pending := make([]*message.Message, 0, b.cfg.BatchSize)
	ticker := time.NewTicker(b.cfg.BatchTimeout)
	defer ticker.Stop()

	b.logger.Info().Int("batch_size", b.cfg.BatchSize).Dur("batch_timeout", b.cfg.BatchTimeout).Msg("batcher started")

	for {
		select {
		case <-ctx.Done():
			b.flushAll(context.Background(), pending)
			return nil

		case delivery, ok := <-b.upstream.Events():
			if !ok {
				b.flushAll(context.Background(), pending)
				return nil
			}
			pending = append(pending, delivery.Value)
			delivery.Ack()
			for len(pending) >= b.cfg.BatchSize {
				b.emit(ctx, pending[:b.cfg.BatchSize])
				rest := make([]*message.Message, len(pending)-b.cfg.BatchSize)
				copy(rest, pending[b.cfg.BatchSize:])
				pending = rest
				ticker.Reset(b.cfg.BatchTimeout)
			}

		case <-ticker.C:
			if len(pending) > 0 {
				b.emit(ctx, pending)
				pending = make([]*message.Message, 0, b.cfg.BatchSize)
			}
		}
	}
}

func (b *Batcher) flushAll(ctx context.Context, pending []*message.Message) {
	if len(pending) == 0 {
		return
	}
	b.emit(ctx, pending)
}

func (b *Batcher) emit(ctx context.Context, msgs []*message.Message) {
	batch := &message.Batch{
		Info:     message.BatchInfo{PublisherKey: b.key, Batcher: b.name},
		Messages: msgs,
	}
	if !b.outlet.DispatchPooled(ctx, batch) {
		b.logger.Warn().Int("batch_size", len(msgs)).Msg("failed to dispatch batch downstream, messages lost")
		return
	}
	b.logger.Info().Int("batch_size", len(msgs)).Msg("batch emitted")
}
