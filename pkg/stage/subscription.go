package stage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lookup resolves the stable name of an upstream stage to its current live
// Outlet. Subscribers use it both to subscribe initially and to resubscribe
// after a link drops, which is how a batcher picks up a freshly restarted
// processor pool (spec §4.4.3) or a processor picks up a restarted producer.
type Lookup[T any] func(name string) (*Outlet[T], bool)

// Delivery wraps one event forwarded from an upstream with the credit Ack
// for it. The receiving stage must call Ack exactly once, after it has
// finished handling Value, to return demand credit to that upstream.
type Delivery[T any] struct {
	Value T
	ack   func()
}

// Ack returns this delivery's demand credit to the upstream it came from.
func (d Delivery[T]) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// SubscriptionSet manages a stage's upstream subscriptions to a named set of
// producers of events of type T: subscribing at startup, detecting a dropped
// link when its channel closes, and retrying resubscription on a one-shot
// scheduled timer per spec §4.1/§4.4.3.
type SubscriptionSet[T any] struct {
	self      string
	partition string
	demand    DemandConfig
	lookup    Lookup[T]
	logger    zerolog.Logger

	merged chan Delivery[T]

	mu             sync.Mutex
	active         map[string]struct{}
	failed         map[string]struct{}
	resubscribeSet bool

	wg sync.WaitGroup
}

// NewSubscriptionSet creates a SubscriptionSet for a subscriber named self,
// wanting partition (use "" for pooled/unpartitioned upstreams).
func NewSubscriptionSet[T any](self, partition string, demand DemandConfig, lookup Lookup[T], logger zerolog.Logger) *SubscriptionSet[T] {
	return &SubscriptionSet[T]{
		self:      self,
		partition: partition,
		demand:    demand,
		lookup:    lookup,
		logger: logger.With().Str("subscriber", self).Logger(),
		// merged is unbuffered: the real in-flight buffering lives in the
		// per-upstream demand credit Outlet.Subscribe hands back (max_demand
		// wide). Giving merged its own buffer on top of that would let a
		// subscriber hold more events outstanding than its granted demand.
		// forward below only ever holds one value at a time in hand while
		// relaying it, so this is a synchronous handoff, not extra buffering.
		merged: make(chan Delivery[T]),
		active:    make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}
}

// Events returns the single merged channel the owning stage should read
// from. The owning stage must call Ack on every Delivery it receives, once
// it has finished handling Value, or that upstream's demand never replenishes.
func (s *SubscriptionSet[T]) Events() <-chan Delivery[T] { return s.merged }

// Subscribe attaches to the named upstream's current Outlet, starting a
// forwarder goroutine that copies its events into the merged channel until the
// upstream link drops.
func (s *SubscriptionSet[T]) Subscribe(ctx context.Context, upstreamName string) bool {
	outlet, ok := s.lookup(upstreamName)
	if !ok {
		return false
	}
	sub := outlet.Subscribe(s.self, s.partition, s.demand)
	s.mu.Lock()
	s.active[upstreamName] = struct{}{}
	delete(s.failed, upstreamName)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.forward(ctx, upstreamName, sub)
	return true
}

// SubscribeAll attaches to every named upstream.
func (s *SubscriptionSet[T]) SubscribeAll(ctx context.Context, upstreamNames []string) {
	for _, name := range upstreamNames {
		s.Subscribe(ctx, name)
	}
}

func (s *SubscriptionSet[T]) forward(ctx context.Context, upstreamName string, sub Subscription[T]) {
	defer s.wg.Done()
	for {
		select {
		case v, ok := <-sub.Events:
			if !ok {
				s.markFailed(ctx, upstreamName)
				return
			}
			select {
			case s.merged <- Delivery[T]{Value: v, ack: sub.Ack}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *SubscriptionSet[T]) markFailed(ctx context.Context, upstreamName string) {
	s.mu.Lock()
	delete(s.active, upstreamName)
	wasEmpty := len(s.failed) == 0
	s.failed[upstreamName] = struct{}{}
	needsTimer := wasEmpty && !s.resubscribeSet
	if needsTimer {
		s.resubscribeSet = true
	}
	s.mu.Unlock()

	s.logger.Warn().Str("upstream", upstreamName).Msg("subscription dropped, scheduling resubscribe")

	if needsTimer {
		s.wg.Add(1)
		go s.resubscribeLoop(ctx)
	}
}

// resubscribeLoop implements the one-shot-per-round retry policy from §4.4.3:
// wait a beat, attempt every failed link once, and if any remain failed,
// schedule exactly one more round.
func (s *SubscriptionSet[T]) resubscribeLoop(ctx context.Context) {
	defer s.wg.Done()
	const retryInterval = 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryInterval):
		}

		s.mu.Lock()
		pending := make([]string, 0, len(s.failed))
		for name := range s.failed {
			pending = append(pending, name)
		}
		s.mu.Unlock()

		anyStillFailed := false
		for _, name := range pending {
			if !s.Subscribe(ctx, name) {
				anyStillFailed = true
				continue
			}
			s.logger.Info().Str("upstream", name).Msg("resubscribed")
		}

		s.mu.Lock()
		if len(s.failed) == 0 {
			s.resubscribeSet = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if !anyStillFailed {
			// Subscribe() calls above already cleared everything that mattered;
			// loop once more in case new failures arrived concurrently.
			continue
		}
	}
}

// Wait blocks until every forwarder and the resubscribe loop (if any) have
// exited, which happens once ctx is cancelled.
func (s *SubscriptionSet[T]) Wait() { s.wg.Wait() }

// ActiveUpstreams returns the currently linked upstream names, for diagnostics.
func (s *SubscriptionSet[T]) ActiveUpstreams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for name := range s.active {
		out = append(out, name)
	}
	return out
}
