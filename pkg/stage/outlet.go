// Package stage implements the demand-driven mechanics shared by every stage in
// a topology: an Outlet through which a stage dispatches events to its
// subscribers, and a SubscriptionSet through which a stage subscribes to one or
// more upstream Outlets and survives their loss.
//
// Demand is tracked explicitly as a per-subscriber credit pool, not merely as
// channel capacity: a subscriber is granted max_demand credit up front, each
// dispatched event spends one credit, and credit is returned only once the
// subscriber has finished handling the event (Subscription.Ack), batched so a
// full grant of (max_demand - min_demand) credits returns at once when that
// many sit unreturned (spec.md §4.1's low/high watermark replenishment). This
// is what bounds the number of events outstanding-but-unprocessed per
// subscriber to exactly max_demand (spec §5): a channel-capacity-only model
// undercounts the one event a forwarder goroutine can hold in hand while
// relaying it, letting outstanding creep to max_demand+1. See DESIGN.md.
package stage

import (
	"context"
	"sync"
)

// DemandConfig carries the low/high water marks described in spec.md §3.
type DemandConfig struct {
	MinDemand int
	MaxDemand int
}

// DefaultDemand is used wherever a caller does not configure explicit water marks.
var DefaultDemand = DemandConfig{MinDemand: 500, MaxDemand: 1000}

// Subscription is what Subscribe hands back: the channel to receive events on
// and the Ack a receiver must call once, after it has finished handling an
// event taken from that channel, to return its demand credit.
type Subscription[T any] struct {
	Events <-chan T
	Ack    func()
}

type subscriber[T any] struct {
	name      string
	partition string // "" means unpartitioned (pooled dispatch candidate)
	ch        chan T
	// retired closes when this subscriber is replaced by a later Subscribe
	// call under the same name. A dispatcher blocked sending on ch watches
	// retired rather than closing ch itself, since ch may have a send in
	// flight when the replacement happens.
	retired chan struct{}

	// credit holds one token per unit of demand this subscriber may still
	// receive; dispatch consumes a token before sending, ack returns tokens
	// once handling completes. Capacity equals max_demand.
	credit chan struct{}

	batchSize int // credits accumulated by ack before they're returned together

	relMu   sync.Mutex
	pending int // acks accumulated since the last batch release
}

func newSubscriber[T any](name, partition string, ch chan T, demand DemandConfig) *subscriber[T] {
	maxDemand := demand.MaxDemand
	if maxDemand <= 0 {
		maxDemand = DefaultDemand.MaxDemand
	}
	batchSize := maxDemand - demand.MinDemand
	if batchSize <= 0 {
		batchSize = 1
	}
	credit := make(chan struct{}, maxDemand)
	for i := 0; i < maxDemand; i++ {
		credit <- struct{}{}
	}
	return &subscriber[T]{
		name:      name,
		partition: partition,
		ch:        ch,
		retired:   make(chan struct{}),
		credit:    credit,
		batchSize: batchSize,
	}
}

// ack returns one unit of demand credit. Credit is only actually handed back
// to the pool once batchSize acks have accumulated, so a subscriber's demand
// replenishes to max_demand in one jump when outstanding falls to min_demand,
// per spec.md §4.1, rather than dribbling back one credit at a time.
func (s *subscriber[T]) ack() {
	s.relMu.Lock()
	s.pending++
	if s.pending < s.batchSize {
		s.relMu.Unlock()
		return
	}
	release := s.pending
	s.pending = 0
	s.relMu.Unlock()
	for i := 0; i < release; i++ {
		s.credit <- struct{}{}
	}
}

// Outlet is the sending side of one stage's output edge. An Outlet is either
// keyed (partitioned dispatch, used by a processor worker routing to batchers)
// or pooled (round-robin dispatch among subscribers with room, used by a
// producer feeding a processor pool, or a batcher feeding a consumer pool).
type Outlet[T any] struct {
	mu      sync.Mutex
	subs    map[string]*subscriber[T]
	order   []string
	rrIndex int
	closed  chan struct{}
	once    sync.Once
}

// NewOutlet creates an empty Outlet.
func NewOutlet[T any]() *Outlet[T] {
	return &Outlet[T]{
		subs:   make(map[string]*subscriber[T]),
		closed: make(chan struct{}),
	}
}

// Subscribe registers a new subscriber granted demand's credit and returns
// the Subscription it should receive events (and return credit) through.
// partition is the destination key this subscriber wants; pass "" for
// pooled/unpartitioned subscription.
func (o *Outlet[T]) Subscribe(name, partition string, demand DemandConfig) Subscription[T] {
	maxDemand := demand.MaxDemand
	if maxDemand <= 0 {
		maxDemand = DefaultDemand.MaxDemand
	}
	ch := make(chan T, maxDemand)
	sub := newSubscriber[T](name, partition, ch, demand)

	o.mu.Lock()
	prev, existed := o.subs[name]
	if !existed {
		o.order = append(o.order, name)
	}
	o.subs[name] = sub
	o.mu.Unlock()
	// A restarted subscriber re-subscribing under the same name orphans its
	// previous channel. Signal retired rather than closing prev.ch directly:
	// a producer may be blocked sending on prev.ch right now (DispatchPooled's
	// fallback send, or DispatchKeyed), and closing a channel with a send in
	// flight panics the sender. retired lets that dispatch retry against
	// whichever subscriber is current instead.
	if existed {
		close(prev.retired)
	}
	return Subscription[T]{Events: ch, Ack: sub.ack}
}

// Unsubscribe removes a subscriber and closes its channel, signalling loss of
// the link to whatever is reading from it.
func (o *Outlet[T]) Unsubscribe(name string) {
	o.mu.Lock()
	sub, ok := o.subs[name]
	if ok {
		delete(o.subs, name)
		o.order = removeName(o.order, name)
	}
	o.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

func removeName(order []string, name string) []string {
	out := order[:0]
	for _, n := range order {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Closed reports when the Outlet's owning stage has terminated: every
// subscriber's channel is closed and no further Subscribe calls will be honored.
func (o *Outlet[T]) Closed() <-chan struct{} { return o.closed }

// Close terminates the Outlet: every subscriber channel is closed, which the
// subscriber side observes as a dropped link (spec §4.1 "temporary" subscriptions).
func (o *Outlet[T]) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		subs := o.subs
		o.subs = make(map[string]*subscriber[T])
		o.order = nil
		o.mu.Unlock()
		for _, s := range subs {
			close(s.ch)
		}
		close(o.closed)
	})
}

// DispatchPooled sends v to whichever unpartitioned subscriber currently has
// credit, preferring round-robin fairness, and falling back to a blocking
// wait for credit on the subscriber it started with if none currently has
// room. It reports false if there is no subscriber at all (caller should not
// have asked for demand in that case).
func (o *Outlet[T]) DispatchPooled(ctx context.Context, v T) bool {
	for {
		o.mu.Lock()
		n := len(o.order)
		if n == 0 {
			o.mu.Unlock()
			return false
		}
		start := o.rrIndex % n
		o.rrIndex = (o.rrIndex + 1) % n
		names := make([]string, n)
		copy(names, o.order)
		subs := make([]*subscriber[T], n)
		for i, name := range names {
			subs[i] = o.subs[name]
		}
		o.mu.Unlock()

		for i := 0; i < n; i++ {
			s := subs[(start+i)%n]
			select {
			case <-s.credit:
				s.ch <- v
				return true
			default:
			}
		}
		// No subscriber currently has credit: wait on the one we started with
		// rather than drop. If it gets replaced by a resubscribe while we
		// wait, retry against the current subscriber set instead of
		// stranding v.
		select {
		case <-subs[start].credit:
			subs[start].ch <- v
			return true
		case <-subs[start].retired:
			continue
		case <-o.closed:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// DispatchKeyed sends v to the subscriber registered for the given partition
// key, waiting for its demand credit if none is currently available (spec §5
// backpressure). If no subscriber currently holds the key, whether because no
// batcher was configured for it or because its batcher has not subscribed
// yet, DispatchKeyed reports false rather than silently dropping the event.
func (o *Outlet[T]) DispatchKeyed(ctx context.Context, key string, v T) bool {
	for {
		o.mu.Lock()
		var target *subscriber[T]
		for _, name := range o.order {
			s := o.subs[name]
			if s.partition == key {
				target = s
				break
			}
		}
		o.mu.Unlock()
		if target == nil {
			return false
		}
		select {
		case <-target.credit:
			target.ch <- v
			return true
		case <-target.retired:
			// Replaced by a resubscribe while we were waiting; retry against
			// whoever now holds this key instead of stranding v.
			continue
		case <-o.closed:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// SubscriberNames returns the currently registered subscriber names, for
// diagnostics and testing.
func (o *Outlet[T]) SubscriberNames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.order))
	copy(out, o.order)
	return out
}
