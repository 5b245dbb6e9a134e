// Package producer wraps a user-supplied source driver into a stage that
// emits messages on downstream demand and supports synchronous injection
// (spec.md §4.2).
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/stage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Driver is the contract a message source implements. Init builds the
// driver's initial state from opaque user args; HandleDemand is called
// whenever downstream demand is available and must return at most n events.
type Driver interface {
	Init(args any) (state any, err error)
	HandleDemand(ctx context.Context, n int, state any) (events []*message.Message, newState any, err error)
}

// Config holds per-producer-stage settings. AskSize bounds how many events are
// requested from the driver per HandleDemand call; PollInterval is how long
// the stage waits before re-polling a driver that returned no events, to avoid
// a busy spin while still being responsive to PushMessages and shutdown.
// MaxConcurrentPush bounds how many PushMessages calls may be waiting on this
// producer's internal buffer at once, so a caller that injects faster than the
// run loop drains the buffer blocks at the call site instead of growing the
// buffer without bound.
type Config struct {
	AskSize           int
	PollInterval      time.Duration
	MaxConcurrentPush int64
}

func (c Config) withDefaults() Config {
	if c.AskSize <= 0 {
		c.AskSize = 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.MaxConcurrentPush <= 0 {
		c.MaxConcurrentPush = 64
	}
	return c
}

type pushRequest struct {
	msgs []*message.Message
	ack  chan struct{}
}

// Stage is one producer worker instance. A fresh Stage is constructed on
// every (re)start so that injected-but-undelivered messages from a prior,
// crashed instance are correctly dropped rather than carried forward, per
// spec.md §3 ("messages in the mailbox of a crashing stage are lost").
type Stage struct {
	name   string
	driver Driver
	args   any
	cfg    Config
	outlet *stage.Outlet[*message.Message]
	logger zerolog.Logger

	pushCh  chan pushRequest
	pushSem *semaphore.Weighted
}

// New constructs a producer Stage bound to outlet, which downstream processor
// workers subscribe to.
func New(name string, driver Driver, args any, cfg Config, outlet *stage.Outlet[*message.Message], logger zerolog.Logger) *Stage {
	cfg = cfg.withDefaults()
	return &Stage{
		name:    name,
		driver:  driver,
		args:    args,
		cfg:     cfg,
		outlet:  outlet,
		logger:  logger.With().Str("stage", name).Logger(),
		pushCh:  make(chan pushRequest),
		pushSem: semaphore.NewWeighted(cfg.MaxConcurrentPush),
	}
}

// Outlet returns the Outlet this stage dispatches on, for registration.
func (s *Stage) Outlet() *stage.Outlet[*message.Message] { return s.outlet }

// PushMessages synchronously injects msgs, bypassing HandleDemand. It blocks
// until the producer's run loop has accepted the messages into its internal
// buffer, then returns true. It returns false if ctx is cancelled first; if
// the stage is not running, that means it blocks until ctx is done. Concurrent callers beyond MaxConcurrentPush queue on
// a semaphore rather than racing to grow the internal buffer unbounded.
func (s *Stage) PushMessages(ctx context.Context, msgs []*message.Message) bool {
	if err := s.pushSem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer s.pushSem.Release(1)

	req := pushRequest{msgs: msgs, ack: make(chan struct{})}
	select {
	case s.pushCh <- req:
	case <-ctx.Done():
		return false
	}
	select {
	case <-req.ack:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run drives the producer's demand-and-injection multiplexer until ctx is
// cancelled. It never drops a message: injected or driver-sourced events that
// cannot be dispatched immediately queue in an internal buffer.
func (s *Stage) Run(ctx context.Context) error {
	defer s.outlet.Close()

	state, err := s.driver.Init(s.args)
	if err != nil {
		return fmt.Errorf("producer %s: init: %w", s.name, err)
	}
	s.logger.Info().Msg("producer started")

	var pending []*message.Message
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.pushCh:
			pending = append(pending, req.msgs...)
			close(req.ack)
			continue
		default:
		}

		if len(pending) > 0 {
			if s.outlet.DispatchPooled(ctx, pending[0]) {
				pending = pending[1:]
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			// No subscriber yet: keep the event and retry after PollInterval.
			select {
			case <-ctx.Done():
				return nil
			case req := <-s.pushCh:
				pending = append(pending, req.msgs...)
				close(req.ack)
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		events, newState, err := s.driver.HandleDemand(ctx, s.cfg.AskSize, state)
		if err != nil {
			return fmt.Errorf("producer %s: handle_demand: %w", s.name, err)
		}
		state = newState

		if len(events) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case req := <-s.pushCh:
				pending = append(pending, req.msgs...)
				close(req.ack)
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}
		pending = append(pending, events...)
	}
}
