// Package gpubsub adapts Google Cloud Pub/Sub to the stagepipe producer
// contract: a Driver that receives from a subscription in the background and
// hands messages to HandleDemand as they arrive, and a SimplePublisher an
// acknowledger can use to dead-letter or republish a failed message.
//
// This mirrors the teacher's pkg/messagepipeline GooglePubsubConsumer and
// GoogleSimplePublisher, generalized from the teacher's typed
// ConsumedMessage/BatchedMessage pipeline into stagepipe's producer.Driver
// and message.Message contracts.
package gpubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/rs/zerolog"
)

// AckHandlerID is the acknowledger handler id every message this driver
// produces is stamped with; a topology wires it to Ack in its AckFuncs.
const AckHandlerID message.AckHandlerID = "gpubsub"

// Config configures the subscription this driver pulls from.
type Config struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
	// ExistsTimeout bounds the startup check that the subscription exists.
	ExistsTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOutstandingMessages <= 0 {
		c.MaxOutstandingMessages = 1000
	}
	if c.NumGoroutines <= 0 {
		c.NumGoroutines = 5
	}
	if c.ExistsTimeout <= 0 {
		c.ExistsTimeout = 20 * time.Second
	}
	return c
}

// receipt is the Acknowledger.State stashed on every message this driver
// emits: the live pubsub.Message whose Ack/Nack the acknowledger calls.
type receipt struct {
	msg *pubsub.Message
}

// Args is what Driver.Init expects as its opaque args value.
type Args struct {
	Client *pubsub.Client
	Config Config
	Logger zerolog.Logger
}

// Driver implements producer.Driver over a Pub/Sub subscription: Init starts
// a background Receive loop feeding a bounded channel, and HandleDemand drains
// up to n messages from it without blocking past the first available one.
type Driver struct {
	mu       sync.Mutex
	buf      chan *pubsub.Message
	cancel   context.CancelFunc
	logger   zerolog.Logger
	startErr chan error
}

// Init validates the subscription exists and starts the Receive loop. The
// returned state is the *Driver itself; HandleDemand is a method on it, not a
// pure function over opaque state, because the Receive loop is genuinely
// stateful background work the teacher's consumer also owns for its lifetime.
func (d *Driver) Init(args any) (any, error) {
	a, ok := args.(Args)
	if !ok {
		return nil, fmt.Errorf("gpubsub: Init expects gpubsub.Args, got %T", args)
	}
	cfg := a.Config.withDefaults()
	d.logger = a.Logger.With().Str("component", "gpubsub.Driver").Str("subscription_id", cfg.SubscriptionID).Logger()

	sub := a.Client.Subscription(cfg.SubscriptionID)
	existsCtx, cancel := context.WithTimeout(context.Background(), cfg.ExistsTimeout)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("gpubsub: checking subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		return nil, fmt.Errorf("gpubsub: subscription %s does not exist", cfg.SubscriptionID)
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	d.buf = make(chan *pubsub.Message, cfg.MaxOutstandingMessages)
	receiveCtx, receiveCancel := context.WithCancel(context.Background())
	d.cancel = receiveCancel

	go func() {
		defer close(d.buf)
		err := sub.Receive(receiveCtx, func(ctx context.Context, m *pubsub.Message) {
			select {
			case d.buf <- m:
			case <-ctx.Done():
				m.Nack()
			}
		})
		if err != nil && receiveCtx.Err() == nil {
			d.logger.Error().Err(err).Msg("pub/sub Receive loop exited with error")
		}
	}()

	d.logger.Info().Msg("gpubsub driver started receiving")
	return d, nil
}

// HandleDemand drains up to n messages already buffered by the background
// Receive loop. It never blocks: with nothing buffered it returns no events
// at once, leaving the producer stage's PollInterval to pace the next call.
func (d *Driver) HandleDemand(ctx context.Context, n int, state any) ([]*message.Message, any, error) {
	var out []*message.Message
	select {
	case m, ok := <-d.buf:
		if !ok {
			return nil, state, nil
		}
		out = append(out, toMessage(m))
	case <-ctx.Done():
		return nil, state, nil
	default:
		return nil, state, nil
	}

	for len(out) < n {
		select {
		case m, ok := <-d.buf:
			if !ok {
				return out, state, nil
			}
			out = append(out, toMessage(m))
		default:
			return out, state, nil
		}
	}
	return out, state, nil
}

// Stop cancels the background Receive loop. A topology does not call this
// directly; it is exposed for a caller that owns the Driver value across
// topology restarts and wants a clean shutdown independent of the producer
// stage's own context.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

func toMessage(m *pubsub.Message) *message.Message {
	return &message.Message{
		ID:           m.ID,
		Data:         m.Data,
		Attributes:   m.Attributes,
		PublishTime:  m.PublishTime,
		Publisher:    message.DefaultPublisher,
		Acknowledger: message.Acknowledger{HandlerID: AckHandlerID, State: receipt{msg: m}},
	}
}

// Ack is the AckFunc a topology registers under AckHandlerID: it Acks every
// successful message's underlying pubsub.Message and Nacks every failed one,
// so Pub/Sub redelivers exactly the messages handle_batch reported as failed.
func Ack(successful, failed []*message.Message) {
	for _, m := range successful {
		if r, ok := m.Acknowledger.State.(receipt); ok {
			r.msg.Ack()
		}
	}
	for _, m := range failed {
		if r, ok := m.Acknowledger.State.(receipt); ok {
			r.msg.Nack()
		}
	}
}
