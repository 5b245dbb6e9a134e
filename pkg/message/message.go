// Package message defines the data model that flows through a stagepipe topology:
// the Message a producer emits, the Acknowledger tied to it at origin, and the
// Batch a batcher hands to a consumer.
package message

import (
	"time"

	"github.com/google/uuid"
)

// AckHandlerID identifies the code able to acknowledge a message. It is opaque to
// the pipeline; the topology owner supplies a function for each ID it uses.
type AckHandlerID string

// Acknowledger pairs the handler that owns a message with whatever opaque
// bookkeeping that handler needs to acknowledge it later (e.g. a broker receipt
// handle). It is set once at message creation and never mutated afterward.
type Acknowledger struct {
	HandlerID AckHandlerID
	State     any
}

// Message is the unit of work flowing through the pipeline. Data is owned by the
// message and may be mutated by transforms; Acknowledger is immutable after
// creation. Publisher selects the destination batcher and defaults to "default".
// ProcessorPID is set by the processor stage immediately before it invokes the
// user's handle_message callback, so that callback can inspect or terminate its
// own worker.
type Message struct {
	Data         any
	Acknowledger Acknowledger
	Publisher    string
	ProcessorPID string

	// ID and PublishTime are carried for adapters and diagnostics; they are not
	// interpreted by the core stages.
	ID          string
	PublishTime time.Time
	Attributes  map[string]string
}

// DefaultPublisher is the destination key used when a message does not set one.
const DefaultPublisher = "default"

// New constructs a Message carrying data and ack, stamping it with a random
// ID when the source driver does not supply its own (e.g. a driver polling a
// source with no native message identifier). Publisher defaults to
// DefaultPublisher; the processor may overwrite it during routing.
func New(data any, ack Acknowledger) *Message {
	return &Message{
		ID:           uuid.NewString(),
		Data:         data,
		Acknowledger: ack,
		Publisher:    DefaultPublisher,
		PublishTime:  time.Now(),
	}
}

// BatchInfo accompanies a batch downstream. It is immutable once a batcher emits it.
type BatchInfo struct {
	PublisherKey string
	Batcher      string
}

// Batch is an ordered group of messages sharing a destination key, delivered as
// one unit to handle_batch.
type Batch struct {
	Info     BatchInfo
	Messages []*Message
}

// AckResult is the outcome of handle_batch: every message in the batch must
// appear in exactly one of these two lists.
type AckResult struct {
	Successful []*Message
	Failed     []*Message
}

// AckFunc is a user-supplied function tied to a message at origin via its
// Acknowledger.HandlerID, invoked once per maximal contiguous run of messages
// sharing that handler ID within a handled batch.
type AckFunc func(successful, failed []*Message)
