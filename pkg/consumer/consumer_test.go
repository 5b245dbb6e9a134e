package consumer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowcrate/stagepipe/pkg/consumer"
	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/stage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupOf(outlets map[string]*stage.Outlet[*message.Batch]) stage.Lookup[*message.Batch] {
	return func(name string) (*stage.Outlet[*message.Batch], bool) {
		o, ok := outlets[name]
		return o, ok
	}
}

type ackCall struct {
	handler             message.AckHandlerID
	successful, failed []string
}

func recordingAckFuncs(calls *[]ackCall, mu *sync.Mutex, id message.AckHandlerID) message.AckFunc {
	return func(successful, failed []*message.Message) {
		mu.Lock()
		defer mu.Unlock()
		call := ackCall{handler: id}
		for _, m := range successful {
			call.successful = append(call.successful, m.ID)
		}
		for _, m := range failed {
			call.failed = append(call.failed, m.ID)
		}
		*calls = append(*calls, call)
	}
}

func TestWorker_AcksOneRunPerContiguousHandler(t *testing.T) {
	var mu sync.Mutex
	var calls []ackCall

	batcherOutlet := stage.NewOutlet[*message.Batch]()
	lookup := lookupOf(map[string]*stage.Outlet[*message.Batch]{"b": batcherOutlet})

	ackFuncs := map[message.AckHandlerID]message.AckFunc{
		"h1": recordingAckFuncs(&calls, &mu, "h1"),
		"h2": recordingAckFuncs(&calls, &mu, "h2"),
	}

	handle := func(ctx context.Context, batch *message.Batch, userCtx any) (message.AckResult, error) {
		return message.AckResult{Successful: batch.Messages}, nil
	}

	w := consumer.NewWorker("cons", handle, nil, "b", ackFuncs, lookup, consumer.Config{UpstreamDemand: stage.DemandConfig{MaxDemand: 4}}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	batch := &message.Batch{Messages: []*message.Message{
		{ID: "1", Acknowledger: message.Acknowledger{HandlerID: "h1"}},
		{ID: "2", Acknowledger: message.Acknowledger{HandlerID: "h1"}},
		{ID: "3", Acknowledger: message.Acknowledger{HandlerID: "h2"}},
		{ID: "4", Acknowledger: message.Acknowledger{HandlerID: "h1"}},
	}}
	// Run subscribes asynchronously; wait for it before dispatching.
	require.Eventually(t, func() bool { return len(batcherOutlet.SubscriberNames()) == 1 }, time.Second, time.Millisecond)
	require.True(t, batcherOutlet.DispatchPooled(ctx, batch))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, calls[0].successful)
	assert.Equal(t, message.AckHandlerID("h1"), calls[0].handler)
	assert.Equal(t, []string{"3"}, calls[1].successful)
	assert.Equal(t, message.AckHandlerID("h2"), calls[1].handler)
	assert.Equal(t, []string{"4"}, calls[2].successful)
	assert.Equal(t, message.AckHandlerID("h1"), calls[2].handler)
}

func TestWorker_SplitsSuccessfulAndFailedWithinARun(t *testing.T) {
	var mu sync.Mutex
	var calls []ackCall
	ackFuncs := map[message.AckHandlerID]message.AckFunc{
		"h1": recordingAckFuncs(&calls, &mu, "h1"),
	}

	batcherOutlet := stage.NewOutlet[*message.Batch]()
	lookup := lookupOf(map[string]*stage.Outlet[*message.Batch]{"b": batcherOutlet})

	msgs := []*message.Message{
		{ID: "1", Acknowledger: message.Acknowledger{HandlerID: "h1"}},
		{ID: "2", Acknowledger: message.Acknowledger{HandlerID: "h1"}},
	}
	handle := func(ctx context.Context, batch *message.Batch, userCtx any) (message.AckResult, error) {
		return message.AckResult{Successful: []*message.Message{msgs[0]}, Failed: []*message.Message{msgs[1]}}, nil
	}

	w := consumer.NewWorker("cons", handle, nil, "b", ackFuncs, lookup, consumer.Config{UpstreamDemand: stage.DemandConfig{MaxDemand: 4}}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Run subscribes asynchronously; wait for it before dispatching.
	require.Eventually(t, func() bool { return len(batcherOutlet.SubscriberNames()) == 1 }, time.Second, time.Millisecond)
	require.True(t, batcherOutlet.DispatchPooled(ctx, &message.Batch{Messages: msgs}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1"}, calls[0].successful)
	assert.Equal(t, []string{"2"}, calls[0].failed)
}

func TestWorker_IncompletePartition_CrashesWorker(t *testing.T) {
	batcherOutlet := stage.NewOutlet[*message.Batch]()
	lookup := lookupOf(map[string]*stage.Outlet[*message.Batch]{"b": batcherOutlet})

	handle := func(ctx context.Context, batch *message.Batch, userCtx any) (message.AckResult, error) {
		return message.AckResult{Successful: batch.Messages[:1]}, nil // drops message 2
	}

	w := consumer.NewWorker("cons", handle, nil, "b", nil, lookup, consumer.Config{UpstreamDemand: stage.DemandConfig{MaxDemand: 4}}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	batch := &message.Batch{Messages: []*message.Message{{ID: "1"}, {ID: "2"}}}
	// Run subscribes asynchronously; wait for it before dispatching.
	require.Eventually(t, func() bool { return len(batcherOutlet.SubscriberNames()) == 1 }, time.Second, time.Millisecond)
	require.True(t, batcherOutlet.DispatchPooled(ctx, batch))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not crash on an incomplete ack partition")
	}
}

func TestWorker_HandleError_CrashesWorker(t *testing.T) {
	batcherOutlet := stage.NewOutlet[*message.Batch]()
	lookup := lookupOf(map[string]*stage.Outlet[*message.Batch]{"b": batcherOutlet})

	handle := func(ctx context.Context, batch *message.Batch, userCtx any) (message.AckResult, error) {
		return message.AckResult{}, errors.New("boom")
	}

	w := consumer.NewWorker("cons", handle, nil, "b", nil, lookup, consumer.Config{UpstreamDemand: stage.DemandConfig{MaxDemand: 4}}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Run subscribes asynchronously; wait for it before dispatching.
	require.Eventually(t, func() bool { return len(batcherOutlet.SubscriberNames()) == 1 }, time.Second, time.Millisecond)
	require.True(t, batcherOutlet.DispatchPooled(ctx, &message.Batch{Messages: []*message.Message{{ID: "1"}}}))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not crash on handle_batch error")
	}
}
