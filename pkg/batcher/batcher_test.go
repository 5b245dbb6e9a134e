package batcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/flowcrate/stagepipe/pkg/batcher"
	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/stage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupOf(outlets map[string]*stage.Outlet[*message.Message]) stage.Lookup[*message.Message] {
	return func(name string) (*stage.Outlet[*message.Message], bool) {
		o, ok := outlets[name]
		return o, ok
	}
}

func TestBatcher_FlushesOnSize(t *testing.T) {
	proc := stage.NewOutlet[*message.Message]()
	lookup := lookupOf(map[string]*stage.Outlet[*message.Message]{"proc": proc})

	b := batcher.New("batcher", "even", []string{"proc"}, lookup, batcher.Config{
		BatchSize:    2,
		BatchTimeout: time.Hour,
	}, zerolog.Nop())
	out := b.Outlet().Subscribe("consumer", "", stage.DemandConfig{MaxDemand: 4}).Events

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Run subscribes asynchronously; wait for it before dispatching.
	require.Eventually(t, func() bool { return len(proc.SubscriberNames()) == 1 }, time.Second, time.Millisecond)
	require.True(t, proc.DispatchKeyed(ctx, "even", &message.Message{ID: "1"}))
	require.True(t, proc.DispatchKeyed(ctx, "even", &message.Message{ID: "2"}))

	select {
	case batch := <-out:
		assert.Len(t, batch.Messages, 2)
		assert.Equal(t, "even", batch.Info.PublisherKey)
	case <-time.After(time.Second):
		t.Fatal("batch was not emitted on reaching batch size")
	}
}

func TestBatcher_FlushesOnTimeout(t *testing.T) {
	proc := stage.NewOutlet[*message.Message]()
	lookup := lookupOf(map[string]*stage.Outlet[*message.Message]{"proc": proc})

	b := batcher.New("batcher", "even", []string{"proc"}, lookup, batcher.Config{
		BatchSize:    100,
		BatchTimeout: 20 * time.Millisecond,
	}, zerolog.Nop())
	out := b.Outlet().Subscribe("consumer", "", stage.DemandConfig{MaxDemand: 4}).Events

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Run subscribes asynchronously; wait for it before dispatching.
	require.Eventually(t, func() bool { return len(proc.SubscriberNames()) == 1 }, time.Second, time.Millisecond)
	require.True(t, proc.DispatchKeyed(ctx, "even", &message.Message{ID: "1"}))

	select {
	case batch := <-out:
		assert.Len(t, batch.Messages, 1)
	case <-time.After(time.Second):
		t.Fatal("batch was not emitted on timeout")
	}
}

func TestBatcher_FlushesPendingOnShutdown(t *testing.T) {
	proc := stage.NewOutlet[*message.Message]()
	lookup := lookupOf(map[string]*stage.Outlet[*message.Message]{"proc": proc})

	b := batcher.New("batcher", "even", []string{"proc"}, lookup, batcher.Config{
		BatchSize:    100,
		BatchTimeout: time.Hour,
	}, zerolog.Nop())
	out := b.Outlet().Subscribe("consumer", "", stage.DemandConfig{MaxDemand: 4}).Events

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	// Run subscribes asynchronously; wait for it before dispatching.
	require.Eventually(t, func() bool { return len(proc.SubscriberNames()) == 1 }, time.Second, time.Millisecond)
	require.True(t, proc.DispatchKeyed(ctx, "even", &message.Message{ID: "1"}))
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case batch := <-out:
		assert.Len(t, batch.Messages, 1)
	case <-time.After(time.Second):
		t.Fatal("pending batch was not flushed on shutdown")
	}
}
