package producer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/producer"
	"github.com/flowcrate/stagepipe/pkg/stage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueDriver hands out the events it's been given, one HandleDemand call at
// a time, and otherwise reports it has nothing.
type queueDriver struct {
	mu     sync.Mutex
	queued []*message.Message
}

func (d *queueDriver) push(msgs ...*message.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queued = append(d.queued, msgs...)
}

func (d *queueDriver) Init(args any) (any, error) { return nil, nil }

func (d *queueDriver) HandleDemand(ctx context.Context, n int, state any) ([]*message.Message, any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queued) == 0 {
		return nil, state, nil
	}
	if n > len(d.queued) {
		n = len(d.queued)
	}
	out := d.queued[:n]
	d.queued = d.queued[n:]
	return out, state, nil
}

func TestProducer_DeliversDriverEvents(t *testing.T) {
	driver := &queueDriver{}
	driver.push(&message.Message{ID: "1"}, &message.Message{ID: "2"})

	outlet := stage.NewOutlet[*message.Message]()
	ch := outlet.Subscribe("sub", "", stage.DemandConfig{MaxDemand: 4}).Events

	p := producer.New("p", driver, nil, producer.Config{PollInterval: 5 * time.Millisecond}, outlet, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	got := []string{(<-ch).ID, (<-ch).ID}
	assert.ElementsMatch(t, []string{"1", "2"}, got)
}

func TestProducer_PushMessages_BypassesDriver(t *testing.T) {
	driver := &queueDriver{}
	outlet := stage.NewOutlet[*message.Message]()
	ch := outlet.Subscribe("sub", "", stage.DemandConfig{MaxDemand: 4}).Events

	p := producer.New("p", driver, nil, producer.Config{PollInterval: 5 * time.Millisecond}, outlet, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	pushCtx, pushCancel := context.WithTimeout(context.Background(), time.Second)
	defer pushCancel()
	require.True(t, p.PushMessages(pushCtx, []*message.Message{{ID: "injected"}}))

	msg := <-ch
	assert.Equal(t, "injected", msg.ID)
}

func TestProducer_PushMessages_FailsWhenNotRunning(t *testing.T) {
	driver := &queueDriver{}
	outlet := stage.NewOutlet[*message.Message]()
	p := producer.New("p", driver, nil, producer.Config{}, outlet, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok := p.PushMessages(ctx, []*message.Message{{ID: "x"}})
	assert.False(t, ok)
}

func TestProducer_Run_StopsOnContextCancel(t *testing.T) {
	driver := &queueDriver{}
	outlet := stage.NewOutlet[*message.Message]()
	p := producer.New("p", driver, nil, producer.Config{PollInterval: 5 * time.Millisecond}, outlet, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestProducer_PushMessages_BoundsConcurrentCallers(t *testing.T) {
	driver := &queueDriver{}
	outlet := stage.NewOutlet[*message.Message]()
	ch := outlet.Subscribe("sub", "", stage.DemandConfig{MaxDemand: 16}).Events

	p := producer.New("p", driver, nil, producer.Config{PollInterval: 5 * time.Millisecond, MaxConcurrentPush: 2}, outlet, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pushCtx, pushCancel := context.WithTimeout(context.Background(), time.Second)
			defer pushCancel()
			require.True(t, p.PushMessages(pushCtx, []*message.Message{{ID: "m"}}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		<-ch
	}
}
