// Package topology wires a Config into a running supervision tree: one
// producer pool, one processor pool, and one DestSupervisor per publisher key
// holding that key's batcher and consumer pool (spec.md §3, §4.6).
package topology

import (
	"context"
	"fmt"
	"strconv"

	"github.com/flowcrate/stagepipe/pkg/batcher"
	"github.com/flowcrate/stagepipe/pkg/consumer"
	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/processor"
	"github.com/flowcrate/stagepipe/pkg/producer"
	"github.com/flowcrate/stagepipe/pkg/registry"
	"github.com/flowcrate/stagepipe/pkg/stage"
	"github.com/flowcrate/stagepipe/pkg/supervisor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Topology is one running instance of a Config: a supervision tree rooted at
// Root, plus the Registry every stage in it publishes its Outlet under.
type Topology struct {
	cfg      Config
	logger   zerolog.Logger
	registry *registry.Registry

	root   *supervisor.Supervisor
	cancel context.CancelFunc
}

// New validates cfg and builds (but does not start) the topology's
// supervision tree.
func New(cfg Config, logger zerolog.Logger) (*Topology, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("topology %s: %w", cfg.Name, err)
	}
	if cfg.Producer.Group == "" {
		cfg.Producer.Group = "default"
	}
	l := logger.With().Str("topology", cfg.Name).Logger()
	t := &Topology{cfg: cfg, logger: l, registry: registry.New()}
	t.root = t.buildRoot()
	return t, nil
}

// Start launches every stage and returns once the tree has come up, or the
// first startup error. Supervision continues in the background until the ctx
// passed here is cancelled.
func (t *Topology) Start(ctx context.Context) error {
	rootCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	if err := t.root.Start(rootCtx); err != nil {
		cancel()
		return fmt.Errorf("topology %s: %w", t.cfg.Name, err)
	}
	t.logger.Info().Msg("topology started")
	return nil
}

// Shutdown cancels the topology and blocks until every stage has terminated,
// or ctx expires first.
func (t *Topology) Shutdown(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	done := make(chan struct{})
	go func() {
		t.root.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.logger.Info().Msg("topology stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("topology %s: shutdown: %w", t.cfg.Name, ctx.Err())
	}
}

// Lookup exposes any stage's published handle by its stable name, for
// administrative introspection (spec.md §6).
func (t *Topology) Lookup(name string) (any, bool) { return t.registry.Lookup(name) }

// Names returns every currently registered stage name.
func (t *Topology) Names() []string { return t.registry.Names() }

// Incarnation returns the random ID stamped on the currently-live instance of
// the named stage, freshly generated every time its supervisor (re)starts it.
// A test observing two different incarnations for the same stable name across
// a crash has observed spec.md §8's "processor identity after crash differs
// from before" without needing to compare goroutine identities directly.
func (t *Topology) Incarnation(name string) (string, bool) {
	return registry.LookupTyped[string](t.registry, name+".incarnation")
}

// PushMessages synchronously injects msgs into the named producer, bypassing
// its driver's HandleDemand.
func (t *Topology) PushMessages(ctx context.Context, producerName string, msgs []*message.Message) bool {
	stg, ok := registry.LookupTyped[*producer.Stage](t.registry, producerName+".stage")
	if !ok {
		return false
	}
	return stg.PushMessages(ctx, msgs)
}

// indexSuffix implements spec.md §3's pool-index naming rule: a single-stage
// pool uses "1", a pool of n>1 zero-pads to n's decimal width.
func indexSuffix(i, poolSize int) string {
	if poolSize <= 1 {
		return "1"
	}
	width := len(strconv.Itoa(poolSize))
	return fmt.Sprintf("%0*d", width, i)
}

func messageLookup(reg *registry.Registry) stage.Lookup[*message.Message] {
	return func(name string) (*stage.Outlet[*message.Message], bool) {
		return registry.LookupTyped[*stage.Outlet[*message.Message]](reg, name)
	}
}

func batchLookup(reg *registry.Registry) stage.Lookup[*message.Batch] {
	return func(name string) (*stage.Outlet[*message.Batch], bool) {
		return registry.LookupTyped[*stage.Outlet[*message.Batch]](reg, name)
	}
}

// supervisorHandle adapts a running *supervisor.Supervisor into a
// supervisor.Handle so one supervision tree can nest inside another: its
// Done channel fires (with nil) once the inner supervisor's own context is
// cancelled, never on an internally-absorbed child restart.
type supervisorHandle struct{ done chan error }

func (h *supervisorHandle) Done() <-chan error { return h.done }

func wrapSupervisor(sv *supervisor.Supervisor) *supervisorHandle {
	h := &supervisorHandle{done: make(chan error, 1)}
	go func() {
		sv.Wait()
		h.done <- nil
	}()
	return h
}

func (t *Topology) buildRoot() *supervisor.Supervisor {
	cfg := t.cfg

	producerNames := make([]string, cfg.Producer.Stages)
	for i := 1; i <= cfg.Producer.Stages; i++ {
		producerNames[i-1] = fmt.Sprintf("%s.Producer_%s_%s", cfg.Name, cfg.Producer.Group, indexSuffix(i, cfg.Producer.Stages))
	}
	processorNames := make([]string, cfg.Processor.Stages)
	for i := 1; i <= cfg.Processor.Stages; i++ {
		processorNames[i-1] = fmt.Sprintf("%s.Processor_%s", cfg.Name, indexSuffix(i, cfg.Processor.Stages))
	}

	producerSupName := cfg.Name + ".ProducerSupervisor"
	processorSupName := cfg.Name + ".ProcessorSupervisor"
	publisherSupName := cfg.Name + ".PublisherSupervisor"

	rootSpecs := []supervisor.ChildSpec{
		{
			Name: producerSupName,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				sv := supervisor.New(producerSupName, supervisor.OneForOne, t.producerSpecs(producerNames), t.logger)
				if err := sv.Start(ctx); err != nil {
					return nil, err
				}
				return wrapSupervisor(sv), nil
			},
		},
		{
			Name: processorSupName,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				sv := supervisor.New(processorSupName, supervisor.OneForAll, t.processorSpecs(processorNames, producerNames), t.logger)
				if err := sv.Start(ctx); err != nil {
					return nil, err
				}
				return wrapSupervisor(sv), nil
			},
		},
		{
			Name: publisherSupName,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				sv := supervisor.New(publisherSupName, supervisor.OneForOne, t.publisherSpecs(processorNames), t.logger)
				if err := sv.Start(ctx); err != nil {
					return nil, err
				}
				return wrapSupervisor(sv), nil
			},
		},
	}

	// OneForOne per spec.md §4.6: the three subtrees are independent siblings.
	// Each nested supervisor absorbs its children's crashes itself (there is no
	// restart limit), and its wrapped handle only ever reports a graceful stop,
	// so the root never restarts a subtree.
	return supervisor.New(cfg.Name+".Root", supervisor.OneForOne, rootSpecs, t.logger)
}

func (t *Topology) producerSpecs(names []string) []supervisor.ChildSpec {
	specs := make([]supervisor.ChildSpec, len(names))
	for i, name := range names {
		name := name
		specs[i] = supervisor.ChildSpec{
			Name: name,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				outlet := stage.NewOutlet[*message.Message]()
				stg := producer.New(name, t.cfg.Producer.Driver, t.cfg.Producer.Args, producer.Config{
					AskSize:      t.cfg.Producer.AskSize,
					PollInterval: t.cfg.Producer.PollInterval,
				}, outlet, t.logger)
				t.registry.Register(name, outlet)
				t.registry.Register(name+".stage", stg)
				t.registry.Register(name+".incarnation", uuid.NewString())
				return supervisor.Run(ctx, t.logger, name, stg.Run), nil
			},
		}
	}
	return specs
}

func (t *Topology) processorSpecs(names, producerNames []string) []supervisor.ChildSpec {
	lookup := messageLookup(t.registry)
	specs := make([]supervisor.ChildSpec, len(names))
	for i, name := range names {
		name := name
		specs[i] = supervisor.ChildSpec{
			Name: name,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				w := processor.NewWorker(name, t.cfg.Processor.Handle, t.cfg.Processor.UserCtx, producerNames, lookup, processor.Config{UpstreamDemand: t.cfg.Processor.Demand}, t.logger)
				t.registry.Register(name, w.Outlet())
				t.registry.Register(name+".incarnation", uuid.NewString())
				return supervisor.Run(ctx, t.logger, name, w.Run), nil
			},
		}
	}
	return specs
}

func (t *Topology) publisherSpecs(processorNames []string) []supervisor.ChildSpec {
	specs := make([]supervisor.ChildSpec, len(t.cfg.Publishers))
	for i, pub := range t.cfg.Publishers {
		pub := pub
		destName := fmt.Sprintf("%s.DestSupervisor_%s", t.cfg.Name, pub.Key)
		specs[i] = supervisor.ChildSpec{
			Name: destName,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				sv := supervisor.New(destName, supervisor.RestForOne, t.destSpecs(pub, processorNames), t.logger)
				if err := sv.Start(ctx); err != nil {
					return nil, err
				}
				return wrapSupervisor(sv), nil
			},
		}
	}
	return specs
}

// destSpecs returns the two children of one destination key's supervisor, in
// order: the batcher, then the consumer pool that drains it. RestForOne means
// a batcher crash restarts its consumer pool too (the pool would otherwise be
// draining a batcher with a fresh identity); a consumer crash, absorbed
// entirely inside the nested ConsumerSupervisor, never reaches here.
func (t *Topology) destSpecs(pub PublisherConfig, processorNames []string) []supervisor.ChildSpec {
	batcherName := fmt.Sprintf("%s.Batcher_%s", t.cfg.Name, pub.Key)
	consSupName := fmt.Sprintf("%s.ConsumerSupervisor_%s", t.cfg.Name, pub.Key)
	msgLookup := messageLookup(t.registry)

	return []supervisor.ChildSpec{
		{
			Name: batcherName,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				b := batcher.New(batcherName, pub.Key, processorNames, msgLookup, batcher.Config{
					BatchSize:      pub.BatchSize,
					BatchTimeout:   pub.BatchTimeout,
					UpstreamDemand: pub.BatcherDemand,
				}, t.logger)
				t.registry.Register(batcherName, b.Outlet())
				t.registry.Register(batcherName+".incarnation", uuid.NewString())
				return supervisor.Run(ctx, t.logger, batcherName, b.Run), nil
			},
		},
		{
			Name: consSupName,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				sv := supervisor.New(consSupName, supervisor.OneForOne, t.consumerSpecs(pub, batcherName), t.logger)
				if err := sv.Start(ctx); err != nil {
					return nil, err
				}
				return wrapSupervisor(sv), nil
			},
		},
	}
}

func (t *Topology) consumerSpecs(pub PublisherConfig, batcherName string) []supervisor.ChildSpec {
	names := make([]string, pub.Stages)
	for i := 1; i <= pub.Stages; i++ {
		names[i-1] = fmt.Sprintf("%s.Consumer_%s_%s", t.cfg.Name, pub.Key, indexSuffix(i, pub.Stages))
	}
	lookup := batchLookup(t.registry)
	specs := make([]supervisor.ChildSpec, len(names))
	for i, name := range names {
		name := name
		specs[i] = supervisor.ChildSpec{
			Name: name,
			Start: func(ctx context.Context) (supervisor.Handle, error) {
				w := consumer.NewWorker(name, pub.Handle, pub.UserCtx, batcherName, t.cfg.AckFuncs, lookup, consumer.Config{UpstreamDemand: pub.ConsumerDemand}, t.logger)
				t.registry.Register(name, w)
				t.registry.Register(name+".incarnation", uuid.NewString())
				return supervisor.Run(ctx, t.logger, name, w.Run), nil
			},
		}
	}
	return specs
}
