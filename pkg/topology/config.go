package topology

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/flowcrate/stagepipe/pkg/consumer"
	"github.com/flowcrate/stagepipe/pkg/message"
	"github.com/flowcrate/stagepipe/pkg/processor"
	"github.com/flowcrate/stagepipe/pkg/producer"
	"github.com/flowcrate/stagepipe/pkg/stage"
)

// ProducerConfig describes the single producer group a topology runs
// (spec.md §3 permits exactly one). Group names the pool for diagnostics and
// defaults to "default"; Stages is the pool size.
type ProducerConfig struct {
	Group        string
	Driver       producer.Driver
	Args         any
	Stages       int
	AskSize      int
	PollInterval time.Duration
	Demand       stage.DemandConfig
}

// ProcessorConfig describes the processor pool every producer feeds.
type ProcessorConfig struct {
	Handle  processor.HandleMessage
	UserCtx any
	Stages  int
	Demand  stage.DemandConfig
}

// PublisherConfig describes one destination key: its batcher's size/timeout
// policy and the pool of consumers that drain it.
type PublisherConfig struct {
	Key            string
	Handle         consumer.HandleBatch
	UserCtx        any
	Stages         int
	BatchSize      int
	BatchTimeout   time.Duration
	BatcherDemand  stage.DemandConfig
	ConsumerDemand stage.DemandConfig
}

// Config is the full declaration of a topology: its name, producer group,
// processor pool, and the set of publishers (destination keys) it routes to.
type Config struct {
	Name       string
	Producer   ProducerConfig
	Processor  ProcessorConfig
	Publishers []PublisherConfig
	AckFuncs   map[message.AckHandlerID]message.AckFunc
}

// withDefaults fills every option spec.md §6 lists a default for: producer
// pool size, processor pool size (2·cpu_count), and a single "default"
// publisher when none is configured. It never touches an explicitly-set
// value, so a caller who names their own destination keys (and omits
// "default" entirely, as spec.md §8 scenario 1 does) is left untouched.
func (c Config) withDefaults() Config {
	if c.Producer.Stages <= 0 {
		c.Producer.Stages = 1
	}
	if c.Processor.Stages <= 0 {
		c.Processor.Stages = 2 * runtime.NumCPU()
	}
	if len(c.Publishers) == 0 {
		c.Publishers = []PublisherConfig{{Key: message.DefaultPublisher}}
	}
	publishers := make([]PublisherConfig, len(c.Publishers))
	for i, pub := range c.Publishers {
		if pub.Stages <= 0 {
			pub.Stages = 1
		}
		publishers[i] = pub
	}
	c.Publishers = publishers
	return c
}

// Validate reports every configuration error at once rather than stopping at
// the first, so a misconfigured topology fails loudly and completely at
// startup instead of partway through construction.
func (c Config) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("topology: name is required"))
	}
	if c.Producer.Driver == nil {
		errs = append(errs, errors.New("topology: producer driver is required"))
	}
	if c.Processor.Handle == nil {
		errs = append(errs, errors.New("topology: processor handle_message is required"))
	}
	if len(c.Publishers) == 0 {
		errs = append(errs, errors.New("topology: at least one publisher is required"))
	}

	seen := make(map[string]bool, len(c.Publishers))
	for _, pub := range c.Publishers {
		if pub.Key == "" {
			errs = append(errs, errors.New("topology: publisher key must not be empty"))
			continue
		}
		if seen[pub.Key] {
			errs = append(errs, fmt.Errorf("topology: duplicate publisher key %q", pub.Key))
			continue
		}
		seen[pub.Key] = true
		if pub.Handle == nil {
			errs = append(errs, fmt.Errorf("topology: publisher %q: handle_batch is required", pub.Key))
		}
	}

	return errors.Join(errs...)
}
