package gpubsub

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// NewClient builds a Pub/Sub client for projectID, using ADC by default or a
// credentials file when one is given, mirroring the teacher's
// NewProductionBigQueryClient-style constructor for the other GCP adapters.
func NewClient(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("gpubsub: pubsub.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("gpubsub: client created")
	return client, nil
}

// SimplePublisher is a direct, non-batching Pub/Sub publish path, mirroring
// the teacher's GoogleSimplePublisher: useful from a handle_batch
// implementation that needs to dead-letter a failed message to a side topic
// rather than simply reporting it in AckResult.Failed.
type SimplePublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewSimplePublisher verifies topicID exists and returns a publisher bound to it.
func NewSimplePublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*SimplePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("gpubsub: client cannot be nil")
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("gpubsub: checking topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("gpubsub: topic %s does not exist", topicID)
	}
	return &SimplePublisher{
		topic:  topic,
		logger: logger.With().Str("component", "gpubsub.SimplePublisher").Str("topic_id", topicID).Logger(),
	}, nil
}

// Publish queues payload for delivery and logs the outcome asynchronously,
// returning as soon as the message is accepted by the client's local buffer.
func (p *SimplePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) {
	res := p.topic.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})
	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := res.Get(getCtx); err != nil {
			p.logger.Error().Err(err).Msg("failed to publish message")
		}
	}()
}

// Stop flushes buffered publishes, respecting ctx's deadline.
func (p *SimplePublisher) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
