//go:build integration

package gpubsub_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/flowcrate/stagepipe/adapters/gpubsub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// Requires PUBSUB_EMULATOR_HOST to point at a running Pub/Sub emulator, with
// a topic/subscription named below already provisioned, matching the way
// the teacher's own Pub/Sub integration tests are gated.
func TestDriver_ReceivesFromSubscription(t *testing.T) {
	host := os.Getenv("PUBSUB_EMULATOR_HOST")
	if host == "" {
		t.Skip("PUBSUB_EMULATOR_HOST not set, skipping Pub/Sub integration test")
	}

	projectID := "stagepipe-test"
	topicID := "stagepipe-driver-topic"
	subID := "stagepipe-driver-sub"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	require.NoError(t, err)
	defer client.Close()

	topic, err := client.CreateTopic(ctx, topicID)
	if err != nil {
		topic = client.Topic(topicID)
	}
	_, err = client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{Topic: topic})
	if err != nil {
		t.Logf("subscription create: %v (may already exist)", err)
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: []byte("hello")})
	_, err = result.Get(ctx)
	require.NoError(t, err)

	d := &gpubsub.Driver{}
	state, err := d.Init(gpubsub.Args{Client: client, Config: gpubsub.Config{SubscriptionID: subID}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, _, err := d.HandleDemand(ctx, 10, state)
		return err == nil && len(events) > 0
	}, 10*time.Second, 100*time.Millisecond)
}
