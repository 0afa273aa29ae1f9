package pubsub_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/alecthomas/landlord/providers/logging/loggingtest"
	"github.com/alecthomas/landlord/providers/pubsub"
	"github.com/alecthomas/landlord/providers/pubsub/pubsubtest"
)

func TestMemoryPubSub(t *testing.T) {
	topic := pubsub.NewMemoryTopic[pubsubtest.User](loggingtest.NewForTesting())
	pubsubtest.RunPubSubTest(t, topic)
}

func TestMemoryTopicFull(t *testing.T) {
	topic := pubsub.NewMemoryTopic[pubsubtest.User](loggingtest.NewForTesting())
	defer topic.Close()
	for i := range pubsub.DefaultMemoryTopicCapacity {
		err := topic.Publish(t.Context(), pubsub.NewEvent(pubsubtest.User{Name: fmt.Sprintf("u%d", i)}))
		assert.NoError(t, err)
	}
	err := topic.Publish(t.Context(), pubsub.NewEvent(pubsubtest.User{Name: "overflow"}))
	assert.Error(t, err)
}

func TestMemoryTopicClosed(t *testing.T) {
	topic := pubsub.NewMemoryTopic[pubsubtest.User](loggingtest.NewForTesting())
	err := topic.Subscribe(t.Context(), func(context.Context, pubsub.Event[pubsubtest.User]) error { return nil })
	assert.NoError(t, err)
	assert.NoError(t, topic.Close())
	assert.NoError(t, topic.Close())
	err = topic.Publish(t.Context(), pubsub.NewEvent(pubsubtest.User{Name: "late"}))
	assert.Error(t, err)
}
