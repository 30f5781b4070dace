package publish

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/xorca/xorca/pkg/envelope"
)

// PubSub publishes envelopes to a Google Cloud Pub/Sub topic. The envelope
// subject becomes the ordering key, so continuation events for one
// orchestration arrive at subscribers in publish order; subjectless
// envelopes (init errors, system errors) carry no key and interleave freely.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger
}

var _ Publisher = (*PubSub)(nil)

// NewPubSub connects to the project and ensures the topic exists, creating
// it when absent. Message ordering is always enabled.
func NewPubSub(ctx context.Context, projectID, topicID string, logger zerolog.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("publish: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("publish: check topic %s: %w", topicID, err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("publish: create topic %s: %w", topicID, err)
		}
		logger.Info().Str("topic", topicID).Msg("created pubsub topic")
	}
	topic.EnableMessageOrdering = true

	return &PubSub{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "pubsub").Str("topic", topicID).Logger(),
	}, nil
}

// Publish sends the batch and waits for every server acknowledgement before
// returning. The first failed acknowledgement aborts the wait.
func (p *PubSub) Publish(ctx context.Context, envs []*envelope.Envelope) error {
	results := make([]*pubsub.PublishResult, 0, len(envs))
	published := make([]*envelope.Envelope, 0, len(envs))

	for _, env := range envs {
		if env == nil {
			continue
		}
		payload, err := env.JSON()
		if err != nil {
			return fmt.Errorf("publish: marshal %s: %w", env.ID, err)
		}
		msg := &pubsub.Message{
			Data: payload,
			Attributes: map[string]string{
				"ce-specversion": env.SpecVersion,
				"ce-type":        env.Type,
				"ce-source":      env.Source,
				"ce-id":          env.ID,
				"ce-time":        env.Time.Format(time.RFC3339Nano),
			},
			OrderingKey: env.Subject,
		}
		if env.Subject != "" {
			msg.Attributes["ce-subject"] = env.Subject
		}
		results = append(results, p.topic.Publish(ctx, msg))
		published = append(published, env)
	}

	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			env := published[i]
			// A rejected ordered message pauses its key; resume so a retry
			// of the batch is not rejected outright.
			if env.Subject != "" {
				p.topic.ResumePublish(env.Subject)
			}
			p.logger.Error().Err(err).
				Str("type", env.Type).
				Str("id", env.ID).
				Msg("pubsub publish failed")
			return fmt.Errorf("publish: %s: %w", env.ID, err)
		}
	}
	return nil
}

// Close flushes outstanding messages and releases the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
