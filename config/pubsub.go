package config

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// NewPubSubClient builds a Pub/Sub client with capped retry. It uses
// Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is provided.
func NewPubSubClient(ctx context.Context, cfg Config) (*pubsub.Client, error) {
	if cfg.PubSubProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if cfg.PubSubCredentialsJSON != "" {
			c, err = pubsub.NewClient(ctx, cfg.PubSubProjectID, option.WithCredentialsJSON([]byte(cfg.PubSubCredentialsJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, cfg.PubSubProjectID)
		}
		if err == nil {
			log.Printf("pubsub client ready (project_id=%s attempt=%d)", cfg.PubSubProjectID, attempt)
			return c, nil
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("init pubsub client after %d attempts: %w", attempt, err)
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", cfg.PubSubProjectID, attempt, err, sleep)
		time.Sleep(sleep)
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}

	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !subExists {
		sub, err = client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 20 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", name, err)
		}
	}
	return sub, nil
}
