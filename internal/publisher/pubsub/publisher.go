// Package pubsub publishes archive notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher wraps a Pub/Sub topic handle.
type Publisher struct {
	publish publishFunc
	stop    func()
}

// New creates a Publisher for the provided topic. The topic batches in the background;
// Close flushes it.
func New(topic *pubsub.Topic) *Publisher {
	if topic == nil {
		return &Publisher{}
	}
	return &Publisher{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return topic.Publish(ctx, msg).Get(ctx)
		},
		stop: topic.Stop,
	}
}

// Publish marshals the payload to JSON and publishes it, waiting for the server ack.
// The topic argument is informational; the handle passed to New decides the destination.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.publish == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = map[string]string{"source": "receipts"}
	if topic != "" {
		msg.Attributes["topic"] = topic
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and stops the topic's background goroutines.
func (p *Publisher) Close() {
	if p.stop != nil {
		p.stop()
	}
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
