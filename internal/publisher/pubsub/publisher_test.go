package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestPublishMarshalsPayload(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	p := &Publisher{publish: func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-1", nil
	}}

	id, err := p.Publish(context.Background(), "receipts", map[string]string{"key": "alice/status/1.json"})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	require.NotNil(t, got)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(got.Data, &decoded))
	assert.Equal(t, "alice/status/1.json", decoded["key"])
	assert.Equal(t, "receipts", got.Attributes["source"])
	assert.Equal(t, "receipts", got.Attributes["topic"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)

	p := &Publisher{publish: func(context.Context, *pubsub.Message) (string, error) {
		return "", errors.New("deadline exceeded")
	}}
	_, err = p.Publish(context.Background(), "t", "x")
	require.ErrorContains(t, err, "publish message")

	_, err = p.Publish(context.Background(), "t", func() {})
	require.ErrorContains(t, err, "marshal payload")
}

func TestCloseStopsTopic(t *testing.T) {
	t.Parallel()

	stopped := 0
	p := &Publisher{stop: func() { stopped++ }}
	p.Close()
	assert.Equal(t, 1, stopped)
	New(nil).Close()
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc")
	c.Set("baggage", "k=v")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"baggage", "traceparent"}, keys)
}

func TestPublishPropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	var got *pubsub.Message
	p := &Publisher{publish: func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-2", nil
	}}
	_, err = p.Publish(ctx, "receipts", "payload")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", got.Attributes["traceparent"])
}
