package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/receipts/internal/archiver"
	"github.com/JakeFAU/receipts/internal/metrics"
)

// Consumer subscribes to one filter and feeds accepted items into the hand-off queue.
type Consumer struct {
	filter     archiver.FilterSpec
	source     archiver.Source
	queue      archiver.Queue
	normalizer Normalizer
	policy     archiver.RetryPolicy
	ids        archiver.IDGenerator
	logger     *zap.Logger
}

// NewConsumer validates filter and wires the consumer. A nil policy selects the
// unbounded fixed-delay policy.
func NewConsumer(
	filter archiver.FilterSpec,
	source archiver.Source,
	queue archiver.Queue,
	normalizer Normalizer,
	policy archiver.RetryPolicy,
	ids archiver.IDGenerator,
	logger *zap.Logger,
) (*Consumer, error) {
	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("stream consumer: %w", err)
	}
	if source == nil {
		return nil, fmt.Errorf("stream consumer: source is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("stream consumer: queue is required")
	}
	if policy == nil {
		policy = archiver.NewFixedRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if normalizer.statusURL == "" {
		normalizer = NewNormalizer("")
	}
	metrics.Init()
	return &Consumer{
		filter:     filter,
		source:     source,
		queue:      queue,
		normalizer: normalizer,
		policy:     policy,
		ids:        ids,
		logger:     logger.Named("stream").With(zap.String("filter", string(filter.Kind))),
	}, nil
}

// Filter returns the consumer's filter.
func (c *Consumer) Filter() archiver.FilterSpec {
	return c.filter
}

// Run subscribes and consumes until ctx ends. Every failure, including a clean end of
// stream, is followed by the policy's delay and a fresh subscription.
func (c *Consumer) Run(ctx context.Context) error {
	return archiver.Retry(ctx, c.policy, c.consumeOnce, c.onFailure)
}

func (c *Consumer) onFailure(err error, attempt int, wait time.Duration) {
	metrics.ObserveReconnect(string(c.filter.Kind))
	c.logger.Warn("stream dropped, restarting",
		zap.Error(err),
		zap.Int("attempt", attempt),
		zap.Duration("wait", wait),
	)
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	logger := c.logger
	if c.ids != nil {
		if session, err := c.ids.NewID(); err == nil {
			logger = logger.With(zap.String("session", session))
		}
	}

	sub, err := c.subscribe(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			logger.Debug("closing subscription", zap.Error(cerr))
		}
	}()

	kind := string(c.filter.Kind)
	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("stream ended")
			}
			return fmt.Errorf("read stream: %w", err)
		}

		item, text, err := c.normalizer.Normalize(raw)
		switch {
		case errors.Is(err, ErrNotStatus):
			metrics.ObserveStreamEvent(kind, metrics.OutcomeDiscarded)
			logger.Debug("discarding non-status record", zap.ByteString("record", raw))
			continue
		case err != nil:
			metrics.ObserveStreamEvent(kind, metrics.OutcomeMalformed)
			logger.Warn("dropping malformed record", zap.Error(err))
			continue
		}

		logger.Debug("status received",
			zap.String("author", item.AuthorHandle),
			zap.String("text", text),
		)
		if err := c.queue.Enqueue(ctx, item); err != nil {
			return fmt.Errorf("enqueue %s: %w", item.Key(), err)
		}
		metrics.ObserveStreamEvent(kind, metrics.OutcomeAccepted)
	}
}

func (c *Consumer) subscribe(ctx context.Context, logger *zap.Logger) (archiver.Subscription, error) {
	switch c.filter.Kind {
	case archiver.FilterTrack:
		for _, term := range c.filter.Values {
			logger.Info("watching for statuses containing term", zap.String("term", term))
		}
		sub, err := c.source.SubscribeTerms(ctx, c.filter.Values)
		if err != nil {
			return nil, fmt.Errorf("subscribe terms: %w", err)
		}
		return sub, nil
	case archiver.FilterFollow:
		for _, handle := range c.filter.Values {
			logger.Info("watching for statuses related to account", zap.String("handle", "@"+handle))
		}
		ids := make([]string, 0, len(c.filter.Values))
		for _, handle := range c.filter.Values {
			id, err := c.source.ResolveHandle(ctx, handle)
			if err != nil {
				return nil, fmt.Errorf("resolve @%s: %w", handle, err)
			}
			ids = append(ids, id)
		}
		sub, err := c.source.SubscribeIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("subscribe ids: %w", err)
		}
		return sub, nil
	default:
		return nil, fmt.Errorf("unknown filter kind %q", c.filter.Kind)
	}
}
