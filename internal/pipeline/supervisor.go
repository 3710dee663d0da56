// Package pipeline starts the stream consumers and runs the archival worker.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/receipts/internal/archiver"
)

// Consumer is a long-running stream consumer.
type Consumer interface {
	Run(ctx context.Context) error
	Filter() archiver.FilterSpec
}

// Worker drains the hand-off queue until ctx ends.
type Worker interface {
	Run(ctx context.Context)
}

// Supervisor fans stream consumers into the single archival worker.
type Supervisor struct {
	consumers []Consumer
	worker    Worker
	logger    *zap.Logger
}

// New creates a Supervisor. At least one consumer is required.
func New(consumers []Consumer, worker Worker, logger *zap.Logger) (*Supervisor, error) {
	if len(consumers) == 0 {
		return nil, fmt.Errorf("pipeline: %w", archiver.ErrNoFilters)
	}
	if worker == nil {
		return nil, fmt.Errorf("pipeline: worker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		consumers: consumers,
		worker:    worker,
		logger:    logger.Named("pipeline"),
	}, nil
}

// Run starts every consumer in the background and runs the worker on the calling
// goroutine. It returns once the worker returns; consumers are not awaited and wind
// down on their own when ctx ends.
func (s *Supervisor) Run(ctx context.Context) {
	for _, c := range s.consumers {
		go func(c Consumer) {
			filter := c.Filter()
			s.logger.Debug("starting consumer",
				zap.String("filter", string(filter.Kind)),
				zap.Strings("values", filter.Values),
			)
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("consumer stopped", zap.String("filter", string(filter.Kind)), zap.Error(err))
			}
		}(c)
	}
	s.worker.Run(ctx)
}
