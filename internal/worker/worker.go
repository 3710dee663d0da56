// Package worker implements the archival loop that drains the hand-off queue.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/receipts/internal/archiver"
	"github.com/JakeFAU/receipts/internal/metrics"
)

// DefaultPollInterval bounds each wait on the queue so shutdown is observed promptly.
const DefaultPollInterval = time.Second

const tracerName = "github.com/JakeFAU/receipts/internal/worker"

// Config controls Worker behavior.
type Config struct {
	PollInterval time.Duration
	// MirrorPrefix is prepended to entry keys when mirroring.
	MirrorPrefix string
	// Topic is the notification topic; empty disables notifications.
	Topic string
}

// Worker pulls items one at a time and archives them.
type Worker struct {
	queue     archiver.Queue
	store     archiver.Store
	capturer  archiver.Capturer
	mirror    archiver.BlobStore
	publisher archiver.Publisher
	clock     archiver.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. capturer, mirror and publisher are optional; a non-nil
// capturer enables screen-grab mode and is owned (and closed) by Run.
func New(
	queue archiver.Queue,
	store archiver.Store,
	capturer archiver.Capturer,
	mirror archiver.BlobStore,
	publisher archiver.Publisher,
	clock archiver.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		queue:     queue,
		store:     store,
		capturer:  capturer,
		mirror:    mirror,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue is closed
// and drained. The capturer, if any, is closed on every exit path.
func (w *Worker) Run(ctx context.Context) {
	if w.capturer != nil {
		defer func() {
			if err := w.capturer.Close(); err != nil {
				w.logger.Warn("closing capturer failed", zap.Error(err))
			}
		}()
	}

	for {
		if ctx.Err() != nil {
			return
		}
		metrics.SetQueueDepth(w.queue.Len())

		pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollInterval)
		item, err := w.queue.Dequeue(pollCtx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, archiver.ErrQueueClosed):
				w.logger.Info("queue closed, worker stopping")
				return
			case errors.Is(err, context.DeadlineExceeded):
				continue
			default:
				w.logger.Error("queue dequeue failed", zap.Error(err))
				continue
			}
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item archiver.Item) {
	logger := w.logger.With(
		zap.String("author", item.AuthorHandle),
		zap.String("id", item.ID),
		zap.String("url", item.CanonicalURL),
	)
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic while archiving item",
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "archive item", trace.WithAttributes(
		attribute.String("receipts.author", item.AuthorHandle),
		attribute.String("receipts.id", item.ID),
	))
	defer span.End()

	entry, err := w.store.PutJSON(ctx, item)
	if err != nil {
		metrics.ObserveArchive(string(archiver.EntryStatus), metrics.ResultError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive status")
		logger.Error("failed to archive status", zap.Error(err))
		return
	}
	w.afterWrite(ctx, logger, item, entry)

	if w.capturer == nil {
		return
	}
	image, err := w.capturer.Capture(ctx, item)
	if err != nil {
		metrics.ObserveArchive(string(archiver.EntryImage), metrics.ResultError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "capture snapshot")
		logger.Error("failed to capture snapshot", zap.Error(err))
		return
	}
	w.afterWrite(ctx, logger, item, image)
}

// afterWrite records the outcome and, for new entries only, mirrors and announces them.
// Failures here never undo the local write.
func (w *Worker) afterWrite(ctx context.Context, logger *zap.Logger, item archiver.Item, entry archiver.Entry) {
	if !entry.Written {
		metrics.ObserveArchive(string(entry.Kind), metrics.ResultExists)
		logger.Debug("entry already archived", zap.String("key", entry.Key))
		return
	}
	metrics.ObserveArchive(string(entry.Kind), metrics.ResultWritten)
	logger.Info("entry archived",
		zap.String("key", entry.Key),
		zap.String("digest", entry.Digest),
	)

	uri, err := w.mirrorEntry(ctx, entry)
	if err != nil {
		logger.Error("mirror entry failed", zap.String("key", entry.Key), zap.Error(err))
	}
	if err := w.notify(ctx, item, entry, uri); err != nil {
		logger.Error("notify entry failed", zap.String("key", entry.Key), zap.Error(err))
	}
}

func (w *Worker) buildMirrorPath(key string) string {
	prefix := strings.Trim(w.cfg.MirrorPrefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func (w *Worker) mirrorEntry(ctx context.Context, entry archiver.Entry) (string, error) {
	if w.mirror == nil {
		return "", nil
	}
	uri, err := w.mirror.PutObject(ctx, w.buildMirrorPath(entry.Key), entry.ContentType(), bytes.NewReader(entry.Data))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (w *Worker) notify(ctx context.Context, item archiver.Item, entry archiver.Entry, uri string) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	note := archiver.Notification{
		Kind:    entry.Kind,
		Author:  item.AuthorHandle,
		ID:      item.ID,
		URL:     item.CanonicalURL,
		Key:     entry.Key,
		BlobURI: uri,
		Digest:  entry.Digest,
	}
	if w.clock != nil {
		note.ArchivedAt = w.clock.Now().UTC()
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, note); err != nil {
		return fmt.Errorf("publish payload: %w", err)
	}
	return nil
}
