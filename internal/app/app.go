// Package app builds the long-lived services from configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/receipts/internal/api"
	"github.com/JakeFAU/receipts/internal/archiver"
	"github.com/JakeFAU/receipts/internal/browser/headless"
	"github.com/JakeFAU/receipts/internal/clock/system"
	"github.com/JakeFAU/receipts/internal/config"
	"github.com/JakeFAU/receipts/internal/hash/sha256"
	"github.com/JakeFAU/receipts/internal/id/uuid"
	"github.com/JakeFAU/receipts/internal/pipeline"
	pubsubpublisher "github.com/JakeFAU/receipts/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/receipts/internal/queue/memory"
	"github.com/JakeFAU/receipts/internal/snapshot"
	"github.com/JakeFAU/receipts/internal/source/firehose"
	"github.com/JakeFAU/receipts/internal/storage/gcs"
	"github.com/JakeFAU/receipts/internal/storage/local"
	"github.com/JakeFAU/receipts/internal/stream"
	"github.com/JakeFAU/receipts/internal/telemetry"
	"github.com/JakeFAU/receipts/internal/worker"
)

const (
	providerNone     = "none"
	providerChromedp = "chromedp"
	providerGCS      = "gcs"
	providerPubSub   = "pubsub"

	shutdownTimeout = 10 * time.Second
)

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	source     archiver.Source
	opener     archiver.BrowserOpener
	clientOpts []option.ClientOption
}

// WithSource replaces the websocket stream source.
func WithSource(src archiver.Source) Option {
	return func(o *options) { o.source = src }
}

// WithBrowserOpener replaces the chromedp browser used in screen-grab mode.
func WithBrowserOpener(opener archiver.BrowserOpener) Option {
	return func(o *options) { o.opener = opener }
}

// WithClientOptions passes options to the Google Cloud clients.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.clientOpts = append(o.clientOpts, opts...) }
}

type closer struct {
	name string
	fn   func() error
}

// App holds the shared services for one archiver run.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	queue      *queueMemory.Queue
	store      *local.Store
	capturer   *snapshot.Capturer
	supervisor *pipeline.Supervisor
	server     *http.Server
	closers    []closer
}

// New initializes every service named by cfg. It fails fast: a missing browser in
// screen-grab mode or a misconfigured provider aborts startup.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	filters, err := cfg.Filters()
	if err != nil {
		return nil, fmt.Errorf("init filters: %w", err)
	}

	hasher := sha256.New()
	store, err := local.New(local.Config{Root: cfg.Archive}, hasher)
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		queue:  queueMemory.NewQueue(),
		store:  store,
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, closer{name: "tracer provider", fn: func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}})

	source := o.source
	if source == nil {
		source, err = firehose.New(firehose.Config{
			URL:        cfg.Stream.URL,
			ResolveURL: cfg.Stream.ResolveURL,
			Token:      cfg.Stream.Token,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init stream source: %w", err)
		}
	}

	normalizer := stream.NewNormalizer(cfg.Stream.StatusURL)
	ids := uuid.New()
	consumers := make([]pipeline.Consumer, 0, len(filters))
	for _, filter := range filters {
		consumer, cerr := stream.NewConsumer(filter, source, a.queue, normalizer, archiver.NewFixedRetryPolicy(), ids, logger)
		if cerr != nil {
			return nil, fmt.Errorf("init %s consumer: %w", filter.Kind, cerr)
		}
		consumers = append(consumers, consumer)
	}

	var capturer archiver.Capturer
	if cfg.Image {
		opener, oerr := a.buildOpener(o.opener)
		if oerr != nil {
			return nil, oerr
		}
		a.capturer, err = snapshot.New(ctx, opener, store.Layout(), hasher, snapshot.Config{
			RenderQPS: cfg.Browser.RenderQPS,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init screen grabs: %w", err)
		}
		capturer = a.capturer
		logger.Info("screen-grab mode enabled")
	}

	mirror, err := a.buildMirror(ctx, o.clientOpts)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx, o.clientOpts)
	if err != nil {
		return nil, err
	}

	w := worker.New(a.queue, store, capturer, mirror, publisher, system.New(), worker.Config{
		MirrorPrefix: cfg.Mirror.Prefix,
		Topic:        cfg.Notify.Topic,
	}, logger)

	a.supervisor, err = pipeline.New(consumers, w, logger)
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	if cfg.Server.Addr != "" {
		ops := api.NewServer(a.queue, a.ready, logger)
		a.server = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           ops.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	logger.Info("application services initialized", zap.String("archive", cfg.Archive))
	return a, nil
}

func (a *App) buildOpener(override archiver.BrowserOpener) (archiver.BrowserOpener, error) {
	if override != nil {
		return override, nil
	}
	switch a.cfg.Browser.Provider {
	case "", providerChromedp:
		return headless.NewOpener(headless.Config{
			ExecPath:  a.cfg.Browser.ExecPath,
			UserAgent: a.cfg.Browser.UserAgent,
			Width:     a.cfg.Browser.Width,
			Height:    a.cfg.Browser.Height,
		}, a.logger), nil
	case providerNone:
		return headless.NewNoop(), nil
	default:
		return nil, fmt.Errorf("unknown browser provider: %s", a.cfg.Browser.Provider)
	}
}

func (a *App) buildMirror(ctx context.Context, clientOpts []option.ClientOption) (archiver.BlobStore, error) {
	switch a.cfg.Mirror.Provider {
	case "", providerNone:
		return nil, nil
	case providerGCS:
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs client", fn: client.Close})
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Mirror.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs mirror: %w", err)
		}
		a.logger.Info("mirroring archive entries to GCS", zap.String("bucket", a.cfg.Mirror.GCSBucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown mirror provider: %s", a.cfg.Mirror.Provider)
	}
}

func (a *App) buildPublisher(ctx context.Context, clientOpts []option.ClientOption) (archiver.Publisher, error) {
	switch a.cfg.Notify.Provider {
	case "", providerNone:
		return nil, nil
	case providerPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.ProjectID, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, closer{name: "pubsub client", fn: client.Close})
		pub := pubsubpublisher.New(client.Topic(a.cfg.Notify.Topic))
		a.closers = append(a.closers, closer{name: "pubsub publisher", fn: func() error {
			pub.Close()
			return nil
		}})
		a.logger.Info("publishing archive notifications", zap.String("topic", a.cfg.Notify.Topic))
		return pub, nil
	default:
		return nil, fmt.Errorf("unknown notify provider: %s", a.cfg.Notify.Provider)
	}
}

func (a *App) ready(context.Context) error {
	info, err := os.Stat(a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("archive root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root %s is not a directory", a.cfg.Archive)
	}
	return nil
}

// Run streams and archives until ctx is cancelled. A failing ops server stops the run.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	if a.server != nil {
		go func() {
			a.logger.Info("ops server started", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("ops server error", zap.Error(err))
				serverErr <- err
				cancel()
			}
		}()
	}

	a.supervisor.Run(ctx)

	select {
	case err := <-serverErr:
		return fmt.Errorf("ops server: %w", err)
	default:
		return nil
	}
}

// Queue exposes the hand-off queue.
func (a *App) Queue() archiver.Queue {
	return a.queue
}

// Close shuts down every service. It is safe to call after a failed New.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("ops server shutdown error", zap.Error(err))
		}
		cancel()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.capturer != nil {
		if err := a.capturer.Close(); err != nil {
			a.logger.Warn("error closing browser", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("error closing "+c.name, zap.Error(err))
		}
	}
	a.closers = nil
}
