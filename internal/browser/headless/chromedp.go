// Package headless opens headless Chrome sessions used to screen-grab archived items.
package headless

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/receipts/internal/archiver"
)

// Default viewport used when Config leaves the dimensions unset.
const (
	DefaultWidth  = 1024
	DefaultHeight = 1400
)

// Config controls how the browser is launched.
type Config struct {
	// ExecPath overrides the Chrome binary; empty lets chromedp search the usual locations.
	ExecPath  string
	UserAgent string
	Width     int
	Height    int
}

// Opener implements archiver.BrowserOpener using chromedp.
type Opener struct {
	cfg    Config
	logger *zap.Logger
}

// NewOpener creates an Opener, filling in the default viewport.
func NewOpener(cfg Config, logger *zap.Logger) *Opener {
	if cfg.Width <= 0 {
		cfg.Width = DefaultWidth
	}
	if cfg.Height <= 0 {
		cfg.Height = DefaultHeight
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Opener{cfg: cfg, logger: logger}
}

// Open launches Chrome and returns a single-tab session. Launch failures wrap
// archiver.ErrBrowserUnavailable.
func (o *Opener) Open(ctx context.Context) (archiver.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), o.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stopForward := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx, o.setupAction())
	stopForward()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: chromedp warmup: %w", archiver.ErrBrowserUnavailable, err)
	}

	o.logger.Debug("browser session opened",
		zap.Int("width", o.cfg.Width),
		zap.Int("height", o.cfg.Height),
	)
	return &Session{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

func (o *Opener) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(o.cfg.Width, o.cfg.Height),
	)
	if o.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.cfg.ExecPath))
	}
	if o.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.cfg.UserAgent))
	}
	return opts
}

func (o *Opener) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if o.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(o.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		err := emulation.SetDeviceMetricsOverride(int64(o.cfg.Width), int64(o.cfg.Height), 1, false).Do(ctx)
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

// Session is one open browser tab. It is not safe for concurrent use.
type Session struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closeOnce     sync.Once
}

// Navigate loads url in the tab and waits for the document body. Only ctx bounds the wait.
func (s *Session) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := context.WithCancel(s.browserCtx)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	tasks := chromedp.Tasks{
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, tasks); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// SaveView writes a PNG of the current viewport to path.
func (s *Session) SaveView(ctx context.Context, path string) error {
	runCtx, cancel := context.WithCancel(s.browserCtx)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	var buf []byte
	capture := chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	})
	if err := chromedp.Run(runCtx, capture); err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

// Close shuts down the tab and the browser process. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.browserCancel()
		s.allocCancel()
	})
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
