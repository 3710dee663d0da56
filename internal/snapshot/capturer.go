// Package snapshot renders archived items in a headless browser and stores a PNG of the view.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/receipts/internal/archiver"
	"github.com/JakeFAU/receipts/internal/metrics"
	"github.com/JakeFAU/receipts/internal/policy/ratelimit"
	"github.com/JakeFAU/receipts/internal/storage/local"
)

// DefaultSettle is how long the page is given to finish painting after navigation.
const DefaultSettle = 200 * time.Millisecond

// Config tunes capture pacing.
type Config struct {
	Settle time.Duration
	// RenderQPS limits navigations per host; zero disables the limit.
	RenderQPS float64
}

// Capturer implements archiver.Capturer on top of a single browser session.
// It is used by one worker and is not safe for concurrent Capture calls.
type Capturer struct {
	browser archiver.Browser
	layout  local.Layout
	hasher  archiver.Hasher
	cfg     Config
	logger  *zap.Logger
	limiter *ratelimit.Limiter

	closeOnce sync.Once
	closeErr  error
}

// New opens a browser through opener. A failed open is fatal for screen-grab mode and is
// reported as archiver.ErrBrowserUnavailable.
func New(
	ctx context.Context,
	opener archiver.BrowserOpener,
	layout local.Layout,
	hasher archiver.Hasher,
	cfg Config,
	logger *zap.Logger,
) (*Capturer, error) {
	if opener == nil {
		return nil, fmt.Errorf("snapshot: %w", archiver.ErrBrowserUnavailable)
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	browser, err := opener.Open(ctx)
	if err != nil {
		if errors.Is(err, archiver.ErrBrowserUnavailable) {
			return nil, fmt.Errorf("snapshot: open browser: %w", err)
		}
		return nil, fmt.Errorf("snapshot: open browser: %w: %w", archiver.ErrBrowserUnavailable, err)
	}
	metrics.Init()
	var limiter *ratelimit.Limiter
	if cfg.RenderQPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: cfg.RenderQPS, Burst: 1})
	}
	return &Capturer{
		browser: browser,
		limiter: limiter,
		layout:  layout,
		hasher:  hasher,
		cfg:     cfg,
		logger:  logger.Named("snapshot"),
	}, nil
}

// Capture renders the item's canonical URL and stores the viewport as
// {root}/{author}/images/{id}.png. Existing images are left untouched.
// Navigation carries no timeout of its own; only ctx interrupts a hung browser.
func (c *Capturer) Capture(ctx context.Context, item archiver.Item) (archiver.Entry, error) {
	path, err := c.layout.ImagePath(item.AuthorHandle, item.ID)
	if err != nil {
		return archiver.Entry{}, err
	}
	entry := archiver.Entry{
		Kind: archiver.EntryImage,
		Key:  c.layout.ImageKey(item.AuthorHandle, item.ID),
		Path: path,
	}
	if local.Exists(path) {
		return entry, nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return entry, fmt.Errorf("creating images dir for %s: %w", path, err)
	}

	if err := c.waitHostBudget(ctx, item.CanonicalURL); err != nil {
		return entry, fmt.Errorf("render rate limit: %w", err)
	}

	start := time.Now()
	if err := c.browser.Navigate(ctx, item.CanonicalURL); err != nil {
		return entry, fmt.Errorf("navigate %s: %w", item.CanonicalURL, err)
	}
	if err := sleep(ctx, c.cfg.Settle); err != nil {
		return entry, err
	}

	tmp, err := os.CreateTemp(dir, "."+item.ID+".png.tmp-*")
	if err != nil {
		return entry, fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return entry, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := c.browser.SaveView(ctx, tmpName); err != nil {
		_ = os.Remove(tmpName)
		return entry, fmt.Errorf("save view of %s: %w", item.CanonicalURL, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return entry, fmt.Errorf("rename into %s: %w", path, err)
	}
	metrics.ObserveCapture(time.Since(start))

	data, err := os.ReadFile(path)
	if err != nil {
		return entry, fmt.Errorf("read back %s: %w", path, err)
	}
	entry.Written = true
	entry.Data = data
	if c.hasher != nil {
		digest, err := c.hasher.Hash(data)
		if err != nil {
			return entry, fmt.Errorf("hash %s: %w", entry.Key, err)
		}
		entry.Digest = digest
	}
	c.logger.Debug("snapshot saved",
		zap.String("author", item.AuthorHandle),
		zap.String("id", item.ID),
		zap.String("path", path),
	)
	return entry, nil
}

// Close releases the browser. Subsequent calls return the first result.
func (c *Capturer) Close() error {
	c.closeOnce.Do(func() {
		if err := c.browser.Close(); err != nil {
			c.closeErr = fmt.Errorf("close browser: %w", err)
		}
	})
	return c.closeErr
}

func (c *Capturer) waitHostBudget(ctx context.Context, rawURL string) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, rawURL); err != nil {
		return fmt.Errorf("wait render budget: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("settle wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
