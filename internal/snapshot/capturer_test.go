package snapshot_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/receipts/internal/archiver"
	"github.com/JakeFAU/receipts/internal/hash/sha256"
	"github.com/JakeFAU/receipts/internal/snapshot"
	"github.com/JakeFAU/receipts/internal/storage/local"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

type stubBrowser struct {
	mu        sync.Mutex
	navigated []string
	closed    int
	navErr    error
	saveErr   error
	block     bool
}

func (b *stubBrowser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	b.navigated = append(b.navigated, url)
	block, err := b.block, b.navErr
	b.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (b *stubBrowser) SaveView(_ context.Context, path string) error {
	if b.saveErr != nil {
		return b.saveErr
	}
	return os.WriteFile(path, pngBytes, 0o644)
}

func (b *stubBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *stubBrowser) navigations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.navigated...)
}

type stubOpener struct {
	browser *stubBrowser
	err     error
}

func (o stubOpener) Open(context.Context) (archiver.Browser, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.browser, nil
}

func newCapturer(t *testing.T, browser *stubBrowser) (*snapshot.Capturer, string) {
	t.Helper()
	root := t.TempDir()
	c, err := snapshot.New(
		context.Background(),
		stubOpener{browser: browser},
		local.Layout{Root: root},
		sha256.New(),
		snapshot.Config{Settle: time.Millisecond},
		zap.NewNop(),
	)
	require.NoError(t, err)
	return c, root
}

func item(id string) archiver.Item {
	return archiver.NewItem(id, "alice", []byte(`{"id":`+id+`}`), "https://twitter.com/alice/status/"+id)
}

func TestCaptureWritesPNG(t *testing.T) {
	t.Parallel()

	browser := &stubBrowser{}
	c, root := newCapturer(t, browser)

	entry, err := c.Capture(context.Background(), item("1"))
	require.NoError(t, err)
	assert.True(t, entry.Written)
	assert.Equal(t, archiver.EntryImage, entry.Kind)
	assert.Equal(t, "alice/images/1.png", entry.Key)
	assert.Equal(t, pngBytes, entry.Data)
	assert.NotEmpty(t, entry.Digest)
	assert.Equal(t, "image/png", entry.ContentType())

	data, err := os.ReadFile(filepath.Join(root, "alice", "images", "1.png"))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)

	leftovers, err := filepath.Glob(filepath.Join(root, "alice", "images", ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp files must not survive")
}

func TestCaptureNavigatesOncePerID(t *testing.T) {
	t.Parallel()

	browser := &stubBrowser{}
	c, _ := newCapturer(t, browser)

	first, err := c.Capture(context.Background(), item("1"))
	require.NoError(t, err)
	second, err := c.Capture(context.Background(), item("1"))
	require.NoError(t, err)

	assert.True(t, first.Written)
	assert.False(t, second.Written)
	assert.Equal(t, []string{"https://twitter.com/alice/status/1"}, browser.navigations())
}

func TestCaptureNavigateFailureLeavesNoImage(t *testing.T) {
	t.Parallel()

	browser := &stubBrowser{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	c, root := newCapturer(t, browser)

	_, err := c.Capture(context.Background(), item("2"))
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(root, "alice", "images", "2.png"))
}

func TestCaptureSaveFailureCleansTempFile(t *testing.T) {
	t.Parallel()

	browser := &stubBrowser{saveErr: errors.New("target closed")}
	c, root := newCapturer(t, browser)

	_, err := c.Capture(context.Background(), item("3"))
	require.Error(t, err)
	entries, err := os.ReadDir(filepath.Join(root, "alice", "images"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCaptureRejectsBadKey(t *testing.T) {
	t.Parallel()

	c, _ := newCapturer(t, &stubBrowser{})
	_, err := c.Capture(context.Background(), archiver.NewItem("../1", "alice", []byte(`{}`), "https://x"))
	require.ErrorIs(t, err, archiver.ErrInvalidKey)
}

// Navigation has no timeout of its own: a hung browser stalls Capture until ctx ends.
func TestCaptureHungBrowserOnlyInterruptedByContext(t *testing.T) {
	t.Parallel()

	browser := &stubBrowser{block: true}
	c, _ := newCapturer(t, browser)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Capture(ctx, item("4"))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("capture returned before cancellation: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("capture did not observe cancellation")
	}
}

func TestCaptureRateLimited(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	browser := &stubBrowser{}
	c, err := snapshot.New(context.Background(), stubOpener{browser: browser}, local.Layout{Root: root}, nil,
		snapshot.Config{Settle: time.Millisecond, RenderQPS: 10}, nil)
	require.NoError(t, err)

	start := time.Now()
	for _, id := range []string{"1", "2", "3"} {
		_, err := c.Capture(context.Background(), item(id))
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Len(t, browser.navigations(), 3)
}

func TestNewOpenFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	_, err := snapshot.New(context.Background(), stubOpener{err: errors.New("exec: chrome not found")},
		local.Layout{Root: t.TempDir()}, nil, snapshot.Config{}, zap.NewNop())
	require.ErrorIs(t, err, archiver.ErrBrowserUnavailable)
	assert.Contains(t, err.Error(), "chrome not found")

	_, err = snapshot.New(context.Background(), nil, local.Layout{Root: t.TempDir()}, nil, snapshot.Config{}, nil)
	require.ErrorIs(t, err, archiver.ErrBrowserUnavailable)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	browser := &stubBrowser{}
	c, _ := newCapturer(t, browser)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, browser.closed)
}
