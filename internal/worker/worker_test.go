package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/receipts/internal/archiver"
	"github.com/JakeFAU/receipts/internal/hash/sha256"
	publisherMemory "github.com/JakeFAU/receipts/internal/publisher/memory"
	queueMemory "github.com/JakeFAU/receipts/internal/queue/memory"
	"github.com/JakeFAU/receipts/internal/storage/local"
	storageMemory "github.com/JakeFAU/receipts/internal/storage/memory"
)

func newItem(id, author string) archiver.Item {
	return archiver.NewItem(id, author,
		[]byte(fmt.Sprintf(`{"id_str":%q,"in_reply_to_status_id":null,"user":{"screen_name":%q}}`, id, author)),
		fmt.Sprintf("https://twitter.com/%s/status/%s", author, id))
}

func newStore(t *testing.T) (*local.Store, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "receipts")
	store, err := local.New(local.Config{Root: root}, sha256.New())
	require.NoError(t, err)
	return store, root
}

func runWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel, done
}

func enqueue(t *testing.T, q archiver.Queue, items ...archiver.Item) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, q.Enqueue(context.Background(), item))
	}
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeCapturer struct {
	mu       sync.Mutex
	store    archiver.Store
	captured []string
	jsonSeen []bool
	fail     map[string]error
	closed   int
}

func (c *fakeCapturer) Capture(_ context.Context, item archiver.Item) (archiver.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captured = append(c.captured, item.ID)
	if c.store != nil {
		c.jsonSeen = append(c.jsonSeen, c.store.Has(item.AuthorHandle, item.ID))
	}
	if err := c.fail[item.ID]; err != nil {
		return archiver.Entry{}, err
	}
	return archiver.Entry{
		Kind:    archiver.EntryImage,
		Key:     item.AuthorHandle + "/images/" + item.ID + ".png",
		Written: true,
		Data:    []byte("png"),
	}, nil
}

func (c *fakeCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeCapturer) snapshot() ([]string, []bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.captured...), append([]bool(nil), c.jsonSeen...), c.closed
}

// flakyStore fails or panics for selected ids and delegates the rest.
type flakyStore struct {
	archiver.Store
	fail  map[string]error
	panic map[string]bool
}

func (s flakyStore) PutJSON(ctx context.Context, item archiver.Item) (archiver.Entry, error) {
	if s.panic[item.ID] {
		panic("disk on fire")
	}
	if err := s.fail[item.ID]; err != nil {
		return archiver.Entry{}, err
	}
	return s.Store.PutJSON(ctx, item)
}

func TestWorker_ArchivesMirrorsAndNotifies(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue()
	store, root := newStore(t)
	mirror := storageMemory.NewBlobStore()
	pub := publisherMemory.New()
	w := New(q, store, nil, mirror, pub, fakeClock{now: time.Unix(100, 0)},
		Config{PollInterval: 10 * time.Millisecond, MirrorPrefix: "/archive/", Topic: "receipts"}, zap.NewNop())

	enqueue(t, q, newItem("1", "alice"), newItem("2", "alice"), newItem("3", "alice"))
	runWorker(t, w)

	require.Eventually(t, func() bool { return len(pub.Messages()) == 3 }, 2*time.Second, 10*time.Millisecond)
	for _, id := range []string{"1", "2", "3"} {
		assert.FileExists(t, filepath.Join(root, "alice", "status", id+".json"))
	}
	assert.NoDirExists(t, filepath.Join(root, "alice", "images"))
	assert.Equal(t, []string{"archive/alice/status/1.json", "archive/alice/status/2.json", "archive/alice/status/3.json"}, mirror.Paths())

	var note archiver.Notification
	require.NoError(t, json.Unmarshal(pub.Messages()[0].Data, &note))
	assert.Equal(t, archiver.EntryStatus, note.Kind)
	assert.Equal(t, "alice/status/1.json", note.Key)
	assert.Equal(t, "memory://archive/alice/status/1.json", note.BlobURI)
	assert.Equal(t, "https://twitter.com/alice/status/1", note.URL)
	assert.NotEmpty(t, note.Digest)
	assert.True(t, note.ArchivedAt.Equal(time.Unix(100, 0)))
}

func TestWorker_ExistingEntriesAreNotMirroredAgain(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue()
	store, _ := newStore(t)
	mirror := storageMemory.NewBlobStore()
	pub := publisherMemory.New()
	w := New(q, store, nil, mirror, pub, nil, Config{PollInterval: 10 * time.Millisecond, Topic: "t"}, nil)

	enqueue(t, q, newItem("1", "alice"), newItem("1", "alice"), newItem("2", "bob"))
	runWorker(t, w)

	require.Eventually(t, func() bool { return q.Len() == 0 && len(pub.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pub.Messages(), 2)
	assert.Equal(t, []string{"alice/status/1.json", "bob/status/2.json"}, mirror.Paths())
}

func TestWorker_IsolatesItemFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	q := queueMemory.NewQueue()
	base, root := newStore(t)
	store := flakyStore{
		Store: base,
		fail:  map[string]error{"2": errors.New("disk full")},
		panic: map[string]bool{"3": true},
	}
	w := New(q, store, nil, nil, nil, nil, Config{PollInterval: 10 * time.Millisecond}, zap.New(core))

	enqueue(t, q, newItem("1", "alice"), newItem("2", "alice"), newItem("3", "alice"), newItem("4", "alice"))
	runWorker(t, w)

	require.Eventually(t, func() bool {
		return base.Has("alice", "4")
	}, 2*time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(root, "alice", "status", "1.json"))
	assert.NoFileExists(t, filepath.Join(root, "alice", "status", "2.json"))
	assert.NoFileExists(t, filepath.Join(root, "alice", "status", "3.json"))

	failed := logs.FilterMessage("failed to archive status").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "2", failed[0].ContextMap()["id"])
	assert.Equal(t, "https://twitter.com/alice/status/2", failed[0].ContextMap()["url"])
	panics := logs.FilterMessage("panic while archiving item").All()
	require.Len(t, panics, 1)
	assert.Equal(t, "3", panics[0].ContextMap()["id"])
	assert.Contains(t, panics[0].ContextMap(), "stack")
}

func TestWorker_ScreenGrabWritesJSONFirstAndClosesCapturer(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue()
	store, root := newStore(t)
	capturer := &fakeCapturer{store: store, fail: map[string]error{"2": errors.New("navigation failed")}}
	mirror := storageMemory.NewBlobStore()
	w := New(q, store, capturer, mirror, nil, nil, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	enqueue(t, q, newItem("1", "alice"), newItem("2", "alice"), newItem("3", "alice"))
	cancel, done := runWorker(t, w)

	require.Eventually(t, func() bool {
		captured, _, _ := capturer.snapshot()
		return len(captured) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	captured, jsonSeen, closed := capturer.snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, captured)
	assert.Equal(t, []bool{true, true, true}, jsonSeen)
	assert.Equal(t, 1, closed)
	assert.FileExists(t, filepath.Join(root, "alice", "status", "2.json"))
	assert.Contains(t, mirror.Paths(), "alice/images/1.png")
	assert.NotContains(t, mirror.Paths(), "alice/images/2.png")
}

func TestWorker_StopsWhenQueueClosedAndDrained(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue()
	store, _ := newStore(t)
	capturer := &fakeCapturer{}
	w := New(q, store, capturer, nil, nil, nil, Config{}, zap.NewNop())

	enqueue(t, q, newItem("1", "alice"))
	q.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after queue closed")
	}
	assert.True(t, store.Has("alice", "1"))
	_, _, closed := capturer.snapshot()
	assert.Equal(t, 1, closed)
}

func TestWorker_ObservesShutdownWithinPollInterval(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	w := New(queueMemory.NewQueue(), store, nil, nil, nil, nil, Config{}, nil)
	assert.Equal(t, DefaultPollInterval, w.cfg.PollInterval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * DefaultPollInterval):
		t.Fatal("worker did not observe cancellation")
	}
}

func TestBuildMirrorPath(t *testing.T) {
	t.Parallel()

	w := &Worker{}
	assert.Equal(t, "alice/status/1.json", w.buildMirrorPath("alice/status/1.json"))
	w.cfg.MirrorPrefix = "/receipts/"
	assert.Equal(t, "receipts/alice/status/1.json", w.buildMirrorPath("alice/status/1.json"))
}
