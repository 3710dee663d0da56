package archiver

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Subscription yields raw stream records until it fails or is closed.
type Subscription interface {
	Next(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// Source is the stream collaborator consumed by stream consumers.
type Source interface {
	SubscribeTerms(ctx context.Context, terms []string) (Subscription, error)
	SubscribeIDs(ctx context.Context, ids []string) (Subscription, error)
	ResolveHandle(ctx context.Context, handle string) (string, error)
}

// Queue is the hand-off channel between consumers and the archival worker.
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	Dequeue(ctx context.Context) (Item, error)
	Len() int
}

// Store persists item JSON records.
type Store interface {
	Has(author, id string) bool
	PutJSON(ctx context.Context, item Item) (Entry, error)
}

// Capturer persists a rendered snapshot of an item.
type Capturer interface {
	Capture(ctx context.Context, item Item) (Entry, error)
	Close() error
}

// Browser is an open browser-automation handle.
type Browser interface {
	Navigate(ctx context.Context, url string) error
	SaveView(ctx context.Context, path string) error
	Close() error
}

// BrowserOpener starts a browser; it fails when automation is unavailable.
type BrowserOpener interface {
	Open(ctx context.Context) (Browser, error)
}

// BlobStore mirrors archive entries to remote storage and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes archive notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces subscription session IDs.
type IDGenerator interface {
	NewID() (string, error)
}
