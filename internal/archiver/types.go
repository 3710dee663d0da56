package archiver

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors shared across the pipeline.
var (
	ErrNoFilters          = errors.New("at least one of track or follow is required")
	ErrEmptyFilter        = errors.New("filter has no values")
	ErrBrowserUnavailable = errors.New("browser automation unavailable")
	ErrInvalidKey         = errors.New("invalid archive key")
	ErrQueueClosed        = errors.New("queue closed")
)

// FilterKind selects how a stream subscription is filtered.
type FilterKind string

// Supported filter kinds.
const (
	FilterTrack  FilterKind = "track"
	FilterFollow FilterKind = "follow"
)

// FilterSpec is the immutable set of terms or account handles one consumer subscribes to.
type FilterSpec struct {
	Kind   FilterKind
	Values []string
}

// NewFilterSpec copies values, trims blanks, and strips a leading "@" from follow handles.
func NewFilterSpec(kind FilterKind, values []string) (FilterSpec, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if kind == FilterFollow {
			v = strings.TrimLeft(v, "@")
		}
		if v != "" {
			out = append(out, v)
		}
	}
	spec := FilterSpec{Kind: kind, Values: out}
	if err := spec.Validate(); err != nil {
		return FilterSpec{}, err
	}
	return spec, nil
}

// Validate rejects unknown kinds and empty value sets.
func (f FilterSpec) Validate() error {
	switch f.Kind {
	case FilterTrack, FilterFollow:
	default:
		return fmt.Errorf("unknown filter kind %q", f.Kind)
	}
	if len(f.Values) == 0 {
		return fmt.Errorf("%s: %w", f.Kind, ErrEmptyFilter)
	}
	return nil
}

// Item is one normalized stream event ready for archival.
type Item struct {
	ID           string
	AuthorHandle string
	Payload      json.RawMessage
	CanonicalURL string
}

// NewItem builds an Item that owns a private copy of payload.
func NewItem(id, author string, payload []byte, canonicalURL string) Item {
	return Item{
		ID:           id,
		AuthorHandle: author,
		Payload:      append(json.RawMessage(nil), payload...),
		CanonicalURL: canonicalURL,
	}
}

// Key returns the storage key "author/id".
func (i Item) Key() string {
	return i.AuthorHandle + "/" + i.ID
}

// EntryKind distinguishes the two files an item can produce.
type EntryKind string

// Archive entry kinds.
const (
	EntryStatus EntryKind = "status"
	EntryImage  EntryKind = "image"
)

// Entry reports the outcome of persisting one archive file.
type Entry struct {
	Kind EntryKind
	// Key is the path relative to the archive root, slash separated.
	Key string
	// Path is the absolute or root-relative filesystem path.
	Path string
	// Written is false when the file already existed and the call was a no-op.
	Written bool
	Data    []byte
	Digest  string
}

// ContentType returns the MIME type of the entry payload.
func (e Entry) ContentType() string {
	if e.Kind == EntryImage {
		return "image/png"
	}
	return "application/json; charset=utf-8"
}

// Notification announces a newly written archive entry.
type Notification struct {
	Kind       EntryKind `json:"kind"`
	Author     string    `json:"author"`
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Key        string    `json:"key"`
	BlobURI    string    `json:"blob_uri,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	ArchivedAt time.Time `json:"archived_at"`
}
