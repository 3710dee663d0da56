// Package local implements the filesystem archive store.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/receipts/internal/archiver"
)

// Config captures the parameters for the filesystem archive.
type Config struct {
	// Root is the archive directory; partitions are created beneath it.
	Root string `mapstructure:"archive" yaml:"archive"`
}

// Store writes item records under Root, first write wins.
type Store struct {
	layout Layout
	hasher archiver.Hasher
}

// New creates the archive root if needed and verifies it is a writable directory.
func New(cfg Config, hasher archiver.Hasher) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("archive root is required")
	}

	info, err := os.Stat(cfg.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat archive root: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.Root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create archive root: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("archive root %s is not a directory", cfg.Root)
	}

	probe, err := os.CreateTemp(cfg.Root, ".writable_test")
	if err != nil {
		return nil, fmt.Errorf("archive root is not writable: %w", err)
	}
	name := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close probe file: %w", err)
	}
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("failed to clean up probe file: %w", err)
	}

	return &Store{
		layout: Layout{Root: cfg.Root},
		hasher: hasher,
	}, nil
}

// Layout exposes the path scheme so snapshot capture writes siblings of the JSON records.
func (s *Store) Layout() Layout {
	return s.layout
}

// Has reports whether the JSON record for (author, id) exists.
func (s *Store) Has(author, id string) bool {
	path, err := s.layout.StatusPath(author, id)
	if err != nil {
		return false
	}
	return Exists(path)
}

// PutJSON writes the item's payload as canonical JSON unless the record already exists.
func (s *Store) PutJSON(ctx context.Context, item archiver.Item) (archiver.Entry, error) {
	path, err := s.layout.StatusPath(item.AuthorHandle, item.ID)
	if err != nil {
		return archiver.Entry{}, err
	}
	entry := archiver.Entry{
		Kind: archiver.EntryStatus,
		Key:  s.layout.StatusKey(item.AuthorHandle, item.ID),
		Path: path,
	}
	if err := ctx.Err(); err != nil {
		return entry, fmt.Errorf("context canceled: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return entry, fmt.Errorf("creating status dir for %s: %w", path, err)
	}
	if Exists(path) {
		return entry, nil
	}

	data, err := CanonicalJSON(item.Payload)
	if err != nil {
		return entry, fmt.Errorf("encode %s: %w", entry.Key, err)
	}
	if err := WriteFileAtomic(path, bytes.NewReader(data)); err != nil {
		return entry, err
	}
	entry.Written = true
	entry.Data = data
	if s.hasher != nil {
		digest, err := s.hasher.Hash(data)
		if err != nil {
			return entry, fmt.Errorf("hash %s: %w", entry.Key, err)
		}
		entry.Digest = digest
	}
	return entry, nil
}

// CanonicalJSON re-encodes payload with sorted object keys, preserved number literals,
// and no HTML escaping.
func CanonicalJSON(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode payload: trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteFileAtomic writes r to a temp file beside path, syncs it, and renames it into place,
// so readers never observe a partial file.
func WriteFileAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is present on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
