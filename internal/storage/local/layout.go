package local

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/receipts/internal/archiver"
)

const (
	statusDir = "status"
	imagesDir = "images"
)

// Layout maps (author, id) pairs onto the archive directory tree.
type Layout struct {
	Root string
}

// StatusKey returns the root-relative key of an item's JSON record.
func (l Layout) StatusKey(author, id string) string {
	return author + "/" + statusDir + "/" + id + ".json"
}

// ImageKey returns the root-relative key of an item's rendered snapshot.
func (l Layout) ImageKey(author, id string) string {
	return author + "/" + imagesDir + "/" + id + ".png"
}

// StatusPath returns {root}/{author}/status/{id}.json.
func (l Layout) StatusPath(author, id string) (string, error) {
	if err := ValidateKey(author, id); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, author, statusDir, id+".json"), nil
}

// ImagePath returns {root}/{author}/images/{id}.png.
func (l Layout) ImagePath(author, id string) (string, error) {
	if err := ValidateKey(author, id); err != nil {
		return "", err
	}
	return filepath.Join(l.Root, author, imagesDir, id+".png"), nil
}

// ValidateKey rejects components that would escape their partition.
func ValidateKey(author, id string) error {
	for _, part := range []string{author, id} {
		switch {
		case strings.TrimSpace(part) == "":
			return fmt.Errorf("empty component: %w", archiver.ErrInvalidKey)
		case part == "." || part == "..":
			return fmt.Errorf("component %q: %w", part, archiver.ErrInvalidKey)
		case strings.ContainsAny(part, `/\`) || strings.ContainsRune(part, 0):
			return fmt.Errorf("component %q: %w", part, archiver.ErrInvalidKey)
		}
	}
	return nil
}
