package headless

import (
	"context"

	"github.com/JakeFAU/receipts/internal/archiver"
)

// Noop implements archiver.BrowserOpener for builds or hosts without Chrome.
// Every Open fails with archiver.ErrBrowserUnavailable.
type Noop struct{}

// NewNoop creates a new Noop opener.
func NewNoop() *Noop {
	return &Noop{}
}

// Open always reports that no browser is available.
func (Noop) Open(_ context.Context) (archiver.Browser, error) {
	return nil, archiver.ErrBrowserUnavailable
}
