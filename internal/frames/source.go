// Package frames provides frame sources for the synchroniser.
package frames

import (
	"context"
	"errors"

	"github.com/banshee-data/framesync/internal/correlate"
)

// ErrAcquisition is returned when a source can no longer deliver frames.
// It ends the capture session.
var ErrAcquisition = errors.New("frame acquisition failed")

// Source delivers frames one at a time. Every frame returned by Acquire must
// be handed back to Release exactly once.
type Source interface {
	Acquire(ctx context.Context) (correlate.Frame, error)
	Release(f correlate.Frame)
}

// SourceStats counts buffer traffic through a Source.
type SourceStats struct {
	Acquired       uint64 `json:"acquired"`
	Released       uint64 `json:"released"`
	Outstanding    int    `json:"outstanding"`
	DoubleReleases uint64 `json:"double_releases"`
}
