// Package batch rotates a persisted cursor over the asset catalog so a
// full refresh is spread across invocations, keeping each one inside the
// primary source's rate-limit budget.
package batch

import (
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/catalog"
)

// CursorStore persists the rotation cursor between invocations.
type CursorStore interface {
	Cursor() (int, error)
	SaveCursor(cursor int) error
}

// Scheduler selects the catalog slice the current invocation refreshes.
// The cursor is the pipeline's only long-lived mutable state and lives
// in the store, never in memory.
type Scheduler struct {
	cursors CursorStore
	assets  []catalog.Asset
	size    int
}

// NewScheduler builds a scheduler over the full catalog with the given
// batch size.
func NewScheduler(cursors CursorStore, assets []catalog.Asset, size int) *Scheduler {
	return &Scheduler{cursors: cursors, assets: assets, size: size}
}

// TotalBatches returns how many invocations a full catalog refresh takes.
func (s *Scheduler) TotalBatches() int {
	return (len(s.assets) + s.size - 1) / s.size
}

// Select returns the slice under the cursor together with the cursor
// value. A cursor past the end of the catalog, possible after the
// catalog shrinks, yields an empty slice, which the invocation reports
// as a no-op.
func (s *Scheduler) Select() ([]catalog.Asset, int, error) {
	cursor, err := s.load()
	if err != nil {
		return nil, 0, err
	}

	from := cursor * s.size
	if from >= len(s.assets) {
		return nil, cursor, nil
	}
	to := min(from+s.size, len(s.assets))

	out := make([]catalog.Asset, to-from)
	copy(out, s.assets[from:to])
	return out, cursor, nil
}

// Advance moves the cursor one batch forward, wrapping past the last
// batch to zero, and persists it.
func (s *Scheduler) Advance() (int, error) {
	cursor, err := s.load()
	if err != nil {
		return 0, err
	}

	next := (cursor + 1) % s.TotalBatches()
	if err := s.cursors.SaveCursor(next); err != nil {
		return 0, xerrors.Errorf("failed to persist batch cursor: %w", err)
	}
	return next, nil
}

func (s *Scheduler) load() (int, error) {
	cursor, err := s.cursors.Cursor()
	if err != nil {
		return 0, xerrors.Errorf("failed to load batch cursor: %w", err)
	}
	if cursor < 0 {
		cursor = 0
	}
	return cursor, nil
}
