// Package snapshot rebuilds the per-window views of the cached
// per-asset records and cascades records from longer windows into
// shorter ones.
package snapshot

import (
	"time"

	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/catalog"
	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/metrics"
	"github.com/vulnwatch/vulnwatch/store"
	"github.com/vulnwatch/vulnwatch/vuln"
)

var log = logging.Logger()

// Store is the slice of the pipeline store assembly reads and writes.
type Store interface {
	AssetRecords(window, assetID string) ([]vuln.Record, error)
	Snapshot(window string) (vuln.Snapshot, error)
	SaveSnapshot(snap vuln.Snapshot) error
	SaveUpdatedAt(window string, t time.Time) error
}

// Assembler rebuilds assembled snapshots. It never patches one in
// place: every assembly reads all per-asset entries and writes a whole
// new snapshot.
type Assembler struct {
	store Store
}

// NewAssembler returns an assembler over the pipeline store.
func NewAssembler(s Store) Assembler {
	return Assembler{store: s}
}

// Assemble rebuilds the full snapshot of one window across all assets.
// An asset whose per-window entry is missing or undecodable keeps its
// slice from the previous snapshot, read before the assembly begins: a
// transient fetch failure or an expired cache entry must not erase
// previously known vulnerabilities. Store reads failing for any other
// reason abort the assembly.
func (a Assembler) Assemble(window vuln.Window, assets []catalog.Asset, now time.Time) (vuln.Snapshot, error) {
	prev, err := a.store.Snapshot(window.Name)
	if err != nil && !xerrors.Is(err, store.ErrNotFound) {
		return vuln.Snapshot{}, xerrors.Errorf("failed to read previous snapshot %s: %w", window.Name, err)
	}

	snap := vuln.NewSnapshot(window.Name, now)
	for _, asset := range assets {
		records, err := a.store.AssetRecords(window.Name, asset.ID)
		switch {
		case err == nil:
		case xerrors.Is(err, store.ErrNotFound), xerrors.Is(err, store.ErrCorrupt):
			records = prev.ByAsset[asset.ID]
			if len(records) > 0 {
				log.Warnw("keeping previous snapshot slice for asset",
					"window", window.Name, "asset", asset.ID, "records", len(records))
				metrics.CacheFallbacks.WithLabelValues(window.Name).Inc()
			}
		default:
			return vuln.Snapshot{}, xerrors.Errorf("failed to read records for %s/%s: %w", window.Name, asset.ID, err)
		}

		if len(records) == 0 {
			continue
		}
		snap.ByAsset[asset.ID] = records
		snap.All = append(snap.All, records...)
	}
	vuln.SortByRecency(snap.All)

	if err := a.store.SaveSnapshot(snap); err != nil {
		return vuln.Snapshot{}, xerrors.Errorf("failed to persist snapshot %s: %w", window.Name, err)
	}
	if err := a.store.SaveUpdatedAt(window.Name, now); err != nil {
		return vuln.Snapshot{}, xerrors.Errorf("failed to record assembly time for %s: %w", window.Name, err)
	}

	metrics.SnapshotRecords.WithLabelValues(window.Name).Set(float64(len(snap.All)))
	return snap, nil
}

// Cascade copies records discovered in longer windows into shorter ones
// that lack them. A record qualifies when the shorter window's snapshot
// does not contain its id for that asset and its published timestamp
// falls inside the shorter window. This keeps a vulnerability found by a
// broad, infrequent long-window fetch visible in narrower windows whose
// own fetch failed or missed it. Returns how many records moved.
func (a Assembler) Cascade(assets []catalog.Asset, now time.Time) (int, error) {
	windows := vuln.Windows()

	snaps := make([]vuln.Snapshot, len(windows))
	present := make([]bool, len(windows))
	for i, w := range windows {
		snap, err := a.store.Snapshot(w.Name)
		if err != nil {
			if xerrors.Is(err, store.ErrNotFound) {
				// Window never assembled: nothing to read or write.
				continue
			}
			return 0, xerrors.Errorf("failed to read snapshot %s: %w", w.Name, err)
		}
		snaps[i] = snap
		present[i] = true
	}

	var total int
	// Longest target first, so every shorter window sees the longer
	// ones' full contents.
	for ti := len(windows) - 2; ti >= 0; ti-- {
		if !present[ti] {
			continue
		}
		target := &snaps[ti]
		cutoff := windows[ti].Cutoff(now)

		promoted := 0
		for _, asset := range assets {
			current := target.ByAsset[asset.ID]
			seen := make(map[string]struct{}, len(current))
			for _, r := range current {
				seen[r.ID] = struct{}{}
			}

			appended := false
			for si := ti + 1; si < len(windows); si++ {
				if !present[si] {
					continue
				}
				for _, r := range snaps[si].ByAsset[asset.ID] {
					if _, ok := seen[r.ID]; ok {
						continue
					}
					if r.Published.Before(cutoff) {
						continue
					}
					seen[r.ID] = struct{}{}
					current = append(current, r)
					target.All = append(target.All, r)
					appended = true
					promoted++
				}
			}
			if appended {
				vuln.SortByRecency(current)
				target.ByAsset[asset.ID] = current
			}
		}

		if promoted == 0 {
			continue
		}
		vuln.SortByRecency(target.All)
		if err := a.store.SaveSnapshot(*target); err != nil {
			return total, xerrors.Errorf("failed to persist cascaded snapshot %s: %w", windows[ti].Name, err)
		}
		metrics.CascadePromotions.WithLabelValues(windows[ti].Name).Add(float64(promoted))
		log.Infow("cascaded records into shorter window",
			"window", windows[ti].Name, "promoted", promoted)
		total += promoted
	}
	return total, nil
}
