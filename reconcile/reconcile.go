// Package reconcile merges per-asset results from the primary and
// secondary sources into one deduplicated, validated, recency-ordered
// record set.
package reconcile

import (
	"time"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/catalog"
	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/vuln"
)

var log = logging.Logger()

// PrimarySource queries the vulnerability database per asset and window.
type PrimarySource interface {
	FetchByKeyword(keyword string, start, end time.Time) ([]vuln.Record, error)
	FetchByCPE(vendor, product string, start, end time.Time) ([]vuln.Record, error)
}

// ExploitedSource reports the exploited-vulnerability catalog entries
// concerning an asset within a window.
type ExploitedSource interface {
	Matches(asset catalog.Asset, start, end time.Time) ([]vuln.Record, error)
}

// Reconciler builds the per-asset-per-window record set.
type Reconciler struct {
	primary   PrimarySource
	exploited ExploitedSource
}

// New returns a reconciler over the two sources.
func New(primary PrimarySource, exploited ExploitedSource) Reconciler {
	return Reconciler{primary: primary, exploited: exploited}
}

// Reconcile fetches, merges and validates one asset's records for
// [start, end]. A primary-source failure fails the call so the caller
// can treat the slice as having no new data; a secondary-source failure
// only costs the exploitation annotations.
func (r Reconciler) Reconcile(asset catalog.Asset, start, end time.Time) ([]vuln.Record, error) {
	merged := map[string]vuln.Record{}

	if keyword := asset.PrimaryKeyword(); keyword != "" {
		records, err := r.primary.FetchByKeyword(keyword, start, end)
		if err != nil {
			return nil, xerrors.Errorf("keyword search for asset %s: %w", asset.ID, err)
		}
		mergeInto(merged, records)
	}
	if asset.HasCPE() {
		records, err := r.primary.FetchByCPE(asset.CPEVendor, asset.CPEProduct, start, end)
		if err != nil {
			return nil, xerrors.Errorf("cpe search for asset %s: %w", asset.ID, err)
		}
		mergeInto(merged, records)
	}

	records := publishedWithin(lo.Values(merged), start, end)
	records = catalog.Validate(asset.ID, records)
	records = stripDeadReferences(records)
	records = r.mergeExploited(records, asset, start, end)

	vuln.SortByRecency(records)
	return records, nil
}

// mergeInto deduplicates by id. A recently-modified variant always wins
// over one that is not; ties go to the later lastModified.
func mergeInto(dst map[string]vuln.Record, records []vuln.Record) {
	for _, r := range records {
		cur, ok := dst[r.ID]
		if !ok || prefer(r, cur) {
			dst[r.ID] = r
		}
	}
}

func prefer(a, b vuln.Record) bool {
	if a.RecentlyModified != b.RecentlyModified {
		return a.RecentlyModified
	}
	return a.LastModified.After(b.LastModified)
}

// publishedWithin drops records whose published timestamp falls outside
// [start, end]. lastModified is deliberately not considered: upstream
// touches metadata far more often than it meaningfully updates a record,
// and filtering on it would resurrect stale entries under misleading
// dates.
func publishedWithin(records []vuln.Record, start, end time.Time) []vuln.Record {
	return lo.Filter(records, func(r vuln.Record, _ int) bool {
		return !r.Published.Before(start) && !r.Published.After(end)
	})
}

// mergeExploited folds the exploited-vulnerability matches into the
// primary results. Presence in the catalog always sets the exploitation
// flag and attaches the remediation metadata; entries only the catalog
// knows are appended even when the asset's validator would reject them,
// because the catalog is authoritative for its entries.
func (r Reconciler) mergeExploited(records []vuln.Record, asset catalog.Asset, start, end time.Time) []vuln.Record {
	matches, err := r.exploited.Matches(asset, start, end)
	if err != nil {
		log.Warnw("exploited-catalog matching failed, keeping primary results only",
			"asset", asset.ID, "error", err)
		return records
	}

	index := make(map[string]int, len(records))
	for i, r := range records {
		index[r.ID] = i
	}
	for _, m := range matches {
		if i, ok := index[m.ID]; ok {
			records[i].ActivelyExploited = true
			records[i].CISA = m.CISA
			continue
		}
		records = append(records, m)
	}
	return records
}
