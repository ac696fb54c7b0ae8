// Package kev fetches the authoritative exploited-vulnerability catalog
// and matches its entries against monitored assets. The catalog is a
// single static document: it is fetched whole, cached for an hour, and
// matched client-side.
package kev

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/catalog"
	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/metrics"
	"github.com/vulnwatch/vulnwatch/store"
	"github.com/vulnwatch/vulnwatch/utils"
	"github.com/vulnwatch/vulnwatch/vuln"
)

const (
	catalogURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	cacheTTL   = time.Hour
	retry      = 3
)

var log = logging.Logger()

// Cache stores the raw catalog document between fetches. A missing or
// expired entry is reported as store.ErrNotFound.
type Cache interface {
	SaveKEVCatalog(data []byte, ttl time.Duration) error
	KEVCatalog() ([]byte, error)
}

type options struct {
	url   string
	retry int
	ttl   time.Duration
	cache Cache
}

type option func(*options)

// WithURL overrides the catalog location.
func WithURL(url string) option {
	return func(opts *options) { opts.url = url }
}

// WithRetry overrides the fetch retry count.
func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

// WithCacheTTL overrides how long a fetched catalog stays valid.
func WithCacheTTL(ttl time.Duration) option {
	return func(opts *options) { opts.ttl = ttl }
}

// WithCache attaches a catalog cache, typically the pipeline store.
func WithCache(cache Cache) option {
	return func(opts *options) { opts.cache = cache }
}

// Client fetches and matches the exploited-vulnerability catalog.
type Client struct {
	*options
}

// NewClient builds a client. Without a cache every FetchCatalog call
// hits the network.
func NewClient(opts ...option) Client {
	o := &options{
		url:   catalogURL,
		retry: retry,
		ttl:   cacheTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return Client{options: o}
}

// FetchCatalog returns the catalog, served from cache while a fresh copy
// exists. A cache-store failure other than a miss is fatal for the call.
func (c Client) FetchCatalog() (Catalog, error) {
	if c.cache != nil {
		b, err := c.cache.KEVCatalog()
		switch {
		case err == nil:
			ctl, perr := parseCatalog(b)
			if perr == nil {
				return ctl, nil
			}
			log.Warnw("cached exploited-vulnerability catalog is corrupt, refetching", "error", perr)
		case !xerrors.Is(err, store.ErrNotFound):
			return Catalog{}, xerrors.Errorf("failed to read cached catalog: %w", err)
		}
	}

	log.Infow("fetching exploited-vulnerability catalog", "url", c.url)
	metrics.FetchRequests.WithLabelValues(vuln.SourceKEV).Inc()
	res, err := utils.FetchURL(c.url, "", c.retry)
	if err != nil {
		metrics.FetchFailures.WithLabelValues(vuln.SourceKEV).Inc()
		return Catalog{}, xerrors.Errorf("failed to fetch exploited-vulnerability catalog: %w", err)
	}
	ctl, err := parseCatalog(res)
	if err != nil {
		metrics.FetchFailures.WithLabelValues(vuln.SourceKEV).Inc()
		return Catalog{}, err
	}

	if c.cache != nil {
		if err := c.cache.SaveKEVCatalog(res, c.ttl); err != nil {
			return Catalog{}, xerrors.Errorf("failed to cache catalog: %w", err)
		}
	}
	return ctl, nil
}

func parseCatalog(b []byte) (Catalog, error) {
	var ctl Catalog
	if err := json.Unmarshal(b, &ctl); err != nil {
		return Catalog{}, xerrors.Errorf("failed to unmarshal catalog: %w", err)
	}
	if ctl.Count != len(ctl.Vulnerabilities) {
		return Catalog{}, xerrors.Errorf("catalog count mismatch: count %d, vulnerabilities %d",
			ctl.Count, len(ctl.Vulnerabilities))
	}
	return ctl, nil
}

// Matches fetches the catalog and returns the entries concerning the
// asset within [start, end].
func (c Client) Matches(asset catalog.Asset, start, end time.Time) ([]vuln.Record, error) {
	ctl, err := c.FetchCatalog()
	if err != nil {
		return nil, err
	}
	return c.MatchAsset(ctl, asset, start, end), nil
}

// MatchAsset returns the catalog entries that concern the asset and were
// added within [start, end], converted to records. Matching is substring
// based over the entry's vendor, product and vulnerability name.
func (c Client) MatchAsset(ctl Catalog, asset catalog.Asset, start, end time.Time) []vuln.Record {
	var records []vuln.Record
	for _, e := range ctl.Vulnerabilities {
		added := parseDate(e.DateAdded)
		if added.Before(start) || added.After(end) {
			continue
		}
		if !matches(e, asset) {
			continue
		}
		records = append(records, e.toRecord(added))
	}
	return records
}

func matches(e Entry, a catalog.Asset) bool {
	haystack := strings.ToLower(e.VendorProject + " " + e.Product + " " + e.VulnerabilityName)
	if a.Vendor != "" && a.Name != "" &&
		strings.Contains(haystack, strings.ToLower(a.Vendor)) &&
		strings.Contains(haystack, strings.ToLower(a.Name)) {
		return true
	}
	for _, kw := range a.Keywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// toRecord converts a catalog entry. The catalog is authoritative for
// exploitation, so every converted record is actively exploited and
// carries the remediation metadata.
func (e Entry) toRecord(added time.Time) vuln.Record {
	return vuln.Record{
		ID:                e.CveID,
		Published:         added,
		LastModified:      added,
		Description:       e.ShortDescription,
		Severity:          vuln.SeverityUnknown,
		Source:            vuln.SourceKEV,
		ActivelyExploited: true,
		CISA: &vuln.CISAData{
			DateAdded:          added,
			DueDate:            parseDate(e.DueDate),
			RequiredAction:     e.RequiredAction,
			KnownRansomwareUse: e.KnownRansomwareCampaignUse,
			Notes:              e.Notes,
		},
	}
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		log.Debugw("unparsable date in exploited-vulnerability catalog", "value", s, "error", err)
		return time.Time{}
	}
	return t
}
