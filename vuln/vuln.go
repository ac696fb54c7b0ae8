package vuln

import (
	"sort"
	"time"
)

// Severity is the qualitative rating reported by the primary source.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityNone     Severity = "NONE"
	SeverityUnknown  Severity = "UNKNOWN"
)

// Provenance tags for Record.Source.
const (
	SourceNVD = "nvd"
	SourceKEV = "cisa-kev"
)

// Reference is an advisory link attached to a record upstream.
type Reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// CISAData is the remediation metadata carried by the exploited-vulnerability
// catalog for its entries.
type CISAData struct {
	DateAdded          time.Time `json:"dateAdded"`
	DueDate            time.Time `json:"dueDate,omitempty"`
	RequiredAction     string    `json:"requiredAction,omitempty"`
	KnownRansomwareUse string    `json:"knownRansomwareCampaignUse,omitempty"`
	Notes              string    `json:"notes,omitempty"`
}

// Technique is an ATT&CK technique reference added by enrichment.
type Technique struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ThreatActor is an attribution entry added by enrichment.
type ThreatActor struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Record is the unit of data flowing through the pipeline. ID is the dedup
// key within one asset+window bucket; records with the same ID from
// different sources are merged, never duplicated.
type Record struct {
	ID               string      `json:"id"`
	Published        time.Time   `json:"published"`
	LastModified     time.Time   `json:"lastModified"`
	Description      string      `json:"description"`
	Severity         Severity    `json:"severity"`
	CVSSScore        *float64    `json:"cvssScore,omitempty"`
	References       []Reference `json:"references,omitempty"`
	AffectedProducts []string    `json:"affectedProducts,omitempty"`
	Source           string      `json:"source"`

	// RecentlyModified marks a record whose lastModified fell inside the
	// queried window while published did not. The merge rule prefers the
	// marked variant when the same ID arrives from two searches.
	RecentlyModified bool `json:"recentlyModified,omitempty"`

	// Enrichment-added fields. All optional; a skipped stage leaves its
	// fields zero-valued.
	ActivelyExploited bool          `json:"activelyExploited,omitempty"`
	CISA              *CISAData     `json:"cisaData,omitempty"`
	EPSSScore         *float64      `json:"epssScore,omitempty"`
	EPSSPercentile    *float64      `json:"epssPercentile,omitempty"`
	Techniques        []Technique   `json:"attackTechniques,omitempty"`
	ThreatActors      []ThreatActor `json:"threatActors,omitempty"`
}

// Recency returns the later of Published and LastModified. Snapshots are
// ordered most-recent-first by this value.
func (r Record) Recency() time.Time {
	if r.LastModified.After(r.Published) {
		return r.LastModified
	}
	return r.Published
}

// SortByRecency orders records most-recent-first, breaking ties by ID so
// repeated assemblies of the same data stay stable.
func SortByRecency(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := records[i].Recency(), records[j].Recency()
		if ri.Equal(rj) {
			return records[i].ID < records[j].ID
		}
		return ri.After(rj)
	})
}

// ParseSeverity normalizes an upstream severity string.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityNone:
		return Severity(s)
	}
	return SeverityUnknown
}
