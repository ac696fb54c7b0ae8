package vuln

import "time"

// Snapshot is the assembled view of one lookback window across all
// assets. It is rebuilt wholesale on every assembly cycle, never patched
// in place.
type Snapshot struct {
	Window    string              `json:"window"`
	FetchedAt time.Time           `json:"fetchedAt"`
	ByAsset   map[string][]Record `json:"byAsset"`
	All       []Record            `json:"all"`
}

// NewSnapshot returns an empty snapshot for the named window.
func NewSnapshot(window string, fetchedAt time.Time) Snapshot {
	return Snapshot{
		Window:    window,
		FetchedAt: fetchedAt,
		ByAsset:   map[string][]Record{},
		All:       []Record{},
	}
}

// Total returns the number of records in the merged view.
func (s Snapshot) Total() int {
	return len(s.All)
}
