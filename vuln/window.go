package vuln

import "time"

// Window is a fixed lookback duration over which vulnerabilities are
// queried and cached.
type Window struct {
	Name     string
	Duration time.Duration
}

// The supported lookback windows, shortest first. The longest stays under
// the primary source's 120-day range ceiling for a single query.
var windows = []Window{
	{Name: "24h", Duration: 24 * time.Hour},
	{Name: "7d", Duration: 7 * 24 * time.Hour},
	{Name: "30d", Duration: 30 * 24 * time.Hour},
	{Name: "90d", Duration: 90 * 24 * time.Hour},
	{Name: "119d", Duration: 119 * 24 * time.Hour},
}

// Windows returns the supported lookback windows ordered shortest first.
func Windows() []Window {
	out := make([]Window, len(windows))
	copy(out, windows)
	return out
}

// WindowByName resolves a window identifier such as "7d".
func WindowByName(name string) (Window, bool) {
	for _, w := range windows {
		if w.Name == name {
			return w, true
		}
	}
	return Window{}, false
}

// Cutoff returns the start of the window relative to now.
func (w Window) Cutoff(now time.Time) time.Time {
	return now.Add(-w.Duration)
}
