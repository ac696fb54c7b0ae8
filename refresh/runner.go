// Package refresh drives one end-to-end refresh cycle: select the
// batch the cursor points at, reconcile and enrich its slices, persist
// them, reassemble every window and cascade records from longer
// windows into shorter ones.
package refresh

import (
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/batch"
	"github.com/vulnwatch/vulnwatch/catalog"
	"github.com/vulnwatch/vulnwatch/enrich"
	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/metrics"
	"github.com/vulnwatch/vulnwatch/nvd"
	"github.com/vulnwatch/vulnwatch/snapshot"
	"github.com/vulnwatch/vulnwatch/store"
	"github.com/vulnwatch/vulnwatch/vuln"
)

var log = logging.Logger()

// ErrInFlight is returned when a refresh is requested while another one
// is still running.
var ErrInFlight = xerrors.New("refresh already in flight")

// Reconciler builds one asset's record set for a window.
type Reconciler interface {
	Reconcile(asset catalog.Asset, start, end time.Time) ([]vuln.Record, error)
}

// Store is the slice of the pipeline store the runner writes directly.
type Store interface {
	SaveAssetRecords(window, assetID string, records []vuln.Record) error
	SaveLimiterState(state any) error
	LimiterState(state any) error
}

// Result summarizes one finished cycle.
type Result struct {
	Batch    int      `json:"batch"`
	Next     int      `json:"next"`
	Assets   []string `json:"assets,omitempty"`
	Windows  []string `json:"windows,omitempty"`
	Promoted int      `json:"promoted"`
	NoOp     bool     `json:"noop,omitempty"`
	TookMS   int64    `json:"took_ms"`
}

// Runner executes refresh cycles. One runner serves the whole process;
// a Run call while another is in flight returns ErrInFlight instead of
// queueing.
type Runner struct {
	Scheduler  *batch.Scheduler
	Reconciler Reconciler
	Enrich     enrich.Stage
	Assembler  snapshot.Assembler
	Store      Store
	Limiter    *nvd.Limiter
	Assets     []catalog.Asset

	inFlight atomic.Bool
}

// Run executes one cycle. now anchors every window cutoff so all slices
// of the cycle share a single reference time.
//
// A source failure on one slice is logged and skipped, leaving the
// slice's cached data in place. A store write failure aborts the cycle.
func (r *Runner) Run(now time.Time) (Result, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrInFlight
	}
	defer r.inFlight.Store(false)

	started := time.Now()
	r.restoreLimiter()

	assets, current, err := r.Scheduler.Select()
	if err != nil {
		return Result{}, err
	}
	if len(assets) == 0 {
		// A cursor past the end of a shrunken catalog points at nothing.
		// Advance so the next cycle does real work.
		next, err := r.Scheduler.Advance()
		if err != nil {
			return Result{}, err
		}
		log.Infow("batch is empty, advancing cursor", "batch", current, "next", next)
		return Result{Batch: current, Next: next, NoOp: true, TookMS: time.Since(started).Milliseconds()}, nil
	}

	log.Infow("starting refresh cycle", "batch", current, "assets", len(assets))

	windows := vuln.Windows()
	for _, asset := range assets {
		for _, w := range windows {
			if err := r.refreshSlice(asset, w, now); err != nil {
				return Result{}, err
			}
		}
	}
	r.persistLimiter()

	// Snapshots always cover the full catalog, not just the refreshed
	// batch: untouched assets keep their cached slices.
	for _, w := range windows {
		snap, err := r.Assembler.Assemble(w, r.Assets, now)
		if err != nil {
			return Result{}, err
		}
		log.Infow("assembled window", "window", w.Name, "records", snap.Total())
	}
	promoted, err := r.Assembler.Cascade(r.Assets, now)
	if err != nil {
		return Result{}, err
	}

	next, err := r.Scheduler.Advance()
	if err != nil {
		return Result{}, err
	}

	took := time.Since(started)
	metrics.RefreshDuration.Observe(took.Seconds())
	log.Infow("refresh cycle finished", "batch", current, "next", next,
		"promoted", promoted, "took", took)

	return Result{
		Batch:    current,
		Next:     next,
		Assets:   lo.Map(assets, func(a catalog.Asset, _ int) string { return a.ID }),
		Windows:  lo.Map(windows, func(w vuln.Window, _ int) string { return w.Name }),
		Promoted: promoted,
		TookMS:   took.Milliseconds(),
	}, nil
}

func (r *Runner) refreshSlice(asset catalog.Asset, w vuln.Window, now time.Time) error {
	records, err := r.Reconciler.Reconcile(asset, w.Cutoff(now), now)
	if err != nil {
		log.Warnw("slice refresh failed, cached data stays",
			"asset", asset.ID, "window", w.Name, "error", err)
		return nil
	}
	if r.Enrich != nil {
		records = r.Enrich(records)
	}
	if err := r.Store.SaveAssetRecords(w.Name, asset.ID, records); err != nil {
		return xerrors.Errorf("failed to persist records for %s/%s: %w", w.Name, asset.ID, err)
	}
	return nil
}

// restoreLimiter carries backoff state across invocations so a restart
// cannot shed an earned penalty. A store without saved state is normal
// on first run.
func (r *Runner) restoreLimiter() {
	var s nvd.State
	if err := r.Store.LimiterState(&s); err != nil {
		if !xerrors.Is(err, store.ErrNotFound) {
			log.Warnw("failed to load limiter state", "error", err)
		}
		return
	}
	r.Limiter.Restore(s)
}

// persistLimiter is best effort: losing the state only resets backoff,
// it never loses vulnerability data.
func (r *Runner) persistLimiter() {
	if err := r.Store.SaveLimiterState(r.Limiter.State()); err != nil {
		log.Warnw("failed to persist limiter state", "error", err)
	}
}
