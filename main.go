package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/batch"
	"github.com/vulnwatch/vulnwatch/catalog"
	"github.com/vulnwatch/vulnwatch/config"
	"github.com/vulnwatch/vulnwatch/enrich"
	"github.com/vulnwatch/vulnwatch/epss"
	"github.com/vulnwatch/vulnwatch/kev"
	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/metrics"
	"github.com/vulnwatch/vulnwatch/nvd"
	"github.com/vulnwatch/vulnwatch/reconcile"
	"github.com/vulnwatch/vulnwatch/refresh"
	"github.com/vulnwatch/vulnwatch/server"
	"github.com/vulnwatch/vulnwatch/snapshot"
	"github.com/vulnwatch/vulnwatch/store"
)

const gcInterval = 10 * time.Minute

var log = logging.Logger()

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return xerrors.Errorf("configuration error: %w", err)
	}

	assets, err := catalog.Load(afero.NewOsFs(), cfg.AssetsFile)
	if err != nil {
		return err
	}
	log.Infow("asset catalog loaded", "file", cfg.AssetsFile, "assets", assets.Len())

	st, err := store.Open(cfg.DataDir, cfg.CacheTTL)
	if err != nil {
		return err
	}
	defer st.Close()

	limiter := nvd.NewLimiter(cfg.NVDAPIKey != "")
	primary := nvd.NewClient(
		nvd.WithBaseURL(cfg.NVDAPIURL),
		nvd.WithAPIKey(cfg.NVDAPIKey),
		nvd.WithPageSize(cfg.PageSize),
		nvd.WithLimiter(limiter),
	)
	exploited := kev.NewClient(
		kev.WithURL(cfg.KEVURL),
		kev.WithCache(st),
	)

	runner := &refresh.Runner{
		Scheduler:  batch.NewScheduler(st, assets.Assets(), cfg.BatchSize),
		Reconciler: reconcile.New(primary, exploited),
		Enrich: enrich.Compose(
			enrich.Techniques(),
			enrich.Scores(epss.NewClient(epss.WithURL(cfg.EPSSURL))),
			enrich.Actors(),
		),
		Assembler: snapshot.NewAssembler(st),
		Store:     st,
		Limiter:   limiter,
		Assets:    assets.Assets(),
	}

	var cr *cron.Cron
	if cfg.CronSpec != "" {
		cr = cron.New()
		if _, err := cr.AddFunc(cfg.CronSpec, func() { runCycle(runner) }); err != nil {
			return xerrors.Errorf("invalid CRON_SPEC %q: %w", cfg.CronSpec, err)
		}
		cr.Start()
		log.Infow("scheduled refresh enabled", "spec", cfg.CronSpec)
	}

	gcDone := make(chan struct{})
	go runStoreGC(st, gcDone)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Infow("metrics listener started", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !xerrors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics listener failed", "error", err)
			}
		}()
	}

	app := server.New(server.Config{
		Store:        st,
		Catalog:      assets,
		Trigger:      runner,
		BatchSize:    cfg.BatchSize,
		RefreshToken: cfg.RefreshToken,
	})
	listenErr := make(chan error, 1)
	go func() {
		log.Infow("api listener started", "addr", cfg.ListenAddr)
		listenErr <- app.Listen(cfg.ListenAddr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Infow("shutting down", "signal", s)
	case err := <-listenErr:
		return xerrors.Errorf("api listener failed: %w", err)
	}

	close(gcDone)
	if cr != nil {
		cr.Stop()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	if err := app.Shutdown(); err != nil {
		log.Warnw("api shutdown failed", "error", err)
	}
	return nil
}

// runCycle is the cron entry point. Overlapping ticks are dropped, not
// queued: a cycle that outlives the cadence must not pile up behind
// itself.
func runCycle(runner *refresh.Runner) {
	res, err := runner.Run(time.Now().UTC())
	if err != nil {
		if xerrors.Is(err, refresh.ErrInFlight) {
			log.Warnw("previous refresh still running, skipping tick")
			return
		}
		log.Errorw("scheduled refresh failed", "error", err)
		return
	}
	log.Infow("scheduled refresh finished",
		"batch", res.Batch, "next", res.Next, "noop", res.NoOp, "took_ms", res.TookMS)
}

// runStoreGC reclaims value-log space until done closes. Badger only
// rewrites when enough garbage has accumulated, so the tick is cheap.
func runStoreGC(st *store.Store, done <-chan struct{}) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := st.RunGC(); err != nil {
				log.Warnw("store gc failed", "error", err)
			}
		case <-done:
			return
		}
	}
}
