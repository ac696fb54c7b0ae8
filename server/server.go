// Package server exposes the assembled vulnerability cache over HTTP.
//
// All endpoints serve from the store; nothing here talks to the
// upstream sources. The one mutating endpoint hands off to the refresh
// runner and reports its result.
package server

import (
	"crypto/subtle"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/catalog"
	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/refresh"
	"github.com/vulnwatch/vulnwatch/store"
	"github.com/vulnwatch/vulnwatch/vuln"
)

var log = logging.Logger()

// Reader is the read-only slice of the pipeline store the API serves.
type Reader interface {
	Snapshot(window string) (vuln.Snapshot, error)
	UpdatedAt(window string) (time.Time, error)
	Cursor() (int, error)
}

// Trigger starts a refresh cycle on demand.
type Trigger interface {
	Run(now time.Time) (refresh.Result, error)
}

// Config wires the API's dependencies.
type Config struct {
	Store     Reader
	Catalog   *catalog.Catalog
	Trigger   Trigger
	BatchSize int

	// RefreshToken guards the refresh endpoint. Empty leaves it open,
	// which suits local and single-tenant deployments.
	RefreshToken string
}

type server struct {
	cfg Config
}

// New builds the HTTP application. The caller owns listening and
// shutdown.
func New(cfg Config) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "vulnwatch",
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})
	app.Use(fiberrecover.New())
	app.Use(fiberlogger.New())

	s := &server{cfg: cfg}
	app.Get("/healthz", s.health)

	api := app.Group("/api/v1")
	api.Post("/refresh", requireToken(cfg.RefreshToken), s.refresh)
	api.Get("/status", s.status)
	api.Get("/vulnerabilities/:window", s.window)
	api.Get("/vulnerabilities/:window/assets/:asset", s.asset)

	return app
}

// requireToken guards an endpoint with a static bearer token.
func requireToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		authz := c.Get(fiber.HeaderAuthorization)
		if subtle.ConstantTimeCompare([]byte(authz), []byte("Bearer "+token)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid or missing token",
			})
		}
		return c.Next()
	}
}

func (s *server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *server) refresh(c *fiber.Ctx) error {
	res, err := s.cfg.Trigger.Run(time.Now().UTC())
	if err != nil {
		if xerrors.Is(err, refresh.ErrInFlight) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "refresh already in flight",
			})
		}
		log.Errorw("requested refresh failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "refresh failed",
		})
	}
	return c.JSON(res)
}

func (s *server) status(c *fiber.Ctx) error {
	cursor, err := s.cfg.Store.Cursor()
	if err != nil {
		log.Errorw("failed to read batch cursor", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "status unavailable",
		})
	}

	type windowStatus struct {
		Window      string     `json:"window"`
		LastUpdated *time.Time `json:"lastUpdated"`
	}
	windows := vuln.Windows()
	statuses := make([]windowStatus, 0, len(windows))
	for _, w := range windows {
		ws := windowStatus{Window: w.Name}
		t, err := s.cfg.Store.UpdatedAt(w.Name)
		switch {
		case err == nil:
			ts := t
			ws.LastUpdated = &ts
		case !xerrors.Is(err, store.ErrNotFound):
			log.Warnw("failed to read window update time", "window", w.Name, "error", err)
		}
		statuses = append(statuses, ws)
	}

	assets := s.cfg.Catalog.Len()
	return c.JSON(fiber.Map{
		"assets": assets,
		"batch": fiber.Map{
			"cursor": cursor,
			"size":   s.cfg.BatchSize,
			"total":  (assets + s.cfg.BatchSize - 1) / s.cfg.BatchSize,
		},
		"windows": statuses,
	})
}

func (s *server) window(c *fiber.Ctx) error {
	snap, ok, err := s.snapshotFor(c)
	if !ok || err != nil {
		return err
	}
	return c.JSON(snap)
}

func (s *server) asset(c *fiber.Ctx) error {
	a, ok := s.cfg.Catalog.Asset(c.Params("asset"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown asset " + c.Params("asset"),
		})
	}
	snap, ok, err := s.snapshotFor(c)
	if !ok || err != nil {
		return err
	}
	records := snap.ByAsset[a.ID]
	if records == nil {
		records = []vuln.Record{}
	}
	return c.JSON(fiber.Map{
		"window":    snap.Window,
		"fetchedAt": snap.FetchedAt,
		"asset":     a,
		"records":   records,
	})
}

// snapshotFor resolves the :window parameter and loads its snapshot.
// ok false means the response has already been written: an unknown
// window is 404 and a window that has never finished an assembly is
// 503, so a fresh deployment reads as warming up rather than empty.
func (s *server) snapshotFor(c *fiber.Ctx) (vuln.Snapshot, bool, error) {
	name := c.Params("window")
	w, ok := vuln.WindowByName(name)
	if !ok {
		return vuln.Snapshot{}, false, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "unknown window " + name,
		})
	}
	snap, err := s.cfg.Store.Snapshot(w.Name)
	if err != nil {
		if xerrors.Is(err, store.ErrNotFound) {
			return vuln.Snapshot{}, false, c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
			})
		}
		log.Errorw("failed to read snapshot", "window", w.Name, "error", err)
		return vuln.Snapshot{}, false, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "snapshot unavailable",
		})
	}
	return snap, true, nil
}
