// Package config collects the runtime configuration from the environment.
package config

import (
	"strconv"
	"time"

	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/utils"
)

const (
	defaultNVDAPIURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	defaultKEVURL    = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	defaultEPSSURL   = "https://api.first.org/data/v1/epss"

	// The primary source caps a single query's page size at 2000.
	maxPageSize = 2000
)

// Config is the full runtime configuration. Loaded once at startup;
// invalid values fail the process before any cycle runs.
type Config struct {
	NVDAPIURL    string
	NVDAPIKey    string
	KEVURL       string
	EPSSURL      string
	AssetsFile   string
	DataDir      string
	ListenAddr   string
	MetricsAddr  string
	RefreshToken string
	CronSpec     string
	BatchSize    int
	PageSize     int
	CacheTTL     time.Duration
}

// Load reads the environment and validates it.
func Load() (Config, error) {
	c := Config{
		NVDAPIURL:    utils.LookupEnv("NVD_API_URL", defaultNVDAPIURL),
		NVDAPIKey:    utils.LookupEnv("NVD_API_KEY", ""),
		KEVURL:       utils.LookupEnv("KEV_URL", defaultKEVURL),
		EPSSURL:      utils.LookupEnv("EPSS_URL", defaultEPSSURL),
		AssetsFile:   utils.LookupEnv("ASSETS_FILE", "assets.yaml"),
		DataDir:      utils.LookupEnv("DATA_DIR", "./data"),
		ListenAddr:   utils.LookupEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:  utils.LookupEnv("METRICS_ADDR", ""),
		RefreshToken: utils.LookupEnv("REFRESH_TOKEN", ""),
		CronSpec:     utils.LookupEnv("CRON_SPEC", ""),
	}

	var err error
	if c.BatchSize, err = intEnv("BATCH_SIZE", 3); err != nil {
		return Config{}, err
	}
	if c.BatchSize < 1 {
		return Config{}, xerrors.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}

	if c.PageSize, err = intEnv("PAGE_SIZE", maxPageSize); err != nil {
		return Config{}, err
	}
	if c.PageSize < 1 || c.PageSize > maxPageSize {
		return Config{}, xerrors.Errorf("PAGE_SIZE must be in [1, %d], got %d", maxPageSize, c.PageSize)
	}

	ttl := utils.LookupEnv("CACHE_TTL", "72h")
	if c.CacheTTL, err = time.ParseDuration(ttl); err != nil {
		return Config{}, xerrors.Errorf("invalid CACHE_TTL %q: %w", ttl, err)
	}
	if c.CacheTTL <= 0 {
		return Config{}, xerrors.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}

	return c, nil
}

func intEnv(key string, defaultValue int) (int, error) {
	val := utils.LookupEnv(key, "")
	if val == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, xerrors.Errorf("invalid %s %q: %w", key, val, err)
	}
	return n, nil
}
