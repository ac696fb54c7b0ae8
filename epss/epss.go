// Package epss looks up exploitation-probability scores from the
// scoring service. Lookups are batched; identifiers the service does not
// know are silently absent from the result.
package epss

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/metrics"
	"github.com/vulnwatch/vulnwatch/utils"
)

const (
	apiURL       = "https://api.first.org/data/v1/epss"
	maxBatchSize = 100
	retry        = 2
)

var log = logging.Logger()

type options struct {
	url       string
	batchSize int
	retry     int
}

type option func(*options)

// WithURL overrides the scoring service endpoint.
func WithURL(url string) option {
	return func(opts *options) { opts.url = url }
}

// WithBatchSize overrides the batch size cap.
func WithBatchSize(batchSize int) option {
	return func(opts *options) { opts.batchSize = batchSize }
}

// WithRetry overrides the fetch retry count.
func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

// Client fetches exploitation-probability scores.
type Client struct {
	*options
}

// NewClient builds a client with the service defaults.
func NewClient(opts ...option) Client {
	o := &options{
		url:       apiURL,
		batchSize: maxBatchSize,
		retry:     retry,
	}
	for _, opt := range opts {
		opt(o)
	}
	return Client{options: o}
}

// Score is one identifier's lookup result. Both values are in [0, 1].
type Score struct {
	Score      float64
	Percentile float64
}

type apiResponse struct {
	Status string  `json:"status"`
	Data   []entry `json:"data"`
}

// The service reports scores as decimal strings.
type entry struct {
	CVE        string `json:"cve"`
	EPSS       string `json:"epss"`
	Percentile string `json:"percentile"`
	Date       string `json:"date"`
}

// FetchScores looks up scores for the given identifiers in capped,
// comma-joined batches.
func (c Client) FetchScores(ids []string) (map[string]Score, error) {
	scores := make(map[string]Score, len(ids))
	for _, batch := range lo.Chunk(lo.Uniq(ids), c.batchSize) {
		if err := c.fetchBatch(batch, scores); err != nil {
			return nil, err
		}
	}
	return scores, nil
}

func (c Client) fetchBatch(ids []string, out map[string]Score) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return xerrors.Errorf("unable to parse base url %q: %w", c.url, err)
	}
	// Identifiers are comma-joined uncoded; the service rejects nothing
	// either way but this keeps request logs readable.
	u.RawQuery = "cve=" + strings.Join(ids, ",")

	metrics.FetchRequests.WithLabelValues("epss").Inc()
	res, err := utils.FetchURL(u.String(), "", c.retry)
	if err != nil {
		metrics.FetchFailures.WithLabelValues("epss").Inc()
		return xerrors.Errorf("failed to fetch scores for batch of %d: %w", len(ids), err)
	}

	var resp apiResponse
	if err := json.Unmarshal(res, &resp); err != nil {
		metrics.FetchFailures.WithLabelValues("epss").Inc()
		return xerrors.Errorf("failed to unmarshal scoring response: %w", err)
	}

	for _, e := range resp.Data {
		score, serr := strconv.ParseFloat(e.EPSS, 64)
		pct, perr := strconv.ParseFloat(e.Percentile, 64)
		if serr != nil || perr != nil {
			log.Debugw("unparsable score entry", "id", e.CVE, "epss", e.EPSS, "percentile", e.Percentile)
			continue
		}
		out[e.CVE] = Score{Score: score, Percentile: pct}
	}
	return nil
}
