// Package nvd queries the primary vulnerability database. Every request
// passes through a shared rate limiter; a rate-limit rejection backs off
// and retries exactly once.
package nvd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/parnurzeal/gorequest"
	"golang.org/x/xerrors"

	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/metrics"
	"github.com/vulnwatch/vulnwatch/vuln"
)

const (
	apiURL         = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	nvdTimeFormat  = "2006-01-02T15:04:05"
	maxPageSize    = 2000
	requestTimeout = 30 * time.Second
)

var log = logging.Logger()

type options struct {
	baseURL  string
	apiKey   string
	pageSize int
	limiter  *Limiter
}

type option func(*options)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(baseURL string) option {
	return func(opts *options) {
		opts.baseURL = baseURL
	}
}

// WithAPIKey sets the API credential sent with every request.
func WithAPIKey(apiKey string) option {
	return func(opts *options) {
		opts.apiKey = apiKey
	}
}

// WithPageSize overrides the page size used for pagination.
func WithPageSize(pageSize int) option {
	return func(opts *options) {
		opts.pageSize = pageSize
	}
}

// WithLimiter injects a shared rate limiter, typically restored from the
// store.
func WithLimiter(limiter *Limiter) option {
	return func(opts *options) {
		opts.limiter = limiter
	}
}

// Client fetches vulnerability records from the primary source.
type Client struct {
	*options
}

// NewClient builds a client. Without an explicit limiter it creates one
// tuned to whether an API key is configured.
func NewClient(opts ...option) Client {
	o := &options{
		baseURL:  apiURL,
		apiKey:   os.Getenv("NVD_API_KEY"),
		pageSize: maxPageSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limiter == nil {
		o.limiter = NewLimiter(o.apiKey != "")
	}
	return Client{options: o}
}

// Limiter returns the shared rate limiter, so callers can persist its
// state after a cycle.
func (c Client) Limiter() *Limiter {
	return c.limiter
}

// FetchByKeyword returns every record matching the keyword whose last
// modification falls within [start, end]. Filtering on the published
// timestamp is the reconciler's job.
func (c Client) FetchByKeyword(keyword string, start, end time.Time) ([]vuln.Record, error) {
	params := url.Values{}
	params.Set("keywordSearch", keyword)
	return c.fetchAll(params, start, end)
}

// FetchByCPE returns every record whose configurations match the CPE
// vendor/product pair within [start, end].
func (c Client) FetchByCPE(vendor, product string, start, end time.Time) ([]vuln.Record, error) {
	params := url.Values{}
	params.Set("virtualMatchString", fmt.Sprintf("cpe:2.3:*:%s:%s", vendor, product))
	return c.fetchAll(params, start, end)
}

func (c Client) fetchAll(params url.Values, start, end time.Time) ([]vuln.Record, error) {
	var records []vuln.Record

	startIndex := 0
	for {
		pageURL, err := c.pageURL(params, start, end, startIndex)
		if err != nil {
			return nil, err
		}
		page, err := c.getPage(pageURL)
		if err != nil {
			metrics.FetchFailures.WithLabelValues(vuln.SourceNVD).Inc()
			return nil, xerrors.Errorf("unable to get page at index %d: %w", startIndex, err)
		}
		for _, v := range page.Vulnerabilities {
			records = append(records, v.CVE.toRecord(start, end))
		}

		startIndex += c.pageSize
		if startIndex >= page.TotalResults {
			break
		}
	}

	return records, nil
}

// getPage performs one rate-limited request. A 429/403 backs off and
// retries exactly once; any other non-2xx status fails the call.
func (c Client) getPage(pageURL string) (apiResponse, error) {
	c.limiter.Wait()
	status, body, err := c.do(pageURL)
	if err != nil {
		return apiResponse{}, err
	}

	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		log.Warnw("rate limited by primary source, backing off", "status", status)
		metrics.RateLimitHits.Inc()
		c.limiter.Backoff()
		status, body, err = c.do(pageURL)
		if err != nil {
			return apiResponse{}, err
		}
	}

	if status != http.StatusOK {
		return apiResponse{}, xerrors.Errorf("unexpected status code %d from %s", status, pageURL)
	}
	c.limiter.Reset()

	var page apiResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return apiResponse{}, xerrors.Errorf("unable to decode response from %s: %w", pageURL, err)
	}
	return page, nil
}

func (c Client) do(pageURL string) (int, []byte, error) {
	metrics.FetchRequests.WithLabelValues(vuln.SourceNVD).Inc()
	req := gorequest.New().Get(pageURL).Timeout(requestTimeout)
	if c.apiKey != "" {
		req.Set("apiKey", c.apiKey)
	}
	resp, body, errs := req.Type("text").EndBytes()
	if len(errs) > 0 {
		return 0, nil, xerrors.Errorf("unable to fetch %s: %w", pageURL, errs[0])
	}
	return resp.StatusCode, body, nil
}

func (c Client) pageURL(params url.Values, start, end time.Time, startIndex int) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", xerrors.Errorf("unable to parse base url %q: %w", c.baseURL, err)
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	q.Set("lastModStartDate", start.UTC().Format(nvdTimeFormat))
	q.Set("lastModEndDate", end.UTC().Format(nvdTimeFormat))
	q.Set("startIndex", strconv.Itoa(startIndex))
	q.Set("resultsPerPage", strconv.Itoa(c.pageSize))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
