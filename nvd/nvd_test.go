package nvd_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnwatch/vulnwatch/nvd"
	"github.com/vulnwatch/vulnwatch/vuln"
)

func quietLimiter() *nvd.Limiter {
	return nvd.NewLimiter(false, nvd.WithBaseDelay(time.Microsecond), nvd.WithMaxDelay(time.Millisecond))
}

func emptyPage() []byte {
	return []byte(`{"resultsPerPage":0,"startIndex":0,"totalResults":0,"vulnerabilities":[]}`)
}

func pageWith(total, startIndex int, ids ...string) []byte {
	vulns := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		vulns = append(vulns, map[string]any{
			"cve": map[string]any{
				"id":           id,
				"published":    "2023-11-01T10:00:00.000",
				"lastModified": "2023-11-02T10:00:00.000",
				"descriptions": []map[string]string{{"lang": "en", "value": "test record " + id}},
			},
		})
	}
	b, err := json.Marshal(map[string]any{
		"resultsPerPage":  len(ids),
		"startIndex":      startIndex,
		"totalResults":    total,
		"vulnerabilities": vulns,
	})
	if err != nil {
		panic(err)
	}
	return b
}

func TestFetchByKeywordPagination(t *testing.T) {
	var queries []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		assert.Equal(t, "Cisco IOS", r.URL.Query().Get("keywordSearch"))
		assert.Equal(t, "2", r.URL.Query().Get("resultsPerPage"))
		assert.Equal(t, "2023-10-29T00:00:00", r.URL.Query().Get("lastModStartDate"))
		assert.Equal(t, "2023-11-05T00:00:00", r.URL.Query().Get("lastModEndDate"))

		switch r.URL.Query().Get("startIndex") {
		case "0":
			_, _ = w.Write(pageWith(3, 0, "CVE-2023-0001", "CVE-2023-0002"))
		case "2":
			_, _ = w.Write(pageWith(3, 2, "CVE-2023-0003"))
		default:
			t.Errorf("unexpected startIndex %q", r.URL.Query().Get("startIndex"))
		}
	}))
	defer ts.Close()

	client := nvd.NewClient(nvd.WithBaseURL(ts.URL), nvd.WithAPIKey(""),
		nvd.WithPageSize(2), nvd.WithLimiter(quietLimiter()))

	end := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	records, err := client.FetchByKeyword("Cisco IOS", end.AddDate(0, 0, -7), end)
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, "CVE-2023-0001", records[0].ID)
	assert.Equal(t, "CVE-2023-0003", records[2].ID)
	assert.Len(t, queries, 2)
}

func TestFetchByCPE(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cpe:2.3:*:cisco:ios", r.URL.Query().Get("virtualMatchString"))
		assert.Empty(t, r.URL.Query().Get("keywordSearch"))
		_, _ = w.Write(pageWith(1, 0, "CVE-2023-0001"))
	}))
	defer ts.Close()

	client := nvd.NewClient(nvd.WithBaseURL(ts.URL), nvd.WithAPIKey(""), nvd.WithLimiter(quietLimiter()))

	end := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	records, err := client.FetchByCPE("cisco", "ios", end.AddDate(0, 0, -7), end)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, vuln.SourceNVD, records[0].Source)
}

func TestFetchConversion(t *testing.T) {
	body, err := os.ReadFile(filepath.Join("testdata", "cves.json"))
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	client := nvd.NewClient(nvd.WithBaseURL(ts.URL), nvd.WithAPIKey(""), nvd.WithLimiter(quietLimiter()))

	start := time.Date(2023, 10, 10, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	records, err := client.FetchByKeyword("Cisco IOS", start, end)
	require.NoError(t, err)
	require.Len(t, records, 2)

	fresh := records[0]
	assert.Equal(t, "CVE-2023-20198", fresh.ID)
	assert.True(t, fresh.Published.Equal(time.Date(2023, 10, 16, 19, 15, 0, 0, time.UTC)))
	assert.Contains(t, fresh.Description, "web UI feature of Cisco IOS XE")
	assert.Equal(t, vuln.SeverityCritical, fresh.Severity)
	require.NotNil(t, fresh.CVSSScore)
	assert.InDelta(t, 10.0, *fresh.CVSSScore, 0.001)
	require.Len(t, fresh.References, 2)
	assert.Equal(t, []string{"Vendor Advisory"}, fresh.References[0].Tags)
	// Only vulnerable CPE criteria are kept.
	assert.Equal(t, []string{
		"cpe:2.3:o:cisco:ios_xe:17.3.1:*:*:*:*:*:*:*",
		"cpe:2.3:o:cisco:ios_xe:17.6.1:*:*:*:*:*:*:*",
	}, fresh.AffectedProducts)
	// Published inside the window: not a resurrection.
	assert.False(t, fresh.RecentlyModified)

	old := records[1]
	assert.Equal(t, "CVE-2017-6742", old.ID)
	assert.Equal(t, vuln.SeverityHigh, old.Severity)
	require.NotNil(t, old.CVSSScore)
	assert.InDelta(t, 9.3, *old.CVSSScore, 0.001)
	// Published long before the window but touched inside it.
	assert.True(t, old.RecentlyModified)
}

func TestFetchRetriesOnceOnRateLimit(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write(emptyPage())
	}))
	defer ts.Close()

	client := nvd.NewClient(nvd.WithBaseURL(ts.URL), nvd.WithAPIKey(""), nvd.WithLimiter(quietLimiter()))

	end := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	records, err := client.FetchByKeyword("Cisco IOS", end.AddDate(0, 0, -1), end)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 2, hits)
}

func TestFetchFailsAfterSecondRejection(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	client := nvd.NewClient(nvd.WithBaseURL(ts.URL), nvd.WithAPIKey(""), nvd.WithLimiter(quietLimiter()))

	end := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	_, err := client.FetchByKeyword("Cisco IOS", end.AddDate(0, 0, -1), end)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code 403")
	assert.Equal(t, 2, hits, "rate-limited call retries exactly once")
}

func TestFetchFatalOnServerError(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := nvd.NewClient(nvd.WithBaseURL(ts.URL), nvd.WithAPIKey(""), nvd.WithLimiter(quietLimiter()))

	end := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	_, err := client.FetchByKeyword("Cisco IOS", end.AddDate(0, 0, -1), end)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code 500")
	assert.Equal(t, 1, hits, "server errors are not retried")
}

func TestFetchSendsAPIKeyHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token123", r.Header.Get("apiKey"))
		_, _ = w.Write(emptyPage())
	}))
	defer ts.Close()

	client := nvd.NewClient(nvd.WithBaseURL(ts.URL), nvd.WithAPIKey("token123"),
		nvd.WithLimiter(nvd.NewLimiter(true, nvd.WithBaseDelay(time.Microsecond))))

	end := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	_, err := client.FetchByKeyword("Cisco IOS", end.AddDate(0, 0, -1), end)
	require.NoError(t, err)
}

func TestFetchFatalOnMalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	}))
	defer ts.Close()

	client := nvd.NewClient(nvd.WithBaseURL(ts.URL), nvd.WithAPIKey(""), nvd.WithLimiter(quietLimiter()))

	end := time.Date(2023, 11, 5, 0, 0, 0, 0, time.UTC)
	_, err := client.FetchByKeyword("Cisco IOS", end.AddDate(0, 0, -1), end)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to decode response")
}
