package nvd

import (
	"time"

	"github.com/araddon/dateparse"
	"github.com/samber/lo"

	"github.com/vulnwatch/vulnwatch/vuln"
)

type apiResponse struct {
	ResultsPerPage  int             `json:"resultsPerPage"`
	StartIndex      int             `json:"startIndex"`
	TotalResults    int             `json:"totalResults"`
	Vulnerabilities []vulnerability `json:"vulnerabilities"`
}

type vulnerability struct {
	CVE cveItem `json:"cve"`
}

type cveItem struct {
	ID             string          `json:"id"`
	Published      string          `json:"published"`
	LastModified   string          `json:"lastModified"`
	Descriptions   []description   `json:"descriptions"`
	Metrics        metrics         `json:"metrics"`
	References     []reference     `json:"references"`
	Configurations []configuration `json:"configurations"`
}

type description struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type metrics struct {
	CVSSMetricV31 []cvssMetricV3 `json:"cvssMetricV31,omitempty"`
	CVSSMetricV30 []cvssMetricV3 `json:"cvssMetricV30,omitempty"`
	CVSSMetricV2  []cvssMetricV2 `json:"cvssMetricV2,omitempty"`
}

type cvssMetricV3 struct {
	CVSSData cvssData `json:"cvssData"`
}

type cvssMetricV2 struct {
	CVSSData     cvssData `json:"cvssData"`
	BaseSeverity string   `json:"baseSeverity"`
}

type cvssData struct {
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity,omitempty"`
}

type reference struct {
	URL    string   `json:"url"`
	Source string   `json:"source"`
	Tags   []string `json:"tags,omitempty"`
}

type configuration struct {
	Nodes []node `json:"nodes"`
}

type node struct {
	CPEMatch []cpeMatch `json:"cpeMatch"`
}

type cpeMatch struct {
	Vulnerable bool   `json:"vulnerable"`
	Criteria   string `json:"criteria"`
}

// toRecord converts an API item into the pipeline's record shape. A
// record is flagged recently modified when it entered the queried window
// through a modification rather than its publication.
func (c cveItem) toRecord(start, end time.Time) vuln.Record {
	published := parseTime(c.Published)
	lastModified := parseTime(c.LastModified)

	severity, score := c.severity()

	return vuln.Record{
		ID:               c.ID,
		Published:        published,
		LastModified:     lastModified,
		Description:      c.description(),
		Severity:         severity,
		CVSSScore:        score,
		References:       c.references(),
		AffectedProducts: c.affectedProducts(),
		Source:           vuln.SourceNVD,
		RecentlyModified: inRange(lastModified, start, end) && !inRange(published, start, end),
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		log.Debugw("unparsable timestamp from primary source", "value", s, "error", err)
		return time.Time{}
	}
	return t
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}

func (c cveItem) description() string {
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			return d.Value
		}
	}
	if len(c.Descriptions) > 0 {
		return c.Descriptions[0].Value
	}
	return ""
}

// severity prefers CVSS v3.1, then v3.0, then v2.
func (c cveItem) severity() (vuln.Severity, *float64) {
	for _, m := range c.Metrics.CVSSMetricV31 {
		score := m.CVSSData.BaseScore
		return vuln.ParseSeverity(m.CVSSData.BaseSeverity), &score
	}
	for _, m := range c.Metrics.CVSSMetricV30 {
		score := m.CVSSData.BaseScore
		return vuln.ParseSeverity(m.CVSSData.BaseSeverity), &score
	}
	for _, m := range c.Metrics.CVSSMetricV2 {
		score := m.CVSSData.BaseScore
		return vuln.ParseSeverity(m.BaseSeverity), &score
	}
	return vuln.SeverityUnknown, nil
}

func (c cveItem) references() []vuln.Reference {
	return lo.Map(c.References, func(r reference, _ int) vuln.Reference {
		return vuln.Reference{
			URL:    r.URL,
			Source: r.Source,
			Tags:   r.Tags,
		}
	})
}

func (c cveItem) affectedProducts() []string {
	var products []string
	for _, conf := range c.Configurations {
		for _, n := range conf.Nodes {
			for _, m := range n.CPEMatch {
				if m.Vulnerable {
					products = append(products, m.Criteria)
				}
			}
		}
	}
	return lo.Uniq(products)
}
