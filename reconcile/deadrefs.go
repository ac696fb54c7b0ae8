package reconcile

import (
	"net/url"
	"strings"

	"github.com/samber/lo"

	"github.com/vulnwatch/vulnwatch/vuln"
)

// deadDomains once hosted advisory references and no longer resolve.
// Upstream still carries links into them on older records.
var deadDomains = []string{
	"securityfocus.com",
	"securitytracker.com",
	"osvdb.org",
	"xforce.iss.net",
	"secunia.com",
}

func stripDeadReferences(records []vuln.Record) []vuln.Record {
	for i, r := range records {
		records[i].References = lo.Filter(r.References, func(ref vuln.Reference, _ int) bool {
			return !deadReference(ref.URL)
		})
	}
	return records
}

func deadReference(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range deadDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
