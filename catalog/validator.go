package catalog

import (
	"strings"

	"github.com/samber/lo"

	"github.com/vulnwatch/vulnwatch/vuln"
)

// ValidatorFunc reports whether a record genuinely concerns the asset it
// was fetched for. Keyword queries are broad and sweep in look-alike
// products; validators drop the known impostors.
type ValidatorFunc func(r vuln.Record) bool

// validators is a closed registry of pure predicates keyed by asset id.
// Assets without an entry accept every record.
var validators = map[string]ValidatorFunc{
	"cisco-ios":        ciscoIOS,
	"solarwinds-orion": solarwindsOrion,
	"apache-httpd":     apacheHTTPD,
	"citrix-netscaler": citrixNetscaler,
}

// Validate filters records through the asset's validator, if one is
// registered.
func Validate(assetID string, records []vuln.Record) []vuln.Record {
	v, ok := validators[assetID]
	if !ok {
		return records
	}
	return lo.Filter(records, func(r vuln.Record, _ int) bool {
		return v(r)
	})
}

func textOf(r vuln.Record) string {
	parts := make([]string, 0, len(r.AffectedProducts)+1)
	parts = append(parts, r.Description)
	parts = append(parts, r.AffectedProducts...)
	return strings.ToLower(strings.Join(parts, " "))
}

func containsAny(text string, terms ...string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// ciscoIOS drops Apple iOS and iPadOS records that queries for "IOS"
// sweep in. Records naming Cisco always pass.
func ciscoIOS(r vuln.Record) bool {
	text := textOf(r)
	if strings.Contains(text, "cisco") {
		return true
	}
	return !containsAny(text, "apple", "iphone", "ipad", "macos", "watchos")
}

// solarwindsOrion requires SolarWinds context: the NPM product
// abbreviation collides with the Node.js package manager.
func solarwindsOrion(r vuln.Record) bool {
	return containsAny(textOf(r), "solarwinds", "orion platform", "network performance monitor")
}

// apacheHTTPD requires the record to name the web server itself rather
// than some other Apache Software Foundation project.
func apacheHTTPD(r vuln.Record) bool {
	return containsAny(textOf(r), "http server", "httpd", "mod_")
}

// citrixNetscaler requires Citrix context: bare "ADC" matches unrelated
// hardware converters.
func citrixNetscaler(r vuln.Record) bool {
	return containsAny(textOf(r), "citrix", "netscaler")
}
