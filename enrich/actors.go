package enrich

import (
	"strings"

	"github.com/vulnwatch/vulnwatch/vuln"
)

// Attribution sources recorded on ThreatActor entries.
const (
	actorSourceDescription = "description"
	actorSourceKEV         = "cisa-kev"
)

// signalTerms gate alias matching. A description must talk about
// exploitation activity before an alias hit counts as attribution;
// otherwise product names that collide with actor aliases ("sandworm",
// "cobalt") would attribute on their own.
var signalTerms = []string{
	"threat actor",
	"exploited in the wild",
	"actively exploited",
	"ransomware",
	"espionage",
	"nation-state",
	"advanced persistent threat",
	"campaign",
}

// actorAliases is the attribution table: canonical actor name and the
// aliases upstream descriptions use for it.
var actorAliases = []struct {
	name    string
	aliases []string
}{
	{"Volt Typhoon", []string{"volt typhoon", "vanguard panda", "bronze silhouette"}},
	{"APT28", []string{"apt28", "fancy bear", "sofacy", "strontium", "forest blizzard"}},
	{"APT29", []string{"apt29", "cozy bear", "nobelium", "midnight blizzard"}},
	{"Sandworm", []string{"sandworm", "voodoo bear", "seashell blizzard"}},
	{"Lazarus Group", []string{"lazarus", "hidden cobra", "diamond sleet"}},
	{"FIN7", []string{"fin7", "carbanak", "carbon spider"}},
	{"LockBit", []string{"lockbit"}},
	{"Cl0p", []string{"cl0p", "clop", "ta505"}},
	{"ALPHV", []string{"alphv", "blackcat ransomware"}},
	{"Scattered Spider", []string{"scattered spider", "unc3944", "oktapus"}},
}

// Actors returns the offline attribution stage.
func Actors() Stage {
	return func(records []vuln.Record) []vuln.Record {
		for i := range records {
			records[i].ThreatActors = attribute(records[i])
		}
		return records
	}
}

func attribute(r vuln.Record) []vuln.ThreatActor {
	var out []vuln.ThreatActor

	text := strings.ToLower(r.Description)
	if hasSignal(text) {
		for _, a := range actorAliases {
			for _, alias := range a.aliases {
				if strings.Contains(text, alias) {
					out = append(out, vuln.ThreatActor{Name: a.name, Source: actorSourceDescription})
					break
				}
			}
		}
	}

	// The ransomware flag from the exploited catalog is an attribution
	// source on its own, with no signal gate.
	if r.CISA != nil && strings.EqualFold(r.CISA.KnownRansomwareUse, "known") {
		out = append(out, vuln.ThreatActor{Name: "Known ransomware campaign", Source: actorSourceKEV})
	}

	return dedupActors(out)
}

func hasSignal(text string) bool {
	for _, term := range signalTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

func dedupActors(actors []vuln.ThreatActor) []vuln.ThreatActor {
	if len(actors) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(actors))
	out := actors[:0]
	for _, a := range actors {
		if _, ok := seen[a.Name]; ok {
			continue
		}
		seen[a.Name] = struct{}{}
		out = append(out, a)
	}
	return out
}
