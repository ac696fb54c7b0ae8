package enrich

import (
	"strings"

	"github.com/vulnwatch/vulnwatch/vuln"
)

// maxTechniques caps how many technique references a single record
// accumulates: beyond three the mapping stops being a signal.
const maxTechniques = 3

// techniquePatterns maps adversary techniques to the description phrases
// that indicate them. Table order decides which techniques survive the
// cap; within one entry the first matching phrase wins and the technique
// is recorded once.
var techniquePatterns = []struct {
	technique vuln.Technique
	phrases   []string
}{
	{vuln.Technique{ID: "T1190", Name: "Exploit Public-Facing Application"},
		[]string{"remote code execution", "unauthenticated attacker", "remote attackers to execute", "public-facing"}},
	{vuln.Technique{ID: "T1059", Name: "Command and Scripting Interpreter"},
		[]string{"command injection", "arbitrary commands", "os command", "arbitrary code execution"}},
	{vuln.Technique{ID: "T1068", Name: "Exploitation for Privilege Escalation"},
		[]string{"privilege escalation", "escalate privileges", "elevation of privilege", "gain root"}},
	{vuln.Technique{ID: "T1078", Name: "Valid Accounts"},
		[]string{"default credentials", "hardcoded credentials", "hard-coded credentials", "authentication bypass"}},
	{vuln.Technique{ID: "T1505.003", Name: "Web Shell"},
		[]string{"web shell", "webshell", "upload arbitrary files"}},
	{vuln.Technique{ID: "T1005", Name: "Data from Local System"},
		[]string{"arbitrary file read", "read arbitrary files", "directory traversal", "path traversal"}},
	{vuln.Technique{ID: "T1557", Name: "Adversary-in-the-Middle"},
		[]string{"man-in-the-middle", "adversary-in-the-middle"}},
	{vuln.Technique{ID: "T1499", Name: "Endpoint Denial of Service"},
		[]string{"denial of service", "denial-of-service"}},
	{vuln.Technique{ID: "T1552", Name: "Unsecured Credentials"},
		[]string{"cleartext credentials", "plaintext password", "credentials in plaintext"}},
}

// Techniques returns the offline technique-mapping stage.
func Techniques() Stage {
	return func(records []vuln.Record) []vuln.Record {
		for i := range records {
			records[i].Techniques = matchTechniques(records[i].Description)
		}
		return records
	}
}

func matchTechniques(description string) []vuln.Technique {
	text := strings.ToLower(description)
	var out []vuln.Technique
	for _, tp := range techniquePatterns {
		if len(out) == maxTechniques {
			break
		}
		for _, phrase := range tp.phrases {
			if strings.Contains(text, phrase) {
				out = append(out, tp.technique)
				break
			}
		}
	}
	return out
}
