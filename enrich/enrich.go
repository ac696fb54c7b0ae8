// Package enrich annotates reconciled records with risk signals:
// adversary-technique mappings, exploitation-probability scores and
// threat-actor attribution. Stages are independent: each writes only its
// own fields, so skipping any one leaves the others' output unchanged.
package enrich

import (
	"github.com/vulnwatch/vulnwatch/logging"
	"github.com/vulnwatch/vulnwatch/vuln"
)

var log = logging.Logger()

// Stage annotates records and returns the slice.
type Stage func(records []vuln.Record) []vuln.Record

// Compose returns a stage applying the given stages in order.
func Compose(stages ...Stage) Stage {
	return func(records []vuln.Record) []vuln.Record {
		for _, stage := range stages {
			records = stage(records)
		}
		return records
	}
}
