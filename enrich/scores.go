package enrich

import (
	"github.com/samber/lo"

	"github.com/vulnwatch/vulnwatch/epss"
	"github.com/vulnwatch/vulnwatch/vuln"
)

// ScoreSource looks up exploitation-probability scores in batches.
// Identifiers the service does not know are absent from the result.
type ScoreSource interface {
	FetchScores(ids []string) (map[string]epss.Score, error)
}

// Scores returns the network-backed scoring stage. A lookup failure
// degrades the whole batch to a pass-through rather than failing the
// cycle; unknown identifiers leave their records unannotated.
func Scores(source ScoreSource) Stage {
	return func(records []vuln.Record) []vuln.Record {
		if len(records) == 0 {
			return records
		}
		ids := lo.Map(records, func(r vuln.Record, _ int) string {
			return r.ID
		})
		scores, err := source.FetchScores(ids)
		if err != nil {
			log.Warnw("score lookup failed, records pass through unannotated", "error", err)
			return records
		}
		for i := range records {
			if s, ok := scores[records[i].ID]; ok {
				records[i].EPSSScore = lo.ToPtr(s.Score)
				records[i].EPSSPercentile = lo.ToPtr(s.Percentile)
			}
		}
		return records
	}
}
