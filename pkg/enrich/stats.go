package enrich

import "log/slog"

// Stats holds the counters for one enrichment run. Total always equals
// the number of records fetched; Errors may overlap with Unmatched since
// a record that errors during bulk matching stays eligible for the
// remote phase.
type Stats struct {
	Total         int
	BulkMatches   int
	RemoteMatches int
	Unmatched     int
	Errors        int
}

// LogSummary writes the end-of-run summary.
func (s *Stats) LogSummary() {
	slog.Info("population enrichment summary",
		"total", s.Total,
		"bulk_matches", s.BulkMatches,
		"bulk_pct", s.percent(s.BulkMatches),
		"remote_matches", s.RemoteMatches,
		"remote_pct", s.percent(s.RemoteMatches),
		"unmatched", s.Unmatched,
		"unmatched_pct", s.percent(s.Unmatched),
		"errors", s.Errors,
		"success_pct", s.percent(s.BulkMatches+s.RemoteMatches),
	)
}

func (s *Stats) percent(value int) float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(value) / float64(s.Total) * 100
}
