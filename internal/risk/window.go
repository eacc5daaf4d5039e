package risk

import (
	"github.com/riskwatch/platform/internal/domain"
)

// RuleWindow is the suffix of the activity log the session rules inspect.
const RuleWindow = 10

// Window returns the last n records without copying.
func Window(records []domain.ActivityRecord, n int) []domain.ActivityRecord {
	if len(records) <= n {
		return records
	}
	return records[len(records)-n:]
}

// WithRecord returns a new slice holding records followed by rec, leaving records untouched.
func WithRecord(records []domain.ActivityRecord, rec domain.ActivityRecord) []domain.ActivityRecord {
	out := make([]domain.ActivityRecord, 0, len(records)+1)
	out = append(out, records...)
	return append(out, rec)
}

// RequestsPerMinute is the record count divided by the span between the first
// and last record in minutes. Fewer than two records yield 0; a zero span yields the count.
func RequestsPerMinute(records []domain.ActivityRecord) float64 {
	if len(records) < 2 {
		return 0
	}
	span := records[len(records)-1].Timestamp.Sub(records[0].Timestamp).Minutes()
	if span <= 0 {
		return float64(len(records))
	}
	return float64(len(records)) / span
}

// UniqueEndpoints counts distinct endpoints.
func UniqueEndpoints(records []domain.ActivityRecord) int {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		seen[r.Endpoint] = struct{}{}
	}
	return len(seen)
}

// ErrorRate is the fraction of records with status >= 400.
func ErrorRate(records []domain.ActivityRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var errs int
	for _, r := range records {
		if r.StatusCode >= 400 {
			errs++
		}
	}
	return float64(errs) / float64(len(records))
}

// UserAgentChanged reports whether more than one distinct user-agent appears.
func UserAgentChanged(records []domain.ActivityRecord) bool {
	if len(records) < 2 {
		return false
	}
	first := records[0].UserAgent
	for _, r := range records[1:] {
		if r.UserAgent != first {
			return true
		}
	}
	return false
}

// ComputeMetrics builds the rolling snapshot over the last ActivityWindow records.
func ComputeMetrics(records []domain.ActivityRecord, ipChanges int) domain.MetricsSnapshot {
	w := Window(records, domain.ActivityWindow)
	return domain.MetricsSnapshot{
		RequestsPerMinute: RequestsPerMinute(w),
		UniqueEndpoints:   UniqueEndpoints(w),
		ErrorRate:         ErrorRate(w),
		IPChanges:         ipChanges,
	}
}
