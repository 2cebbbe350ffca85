package trace

// TraceSummary aggregates statistics from a RouterTrace.
type TraceSummary struct {
	TotalDecisions     int
	TotalAttempts      int
	Retries            int // attempts followed by another attempt
	FailedAttempts     int
	RankFallbacks      int
	UniqueTargets      int
	TargetDistribution map[string]int // worker identity → count of selections
}

// Summarize computes aggregate statistics from a RouterTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(rt *RouterTrace) *TraceSummary {
	summary := &TraceSummary{
		TargetDistribution: make(map[string]int),
	}
	if rt == nil {
		return summary
	}

	routings := rt.Routings()
	summary.TotalDecisions = len(routings)
	for _, r := range routings {
		summary.TargetDistribution[r.Worker]++
		if r.DecodeWorker != "" {
			summary.TargetDistribution[r.DecodeWorker]++
		}
		if r.RankFallback {
			summary.RankFallbacks++
		}
	}

	attempts := rt.Attempts()
	summary.TotalAttempts = len(attempts)
	for _, a := range attempts {
		if a.Error != "" || a.Status >= 400 {
			summary.FailedAttempts++
		}
		if a.Retryable && a.Backoff > 0 {
			summary.Retries++
		}
	}

	summary.UniqueTargets = len(summary.TargetDistribution)

	return summary
}
