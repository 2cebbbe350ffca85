package trace

import "sync"

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures every selection and dispatch attempt.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
	// MaxRecords bounds each record list; the oldest records are dropped first. 0 means unbounded.
	MaxRecords int
}

// RouterTrace collects decision records. Safe for concurrent use; a nil
// *RouterTrace records nothing.
type RouterTrace struct {
	Config TraceConfig

	mu       sync.Mutex
	routings []RoutingRecord
	attempts []AttemptRecord
}

// NewRouterTrace creates a RouterTrace ready for recording, or nil when the
// level disables tracing.
func NewRouterTrace(config TraceConfig) *RouterTrace {
	if config.Level == "" || config.Level == TraceLevelNone {
		return nil
	}
	return &RouterTrace{
		Config:   config,
		routings: make([]RoutingRecord, 0),
		attempts: make([]AttemptRecord, 0),
	}
}

// RecordRouting appends a selection record.
func (rt *RouterTrace) RecordRouting(record RoutingRecord) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.routings = appendBounded(rt.routings, record, rt.Config.MaxRecords)
}

// RecordAttempt appends a dispatch attempt record.
func (rt *RouterTrace) RecordAttempt(record AttemptRecord) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.attempts = appendBounded(rt.attempts, record, rt.Config.MaxRecords)
}

// Routings returns a copy of the selection records.
func (rt *RouterTrace) Routings() []RoutingRecord {
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]RoutingRecord(nil), rt.routings...)
}

// Attempts returns a copy of the attempt records.
func (rt *RouterTrace) Attempts() []AttemptRecord {
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]AttemptRecord(nil), rt.attempts...)
}

func appendBounded[T any](records []T, r T, limit int) []T {
	records = append(records, r)
	if limit > 0 && len(records) > limit {
		records = append(records[:0], records[len(records)-limit:]...)
	}
	return records
}
