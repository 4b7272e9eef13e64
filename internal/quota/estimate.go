package quota

// TaskCategory drives the caller-side budget estimate for a reservation.
type TaskCategory string

const (
	TaskCodeGeneration TaskCategory = "code-generation"
	TaskCodeReview     TaskCategory = "code-review"
	TaskLongAnalysis   TaskCategory = "long-analysis"
	TaskShortQuery     TaskCategory = "short-query"
)

// Base token costs per category, before the safety margin.
var baseEstimates = map[TaskCategory]int64{
	TaskCodeGeneration: 40000,
	TaskCodeReview:     25000,
	TaskLongAnalysis:   60000,
	TaskShortQuery:     4000,
}

const defaultEstimate = 20000

// safetyMarginPct pads estimates so legitimate bursts rarely trip the
// allocation ceiling while the aggregate limit still holds.
const safetyMarginPct = 25

// Estimate returns the padded budget estimate for a task category.
func Estimate(category TaskCategory) int64 {
	base, ok := baseEstimates[category]
	if !ok {
		base = defaultEstimate
	}
	return base + base*safetyMarginPct/100
}
