package ratelimit

// QuotaCounter counts rate-limited request units since the last pause.
//
// It is owned by a single batch run and is not safe for concurrent use.
type QuotaCounter struct {
	threshold int
	units     int
}

// NewQuotaCounter creates a counter that reports exhaustion at threshold units.
func NewQuotaCounter(threshold int) *QuotaCounter {
	return &QuotaCounter{threshold: threshold}
}

// Add records n consumed units and returns the new total.
func (q *QuotaCounter) Add(n int) int {
	q.units += n
	return q.units
}

// Units returns the units consumed since the last reset.
func (q *QuotaCounter) Units() int {
	return q.units
}

// Threshold returns the configured pause threshold.
func (q *QuotaCounter) Threshold() int {
	return q.threshold
}

// Exhausted reports whether a pause is due. The threshold itself counts.
func (q *QuotaCounter) Exhausted() bool {
	return q.units >= q.threshold
}

// Reset zeroes the counter after a pause.
func (q *QuotaCounter) Reset() {
	q.units = 0
}
