package engine

// QuotaTracker counts actions performed in the current daily window.
//
// It is not safe for concurrent use; the scheduler guards it with its own lock.
type QuotaTracker struct {
	limits Counts
	daily  Counts
}

func NewQuotaTracker(limits Counts) *QuotaTracker {
	return &QuotaTracker{limits: limits}
}

// CanRun reports whether k is still under its daily limit.
func (q *QuotaTracker) CanRun(k ActionKind) bool {
	if !k.Valid() {
		return false
	}
	return q.daily[k] < q.limits[k]
}

// Increment records one successful action. Unknown kinds are ignored.
func (q *QuotaTracker) Increment(k ActionKind) {
	if !k.Valid() {
		return
	}
	q.daily[k]++
}

func (q *QuotaTracker) AllExhausted() bool {
	for k := range q.limits {
		if q.CanRun(ActionKind(k)) {
			return false
		}
	}
	return true
}

func (q *QuotaTracker) Reset() { q.daily = Counts{} }

func (q *QuotaTracker) Counters() Counts { return q.daily }

func (q *QuotaTracker) Limits() Counts { return q.limits }

// Restore replaces the daily counters, used when resuming inside the same window.
// Negative values are clamped to zero.
func (q *QuotaTracker) Restore(c Counts) {
	for i, v := range c {
		if v < 0 {
			c[i] = 0
		}
	}
	q.daily = c
}
