package caption

import (
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// DuplicateSuppressor coalesces near-identical partial-caption revisions
// instead of re-scheduling a new voice for each one, reducing voice churn
// on transcript jitter. Grounded on internal/transcript/phonetic's
// Double-Metaphone/Jaro-Winkler matching idiom, here used for self-
// similarity against the key's own last scheduled suffix rather than
// against an entity list.
type DuplicateSuppressor struct {
	threshold float64

	mu   sync.Mutex
	last map[string]string
}

// NewDuplicateSuppressor returns a suppressor that coalesces a suffix with
// the previously scheduled one for the same key when their Jaro-Winkler
// similarity is at or above threshold. A zero threshold uses 0.92.
func NewDuplicateSuppressor(threshold float64) *DuplicateSuppressor {
	if threshold <= 0 {
		threshold = 0.92
	}
	return &DuplicateSuppressor{threshold: threshold, last: make(map[string]string)}
}

// IsNearDuplicate reports whether suffix is close enough to the last
// suffix recorded for key to skip rescheduling.
func (d *DuplicateSuppressor) IsNearDuplicate(key, suffix string) bool {
	d.mu.Lock()
	prev, ok := d.last[key]
	d.mu.Unlock()
	if !ok {
		return false
	}
	a := strings.ToLower(strings.TrimSpace(prev))
	b := strings.ToLower(strings.TrimSpace(suffix))
	if a == b {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= d.threshold
}

// Record stores suffix as the most recent scheduled suffix for key.
func (d *DuplicateSuppressor) Record(key, suffix string) {
	d.mu.Lock()
	d.last[key] = suffix
	d.mu.Unlock()
}
