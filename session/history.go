package session

import (
	"sync"
	"time"
)

const (
	// historyMaxAge is how long recovery outcomes are retained.
	historyMaxAge = 24 * time.Hour

	// historyMaxEntries bounds the history regardless of age.
	historyMaxEntries = 200
)

// Outcome records one recovery attempt, successful or not.
type Outcome struct {
	ID            string    `json:"id"`
	Strategy      string    `json:"strategy"`
	PreviousState State     `json:"previousState"`
	NewState      State     `json:"newState"`
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	RecoveredAt   time.Time `json:"recoveredAt"`
}

// Stats summarizes the retained recovery history.
type Stats struct {
	Total       int            `json:"total"`
	Successes   int            `json:"successes"`
	Failures    int            `json:"failures"`
	ByStrategy  map[string]int `json:"byStrategy"`
	LastAttempt time.Time      `json:"lastAttempt"`
}

// History is a bounded, time-windowed in-memory log of recovery
// outcomes. Entries older than 24 hours are pruned on every append and
// read.
type History struct {
	mu      sync.Mutex
	entries []Outcome
	now     func() time.Time
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{now: time.Now}
}

// Append records an outcome and prunes expired entries.
func (h *History) Append(o Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, o)
	h.pruneLocked()
}

// All returns a copy of the retained outcomes, oldest first.
func (h *History) All() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked()

	out := make([]Outcome, len(h.entries))
	copy(out, h.entries)

	return out
}

// Len returns the number of retained outcomes.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked()

	return len(h.entries)
}

// Stats summarizes retained outcomes.
func (h *History) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked()

	st := Stats{ByStrategy: make(map[string]int)}

	for _, o := range h.entries {
		st.Total++

		if o.Success {
			st.Successes++
		} else {
			st.Failures++
		}

		st.ByStrategy[o.Strategy]++

		if o.RecoveredAt.After(st.LastAttempt) {
			st.LastAttempt = o.RecoveredAt
		}
	}

	return st
}

func (h *History) pruneLocked() {
	cutoff := h.now().Add(-historyMaxAge)

	keep := h.entries[:0]
	for _, o := range h.entries {
		if o.RecoveredAt.After(cutoff) {
			keep = append(keep, o)
		}
	}

	h.entries = keep

	if len(h.entries) > historyMaxEntries {
		h.entries = h.entries[len(h.entries)-historyMaxEntries:]
	}
}
