// Package transcript reconciles partial and final recognition fragments
// into a single growing transcript for one turn.
package transcript

import "time"

// Fragment is one recognition result as delivered by a back end.
type Fragment struct {
	// ID is the server-assigned result id. Empty for batch results and
	// for providers without stable ids.
	ID         string
	Text       string
	Partial    bool
	Confidence float64
	Start      time.Duration
	End        time.Duration
	// HasTiming reports whether Start/End were supplied.
	HasTiming bool
}

// Reconciler merges fragments for a single turn. Implementations are not
// safe for concurrent use; the owning recognition session serializes calls.
type Reconciler interface {
	Add(f Fragment)
	Text() string
	// Unflushed reports whether in-progress text has not yet been settled by
	// a final fragment.
	Unflushed() bool
	Reset()
}
