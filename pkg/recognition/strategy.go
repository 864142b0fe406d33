package recognition

import (
	"log/slog"
	"time"

	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/transcript"
)

// Strategy is one recognition session. A session serves a sequence of turns;
// Reset abandons the current turn and starts the next one.
type Strategy interface {
	// ProcessAudio accepts one frame of 8 kHz µ-law audio. Frames that
	// arrive while the turn is finalizing or done are dropped.
	ProcessAudio(frame []byte)
	// FinishTranscription asks the turn to finalize with what it has.
	FinishTranscription()
	// Reset abandons the current turn. Results still in flight for it are
	// discarded and never reach the listener.
	Reset()
	CurrentState() State
	// Close abandons the current turn and stops event delivery.
	Close()
}

// Factory builds a strategy bound to one session.
type Factory func(opts Options, listener Listener) Strategy

// MergeMode selects how streaming fragments are reconciled.
type MergeMode string

const (
	MergeAuto       MergeMode = "auto"
	MergeSimilarity MergeMode = "similarity"
	MergeResultID   MergeMode = "result_id"
)

// Options carries per-session settings shared by both strategies.
type Options struct {
	SessionID string
	Language  string
	// ResultIDs reports whether the recognizer assigns stable result ids.
	// Used when the merge mode is auto.
	ResultIDs bool
	Logger    *slog.Logger
	Observer  metrics.Observer
}

func (o Options) logger(strategy string) *slog.Logger {
	l := logging.NewComponentLogger(o.Logger, "recognition")
	return l.With("strategy", strategy, "session_id", o.SessionID)
}

func newReconciler(mode MergeMode, resultIDs bool) transcript.Reconciler {
	switch mode {
	case MergeResultID:
		return transcript.NewAccumulator()
	case MergeSimilarity:
		return transcript.NewMerger()
	}
	if resultIDs {
		return transcript.NewAccumulator()
	}
	return transcript.NewMerger()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func boolTag(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
