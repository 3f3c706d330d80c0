package types

import "time"

// Event names published on curtailx:reconcile:<event>
const (
	EventRunStarted      = "run.started"
	EventBatchAnalyzed   = "batch.analyzed"
	EventDateRecomputed  = "date.recomputed"
	EventDateFixed       = "date.fixed"
	EventDateFailed      = "date.failed"
	EventStorePaused     = "store.paused"
	EventRunCompleted    = "run.completed"
	EventRunInterrupted  = "run.interrupted"
	EventCheckpointReset = "checkpoint.reset"
)

// Event is a reconcile progress notification.
type Event struct {
	Event     string    `json:"event"`
	RunID     string    `json:"runId,omitempty"`
	Date      string    `json:"date,omitempty"`
	Variant   string    `json:"variant,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	Stats     *RunStats `json:"stats,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
