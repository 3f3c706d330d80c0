package types

import "time"

// Phase is the orchestrator state persisted in the checkpoint.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAnalyzing Phase = "analyzing"
	PhaseFixing    Phase = "fixing"
	PhaseComplete  Phase = "complete"
)

// Resumable reports whether a run in this phase can be continued.
func (p Phase) Resumable() bool {
	return p == PhaseAnalyzing || p == PhaseFixing
}

// FailedDate records a date whose fix exhausted its attempts.
type FailedDate struct {
	Date     string `json:"date"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// RunStats counts dates through a run.
type RunStats struct {
	Analyzed   int `json:"analyzed"`
	NeedingFix int `json:"needingFix"`
	Fixed      int `json:"fixed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Checkpoint is the persisted orchestrator state. Dates are YYYY-MM-DD strings.
type Checkpoint struct {
	Phase             Phase        `json:"phase"`
	RunID             string       `json:"runId"`
	StartDate         string       `json:"startDate"`
	EndDate           string       `json:"endDate"`
	LastProcessedDate string       `json:"lastProcessedDate,omitempty"`
	PendingDates      []string     `json:"pendingDates"`
	CompletedDates    []string     `json:"completedDates"`
	FailedDates       []FailedDate `json:"failedDates"`
	Stats             RunStats     `json:"stats"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// SameRange reports whether the checkpoint covers [start, end].
func (c *Checkpoint) SameRange(start, end string) bool {
	return c != nil && c.StartDate == start && c.EndDate == end
}

// Done reports whether date has already been completed or failed in this run.
func (c *Checkpoint) Done(date string) bool {
	for _, d := range c.CompletedDates {
		if d == date {
			return true
		}
	}
	for _, f := range c.FailedDates {
		if f.Date == date {
			return true
		}
	}
	return false
}

// Clone deep-copies the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.PendingDates = append([]string(nil), c.PendingDates...)
	out.CompletedDates = append([]string(nil), c.CompletedDates...)
	out.FailedDates = append([]FailedDate(nil), c.FailedDates...)
	return &out
}

// BatchInput selects the date range of a run. Fresh discards any resumable checkpoint.
type BatchInput struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Fresh bool      `json:"fresh"`
}

// BatchSummary is returned by every orchestrator run, successful or not.
type BatchSummary struct {
	RunID       string       `json:"runId"`
	StartDate   string       `json:"startDate"`
	EndDate     string       `json:"endDate"`
	Phase       Phase        `json:"phase"`
	Resumed     bool         `json:"resumed"`
	Stats       RunStats     `json:"stats"`
	FixedDates  []string     `json:"fixedDates"`
	FailedDates []FailedDate `json:"failedDates"`
	// Interrupted is set when the store stayed unreachable past the pause limit.
	Interrupted bool    `json:"interrupted"`
	Cancelled   bool    `json:"cancelled"`
	Error       string  `json:"error,omitempty"`
	DurationMs  float64 `json:"durationMs"`
}

// Status combines the persisted checkpoint with a range completeness report.
type Status struct {
	Checkpoint *Checkpoint  `json:"checkpoint"`
	Range      *RangeStatus `json:"range,omitempty"`
}
