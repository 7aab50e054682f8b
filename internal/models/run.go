package models

import "time"

// QueuedProgram is the persisted descriptor of one program in a materialized
// run queue. Program instances are constructed from it each time they are
// about to be administered.
type QueuedProgram struct {
	Title      string         `json:"title"`
	PluginType string         `json:"plugin_type"`
	Config     map[string]any `json:"config,omitempty"`
}

// ProgramRun is an immutable record of one administered program instance.
type ProgramRun struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	RoutineTitle  string         `json:"routine_title"`
	ProgramTitle  string         `json:"program_title"`
	PluginType    string         `json:"plugin_type"`
	RunIndex      int            `json:"run_index"`
	ProgramConfig map[string]any `json:"program_config,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	Outcome       *RunOutcome    `json:"outcome,omitempty"`
}

// Validate checks the fields every stored run must carry.
func (r *ProgramRun) Validate() error {
	if r.ID == "" || r.UserID == "" || r.RoutineTitle == "" || r.ProgramTitle == "" || r.PluginType == "" {
		return ErrMissingProgramRunField
	}
	return r.Outcome.Validate()
}

// RunCursor is the persisted progress of the current routine run for a user.
//
// ElementQueue is nil exactly when no run is in progress. Once set it is
// reused verbatim on resume so that pruning is never re-rolled mid-run.
type RunCursor struct {
	UserID                  string          `json:"user_id"`
	RoutineTitle            string          `json:"routine_title,omitempty"`
	ProgramsTraversed       int             `json:"programs_traversed"`
	ElementQueue            []QueuedProgram `json:"element_queue"`
	CurrentProgramStartTime *time.Time      `json:"current_program_start_time,omitempty"`
	PendingRun              *ProgramRun     `json:"pending_run,omitempty"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// NewIdleCursor returns the IDLE shape of a cursor for a user.
func NewIdleCursor(userID string) *RunCursor {
	return &RunCursor{UserID: userID}
}

// InProgress reports whether a run has been started and not yet completed.
func (c *RunCursor) InProgress() bool {
	return c != nil && c.ElementQueue != nil
}

// Reset returns the cursor to its IDLE shape.
func (c *RunCursor) Reset() {
	c.RoutineTitle = ""
	c.ProgramsTraversed = 0
	c.ElementQueue = nil
	c.CurrentProgramStartTime = nil
	c.PendingRun = nil
}
