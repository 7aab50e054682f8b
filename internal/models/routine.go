package models

import (
	"fmt"
	"strings"
	"time"
)

// Element is a priority-tagged reference to a program within a routine's main body.
type Element struct {
	ProgramTitle string   `json:"program_title" yaml:"program"`
	Priority     Priority `json:"priority" yaml:"priority"`
}

// Reward is an un-prioritized program reference administered after all elements.
type Reward struct {
	ProgramTitle string `json:"program_title" yaml:"program"`
}

// Alarm is a schedule entry for a routine. Spec is a standard 5-field cron
// expression (minute hour day-of-month month day-of-week).
type Alarm struct {
	Spec    string `json:"spec" yaml:"spec"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Routine is a named, user-owned sequence of elements followed by rewards.
type Routine struct {
	UserID                string    `json:"user_id"`
	Title                 string    `json:"title"`
	Elements              []Element `json:"elements"`
	Rewards               []Reward  `json:"rewards"`
	TargetDurationMinutes int       `json:"target_duration_minutes,omitempty"`
	TargetDurationEnabled bool      `json:"target_duration_enabled"`
	Alarms                []Alarm   `json:"alarms,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// TargetDuration returns the target duration budget in minutes, or nil when
// the budget is disabled.
func (r *Routine) TargetDuration() *int {
	if !r.TargetDurationEnabled {
		return nil
	}
	minutes := r.TargetDurationMinutes
	return &minutes
}

// Validate performs structural validation on a Routine. Alarm specs are
// parsed by the alarm package.
func (r *Routine) Validate() error {
	if err := ValidateTitle(r.Title); err != nil {
		return err
	}
	if len(r.Elements) > MaxRoutineItems || len(r.Rewards) > MaxRoutineItems {
		return ErrTooManyItems
	}
	for i, e := range r.Elements {
		if strings.TrimSpace(e.ProgramTitle) == "" {
			return fmt.Errorf("element %d: %w", i, ErrEmptyProgramReference)
		}
		if !IsValidPriority(e.Priority) {
			return fmt.Errorf("element %d: %w: %q", i, ErrInvalidPriority, e.Priority)
		}
	}
	for i, rw := range r.Rewards {
		if strings.TrimSpace(rw.ProgramTitle) == "" {
			return fmt.Errorf("reward %d: %w", i, ErrEmptyProgramReference)
		}
	}
	if r.TargetDurationEnabled && r.TargetDurationMinutes <= 0 {
		return ErrInvalidTargetDuration
	}
	for i, a := range r.Alarms {
		if strings.TrimSpace(a.Spec) == "" {
			return fmt.Errorf("alarm %d: %w", i, ErrEmptyAlarmSpec)
		}
	}
	return nil
}
