package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/store"
)

// RunRecoveryInfo describes a routine run found in progress at startup.
type RunRecoveryInfo struct {
	UserID            string
	RoutineTitle      string
	ProgramsTraversed int
	QueuedElements    int
	PendingRunID      string
	UpdatedAt         time.Time
}

// HasPendingWrite reports whether the run stopped between a completion and its record.
func (i RunRecoveryInfo) HasPendingWrite() bool {
	return i.PendingRunID != ""
}

// InspectCursor reads the persisted run cursor of userID. It returns nil when
// no run is in progress.
func InspectCursor(st store.Store, userID string) (*RunRecoveryInfo, error) {
	c, err := st.GetRunCursor(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read run cursor: %w", err)
	}
	if !c.InProgress() {
		return nil, nil
	}
	info := &RunRecoveryInfo{
		UserID:            c.UserID,
		RoutineTitle:      c.RoutineTitle,
		ProgramsTraversed: c.ProgramsTraversed,
		QueuedElements:    len(c.ElementQueue),
		UpdatedAt:         c.UpdatedAt,
	}
	if c.PendingRun != nil {
		info.PendingRunID = c.PendingRun.ID
	}
	return info, nil
}

// RunRecoveryCallback resumes the named routine's run.
type RunRecoveryCallback func(ctx context.Context, routineTitle string) error

// RunRecoveryHandler returns a registry callback that logs the interrupted run
// and delegates to resume.
func RunRecoveryHandler(resume RunRecoveryCallback) func(context.Context, RunRecoveryInfo) error {
	return func(ctx context.Context, info RunRecoveryInfo) error {
		slog.Info("Recovering routine run",
			"user", info.UserID,
			"routine", info.RoutineTitle,
			"traversed", info.ProgramsTraversed,
			"elements", info.QueuedElements,
			"pendingRun", info.PendingRunID)

		if resume == nil {
			return fmt.Errorf("no run recovery callback provided")
		}
		if err := resume(ctx, info.RoutineTitle); err != nil {
			return fmt.Errorf("failed to resume %q: %w", info.RoutineTitle, err)
		}
		return nil
	}
}
