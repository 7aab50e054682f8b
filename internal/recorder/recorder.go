// Package recorder writes program run records.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/store"
)

// Recorder appends an immutable program run. Implementations write the run
// atomically and return *store.PersistenceError on a storage fault.
type Recorder interface {
	Record(ctx context.Context, run models.ProgramRun) error
}

// RunStore is the persistence surface a StoreRecorder needs.
type RunStore interface {
	AddProgramRun(run models.ProgramRun) error
}

// StoreRecorder records runs through a store. Writing a run whose ID is
// already stored succeeds without a second record.
type StoreRecorder struct {
	store RunStore
}

var _ Recorder = (*StoreRecorder)(nil)

// NewStoreRecorder creates a Recorder over st.
func NewStoreRecorder(st RunStore) *StoreRecorder {
	return &StoreRecorder{store: st}
}

func (r *StoreRecorder) Record(ctx context.Context, run models.ProgramRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid program run: %w", err)
	}
	if err := r.store.AddProgramRun(run); err != nil {
		slog.Error("StoreRecorder.Record failed", "error", err, "id", run.ID, "program", run.ProgramTitle)
		var pe *store.PersistenceError
		if errors.As(err, &pe) {
			return err
		}
		return &store.PersistenceError{Op: "Record", Err: err}
	}
	slog.Debug("StoreRecorder.Record succeeded", "id", run.ID, "routine", run.RoutineTitle, "program", run.ProgramTitle, "index", run.RunIndex)
	return nil
}
