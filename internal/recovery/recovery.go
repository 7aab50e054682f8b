// Package recovery provides startup recovery for Routine Butler so that a
// routine run interrupted by a restart continues where it left off. Components
// register themselves as Recoverable and are given a registry exposing the
// persisted run state.
package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RoutineButler/internal/store"
)

// Recoverable defines the interface for components that can recover their state
type Recoverable interface {
	// RecoverState is called during application startup to restore component state
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry provides services that components can use during recovery
type RecoveryRegistry struct {
	store  store.Store
	userID string

	// Callback invoked for an interrupted run, registered by the session layer
	runRecoveryFunc func(context.Context, RunRecoveryInfo) error
}

// NewRecoveryRegistry creates a new recovery registry for the operator userID.
func NewRecoveryRegistry(st store.Store, userID string) *RecoveryRegistry {
	return &RecoveryRegistry{store: st, userID: userID}
}

// RegisterRunRecovery registers the callback that resumes an interrupted run.
func (r *RecoveryRegistry) RegisterRunRecovery(fn func(context.Context, RunRecoveryInfo) error) {
	r.runRecoveryFunc = fn
}

// InProgressRun reports the interrupted run of the operator, or nil when the cursor is idle.
func (r *RecoveryRegistry) InProgressRun() (*RunRecoveryInfo, error) {
	return InspectCursor(r.store, r.userID)
}

// RecoverRun hands an interrupted run to the registered callback.
func (r *RecoveryRegistry) RecoverRun(ctx context.Context, info RunRecoveryInfo) error {
	if r.runRecoveryFunc == nil {
		return fmt.Errorf("no run recovery handler registered")
	}
	return r.runRecoveryFunc(ctx, info)
}

// GetStore provides access to the store for recovery operations
func (r *RecoveryRegistry) GetStore() store.Store {
	return r.store
}

// UserID returns the operator whose state is recovered.
func (r *RecoveryRegistry) UserID() string {
	return r.userID
}

// RecoveryManager orchestrates recovery of all registered components
type RecoveryManager struct {
	registry     *RecoveryRegistry
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager
func NewRecoveryManager(st store.Store, userID string) *RecoveryManager {
	return &RecoveryManager{
		registry:     NewRecoveryRegistry(st, userID),
		recoverables: make([]Recoverable, 0),
	}
}

// RegisterRecoverable adds a component that can be recovered
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.recoverables = append(rm.recoverables, r)
}

// RegisterRunRecovery registers the run recovery infrastructure
func (rm *RecoveryManager) RegisterRunRecovery(fn func(context.Context, RunRecoveryInfo) error) {
	rm.registry.RegisterRunRecovery(fn)
}

// RecoverAll performs recovery of all registered components
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	slog.Info("Starting application recovery", "components", len(rm.recoverables), "user", rm.registry.userID)

	recoveredCount := 0
	errorCount := 0

	for _, recoverable := range rm.recoverables {
		if err := recoverable.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("Component recovery failed", "error", err, "component", fmt.Sprintf("%T", recoverable))
			errorCount++
			continue
		}
		recoveredCount++
	}

	slog.Info("Application recovery completed", "recovered", recoveredCount, "errors", errorCount)

	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(rm.recoverables))
	}

	return nil
}

// GetRegistry provides access to the recovery registry for infrastructure setup
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
