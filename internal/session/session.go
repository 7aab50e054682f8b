// Package session holds the operator's single active routine run. It starts
// and resumes runs, forwards UI actions to the running Administrator and
// resumes an interrupted run at startup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/RoutineButler/internal/administrator"
	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/notify"
	"github.com/BTreeMap/RoutineButler/internal/program"
	"github.com/BTreeMap/RoutineButler/internal/recorder"
	"github.com/BTreeMap/RoutineButler/internal/recovery"
	"github.com/BTreeMap/RoutineButler/internal/runstate"
)

// ErrNoActiveRun is returned for run actions when no routine run exists.
var ErrNoActiveRun = errors.New("no routine run is active")

// RoutineSource resolves routines by title.
type RoutineSource interface {
	GetRoutine(userID, title string) (*models.Routine, error)
}

// Config holds the collaborators shared by every run.
type Config struct {
	UserID   string
	Routines RoutineSource
	Cursors  runstate.Manager
	Recorder recorder.Recorder
	Builder  administrator.QueueBuilder
	Registry *program.Registry
	Notifier notify.Notifier
	// OnStart is called with the routine title after a run starts or resumes.
	OnStart func(title string)
	// AdminOptions are passed to every Administrator.
	AdminOptions []administrator.Option
}

// Manager owns the active Administrator.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	active *administrator.Administrator
}

var _ recovery.Recoverable = (*Manager)(nil)

// NewManager creates a Manager with no active run.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Start begins or resumes the named routine and returns its snapshot. When
// that routine is already running its current snapshot is returned.
func (m *Manager) Start(ctx context.Context, title string) (administrator.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && !isFinished(m.active) {
		snap := m.active.Snapshot()
		if snap.Routine == title {
			return snap, nil
		}
		return administrator.Snapshot{}, fmt.Errorf("%w: %q", administrator.ErrRunInProgress, snap.Routine)
	}

	r, err := m.cfg.Routines.GetRoutine(m.cfg.UserID, title)
	if err != nil {
		return administrator.Snapshot{}, fmt.Errorf("failed to load routine %q: %w", title, err)
	}

	a := administrator.New(administrator.Config{
		Routine:  *r,
		Cursors:  m.cfg.Cursors,
		Recorder: m.cfg.Recorder,
		Builder:  m.cfg.Builder,
		Registry: m.cfg.Registry,
		Notifier: m.cfg.Notifier,
	}, m.cfg.AdminOptions...)

	if err := a.Start(ctx); err != nil {
		// A run that got as far as a pending write stays active for Retry.
		if st := a.State(); st == administrator.StateRecording || st == administrator.StateAdministering {
			m.replaceLocked(a)
		} else {
			a.Close()
		}
		slog.Error("Manager.Start failed", "error", err, "routine", title)
		return a.Snapshot(), err
	}

	m.replaceLocked(a)
	if m.cfg.OnStart != nil {
		m.cfg.OnStart(title)
	}
	slog.Info("Manager.Start succeeded", "routine", title, "state", a.State())
	return a.Snapshot(), nil
}

func (m *Manager) replaceLocked(a *administrator.Administrator) {
	if m.active != nil {
		m.active.Close()
	}
	m.active = a
}

func isFinished(a *administrator.Administrator) bool {
	select {
	case <-a.Done():
		return true
	default:
		return false
	}
}

// Resume restarts the run recorded in the persisted cursor, if any.
func (m *Manager) Resume(ctx context.Context) error {
	c, err := m.cfg.Cursors.Load(ctx, m.cfg.UserID)
	if err != nil {
		return err
	}
	if !c.InProgress() {
		slog.Debug("Manager.Resume: no run in progress", "user", m.cfg.UserID)
		return nil
	}
	_, err = m.Start(ctx, c.RoutineTitle)
	return err
}

// RecoverState resumes an interrupted run during application startup.
func (m *Manager) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	info, err := registry.InProgressRun()
	if err != nil {
		return err
	}
	if info == nil {
		slog.Info("Manager.RecoverState: no interrupted run")
		return nil
	}
	return registry.RecoverRun(ctx, *info)
}

// ResumeRoutine is the run recovery callback; it resumes title.
func (m *Manager) ResumeRoutine(ctx context.Context, title string) error {
	_, err := m.Start(ctx, title)
	return err
}

// Current returns the active Administrator, or nil.
func (m *Manager) Current() *administrator.Administrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Snapshot describes the active run. Without one it reports the persisted
// cursor as an IDLE snapshot.
func (m *Manager) Snapshot(ctx context.Context) (administrator.Snapshot, error) {
	if a := m.Current(); a != nil {
		return a.Snapshot(), nil
	}
	c, err := m.cfg.Cursors.Load(ctx, m.cfg.UserID)
	if err != nil {
		return administrator.Snapshot{}, err
	}
	snap := administrator.Snapshot{State: administrator.StateIdle}
	if c.InProgress() {
		snap.Routine = c.RoutineTitle
		snap.Traversed = c.ProgramsTraversed
		snap.PendingWrite = c.PendingRun != nil
	}
	return snap, nil
}

// Respond forwards UI input to the current program.
func (m *Manager) Respond(ctx context.Context, input map[string]any) (administrator.Snapshot, error) {
	a := m.Current()
	if a == nil {
		return administrator.Snapshot{}, ErrNoActiveRun
	}
	err := a.Respond(ctx, input)
	return a.Snapshot(), err
}

// Skip skips the current reward.
func (m *Manager) Skip(ctx context.Context) (administrator.Snapshot, error) {
	a := m.Current()
	if a == nil {
		return administrator.Snapshot{}, ErrNoActiveRun
	}
	err := a.Skip(ctx)
	return a.Snapshot(), err
}

// Retry re-attempts a pending write. Without an active Administrator the
// persisted run is resumed, which retries the write as part of resuming.
func (m *Manager) Retry(ctx context.Context) (administrator.Snapshot, error) {
	a := m.Current()
	if a == nil {
		if err := m.Resume(ctx); err != nil {
			return administrator.Snapshot{}, err
		}
		if a = m.Current(); a == nil {
			return administrator.Snapshot{}, ErrNoActiveRun
		}
		return a.Snapshot(), nil
	}
	err := a.Retry(ctx)
	return a.Snapshot(), err
}

// Abandon ends the active run without recording the current program. A
// persisted run with no Administrator (its routine could not be loaded) is
// cleared directly.
func (m *Manager) Abandon(ctx context.Context) error {
	a := m.Current()
	if a != nil && !isFinished(a) {
		return a.Abandon(ctx)
	}
	c, err := m.cfg.Cursors.Load(ctx, m.cfg.UserID)
	if err != nil {
		return err
	}
	if !c.InProgress() {
		return ErrNoActiveRun
	}
	slog.Warn("Manager.Abandon: clearing orphaned run", "routine", c.RoutineTitle)
	return m.cfg.Cursors.Clear(ctx, m.cfg.UserID)
}

// Close stops the active run's programs; the cursor is left for resume.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.Close()
	}
}
