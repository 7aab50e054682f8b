// Package store provides storage backends for Routine Butler.
//
// It includes an in-memory store plus SQLite and PostgreSQL stores for programs,
// routines, program runs and the persisted run cursor.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when creating a record whose key already exists.
	ErrDuplicate = errors.New("record already exists")
)

// PersistenceError reports an underlying storage fault.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// persistErr wraps a storage fault, passing typed store errors through.
func persistErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// Store is the persistence boundary for programs, routines, program runs and run cursors.
type Store interface {
	// CreateProgram inserts a program definition; ErrDuplicate if the title exists for the user.
	CreateProgram(p models.Program) error
	// UpdateProgram replaces a program definition; ErrNotFound if absent.
	UpdateProgram(p models.Program) error
	// GetProgram returns a program by title; ErrNotFound if absent.
	GetProgram(userID, title string) (*models.Program, error)
	ListPrograms(userID string) ([]models.Program, error)
	// DeleteProgram removes a program; ErrNotFound if absent.
	DeleteProgram(userID, title string) error

	CreateRoutine(r models.Routine) error
	UpdateRoutine(r models.Routine) error
	GetRoutine(userID, title string) (*models.Routine, error)
	ListRoutines(userID string) ([]models.Routine, error)
	DeleteRoutine(userID, title string) error

	// AddProgramRun appends a run record atomically. Adding a run whose ID is
	// already stored is a no-op, so a retried write never duplicates a record.
	AddProgramRun(run models.ProgramRun) error
	// ListProgramRuns returns runs for a user, optionally filtered by routine title.
	ListProgramRuns(userID, routineTitle string) ([]models.ProgramRun, error)

	// SaveRunCursor stores or replaces the run cursor of a user.
	SaveRunCursor(c models.RunCursor) error
	// GetRunCursor returns the run cursor of a user, or nil if none is stored.
	GetRunCursor(userID string) (*models.RunCursor, error)
	DeleteRunCursor(userID string) error

	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and
// "sqlite" for anything else (a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// New opens the backend matching the DSN, or an in-memory store when dsn is empty.
func New(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
