// Package program defines the contract every pluggable unit of routine work
// satisfies, the registry that constructs programs from their type tag, and
// the built-in program types.
package program

import (
	"context"
	"errors"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

// Config is a plain key/value program configuration snapshot.
type Config = map[string]any

// CompletionFunc reports that a program finished. It must be invoked exactly
// once per Administer call; outcome may be nil.
type CompletionFunc func(outcome *models.RunOutcome)

// Program is implemented by every program type.
type Program interface {
	// Administer begins the unit of work and returns immediately. The program
	// eventually calls done exactly once, from any goroutine.
	Administer(ctx context.Context, done CompletionFunc)
	// Serialize returns the configuration snapshot stored with the program run.
	Serialize() Config
}

// Estimator is implemented by programs that can estimate their own duration.
// Programs without it are treated as zero seconds.
type Estimator interface {
	EstimateDurationSeconds() float64
}

// Responder is implemented by programs that wait for input from the UI.
// A rejected input returns an error and leaves the program waiting.
type Responder interface {
	Respond(input map[string]any) error
}

// Prompter is implemented by programs that expose a view for the UI.
type Prompter interface {
	Prompt() map[string]any
}

var (
	// ErrUnknownType is returned when no factory is registered for a type tag.
	ErrUnknownType = errors.New("unknown program type")
	// ErrNotInteractive is returned when input is sent to a program that does not accept it.
	ErrNotInteractive = errors.New("program does not accept input")
	// ErrNotAdministered is returned when input arrives before Administer was called or after completion.
	ErrNotAdministered = errors.New("program is not waiting for input")
	// ErrInvalidInput wraps rejected UI input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidConfig wraps rejected program configuration.
	ErrInvalidConfig = errors.New("invalid program config")
)

// EstimateSeconds returns p's duration estimate, or 0 if it has none.
func EstimateSeconds(p Program) float64 {
	if e, ok := p.(Estimator); ok {
		if s := e.EstimateDurationSeconds(); s > 0 {
			return s
		}
	}
	return 0
}
