package program

import (
	"context"
	"fmt"
	"math"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

// TypeNumericEntry is the tag of the validated numeric entry program.
const TypeNumericEntry = "numeric_entry"

// NumericEntry asks for a number, optionally bounded by min and max.
type NumericEntry struct {
	waiter
	prompt string
	min    *float64
	max    *float64
}

// NewNumericEntry builds a NumericEntry from {"prompt": string, "min"?: number, "max"?: number}.
func NewNumericEntry(cfg Config) (Program, error) {
	prompt, err := stringField(cfg, "prompt", true)
	if err != nil {
		return nil, err
	}
	n := &NumericEntry{prompt: prompt}
	if v, ok, err := floatField(cfg, "min"); err != nil {
		return nil, err
	} else if ok {
		n.min = &v
	}
	if v, ok, err := floatField(cfg, "max"); err != nil {
		return nil, err
	} else if ok {
		n.max = &v
	}
	if n.min != nil && n.max != nil && *n.min > *n.max {
		return nil, fmt.Errorf("%w: min %v is greater than max %v", ErrInvalidConfig, *n.min, *n.max)
	}
	return n, nil
}

func (n *NumericEntry) Administer(ctx context.Context, done CompletionFunc) {
	n.administerInteractive(ctx, done)
}

func (n *NumericEntry) Serialize() Config {
	cfg := Config{"prompt": n.prompt}
	if n.min != nil {
		cfg["min"] = *n.min
	}
	if n.max != nil {
		cfg["max"] = *n.max
	}
	return cfg
}

func (n *NumericEntry) EstimateDurationSeconds() float64 {
	return 10 + readingSeconds(n.prompt)
}

func (n *NumericEntry) Prompt() map[string]any {
	view := map[string]any{"type": TypeNumericEntry, "prompt": n.prompt}
	if n.min != nil {
		view["min"] = *n.min
	}
	if n.max != nil {
		view["max"] = *n.max
	}
	return view
}

// Respond accepts {"value": number or numeric string}.
func (n *NumericEntry) Respond(input map[string]any) error {
	raw, ok := input["value"]
	if !ok {
		return fmt.Errorf("%w: value is required", ErrInvalidInput)
	}
	v, err := toFloat(raw)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v is not a number", ErrInvalidInput, raw)
	}
	if n.min != nil && v < *n.min {
		return fmt.Errorf("%w: %v is below the minimum %v", ErrInvalidInput, v, *n.min)
	}
	if n.max != nil && v > *n.max {
		return fmt.Errorf("%w: %v is above the maximum %v", ErrInvalidInput, v, *n.max)
	}
	return n.finish(models.NumericOutcome(v))
}
