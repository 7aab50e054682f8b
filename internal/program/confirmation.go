package program

import (
	"context"
	"fmt"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

// TypeConfirmation is the tag of the yes/no confirmation program.
const TypeConfirmation = "confirmation"

// Confirmation asks a yes/no question and records the answer.
type Confirmation struct {
	waiter
	prompt string
}

// NewConfirmation builds a Confirmation from {"prompt": string}.
func NewConfirmation(cfg Config) (Program, error) {
	prompt, err := stringField(cfg, "prompt", true)
	if err != nil {
		return nil, err
	}
	return &Confirmation{prompt: prompt}, nil
}

func (c *Confirmation) Administer(ctx context.Context, done CompletionFunc) {
	c.administerInteractive(ctx, done)
}

func (c *Confirmation) Serialize() Config {
	return Config{"prompt": c.prompt}
}

func (c *Confirmation) EstimateDurationSeconds() float64 {
	return 5 + readingSeconds(c.prompt)
}

func (c *Confirmation) Prompt() map[string]any {
	return map[string]any{"type": TypeConfirmation, "prompt": c.prompt}
}

// Respond accepts {"confirmed": bool}.
func (c *Confirmation) Respond(input map[string]any) error {
	if _, ok := input["confirmed"]; !ok {
		return fmt.Errorf("%w: confirmed is required", ErrInvalidInput)
	}
	confirmed, err := boolField(input, "confirmed")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return c.finish(models.BooleanOutcome(confirmed))
}
