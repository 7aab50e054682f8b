package program

import (
	"context"
	"fmt"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

// TypeConfidenceInterval is the tag of the confidence interval elicitation program.
const TypeConfidenceInterval = "confidence_interval"

// DefaultConfidence is the confidence level used when none is configured.
const DefaultConfidence = 90.0

// ConfidenceInterval asks for a lower and upper bound the user believes
// contains the answer with the configured confidence.
type ConfidenceInterval struct {
	waiter
	question   string
	confidence float64
}

// NewConfidenceInterval builds a ConfidenceInterval from {"question": string, "confidence"?: percent}.
func NewConfidenceInterval(cfg Config) (Program, error) {
	question, err := stringField(cfg, "question", true)
	if err != nil {
		return nil, err
	}
	confidence := DefaultConfidence
	if v, ok, err := floatField(cfg, "confidence"); err != nil {
		return nil, err
	} else if ok {
		confidence = v
	}
	if confidence <= 0 || confidence >= 100 {
		return nil, fmt.Errorf("%w: confidence must be between 0 and 100, got %v", ErrInvalidConfig, confidence)
	}
	return &ConfidenceInterval{question: question, confidence: confidence}, nil
}

func (c *ConfidenceInterval) Administer(ctx context.Context, done CompletionFunc) {
	c.administerInteractive(ctx, done)
}

func (c *ConfidenceInterval) Serialize() Config {
	return Config{"question": c.question, "confidence": c.confidence}
}

func (c *ConfidenceInterval) EstimateDurationSeconds() float64 {
	return 20 + readingSeconds(c.question)
}

func (c *ConfidenceInterval) Prompt() map[string]any {
	return map[string]any{"type": TypeConfidenceInterval, "question": c.question, "confidence": c.confidence}
}

// Respond accepts {"lower": number, "upper": number} with lower <= upper.
func (c *ConfidenceInterval) Respond(input map[string]any) error {
	lower, okL, errL := floatField(input, "lower")
	upper, okU, errU := floatField(input, "upper")
	if errL != nil || errU != nil || !okL || !okU {
		return fmt.Errorf("%w: lower and upper must both be numbers", ErrInvalidInput)
	}
	if lower > upper {
		return fmt.Errorf("%w: lower %v is greater than upper %v", ErrInvalidInput, lower, upper)
	}
	return c.finish(models.ConfidenceIntervalOutcome(lower, upper, c.confidence))
}
