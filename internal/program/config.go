package program

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

// readingCharsPerSecond approximates how fast a prompt is read.
const readingCharsPerSecond = 15.0

func stringField(cfg Config, key string, required bool) (string, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidConfig, key)
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidConfig, key)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s cannot be empty", ErrInvalidConfig, key)
	}
	return s, nil
}

// floatField reads a number from JSON (float64), YAML (int) or string input.
func floatField(cfg Config, key string) (float64, bool, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	f, err := toFloat(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return f, true, nil
}

func boolField(cfg Config, key string) (bool, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidConfig, key)
		}
		return b, nil
	default:
		return false, fmt.Errorf("%w: %s must be a boolean", ErrInvalidConfig, key)
	}
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
}

func readingSeconds(text string) float64 {
	return float64(len(text)) / readingCharsPerSecond
}

// waiter holds the completion callback of an interactive program and
// guarantees it fires at most once.
type waiter struct {
	mu   sync.Mutex
	done CompletionFunc
}

func (w *waiter) start(done CompletionFunc) {
	w.mu.Lock()
	w.done = done
	w.mu.Unlock()
}

// finish releases the callback and invokes it outside the lock.
func (w *waiter) finish(outcome *models.RunOutcome) error {
	w.mu.Lock()
	done := w.done
	w.done = nil
	w.mu.Unlock()
	if done == nil {
		return ErrNotAdministered
	}
	done(outcome)
	return nil
}

func (w *waiter) waiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done != nil
}

// administerInteractive is the Administer implementation shared by programs
// that complete on UI input.
func (w *waiter) administerInteractive(_ context.Context, done CompletionFunc) {
	w.start(done)
}
