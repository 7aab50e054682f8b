package program

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TypeTimer is the tag of the fixed-duration program.
const TypeTimer = "timer"

// Timer holds the user for a fixed number of seconds (a lockbox hold, a
// stretch, a breathing exercise) and then completes by itself.
type Timer struct {
	label   string
	seconds float64

	mu     sync.Mutex
	endsAt time.Time
}

// NewTimer builds a Timer from {"seconds": number, "label"?: string}.
func NewTimer(cfg Config) (Program, error) {
	label, err := stringField(cfg, "label", false)
	if err != nil {
		return nil, err
	}
	seconds, ok, err := floatField(cfg, "seconds")
	if err != nil {
		return nil, err
	}
	if !ok || seconds < 0 {
		return nil, fmt.Errorf("%w: seconds must be a non-negative number", ErrInvalidConfig)
	}
	return &Timer{label: label, seconds: seconds}, nil
}

// Administer starts the countdown. If ctx is cancelled first the timer stops
// without completing; the persisted run cursor restarts it on resume.
func (t *Timer) Administer(ctx context.Context, done CompletionFunc) {
	d := time.Duration(t.seconds * float64(time.Second))
	t.mu.Lock()
	t.endsAt = time.Now().Add(d)
	t.mu.Unlock()

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			slog.Debug("Timer.Administer: context cancelled before completion", "label", t.label)
		case <-timer.C:
			done(nil)
		}
	}()
}

func (t *Timer) Serialize() Config {
	cfg := Config{"seconds": t.seconds}
	if t.label != "" {
		cfg["label"] = t.label
	}
	return cfg
}

func (t *Timer) EstimateDurationSeconds() float64 {
	return t.seconds
}

func (t *Timer) Prompt() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	view := map[string]any{"type": TypeTimer, "label": t.label, "seconds": t.seconds}
	if !t.endsAt.IsZero() {
		view["ends_at"] = t.endsAt
	}
	return view
}
