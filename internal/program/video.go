package program

import (
	"context"
	"fmt"
	"net/url"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

// TypeVideo is the tag of the video playback program.
const TypeVideo = "video"

// Video plays a video in the UI and completes when the UI reports playback ended.
type Video struct {
	waiter
	url             string
	durationSeconds float64
}

// NewVideo builds a Video from {"url": string, "duration_seconds": number}.
func NewVideo(cfg Config) (Program, error) {
	raw, err := stringField(cfg, "url", true)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q is not absolute", ErrInvalidConfig, raw)
	}
	seconds, ok, err := floatField(cfg, "duration_seconds")
	if err != nil {
		return nil, err
	}
	if !ok || seconds <= 0 {
		return nil, fmt.Errorf("%w: duration_seconds must be positive", ErrInvalidConfig)
	}
	return &Video{url: raw, durationSeconds: seconds}, nil
}

func (v *Video) Administer(ctx context.Context, done CompletionFunc) {
	v.administerInteractive(ctx, done)
}

func (v *Video) Serialize() Config {
	return Config{"url": v.url, "duration_seconds": v.durationSeconds}
}

func (v *Video) EstimateDurationSeconds() float64 {
	return v.durationSeconds
}

func (v *Video) Prompt() map[string]any {
	return map[string]any{"type": TypeVideo, "url": v.url, "duration_seconds": v.durationSeconds}
}

// Respond accepts {"watched": bool}; false means the user stopped early.
func (v *Video) Respond(input map[string]any) error {
	if _, ok := input["watched"]; !ok {
		return fmt.Errorf("%w: watched is required", ErrInvalidInput)
	}
	watched, err := boolField(input, "watched")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v.finish(models.BooleanOutcome(watched))
}
