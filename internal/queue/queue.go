// Package queue builds the element and reward queues of a routine run and
// prunes elements by priority to fit a target duration.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/notify"
	"github.com/BTreeMap/RoutineButler/internal/program"
	"github.com/BTreeMap/RoutineButler/internal/store"
)

const (
	// LoadingOverheadPerProgram is the per-element allowance, in seconds, for
	// the UI to load a program.
	LoadingOverheadPerProgram = 2.5
	// SafetyCushionSeconds is held back from every target budget.
	SafetyCushionSeconds = 90.0
)

// UnresolvedProgramError is returned when an element or reward references a
// program title that no longer exists.
type UnresolvedProgramError struct {
	Title string
}

func (e *UnresolvedProgramError) Error() string {
	return fmt.Sprintf("routine references unknown program %q", e.Title)
}

// ProgramSource looks up stored program definitions by title.
type ProgramSource interface {
	GetProgram(userID, title string) (*models.Program, error)
}

// Queues is the output of a build.
type Queues struct {
	Elements []models.QueuedProgram
	Rewards  []models.QueuedProgram
	// Pruned lists the titles of removed elements in their original order.
	Pruned []string
}

// Opts holds configuration options for a Builder.
type Opts struct {
	Rand     *rand.Rand
	Notifier notify.Notifier
}

// Option defines a configuration option for a Builder.
type Option func(*Opts)

// WithRand sets the randomness source used to pick pruned elements.
// Without it pruning uses the unseeded global source.
func WithRand(r *rand.Rand) Option {
	return func(o *Opts) { o.Rand = r }
}

// WithNotifier sets where the pruning notice is delivered.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// Builder resolves routine references and prunes element queues.
type Builder struct {
	programs ProgramSource
	registry *program.Registry
	notifier notify.Notifier

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBuilder creates a Builder over the given program source and registry.
func NewBuilder(programs ProgramSource, registry *program.Registry, opts ...Option) *Builder {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Builder{programs: programs, registry: registry, notifier: cfg.Notifier, rng: cfg.Rand}
}

// candidate is a resolved element awaiting the pruning pass.
type candidate struct {
	queued   models.QueuedProgram
	priority models.Priority
	estimate float64
}

// Build resolves every element and reward of r and, when targetMinutes is
// non-nil, prunes elements until the summed estimate is under budget.
// Rewards are never pruned. Survivors keep their original relative order.
func (b *Builder) Build(ctx context.Context, r models.Routine, targetMinutes *int) (*Queues, error) {
	elements := make([]candidate, 0, len(r.Elements))
	for _, e := range r.Elements {
		q, est, err := b.resolve(r.UserID, e.ProgramTitle)
		if err != nil {
			return nil, err
		}
		elements = append(elements, candidate{queued: q, priority: e.Priority, estimate: est})
	}
	rewards, err := b.BuildRewards(r)
	if err != nil {
		return nil, err
	}

	out := &Queues{Elements: make([]models.QueuedProgram, 0, len(elements)), Rewards: rewards}
	if targetMinutes == nil {
		for _, c := range elements {
			out.Elements = append(out.Elements, c.queued)
		}
		slog.Debug("Builder.Build: no target duration", "routine", r.Title, "elements", len(out.Elements), "rewards", len(rewards))
		return out, nil
	}

	target := TargetSeconds(*targetMinutes, len(elements))
	kept := b.prune(elements, target)
	for i, c := range elements {
		if kept[i] {
			out.Elements = append(out.Elements, c.queued)
		} else {
			out.Pruned = append(out.Pruned, c.queued.Title)
		}
	}
	slog.Debug("Builder.Build: pruned to target", "routine", r.Title, "targetSeconds", target,
		"kept", len(out.Elements), "pruned", len(out.Pruned))

	if len(out.Pruned) > 0 {
		msg := fmt.Sprintf("To fit %d minutes, %s skipped: %s", *targetMinutes, r.Title, strings.Join(out.Pruned, ", "))
		slog.Info("Builder.Build: elements pruned", "routine", r.Title, "pruned", out.Pruned)
		notify.Send(ctx, b.notifier, msg)
	}
	return out, nil
}

// BuildRewards resolves the reward queue of r. Rewards are cheap to rebuild
// and are not cached in the run cursor.
func (b *Builder) BuildRewards(r models.Routine) ([]models.QueuedProgram, error) {
	rewards := make([]models.QueuedProgram, 0, len(r.Rewards))
	for _, rw := range r.Rewards {
		q, _, err := b.resolve(r.UserID, rw.ProgramTitle)
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, q)
	}
	return rewards, nil
}

// TargetSeconds converts a target in minutes into the element budget.
func TargetSeconds(targetMinutes, nElements int) float64 {
	return float64(targetMinutes)*60 - LoadingOverheadPerProgram*float64(nElements) - SafetyCushionSeconds
}

func (b *Builder) resolve(userID, title string) (models.QueuedProgram, float64, error) {
	p, err := b.programs.GetProgram(userID, title)
	if errors.Is(err, store.ErrNotFound) {
		return models.QueuedProgram{}, 0, &UnresolvedProgramError{Title: title}
	}
	if err != nil {
		return models.QueuedProgram{}, 0, fmt.Errorf("resolve program %q: %w", title, err)
	}
	inst, err := b.registry.New(p.PluginType, p.Config)
	if err != nil {
		return models.QueuedProgram{}, 0, fmt.Errorf("construct program %q: %w", title, err)
	}
	q := models.QueuedProgram{Title: p.Title, PluginType: p.PluginType, Config: p.Config}
	return q, program.EstimateSeconds(inst), nil
}

// prune reports which elements survive. While the surviving estimate is at
// or over target it removes one element chosen uniformly from the lowest
// priority tier still present. An empty queue is the only floor.
func (b *Builder) prune(elements []candidate, target float64) []bool {
	kept := make([]bool, len(elements))
	remaining := len(elements)
	for i := range kept {
		kept[i] = true
	}
	for remaining > 0 {
		var sum float64
		lowest := len(models.Priorities)
		for i, c := range elements {
			if !kept[i] {
				continue
			}
			sum += c.estimate
			if rank := c.priority.Rank(); rank < lowest {
				lowest = rank
			}
		}
		if sum < target {
			break
		}
		var tier []int
		for i, c := range elements {
			if kept[i] && c.priority.Rank() == lowest {
				tier = append(tier, i)
			}
		}
		kept[tier[b.intN(len(tier))]] = false
		remaining--
	}
	return kept
}

func (b *Builder) intN(n int) int {
	if b.rng == nil {
		return rand.IntN(n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.IntN(n)
}
