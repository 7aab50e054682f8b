package program

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/RoutineButler/internal/genai"
	"github.com/BTreeMap/RoutineButler/internal/models"
)

// Factory constructs a program with the provided configuration.
type Factory func(Config) (Program, error)

// Registry maintains known program factories keyed by type tag.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// NewDefaultRegistry returns a registry holding every built-in program type.
// gen may be nil, in which case reflection programs use their configured question.
func NewDefaultRegistry(gen genai.Generator) *Registry {
	r := NewRegistry()
	r.MustRegister(TypeConfirmation, NewConfirmation)
	r.MustRegister(TypeNumericEntry, NewNumericEntry)
	r.MustRegister(TypeConfidenceInterval, NewConfidenceInterval)
	r.MustRegister(TypeTimer, NewTimer)
	r.MustRegister(TypeVideo, NewVideo)
	r.MustRegister(TypeReflection, ReflectionFactory(gen))
	return r
}

// Register installs a program factory. Returns an error if the tag already exists.
func (r *Registry) Register(tag string, factory Factory) error {
	if tag == "" {
		return fmt.Errorf("program: type tag is required")
	}
	if factory == nil {
		return fmt.Errorf("program: factory is required for %s", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[tag]; exists {
		return fmt.Errorf("program: %s already registered", tag)
	}
	r.factories[tag] = factory
	slog.Debug("Registry.Register", "type", tag)
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(tag string, factory Factory) {
	if err := r.Register(tag, factory); err != nil {
		panic(err)
	}
}

// New constructs a program by type tag.
func (r *Registry) New(tag string, cfg Config) (Program, error) {
	r.mu.RLock()
	factory, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, tag)
	}
	if cfg == nil {
		cfg = Config{}
	}
	return factory(cfg)
}

// FromQueued constructs a fresh program instance from a queue descriptor.
func (r *Registry) FromQueued(q models.QueuedProgram) (Program, error) {
	p, err := r.New(q.PluginType, q.Config)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", q.Title, err)
	}
	return p, nil
}

// Validate checks that a stored program definition can be constructed.
func (r *Registry) Validate(p models.Program) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := r.New(p.PluginType, p.Config)
	return err
}

// Types returns a sorted list of registered type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
