package program

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/genai"
	"github.com/BTreeMap/RoutineButler/internal/models"
)

// TypeReflection is the tag of the journaling reflection program.
const TypeReflection = "reflection"

const (
	reflectionEstimateSeconds = 120
	reflectionGenerateTimeout = 20 * time.Second
	reflectionSystemPrompt    = "You write a single short journaling question for a personal morning or evening routine. Reply with the question only."
)

// Reflection asks a journaling question and records the free-text answer.
// With "generate": true and a GenAI client available, the question is written
// by the model from "topic"; otherwise, or on any generation failure, the
// configured "question" is used.
type Reflection struct {
	waiter
	gen      genai.Generator
	question string
	topic    string
	generate bool

	askedMu sync.Mutex
	asked   string
}

// ReflectionFactory returns a Factory bound to gen, which may be nil.
func ReflectionFactory(gen genai.Generator) Factory {
	return func(cfg Config) (Program, error) {
		question, err := stringField(cfg, "question", true)
		if err != nil {
			return nil, err
		}
		topic, err := stringField(cfg, "topic", false)
		if err != nil {
			return nil, err
		}
		generate, err := boolField(cfg, "generate")
		if err != nil {
			return nil, err
		}
		return &Reflection{gen: gen, question: question, topic: topic, generate: generate}, nil
	}
}

func (r *Reflection) Administer(ctx context.Context, done CompletionFunc) {
	r.start(done)
	if !r.generate || r.gen == nil {
		r.setAsked(r.question)
		return
	}
	go func() {
		genCtx, cancel := context.WithTimeout(ctx, reflectionGenerateTimeout)
		defer cancel()
		topic := r.topic
		if topic == "" {
			topic = "general wellbeing"
		}
		q, err := r.gen.Generate(genCtx, reflectionSystemPrompt, "Topic: "+topic)
		q = strings.TrimSpace(q)
		if err != nil || q == "" {
			slog.Warn("Reflection.Administer: question generation failed, using configured question", "error", err, "topic", topic)
			q = r.question
		}
		r.setAsked(q)
	}()
}

func (r *Reflection) setAsked(q string) {
	r.askedMu.Lock()
	r.asked = q
	r.askedMu.Unlock()
}

func (r *Reflection) askedQuestion() string {
	r.askedMu.Lock()
	defer r.askedMu.Unlock()
	return r.asked
}

// Serialize includes the question actually asked once one has been chosen.
func (r *Reflection) Serialize() Config {
	cfg := Config{"question": r.question}
	if r.topic != "" {
		cfg["topic"] = r.topic
	}
	if r.generate {
		cfg["generate"] = true
	}
	if asked := r.askedQuestion(); asked != "" {
		cfg["asked"] = asked
	}
	return cfg
}

func (r *Reflection) EstimateDurationSeconds() float64 {
	return reflectionEstimateSeconds
}

func (r *Reflection) Prompt() map[string]any {
	asked := r.askedQuestion()
	return map[string]any{"type": TypeReflection, "question": asked, "ready": asked != ""}
}

// Respond accepts {"text": string}.
func (r *Reflection) Respond(input map[string]any) error {
	text, err := stringField(input, "text", true)
	if err != nil {
		return fmt.Errorf("%w: text is required", ErrInvalidInput)
	}
	return r.finish(models.TextOutcome(text))
}
