// Package administrator runs one routine: it builds or resumes the program
// queue, administers programs one at a time, records each completion and
// advances the persisted run cursor until the queue is exhausted.
//
// A program's completion may arrive synchronously from inside Administer or
// later from any goroutine. Completions reported during Administer are
// deferred and processed once Administer returns, so the run loop never
// recurses. Each administered program gets a generation number; completions
// carrying a stale generation (after a skip, an abandon or a duplicate call)
// are ignored.
package administrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/notify"
	"github.com/BTreeMap/RoutineButler/internal/program"
	"github.com/BTreeMap/RoutineButler/internal/queue"
	"github.com/BTreeMap/RoutineButler/internal/recorder"
	"github.com/BTreeMap/RoutineButler/internal/runstate"
	"github.com/BTreeMap/RoutineButler/internal/util"
)

// State is the administrator's position in its lifecycle.
type State string

const (
	StateIdle          State = "IDLE"
	StateQueueBuilding State = "QUEUE_BUILDING"
	StateAdministering State = "ADMINISTERING"
	StateRecording     State = "RECORDING"
	StateComplete      State = "COMPLETE"
	StateAbandoned     State = "ABANDONED"
)

// Phase names the queue the current program belongs to.
type Phase string

const (
	PhaseElement Phase = "element"
	PhaseReward  Phase = "reward"
)

var (
	// ErrRunInProgress is returned when the cursor holds a run of another routine.
	ErrRunInProgress = errors.New("another routine run is in progress")
	// ErrSkipNotAllowed is returned when skip is requested outside the rewards phase.
	ErrSkipNotAllowed = errors.New("skip is only available once all elements are done")
	// ErrNotAdministering is returned when an action needs a program in progress.
	ErrNotAdministering = errors.New("no program is being administered")
	// ErrRunComplete is returned for actions on a finished or abandoned run.
	ErrRunComplete = errors.New("routine run is complete")
	// ErrNoPendingRun is returned by Retry when nothing awaits a write.
	ErrNoPendingRun = errors.New("no program run is awaiting a write")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("administrator already started")

	errRecordInFlight = errors.New("a program run write is already in flight")
)

// QueueBuilder produces the queues of a run.
type QueueBuilder interface {
	Build(ctx context.Context, r models.Routine, targetMinutes *int) (*queue.Queues, error)
	BuildRewards(r models.Routine) ([]models.QueuedProgram, error)
}

// Config holds the collaborators of an Administrator.
type Config struct {
	Routine  models.Routine
	Cursors  runstate.Manager
	Recorder recorder.Recorder
	Builder  QueueBuilder
	Registry *program.Registry
	Notifier notify.Notifier
}

// Opts holds optional settings for an Administrator.
type Opts struct {
	Clock func() time.Time
	NewID func() string
}

// Option configures an Administrator.
type Option func(*Opts)

// WithClock overrides the time source used for run timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithIDGenerator overrides how program run IDs are generated.
func WithIDGenerator(gen func() string) Option {
	return func(o *Opts) { o.NewID = gen }
}

// completion is a program completion awaiting processing.
type completion struct {
	gen     uint64
	outcome *models.RunOutcome
	end     time.Time
}

// Administrator owns one routine run.
type Administrator struct {
	cfg   Config
	now   func() time.Time
	newID func() string

	// runCtx outlives individual requests and is handed to programs.
	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	state     State
	cursor    *models.RunCursor
	rewards   []models.QueuedProgram
	pruned    []string
	resumed   bool
	current   program.Program
	gen       uint64
	inCall    bool
	deferred  *completion
	recording bool
	// pendingSaved reports whether the cursor's pending run reached the store.
	pendingSaved bool
	lastErr      error
}

// New creates an Administrator for cfg.Routine. Nothing is read or written
// until Start is called.
func New(cfg Config, opts ...Option) *Administrator {
	o := Opts{Clock: time.Now, NewID: util.GenerateRunID}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Administrator{
		cfg:    cfg,
		now:    o.Clock,
		newID:  o.NewID,
		runCtx: ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateIdle,
	}
}

// Start inspects the run cursor and begins or resumes the run.
//
// With no cached element queue the queues are built and the element queue is
// persisted. A cached queue is reused verbatim. A pending program run left by
// an interrupted write is recorded first and the cursor advanced past it.
// Otherwise the program at the cursor is administered again.
func (a *Administrator) Start(ctx context.Context) error {
	r := a.cfg.Routine
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	cursor, err := a.cfg.Cursors.Load(ctx, r.UserID)
	if err != nil {
		return err
	}
	if cursor.InProgress() && cursor.RoutineTitle != r.Title {
		return fmt.Errorf("%w: %q", ErrRunInProgress, cursor.RoutineTitle)
	}

	var rewards []models.QueuedProgram
	var pruned []string
	resumed := cursor.InProgress()
	if resumed {
		slog.Info("Administrator.Start: resuming run", "routine", r.Title, "traversed", cursor.ProgramsTraversed,
			"elements", len(cursor.ElementQueue), "pending", cursor.PendingRun != nil)
		if rewards, err = a.cfg.Builder.BuildRewards(r); err != nil {
			return err
		}
	} else {
		a.setState(StateQueueBuilding)
		q, err := a.cfg.Builder.Build(ctx, r, r.TargetDuration())
		if err != nil {
			a.setState(StateIdle)
			return err
		}
		cursor.Reset()
		cursor.UserID = r.UserID
		cursor.RoutineTitle = r.Title
		cursor.ElementQueue = q.Elements
		if cursor.ElementQueue == nil {
			cursor.ElementQueue = []models.QueuedProgram{}
		}
		rewards, pruned = q.Rewards, q.Pruned
		if err := a.cfg.Cursors.Save(ctx, cursor); err != nil {
			a.setState(StateIdle)
			return err
		}
		slog.Info("Administrator.Start: new run", "routine", r.Title, "elements", len(cursor.ElementQueue),
			"rewards", len(rewards), "pruned", len(pruned))
	}

	a.mu.Lock()
	a.cursor = cursor
	a.rewards = rewards
	a.pruned = pruned
	a.resumed = resumed
	pending := cursor.PendingRun != nil
	a.pendingSaved = pending
	if pending {
		a.state = StateRecording
	}
	a.mu.Unlock()

	if pending {
		if err := a.commitPending(ctx); err != nil {
			return err
		}
	}
	return a.run()
}

// run administers programs until one is left waiting or the queue is exhausted.
func (a *Administrator) run() error {
	for {
		a.mu.Lock()
		if a.state == StateComplete || a.state == StateAbandoned {
			a.mu.Unlock()
			return nil
		}
		q, _, ok := a.currentLocked()
		if !ok {
			a.finishRunLocked()
			a.mu.Unlock()
			notify.Send(a.runCtx, a.cfg.Notifier, fmt.Sprintf("%s complete", a.cfg.Routine.Title))
			return nil
		}
		inst, err := a.cfg.Registry.FromQueued(q)
		if err != nil {
			a.lastErr = err
			a.mu.Unlock()
			slog.Error("Administrator.run: cannot construct program", "error", err, "program", q.Title)
			return err
		}
		start := a.now()
		a.cursor.CurrentProgramStartTime = &start
		if err := a.saveLocked(); err != nil {
			a.mu.Unlock()
			return err
		}
		a.gen++
		gen := a.gen
		a.current = inst
		a.state = StateAdministering
		a.inCall = true
		a.mu.Unlock()

		slog.Debug("Administrator.run: administering", "routine", a.cfg.Routine.Title, "index", a.cursorIndex(), "program", q.Title)
		inst.Administer(a.runCtx, a.completionFor(gen))

		a.mu.Lock()
		a.inCall = false
		c := a.deferred
		a.deferred = nil
		a.mu.Unlock()
		if c == nil {
			return nil
		}
		if err := a.complete(*c); err != nil {
			if errors.Is(err, errStaleCompletion) {
				return nil
			}
			return err
		}
	}
}

var errStaleCompletion = errors.New("stale completion")

func (a *Administrator) completionFor(gen uint64) program.CompletionFunc {
	return func(outcome *models.RunOutcome) {
		c := completion{gen: gen, outcome: outcome, end: a.now()}
		a.mu.Lock()
		if a.inCall && gen == a.gen {
			if a.deferred == nil {
				a.deferred = &c
			}
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
		if err := a.complete(c); err != nil {
			return
		}
		if err := a.run(); err != nil {
			slog.Error("Administrator: run stopped after completion", "error", err, "routine", a.cfg.Routine.Title)
		}
	}
}

// complete turns a completion into a pending program run, persists it in
// the cursor and then writes it.
func (a *Administrator) complete(c completion) error {
	a.mu.Lock()
	if c.gen != a.gen || a.state != StateAdministering || a.current == nil {
		a.mu.Unlock()
		slog.Warn("Administrator: ignoring stale completion", "routine", a.cfg.Routine.Title, "gen", c.gen, "current", a.gen)
		return errStaleCompletion
	}
	q, idx, _ := a.currentLocked()
	start := c.end
	if a.cursor.CurrentProgramStartTime != nil {
		start = *a.cursor.CurrentProgramStartTime
	}
	run := models.ProgramRun{
		ID:            a.newID(),
		UserID:        a.cfg.Routine.UserID,
		RoutineTitle:  a.cfg.Routine.Title,
		ProgramTitle:  q.Title,
		PluginType:    q.PluginType,
		RunIndex:      idx,
		ProgramConfig: a.current.Serialize(),
		StartTime:     start,
		EndTime:       c.end,
		Outcome:       c.outcome,
	}
	a.cursor.PendingRun = &run
	a.state = StateRecording
	a.pendingSaved = false
	if err := a.persistPendingLocked(); err != nil {
		slog.Error("Administrator.complete: pending run not persisted, writing anyway", "error", err, "id", run.ID)
	}
	a.mu.Unlock()

	err := a.commitPending(a.runCtx)
	if errors.Is(err, ErrNoPendingRun) || errors.Is(err, errRecordInFlight) {
		return errStaleCompletion
	}
	return err
}

// commitPending writes the cursor's pending run and advances past it. On
// failure the pending run stays in the cursor for Retry or the next resume.
func (a *Administrator) commitPending(ctx context.Context) error {
	a.mu.Lock()
	run := a.cursor.PendingRun
	if run == nil {
		a.mu.Unlock()
		return ErrNoPendingRun
	}
	if a.recording {
		a.mu.Unlock()
		return errRecordInFlight
	}
	a.recording = true
	a.state = StateRecording
	a.mu.Unlock()

	err := a.cfg.Recorder.Record(ctx, *run)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.recording = false
	if a.state == StateAbandoned {
		return ErrRunComplete
	}
	if err != nil {
		if saveErr := a.persistPendingLocked(); saveErr != nil {
			slog.Error("Administrator: pending run is only held in memory", "error", saveErr, "id", run.ID)
			err = fmt.Errorf("%w; pending program run not persisted, a restart would lose it: %w", err, saveErr)
		}
		a.lastErr = err
		slog.Error("Administrator: program run write failed, keeping it pending", "error", err, "id", run.ID, "program", run.ProgramTitle)
		notify.Send(a.runCtx, a.cfg.Notifier, fmt.Sprintf("Could not save %s; it will be retried", run.ProgramTitle))
		return err
	}
	a.lastErr = nil
	a.advanceLocked()
	if err := a.saveLocked(); err != nil {
		// The write landed; a resume from the stale cursor retries it under the same ID.
		slog.Error("Administrator: cursor not advanced after write", "error", err, "id", run.ID)
	}
	slog.Debug("Administrator: program run recorded", "id", run.ID, "index", run.RunIndex, "program", run.ProgramTitle)
	return nil
}

// persistPendingLocked saves the cursor holding the pending run unless it
// is already stored.
func (a *Administrator) persistPendingLocked() error {
	if a.pendingSaved || a.cursor == nil || a.cursor.PendingRun == nil {
		return nil
	}
	if err := a.saveLocked(); err != nil {
		return err
	}
	a.pendingSaved = true
	return nil
}

// advanceLocked moves the cursor to the next program.
func (a *Administrator) advanceLocked() {
	a.cursor.PendingRun = nil
	a.pendingSaved = false
	a.cursor.ProgramsTraversed++
	a.cursor.CurrentProgramStartTime = nil
	a.current = nil
	a.gen++
	a.state = StateAdministering
}

func (a *Administrator) finishRunLocked() {
	a.cursor.Reset()
	a.current = nil
	a.state = StateComplete
	if err := a.cfg.Cursors.Clear(a.runCtx, a.cfg.Routine.UserID); err != nil {
		slog.Error("Administrator: failed to clear cursor after completion", "error", err)
	}
	slog.Info("Administrator: routine run complete", "routine", a.cfg.Routine.Title)
	close(a.done)
}

// currentLocked returns the queued program at the cursor, its index and
// whether one exists.
func (a *Administrator) currentLocked() (models.QueuedProgram, int, bool) {
	i := a.cursor.ProgramsTraversed
	n := len(a.cursor.ElementQueue)
	switch {
	case i < n:
		return a.cursor.ElementQueue[i], i, true
	case i-n < len(a.rewards):
		return a.rewards[i-n], i, true
	default:
		return models.QueuedProgram{}, i, false
	}
}

func (a *Administrator) cursorIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cursor == nil {
		return 0
	}
	return a.cursor.ProgramsTraversed
}

func (a *Administrator) saveLocked() error {
	return a.cfg.Cursors.Save(a.runCtx, a.cursor)
}

func (a *Administrator) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Respond forwards UI input to the current program.
func (a *Administrator) Respond(ctx context.Context, input map[string]any) error {
	a.mu.Lock()
	if err := a.activeLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	if a.state != StateAdministering || a.current == nil {
		a.mu.Unlock()
		return ErrNotAdministering
	}
	responder, ok := a.current.(program.Responder)
	a.mu.Unlock()
	if !ok {
		return program.ErrNotInteractive
	}
	if err := responder.Respond(input); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateRecording && a.lastErr != nil {
		return a.lastErr
	}
	return nil
}

// Skip advances past the current reward without recording it. It is only
// allowed once every element has been administered.
func (a *Administrator) Skip(ctx context.Context) error {
	a.mu.Lock()
	if err := a.activeLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	// A program still inside Administer cannot be skipped.
	if a.state != StateAdministering || a.current == nil || a.inCall {
		a.mu.Unlock()
		return ErrNotAdministering
	}
	if a.cursor.ProgramsTraversed < len(a.cursor.ElementQueue) {
		a.mu.Unlock()
		return ErrSkipNotAllowed
	}
	q, idx, _ := a.currentLocked()
	a.advanceLocked()
	err := a.saveLocked()
	a.mu.Unlock()
	if err != nil {
		return err
	}
	slog.Info("Administrator.Skip: reward skipped", "routine", a.cfg.Routine.Title, "index", idx, "program", q.Title)
	return a.run()
}

// Retry re-attempts a failed program run write and continues the run. A
// pending run that never reached the store is saved in the cursor first.
func (a *Administrator) Retry(ctx context.Context) error {
	a.mu.Lock()
	if err := a.activeLocked(); err != nil {
		a.mu.Unlock()
		return err
	}
	if err := a.persistPendingLocked(); err != nil {
		slog.Warn("Administrator.Retry: pending run still not persisted", "error", err)
	}
	a.mu.Unlock()
	if err := a.commitPending(ctx); err != nil {
		return err
	}
	return a.run()
}

// Abandon ends the run without recording the current program and returns
// the cursor to IDLE.
func (a *Administrator) Abandon(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateComplete || a.state == StateAbandoned {
		return ErrRunComplete
	}
	if err := a.cfg.Cursors.Clear(ctx, a.cfg.Routine.UserID); err != nil {
		return err
	}
	a.gen++
	a.current = nil
	if a.cursor != nil {
		a.cursor.Reset()
	}
	a.state = StateAbandoned
	a.cancel()
	close(a.done)
	slog.Info("Administrator.Abandon: run abandoned", "routine", a.cfg.Routine.Title)
	return nil
}

// Close stops any running program without touching the cursor, so the run
// resumes on the next Start.
func (a *Administrator) Close() {
	a.cancel()
}

func (a *Administrator) activeLocked() error {
	switch a.state {
	case StateComplete, StateAbandoned:
		return ErrRunComplete
	case StateIdle, StateQueueBuilding:
		return ErrNotAdministering
	}
	return nil
}

// Done is closed when the run completes or is abandoned.
func (a *Administrator) Done() <-chan struct{} {
	return a.done
}

// State returns the current lifecycle state.
func (a *Administrator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Progress returns how many programs were traversed and the combined queue length.
func (a *Administrator) Progress() (traversed, total int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cursor == nil {
		return 0, 0
	}
	return a.cursor.ProgramsTraversed, len(a.cursor.ElementQueue) + len(a.rewards)
}

// CurrentProgram returns the queued program being administered, or nil.
func (a *Administrator) CurrentProgram() *models.QueuedProgram {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cursor == nil || a.state == StateComplete || a.state == StateAbandoned {
		return nil
	}
	q, _, ok := a.currentLocked()
	if !ok {
		return nil
	}
	return &q
}

// Snapshot is the UI-facing view of a run.
type Snapshot struct {
	Routine      string                `json:"routine"`
	State        State                 `json:"state"`
	Index        int                   `json:"index"`
	Traversed    int                   `json:"traversed"`
	Total        int                   `json:"total"`
	Phase        Phase                 `json:"phase,omitempty"`
	Program      *models.QueuedProgram `json:"program,omitempty"`
	Prompt       map[string]any        `json:"prompt,omitempty"`
	CanSkip      bool                  `json:"can_skip"`
	PendingWrite bool                  `json:"pending_write"`
	LastError    string                `json:"last_error,omitempty"`
	Pruned       []string              `json:"pruned,omitempty"`
	Resumed      bool                  `json:"resumed"`
	Complete     bool                  `json:"complete"`
}

// Snapshot returns the current view of the run.
func (a *Administrator) Snapshot() Snapshot {
	a.mu.Lock()
	s := Snapshot{
		Routine:  a.cfg.Routine.Title,
		State:    a.state,
		Pruned:   append([]string(nil), a.pruned...),
		Resumed:  a.resumed,
		Complete: a.state == StateComplete,
	}
	if a.lastErr != nil {
		s.LastError = a.lastErr.Error()
	}
	var prompter program.Prompter
	if a.cursor != nil && !s.Complete && a.state != StateAbandoned {
		s.Traversed = a.cursor.ProgramsTraversed
		s.Total = len(a.cursor.ElementQueue) + len(a.rewards)
		s.PendingWrite = a.cursor.PendingRun != nil
		if q, idx, ok := a.currentLocked(); ok {
			s.Index = idx
			s.Program = &q
			s.Phase = PhaseElement
			if idx >= len(a.cursor.ElementQueue) {
				s.Phase = PhaseReward
			}
			s.CanSkip = s.Phase == PhaseReward && a.state == StateAdministering
		}
		if a.state == StateAdministering && a.current != nil {
			prompter, _ = a.current.(program.Prompter)
		}
	}
	a.mu.Unlock()
	if prompter != nil {
		s.Prompt = prompter.Prompt()
	}
	return s
}
