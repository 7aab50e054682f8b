package administrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/notify"
	"github.com/BTreeMap/RoutineButler/internal/program"
	"github.com/BTreeMap/RoutineButler/internal/queue"
	"github.com/BTreeMap/RoutineButler/internal/recorder"
	"github.com/BTreeMap/RoutineButler/internal/runstate"
	"github.com/BTreeMap/RoutineButler/internal/store"
	"github.com/BTreeMap/RoutineButler/internal/testutil"
)

const (
	testUser    = "u1"
	typeInstant = "instant"
	typeManual  = "manual"
	typeDouble  = "double"
)

// instant completes synchronously inside Administer.
type instant struct{ cfg program.Config }

func (p *instant) Administer(ctx context.Context, done program.CompletionFunc) {
	done(models.BooleanOutcome(true))
}
func (p *instant) Serialize() program.Config { return p.cfg }

// double reports completion twice, which must only be recorded once.
type double struct{ instant }

func (p *double) Administer(ctx context.Context, done program.CompletionFunc) {
	done(models.NumericOutcome(1))
	done(models.NumericOutcome(2))
}

// manual waits for Respond.
type manual struct {
	cfg     program.Config
	seconds float64
	mu      sync.Mutex
	done    program.CompletionFunc
}

func (p *manual) Administer(ctx context.Context, done program.CompletionFunc) {
	p.mu.Lock()
	p.done = done
	p.mu.Unlock()
}
func (p *manual) Serialize() program.Config         { return p.cfg }
func (p *manual) EstimateDurationSeconds() float64 { return p.seconds }
func (p *manual) Prompt() map[string]any            { return map[string]any{"type": typeManual} }
func (p *manual) Respond(input map[string]any) error {
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()
	if done == nil {
		return program.ErrNotAdministered
	}
	done(models.TextOutcome(fmt.Sprint(input["text"])))
	return nil
}

func newTestRegistry() *program.Registry {
	r := program.NewRegistry()
	r.MustRegister(typeInstant, func(cfg program.Config) (program.Program, error) { return &instant{cfg: cfg}, nil })
	r.MustRegister(typeDouble, func(cfg program.Config) (program.Program, error) { return &double{instant{cfg: cfg}}, nil })
	r.MustRegister(typeManual, func(cfg program.Config) (program.Program, error) {
		secs, _ := cfg["seconds"].(float64)
		return &manual{cfg: cfg, seconds: secs}, nil
	})
	r.MustRegister(program.TypeTimer, program.NewTimer)
	return r
}

// flakyRecorder fails a configured number of writes. With landThenFail the
// write reaches the store before the error is returned.
type flakyRecorder struct {
	inner recorder.Recorder

	mu           sync.Mutex
	failures     int
	landThenFail bool
	calls        int
}

func (f *flakyRecorder) Record(ctx context.Context, run models.ProgramRun) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	land := f.landThenFail
	f.mu.Unlock()
	if fail && !land {
		return &store.PersistenceError{Op: "Record", Err: errors.New("database is locked")}
	}
	if err := f.inner.Record(ctx, run); err != nil {
		return err
	}
	if fail {
		return &store.PersistenceError{Op: "Record", Err: errors.New("connection reset after commit")}
	}
	return nil
}

var errCursorSave = errors.New("cursor write failed")

// flakyCursors fails saves of cursors matching when. failures < 0 fails
// every matching save.
type flakyCursors struct {
	runstate.Manager

	mu       sync.Mutex
	when     func(c *models.RunCursor) bool
	failures int
}

func (f *flakyCursors) Save(ctx context.Context, c *models.RunCursor) error {
	f.mu.Lock()
	fail := f.failures != 0 && f.when(c)
	if fail && f.failures > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return &store.PersistenceError{Op: "SaveRunCursor", Err: errCursorSave}
	}
	return f.Manager.Save(ctx, c)
}

func (f *flakyCursors) heal() {
	f.mu.Lock()
	f.failures = 0
	f.mu.Unlock()
}

func holdsPendingRun(c *models.RunCursor) bool { return c.PendingRun != nil }

// countingBuilder counts full queue builds.
type countingBuilder struct {
	*queue.Builder
	mu     sync.Mutex
	builds int
}

func (c *countingBuilder) Build(ctx context.Context, r models.Routine, target *int) (*queue.Queues, error) {
	c.mu.Lock()
	c.builds++
	c.mu.Unlock()
	return c.Builder.Build(ctx, r, target)
}

type testEnv struct {
	st       *store.InMemoryStore
	cursors  runstate.Manager
	recorder *flakyRecorder
	registry *program.Registry
	builder  *countingBuilder
	notes    *notify.Recorder
}

// newTestEnv stores one program per title: title -> plugin type.
func newTestEnv(t *testing.T, programs map[string]string) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	for title, typ := range programs {
		cfg := map[string]any{"seconds": float64(600)}
		if typ == program.TypeTimer {
			cfg = map[string]any{"seconds": float64(0)}
		}
		if err := st.CreateProgram(models.Program{UserID: testUser, Title: title, PluginType: typ, Config: cfg}); err != nil {
			t.Fatalf("CreateProgram: %v", err)
		}
	}
	reg := newTestRegistry()
	notes := &notify.Recorder{}
	return &testEnv{
		st:       st,
		cursors:  runstate.NewStoreManager(st),
		recorder: &flakyRecorder{inner: recorder.NewStoreRecorder(st)},
		registry: reg,
		builder:  &countingBuilder{Builder: queue.NewBuilder(st, reg, queue.WithNotifier(notes))},
		notes:    notes,
	}
}

// failCursorSaves makes cursor saves matching when fail; it must be called
// before newAdmin.
func (e *testEnv) failCursorSaves(failures int, when func(c *models.RunCursor) bool) *flakyCursors {
	f := &flakyCursors{Manager: runstate.NewStoreManager(e.st), when: when, failures: failures}
	e.cursors = f
	return f
}

func (e *testEnv) newAdmin(r models.Routine, opts ...Option) *Administrator {
	return New(Config{
		Routine:  r,
		Cursors:  e.cursors,
		Recorder: e.recorder,
		Builder:  e.builder,
		Registry: e.registry,
		Notifier: e.notes,
	}, opts...)
}

func (e *testEnv) runs(t *testing.T, routine string) []models.ProgramRun {
	t.Helper()
	runs, err := e.st.ListProgramRuns(testUser, routine)
	if err != nil {
		t.Fatalf("ListProgramRuns: %v", err)
	}
	return runs
}

func (e *testEnv) cursor(t *testing.T) *models.RunCursor {
	t.Helper()
	c, err := e.cursors.Load(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Load cursor: %v", err)
	}
	return c
}

func routine(title string, elements []string, rewards ...string) models.Routine {
	r := models.Routine{UserID: testUser, Title: title}
	for _, e := range elements {
		r.Elements = append(r.Elements, models.Element{ProgramTitle: e, Priority: models.PriorityMedium})
	}
	for _, rw := range rewards {
		r.Rewards = append(r.Rewards, models.Reward{ProgramTitle: rw})
	}
	return r
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestRun_CompletionExhaustion(t *testing.T) {
	e := newTestEnv(t, map[string]string{"A": typeInstant, "B": typeInstant, "R1": typeInstant, "R2": typeInstant})
	a := e.newAdmin(routine("Morning", []string{"A", "B"}, "R1", "R2"))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.State() != StateComplete || !isClosed(a.Done()) {
		t.Fatalf("expected complete run, state %s", a.State())
	}
	runs := e.runs(t, "Morning")
	if len(runs) != 4 {
		t.Fatalf("expected 4 program runs, got %d", len(runs))
	}
	for i, want := range []string{"A", "B", "R1", "R2"} {
		if runs[i].ProgramTitle != want || runs[i].RunIndex != i {
			t.Errorf("run %d: got %s at index %d", i, runs[i].ProgramTitle, runs[i].RunIndex)
		}
	}
	c := e.cursor(t)
	if c.InProgress() || c.ProgramsTraversed != 0 || c.ElementQueue != nil {
		t.Errorf("expected idle cursor after completion, got %+v", c)
	}
	if msgs := e.notes.Messages(); len(msgs) == 0 {
		t.Error("expected a run complete notice")
	}
}

func TestRun_EmptyRoutineCompletesImmediately(t *testing.T) {
	e := newTestEnv(t, nil)
	a := e.newAdmin(routine("Nothing", nil))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.State() != StateComplete {
		t.Errorf("expected COMPLETE, got %s", a.State())
	}
}

func TestRun_InteractiveAndSkip(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual, "R1": typeManual, "R2": typeInstant})
	a := e.newAdmin(routine("Morning", []string{"A"}, "R1", "R2"))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap := a.Snapshot()
	if snap.State != StateAdministering || snap.Program == nil || snap.Program.Title != "A" || snap.Phase != PhaseElement {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.CanSkip || snap.Total != 3 || snap.Traversed != 0 {
		t.Errorf("unexpected progress in snapshot %+v", snap)
	}
	if snap.Prompt["type"] != typeManual {
		t.Errorf("expected program prompt in snapshot, got %v", snap.Prompt)
	}
	if err := a.Skip(ctx); !errors.Is(err, ErrSkipNotAllowed) {
		t.Fatalf("expected ErrSkipNotAllowed during elements, got %v", err)
	}

	if err := a.Respond(ctx, map[string]any{"text": "done"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if cur := a.CurrentProgram(); cur == nil || cur.Title != "R1" {
		t.Fatalf("expected R1 to be current, got %+v", cur)
	}
	if !a.Snapshot().CanSkip {
		t.Error("expected skip to be offered in the rewards phase")
	}

	// Skipping R1 records nothing; R2 completes by itself and ends the run.
	if err := a.Skip(ctx); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if a.State() != StateComplete {
		t.Fatalf("expected COMPLETE, got %s", a.State())
	}
	testutil.AssertRunTitles(t, e.st, testUser, "Morning", "A", "R2")
	runs := e.runs(t, "Morning")
	if runs[1].RunIndex != 2 {
		t.Errorf("expected R2 at index 2, got %d", runs[1].RunIndex)
	}
	if runs[0].Outcome == nil || runs[0].Outcome.Text == nil || *runs[0].Outcome.Text != "done" {
		t.Errorf("unexpected outcome %+v", runs[0].Outcome)
	}
	if err := a.Respond(ctx, nil); !errors.Is(err, ErrRunComplete) {
		t.Errorf("expected ErrRunComplete after the run, got %v", err)
	}
}

func TestRun_SkipPersistsAdvancedCursor(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"R1": typeManual, "R2": typeManual})
	a := e.newAdmin(routine("Evening", nil, "R1", "R2"))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Skip(ctx); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	c := e.cursor(t)
	if c.ProgramsTraversed != 1 || c.PendingRun != nil {
		t.Errorf("expected cursor at 1 with nothing pending, got %+v", c)
	}
	if n := len(e.runs(t, "Evening")); n != 0 {
		t.Errorf("expected no runs after skip, got %d", n)
	}
}

func TestResume_ReusesCachedQueue(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"L1": typeManual, "L2": typeManual, "H": typeManual})
	r := models.Routine{UserID: testUser, Title: "Morning",
		Elements: []models.Element{
			{ProgramTitle: "L1", Priority: models.PriorityLow},
			{ProgramTitle: "L2", Priority: models.PriorityLow},
			{ProgramTitle: "H", Priority: models.PriorityHigh},
		},
		TargetDurationMinutes: 30,
		TargetDurationEnabled: true,
	}
	first := e.newAdmin(r)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	queued := e.cursor(t).ElementQueue
	if len(queued) != 2 || len(first.Snapshot().Pruned) != 1 {
		t.Fatalf("expected one element pruned, queue %+v", queued)
	}
	first.Close()

	second := e.newAdmin(r)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	if e.builder.builds != 1 {
		t.Errorf("expected the queue to be built once, got %d builds", e.builder.builds)
	}
	if !second.Snapshot().Resumed {
		t.Error("expected snapshot to report a resumed run")
	}
	resumed := e.cursor(t).ElementQueue
	for i := range queued {
		if resumed[i].Title != queued[i].Title {
			t.Errorf("queue changed on resume: %v vs %v", resumed, queued)
		}
	}
	if cur := second.CurrentProgram(); cur == nil || cur.Title != queued[0].Title {
		t.Errorf("expected %s to be re-administered, got %+v", queued[0].Title, cur)
	}
}

func TestResume_PendingWriteAfterFailedRecord(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual, "B": typeManual})
	r := routine("Morning", []string{"A", "B"})
	e.recorder.failures = 1

	first := e.newAdmin(r)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := first.Respond(ctx, map[string]any{"text": "x"})
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError from Respond, got %v", err)
	}
	if first.State() != StateRecording || !first.Snapshot().PendingWrite {
		t.Fatalf("expected pending write, got %+v", first.Snapshot())
	}
	c := e.cursor(t)
	if c.PendingRun == nil || c.ProgramsTraversed != 0 {
		t.Fatalf("expected persisted pending run at index 0, got %+v", c)
	}
	first.Close()

	second := e.newAdmin(r)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	runs := e.runs(t, "Morning")
	if len(runs) != 1 || runs[0].ProgramTitle != "A" || runs[0].RunIndex != 0 {
		t.Fatalf("expected exactly one run for A, got %+v", runs)
	}
	if cur := second.CurrentProgram(); cur == nil || cur.Title != "B" {
		t.Errorf("expected B after resume, got %+v", cur)
	}
	if c := e.cursor(t); c.PendingRun != nil || c.ProgramsTraversed != 1 {
		t.Errorf("expected cleared pending and index 1, got %+v", c)
	}
}

func TestResume_WriteLandedButUnconfirmed(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual, "B": typeManual})
	r := routine("Morning", []string{"A", "B"})
	e.recorder.failures = 1
	e.recorder.landThenFail = true

	first := e.newAdmin(r)
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := first.Respond(ctx, map[string]any{"text": "x"}); err == nil {
		t.Fatal("expected the unconfirmed write to surface an error")
	}
	first.Close()

	second := e.newAdmin(r)
	if err := second.Start(ctx); err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	if runs := e.runs(t, "Morning"); len(runs) != 1 {
		t.Fatalf("expected exactly one run after retry, got %d", len(runs))
	}
	if e.recorder.calls != 2 {
		t.Errorf("expected the write to be attempted twice, got %d", e.recorder.calls)
	}
}

func TestRetry_ContinuesRun(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual, "B": typeInstant})
	e.recorder.failures = 1
	a := e.newAdmin(routine("Morning", []string{"A", "B"}))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Retry(ctx); !errors.Is(err, ErrNoPendingRun) {
		t.Errorf("expected ErrNoPendingRun before any completion, got %v", err)
	}
	if err := a.Respond(ctx, map[string]any{"text": "x"}); err == nil {
		t.Fatal("expected write failure")
	}
	if err := a.Skip(ctx); !errors.Is(err, ErrNotAdministering) {
		t.Errorf("expected ErrNotAdministering while recording, got %v", err)
	}
	if err := a.Retry(ctx); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if a.State() != StateComplete {
		t.Errorf("expected COMPLETE after retry, got %s", a.State())
	}
	if runs := e.runs(t, "Morning"); len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestStart_OtherRoutineInProgress(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual})
	if err := e.newAdmin(routine("Morning", []string{"A"})).Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := e.newAdmin(routine("Evening", []string{"A"})).Start(ctx)
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestStart_UnresolvedProgramLeavesCursorIdle(t *testing.T) {
	e := newTestEnv(t, map[string]string{"A": typeInstant})
	a := e.newAdmin(routine("Morning", []string{"A", "Deleted"}))
	err := a.Start(context.Background())
	var unresolved *queue.UnresolvedProgramError
	if !errors.As(err, &unresolved) || unresolved.Title != "Deleted" {
		t.Fatalf("expected UnresolvedProgramError for Deleted, got %v", err)
	}
	if c := e.cursor(t); c.InProgress() {
		t.Errorf("expected idle cursor, got %+v", c)
	}
	if err := a.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRun_DuplicateCompletionRecordedOnce(t *testing.T) {
	e := newTestEnv(t, map[string]string{"A": typeDouble, "B": typeInstant})
	a := e.newAdmin(routine("Morning", []string{"A", "B"}))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	runs := e.runs(t, "Morning")
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if *runs[0].Outcome.Numeric != 1 {
		t.Errorf("expected the first completion to win, got %v", *runs[0].Outcome.Numeric)
	}
}

func TestRun_AsyncCompletion(t *testing.T) {
	e := newTestEnv(t, map[string]string{"Hold": program.TypeTimer, "R": program.TypeTimer})
	a := e.newAdmin(routine("Lockbox", []string{"Hold"}, "R"))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not complete, state %s", a.State())
	}
	if runs := e.runs(t, "Lockbox"); len(runs) != 2 {
		t.Errorf("expected 2 runs, got %d", len(runs))
	}
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual})
	a := e.newAdmin(routine("Morning", []string{"A"}))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Abandon(ctx); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if !isClosed(a.Done()) || a.State() != StateAbandoned {
		t.Errorf("expected abandoned run, state %s", a.State())
	}
	if c := e.cursor(t); c.InProgress() {
		t.Errorf("expected idle cursor, got %+v", c)
	}
	if err := a.Respond(ctx, map[string]any{"text": "late"}); !errors.Is(err, ErrRunComplete) {
		t.Errorf("expected ErrRunComplete, got %v", err)
	}
	if n := len(e.runs(t, "Morning")); n != 0 {
		t.Errorf("expected no runs, got %d", n)
	}
}

func TestClockAndIDGenerator(t *testing.T) {
	base := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	clock := testutil.NewStepClock(base, time.Minute)
	e := newTestEnv(t, map[string]string{"A": typeInstant})
	a := e.newAdmin(routine("Morning", []string{"A"}), WithClock(clock), WithIDGenerator(func() string { return "run_fixed" }))
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	runs := e.runs(t, "Morning")
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	got := runs[0]
	if got.ID != "run_fixed" {
		t.Errorf("expected fixed ID, got %s", got.ID)
	}
	if !got.StartTime.Equal(base.Add(time.Minute)) || !got.EndTime.Equal(base.Add(2*time.Minute)) {
		t.Errorf("unexpected timestamps %v - %v", got.StartTime, got.EndTime)
	}
	if got.ProgramConfig["seconds"] != float64(600) {
		t.Errorf("expected serialized config snapshot, got %v", got.ProgramConfig)
	}
}

func TestRespond_NonInteractiveProgram(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	if err := st.CreateProgram(models.Program{UserID: testUser, Title: "Hold", PluginType: program.TypeTimer, Config: map[string]any{"seconds": float64(3600)}}); err != nil {
		t.Fatalf("CreateProgram: %v", err)
	}
	reg := newTestRegistry()
	a := New(Config{
		Routine:  routine("Lockbox", []string{"Hold"}),
		Cursors:  runstate.NewStoreManager(st),
		Recorder: recorder.NewStoreRecorder(st),
		Builder:  queue.NewBuilder(st, reg),
		Registry: reg,
	})
	defer a.Close()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Respond(ctx, map[string]any{}); !errors.Is(err, program.ErrNotInteractive) {
		t.Errorf("expected ErrNotInteractive, got %v", err)
	}
}

func TestRespond_PendingRunSavedAfterFailedWrite(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual, "B": typeManual})
	e.failCursorSaves(1, holdsPendingRun)
	e.recorder.failures = 1
	a := e.newAdmin(routine("Morning", []string{"A", "B"}))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := a.Respond(ctx, map[string]any{"text": "answer"})
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected the write failure to be reported, got %v", err)
	}
	if errors.Is(err, errCursorSave) {
		t.Errorf("cursor was saved on the second attempt, expected only the write error: %v", err)
	}
	c := e.cursor(t)
	if c.PendingRun == nil || c.PendingRun.ProgramTitle != "A" || c.ProgramsTraversed != 0 {
		t.Fatalf("expected A pending in the stored cursor, got %+v", c)
	}

	// A restart records the stored answer instead of administering A again.
	b := e.newAdmin(routine("Morning", []string{"A", "B"}))
	if err := b.Start(ctx); err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	testutil.AssertRunTitles(t, e.st, testUser, "Morning", "A")
	if cur := b.CurrentProgram(); cur == nil || cur.Title != "B" {
		t.Fatalf("expected B after resume, got %+v", cur)
	}
	runs := e.runs(t, "Morning")
	if runs[0].Outcome == nil || runs[0].Outcome.Text == nil || *runs[0].Outcome.Text != "answer" {
		t.Errorf("expected the recorded answer, got %+v", runs[0].Outcome)
	}
}

func TestRespond_WriteAndCursorBothFail(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual, "B": typeManual})
	cursors := e.failCursorSaves(-1, holdsPendingRun)
	e.recorder.failures = 1
	a := e.newAdmin(routine("Morning", []string{"A", "B"}))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := a.Respond(ctx, map[string]any{"text": "answer"})
	if !errors.Is(err, errCursorSave) {
		t.Fatalf("expected the cursor failure to be reported, got %v", err)
	}
	if c := e.cursor(t); c.PendingRun != nil {
		t.Fatalf("stored cursor unexpectedly holds %+v", c.PendingRun)
	}
	if !a.Snapshot().PendingWrite {
		t.Error("expected the pending run to be kept in memory")
	}

	cursors.heal()
	if err := a.Retry(ctx); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	testutil.AssertRunTitles(t, e.st, testUser, "Morning", "A")
	c := e.cursor(t)
	if c.PendingRun != nil || c.ProgramsTraversed != 1 {
		t.Errorf("expected cursor advanced past A, got %+v", c)
	}
	if cur := a.CurrentProgram(); cur == nil || cur.Title != "B" {
		t.Errorf("expected B after retry, got %+v", cur)
	}
}

func TestRespond_PendingCursorFailsButWriteLands(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual, "B": typeManual})
	e.failCursorSaves(1, holdsPendingRun)
	a := e.newAdmin(routine("Morning", []string{"A", "B"}))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Respond(ctx, map[string]any{"text": "answer"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	testutil.AssertRunTitles(t, e.st, testUser, "Morning", "A")
	if c := e.cursor(t); c.ProgramsTraversed != 1 || c.PendingRun != nil {
		t.Errorf("expected cursor advanced past A, got %+v", c)
	}
}

func TestResume_CursorNotAdvancedAfterWrite(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual, "B": typeManual})
	cursors := e.failCursorSaves(-1, func(c *models.RunCursor) bool {
		return c.PendingRun == nil && c.ProgramsTraversed > 0
	})
	a := e.newAdmin(routine("Morning", []string{"A", "B"}))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Respond(ctx, map[string]any{"text": "answer"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	c := e.cursor(t)
	if c.PendingRun == nil || c.ProgramsTraversed != 0 {
		t.Fatalf("expected the stored cursor to still hold A, got %+v", c)
	}

	cursors.heal()
	b := e.newAdmin(routine("Morning", []string{"A", "B"}))
	if err := b.Start(ctx); err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	testutil.AssertRunTitles(t, e.st, testUser, "Morning", "A")
	if cur := b.CurrentProgram(); cur == nil || cur.Title != "B" {
		t.Errorf("expected B after resume, got %+v", cur)
	}
}

func TestStart_StartTimeNotSaved(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"A": typeManual})
	e.failCursorSaves(1, func(c *models.RunCursor) bool { return c.CurrentProgramStartTime != nil })
	a := e.newAdmin(routine("Morning", []string{"A"}))
	if err := a.Start(ctx); !errors.Is(err, errCursorSave) {
		t.Fatalf("expected cursor failure from Start, got %v", err)
	}
	c := e.cursor(t)
	if !c.InProgress() || c.ProgramsTraversed != 0 || c.CurrentProgramStartTime != nil {
		t.Fatalf("expected the built queue without a start time, got %+v", c)
	}

	b := e.newAdmin(routine("Morning", []string{"A"}))
	if err := b.Start(ctx); err != nil {
		t.Fatalf("resume Start: %v", err)
	}
	if cur := b.CurrentProgram(); cur == nil || cur.Title != "A" {
		t.Errorf("expected A after resume, got %+v", cur)
	}
	if c := e.cursor(t); c.CurrentProgramStartTime == nil {
		t.Error("expected the start time to be stored on resume")
	}
}

// reentrant calls during from inside Administer and never completes.
type reentrant struct {
	cfg    program.Config
	during func()
}

func (p *reentrant) Administer(ctx context.Context, done program.CompletionFunc) {
	if p.during != nil {
		p.during()
	}
}
func (p *reentrant) Serialize() program.Config { return p.cfg }

func TestSkip_RejectedWhileAdministerRuns(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t, map[string]string{"R1": "reentrant", "R2": typeManual})
	var a *Administrator
	var skipErr error
	e.registry.MustRegister("reentrant", func(cfg program.Config) (program.Program, error) {
		return &reentrant{cfg: cfg, during: func() { skipErr = a.Skip(ctx) }}, nil
	})
	a = e.newAdmin(routine("Evening", nil, "R1", "R2"))
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !errors.Is(skipErr, ErrNotAdministering) {
		t.Fatalf("expected skip inside Administer to be rejected, got %v", skipErr)
	}
	if cur := a.CurrentProgram(); cur == nil || cur.Title != "R1" {
		t.Fatalf("expected R1 to stay current, got %+v", cur)
	}

	if err := a.Skip(ctx); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if cur := a.CurrentProgram(); cur == nil || cur.Title != "R2" {
		t.Errorf("expected R2 after skip, got %+v", cur)
	}
	testutil.AssertRunTitles(t, e.st, testUser, "Evening")
}
