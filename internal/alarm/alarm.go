// Package alarm provides the alarm subsystem of Routine Butler.
//
// Routines carry standard 5-field cron expressions. A Watcher registers every
// enabled alarm with a cron scheduler; when one rings the routine is queued as
// due and the operator is notified. Starting a routine clears it from the due list.
package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/notify"
)

// parser accepts the standard 5-field cron format (min, hour, dom, month, dow).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSpec reports whether spec is a valid 5-field cron expression.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid alarm spec %q: %w", spec, err)
	}
	return nil
}

// ValidateRoutine checks every alarm spec of r.
func ValidateRoutine(r models.Routine) error {
	for i, a := range r.Alarms {
		if err := ValidateSpec(a.Spec); err != nil {
			return fmt.Errorf("alarm %d: %w", i, err)
		}
	}
	return nil
}

// NextFire returns the earliest time after now at which an enabled alarm of r
// rings. ok is false when r has no enabled, valid alarm.
func NextFire(r models.Routine, now time.Time) (next time.Time, ok bool) {
	for _, a := range r.Alarms {
		if !a.Enabled {
			continue
		}
		sched, err := parser.Parse(a.Spec)
		if err != nil {
			continue
		}
		t := sched.Next(now)
		if !ok || t.Before(next) {
			next, ok = t, true
		}
	}
	return next, ok
}

// Due is a routine whose alarm rang and which has not been started since.
type Due struct {
	RoutineTitle string    `json:"routine"`
	RangAt       time.Time `json:"rang_at"`
}

// RoutineSource lists the routines whose alarms are watched.
type RoutineSource interface {
	ListRoutines(userID string) ([]models.Routine, error)
}

// Opts holds optional settings for a Watcher.
type Opts struct {
	Notifier notify.Notifier
	Location *time.Location
	Clock    func() time.Time
}

// Option configures a Watcher.
type Option func(*Opts)

// WithNotifier sets where ring notices are sent.
func WithNotifier(n notify.Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithLocation sets the time zone alarm specs are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithClock overrides the time source used for ring timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Watcher rings routine alarms and tracks which routines are due.
type Watcher struct {
	userID   string
	routines RoutineSource
	notifier notify.Notifier
	now      func() time.Time
	cron     *cron.Cron

	mu      sync.Mutex
	entries []cron.EntryID
	due     []Due
}

// NewWatcher creates a Watcher for the routines of userID. Call Reload to
// register alarms and Start to begin ringing.
func NewWatcher(userID string, routines RoutineSource, opts ...Option) *Watcher {
	o := Opts{Location: time.Local, Clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := cron.New(cron.WithParser(parser), cron.WithLocation(o.Location), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Watcher{userID: userID, routines: routines, notifier: o.Notifier, now: o.Clock, cron: c}
}

// Start begins ringing alarms in the background.
func (w *Watcher) Start() {
	w.cron.Start()
}

// Stop stops the scheduler and waits for running rings to finish.
func (w *Watcher) Stop() {
	<-w.cron.Stop().Done()
}

// Reload replaces all registered alarms with the enabled alarms of the
// current routines. Invalid specs are logged and skipped.
func (w *Watcher) Reload() error {
	routines, err := w.routines.ListRoutines(w.userID)
	if err != nil {
		return fmt.Errorf("failed to list routines: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range w.entries {
		w.cron.Remove(id)
	}
	w.entries = w.entries[:0]

	for _, r := range routines {
		title := r.Title
		for _, a := range r.Alarms {
			if !a.Enabled {
				continue
			}
			id, err := w.cron.AddFunc(a.Spec, func() { w.Ring(title) })
			if err != nil {
				slog.Warn("Watcher.Reload: skipping invalid alarm", "routine", title, "spec", a.Spec, "error", err)
				continue
			}
			w.entries = append(w.entries, id)
		}
	}
	slog.Debug("Watcher.Reload succeeded", "routines", len(routines), "alarms", len(w.entries))
	return nil
}

// Alarms returns the number of registered alarms.
func (w *Watcher) Alarms() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Ring marks a routine as due and notifies the operator. A routine already
// due keeps its original ring time.
func (w *Watcher) Ring(title string) {
	w.mu.Lock()
	for _, d := range w.due {
		if d.RoutineTitle == title {
			w.mu.Unlock()
			slog.Debug("Watcher.Ring: routine already due", "routine", title)
			return
		}
	}
	w.due = append(w.due, Due{RoutineTitle: title, RangAt: w.now()})
	w.mu.Unlock()

	slog.Info("Watcher.Ring: alarm rang", "routine", title)
	notify.Send(context.Background(), w.notifier, fmt.Sprintf("Time for %s", title))
}

// NextDue returns the routine that has been due the longest, if any.
func (w *Watcher) NextDue() (Due, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.due) == 0 {
		return Due{}, false
	}
	return w.due[0], true
}

// Clear removes a routine from the due list, typically once it is started.
func (w *Watcher) Clear(title string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.due[:0]
	for _, d := range w.due {
		if d.RoutineTitle != title {
			kept = append(kept, d)
		}
	}
	w.due = kept
}
