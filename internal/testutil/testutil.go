// Package testutil provides common test fixtures and assertions for Routine Butler tests.
package testutil

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/store"
)

// TB is the subset of testing.TB used by the helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// NewStepClock returns a clock that advances by step on every call,
// starting at base+step.
func NewStepClock(base time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	ticks := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ticks++
		return base.Add(time.Duration(ticks) * step)
	}
}

// SeedPrograms stores programs for userID.
func SeedPrograms(t TB, st store.Store, userID string, programs ...models.Program) {
	t.Helper()
	for _, p := range programs {
		p.UserID = userID
		if err := st.CreateProgram(p); err != nil {
			t.Fatalf("failed to seed program %q: %v", p.Title, err)
		}
	}
}

// SeedRoutines stores routines for userID.
func SeedRoutines(t TB, st store.Store, userID string, routines ...models.Routine) {
	t.Helper()
	for _, r := range routines {
		r.UserID = userID
		if err := st.CreateRoutine(r); err != nil {
			t.Fatalf("failed to seed routine %q: %v", r.Title, err)
		}
	}
}

// AssertRunTitles checks the program titles recorded for a routine, in order.
func AssertRunTitles(t TB, st store.Store, userID, routine string, want ...string) {
	t.Helper()
	runs, err := st.ListProgramRuns(userID, routine)
	if err != nil {
		t.Fatalf("failed to list program runs: %v", err)
	}
	if len(runs) != len(want) {
		t.Errorf("%s: expected %d program runs, got %d", routine, len(want), len(runs))
		return
	}
	for i, r := range runs {
		if r.ProgramTitle != want[i] {
			t.Errorf("%s: run %d: expected %q, got %q", routine, i, want[i], r.ProgramTitle)
		}
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertEnvelope decodes an API response body and checks its status field.
func AssertEnvelope(t TB, body []byte, expected models.APIStatus) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(body, &response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
	} else if status != string(expected) {
		t.Errorf("expected status '%s', got '%s'", expected, status)
	}
	return response
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target any) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
