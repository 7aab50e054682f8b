package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/store"
)

// mockTestingT records failures instead of failing the enclosing test.
type mockTestingT struct {
	failed bool
	fatal  bool
	msgs   []string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...any) {
	m.failed = true
	m.msgs = append(m.msgs, fmt.Sprintf(format, args...))
}

func (m *mockTestingT) Fatalf(format string, args ...any) {
	m.failed = true
	m.fatal = true
	m.msgs = append(m.msgs, fmt.Sprintf(format, args...))
}

func TestNewStepClock(t *testing.T) {
	base := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	clock := NewStepClock(base, time.Second)
	if got := clock(); !got.Equal(base.Add(time.Second)) {
		t.Errorf("first tick = %v", got)
	}
	if got := clock(); !got.Equal(base.Add(2 * time.Second)) {
		t.Errorf("second tick = %v", got)
	}
}

func TestSeedAndAssertRunTitles(t *testing.T) {
	st := store.NewInMemoryStore()
	SeedPrograms(t, st, "u1", models.Program{Title: "A", PluginType: "timer"})
	SeedRoutines(t, st, "u1", models.Routine{Title: "Morning"})

	if _, err := st.GetProgram("u1", "A"); err != nil {
		t.Errorf("expected seeded program: %v", err)
	}
	if _, err := st.GetRoutine("u1", "Morning"); err != nil {
		t.Errorf("expected seeded routine: %v", err)
	}

	mockT := &mockTestingT{}
	SeedPrograms(mockT, st, "u1", models.Program{Title: "A", PluginType: "timer"})
	if !mockT.fatal {
		t.Error("expected duplicate seed to fail")
	}

	now := time.Now()
	for i, title := range []string{"A", "B"} {
		run := models.ProgramRun{ID: fmt.Sprintf("run_%d", i), UserID: "u1", RoutineTitle: "Morning", ProgramTitle: title,
			PluginType: "timer", RunIndex: i, StartTime: now, EndTime: now.Add(time.Duration(i) * time.Second)}
		if err := st.AddProgramRun(run); err != nil {
			t.Fatalf("AddProgramRun: %v", err)
		}
	}
	AssertRunTitles(t, st, "u1", "Morning", "A", "B")

	mockT = &mockTestingT{}
	AssertRunTitles(mockT, st, "u1", "Morning", "B", "A")
	if !mockT.failed {
		t.Error("expected out-of-order titles to fail")
	}
	mockT = &mockTestingT{}
	AssertRunTitles(mockT, st, "u1", "Morning", "A")
	if !mockT.failed {
		t.Error("expected a count mismatch to fail")
	}
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{"matching status codes", 200, 200, false},
		{"different status codes", 200, 404, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if mockT.failed != tt.shouldFail {
				t.Errorf("expected failed=%v, got %v", tt.shouldFail, mockT.failed)
			}
		})
	}
}

func TestAssertEnvelope(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		expected   models.APIStatus
		shouldFail bool
	}{
		{"matching status", `{"status":"ok","result":1}`, models.APIStatusOK, false},
		{"different status", `{"status":"error","message":"x"}`, models.APIStatusOK, true},
		{"missing status", `{"result":1}`, models.APIStatusOK, true},
		{"invalid json", `{`, models.APIStatusOK, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertEnvelope(mockT, []byte(tt.body), tt.expected)
			if mockT.failed != tt.shouldFail {
				t.Errorf("expected failed=%v, got %v (%v)", tt.shouldFail, mockT.failed, mockT.msgs)
			}
		})
	}
}

func TestMustJSON(t *testing.T) {
	data := MustMarshalJSON(t, models.Success("hi"))
	var resp models.APIResponse
	MustUnmarshalJSON(t, data, &resp)
	if resp.Status != string(models.APIStatusOK) || resp.Result != "hi" {
		t.Errorf("unexpected round trip %+v", resp)
	}

	mockT := &mockTestingT{}
	MustMarshalJSON(mockT, func() {})
	if !mockT.fatal {
		t.Error("expected marshal of a func to fail")
	}
	mockT = &mockTestingT{}
	MustUnmarshalJSON(mockT, []byte("nope"), &resp)
	if !mockT.fatal {
		t.Error("expected unmarshal of invalid JSON to fail")
	}
}
