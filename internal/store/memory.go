package store

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

type userKey struct {
	userID string
	title  string
}

// InMemoryStore keeps every record in process memory. It does not survive a
// restart and is intended for tests and ephemeral runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	programs map[userKey]models.Program
	routines map[userKey]models.Routine
	runs     []models.ProgramRun
	runIDs   map[string]struct{}
	cursors  map[string]models.RunCursor
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		programs: make(map[userKey]models.Program),
		routines: make(map[userKey]models.Routine),
		runIDs:   make(map[string]struct{}),
		cursors:  make(map[string]models.RunCursor),
	}
}

// clone deep-copies v through JSON so stored records never alias caller
// memory and round-trip exactly like the SQL backends.
func clone[T any](v T) T {
	var out T
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("InMemoryStore clone marshal failed", "error", err)
		return v
	}
	if err := json.Unmarshal(b, &out); err != nil {
		slog.Error("InMemoryStore clone unmarshal failed", "error", err)
		return v
	}
	return out
}

func (s *InMemoryStore) CreateProgram(p models.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{p.UserID, p.Title}
	if _, exists := s.programs[k]; exists {
		return ErrDuplicate
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.programs[k] = clone(p)
	slog.Debug("InMemoryStore CreateProgram succeeded", "userID", p.UserID, "title", p.Title)
	return nil
}

func (s *InMemoryStore) UpdateProgram(p models.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{p.UserID, p.Title}
	existing, ok := s.programs[k]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	s.programs[k] = clone(p)
	return nil
}

func (s *InMemoryStore) GetProgram(userID, title string) (*models.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.programs[userKey{userID, title}]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(p)
	return &out, nil
}

func (s *InMemoryStore) ListPrograms(userID string) ([]models.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Program
	for k, p := range s.programs {
		if k.userID == userID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (s *InMemoryStore) DeleteProgram(userID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{userID, title}
	if _, ok := s.programs[k]; !ok {
		return ErrNotFound
	}
	delete(s.programs, k)
	return nil
}

func (s *InMemoryStore) CreateRoutine(r models.Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{r.UserID, r.Title}
	if _, exists := s.routines[k]; exists {
		return ErrDuplicate
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	s.routines[k] = clone(r)
	slog.Debug("InMemoryStore CreateRoutine succeeded", "userID", r.UserID, "title", r.Title)
	return nil
}

func (s *InMemoryStore) UpdateRoutine(r models.Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{r.UserID, r.Title}
	existing, ok := s.routines[k]
	if !ok {
		return ErrNotFound
	}
	r.CreatedAt = existing.CreatedAt
	r.UpdatedAt = time.Now()
	s.routines[k] = clone(r)
	return nil
}

func (s *InMemoryStore) GetRoutine(userID, title string) (*models.Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routines[userKey{userID, title}]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(r)
	return &out, nil
}

func (s *InMemoryStore) ListRoutines(userID string) ([]models.Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Routine
	for k, r := range s.routines {
		if k.userID == userID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (s *InMemoryStore) DeleteRoutine(userID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userKey{userID, title}
	if _, ok := s.routines[k]; !ok {
		return ErrNotFound
	}
	delete(s.routines, k)
	return nil
}

func (s *InMemoryStore) AddProgramRun(run models.ProgramRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runIDs[run.ID]; exists {
		slog.Debug("InMemoryStore AddProgramRun already recorded", "id", run.ID)
		return nil
	}
	s.runIDs[run.ID] = struct{}{}
	s.runs = append(s.runs, clone(run))
	slog.Debug("InMemoryStore AddProgramRun succeeded", "id", run.ID, "program", run.ProgramTitle)
	return nil
}

func (s *InMemoryStore) ListProgramRuns(userID, routineTitle string) ([]models.ProgramRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ProgramRun
	for _, r := range s.runs {
		if r.UserID != userID || (routineTitle != "" && r.RoutineTitle != routineTitle) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].EndTime.Before(out[j].EndTime)
		}
		return out[i].RunIndex < out[j].RunIndex
	})
	return out, nil
}

func (s *InMemoryStore) SaveRunCursor(c models.RunCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now()
	s.cursors[c.UserID] = clone(c)
	return nil
}

func (s *InMemoryStore) GetRunCursor(userID string) (*models.RunCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[userID]
	if !ok {
		return nil, nil
	}
	out := clone(c)
	return &out, nil
}

func (s *InMemoryStore) DeleteRunCursor(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, userID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
