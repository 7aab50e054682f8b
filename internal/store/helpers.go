package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

// sqlBackend implements Store over database/sql. SQLiteStore and
// PostgresStore embed it and supply the dialect specific pieces.
type sqlBackend struct {
	db   *sql.DB
	name string
	// rebind converts '?' placeholders to the dialect's form.
	rebind func(string) string
	// isUniqueViolation reports whether err is a primary key conflict.
	isUniqueViolation func(error) bool
}

// rebindDollar converts '?' placeholders to $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func rebindNone(query string) string { return query }

func (s *sqlBackend) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlBackend) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

func (s *sqlBackend) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

// marshalJSON encodes v for a JSON column. A nil slice or map encodes as SQL NULL.
func marshalJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalJSON(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- programs ---

func (s *sqlBackend) CreateProgram(p models.Program) error {
	cfg, err := marshalJSON(p.Config)
	if err != nil {
		return persistErr("CreateProgram", err)
	}
	now := time.Now()
	_, err = s.exec(`INSERT INTO programs (user_id, title, plugin_type, config, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, p.Title, p.PluginType, cfg, now, now)
	if err != nil {
		if s.isUniqueViolation(err) {
			return ErrDuplicate
		}
		slog.Error(s.name+" CreateProgram failed", "error", err, "title", p.Title)
		return persistErr("CreateProgram", err)
	}
	slog.Debug(s.name+" CreateProgram succeeded", "userID", p.UserID, "title", p.Title, "type", p.PluginType)
	return nil
}

func (s *sqlBackend) UpdateProgram(p models.Program) error {
	cfg, err := marshalJSON(p.Config)
	if err != nil {
		return persistErr("UpdateProgram", err)
	}
	res, err := s.exec(`UPDATE programs SET plugin_type = ?, config = ?, updated_at = ? WHERE user_id = ? AND title = ?`,
		p.PluginType, cfg, time.Now(), p.UserID, p.Title)
	if err != nil {
		slog.Error(s.name+" UpdateProgram failed", "error", err, "title", p.Title)
		return persistErr("UpdateProgram", err)
	}
	if err := checkAffected(res); err != nil {
		return persistErr("UpdateProgram", err)
	}
	slog.Debug(s.name+" UpdateProgram succeeded", "userID", p.UserID, "title", p.Title)
	return nil
}

const programColumns = `user_id, title, plugin_type, config, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgram(row rowScanner) (models.Program, error) {
	var p models.Program
	var cfg sql.NullString
	if err := row.Scan(&p.UserID, &p.Title, &p.PluginType, &cfg, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if err := unmarshalJSON(cfg, &p.Config); err != nil {
		return p, fmt.Errorf("decode program config: %w", err)
	}
	return p, nil
}

func (s *sqlBackend) GetProgram(userID, title string) (*models.Program, error) {
	p, err := scanProgram(s.queryRow(`SELECT `+programColumns+` FROM programs WHERE user_id = ? AND title = ?`, userID, title))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetProgram failed", "error", err, "title", title)
		return nil, persistErr("GetProgram", err)
	}
	return &p, nil
}

func (s *sqlBackend) ListPrograms(userID string) ([]models.Program, error) {
	rows, err := s.query(`SELECT `+programColumns+` FROM programs WHERE user_id = ? ORDER BY title`, userID)
	if err != nil {
		slog.Error(s.name+" ListPrograms query failed", "error", err)
		return nil, persistErr("ListPrograms", err)
	}
	defer rows.Close()
	var out []models.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, persistErr("ListPrograms", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("ListPrograms", err)
	}
	slog.Debug(s.name+" ListPrograms succeeded", "count", len(out))
	return out, nil
}

func (s *sqlBackend) DeleteProgram(userID, title string) error {
	res, err := s.exec(`DELETE FROM programs WHERE user_id = ? AND title = ?`, userID, title)
	if err != nil {
		slog.Error(s.name+" DeleteProgram failed", "error", err, "title", title)
		return persistErr("DeleteProgram", err)
	}
	return persistErr("DeleteProgram", checkAffected(res))
}

// --- routines ---

type routineJSON struct {
	elements sql.NullString
	rewards  sql.NullString
	alarms   sql.NullString
}

func encodeRoutine(r models.Routine) (routineJSON, error) {
	var enc routineJSON
	var err error
	if enc.elements, err = marshalJSON(r.Elements); err != nil {
		return enc, err
	}
	if enc.rewards, err = marshalJSON(r.Rewards); err != nil {
		return enc, err
	}
	if enc.alarms, err = marshalJSON(r.Alarms); err != nil {
		return enc, err
	}
	return enc, nil
}

func (s *sqlBackend) CreateRoutine(r models.Routine) error {
	enc, err := encodeRoutine(r)
	if err != nil {
		return persistErr("CreateRoutine", err)
	}
	now := time.Now()
	_, err = s.exec(`INSERT INTO routines (user_id, title, elements, rewards, target_duration_minutes, target_duration_enabled, alarms, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.UserID, r.Title, enc.elements, enc.rewards, r.TargetDurationMinutes, r.TargetDurationEnabled, enc.alarms, now, now)
	if err != nil {
		if s.isUniqueViolation(err) {
			return ErrDuplicate
		}
		slog.Error(s.name+" CreateRoutine failed", "error", err, "title", r.Title)
		return persistErr("CreateRoutine", err)
	}
	slog.Debug(s.name+" CreateRoutine succeeded", "userID", r.UserID, "title", r.Title)
	return nil
}

func (s *sqlBackend) UpdateRoutine(r models.Routine) error {
	enc, err := encodeRoutine(r)
	if err != nil {
		return persistErr("UpdateRoutine", err)
	}
	res, err := s.exec(`UPDATE routines SET elements = ?, rewards = ?, target_duration_minutes = ?, target_duration_enabled = ?, alarms = ?, updated_at = ?
		WHERE user_id = ? AND title = ?`,
		enc.elements, enc.rewards, r.TargetDurationMinutes, r.TargetDurationEnabled, enc.alarms, time.Now(), r.UserID, r.Title)
	if err != nil {
		slog.Error(s.name+" UpdateRoutine failed", "error", err, "title", r.Title)
		return persistErr("UpdateRoutine", err)
	}
	if err := checkAffected(res); err != nil {
		return persistErr("UpdateRoutine", err)
	}
	slog.Debug(s.name+" UpdateRoutine succeeded", "userID", r.UserID, "title", r.Title)
	return nil
}

const routineColumns = `user_id, title, elements, rewards, target_duration_minutes, target_duration_enabled, alarms, created_at, updated_at`

func scanRoutine(row rowScanner) (models.Routine, error) {
	var r models.Routine
	var enc routineJSON
	err := row.Scan(&r.UserID, &r.Title, &enc.elements, &enc.rewards, &r.TargetDurationMinutes, &r.TargetDurationEnabled, &enc.alarms, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if err := unmarshalJSON(enc.elements, &r.Elements); err != nil {
		return r, fmt.Errorf("decode routine elements: %w", err)
	}
	if err := unmarshalJSON(enc.rewards, &r.Rewards); err != nil {
		return r, fmt.Errorf("decode routine rewards: %w", err)
	}
	if err := unmarshalJSON(enc.alarms, &r.Alarms); err != nil {
		return r, fmt.Errorf("decode routine alarms: %w", err)
	}
	return r, nil
}

func (s *sqlBackend) GetRoutine(userID, title string) (*models.Routine, error) {
	r, err := scanRoutine(s.queryRow(`SELECT `+routineColumns+` FROM routines WHERE user_id = ? AND title = ?`, userID, title))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(s.name+" GetRoutine failed", "error", err, "title", title)
		return nil, persistErr("GetRoutine", err)
	}
	return &r, nil
}

func (s *sqlBackend) ListRoutines(userID string) ([]models.Routine, error) {
	rows, err := s.query(`SELECT `+routineColumns+` FROM routines WHERE user_id = ? ORDER BY title`, userID)
	if err != nil {
		slog.Error(s.name+" ListRoutines query failed", "error", err)
		return nil, persistErr("ListRoutines", err)
	}
	defer rows.Close()
	var out []models.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, persistErr("ListRoutines", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("ListRoutines", err)
	}
	return out, nil
}

func (s *sqlBackend) DeleteRoutine(userID, title string) error {
	res, err := s.exec(`DELETE FROM routines WHERE user_id = ? AND title = ?`, userID, title)
	if err != nil {
		slog.Error(s.name+" DeleteRoutine failed", "error", err, "title", title)
		return persistErr("DeleteRoutine", err)
	}
	return persistErr("DeleteRoutine", checkAffected(res))
}

// --- program runs ---

func (s *sqlBackend) AddProgramRun(run models.ProgramRun) error {
	cfg, err := marshalJSON(run.ProgramConfig)
	if err != nil {
		return persistErr("AddProgramRun", err)
	}
	outcome, err := marshalJSON(run.Outcome)
	if err != nil {
		return persistErr("AddProgramRun", err)
	}
	res, err := s.exec(`INSERT INTO program_runs (id, user_id, routine_title, program_title, plugin_type, run_index, program_config, start_time, end_time, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		run.ID, run.UserID, run.RoutineTitle, run.ProgramTitle, run.PluginType, run.RunIndex, cfg, run.StartTime, run.EndTime, outcome)
	if err != nil {
		slog.Error(s.name+" AddProgramRun failed", "error", err, "id", run.ID, "program", run.ProgramTitle)
		return persistErr("AddProgramRun", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug(s.name+" AddProgramRun already recorded", "id", run.ID)
		return nil
	}
	slog.Debug(s.name+" AddProgramRun succeeded", "id", run.ID, "routine", run.RoutineTitle, "program", run.ProgramTitle, "index", run.RunIndex)
	return nil
}

func (s *sqlBackend) ListProgramRuns(userID, routineTitle string) ([]models.ProgramRun, error) {
	q := `SELECT id, user_id, routine_title, program_title, plugin_type, run_index, program_config, start_time, end_time, outcome
		FROM program_runs WHERE user_id = ?`
	args := []any{userID}
	if routineTitle != "" {
		q += ` AND routine_title = ?`
		args = append(args, routineTitle)
	}
	q += ` ORDER BY end_time, run_index`
	rows, err := s.query(q, args...)
	if err != nil {
		slog.Error(s.name+" ListProgramRuns query failed", "error", err)
		return nil, persistErr("ListProgramRuns", err)
	}
	defer rows.Close()
	var out []models.ProgramRun
	for rows.Next() {
		var r models.ProgramRun
		var cfg, outcome sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.RoutineTitle, &r.ProgramTitle, &r.PluginType, &r.RunIndex, &cfg, &r.StartTime, &r.EndTime, &outcome); err != nil {
			return nil, persistErr("ListProgramRuns", err)
		}
		if err := unmarshalJSON(cfg, &r.ProgramConfig); err != nil {
			return nil, persistErr("ListProgramRuns", err)
		}
		if err := unmarshalJSON(outcome, &r.Outcome); err != nil {
			return nil, persistErr("ListProgramRuns", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("ListProgramRuns", err)
	}
	slog.Debug(s.name+" ListProgramRuns succeeded", "count", len(out))
	return out, nil
}

// --- run cursors ---

func (s *sqlBackend) SaveRunCursor(c models.RunCursor) error {
	queue, err := marshalJSON(c.ElementQueue)
	if err != nil {
		return persistErr("SaveRunCursor", err)
	}
	pending, err := marshalJSON(c.PendingRun)
	if err != nil {
		return persistErr("SaveRunCursor", err)
	}
	_, err = s.exec(`INSERT INTO run_cursors (user_id, routine_title, programs_traversed, element_queue, current_program_start_time, pending_run, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			routine_title = excluded.routine_title,
			programs_traversed = excluded.programs_traversed,
			element_queue = excluded.element_queue,
			current_program_start_time = excluded.current_program_start_time,
			pending_run = excluded.pending_run,
			updated_at = excluded.updated_at`,
		c.UserID, c.RoutineTitle, c.ProgramsTraversed, queue, nullTime(c.CurrentProgramStartTime), pending, time.Now())
	if err != nil {
		slog.Error(s.name+" SaveRunCursor failed", "error", err, "userID", c.UserID)
		return persistErr("SaveRunCursor", err)
	}
	slog.Debug(s.name+" SaveRunCursor succeeded", "userID", c.UserID, "routine", c.RoutineTitle, "traversed", c.ProgramsTraversed, "pending", c.PendingRun != nil)
	return nil
}

func (s *sqlBackend) GetRunCursor(userID string) (*models.RunCursor, error) {
	var c models.RunCursor
	var queue, pending sql.NullString
	var start sql.NullTime
	err := s.queryRow(`SELECT user_id, routine_title, programs_traversed, element_queue, current_program_start_time, pending_run, updated_at
		FROM run_cursors WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.RoutineTitle, &c.ProgramsTraversed, &queue, &start, &pending, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+" GetRunCursor not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+" GetRunCursor failed", "error", err, "userID", userID)
		return nil, persistErr("GetRunCursor", err)
	}
	if err := unmarshalJSON(queue, &c.ElementQueue); err != nil {
		return nil, persistErr("GetRunCursor", err)
	}
	if err := unmarshalJSON(pending, &c.PendingRun); err != nil {
		return nil, persistErr("GetRunCursor", err)
	}
	if start.Valid {
		t := start.Time
		c.CurrentProgramStartTime = &t
	}
	return &c, nil
}

func (s *sqlBackend) DeleteRunCursor(userID string) error {
	if _, err := s.exec(`DELETE FROM run_cursors WHERE user_id = ?`, userID); err != nil {
		slog.Error(s.name+" DeleteRunCursor failed", "error", err, "userID", userID)
		return persistErr("DeleteRunCursor", err)
	}
	slog.Debug(s.name+" DeleteRunCursor succeeded", "userID", userID)
	return nil
}

// Close closes the database connection.
func (s *sqlBackend) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
