package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/RoutineButler/internal/alarm"
	"github.com/BTreeMap/RoutineButler/internal/models"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) programTypesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.registry.Types()))
}

// programRequest is the body of program create and update requests.
type programRequest struct {
	Title      string         `json:"title"`
	PluginType string         `json:"plugin_type"`
	Config     map[string]any `json:"config"`
}

func (s *Server) listProgramsHandler(w http.ResponseWriter, r *http.Request) {
	programs, err := s.st.ListPrograms(s.userID)
	if err != nil {
		writeError(w, "listProgramsHandler", err)
		return
	}
	if programs == nil {
		programs = []models.Program{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(programs))
}

func (s *Server) getProgramHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.st.GetProgram(s.userID, r.PathValue("title"))
	if err != nil {
		writeError(w, "getProgramHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// decodeProgram reads and validates a program body. pathTitle, when set,
// names the program and must agree with any title in the body.
func (s *Server) decodeProgram(w http.ResponseWriter, r *http.Request, pathTitle string) (models.Program, error) {
	var req programRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return models.Program{}, err
	}
	if pathTitle != "" {
		if req.Title != "" && req.Title != pathTitle {
			return models.Program{}, badRequest(fmt.Errorf("title %q does not match %q", req.Title, pathTitle))
		}
		req.Title = pathTitle
	}
	p := models.Program{UserID: s.userID, Title: req.Title, PluginType: req.PluginType, Config: req.Config}
	if err := s.registry.Validate(p); err != nil {
		return models.Program{}, err
	}
	return p, nil
}

func (s *Server) createProgramHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.decodeProgram(w, r, "")
	if err != nil {
		writeError(w, "createProgramHandler", err)
		return
	}
	if err := s.st.CreateProgram(p); err != nil {
		writeError(w, "createProgramHandler", err)
		return
	}
	slog.Info("Server.createProgramHandler: program created", "title", p.Title, "type", p.PluginType)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Program created", p))
}

func (s *Server) updateProgramHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.decodeProgram(w, r, r.PathValue("title"))
	if err != nil {
		writeError(w, "updateProgramHandler", err)
		return
	}
	if err := s.st.UpdateProgram(p); err != nil {
		writeError(w, "updateProgramHandler", err)
		return
	}
	slog.Info("Server.updateProgramHandler: program updated", "title", p.Title)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Program updated", p))
}

func (s *Server) deleteProgramHandler(w http.ResponseWriter, r *http.Request) {
	title := r.PathValue("title")
	if err := s.st.DeleteProgram(s.userID, title); err != nil {
		writeError(w, "deleteProgramHandler", err)
		return
	}
	slog.Info("Server.deleteProgramHandler: program deleted", "title", title)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Program deleted", nil))
}

func (s *Server) listRoutinesHandler(w http.ResponseWriter, r *http.Request) {
	routines, err := s.st.ListRoutines(s.userID)
	if err != nil {
		writeError(w, "listRoutinesHandler", err)
		return
	}
	if routines == nil {
		routines = []models.Routine{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(routines))
}

func (s *Server) getRoutineHandler(w http.ResponseWriter, r *http.Request) {
	routine, err := s.st.GetRoutine(s.userID, r.PathValue("title"))
	if err != nil {
		writeError(w, "getRoutineHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(routine))
}

func (s *Server) decodeRoutine(w http.ResponseWriter, r *http.Request, pathTitle string) (models.Routine, error) {
	var routine models.Routine
	if err := decodeJSON(w, r, &routine); err != nil {
		return models.Routine{}, err
	}
	if pathTitle != "" {
		if routine.Title != "" && routine.Title != pathTitle {
			return models.Routine{}, badRequest(fmt.Errorf("title %q does not match %q", routine.Title, pathTitle))
		}
		routine.Title = pathTitle
	}
	routine.UserID = s.userID
	for i, e := range routine.Elements {
		p, err := models.ParsePriority(string(e.Priority))
		if err != nil {
			return models.Routine{}, fmt.Errorf("element %d: %w", i, err)
		}
		routine.Elements[i].Priority = p
	}
	if err := routine.Validate(); err != nil {
		return models.Routine{}, err
	}
	if err := alarm.ValidateRoutine(routine); err != nil {
		return models.Routine{}, badRequest(err)
	}
	return routine, nil
}

func (s *Server) createRoutineHandler(w http.ResponseWriter, r *http.Request) {
	routine, err := s.decodeRoutine(w, r, "")
	if err != nil {
		writeError(w, "createRoutineHandler", err)
		return
	}
	if err := s.st.CreateRoutine(routine); err != nil {
		writeError(w, "createRoutineHandler", err)
		return
	}
	s.reloadAlarms()
	slog.Info("Server.createRoutineHandler: routine created", "title", routine.Title, "elements", len(routine.Elements), "rewards", len(routine.Rewards))
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Routine created", routine))
}

func (s *Server) updateRoutineHandler(w http.ResponseWriter, r *http.Request) {
	routine, err := s.decodeRoutine(w, r, r.PathValue("title"))
	if err != nil {
		writeError(w, "updateRoutineHandler", err)
		return
	}
	if err := s.st.UpdateRoutine(routine); err != nil {
		writeError(w, "updateRoutineHandler", err)
		return
	}
	s.reloadAlarms()
	slog.Info("Server.updateRoutineHandler: routine updated", "title", routine.Title)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Routine updated", routine))
}

func (s *Server) deleteRoutineHandler(w http.ResponseWriter, r *http.Request) {
	title := r.PathValue("title")
	if err := s.st.DeleteRoutine(s.userID, title); err != nil {
		writeError(w, "deleteRoutineHandler", err)
		return
	}
	s.reloadAlarms()
	if s.alarms != nil {
		s.alarms.Clear(title)
	}
	slog.Info("Server.deleteRoutineHandler: routine deleted", "title", title)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Routine deleted", nil))
}

func (s *Server) reloadAlarms() {
	if s.alarms == nil {
		return
	}
	if err := s.alarms.Reload(); err != nil {
		slog.Error("Server.reloadAlarms: failed to reload alarms", "error", err)
	}
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	runs, err := s.st.ListProgramRuns(s.userID, r.URL.Query().Get("routine"))
	if err != nil {
		writeError(w, "listRunsHandler", err)
		return
	}
	if runs == nil {
		runs = []models.ProgramRun{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(runs))
}

// upcomingAlarm is the next ring time of one routine.
type upcomingAlarm struct {
	Routine string    `json:"routine"`
	At      time.Time `json:"at"`
}

// dueResponse reports the next due routine and upcoming alarms.
type dueResponse struct {
	Due      *alarm.Due      `json:"due"`
	Upcoming []upcomingAlarm `json:"upcoming"`
}

func (s *Server) dueHandler(w http.ResponseWriter, r *http.Request) {
	resp := dueResponse{Upcoming: []upcomingAlarm{}}
	if s.alarms != nil {
		if due, ok := s.alarms.NextDue(); ok {
			resp.Due = &due
		}
	}
	routines, err := s.st.ListRoutines(s.userID)
	if err != nil {
		writeError(w, "dueHandler", err)
		return
	}
	now := s.now()
	for _, routine := range routines {
		if at, ok := alarm.NextFire(routine, now); ok {
			resp.Upcoming = append(resp.Upcoming, upcomingAlarm{Routine: routine.Title, At: at})
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(resp))
}
