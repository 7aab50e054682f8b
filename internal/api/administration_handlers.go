package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/RoutineButler/internal/administrator"
	"github.com/BTreeMap/RoutineButler/internal/models"
)

// startRequest names the routine to start or resume.
type startRequest struct {
	Routine string `json:"routine"`
}

func (s *Server) administrationStatusHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(r.Context())
	if err != nil {
		writeError(w, "administrationStatusHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "startHandler", err)
		return
	}
	if strings.TrimSpace(req.Routine) == "" {
		writeError(w, "startHandler", badRequest(errors.New("routine is required")))
		return
	}
	snap, err := s.sessions.Start(r.Context(), req.Routine)
	if err != nil {
		writeError(w, "startHandler", err)
		return
	}
	slog.Info("Server.startHandler: routine started", "routine", req.Routine, "resumed", snap.Resumed, "state", snap.State)
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) respondHandler(w http.ResponseWriter, r *http.Request) {
	input := map[string]any{}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, "respondHandler", err)
		return
	}
	before, _ := s.sessions.Snapshot(r.Context())
	snap, err := s.sessions.Respond(r.Context(), input)
	if err != nil {
		writeError(w, "respondHandler", err)
		return
	}
	if snap.Complete || snap.Traversed > before.Traversed {
		writeJSONResponse(w, http.StatusOK, models.RecordedWithMessage("Program run recorded", snap))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) skipHandler(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "skipHandler", s.sessions.Skip)
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, "retryHandler", s.sessions.Retry)
}

func (s *Server) runAction(w http.ResponseWriter, r *http.Request, op string, action func(context.Context) (administrator.Snapshot, error)) {
	snap, err := action(r.Context())
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(snap))
}

func (s *Server) abandonHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Abandon(r.Context()); err != nil {
		writeError(w, "abandonHandler", err)
		return
	}
	slog.Info("Server.abandonHandler: run abandoned")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Routine run abandoned", nil))
}
