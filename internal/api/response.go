package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/RoutineButler/internal/administrator"
	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/program"
	"github.com/BTreeMap/RoutineButler/internal/queue"
	"github.com/BTreeMap/RoutineButler/internal/session"
	"github.com/BTreeMap/RoutineButler/internal/store"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

// badRequest wraps a validation failure so statusFor maps it to 400.
func badRequest(err error) error {
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

var validationErrors = []error{
	errBadRequest,
	models.ErrEmptyTitle,
	models.ErrTitleTooLong,
	models.ErrInvalidTitle,
	models.ErrEmptyPluginType,
	models.ErrInvalidPriority,
	models.ErrEmptyProgramReference,
	models.ErrTooManyItems,
	models.ErrInvalidTargetDuration,
	models.ErrEmptyAlarmSpec,
	models.ErrInvalidOutcome,
	models.ErrMissingProgramRunField,
	program.ErrUnknownType,
	program.ErrInvalidConfig,
	program.ErrInvalidInput,
}

var conflictErrors = []error{
	store.ErrDuplicate,
	administrator.ErrRunInProgress,
	administrator.ErrSkipNotAllowed,
	administrator.ErrNotAdministering,
	administrator.ErrRunComplete,
	administrator.ErrNoPendingRun,
	program.ErrNotInteractive,
	program.ErrNotAdministered,
	session.ErrNoActiveRun,
}

// statusFor maps a service error to its HTTP status code.
func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	var unresolved *queue.UnresolvedProgramError
	if errors.As(err, &unresolved) {
		return http.StatusUnprocessableEntity
	}
	var pe *store.PersistenceError
	if errors.As(err, &pe) {
		return http.StatusInternalServerError
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	for _, target := range conflictErrors {
		if errors.Is(err, target) {
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

// writeError logs err and writes it with its mapped status. Internal errors
// are not echoed to the client.
func writeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("Server."+op+" failed", "error", err)
		var pe *store.PersistenceError
		if !errors.As(err, &pe) {
			msg = "Internal server error"
		}
	} else {
		slog.Warn("Server."+op+" rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.Error(msg))
}

// decodeJSON decodes a size-limited JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return badRequest(errors.New("request body is required"))
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("invalid JSON format: %v", err))
	}
	return nil
}
