package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/store"
)

func TestRunRecoveryHandler(t *testing.T) {
	var resumed string
	handler := RunRecoveryHandler(func(ctx context.Context, title string) error {
		resumed = title
		return nil
	})

	if handler == nil {
		t.Fatal("RunRecoveryHandler returned nil")
	}

	if err := handler(context.Background(), RunRecoveryInfo{UserID: "u1", RoutineTitle: "Evening"}); err != nil {
		t.Errorf("RunRecoveryHandler failed: %v", err)
	}

	if resumed != "Evening" {
		t.Errorf("Expected Evening to be resumed, got %q", resumed)
	}
}

func TestRunRecoveryHandler_Error(t *testing.T) {
	cause := errors.New("routine deleted")
	handler := RunRecoveryHandler(func(ctx context.Context, title string) error { return cause })

	err := handler(context.Background(), RunRecoveryInfo{RoutineTitle: "Evening"})

	if !errors.Is(err, cause) {
		t.Errorf("Expected wrapped resume error, got %v", err)
	}
}

func TestRunRecoveryHandler_NilCallback(t *testing.T) {
	handler := RunRecoveryHandler(nil)

	if err := handler(context.Background(), RunRecoveryInfo{RoutineTitle: "Evening"}); err == nil {
		t.Error("Expected error with nil callback")
	}
}

type brokenCursorStore struct {
	store.Store
}

func (brokenCursorStore) GetRunCursor(string) (*models.RunCursor, error) {
	return nil, &store.PersistenceError{Op: "GetRunCursor", Err: errors.New("disk I/O error")}
}

func TestInspectCursor_StoreError(t *testing.T) {
	_, err := InspectCursor(brokenCursorStore{Store: store.NewInMemoryStore()}, "u1")

	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Errorf("Expected PersistenceError, got %v", err)
	}
}
