// Package runstate provides the persisted run cursor service. The cursor is
// the only mutable state the administrator shares across restarts, so it is
// kept in the same durable store as the program run records.
package runstate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RoutineButler/internal/models"
)

// CursorStore is the persistence surface the service needs.
type CursorStore interface {
	SaveRunCursor(c models.RunCursor) error
	GetRunCursor(userID string) (*models.RunCursor, error)
	DeleteRunCursor(userID string) error
}

// Manager loads and saves run cursors.
type Manager interface {
	// Load returns the user's cursor, or an IDLE cursor if none is stored.
	Load(ctx context.Context, userID string) (*models.RunCursor, error)
	Save(ctx context.Context, c *models.RunCursor) error
	// Clear returns the user's cursor to IDLE.
	Clear(ctx context.Context, userID string) error
}

// StoreManager implements Manager using a CursorStore backend.
type StoreManager struct {
	store CursorStore
}

var _ Manager = (*StoreManager)(nil)

// NewStoreManager creates a new Manager backed by a store.
func NewStoreManager(st CursorStore) *StoreManager {
	slog.Debug("Creating runstate.StoreManager")
	return &StoreManager{store: st}
}

func (m *StoreManager) Load(ctx context.Context, userID string) (*models.RunCursor, error) {
	c, err := m.store.GetRunCursor(userID)
	if err != nil {
		slog.Error("runstate Load error", "error", err, "userID", userID)
		return nil, fmt.Errorf("load run cursor: %w", err)
	}
	if c == nil {
		slog.Debug("runstate Load not found, using idle cursor", "userID", userID)
		return models.NewIdleCursor(userID), nil
	}
	slog.Debug("runstate Load found", "userID", userID, "routine", c.RoutineTitle,
		"traversed", c.ProgramsTraversed, "inProgress", c.InProgress(), "pending", c.PendingRun != nil)
	return c, nil
}

func (m *StoreManager) Save(ctx context.Context, c *models.RunCursor) error {
	if err := m.store.SaveRunCursor(*c); err != nil {
		slog.Error("runstate Save error", "error", err, "userID", c.UserID)
		return fmt.Errorf("save run cursor: %w", err)
	}
	return nil
}

func (m *StoreManager) Clear(ctx context.Context, userID string) error {
	if err := m.store.DeleteRunCursor(userID); err != nil {
		slog.Error("runstate Clear error", "error", err, "userID", userID)
		return fmt.Errorf("clear run cursor: %w", err)
	}
	slog.Debug("runstate Clear succeeded", "userID", userID)
	return nil
}
