// Package config loads the YAML catalog of programs and routines that
// Routine Butler imports at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/RoutineButler/internal/alarm"
	"github.com/BTreeMap/RoutineButler/internal/models"
	"github.com/BTreeMap/RoutineButler/internal/program"
	"github.com/BTreeMap/RoutineButler/internal/store"
)

// CatalogVersion is the only catalog format version understood.
const CatalogVersion = 1

// ErrUnsupportedVersion is returned for catalogs of an unknown version.
var ErrUnsupportedVersion = errors.New("unsupported catalog version")

// Catalog is the on-disk catalog document.
type Catalog struct {
	Version  int              `yaml:"version"`
	Programs []CatalogProgram `yaml:"programs"`
	Routines []CatalogRoutine `yaml:"routines"`
}

// CatalogProgram is one program definition.
type CatalogProgram struct {
	Title  string         `yaml:"title"`
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// CatalogRoutine is one routine definition. TargetMinutes enables the
// duration budget when set.
type CatalogRoutine struct {
	Title         string           `yaml:"title"`
	TargetMinutes int              `yaml:"target_minutes"`
	Elements      []models.Element `yaml:"elements"`
	Rewards       []models.Reward  `yaml:"rewards"`
	Alarms        []models.Alarm   `yaml:"alarms"`
}

// LoadCatalog reads and parses the catalog at path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes a catalog document. Unknown fields are rejected.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if c.Version != CatalogVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, c.Version)
	}
	return &c, nil
}

// Program converts a catalog entry to a stored program owned by userID.
func (p CatalogProgram) Program(userID string) models.Program {
	return models.Program{UserID: userID, Title: p.Title, PluginType: p.Type, Config: p.Config}
}

// Routine converts a catalog entry to a routine owned by userID, normalizing
// element priorities.
func (r CatalogRoutine) Routine(userID string) (models.Routine, error) {
	out := models.Routine{
		UserID:                userID,
		Title:                 r.Title,
		Rewards:               r.Rewards,
		Alarms:                r.Alarms,
		TargetDurationMinutes: r.TargetMinutes,
		TargetDurationEnabled: r.TargetMinutes > 0,
	}
	for _, e := range r.Elements {
		p, err := models.ParsePriority(string(e.Priority))
		if err != nil {
			return models.Routine{}, fmt.Errorf("routine %q element %q: %w", r.Title, e.ProgramTitle, err)
		}
		out.Elements = append(out.Elements, models.Element{ProgramTitle: e.ProgramTitle, Priority: p})
	}
	if err := out.Validate(); err != nil {
		return models.Routine{}, fmt.Errorf("routine %q: %w", r.Title, err)
	}
	if err := alarm.ValidateRoutine(out); err != nil {
		return models.Routine{}, fmt.Errorf("routine %q: %w", r.Title, err)
	}
	return out, nil
}

// ImportResult counts the records written by Import.
type ImportResult struct {
	ProgramsCreated int
	ProgramsUpdated int
	RoutinesCreated int
	RoutinesUpdated int
}

// CatalogStore is the persistence surface Import writes through.
type CatalogStore interface {
	CreateProgram(p models.Program) error
	UpdateProgram(p models.Program) error
	CreateRoutine(r models.Routine) error
	UpdateRoutine(r models.Routine) error
}

// Import validates the whole catalog and then upserts its programs and
// routines for userID. Nothing is written when any entry is invalid.
func (c *Catalog) Import(st CatalogStore, registry *program.Registry, userID string) (ImportResult, error) {
	var res ImportResult
	programs := make([]models.Program, 0, len(c.Programs))
	known := make(map[string]bool, len(c.Programs))
	for _, cp := range c.Programs {
		p := cp.Program(userID)
		if err := registry.Validate(p); err != nil {
			return res, fmt.Errorf("program %q: %w", cp.Title, err)
		}
		programs = append(programs, p)
		known[p.Title] = true
	}
	routines := make([]models.Routine, 0, len(c.Routines))
	for _, cr := range c.Routines {
		r, err := cr.Routine(userID)
		if err != nil {
			return res, err
		}
		for _, e := range r.Elements {
			if !known[e.ProgramTitle] {
				slog.Warn("Catalog.Import: routine references a program outside the catalog", "routine", r.Title, "program", e.ProgramTitle)
			}
		}
		routines = append(routines, r)
	}

	for _, p := range programs {
		created, err := upsert(p, st.CreateProgram, st.UpdateProgram)
		if err != nil {
			return res, fmt.Errorf("program %q: %w", p.Title, err)
		}
		if created {
			res.ProgramsCreated++
		} else {
			res.ProgramsUpdated++
		}
	}
	for _, r := range routines {
		created, err := upsert(r, st.CreateRoutine, st.UpdateRoutine)
		if err != nil {
			return res, fmt.Errorf("routine %q: %w", r.Title, err)
		}
		if created {
			res.RoutinesCreated++
		} else {
			res.RoutinesUpdated++
		}
	}
	slog.Info("Catalog.Import succeeded", "user", userID,
		"programsCreated", res.ProgramsCreated, "programsUpdated", res.ProgramsUpdated,
		"routinesCreated", res.RoutinesCreated, "routinesUpdated", res.RoutinesUpdated)
	return res, nil
}

func upsert[T any](v T, create, update func(T) error) (created bool, err error) {
	err = create(v)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return false, err
	}
	return false, update(v)
}
