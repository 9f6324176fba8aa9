package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"nestline/internal/config"
	"nestline/internal/db"
	"nestline/internal/engine"
	"nestline/internal/engine/workflow"
	"nestline/internal/migrate"
	"nestline/internal/placement"
)

// ErrNoPlacer is returned when no optimizer URL is configured.
var ErrNoPlacer = errors.New("placement.url is not configured in nestline.yml")

// Workspace is an opened, migrated workspace with its config.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Logger *log.Logger
}

// Open prepares the workspace directory, migrates the database and loads
// nestline.yml, falling back to defaults when the file is missing.
func Open(ctx context.Context, dir string, logger *log.Logger) (*Workspace, error) {
	if logger == nil {
		logger = log.Default()
	}
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Logger: logger}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

func (w *Workspace) Engine() engine.Engine {
	e := engine.New(w.DB, w.Config)
	e.Logger = w.Logger
	return e
}

// Placer returns the optimizer client configured for the workspace.
func (w *Workspace) Placer() (*placement.Client, error) {
	if w.Config.Placement.URL == "" {
		return nil, ErrNoPlacer
	}
	return placement.New(w.Config.Placement.URL, w.Config.PlacementTimeout()), nil
}

// NewRun starts a workflow run backed by the local engine.
func NewRun(e engine.Engine, placer workflow.Placer, actorID string, logger *log.Logger) *workflow.Orchestrator {
	return workflow.New(uuid.NewString(), actorID, workflow.Deps{
		WorkOrders: e,
		Chambers:   e,
		Placer:     placer,
		Batches:    e,
		Config:     e.Config,
		Logger:     logger,
		Now:        e.Now,
	})
}
