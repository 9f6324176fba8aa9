package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"nestline/internal/config"
	"nestline/internal/domain"
	"nestline/internal/engine/scoring"
	"nestline/internal/events"
	"nestline/internal/repo"
)

// Engine implements the work-order, chamber and batch services on the local
// workspace database.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

var workOrderStatuses = []string{domain.WorkOrderAwaitingCure, domain.WorkOrderQueued, domain.WorkOrderScheduled, domain.WorkOrderCured}

var chamberStatuses = []string{domain.ChamberAvailable, domain.ChamberInUse, domain.ChamberMaintenance, domain.ChamberOffline}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

func normalizeWorkOrder(wo domain.WorkOrder) (domain.WorkOrder, error) {
	wo.ID = strings.TrimSpace(wo.ID)
	wo.CureCycle = strings.TrimSpace(wo.CureCycle)
	if wo.ID == "" {
		return wo, errors.New("work order id is required")
	}
	if wo.Status == "" {
		wo.Status = domain.WorkOrderAwaitingCure
	}
	if !oneOf(wo.Status, workOrderStatuses) {
		return wo, fmt.Errorf("invalid work order status %q", wo.Status)
	}
	if wo.WeightKg < 0 || wo.WidthMM < 0 || wo.LengthMM < 0 || wo.Valves < 0 {
		return wo, fmt.Errorf("work order %s: weight, dimensions and valves must not be negative", wo.ID)
	}
	return wo, nil
}

// UpsertWorkOrder creates or replaces a work order.
func (e Engine) UpsertWorkOrder(ctx context.Context, wo domain.WorkOrder, actorID string) (domain.WorkOrder, error) {
	n, err := e.ImportWorkOrders(ctx, []domain.WorkOrder{wo}, actorID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if n != 1 {
		return domain.WorkOrder{}, fmt.Errorf("work order %s not stored", wo.ID)
	}
	return e.Repo.GetWorkOrder(ctx, nil, strings.TrimSpace(wo.ID))
}

// ImportWorkOrders upserts work orders in one transaction. Nothing is stored
// when any of them is invalid.
func (e Engine) ImportWorkOrders(ctx context.Context, orders []domain.WorkOrder, actorID string) (int, error) {
	if len(orders) == 0 {
		return 0, errors.New("no work orders to import")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := e.stamp()
	ids := make([]string, 0, len(orders))
	for _, raw := range orders {
		wo, err := normalizeWorkOrder(raw)
		if err != nil {
			return 0, err
		}
		if existing, err := e.Repo.GetWorkOrder(ctx, tx, wo.ID); err == nil {
			wo.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, repo.ErrNotFound) {
			return 0, err
		} else {
			wo.CreatedAt = now
		}
		wo.UpdatedAt = now
		if err := e.Repo.UpsertWorkOrder(ctx, tx, wo); err != nil {
			return 0, fmt.Errorf("upsert work order %s: %w", wo.ID, err)
		}
		ids = append(ids, wo.ID)
	}
	evtType, entityID := events.WorkOrderImported, ""
	payload := events.EventPayload{"count": len(ids), "ids": ids}
	if len(ids) == 1 {
		evtType, entityID = events.WorkOrderUpserted, ids[0]
		payload = events.EventPayload{"status": orders[0].Status}
	}
	if err := e.Events.Append(ctx, tx, evtType, "work_order", entityID, actorID, payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ListWorkOrders lists work orders, all of them when status is empty.
func (e Engine) ListWorkOrders(ctx context.Context, status string) ([]domain.WorkOrder, error) {
	return e.Repo.ListWorkOrders(ctx, nil, repo.WorkOrderFilter{Status: status})
}

// ActionableWorkOrders keeps only the statuses configured as actionable.
func (e Engine) ActionableWorkOrders(ctx context.Context) ([]domain.WorkOrder, error) {
	all, err := e.ListWorkOrders(ctx, "")
	if err != nil {
		return nil, err
	}
	out := []domain.WorkOrder{}
	for _, wo := range all {
		if e.config().IsActionable(wo.Status) {
			out = append(out, wo)
		}
	}
	return out, nil
}

func (e Engine) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return e.Repo.GetWorkOrder(ctx, nil, id)
}

// Selection builds a selection from stored work orders.
func (e Engine) Selection(ctx context.Context, ids []string) (domain.WorkOrderSelection, error) {
	orders, err := e.Repo.ListWorkOrders(ctx, nil, repo.WorkOrderFilter{IDs: ids})
	if err != nil {
		return domain.WorkOrderSelection{}, err
	}
	return domain.BuildSelection(ids, orders)
}

// Rank scores every chamber against a selection of stored work orders.
func (e Engine) Rank(ctx context.Context, ids []string) (domain.WorkOrderSelection, []scoring.ResourceCandidate, error) {
	sel, err := e.Selection(ctx, ids)
	if err != nil {
		return sel, nil, err
	}
	if sel.Empty() {
		return sel, nil, errors.New("at least one work order id is required")
	}
	chambers, err := e.Repo.ListChambers(ctx)
	if err != nil {
		return sel, nil, err
	}
	return sel, scoring.New(e.config().Scoring).Rank(sel, chambers), nil
}

func (e Engine) UpsertChamber(ctx context.Context, c domain.Chamber, actorID string) (domain.Chamber, error) {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		return c, errors.New("chamber id is required")
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Status == "" {
		c.Status = domain.ChamberAvailable
	}
	if !oneOf(c.Status, chamberStatuses) {
		return c, fmt.Errorf("invalid chamber status %q", c.Status)
	}
	if c.WidthMM <= 0 || c.LengthMM <= 0 || c.MaxLoadKg <= 0 {
		return c, fmt.Errorf("chamber %s: dimensions and max load must be positive", c.ID)
	}
	if c.VacuumLines < 0 {
		return c, fmt.Errorf("chamber %s: vacuum lines must not be negative", c.ID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	now := e.stamp()
	c.CreatedAt, c.UpdatedAt = now, now
	if existing, err := e.Repo.GetChamber(ctx, tx, c.ID); err == nil {
		c.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return c, err
	}
	if err := e.Repo.UpsertChamber(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, events.ChamberUpserted, "chamber", c.ID, actorID, events.EventPayload{"status": c.Status}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

func (e Engine) ListChambers(ctx context.Context) ([]domain.Chamber, error) {
	return e.Repo.ListChambers(ctx)
}

func (e Engine) GetChamber(ctx context.Context, id string) (domain.Chamber, error) {
	return e.Repo.GetChamber(ctx, nil, id)
}

// SetChamberStatus changes availability by hand. A chamber holding a loaded
// or curing batch stays in use.
func (e Engine) SetChamberStatus(ctx context.Context, id, status, actorID string) (domain.Chamber, error) {
	if !oneOf(status, chamberStatuses) {
		return domain.Chamber{}, fmt.Errorf("invalid chamber status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Chamber{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetChamber(ctx, tx, id)
	if err != nil {
		return c, err
	}
	if status != domain.ChamberInUse {
		if active, err := e.Repo.ActiveBatchOnChamber(ctx, tx, id); err == nil {
			return c, ChamberUnavailableError{ChamberID: id, Status: c.Status, BatchID: active.ID}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return c, err
		}
	}
	from := c.Status
	c.Status, c.UpdatedAt = status, e.stamp()
	if err := e.Repo.SetChamberStatus(ctx, tx, id, status, c.UpdatedAt); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, events.ChamberStatus, "chamber", id, actorID, events.EventPayload{"from": from, "to": status}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// SetStands replaces the support stands of a chamber.
func (e Engine) SetStands(ctx context.Context, chamberID string, stands []domain.SupportStand, actorID string) ([]domain.SupportStand, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetChamber(ctx, tx, chamberID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SupportStand, 0, len(stands))
	for i, s := range stands {
		if s.ID == "" {
			s.ID = fmt.Sprintf("%s-S%d", chamberID, i+1)
		}
		s.ChamberID = chamberID
		if s.WidthMM <= 0 || s.LengthMM <= 0 {
			return nil, fmt.Errorf("stand %s: dimensions must be positive", s.ID)
		}
		if s.X < 0 || s.Y < 0 || s.X+s.WidthMM > c.WidthMM || s.Y+s.LengthMM > c.LengthMM {
			return nil, fmt.Errorf("stand %s is outside chamber %s", s.ID, chamberID)
		}
		out = append(out, s)
	}
	if err := e.Repo.ReplaceStands(ctx, tx, chamberID, out); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.StandsReplaced, "chamber", chamberID, actorID, events.EventPayload{"count": len(out)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e Engine) ListStands(ctx context.Context, chamberID string) ([]domain.SupportStand, error) {
	return e.Repo.ListStands(ctx, nil, chamberID)
}

// CreateAPIKey stores a new key for actorID and returns the plaintext once.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "nl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}
