package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"nestline/internal/domain"
	"nestline/internal/engine/layout"
	"nestline/internal/engine/workflow"
	"nestline/internal/events"
	"nestline/internal/export"
	"nestline/internal/repo"
)

// batchTransitions lists the allowed commands per batch status.
var batchTransitions = map[string][]string{
	domain.BatchDraft:     {domain.BatchSuspended, domain.BatchConfirmed},
	domain.BatchSuspended: {domain.BatchConfirmed},
	domain.BatchConfirmed: {domain.BatchLoaded},
	domain.BatchLoaded:    {domain.BatchCuring},
	domain.BatchCuring:    {domain.BatchTerminated},
}

func ensureBatchTransition(b domain.Batch, to string) error {
	for _, s := range batchTransitions[b.Status] {
		if s == to {
			return nil
		}
	}
	return TransitionError{BatchID: b.ID, From: b.Status, To: to}
}

func editable(status string) bool {
	return status == domain.BatchDraft || status == domain.BatchSuspended
}

// evaluate validates placements of a batch against its chamber, stands and
// stored work orders.
func (e Engine) evaluate(ctx context.Context, tx *sql.Tx, b domain.Batch) (domain.ValidationResult, error) {
	ch, err := e.Repo.GetChamber(ctx, tx, b.ChamberID)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("chamber %s: %w", b.ChamberID, err)
	}
	stands, err := e.Repo.ListStands(ctx, tx, b.ChamberID)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	orders, err := e.Repo.ListWorkOrders(ctx, tx, repo.WorkOrderFilter{IDs: b.WorkOrderIDs})
	if err != nil {
		return domain.ValidationResult{}, err
	}
	sel, err := domain.BuildSelection(b.WorkOrderIDs, orders)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	return layout.Validate(layout.Input{
		Placements: b.Placements,
		Chamber:    ch,
		Selection:  &sel,
		Stands:     stands,
		Metadata:   b.Metadata,
	}, e.config().Validation), nil
}

func metricsFor(b domain.Batch, orders map[string]domain.WorkOrder, res domain.ValidationResult) domain.BatchMetrics {
	m := domain.BatchMetrics{
		WorkOrderCount: len(b.WorkOrderIDs),
		CoveragePct:    res.CoveragePct,
		EfficiencyPct:  res.EfficiencyPct,
		MultiLevel:     res.MultiLevel,
	}
	for _, id := range b.WorkOrderIDs {
		wo := orders[id]
		m.TotalWeightKg += wo.WeightKg
		m.ValvesUsed += wo.Valves
	}
	return m
}

func (e Engine) refreshMetrics(ctx context.Context, tx *sql.Tx, b *domain.Batch) (domain.ValidationResult, error) {
	res, err := e.evaluate(ctx, tx, *b)
	if err != nil {
		return res, err
	}
	orders, err := e.Repo.ListWorkOrders(ctx, tx, repo.WorkOrderFilter{IDs: b.WorkOrderIDs})
	if err != nil {
		return res, err
	}
	byID := make(map[string]domain.WorkOrder, len(orders))
	for _, wo := range orders {
		byID[wo.ID] = wo
	}
	b.Metrics = metricsFor(*b, byID, res)
	return res, nil
}

// CreateDraft stores a generated layout as a draft batch.
func (e Engine) CreateDraft(ctx context.Context, b domain.Batch, actorID string) (domain.Batch, error) {
	b.ChamberID = strings.TrimSpace(b.ChamberID)
	if b.ChamberID == "" {
		return domain.Batch{}, errors.New("chamber id is required")
	}
	if len(b.Placements) == 0 {
		return domain.Batch{}, errors.New("batch has no placements")
	}
	if len(b.WorkOrderIDs) == 0 {
		for _, p := range b.Placements {
			b.WorkOrderIDs = append(b.WorkOrderIDs, p.WorkOrderID)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()
	now := e.stamp()
	b.ID = uuid.NewString()
	b.Status = domain.BatchDraft
	b.CreatedBy = actorID
	b.ConfirmedBy = nil
	b.CreatedAt, b.UpdatedAt = now, now
	if _, err := e.refreshMetrics(ctx, tx, &b); err != nil {
		return domain.Batch{}, err
	}
	if err := e.Repo.InsertBatch(ctx, tx, b); err != nil {
		return domain.Batch{}, err
	}
	if err := e.Events.Append(ctx, tx, events.BatchGenerated, "batch", b.ID, actorID, events.EventPayload{
		"chamber_id":  b.ChamberID,
		"work_orders": len(b.WorkOrderIDs),
		"algorithm":   b.Metadata.Algorithm,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// UpdatePlacements replaces the layout of an uncommitted batch.
func (e Engine) UpdatePlacements(ctx context.Context, batchID string, placements []domain.LayoutPlacement, actorID string) (domain.Batch, error) {
	if len(placements) == 0 {
		return domain.Batch{}, errors.New("batch has no placements")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBatch(ctx, tx, batchID)
	if err != nil {
		return b, err
	}
	if !editable(b.Status) {
		return b, LockedError{BatchID: b.ID, Status: b.Status}
	}
	b.Placements = placements
	b.UpdatedAt = e.stamp()
	if _, err := e.refreshMetrics(ctx, tx, &b); err != nil {
		return b, err
	}
	if err := e.Repo.UpdateBatch(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.Events.Append(ctx, tx, events.BatchLayoutUpdated, "batch", b.ID, actorID, events.EventPayload{"placements": len(placements)}); err != nil {
		return b, err
	}
	if err := tx.Commit(); err != nil {
		return b, err
	}
	return b, nil
}

// SaveValidation stores a validation result computed by the caller.
func (e Engine) SaveValidation(ctx context.Context, batchID string, res domain.ValidationResult, actorID string) (domain.ValidationReport, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetBatch(ctx, tx, batchID); err != nil {
		return domain.ValidationReport{}, err
	}
	report, err := e.saveReport(ctx, tx, batchID, res, actorID)
	if err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationReport{}, err
	}
	return report, nil
}

func (e Engine) saveReport(ctx context.Context, tx *sql.Tx, batchID string, res domain.ValidationResult, actorID string) (domain.ValidationReport, error) {
	report := domain.ValidationReport{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		Result:    res,
		CreatedBy: actorID,
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertValidationReport(ctx, tx, report); err != nil {
		return domain.ValidationReport{}, err
	}
	if err := e.Events.Append(ctx, tx, events.BatchValidated, "batch", batchID, actorID, events.EventPayload{
		"report_id": report.ID,
		"valid":     res.Valid(),
		"ready":     res.ReadyForConfirmation,
	}); err != nil {
		return domain.ValidationReport{}, err
	}
	return report, nil
}

// ValidateBatch re-validates the stored layout of a batch and records the
// report.
func (e Engine) ValidateBatch(ctx context.Context, batchID, actorID string) (domain.ValidationReport, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBatch(ctx, tx, batchID)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	res, err := e.evaluate(ctx, tx, b)
	if err != nil {
		return domain.ValidationReport{}, err
	}
	report, err := e.saveReport(ctx, tx, batchID, res, actorID)
	if err != nil {
		return report, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ValidationReport{}, err
	}
	return report, nil
}

// CheckLayout validates a layout that is not stored. Work order ids default
// to the placed ones.
func (e Engine) CheckLayout(ctx context.Context, b domain.Batch) (domain.ValidationResult, error) {
	if strings.TrimSpace(b.ChamberID) == "" {
		return domain.ValidationResult{}, errors.New("chamber id is required")
	}
	if len(b.WorkOrderIDs) == 0 {
		for _, p := range b.Placements {
			b.WorkOrderIDs = append(b.WorkOrderIDs, p.WorkOrderID)
		}
	}
	return e.evaluate(ctx, nil, b)
}

// BatchSheet collects what the printed batch sheet shows.
func (e Engine) BatchSheet(ctx context.Context, batchID string) (export.Sheet, error) {
	b, err := e.Repo.GetBatch(ctx, nil, batchID)
	if err != nil {
		return export.Sheet{}, err
	}
	ch, err := e.Repo.GetChamber(ctx, nil, b.ChamberID)
	if err != nil {
		return export.Sheet{}, fmt.Errorf("chamber %s: %w", b.ChamberID, err)
	}
	stands, err := e.Repo.ListStands(ctx, nil, b.ChamberID)
	if err != nil {
		return export.Sheet{}, err
	}
	orders, err := e.Repo.ListWorkOrders(ctx, nil, repo.WorkOrderFilter{IDs: b.WorkOrderIDs})
	if err != nil {
		return export.Sheet{}, err
	}
	sheet := export.Sheet{Batch: b, Chamber: ch, WorkOrders: orders, Stands: stands, GeneratedAt: e.now()}
	report, err := e.Repo.LatestValidationReport(ctx, nil, batchID)
	switch {
	case err == nil:
		sheet.Report = &report
	case !errors.Is(err, repo.ErrNotFound):
		return export.Sheet{}, err
	}
	return sheet, nil
}

func (e Engine) ListValidationReports(ctx context.Context, batchID string) ([]domain.ValidationReport, error) {
	if _, err := e.Repo.GetBatch(ctx, nil, batchID); err != nil {
		return nil, err
	}
	return e.Repo.ListValidationReports(ctx, batchID)
}

func (e Engine) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	return e.Repo.GetBatch(ctx, nil, id)
}

func (e Engine) ListBatches(ctx context.Context, f repo.BatchFilter) ([]domain.Batch, error) {
	return e.Repo.ListBatches(ctx, f)
}

// transition moves a batch to status to, running apply in the same
// transaction before the batch row and event are written.
func (e Engine) transition(ctx context.Context, batchID, to, actorID, evtType string, apply func(tx *sql.Tx, b *domain.Batch) error) (domain.Batch, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBatch(ctx, tx, batchID)
	if err != nil {
		return b, err
	}
	if err := ensureBatchTransition(b, to); err != nil {
		e.logger().Printf("engine: %s rejected batch=%s err=%v", evtType, batchID, err)
		return b, err
	}
	from := b.Status
	b.Status = to
	b.UpdatedAt = e.stamp()
	if apply != nil {
		if err := apply(tx, &b); err != nil {
			e.logger().Printf("engine: %s rejected batch=%s err=%v", evtType, batchID, err)
			return domain.Batch{}, err
		}
	}
	if err := e.Repo.UpdateBatch(ctx, tx, b); err != nil {
		return domain.Batch{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "batch", b.ID, actorID, events.EventPayload{
		"from":       from,
		"to":         to,
		"chamber_id": b.ChamberID,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// Promote keeps a draft as a suspended batch.
func (e Engine) Promote(ctx context.Context, batchID, actorID string) (domain.Batch, error) {
	return e.transition(ctx, batchID, domain.BatchSuspended, actorID, events.BatchPromoted, nil)
}

// Confirm commits a batch. The stored layout is validated again and must be
// free of blocking errors; its work orders become scheduled.
func (e Engine) Confirm(ctx context.Context, batchID, actorID string) (domain.Batch, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Batch{}, workflow.ValidationError{Stage: workflow.StageConfirmation, Reasons: []string{"actor is required"}}
	}
	return e.transition(ctx, batchID, domain.BatchConfirmed, actorID, events.BatchConfirmed, func(tx *sql.Tx, b *domain.Batch) error {
		res, err := e.refreshMetrics(ctx, tx, b)
		if err != nil {
			return err
		}
		if !res.Valid() {
			reasons := append([]string(nil), res.Errors...)
			if len(reasons) == 0 {
				reasons = []string{"layout has cross-cycle conflicts"}
			}
			return workflow.ValidationError{Stage: workflow.StageConfirmation, Reasons: reasons}
		}
		actor := actorID
		b.ConfirmedBy = &actor
		return e.Repo.SetWorkOrderStatus(ctx, tx, b.WorkOrderIDs, domain.WorkOrderScheduled, b.UpdatedAt)
	})
}

// Load puts a confirmed batch into its chamber, which must be free.
func (e Engine) Load(ctx context.Context, batchID, actorID string) (domain.Batch, error) {
	return e.transition(ctx, batchID, domain.BatchLoaded, actorID, events.BatchLoaded, func(tx *sql.Tx, b *domain.Batch) error {
		ch, err := e.Repo.GetChamber(ctx, tx, b.ChamberID)
		if err != nil {
			return err
		}
		if active, err := e.Repo.ActiveBatchOnChamber(ctx, tx, ch.ID); err == nil {
			return ChamberUnavailableError{ChamberID: ch.ID, Status: ch.Status, BatchID: active.ID}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if !ch.Available() {
			return ChamberUnavailableError{ChamberID: ch.ID, Status: ch.Status}
		}
		return e.Repo.SetChamberStatus(ctx, tx, ch.ID, domain.ChamberInUse, b.UpdatedAt)
	})
}

func (e Engine) StartCure(ctx context.Context, batchID, actorID string) (domain.Batch, error) {
	return e.transition(ctx, batchID, domain.BatchCuring, actorID, events.BatchCureStarted, nil)
}

// Terminate ends the cure: the chamber is freed and the work orders are cured.
func (e Engine) Terminate(ctx context.Context, batchID, actorID string) (domain.Batch, error) {
	return e.transition(ctx, batchID, domain.BatchTerminated, actorID, events.BatchTerminated, func(tx *sql.Tx, b *domain.Batch) error {
		if err := e.Repo.SetChamberStatus(ctx, tx, b.ChamberID, domain.ChamberAvailable, b.UpdatedAt); err != nil {
			return err
		}
		return e.Repo.SetWorkOrderStatus(ctx, tx, b.WorkOrderIDs, domain.WorkOrderCured, b.UpdatedAt)
	})
}

// Delete removes an uncommitted batch and its validation reports.
func (e Engine) Delete(ctx context.Context, batchID, actorID string) error {
	return e.deleteBatch(ctx, batchID, actorID, editable)
}

// DeleteDraft removes a batch only while it is still a draft. A batch that
// was promoted in the meantime is left alone with a TransitionError.
func (e Engine) DeleteDraft(ctx context.Context, batchID, actorID string) error {
	return e.deleteBatch(ctx, batchID, actorID, func(status string) bool {
		return status == domain.BatchDraft
	})
}

func (e Engine) deleteBatch(ctx context.Context, batchID, actorID string, allowed func(string) bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBatch(ctx, tx, batchID)
	if err != nil {
		return err
	}
	if !allowed(b.Status) {
		return TransitionError{BatchID: b.ID, From: b.Status, To: "deleted"}
	}
	if err := e.Repo.DeleteBatch(ctx, tx, batchID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.BatchDeleted, "batch", batchID, actorID, events.EventPayload{
		"status":     b.Status,
		"chamber_id": b.ChamberID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Command runs a named batch command.
func (e Engine) Command(ctx context.Context, batchID, command, actorID string) (domain.Batch, error) {
	switch command {
	case "promote":
		return e.Promote(ctx, batchID, actorID)
	case "confirm":
		return e.Confirm(ctx, batchID, actorID)
	case "load":
		return e.Load(ctx, batchID, actorID)
	case "start_cure", "start-cure":
		return e.StartCure(ctx, batchID, actorID)
	case "terminate":
		return e.Terminate(ctx, batchID, actorID)
	default:
		return domain.Batch{}, fmt.Errorf("unknown batch command %q", command)
	}
}

// Commands lists the names accepted by Command.
func Commands() []string {
	return []string{"promote", "confirm", "load", "start_cure", "terminate"}
}
