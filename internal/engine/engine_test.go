package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestline/internal/config"
	"nestline/internal/db"
	"nestline/internal/domain"
	"nestline/internal/engine"
	"nestline/internal/engine/workflow"
	"nestline/internal/migrate"
	"nestline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func seedCatalog(t *testing.T, env testEnv) {
	t.Helper()
	_, err := env.Engine.ImportWorkOrders(env.Ctx, []domain.WorkOrder{
		{ID: "WO-1", Priority: 2, WeightKg: 120, WidthMM: 1000, LengthMM: 1000, Valves: 2, CureCycle: "C180", ToolID: "T-1"},
		{ID: "WO-2", Priority: 5, WeightKg: 80, WidthMM: 500, LengthMM: 800, Valves: 1, CureCycle: "C180"},
		{ID: "WO-3", Status: domain.WorkOrderQueued, WeightKg: 50, WidthMM: 400, LengthMM: 400, Valves: 1, CureCycle: "C120"},
	}, "tester")
	require.NoError(t, err)
	_, err = env.Engine.UpsertChamber(env.Ctx, domain.Chamber{ID: "AC-1", WidthMM: 3000, LengthMM: 6000, MaxLoadKg: 1000, VacuumLines: 8}, "tester")
	require.NoError(t, err)
}

func draft(t *testing.T, env testEnv) domain.Batch {
	t.Helper()
	b, err := env.Engine.CreateDraft(env.Ctx, domain.Batch{
		ChamberID:    "AC-1",
		WorkOrderIDs: []string{"WO-1", "WO-2"},
		Placements: []domain.LayoutPlacement{
			{WorkOrderID: "WO-1", X: 0, Y: 0, Width: 1000, Height: 1000},
			{WorkOrderID: "WO-2", X: 1000, Y: 0, Width: 500, Height: 800},
		},
		Metadata: domain.LayoutMetadata{Algorithm: "maxrects"},
	}, "tester")
	require.NoError(t, err)
	return b
}

func TestWorkOrderDefaultsAndOrdering(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)

	all, err := env.Engine.ListWorkOrders(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "WO-2", all[0].ID)
	assert.Equal(t, domain.WorkOrderAwaitingCure, all[0].Status)

	queued, err := env.Engine.ListWorkOrders(env.Ctx, domain.WorkOrderQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "WO-3", queued[0].ID)

	_, err = env.Engine.UpsertWorkOrder(env.Ctx, domain.WorkOrder{ID: "WO-4", Status: "lost"}, "tester")
	assert.Error(t, err)
}

func TestImportIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ImportWorkOrders(env.Ctx, []domain.WorkOrder{
		{ID: "A", WeightKg: 1},
		{ID: "", WeightKg: 1},
	}, "tester")
	require.Error(t, err)
	all, err := env.Engine.ListWorkOrders(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestActionableWorkOrders(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	_, err := env.Engine.UpsertWorkOrder(env.Ctx, domain.WorkOrder{ID: "WO-9", Status: domain.WorkOrderCured}, "tester")
	require.NoError(t, err)

	actionable, err := env.Engine.ActionableWorkOrders(env.Ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, wo := range actionable {
		ids = append(ids, wo.ID)
	}
	assert.ElementsMatch(t, []string{"WO-1", "WO-2", "WO-3"}, ids)
}

func TestStandsMustFitChamber(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)

	stands, err := env.Engine.SetStands(env.Ctx, "AC-1", []domain.SupportStand{{X: 0, Y: 0, WidthMM: 1000, LengthMM: 2000}}, "tester")
	require.NoError(t, err)
	require.Len(t, stands, 1)
	assert.Equal(t, "AC-1-S1", stands[0].ID)

	_, err = env.Engine.SetStands(env.Ctx, "AC-1", []domain.SupportStand{{X: 2500, Y: 0, WidthMM: 1000, LengthMM: 100}}, "tester")
	assert.Error(t, err)

	listed, err := env.Engine.ListStands(env.Ctx, "AC-1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestCreateDraftComputesMetrics(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b := draft(t, env)

	assert.Equal(t, domain.BatchDraft, b.Status)
	assert.Equal(t, 2, b.Metrics.WorkOrderCount)
	assert.InDelta(t, 200, b.Metrics.TotalWeightKg, 0.001)
	assert.Equal(t, 3, b.Metrics.ValvesUsed)
	assert.Greater(t, b.Metrics.CoveragePct, 0.0)

	stored, err := env.Engine.GetBatch(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Placements, stored.Placements)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, 0, repo.EventFilter{EntityKind: "batch"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "batch.generated", evts[0].Type)
}

func TestBatchLifecycle(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b := draft(t, env)

	b, err := env.Engine.Promote(env.Ctx, b.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSuspended, b.Status)

	b, err = env.Engine.Confirm(env.Ctx, b.ID, "supervisor")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchConfirmed, b.Status)
	require.NotNil(t, b.ConfirmedBy)
	assert.Equal(t, "supervisor", *b.ConfirmedBy)
	wo, err := env.Engine.GetWorkOrder(env.Ctx, "WO-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderScheduled, wo.Status)

	b, err = env.Engine.Load(env.Ctx, b.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchLoaded, b.Status)
	ch, err := env.Engine.GetChamber(env.Ctx, "AC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChamberInUse, ch.Status)

	b, err = env.Engine.StartCure(env.Ctx, b.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchCuring, b.Status)

	b, err = env.Engine.Terminate(env.Ctx, b.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchTerminated, b.Status)
	ch, err = env.Engine.GetChamber(env.Ctx, "AC-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChamberAvailable, ch.Status)
	wo, err = env.Engine.GetWorkOrder(env.Ctx, "WO-2")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderCured, wo.Status)
}

func TestIllegalTransitionLeavesBatchUnchanged(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b := draft(t, env)

	_, err := env.Engine.Load(env.Ctx, b.ID, "tester")
	var te engine.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, domain.BatchDraft, te.From)
	assert.Equal(t, domain.BatchLoaded, te.To)

	stored, err := env.Engine.GetBatch(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchDraft, stored.Status)
}

func TestConfirmRejectsInvalidLayout(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b, err := env.Engine.CreateDraft(env.Ctx, domain.Batch{
		ChamberID:    "AC-1",
		WorkOrderIDs: []string{"WO-1", "WO-3"},
		Placements: []domain.LayoutPlacement{
			{WorkOrderID: "WO-1", X: 0, Y: 0, Width: 1000, Height: 1000},
			{WorkOrderID: "WO-3", X: 500, Y: 500, Width: 400, Height: 400},
		},
	}, "tester")
	require.NoError(t, err)

	_, err = env.Engine.Confirm(env.Ctx, b.ID, "supervisor")
	var ve workflow.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, workflow.StageConfirmation, ve.Stage)

	stored, err := env.Engine.GetBatch(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchDraft, stored.Status)
	wo, err := env.Engine.GetWorkOrder(env.Ctx, "WO-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderAwaitingCure, wo.Status)
}

func TestConfirmIgnoresPlacementCycleLabels(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b, err := env.Engine.CreateDraft(env.Ctx, domain.Batch{
		ChamberID:    "AC-1",
		WorkOrderIDs: []string{"WO-1", "WO-3"},
		Placements: []domain.LayoutPlacement{
			{WorkOrderID: "WO-1", CureCycle: "C180", X: 0, Y: 0, Width: 1000, Height: 1000},
			{WorkOrderID: "WO-3", CureCycle: "C180", X: 500, Y: 500, Width: 400, Height: 400},
		},
	}, "tester")
	require.NoError(t, err)

	_, err = env.Engine.Confirm(env.Ctx, b.ID, "supervisor")
	var ve workflow.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Reasons, "cross-cycle overlap between WO-1 (C180) and WO-3 (C120)")
	stored, err := env.Engine.GetBatch(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchDraft, stored.Status)
}

func TestConfirmRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b := draft(t, env)
	_, err := env.Engine.Confirm(env.Ctx, b.ID, " ")
	assert.Error(t, err)
}

func TestLoadRejectsBusyChamber(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	first := draft(t, env)
	second := draft(t, env)
	for _, id := range []string{first.ID, second.ID} {
		_, err := env.Engine.Confirm(env.Ctx, id, "supervisor")
		require.NoError(t, err)
	}
	_, err := env.Engine.Load(env.Ctx, first.ID, "tester")
	require.NoError(t, err)

	_, err = env.Engine.Load(env.Ctx, second.ID, "tester")
	var ce engine.ChamberUnavailableError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, first.ID, ce.BatchID)

	_, err = env.Engine.SetChamberStatus(env.Ctx, "AC-1", domain.ChamberMaintenance, "tester")
	assert.True(t, errors.As(err, &ce))
}

func TestUpdatePlacementsLockedAfterConfirm(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b := draft(t, env)

	moved := append([]domain.LayoutPlacement(nil), b.Placements...)
	moved[1].Y = 1500
	updated, err := env.Engine.UpdatePlacements(env.Ctx, b.ID, moved, "tester")
	require.NoError(t, err)
	assert.Equal(t, 1500.0, updated.Placements[1].Y)

	_, err = env.Engine.Confirm(env.Ctx, b.ID, "supervisor")
	require.NoError(t, err)
	_, err = env.Engine.UpdatePlacements(env.Ctx, b.ID, moved, "tester")
	var le engine.LockedError
	assert.True(t, errors.As(err, &le))
}

func TestValidationReports(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b := draft(t, env)

	report, err := env.Engine.ValidateBatch(env.Ctx, b.ID, "tester")
	require.NoError(t, err)
	assert.True(t, report.Result.Valid())
	assert.Equal(t, b.ID, report.BatchID)

	_, err = env.Engine.SaveValidation(env.Ctx, b.ID, domain.ValidationResult{HasConflicts: true}, "tester")
	require.NoError(t, err)

	reports, err := env.Engine.ListValidationReports(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, report.ID, reports[0].ID)
	assert.True(t, reports[1].Result.HasConflicts)

	_, err = env.Engine.ListValidationReports(env.Ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDeleteOnlyUncommitted(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	keep := draft(t, env)
	drop := draft(t, env)

	require.NoError(t, env.Engine.Delete(env.Ctx, drop.ID, "tester"))
	_, err := env.Engine.GetBatch(env.Ctx, drop.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.Confirm(env.Ctx, keep.ID, "supervisor")
	require.NoError(t, err)
	err = env.Engine.Delete(env.Ctx, keep.ID, "tester")
	var te engine.TransitionError
	assert.True(t, errors.As(err, &te))
}

func TestDeleteDraftRefusesSuspended(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	kept := draft(t, env)
	drop := draft(t, env)

	_, err := env.Engine.Promote(env.Ctx, kept.ID, "tester")
	require.NoError(t, err)
	err = env.Engine.DeleteDraft(env.Ctx, kept.ID, "tester")
	var te engine.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, domain.BatchSuspended, te.From)
	stored, err := env.Engine.GetBatch(env.Ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSuspended, stored.Status)

	require.NoError(t, env.Engine.DeleteDraft(env.Ctx, drop.ID, "tester"))
	_, err = env.Engine.GetBatch(env.Ctx, drop.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, env.Engine.DeleteDraft(env.Ctx, drop.ID, "tester"), repo.ErrNotFound)
}

func TestCommandDispatch(t *testing.T) {
	env := newTestEnv(t)
	seedCatalog(t, env)
	b := draft(t, env)

	b, err := env.Engine.Command(env.Ctx, b.ID, "promote", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSuspended, b.Status)

	_, err = env.Engine.Command(env.Ctx, b.ID, "explode", "tester")
	assert.Error(t, err)
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "operator-1", "line tablet")
	require.NoError(t, err)
	assert.NotEmpty(t, plain)

	stored, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, key.ID, stored.ID)
	assert.Equal(t, "operator-1", stored.ActorID)
}
