package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestline/internal/app"
	"nestline/internal/domain"
	"nestline/internal/engine"
	"nestline/internal/placement"
	"nestline/internal/repo"
)

type rowPlacer struct{}

func (rowPlacer) Generate(_ context.Context, req placement.Request) (placement.Result, error) {
	var out []domain.LayoutPlacement
	x := 0.0
	for _, wo := range req.WorkOrders {
		out = append(out, domain.LayoutPlacement{WorkOrderID: wo.ID, X: x, Width: wo.WidthMM, Height: wo.LengthMM})
		x += wo.WidthMM + 50
	}
	return placement.Result{Layouts: []placement.ChamberLayout{{
		ChamberID:  req.Chambers[0].ID,
		Placements: out,
		Metadata:   domain.LayoutMetadata{Algorithm: "row"},
	}}}, nil
}

func newTestSession(t *testing.T, input string) (*session, engine.Engine, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	e := ws.Engine()
	_, err = e.UpsertChamber(ctx, domain.Chamber{ID: "AC-1", WidthMM: 3000, LengthMM: 6000, MaxLoadKg: 1000, VacuumLines: 8}, "setup")
	require.NoError(t, err)
	_, err = e.UpsertWorkOrder(ctx, domain.WorkOrder{ID: "WO-1", WeightKg: 120, WidthMM: 1000, LengthMM: 1000, Valves: 2, CureCycle: "C180"}, "setup")
	require.NoError(t, err)

	var out bytes.Buffer
	s := &session{
		engine: e,
		run:    app.NewRun(e, rowPlacer{}, "planner", ws.Logger),
		in:     bufio.NewReader(strings.NewReader(input)),
		out:    &out,
	}
	return s, e, &out
}

func TestSessionConfirmsBatch(t *testing.T) {
	s, e, out := newTestSession(t, "WO-1\nAC-1\n\n\nyes\nquit\n")
	require.NoError(t, s.loop(context.Background()))

	c := s.run.Progress().Confirmation
	require.NotNil(t, c, out.String())
	b, err := e.GetBatch(context.Background(), c.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchConfirmed, b.Status)
	assert.Equal(t, "planner", *b.ConfirmedBy)
	assert.Contains(t, out.String(), "confirmed by planner")
}

func TestSessionReportsBlockedStage(t *testing.T) {
	s, _, out := newTestSession(t, "WO-404\nquit\n")
	require.NoError(t, s.loop(context.Background()))
	assert.Contains(t, out.String(), "blocked at selection")
	assert.Contains(t, out.String(), "unknown work order WO-404")
}

func TestSessionQuitDiscardsDrafts(t *testing.T) {
	s, e, out := newTestSession(t, "WO-1\nAC-1\n\nquit\n9\n2\n")
	require.NoError(t, s.loop(context.Background()))

	text := out.String()
	assert.Contains(t, text, "Unsaved drafts:")
	assert.Contains(t, text, "1) promote_all")
	assert.Contains(t, text, "pick 1-3")
	draftID := s.run.Progress().Layout.BatchID
	_, err := e.GetBatch(context.Background(), draftID)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestSessionStayKeepsRun(t *testing.T) {
	s, e, _ := newTestSession(t, "WO-1\nAC-1\n\nquit\nstay\nquit\npromote_all\n")
	require.NoError(t, s.loop(context.Background()))

	b, err := e.GetBatch(context.Background(), s.run.Progress().Layout.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchSuspended, b.Status)
}

func TestSessionInputClosedWithDrafts(t *testing.T) {
	s, e, out := newTestSession(t, "WO-1\nAC-1\n\n")
	err := s.loop(context.Background())
	require.ErrorIs(t, err, errDraftsLeftUnsaved)
	assert.Contains(t, err.Error(), "not saved")
	assert.Contains(t, out.String(), "Drafts left unsaved: "+s.run.Progress().Layout.BatchID)

	b, err := e.GetBatch(context.Background(), s.run.Progress().Layout.BatchID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchDraft, b.Status)
}

func TestSessionInputClosedAtExitGuard(t *testing.T) {
	s, _, out := newTestSession(t, "WO-1\nAC-1\n\nquit\n")
	err := s.loop(context.Background())
	require.ErrorIs(t, err, errDraftsLeftUnsaved)
	assert.Contains(t, out.String(), "Unsaved drafts:")
	assert.Len(t, s.run.Drafts().AtRisk(), 1)
}

func TestSessionInputClosedWithoutDrafts(t *testing.T) {
	s, _, _ := newTestSession(t, "WO-1\n")
	assert.NoError(t, s.loop(context.Background()))
}

func TestParseParams(t *testing.T) {
	params, err := parseParams("padding_mm=10 rotate=true strategy=bl")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"padding_mm": 10.0, "rotate": true, "strategy": "bl"}, params)

	params, err = parseParams("  ")
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = parseParams("padding")
	assert.Error(t, err)
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"WO-1", "WO-2", "WO-3"}, splitIDs(" WO-1, WO-2;WO-3 "))
	assert.Empty(t, splitIDs(""))
}
