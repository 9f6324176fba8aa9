package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestline/internal/domain"
)

func sampleSheet() Sheet {
	confirmedBy := "planner"
	return Sheet{
		Batch: domain.Batch{
			ID:           "B-1",
			ChamberID:    "AC-1",
			Status:       domain.BatchConfirmed,
			WorkOrderIDs: []string{"WO-1", "WO-2", "WO-3"},
			Placements: []domain.LayoutPlacement{
				{WorkOrderID: "WO-1", CureCycle: "C180", X: 0, Y: 0, Width: 1000, Height: 1000},
				{WorkOrderID: "WO-2", CureCycle: "C180", X: 1200, Y: 0, Width: 800, Height: 1500, Rotated: true},
				{WorkOrderID: "WO-3", CureCycle: "C120", X: 100, Y: 2000, Width: 600, Height: 600, Level: 1},
			},
			Metadata:    domain.LayoutMetadata{Algorithm: "maxrects"},
			Metrics:     domain.BatchMetrics{WorkOrderCount: 3, TotalWeightKg: 210, ValvesUsed: 4, CoveragePct: 16.7},
			ConfirmedBy: &confirmedBy,
		},
		Chamber:    domain.Chamber{ID: "AC-1", Name: "Autoclave 1", WidthMM: 3000, LengthMM: 6000, MaxLoadKg: 1000, VacuumLines: 8},
		WorkOrders: []domain.WorkOrder{{ID: "WO-1", ToolID: "T-1", WeightKg: 120}, {ID: "WO-2", WeightKg: 50}, {ID: "WO-3", WeightKg: 40}},
		Stands:     []domain.SupportStand{{ID: "AC-1-S1", X: 0, Y: 1900, WidthMM: 1000, LengthMM: 1000}},
		Report: &domain.ValidationReport{
			ID:        "R-1",
			BatchID:   "B-1",
			CreatedAt: "2026-01-02T10:00:00Z",
			Result: domain.ValidationResult{
				CycleSeparationOK:    true,
				Warnings:             []string{"coverage below 30%"},
				ReadyForConfirmation: true,
			},
		},
		GeneratedAt: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestWriteBatchSheet(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBatchSheet(&buf, sampleSheet()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF")))
	assert.Greater(t, buf.Len(), 1000)
}

func TestWriteBatchSheetRejectsEmptyLayout(t *testing.T) {
	s := sampleSheet()
	s.Batch.Placements = nil
	err := WriteBatchSheet(&bytes.Buffer{}, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no placements")

	s = sampleSheet()
	s.Chamber.WidthMM = 0
	assert.Error(t, WriteBatchSheet(&bytes.Buffer{}, s))
}

func TestWriteBatchSheetFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "B-1.pdf")
	require.NoError(t, WriteBatchSheetFile(path, sampleSheet()))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF")))
}

func TestColorsByCycleIsStable(t *testing.T) {
	colors := colorsByCycle(sampleSheet().Batch.Placements)
	require.Len(t, colors, 2)
	assert.Equal(t, cycleColors[0], colors["C120"])
	assert.Equal(t, cycleColors[1], colors["C180"])
}

func TestLevelsAlwaysIncludesBase(t *testing.T) {
	assert.Equal(t, []int{0}, levels([]domain.LayoutPlacement{{Level: 0}}))
	assert.Equal(t, []int{0, 1}, levels([]domain.LayoutPlacement{{Level: 1}}))
}
