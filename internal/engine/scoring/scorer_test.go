package scoring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestline/internal/config"
	"nestline/internal/domain"
)

func defaultScorer() Scorer {
	return New(config.Default().Scoring)
}

// weightOnly keeps the weight criterion and zeroes every other contribution.
func weightOnly() Scorer {
	p := config.Default().Scoring
	p.AreaPoints, p.AreaBonus, p.LinePoints, p.CyclePoints = 0, 0, 0, 0
	return New(p)
}

func chamber(id string, maxLoad float64, lines int) domain.Chamber {
	return domain.Chamber{
		ID:          id,
		Name:        id,
		WidthMM:     4000,
		LengthMM:    10000,
		MaxLoadKg:   maxLoad,
		VacuumLines: lines,
		Status:      domain.ChamberAvailable,
	}
}

func TestWeightBelowBandGetsNoBonus(t *testing.T) {
	sel := domain.WorkOrderSelection{TotalWeightKg: 500}
	c := weightOnly().Score(sel, chamber("A1", 1000, 10))
	assert.Equal(t, 30, c.Score)
}

func TestWeightInsideBandGetsBonus(t *testing.T) {
	sel := domain.WorkOrderSelection{TotalWeightKg: 800}
	c := weightOnly().Score(sel, chamber("A1", 1000, 10))
	assert.Equal(t, 40, c.Score)
}

func TestWeightBandBoundsAreInclusive(t *testing.T) {
	s := weightOnly()
	assert.Equal(t, 40, s.Score(domain.WorkOrderSelection{TotalWeightKg: 600}, chamber("A1", 1000, 10)).Score)
	assert.Equal(t, 40, s.Score(domain.WorkOrderSelection{TotalWeightKg: 850}, chamber("A1", 1000, 10)).Score)
	assert.Equal(t, 30, s.Score(domain.WorkOrderSelection{TotalWeightKg: 900}, chamber("A1", 1000, 10)).Score)
	assert.Equal(t, 0, s.Score(domain.WorkOrderSelection{TotalWeightKg: 1200}, chamber("A1", 1000, 10)).Score)
}

func TestInsufficientLinesForcesZero(t *testing.T) {
	sel := domain.WorkOrderSelection{
		TotalWeightKg: 800,
		TotalAreaMM2:  0.7 * 4000 * 10000,
		TotalValves:   12,
		CureCycles:    []string{"C1"},
	}
	c := defaultScorer().Score(sel, chamber("A1", 1000, 10))
	assert.Equal(t, 0, c.Score)
	assert.True(t, c.Blocking)
	assert.Contains(t, c.Notes, "insufficient vacuum lines: 12 required, 10 available")
}

func TestFullScoreIsCapped(t *testing.T) {
	sel := domain.WorkOrderSelection{
		TotalWeightKg: 800,
		TotalAreaMM2:  0.7 * 4000 * 10000,
		TotalValves:   4,
		CureCycles:    []string{"C1"},
	}
	c := defaultScorer().Score(sel, chamber("A1", 1000, 10))
	// 40 + 40 + 20 + 25 = 125 before clamping.
	assert.Equal(t, 100, c.Score)
	assert.Contains(t, c.Notes, CycleNote)
	assert.False(t, c.Blocking)
}

func TestUnavailablePenalty(t *testing.T) {
	sel := domain.WorkOrderSelection{TotalWeightKg: 500, TotalValves: 2, CureCycles: []string{"C1"}}
	ch := chamber("A1", 1000, 10)
	ch.Status = domain.ChamberMaintenance
	// 30 + 25 + 20 + 25 - 50
	assert.Equal(t, 50, defaultScorer().Score(sel, ch).Score)
}

func TestScoreNeverLeavesRange(t *testing.T) {
	s := defaultScorer()
	sels := []domain.WorkOrderSelection{
		{},
		{TotalWeightKg: 1e9, TotalAreaMM2: 1e12, TotalValves: 1000},
		{TotalWeightKg: 700, TotalAreaMM2: 2e7, TotalValves: 3, CureCycles: []string{"A", "B"}},
	}
	statuses := []string{domain.ChamberAvailable, domain.ChamberInUse, domain.ChamberOffline}
	loads := []float64{0, 10, 1000, 1e10}
	lines := []int{0, 3, 50}
	for _, sel := range sels {
		for _, st := range statuses {
			for _, load := range loads {
				for _, l := range lines {
					ch := chamber("X", load, l)
					ch.Status = st
					got := s.Score(sel, ch).Score
					assert.GreaterOrEqual(t, got, 0)
					assert.LessOrEqual(t, got, 100)
				}
			}
		}
	}
}

func TestRankOrdersByScoreThenID(t *testing.T) {
	sel := domain.WorkOrderSelection{TotalWeightKg: 500, TotalValves: 2}
	busy := chamber("A0", 1000, 10)
	busy.Status = domain.ChamberInUse
	ranked := defaultScorer().Rank(sel, []domain.Chamber{
		chamber("C3", 1000, 10),
		busy,
		chamber("B2", 700, 10),
		chamber("A1", 1000, 10),
	})
	require.Len(t, ranked, 4)
	ids := []string{}
	for _, c := range ranked {
		ids = append(ids, c.Chamber.ID)
	}
	// B2 hits the weight band (500/700 = 0.71).
	assert.Equal(t, []string{"B2", "A1", "C3", "A0"}, ids)
}

func TestSelectAutomatic(t *testing.T) {
	sel := domain.WorkOrderSelection{TotalWeightKg: 800, TotalValves: 2, CureCycles: []string{"C1"}}
	got, err := defaultScorer().SelectAutomatic(sel, []domain.Chamber{chamber("A2", 2000, 10), chamber("A1", 1000, 10)})
	require.NoError(t, err)
	assert.Equal(t, "A1", got.Chamber.ID)
}

func TestSelectAutomaticRejectsLowScore(t *testing.T) {
	sel := domain.WorkOrderSelection{TotalWeightKg: 1500, TotalValves: 2}
	_, err := defaultScorer().SelectAutomatic(sel, []domain.Chamber{chamber("A1", 1000, 10)})
	var nc NoCompatibleResourceError
	require.True(t, errors.As(err, &nc))
	assert.Equal(t, "A1", nc.ChamberID)
	assert.Equal(t, 60, nc.Threshold)
	assert.Less(t, nc.Score, 60)
}

func TestSelectAutomaticEmptyCatalog(t *testing.T) {
	_, err := defaultScorer().SelectAutomatic(domain.WorkOrderSelection{}, nil)
	var nc NoCompatibleResourceError
	require.True(t, errors.As(err, &nc))
	assert.Empty(t, nc.ChamberID)
}

func TestThresholdIsPolicy(t *testing.T) {
	p := config.Default().Scoring
	p.MinAutoSelectScore = 40
	sel := domain.WorkOrderSelection{TotalWeightKg: 1500, TotalValves: 2}
	got, err := New(p).SelectAutomatic(sel, []domain.Chamber{chamber("A1", 1000, 10)})
	require.NoError(t, err)
	assert.Equal(t, 45, got.Score)
}
