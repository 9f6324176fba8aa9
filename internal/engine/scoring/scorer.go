package scoring

import (
	"fmt"
	"sort"

	"nestline/internal/config"
	"nestline/internal/domain"
)

// CycleNote is attached to every candidate that received the cure-cycle
// points. Cycle compatibility against the chamber itself is not evaluated.
const CycleNote = "cure-cycle compatibility not verified against chamber"

// ResourceCandidate is a chamber scored against a selection. It is derived on
// demand and never stored.
type ResourceCandidate struct {
	Chamber domain.Chamber `json:"chamber"`
	Score   int            `json:"score" minimum:"0" maximum:"100"`
	Notes   []string       `json:"notes"`
	// Blocking is set when the chamber cannot take the selection at all
	// (insufficient vacuum lines).
	Blocking bool `json:"blocking"`
}

// NoCompatibleResourceError is returned when automatic selection finds no
// chamber at or above the configured minimum score.
type NoCompatibleResourceError struct {
	ChamberID string
	Score     int
	Threshold int
}

func (e NoCompatibleResourceError) Error() string {
	if e.ChamberID == "" {
		return "no compatible chamber: catalog is empty"
	}
	return fmt.Sprintf("no compatible chamber: best candidate %s scored %d, minimum is %d", e.ChamberID, e.Score, e.Threshold)
}

type Scorer struct {
	Policy config.ScoringPolicy
}

func New(policy config.ScoringPolicy) Scorer {
	return Scorer{Policy: policy}
}

// Score evaluates one chamber. The four criteria are independent; insufficient
// lines forces the score to 0 and the result is clamped to [0, MaxScore].
func (s Scorer) Score(sel domain.WorkOrderSelection, ch domain.Chamber) ResourceCandidate {
	p := s.Policy
	c := ResourceCandidate{Chamber: ch, Notes: []string{}}
	score := 0

	if ch.MaxLoadKg >= sel.TotalWeightKg {
		score += p.WeightPoints
		ratio := utilization(sel.TotalWeightKg, ch.MaxLoadKg)
		if p.WeightBand.Contains(ratio) {
			score += p.WeightBonus
			c.Notes = append(c.Notes, fmt.Sprintf("weight utilization %.0f%% within optimal band", ratio*100))
		} else {
			c.Notes = append(c.Notes, fmt.Sprintf("weight %.1f kg fits max load %.1f kg (%.0f%%)", sel.TotalWeightKg, ch.MaxLoadKg, ratio*100))
		}
	} else {
		c.Notes = append(c.Notes, fmt.Sprintf("weight %.1f kg exceeds max load %.1f kg", sel.TotalWeightKg, ch.MaxLoadKg))
	}

	area := ch.Area()
	if area >= sel.TotalAreaMM2 {
		score += p.AreaPoints
		ratio := utilization(sel.TotalAreaMM2, area)
		if p.AreaBand.Contains(ratio) {
			score += p.AreaBonus
			c.Notes = append(c.Notes, fmt.Sprintf("area utilization %.0f%% within optimal band", ratio*100))
		} else {
			c.Notes = append(c.Notes, fmt.Sprintf("area fits (%.0f%% used)", ratio*100))
		}
	} else {
		c.Notes = append(c.Notes, fmt.Sprintf("area %.0f mm² exceeds chamber area %.0f mm²", sel.TotalAreaMM2, area))
	}

	linesOK := ch.VacuumLines >= sel.TotalValves
	if linesOK {
		score += p.LinePoints
		c.Notes = append(c.Notes, fmt.Sprintf("vacuum lines %d/%d", sel.TotalValves, ch.VacuumLines))
	} else {
		c.Blocking = true
		c.Notes = append(c.Notes, fmt.Sprintf("insufficient vacuum lines: %d required, %d available", sel.TotalValves, ch.VacuumLines))
	}

	if len(sel.CureCycles) > 0 {
		score += p.CyclePoints
		c.Notes = append(c.Notes, CycleNote)
	} else {
		c.Notes = append(c.Notes, "no cure cycle resolved for selection")
	}

	if !linesOK {
		score = 0
	}
	if !ch.Available() {
		score -= p.UnavailablePenalty
		c.Notes = append(c.Notes, fmt.Sprintf("chamber is %s", ch.Status))
	}
	c.Score = clamp(score, 0, p.MaxScore)
	return c
}

// Rank scores every chamber and orders the candidates by score, highest
// first. Equal scores are ordered by chamber id.
func (s Scorer) Rank(sel domain.WorkOrderSelection, chambers []domain.Chamber) []ResourceCandidate {
	out := make([]ResourceCandidate, 0, len(chambers))
	for _, ch := range chambers {
		out = append(out, s.Score(sel, ch))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chamber.ID < out[j].Chamber.ID
	})
	return out
}

// SelectAutomatic returns the top-ranked candidate, or a
// NoCompatibleResourceError when it is blocking or below the minimum score.
func (s Scorer) SelectAutomatic(sel domain.WorkOrderSelection, chambers []domain.Chamber) (ResourceCandidate, error) {
	ranked := s.Rank(sel, chambers)
	if len(ranked) == 0 {
		return ResourceCandidate{}, NoCompatibleResourceError{Threshold: s.Policy.MinAutoSelectScore}
	}
	top := ranked[0]
	if top.Blocking || top.Score < s.Policy.MinAutoSelectScore {
		return ResourceCandidate{}, NoCompatibleResourceError{
			ChamberID: top.Chamber.ID,
			Score:     top.Score,
			Threshold: s.Policy.MinAutoSelectScore,
		}
	}
	return top, nil
}

func utilization(demand, capacity float64) float64 {
	if capacity <= 0 {
		return 0
	}
	return demand / capacity
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
