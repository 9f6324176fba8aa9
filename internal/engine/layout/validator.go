package layout

import (
	"fmt"
	"sort"
	"strings"

	"nestline/internal/config"
	"nestline/internal/domain"
)

// Input is everything needed to check one chamber layout.
type Input struct {
	Placements []domain.LayoutPlacement
	Chamber    domain.Chamber
	// Selection is optional. When set, the cure cycle of a selected work order
	// comes from the selection and a placement label that disagrees with it
	// is an error. It also feeds the capacity warnings.
	Selection *domain.WorkOrderSelection
	Stands    []domain.SupportStand
	Metadata  domain.LayoutMetadata
}

// Overlaps reports whether two placements intersect on the same level.
// Touching edges do not overlap.
func Overlaps(a, b domain.LayoutPlacement) bool {
	if a.Level != b.Level {
		return false
	}
	disjoint := a.X+a.Width <= b.X || b.X+b.Width <= a.X ||
		a.Y+a.Height <= b.Y || b.Y+b.Height <= a.Y
	return !disjoint
}

// IsMultiLevel ORs the three multi-level signals: elevated placements, support
// stands and optimizer metadata markers.
func IsMultiLevel(placements []domain.LayoutPlacement, stands []domain.SupportStand, meta domain.LayoutMetadata) bool {
	for _, p := range placements {
		if p.Level > 0 {
			return true
		}
	}
	if len(stands) > 0 {
		return true
	}
	if meta.MultiLevel || meta.LevelCount > 1 {
		return true
	}
	algo := strings.ToLower(meta.Algorithm)
	return strings.Contains(algo, "2l") || strings.Contains(algo, "multi")
}

// Validate checks a layout and computes its metrics. It has no side effects
// and returns a fresh result on every call.
func Validate(in Input, policy config.ValidationPolicy) domain.ValidationResult {
	res := domain.ValidationResult{
		ConflictedWorkOrderIDs: []string{},
		LevelUtilizationPct:    map[int]float64{},
	}

	cycleOf := func(p domain.LayoutPlacement) string {
		if in.Selection != nil {
			if c := in.Selection.CycleOf[p.WorkOrderID]; c != "" {
				return c
			}
		}
		return p.CureCycle
	}

	conflicted := map[string]struct{}{}
	for i := 0; i < len(in.Placements); i++ {
		for j := i + 1; j < len(in.Placements); j++ {
			a, b := in.Placements[i], in.Placements[j]
			if !Overlaps(a, b) {
				continue
			}
			ca, cb := cycleOf(a), cycleOf(b)
			if ca == "" || cb == "" || ca == cb {
				continue
			}
			conflicted[a.WorkOrderID] = struct{}{}
			conflicted[b.WorkOrderID] = struct{}{}
			res.Errors = append(res.Errors, fmt.Sprintf("cross-cycle overlap between %s (%s) and %s (%s)", a.WorkOrderID, ca, b.WorkOrderID, cb))
		}
	}
	for id := range conflicted {
		res.ConflictedWorkOrderIDs = append(res.ConflictedWorkOrderIDs, id)
	}
	sort.Strings(res.ConflictedWorkOrderIDs)
	res.HasConflicts = len(conflicted) > 0
	res.CycleSeparationOK = !res.HasConflicts

	area := in.Chamber.Area()
	standArea := 0.0
	for _, s := range in.Stands {
		standArea += s.WidthMM * s.LengthMM
	}
	placed := 0.0
	perLevel := map[int]float64{}
	for _, p := range in.Placements {
		placed += p.Area()
		perLevel[p.Level] += p.Area()
		if area > 0 && outOfBounds(p, in.Chamber) {
			res.OutOfBoundsIDs = append(res.OutOfBoundsIDs, p.WorkOrderID)
		}
	}
	if area > 0 {
		res.CoveragePct = placed / area * 100
	}
	factor := 1.0
	if res.HasConflicts {
		factor = policy.ConflictPenalty
	}
	res.EfficiencyPct = min(100, res.CoveragePct*factor)
	for level, used := range perLevel {
		capacity := area
		if level > 0 && standArea > 0 {
			capacity = standArea
		}
		if capacity > 0 {
			res.LevelUtilizationPct[level] = used / capacity * 100
		}
	}
	res.MultiLevel = IsMultiLevel(in.Placements, in.Stands, in.Metadata)

	if len(res.OutOfBoundsIDs) > 0 {
		sort.Strings(res.OutOfBoundsIDs)
		res.Errors = append(res.Errors, fmt.Sprintf("placements outside chamber bounds: %s", strings.Join(res.OutOfBoundsIDs, ", ")))
	}
	if in.Selection != nil {
		for _, p := range in.Placements {
			if !in.Selection.Contains(p.WorkOrderID) {
				res.Errors = append(res.Errors, fmt.Sprintf("placement references unselected work order %s", p.WorkOrderID))
				continue
			}
			if c := in.Selection.CycleOf[p.WorkOrderID]; c != "" && p.CureCycle != "" && p.CureCycle != c {
				res.Errors = append(res.Errors, fmt.Sprintf("placement for %s is labelled cycle %s but the work order cures on %s", p.WorkOrderID, p.CureCycle, c))
			}
		}
	}

	if res.CoveragePct < policy.LowCoveragePct {
		res.Warnings = append(res.Warnings, fmt.Sprintf("low coverage %.1f%% (below %.0f%%)", res.CoveragePct, policy.LowCoveragePct))
	}
	if sel := in.Selection; sel != nil {
		ch := in.Chamber
		switch {
		case ch.MaxLoadKg > 0 && sel.TotalWeightKg > ch.MaxLoadKg:
			res.Errors = append(res.Errors, fmt.Sprintf("weight %.1f kg exceeds max load %.1f kg", sel.TotalWeightKg, ch.MaxLoadKg))
		case ch.MaxLoadKg > 0 && sel.TotalWeightKg/ch.MaxLoadKg >= policy.NearCapacityRatio:
			res.Warnings = append(res.Warnings, fmt.Sprintf("weight near capacity: %.1f of %.1f kg", sel.TotalWeightKg, ch.MaxLoadKg))
		}
		switch {
		case sel.TotalValves > ch.VacuumLines:
			res.Errors = append(res.Errors, fmt.Sprintf("insufficient vacuum lines: %d required, %d available", sel.TotalValves, ch.VacuumLines))
		case sel.TotalValves > 0 && sel.TotalValves == ch.VacuumLines:
			res.Warnings = append(res.Warnings, "all vacuum lines in use")
		}
	}

	res.ReadyForConfirmation = res.Valid() && len(res.Warnings) <= policy.MaxWarnings
	return res
}

func outOfBounds(p domain.LayoutPlacement, ch domain.Chamber) bool {
	return p.X < 0 || p.Y < 0 || p.X+p.Width > ch.WidthMM || p.Y+p.Height > ch.LengthMM
}
