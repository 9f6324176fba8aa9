package domain

import (
	"fmt"
	"sort"
	"strings"
)

// WorkOrderSelection is a set of work orders plus aggregates derived from it.
// IDs are sorted and unique; the aggregates are recomputed from the orders on every build.
type WorkOrderSelection struct {
	IDs           []string          `json:"work_order_ids"`
	TotalWeightKg float64           `json:"total_weight_kg"`
	TotalAreaMM2  float64           `json:"total_area_mm2"`
	TotalValves   int               `json:"total_valves"`
	AvgPriority   float64           `json:"avg_priority"`
	CureCycles    []string          `json:"cure_cycles"`
	CycleConflict bool              `json:"cycle_conflict"`
	CycleOf       map[string]string `json:"cycle_of,omitempty"`
}

func (s WorkOrderSelection) Empty() bool {
	return len(s.IDs) == 0
}

func (s WorkOrderSelection) Contains(id string) bool {
	i := sort.SearchStrings(s.IDs, id)
	return i < len(s.IDs) && s.IDs[i] == id
}

// BuildSelection resolves ids against the catalog. Duplicate ids collapse;
// unknown ids are an error.
func BuildSelection(ids []string, catalog []WorkOrder) (WorkOrderSelection, error) {
	byID := make(map[string]WorkOrder, len(catalog))
	for _, wo := range catalog {
		byID[wo.ID] = wo
	}
	seen := map[string]bool{}
	var unique []string
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	sort.Strings(unique)

	sel := WorkOrderSelection{IDs: unique, CureCycles: []string{}, CycleOf: map[string]string{}}
	if len(unique) == 0 {
		sel.IDs = []string{}
		return sel, nil
	}
	cycles := map[string]bool{}
	prioritySum := 0
	for _, id := range unique {
		wo, ok := byID[id]
		if !ok {
			return WorkOrderSelection{}, fmt.Errorf("unknown work order %s", id)
		}
		sel.TotalWeightKg += wo.WeightKg
		sel.TotalAreaMM2 += wo.Area()
		sel.TotalValves += wo.Valves
		prioritySum += wo.Priority
		if wo.CureCycle != "" {
			sel.CycleOf[id] = wo.CureCycle
			if !cycles[wo.CureCycle] {
				cycles[wo.CureCycle] = true
				sel.CureCycles = append(sel.CureCycles, wo.CureCycle)
			}
		}
	}
	sort.Strings(sel.CureCycles)
	sel.AvgPriority = float64(prioritySum) / float64(len(unique))
	sel.CycleConflict = len(sel.CureCycles) > 1
	return sel, nil
}
