package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"nestline/internal/domain"
	"nestline/internal/engine/layout"
	"nestline/internal/engine/scoring"
	"nestline/internal/placement"
)

func (o *Orchestrator) handleSelection(ctx context.Context, out SelectionOutput) (Progress, error) {
	var ids []string
	for _, id := range out.WorkOrderIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Progress{}, invalid(StageSelection, "no work orders selected")
	}
	all, actionable, err := o.actionable(ctx)
	if err != nil {
		return Progress{}, err
	}
	status := make(map[string]string, len(all))
	for _, wo := range all {
		status[wo.ID] = wo.Status
	}
	var reasons []string
	for _, id := range ids {
		st, ok := status[id]
		switch {
		case !ok:
			reasons = append(reasons, fmt.Sprintf("unknown work order %s", id))
		case !o.deps.Config.IsActionable(st):
			reasons = append(reasons, fmt.Sprintf("work order %s is %s", id, st))
		}
	}
	if len(reasons) > 0 {
		return Progress{}, ValidationError{Stage: StageSelection, Reasons: reasons}
	}
	sel, err := domain.BuildSelection(ids, actionable)
	if err != nil {
		return Progress{}, invalid(StageSelection, "%v", err)
	}
	next := o.progress
	next.Selection = &sel
	return next, nil
}

func (o *Orchestrator) handleResource(ctx context.Context, out ResourceOutput) (Progress, error) {
	sel := *o.progress.Selection
	chambers, err := o.deps.Chambers.ListChambers(ctx)
	if err != nil {
		return Progress{}, ExternalError{Op: "list chambers", Err: err}
	}
	ranked := o.scorer.Rank(sel, chambers)
	byID := make(map[string]scoring.ResourceCandidate, len(ranked))
	for _, c := range ranked {
		byID[c.Chamber.ID] = c
	}

	var primary scoring.ResourceCandidate
	if out.Auto {
		primary, err = o.scorer.SelectAutomatic(sel, chambers)
		if err != nil {
			return Progress{}, err
		}
	} else {
		id := strings.TrimSpace(out.ChamberID)
		if id == "" {
			return Progress{}, invalid(StageResource, "no chamber selected")
		}
		c, ok := byID[id]
		if !ok {
			return Progress{}, invalid(StageResource, "unknown chamber %s", id)
		}
		if c.Blocking {
			return Progress{}, ValidationError{Stage: StageResource, Reasons: blockingReasons(c)}
		}
		primary = c
	}

	assignment := ResourceAssignment{Candidate: primary, Auto: out.Auto}
	seen := map[string]bool{primary.Chamber.ID: true}
	var reasons []string
	for _, raw := range out.AdditionalChamberIDs {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c, ok := byID[id]
		switch {
		case !ok:
			reasons = append(reasons, fmt.Sprintf("unknown chamber %s", id))
		case c.Blocking:
			reasons = append(reasons, blockingReasons(c)...)
		default:
			assignment.Additional = append(assignment.Additional, c)
		}
	}
	if len(reasons) > 0 {
		return Progress{}, ValidationError{Stage: StageResource, Reasons: reasons}
	}
	next := o.progress
	next.Resource = &assignment
	return next, nil
}

func blockingReasons(c scoring.ResourceCandidate) []string {
	var out []string
	for _, n := range c.Notes {
		if strings.HasPrefix(n, "insufficient") {
			out = append(out, fmt.Sprintf("chamber %s: %s", c.Chamber.ID, n))
		}
	}
	if len(out) == 0 {
		out = append(out, fmt.Sprintf("chamber %s is not compatible", c.Chamber.ID))
	}
	return out
}

func (o *Orchestrator) handleLayout(ctx context.Context, out LayoutOutput) (Progress, error) {
	sel := *o.progress.Selection
	res := *o.progress.Resource

	_, actionable, err := o.actionable(ctx)
	if err != nil {
		return Progress{}, err
	}
	var orders []domain.WorkOrder
	for _, wo := range actionable {
		if sel.Contains(wo.ID) {
			orders = append(orders, wo)
		}
	}
	if len(orders) != len(sel.IDs) {
		return Progress{}, invalid(StageLayout, "selection changed: %d of %d work orders still actionable", len(orders), len(sel.IDs))
	}

	chambers := []domain.Chamber{res.Candidate.Chamber}
	for _, c := range res.Additional {
		chambers = append(chambers, c.Chamber)
	}
	standsByChamber := map[string][]domain.SupportStand{}
	var stands []domain.SupportStand
	for _, ch := range chambers {
		s, err := o.deps.Chambers.ListStands(ctx, ch.ID)
		if err != nil {
			return Progress{}, ExternalError{Op: "list stands", Err: err}
		}
		standsByChamber[ch.ID] = s
		stands = append(stands, s...)
	}

	params := map[string]any{}
	for k, v := range o.deps.Config.Placement.Parameters {
		params[k] = v
	}
	for k, v := range out.Parameters {
		params[k] = v
	}
	result, err := o.deps.Placer.Generate(ctx, placement.Request{
		WorkOrders: orders,
		Chambers:   chambers,
		Stands:     stands,
		Parameters: params,
	})
	if err != nil {
		return Progress{}, o.logExternal("generate layout", "", err)
	}
	primaryID := res.Candidate.Chamber.ID
	if l, ok := result.For(primaryID); !ok || len(l.Placements) == 0 {
		return Progress{}, invalid(StageLayout, "optimizer returned no placements for chamber %s", primaryID)
	}

	byWO := make(map[string]domain.WorkOrder, len(orders))
	for _, wo := range orders {
		byWO[wo.ID] = wo
	}
	slot := LayoutSlot{DraftBatchIDs: []string{}}
	for _, ch := range chambers {
		l, ok := result.For(ch.ID)
		if !ok || len(l.Placements) == 0 {
			continue
		}
		placements := make([]domain.LayoutPlacement, len(l.Placements))
		woIDs := make([]string, 0, len(l.Placements))
		for i, p := range l.Placements {
			if wo, ok := byWO[p.WorkOrderID]; ok {
				p.CureCycle = wo.CureCycle
				if p.ToolID == "" {
					p.ToolID = wo.ToolID
				}
			}
			placements[i] = p
			woIDs = append(woIDs, p.WorkOrderID)
		}
		sort.Strings(woIDs)
		draft, err := o.deps.Batches.CreateDraft(ctx, domain.Batch{
			ChamberID:    ch.ID,
			WorkOrderIDs: woIDs,
			Placements:   placements,
			Metadata:     l.Metadata,
		}, o.ActorID)
		if err != nil {
			o.discardPartial(ctx, slot.DraftBatchIDs)
			return Progress{}, o.logExternal("create draft", "", err)
		}
		o.drafts.Track(draft)
		slot.DraftBatchIDs = append(slot.DraftBatchIDs, draft.ID)
		if ch.ID == primaryID {
			slot.BatchID = draft.ID
			slot.ChamberID = ch.ID
			slot.Placements = placements
			slot.Metadata = l.Metadata
			slot.Stands = standsByChamber[ch.ID]
			slot.Unplaced = l.Unplaced
		}
	}
	next := o.progress
	next.Layout = &slot
	return next, nil
}

func (o *Orchestrator) validate(placements []domain.LayoutPlacement) domain.ValidationResult {
	lay := o.progress.Layout
	return layout.Validate(layout.Input{
		Placements: placements,
		Chamber:    o.progress.Resource.Candidate.Chamber,
		Selection:  o.progress.Selection,
		Stands:     lay.Stands,
		Metadata:   lay.Metadata,
	}, o.deps.Config.Validation)
}

// currentPlacements is the layout the draft batch holds: the last accepted
// edit of this layout, or the generated placements.
func (o *Orchestrator) currentPlacements() []domain.LayoutPlacement {
	lay := o.progress.Layout
	if v := o.progress.Validation; v != nil && v.BatchID == lay.BatchID {
		return v.Placements
	}
	return lay.Placements
}

// handleValidation checks the stored layout, or an edit of it. A rejected
// edit is not written; an accepted one is stored before its report.
func (o *Orchestrator) handleValidation(ctx context.Context, out ValidationOutput) (Progress, error) {
	lay := o.progress.Layout
	placements := o.currentPlacements()
	edited := out.Placements != nil
	if edited {
		placements = out.Placements
	}
	if len(placements) == 0 {
		return Progress{}, invalid(StageValidation, "layout has no placements")
	}
	result := o.validate(placements)
	if !result.Valid() {
		if !edited {
			if _, err := o.deps.Batches.SaveValidation(ctx, lay.BatchID, result, o.ActorID); err != nil {
				return Progress{}, o.logExternal("save validation", lay.BatchID, err)
			}
		}
		reasons := append([]string(nil), result.Errors...)
		if len(reasons) == 0 {
			reasons = []string{"layout has cross-cycle conflicts"}
		}
		return Progress{}, ValidationError{Stage: StageValidation, Reasons: reasons}
	}
	if edited {
		if _, err := o.deps.Batches.UpdatePlacements(ctx, lay.BatchID, placements, o.ActorID); err != nil {
			return Progress{}, o.logExternal("update placements", lay.BatchID, err)
		}
	}
	report, err := o.deps.Batches.SaveValidation(ctx, lay.BatchID, result, o.ActorID)
	if err != nil {
		return Progress{}, o.logExternal("save validation", lay.BatchID, err)
	}
	next := o.progress
	next.Validation = &ValidationSlot{BatchID: lay.BatchID, Result: result, ReportID: report.ID, Placements: placements}
	return next, nil
}

func (o *Orchestrator) handleConfirmation(ctx context.Context, out ConfirmationOutput) (Progress, error) {
	v := o.progress.Validation
	batchID := o.progress.Layout.BatchID
	if !v.Result.ReadyForConfirmation {
		reasons := []string{fmt.Sprintf("not ready for confirmation: %d warnings, at most %d allowed",
			len(v.Result.Warnings), o.deps.Config.Validation.MaxWarnings)}
		reasons = append(reasons, v.Result.Warnings...)
		return Progress{}, ValidationError{Stage: StageConfirmation, Reasons: reasons}
	}
	actor := strings.TrimSpace(out.ActorID)
	if actor == "" {
		actor = o.ActorID
	}
	if actor == "" {
		return Progress{}, invalid(StageConfirmation, "actor is required")
	}
	if _, err := o.deps.Batches.Confirm(ctx, batchID, actor); err != nil {
		return Progress{}, o.logExternal("confirm batch", batchID, err)
	}
	o.drafts.MarkCommitted(batchID)
	next := o.progress
	next.Confirmation = &ConfirmationRecord{
		BatchID:     batchID,
		ActorID:     actor,
		ReportID:    v.ReportID,
		ConfirmedAt: confirmedAt(o.deps.Now()),
	}
	return next, nil
}
