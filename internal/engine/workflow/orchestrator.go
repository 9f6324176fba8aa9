package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"nestline/internal/config"
	"nestline/internal/domain"
	"nestline/internal/engine/drafts"
	"nestline/internal/engine/scoring"
	"nestline/internal/placement"
)

// WorkOrderSource lists work orders. An empty status lists all of them.
type WorkOrderSource interface {
	ListWorkOrders(ctx context.Context, status string) ([]domain.WorkOrder, error)
}

type ChamberSource interface {
	ListChambers(ctx context.Context) ([]domain.Chamber, error)
	ListStands(ctx context.Context, chamberID string) ([]domain.SupportStand, error)
}

// Placer is the external layout optimizer.
type Placer interface {
	Generate(ctx context.Context, req placement.Request) (placement.Result, error)
}

// BatchStore persists batches and accepts their commands.
type BatchStore interface {
	drafts.Store
	CreateDraft(ctx context.Context, b domain.Batch, actorID string) (domain.Batch, error)
	UpdatePlacements(ctx context.Context, batchID string, placements []domain.LayoutPlacement, actorID string) (domain.Batch, error)
	SaveValidation(ctx context.Context, batchID string, res domain.ValidationResult, actorID string) (domain.ValidationReport, error)
	Confirm(ctx context.Context, batchID, actorID string) (domain.Batch, error)
}

type Deps struct {
	WorkOrders WorkOrderSource
	Chambers   ChamberSource
	Placer     Placer
	Batches    BatchStore
	Config     *config.Config
	Logger     *log.Logger
	Now        func() time.Time
}

// Orchestrator drives one workflow run. It is not safe for concurrent use;
// callers serialize access per run.
type Orchestrator struct {
	ID      string
	ActorID string

	deps     Deps
	scorer   scoring.Scorer
	drafts   *drafts.Manager
	stage    Stage
	progress Progress
	errs     []error
}

func New(id, actorID string, deps Deps) *Orchestrator {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		ID:      id,
		ActorID: actorID,
		deps:    deps,
		scorer:  scoring.New(deps.Config.Scoring),
		drafts:  drafts.NewManager(deps.Batches, actorID, deps.Logger),
	}
}

func (o *Orchestrator) Stage() Stage { return o.stage }

// Progress returns the current accumulator. Slots must be treated as read-only.
func (o *Orchestrator) Progress() Progress { return o.progress }

func (o *Orchestrator) Completion() float64 { return o.progress.Completion() }

// Errors returns the errors collected since the last successful transition.
func (o *Orchestrator) Errors() []error {
	return append([]error(nil), o.errs...)
}

func (o *Orchestrator) Drafts() *drafts.Manager { return o.drafts }

// Advance, Retreat and Reset are shorthands for Dispatch.
func (o *Orchestrator) Advance(ctx context.Context, out Output) error {
	return o.Dispatch(ctx, AdvanceEvent{Output: out})
}

func (o *Orchestrator) Retreat(ctx context.Context) error {
	return o.Dispatch(ctx, RetreatEvent{})
}

func (o *Orchestrator) Reset(ctx context.Context, choice drafts.ExitChoice) error {
	return o.Dispatch(ctx, ResetEvent{Choice: choice})
}

// Dispatch applies one transition event. On failure the error is collected
// and neither the cursor nor the progress change.
func (o *Orchestrator) Dispatch(ctx context.Context, ev Event) error {
	var err error
	switch ev := ev.(type) {
	case AdvanceEvent:
		err = o.advance(ctx, ev.Output)
	case RetreatEvent:
		err = o.retreat()
	case ResetEvent:
		err = o.reset(ctx, ev.Choice)
	default:
		err = fmt.Errorf("unsupported event %T", ev)
	}
	if err != nil {
		o.errs = append(o.errs, err)
		return err
	}
	o.errs = nil
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, out Output) error {
	if o.stage == StageCompleted {
		return ErrCompleted
	}
	if out == nil || out.stage() != o.stage {
		return invalid(o.stage, "expected %s output", o.stage)
	}
	var (
		next Progress
		err  error
	)
	switch out := out.(type) {
	case SelectionOutput:
		next, err = o.handleSelection(ctx, out)
	case ResourceOutput:
		next, err = o.handleResource(ctx, out)
	case LayoutOutput:
		next, err = o.handleLayout(ctx, out)
	case ValidationOutput:
		next, err = o.handleValidation(ctx, out)
	case ConfirmationOutput:
		next, err = o.handleConfirmation(ctx, out)
	}
	if err != nil {
		return err
	}
	o.progress = next
	o.stage++
	return nil
}

func (o *Orchestrator) retreat() error {
	switch o.stage {
	case StageCompleted:
		return ErrCompleted
	case StageSelection:
		return nil
	}
	o.stage--
	return nil
}

// reset is guarded by the draft exit guard. ChoiceStay keeps the run as is.
func (o *Orchestrator) reset(ctx context.Context, choice drafts.ExitChoice) error {
	if err := o.drafts.RequestExit(); err != nil {
		if choice == "" {
			return err
		}
		leave, err := o.drafts.ResolveExit(ctx, choice)
		if err != nil {
			return err
		}
		if !leave {
			return nil
		}
	}
	o.stage = StageSelection
	o.progress = Progress{}
	return nil
}

// Candidates ranks the chamber catalog against the current selection.
func (o *Orchestrator) Candidates(ctx context.Context) ([]scoring.ResourceCandidate, error) {
	if o.progress.Selection == nil {
		return nil, invalid(StageResource, "no work orders selected")
	}
	chambers, err := o.deps.Chambers.ListChambers(ctx)
	if err != nil {
		return nil, ExternalError{Op: "list chambers", Err: err}
	}
	return o.scorer.Rank(*o.progress.Selection, chambers), nil
}

// Check validates a placement set against the current layout without
// advancing. It is safe to call on every placement change.
func (o *Orchestrator) Check(placements []domain.LayoutPlacement) (domain.ValidationResult, error) {
	if o.progress.Layout == nil || o.progress.Resource == nil {
		return domain.ValidationResult{}, invalid(StageValidation, "no layout generated")
	}
	if placements == nil {
		placements = o.currentPlacements()
	}
	return o.validate(placements), nil
}

func (o *Orchestrator) actionable(ctx context.Context) ([]domain.WorkOrder, []domain.WorkOrder, error) {
	all, err := o.deps.WorkOrders.ListWorkOrders(ctx, "")
	if err != nil {
		return nil, nil, ExternalError{Op: "list work orders", Err: err}
	}
	var out []domain.WorkOrder
	for _, wo := range all {
		if o.deps.Config.IsActionable(wo.Status) {
			out = append(out, wo)
		}
	}
	return all, out, nil
}

// logExternal records a failed collaborator call before it is surfaced.
func (o *Orchestrator) logExternal(op, batchID string, err error) error {
	o.deps.Logger.Printf("workflow: %s failed run=%s batch=%s err=%v", op, o.ID, batchID, err)
	return ExternalError{Op: op, Err: err}
}

// discardPartial removes drafts created by a layout advance that failed
// before all chambers got theirs.
func (o *Orchestrator) discardPartial(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := o.drafts.Discard(ctx, id); err != nil {
			o.deps.Logger.Printf("workflow: discard partial draft failed run=%s batch=%s err=%v", o.ID, id, err)
		}
	}
}
