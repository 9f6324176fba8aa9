package workflow

import (
	"fmt"
	"time"

	"nestline/internal/domain"
	"nestline/internal/engine/drafts"
	"nestline/internal/engine/scoring"
)

// Stage is the cursor of a run. StageCompleted is terminal.
type Stage int

const (
	StageSelection Stage = iota
	StageResource
	StageLayout
	StageValidation
	StageConfirmation
	StageCompleted
)

// StageCount is the number of working stages.
const StageCount = int(StageCompleted)

var stageNames = [...]string{"selection", "resource", "layout", "validation", "confirmation", "completed"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

func ParseStage(v string) (Stage, error) {
	for i, name := range stageNames {
		if name == v {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", v)
}

// Output is the operator input that completes a stage. Each stage accepts
// exactly one concrete Output type.
type Output interface {
	stage() Stage
}

// SelectionOutput names the work orders to nest.
type SelectionOutput struct {
	WorkOrderIDs []string
}

// ResourceOutput picks the chamber. With Auto set the best ranked chamber is
// used and ChamberID is ignored. AdditionalChamberIDs enables multi-chamber mode.
type ResourceOutput struct {
	ChamberID            string
	Auto                 bool
	AdditionalChamberIDs []string
}

// LayoutOutput overrides optimizer parameters for this run.
type LayoutOutput struct {
	Parameters map[string]any
}

// ValidationOutput optionally carries an operator-adjusted placement set.
type ValidationOutput struct {
	Placements []domain.LayoutPlacement
}

type ConfirmationOutput struct {
	ActorID string
}

func (SelectionOutput) stage() Stage    { return StageSelection }
func (ResourceOutput) stage() Stage     { return StageResource }
func (LayoutOutput) stage() Stage       { return StageLayout }
func (ValidationOutput) stage() Stage   { return StageValidation }
func (ConfirmationOutput) stage() Stage { return StageConfirmation }

// Event is a requested transition.
type Event interface {
	event()
}

type AdvanceEvent struct {
	Output Output
}

type RetreatEvent struct{}

// ResetEvent clears the run. Choice resolves the exit guard when drafts are
// still at risk; it may be empty otherwise.
type ResetEvent struct {
	Choice drafts.ExitChoice
}

func (AdvanceEvent) event() {}
func (RetreatEvent) event() {}
func (ResetEvent) event()   {}

// ResourceAssignment is the resource stage slot.
type ResourceAssignment struct {
	Candidate  scoring.ResourceCandidate   `json:"candidate"`
	Additional []scoring.ResourceCandidate `json:"additional,omitempty"`
	Auto       bool                        `json:"auto"`
}

// ChamberIDs lists the primary chamber first.
func (r ResourceAssignment) ChamberIDs() []string {
	ids := []string{r.Candidate.Chamber.ID}
	for _, c := range r.Additional {
		ids = append(ids, c.Chamber.ID)
	}
	return ids
}

// LayoutSlot is the layout stage slot. BatchID is the primary chamber's draft.
type LayoutSlot struct {
	BatchID       string                   `json:"batch_id"`
	ChamberID     string                   `json:"chamber_id"`
	Placements    []domain.LayoutPlacement `json:"placements"`
	Metadata      domain.LayoutMetadata    `json:"metadata"`
	Stands        []domain.SupportStand    `json:"stands,omitempty"`
	DraftBatchIDs []string                 `json:"draft_batch_ids"`
	Unplaced      []string                 `json:"unplaced,omitempty"`
}

type ValidationSlot struct {
	BatchID    string                   `json:"batch_id"`
	Result     domain.ValidationResult  `json:"result"`
	ReportID   string                   `json:"report_id"`
	Placements []domain.LayoutPlacement `json:"placements"`
}

type ConfirmationRecord struct {
	BatchID     string `json:"batch_id"`
	ActorID     string `json:"actor_id"`
	ReportID    string `json:"report_id"`
	ConfirmedAt string `json:"confirmed_at" format:"date-time"`
}

// Progress accumulates stage outputs. Each stage writes only its own slot and
// a new Progress value is produced on every successful advance.
type Progress struct {
	Selection    *domain.WorkOrderSelection `json:"selection,omitempty"`
	Resource     *ResourceAssignment        `json:"resource,omitempty"`
	Layout       *LayoutSlot                `json:"layout,omitempty"`
	Validation   *ValidationSlot            `json:"validation,omitempty"`
	Confirmation *ConfirmationRecord        `json:"confirmation,omitempty"`
}

// Filled reports whether the slot owned by s holds an output.
func (p Progress) Filled(s Stage) bool {
	switch s {
	case StageSelection:
		return p.Selection != nil
	case StageResource:
		return p.Resource != nil
	case StageLayout:
		return p.Layout != nil
	case StageValidation:
		return p.Validation != nil
	case StageConfirmation:
		return p.Confirmation != nil
	}
	return false
}

// Completion is the fraction of filled slots, independent of the cursor.
func (p Progress) Completion() float64 {
	n := 0
	for s := StageSelection; s < StageCompleted; s++ {
		if p.Filled(s) {
			n++
		}
	}
	return float64(n) / float64(StageCount)
}

func confirmedAt(now time.Time) string {
	return now.UTC().Format(time.RFC3339)
}
