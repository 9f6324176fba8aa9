package domain

// Work order statuses.
const (
	WorkOrderAwaitingCure = "awaiting_cure"
	WorkOrderQueued       = "queued"
	WorkOrderScheduled    = "scheduled"
	WorkOrderCured        = "cured"
)

// Chamber statuses.
const (
	ChamberAvailable   = "available"
	ChamberInUse       = "in_use"
	ChamberMaintenance = "maintenance"
	ChamberOffline     = "offline"
)

// Batch statuses.
const (
	BatchDraft      = "draft"
	BatchSuspended  = "suspended"
	BatchConfirmed  = "confirmed"
	BatchLoaded     = "loaded"
	BatchCuring     = "curing"
	BatchTerminated = "terminated"
)

type WorkOrder struct {
	ID         string  `json:"id"`
	Status     string  `json:"status" enum:"awaiting_cure,queued,scheduled,cured"`
	Priority   int     `json:"priority"`
	PartNumber string  `json:"part_number,omitempty"`
	ToolID     string  `json:"tool_id,omitempty"`
	WeightKg   float64 `json:"weight_kg"`
	WidthMM    float64 `json:"width_mm"`
	LengthMM   float64 `json:"length_mm"`
	Valves     int     `json:"valves"`
	CureCycle  string  `json:"cure_cycle,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Area returns the tool footprint in mm².
func (w WorkOrder) Area() float64 {
	return w.WidthMM * w.LengthMM
}

type Chamber struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	WidthMM     float64 `json:"width_mm"`
	LengthMM    float64 `json:"length_mm"`
	MaxLoadKg   float64 `json:"max_load_kg"`
	VacuumLines int     `json:"vacuum_lines"`
	Status      string  `json:"status" enum:"available,in_use,maintenance,offline"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Area returns the usable base-plane area in mm².
func (c Chamber) Area() float64 {
	return c.WidthMM * c.LengthMM
}

func (c Chamber) Available() bool {
	return c.Status == ChamberAvailable
}

// SupportStand is a stand (cavalletto) that lifts placements to level 1.
type SupportStand struct {
	ID        string  `json:"id"`
	ChamberID string  `json:"chamber_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	WidthMM   float64 `json:"width_mm"`
	LengthMM  float64 `json:"length_mm"`
}

// LayoutPlacement is one part placed inside a chamber.
// Level 0 is the base plane, level 1 sits on a support stand.
type LayoutPlacement struct {
	WorkOrderID string  `json:"work_order_id"`
	ToolID      string  `json:"tool_id,omitempty"`
	CureCycle   string  `json:"cure_cycle,omitempty"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Rotated     bool    `json:"rotated,omitempty"`
	Level       int     `json:"level,omitempty" minimum:"0" maximum:"1"`
}

// Rotate toggles the rotation flag, swapping width and height.
func (p LayoutPlacement) Rotate() LayoutPlacement {
	p.Width, p.Height = p.Height, p.Width
	p.Rotated = !p.Rotated
	return p
}

func (p LayoutPlacement) Area() float64 {
	return p.Width * p.Height
}

// LayoutMetadata carries the optimizer's description of a result.
// Older results may omit any of the fields.
type LayoutMetadata struct {
	Algorithm  string  `json:"algorithm,omitempty"`
	LevelCount int     `json:"level_count,omitempty"`
	MultiLevel bool    `json:"multi_level,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Efficiency float64 `json:"efficiency,omitempty"`
}

type ValidationResult struct {
	HasConflicts           bool            `json:"has_conflicts"`
	ConflictedWorkOrderIDs []string        `json:"conflicted_work_order_ids"`
	CoveragePct            float64         `json:"coverage_pct"`
	EfficiencyPct          float64         `json:"efficiency_pct"`
	CycleSeparationOK      bool            `json:"cycle_separation_ok"`
	MultiLevel             bool            `json:"multi_level"`
	LevelUtilizationPct    map[int]float64 `json:"level_utilization_pct,omitempty"`
	OutOfBoundsIDs         []string        `json:"out_of_bounds_ids,omitempty"`
	Errors                 []string        `json:"errors,omitempty"`
	Warnings               []string        `json:"warnings,omitempty"`
	ReadyForConfirmation   bool            `json:"ready_for_confirmation"`
}

// Valid reports whether nothing in the result blocks a commit.
func (v ValidationResult) Valid() bool {
	return !v.HasConflicts && len(v.Errors) == 0
}

type BatchMetrics struct {
	WorkOrderCount int     `json:"work_order_count"`
	TotalWeightKg  float64 `json:"total_weight_kg"`
	ValvesUsed     int     `json:"valves_used"`
	CoveragePct    float64 `json:"coverage_pct"`
	EfficiencyPct  float64 `json:"efficiency_pct"`
	MultiLevel     bool    `json:"multi_level"`
}

// Batch is a nesting result inside one chamber. Drafts are uncommitted.
type Batch struct {
	ID           string            `json:"id"`
	ChamberID    string            `json:"chamber_id"`
	Status       string            `json:"status" enum:"draft,suspended,confirmed,loaded,curing,terminated"`
	WorkOrderIDs []string          `json:"work_order_ids"`
	Placements   []LayoutPlacement `json:"placements"`
	Metadata     LayoutMetadata    `json:"metadata"`
	Metrics      BatchMetrics      `json:"metrics"`
	CreatedBy    string            `json:"created_by,omitempty"`
	ConfirmedBy  *string           `json:"confirmed_by,omitempty"`
	CreatedAt    string            `json:"created_at" format:"date-time"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

// ValidationReport is a stored ValidationResult for a batch.
type ValidationReport struct {
	ID        string           `json:"id"`
	BatchID   string           `json:"batch_id"`
	Result    ValidationResult `json:"result"`
	CreatedBy string           `json:"created_by"`
	CreatedAt string           `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
