package server

import (
	"encoding/json"

	"nestline/internal/domain"
	"nestline/internal/engine/drafts"
	"nestline/internal/engine/scoring"
	"nestline/internal/engine/workflow"
)

// Request payloads

// UpsertWorkOrderRequest is also the item of an import. ID is taken from the
// path on single upserts.
type UpsertWorkOrderRequest struct {
	ID         string  `json:"id,omitempty"`
	Status     string  `json:"status,omitempty" enum:"awaiting_cure,queued,scheduled,cured"`
	Priority   int     `json:"priority,omitempty"`
	PartNumber string  `json:"part_number,omitempty"`
	ToolID     string  `json:"tool_id,omitempty"`
	WeightKg   float64 `json:"weight_kg" minimum:"0"`
	WidthMM    float64 `json:"width_mm" minimum:"0"`
	LengthMM   float64 `json:"length_mm" minimum:"0"`
	Valves     int     `json:"valves,omitempty" minimum:"0"`
	CureCycle  string  `json:"cure_cycle,omitempty"`
}

type ImportWorkOrdersRequest struct {
	WorkOrders []UpsertWorkOrderRequest `json:"work_orders" minItems:"1"`
}

type UpsertChamberRequest struct {
	Name        string  `json:"name"`
	WidthMM     float64 `json:"width_mm"`
	LengthMM    float64 `json:"length_mm"`
	MaxLoadKg   float64 `json:"max_load_kg"`
	VacuumLines int     `json:"vacuum_lines"`
	Status      string  `json:"status,omitempty" enum:"available,in_use,maintenance,offline"`
}

type SetChamberStatusRequest struct {
	Status string `json:"status" enum:"available,in_use,maintenance,offline"`
}

type StandInput struct {
	ID       string  `json:"id,omitempty"`
	X        float64 `json:"x" minimum:"0"`
	Y        float64 `json:"y" minimum:"0"`
	WidthMM  float64 `json:"width_mm"`
	LengthMM float64 `json:"length_mm"`
}

type SetStandsRequest struct {
	Stands []StandInput `json:"stands"`
}

type RankRequest struct {
	WorkOrderIDs []string `json:"work_order_ids" minItems:"1"`
}

type ValidateLayoutRequest struct {
	ChamberID    string                   `json:"chamber_id"`
	WorkOrderIDs []string                 `json:"work_order_ids,omitempty"`
	Placements   []domain.LayoutPlacement `json:"placements"`
	Metadata     domain.LayoutMetadata    `json:"metadata,omitempty"`
}

type CreateBatchRequest struct {
	ChamberID    string                   `json:"chamber_id"`
	WorkOrderIDs []string                 `json:"work_order_ids,omitempty"`
	Placements   []domain.LayoutPlacement `json:"placements"`
	Metadata     domain.LayoutMetadata    `json:"metadata,omitempty"`
}

type UpdatePlacementsRequest struct {
	Placements []domain.LayoutPlacement `json:"placements"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLMinutes int      `json:"ttl_minutes,omitempty" minimum:"0"`
}

// AdvanceRequest carries the output of the run's current stage. Only the
// fields of that stage are read.
type AdvanceRequest struct {
	WorkOrderIDs         []string                 `json:"work_order_ids,omitempty"`
	ChamberID            string                   `json:"chamber_id,omitempty"`
	Auto                 bool                     `json:"auto,omitempty"`
	AdditionalChamberIDs []string                 `json:"additional_chamber_ids,omitempty"`
	Parameters           map[string]any           `json:"parameters,omitempty"`
	Placements           []domain.LayoutPlacement `json:"placements,omitempty"`
	ActorID              string                   `json:"actor_id,omitempty"`
}

type ExitRequest struct {
	Choice string `json:"choice,omitempty" enum:"promote_all,discard_all,stay"`
}

type CheckLayoutRequest struct {
	Placements []domain.LayoutPlacement `json:"placements,omitempty"`
}

// Responses

type ImportResponse struct {
	Imported int `json:"imported"`
}

type CandidateResponse struct {
	Chamber  domain.Chamber `json:"chamber"`
	Score    int            `json:"score"`
	Notes    []string       `json:"notes"`
	Blocking bool           `json:"blocking"`
}

type RankResponse struct {
	Selection  domain.WorkOrderSelection `json:"selection"`
	Candidates []CandidateResponse       `json:"candidates"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyCreatedResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type DraftResponse struct {
	ID        string `json:"id"`
	ChamberID string `json:"chamber_id"`
	Status    string `json:"status"`
}

type RunResponse struct {
	ID         string              `json:"id"`
	ActorID    string              `json:"actor_id"`
	Stage      string              `json:"stage" enum:"selection,resource,layout,validation,confirmation,completed"`
	Completion float64             `json:"completion"`
	Progress   workflow.Progress   `json:"progress"`
	Drafts     []DraftResponse     `json:"drafts"`
	Errors     []string            `json:"errors"`
	Choices    []drafts.ExitChoice `json:"exit_choices"`
}

type ExitResponse struct {
	Closed bool        `json:"closed"`
	Run    RunResponse `json:"run"`
}

func (r UpsertWorkOrderRequest) workOrder(id string) domain.WorkOrder {
	if id == "" {
		id = r.ID
	}
	return domain.WorkOrder{
		ID:         id,
		Status:     r.Status,
		Priority:   r.Priority,
		PartNumber: r.PartNumber,
		ToolID:     r.ToolID,
		WeightKg:   r.WeightKg,
		WidthMM:    r.WidthMM,
		LengthMM:   r.LengthMM,
		Valves:     r.Valves,
		CureCycle:  r.CureCycle,
	}
}

func (r SetStandsRequest) stands(chamberID string) []domain.SupportStand {
	out := make([]domain.SupportStand, 0, len(r.Stands))
	for _, s := range r.Stands {
		out = append(out, domain.SupportStand{ID: s.ID, ChamberID: chamberID, X: s.X, Y: s.Y, WidthMM: s.WidthMM, LengthMM: s.LengthMM})
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(&e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func candidateResponses(items []scoring.ResourceCandidate) []CandidateResponse {
	out := make([]CandidateResponse, 0, len(items))
	for _, c := range items {
		out = append(out, CandidateResponse{
			Chamber:  c.Chamber,
			Score:    c.Score,
			Notes:    nonNilSlice(c.Notes),
			Blocking: c.Blocking,
		})
	}
	return out
}

func runResponse(o *workflow.Orchestrator) RunResponse {
	resp := RunResponse{
		ID:         o.ID,
		ActorID:    o.ActorID,
		Stage:      o.Stage().String(),
		Completion: o.Completion(),
		Progress:   o.Progress(),
		Drafts:     []DraftResponse{},
		Errors:     []string{},
		Choices:    drafts.Choices(),
	}
	for _, b := range o.Drafts().AtRisk() {
		resp.Drafts = append(resp.Drafts, DraftResponse{ID: b.ID, ChamberID: b.ChamberID, Status: b.Status})
	}
	for _, err := range o.Errors() {
		resp.Errors = append(resp.Errors, err.Error())
	}
	return resp
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
