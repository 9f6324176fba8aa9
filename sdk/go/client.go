package nestlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Nestline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// WorkOrder represents the API work order model (partial).
type WorkOrder struct {
	ID        string  `json:"id"`
	Status    string  `json:"status,omitempty"`
	Priority  int     `json:"priority,omitempty"`
	ToolID    string  `json:"tool_id,omitempty"`
	WeightKg  float64 `json:"weight_kg"`
	WidthMM   float64 `json:"width_mm"`
	LengthMM  float64 `json:"length_mm"`
	Valves    int     `json:"valves,omitempty"`
	CureCycle string  `json:"cure_cycle,omitempty"`
}

type Chamber struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	WidthMM     float64 `json:"width_mm"`
	LengthMM    float64 `json:"length_mm"`
	MaxLoadKg   float64 `json:"max_load_kg"`
	VacuumLines int     `json:"vacuum_lines"`
	Status      string  `json:"status,omitempty"`
}

// Placement is one part placed inside a chamber.
type Placement struct {
	WorkOrderID string  `json:"work_order_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Rotated     bool    `json:"rotated,omitempty"`
	Level       int     `json:"level,omitempty"`
}

type Batch struct {
	ID           string      `json:"id"`
	ChamberID    string      `json:"chamber_id"`
	Status       string      `json:"status"`
	WorkOrderIDs []string    `json:"work_order_ids"`
	Placements   []Placement `json:"placements"`
	ConfirmedBy  *string     `json:"confirmed_by,omitempty"`
}

// Candidate is a ranked chamber.
type Candidate struct {
	Chamber  Chamber  `json:"chamber"`
	Score    int      `json:"score"`
	Notes    []string `json:"notes"`
	Blocking bool     `json:"blocking"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Run is a batch-creation workflow run (partial).
type Run struct {
	ID         string   `json:"id"`
	Stage      string   `json:"stage"`
	Completion float64  `json:"completion"`
	Errors     []string `json:"errors"`
	Drafts     []struct {
		ID        string `json:"id"`
		ChamberID string `json:"chamber_id"`
	} `json:"drafts"`
}

// Advance carries the output of a run's current stage.
type Advance struct {
	WorkOrderIDs         []string       `json:"work_order_ids,omitempty"`
	ChamberID            string         `json:"chamber_id,omitempty"`
	Auto                 bool           `json:"auto,omitempty"`
	AdditionalChamberIDs []string       `json:"additional_chamber_ids,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	Placements           []Placement    `json:"placements,omitempty"`
}

// APIError wraps non-2xx responses. Code is read from the error envelope when
// present.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// UpsertWorkOrder creates or replaces a work order.
func (c *Client) UpsertWorkOrder(ctx context.Context, wo WorkOrder) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPut, "work-orders/"+url.PathEscape(wo.ID), wo, &resp)
	return resp, err
}

// ListWorkOrders lists work orders, optionally by status.
func (c *Client) ListWorkOrders(ctx context.Context, status string) ([]WorkOrder, error) {
	endpoint := "work-orders"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []WorkOrder
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) UpsertChamber(ctx context.Context, ch Chamber) (Chamber, error) {
	var resp Chamber
	err := c.do(ctx, http.MethodPut, "chambers/"+url.PathEscape(ch.ID), ch, &resp)
	return resp, err
}

// Rank ranks chambers for a selection of work orders.
func (c *Client) Rank(ctx context.Context, workOrderIDs []string) ([]Candidate, error) {
	var resp struct {
		Candidates []Candidate `json:"candidates"`
	}
	err := c.do(ctx, http.MethodPost, "compatibility/rank", map[string]any{"work_order_ids": workOrderIDs}, &resp)
	return resp.Candidates, err
}

// CreateBatch stores a layout as a draft batch.
func (c *Client) CreateBatch(ctx context.Context, chamberID string, placements []Placement) (Batch, error) {
	body := map[string]any{
		"chamber_id": chamberID,
		"placements": placements,
	}
	var resp Batch
	err := c.do(ctx, http.MethodPost, "batches", body, &resp)
	return resp, err
}

func (c *Client) GetBatch(ctx context.Context, id string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, "batches/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// BatchCommand runs promote, confirm, load, start_cure or terminate.
func (c *Client) BatchCommand(ctx context.Context, id, command string) (Batch, error) {
	var resp Batch
	endpoint := fmt.Sprintf("batches/%s/commands/%s", url.PathEscape(id), url.PathEscape(command))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// BatchSheet downloads the printable PDF sheet of a batch.
func (c *Client) BatchSheet(ctx context.Context, id string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("batches/%s/sheet.pdf", url.PathEscape(id)), nil, &buf)
	return buf.Bytes(), err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateRun opens a workflow run.
func (c *Client) CreateRun(ctx context.Context) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", nil, &resp)
	return resp, err
}

// AdvanceRun completes the run's current stage.
func (c *Client) AdvanceRun(ctx context.Context, id string, in Advance) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/advance", url.PathEscape(id)), in, &resp)
	return resp, err
}

// ExitRun closes a run. choice may be empty, promote_all, discard_all or stay.
// It reports whether the run was closed.
func (c *Client) ExitRun(ctx context.Context, id, choice string) (bool, error) {
	body := map[string]any{}
	if choice != "" {
		body["choice"] = choice
	}
	var resp struct {
		Closed bool `json:"closed"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("runs/%s/exit", url.PathEscape(id)), body, &resp)
	return resp.Closed, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
