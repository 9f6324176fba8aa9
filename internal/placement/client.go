package placement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nestline/internal/domain"
)

// Request asks the optimizer for one layout per chamber.
type Request struct {
	WorkOrders []domain.WorkOrder    `json:"work_orders"`
	Chambers   []domain.Chamber      `json:"chambers"`
	Stands     []domain.SupportStand `json:"stands,omitempty"`
	Parameters map[string]any        `json:"parameters,omitempty"`
}

// ChamberLayout is the optimizer output for one chamber.
type ChamberLayout struct {
	ChamberID  string                   `json:"chamber_id"`
	Placements []domain.LayoutPlacement `json:"placements"`
	Metadata   domain.LayoutMetadata    `json:"metadata"`
	Unplaced   []string                 `json:"unplaced,omitempty"`
}

type Result struct {
	Layouts []ChamberLayout `json:"layouts"`
}

// For returns the layout generated for a chamber.
func (r Result) For(chamberID string) (ChamberLayout, bool) {
	for _, l := range r.Layouts {
		if l.ChamberID == chamberID {
			return l, true
		}
	}
	return ChamberLayout{}, false
}

// Client calls the external placement optimizer. Its output is untrusted and
// always validated by the caller.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	return fmt.Sprintf("optimizer error %d: %s", e.StatusCode, e.Body)
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), Timeout: timeout}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Generate submits a request and decodes the layouts. The call is bounded by
// ctx and the client timeout.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	if c.BaseURL == "" {
		return Result{}, fmt.Errorf("placement url is not configured")
	}
	if len(req.Chambers) == 0 {
		return Result{}, fmt.Errorf("at least one chamber is required")
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/generate", bytes.NewReader(buf))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out Result
	if err := json.Unmarshal(body, &out); err != nil {
		return Result{}, fmt.Errorf("decode optimizer response: %w", err)
	}
	return out, nil
}
