package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"nestline/internal/config"
	"nestline/internal/db"
	"nestline/internal/domain"
	"nestline/internal/engine"
	"nestline/internal/engine/workflow"
	"nestline/internal/migrate"
	"nestline/internal/placement"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// fakePlacer lays work orders out in a single row on the base plane.
type fakePlacer struct{}

func (fakePlacer) Generate(_ context.Context, req placement.Request) (placement.Result, error) {
	var placements []domain.LayoutPlacement
	x := 0.0
	for _, wo := range req.WorkOrders {
		placements = append(placements, domain.LayoutPlacement{WorkOrderID: wo.ID, X: x, Width: wo.WidthMM, Height: wo.LengthMM})
		x += wo.WidthMM + 100
	}
	return placement.Result{Layouts: []placement.ChamberLayout{{
		ChamberID:  req.Chambers[0].ID,
		Placements: placements,
		Metadata:   domain.LayoutMetadata{Algorithm: "row"},
	}}}, nil
}

func newTestEngine(t *testing.T) (engine.Engine, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return engine.New(conn, config.Default()), func() { conn.Close() }
}

func newTestServer(t *testing.T, placer workflow.Placer) (*testServer, func()) {
	t.Helper()
	e, closeDB := newTestEngine(t)
	handler, err := New(Config{
		Engine:   e,
		Placer:   placer,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			closeDB()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var planner = map[string]string{"X-Actor-Id": "planner"}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, want, string(data))
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v: %s", out, err, string(data))
	}
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

// seedCatalog stores chamber AC-1 and three work orders: WO-1 and WO-2 on
// cycle C180, WO-3 on C120.
func seedCatalog(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/chambers/AC-1", map[string]any{
		"name":         "Autoclave 1",
		"width_mm":     3000,
		"length_mm":    6000,
		"max_load_kg":  1000,
		"vacuum_lines": 8,
	}, planner)
	expectStatus(t, res, data, http.StatusOK)
	orders := []map[string]any{
		{"id": "WO-1", "priority": 3, "weight_kg": 120, "width_mm": 1000, "length_mm": 1000, "valves": 2, "cure_cycle": "C180"},
		{"id": "WO-2", "priority": 5, "weight_kg": 80, "width_mm": 1000, "length_mm": 2000, "valves": 2, "cure_cycle": "C180"},
		{"id": "WO-3", "status": "queued", "weight_kg": 50, "width_mm": 1000, "length_mm": 1000, "valves": 1, "cure_cycle": "C120"},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/work-orders/import", map[string]any{"work_orders": orders}, planner)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[ImportResponse](t, data).Imported; got != 3 {
		t.Fatalf("imported %d, want 3", got)
	}
}

func TestHealthIsOpenAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work-orders", nil, nil)
	expectStatus(t, res, data, http.StatusUnauthorized)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code %q", env.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work-orders", nil, map[string]string{"Authorization": "Bearer nope"})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestDevLoginAndAPIKey(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "ops"}, nil)
	expectStatus(t, res, data, http.StatusOK)
	token := decode[DevLoginResponse](t, data).Token
	if token == "" {
		t.Fatal("empty token")
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{"name": "line-pc"}, bearer)
	expectStatus(t, res, data, http.StatusCreated)
	created := decode[APIKeyCreatedResponse](t, data)
	if created.ActorID != "ops" || !strings.HasPrefix(created.Key, "nl_") {
		t.Fatalf("unexpected key %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me/api-keys", nil, map[string]string{"X-Api-Key": created.Key})
	expectStatus(t, res, data, http.StatusOK)
	if keys := decode[[]APIKeyResponse](t, data); len(keys) != 1 || keys[0].Name != "line-pc" {
		t.Fatalf("unexpected keys %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+created.ID, nil, planner)
	expectStatus(t, res, data, http.StatusNotFound)
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+created.ID, nil, bearer)
	expectStatus(t, res, data, http.StatusNoContent)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-orders", nil, map[string]string{"X-Api-Key": created.Key})
	expectStatus(t, res, data, http.StatusUnauthorized)
}

func TestCatalogAndRank(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	seedCatalog(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-orders?status=queued", nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if items := decode[[]domain.WorkOrder](t, data); len(items) != 1 || items[0].ID != "WO-3" {
		t.Fatalf("unexpected queued work orders: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/chambers/AC-1/stands", map[string]any{
		"stands": []map[string]any{{"x": 0, "y": 3000, "width_mm": 1500, "length_mm": 1500}},
	}, planner)
	expectStatus(t, res, data, http.StatusOK)
	if stands := decode[[]domain.SupportStand](t, data); len(stands) != 1 || stands[0].ID != "AC-1-S1" {
		t.Fatalf("unexpected stands: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/compatibility/rank", map[string]any{
		"work_order_ids": []string{"WO-1", "WO-2"},
	}, planner)
	expectStatus(t, res, data, http.StatusOK)
	ranked := decode[RankResponse](t, data)
	if len(ranked.Candidates) != 1 || ranked.Candidates[0].Chamber.ID != "AC-1" {
		t.Fatalf("unexpected candidates: %s", string(data))
	}
	if ranked.Selection.TotalWeightKg != 200 || ranked.Selection.TotalValves != 4 {
		t.Fatalf("unexpected selection aggregates: %+v", ranked.Selection)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/compatibility/rank", map[string]any{
		"work_order_ids": []string{"WO-404"},
	}, planner)
	expectStatus(t, res, data, http.StatusBadRequest)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=chamber", nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if evts := decode[paginatedEvents](t, data); len(evts.Items) != 2 || evts.Items[0].Type != "chamber.stands_replaced" {
		t.Fatalf("unexpected chamber events: %s", string(data))
	}
}

func TestBatchLifecycleAndSheet(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	seedCatalog(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"chamber_id": "AC-1",
		"placements": []map[string]any{
			{"work_order_id": "WO-1", "x": 0, "y": 0, "width": 1000, "height": 1000},
			{"work_order_id": "WO-2", "x": 1200, "y": 0, "width": 1000, "height": 2000},
		},
	}, planner)
	expectStatus(t, res, data, http.StatusCreated)
	batch := decode[domain.Batch](t, data)
	if batch.Status != domain.BatchDraft || batch.Metrics.TotalWeightKg != 200 {
		t.Fatalf("unexpected draft: %+v", batch)
	}
	base := srv.URL + "/v0/batches/" + batch.ID

	res, data = doJSON(t, client, http.MethodPost, base+"/commands/load", nil, planner)
	expectStatus(t, res, data, http.StatusConflict)
	if env := decode[errorEnvelope](t, data); env.Error.Code != "invalid_transition" {
		t.Fatalf("code %q", env.Error.Code)
	}

	for _, cmd := range []string{"confirm", "load", "start_cure", "terminate"} {
		res, data = doJSON(t, client, http.MethodPost, base+"/commands/"+cmd, nil, planner)
		expectStatus(t, res, data, http.StatusOK)
	}
	batch = decode[domain.Batch](t, data)
	if batch.Status != domain.BatchTerminated || batch.ConfirmedBy == nil || *batch.ConfirmedBy != "planner" {
		t.Fatalf("unexpected terminated batch: %+v", batch)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work-orders/WO-1", nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if wo := decode[domain.WorkOrder](t, data); wo.Status != domain.WorkOrderCured {
		t.Fatalf("work order status %s", wo.Status)
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/placements", map[string]any{
		"placements": []map[string]any{{"work_order_id": "WO-1", "x": 0, "y": 0, "width": 1000, "height": 1000}},
	}, planner)
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodDelete, base, nil, planner)
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodPost, base+"/validations", nil, planner)
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodGet, base+"/validations", nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if reports := decode[[]domain.ValidationReport](t, data); len(reports) != 1 || !reports[0].Result.Valid() {
		t.Fatalf("unexpected reports: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/sheet.pdf", nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if ct := res.Header.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type %q", ct)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("not a pdf: %q", data[:min(len(data), 16)])
	}
}

func TestConfirmRejectsCrossCycleOverlap(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	seedCatalog(t, srv)
	client := srv.Client()

	placements := []map[string]any{
		{"work_order_id": "WO-1", "x": 0, "y": 0, "width": 1000, "height": 1000},
		{"work_order_id": "WO-3", "x": 500, "y": 500, "width": 1000, "height": 1000},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/layouts/validate", map[string]any{
		"chamber_id": "AC-1",
		"placements": placements,
	}, planner)
	expectStatus(t, res, data, http.StatusOK)
	result := decode[domain.ValidationResult](t, data)
	if !result.HasConflicts || result.ReadyForConfirmation {
		t.Fatalf("expected conflicts: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"chamber_id": "AC-1",
		"placements": placements,
	}, planner)
	expectStatus(t, res, data, http.StatusCreated)
	batch := decode[domain.Batch](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches/"+batch.ID+"/commands/confirm", nil, planner)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "validation_failed" || env.Error.Details["stage"] != "confirmation" {
		t.Fatalf("unexpected error: %s", string(data))
	}
}

func TestWorkflowRunToCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t, fakePlacer{})
	defer cleanup()
	seedCatalog(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", nil, planner)
	expectStatus(t, res, data, http.StatusCreated)
	run := decode[RunResponse](t, data)
	if run.Stage != "selection" || run.Completion != 0 {
		t.Fatalf("unexpected new run: %+v", run)
	}
	advance := srv.URL + "/v0/runs/" + run.ID + "/advance"

	res, data = doJSON(t, client, http.MethodPost, advance, map[string]any{"work_order_ids": []string{}}, planner)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)

	steps := []struct {
		body  map[string]any
		stage string
	}{
		{map[string]any{"work_order_ids": []string{"WO-1", "WO-2"}}, "resource"},
		{map[string]any{"chamber_id": "AC-1"}, "layout"},
		{map[string]any{"parameters": map[string]any{"padding_mm": 10}}, "validation"},
		{map[string]any{}, "confirmation"},
		{map[string]any{}, "completed"},
	}
	for _, step := range steps {
		res, data = doJSON(t, client, http.MethodPost, advance, step.body, planner)
		expectStatus(t, res, data, http.StatusOK)
		run = decode[RunResponse](t, data)
		if run.Stage != step.stage {
			t.Fatalf("stage %s, want %s", run.Stage, step.stage)
		}
	}
	if run.Completion != 1 || run.Progress.Confirmation == nil || len(run.Drafts) != 0 {
		t.Fatalf("unexpected completed run: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/"+run.Progress.Confirmation.BatchID, nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if b := decode[domain.Batch](t, data); b.Status != domain.BatchConfirmed || b.Metadata.Algorithm != "row" {
		t.Fatalf("unexpected batch: %+v", b)
	}

	res, data = doJSON(t, client, http.MethodPost, advance, map[string]any{}, planner)
	expectStatus(t, res, data, http.StatusConflict)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs/"+run.ID+"/exit", map[string]any{}, planner)
	expectStatus(t, res, data, http.StatusOK)
	if exit := decode[ExitResponse](t, data); !exit.Closed {
		t.Fatalf("run not closed: %s", string(data))
	}
}

func TestRunExitBlockedByDrafts(t *testing.T) {
	srv, cleanup := newTestServer(t, fakePlacer{})
	defer cleanup()
	seedCatalog(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", nil, planner)
	expectStatus(t, res, data, http.StatusCreated)
	runURL := srv.URL + "/v0/runs/" + decode[RunResponse](t, data).ID
	for _, body := range []map[string]any{
		{"work_order_ids": []string{"WO-3"}},
		{"chamber_id": "AC-1"},
		{},
	} {
		res, data = doJSON(t, client, http.MethodPost, runURL+"/advance", body, planner)
		expectStatus(t, res, data, http.StatusOK)
	}
	run := decode[RunResponse](t, data)
	if len(run.Drafts) != 1 {
		t.Fatalf("want one draft, got %s", string(data))
	}
	draftID := run.Drafts[0].ID

	res, data = doJSON(t, client, http.MethodPost, runURL+"/exit", map[string]any{}, planner)
	expectStatus(t, res, data, http.StatusConflict)
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "exit_blocked" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if ids, _ := env.Error.Details["drafts"].([]any); len(ids) != 1 || ids[0] != draftID {
		t.Fatalf("unexpected drafts detail: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, runURL+"/exit", map[string]any{"choice": "stay"}, planner)
	expectStatus(t, res, data, http.StatusOK)
	if exit := decode[ExitResponse](t, data); exit.Closed {
		t.Fatal("stay must keep the run open")
	}

	res, data = doJSON(t, client, http.MethodPost, runURL+"/exit", map[string]any{"choice": "promote_all"}, planner)
	expectStatus(t, res, data, http.StatusOK)
	if exit := decode[ExitResponse](t, data); !exit.Closed {
		t.Fatalf("run not closed: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/"+draftID, nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if b := decode[domain.Batch](t, data); b.Status != domain.BatchSuspended {
		t.Fatalf("draft status %s, want suspended", b.Status)
	}
	res, data = doJSON(t, client, http.MethodGet, runURL, nil, planner)
	expectStatus(t, res, data, http.StatusNotFound)
}

func TestRunLayoutNeedsPlacer(t *testing.T) {
	srv, cleanup := newTestServer(t, nil)
	defer cleanup()
	seedCatalog(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/runs", nil, planner)
	expectStatus(t, res, data, http.StatusCreated)
	runURL := srv.URL + "/v0/runs/" + decode[RunResponse](t, data).ID
	res, data = doJSON(t, client, http.MethodPost, runURL+"/advance", map[string]any{"work_order_ids": []string{"WO-1"}}, planner)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, runURL+"/candidates", nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if c := decode[[]CandidateResponse](t, data); len(c) != 1 {
		t.Fatalf("unexpected candidates: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, runURL+"/advance", map[string]any{"chamber_id": "AC-1"}, planner)
	expectStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, runURL+"/advance", map[string]any{}, planner)
	expectStatus(t, res, data, http.StatusServiceUnavailable)

	res, data = doJSON(t, client, http.MethodPost, runURL+"/retreat", nil, planner)
	expectStatus(t, res, data, http.StatusOK)
	if run := decode[RunResponse](t, data); run.Stage != "resource" || run.Progress.Resource == nil {
		t.Fatalf("unexpected run after retreat: %s", string(data))
	}
}
