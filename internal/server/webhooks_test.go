package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"nestline/internal/config"
	"nestline/internal/domain"
)

type delivery struct {
	event     string
	signature string
	raw       []byte
	body      webhookEvent
}

func newHookServer(t *testing.T, status int) (*httptest.Server, func() []delivery) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []delivery
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		mu.Lock()
		seen = append(seen, delivery{event: r.Header.Get("X-Nestline-Event"), signature: r.Header.Get("X-Nestline-Signature"), raw: data, body: evt})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	return srv, func() []delivery {
		mu.Lock()
		defer mu.Unlock()
		return append([]delivery(nil), seen...)
	}
}

func TestWebhookDeliversFilteredEventsAfterStart(t *testing.T) {
	e, closeDB := newTestEngine(t)
	defer closeDB()
	ctx := context.Background()

	if _, err := e.UpsertChamber(ctx, domain.Chamber{ID: "AC-0", Name: "Old", WidthMM: 1000, LengthMM: 1000, MaxLoadKg: 100, VacuumLines: 2}, "setup"); err != nil {
		t.Fatalf("seed chamber: %v", err)
	}

	hook, deliveries := newHookServer(t, http.StatusOK)
	defer hook.Close()
	e.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"work_order.upserted"}, Secret: "s3cret"}}

	d := newWebhookDispatcher(e, nil)
	if d == nil {
		t.Fatal("dispatcher not created")
	}
	d.dispatchAll(ctx)
	if got := deliveries(); len(got) != 0 {
		t.Fatalf("events before start must be skipped, got %d", len(got))
	}

	if _, err := e.UpsertWorkOrder(ctx, domain.WorkOrder{ID: "WO-1", WeightKg: 10, WidthMM: 100, LengthMM: 100, Valves: 1, CureCycle: "C180"}, "planner"); err != nil {
		t.Fatalf("upsert work order: %v", err)
	}
	if _, err := e.UpsertChamber(ctx, domain.Chamber{ID: "AC-1", Name: "New", WidthMM: 1000, LengthMM: 1000, MaxLoadKg: 100, VacuumLines: 2}, "planner"); err != nil {
		t.Fatalf("upsert chamber: %v", err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	got := deliveries()
	if len(got) != 1 {
		t.Fatalf("deliveries %d, want 1", len(got))
	}
	if got[0].event != "work_order.upserted" {
		t.Fatalf("unexpected event header: %q", got[0].event)
	}
	if want := "sha256=" + signBody("s3cret", got[0].raw); got[0].signature != want {
		t.Fatalf("signature %q, want %q", got[0].signature, want)
	}
	if got[0].body.EntityID != "WO-1" || got[0].body.ActorID != "planner" {
		t.Fatalf("unexpected delivery body: %+v", got[0].body)
	}
}

func TestWebhookFailureKeepsCursor(t *testing.T) {
	e, closeDB := newTestEngine(t)
	defer closeDB()
	ctx := context.Background()

	hook, deliveries := newHookServer(t, http.StatusInternalServerError)
	defer hook.Close()
	e.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL}}

	d := newWebhookDispatcher(e, nil)
	d.dispatchAll(ctx)
	if _, err := e.UpsertWorkOrder(ctx, domain.WorkOrder{ID: "WO-1", WeightKg: 10, WidthMM: 100, LengthMM: 100}, "planner"); err != nil {
		t.Fatalf("upsert work order: %v", err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	if got := deliveries(); len(got) != 2 {
		t.Fatalf("failed delivery must be retried, got %d attempts", len(got))
	}
}

func TestWebhookDisabledOrUnconfigured(t *testing.T) {
	e, closeDB := newTestEngine(t)
	defer closeDB()

	if d := newWebhookDispatcher(e, nil); d != nil {
		t.Fatal("dispatcher without hooks must be nil")
	}
	off := false
	e.Config.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}}
	d := newWebhookDispatcher(e, nil)
	if len(d.hooks) != 0 {
		t.Fatal("disabled hook must not be polled")
	}
}

func TestEventFilter(t *testing.T) {
	if !newEventFilter(nil).match("batch.confirmed") {
		t.Fatal("empty filter matches everything")
	}
	if !newEventFilter([]string{" ", ""}).match("batch.confirmed") {
		t.Fatal("blank filter matches everything")
	}
	f := newEventFilter([]string{"batch.confirmed", " batch.loaded "})
	if !f.match("batch.loaded") || f.match("batch.generated") {
		t.Fatal("filter mismatch")
	}
	f = newEventFilter([]string{"chamber.*"})
	if !f.match("chamber.stands_replaced") || f.match("batch.loaded") {
		t.Fatal("prefix filter mismatch")
	}
}
