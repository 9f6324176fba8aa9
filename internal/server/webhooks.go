package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nestline/internal/config"
	"nestline/internal/domain"
	"nestline/internal/engine"
)

const (
	webhookInterval = 2 * time.Second
	webhookTimeout  = 5 * time.Second
	webhookPage     = 100
)

// hookTarget is one enabled webhook and its delivery cursor. The cursor is
// primed with the newest event id on the first poll so only events written
// after startup are sent.
type hookTarget struct {
	url    string
	secret string
	filter eventFilter
	client *http.Client
	cursor int64
	primed bool
}

// webhookDispatcher polls the event log and posts batch and catalog events
// to each hook in id order. A failed delivery stops that hook until the next
// tick, so events are never skipped.
type webhookDispatcher struct {
	engine engine.Engine
	hooks  []*hookTarget
	logger *log.Logger
}

func newWebhookDispatcher(e engine.Engine, logger *log.Logger) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &webhookDispatcher{engine: e, logger: logger}
	for _, hook := range e.Config.Webhooks {
		if t := newHookTarget(hook); t != nil {
			d.hooks = append(d.hooks, t)
		}
	}
	return d
}

func newHookTarget(hook config.WebhookConfig) *hookTarget {
	if hook.Enabled != nil && !*hook.Enabled {
		return nil
	}
	url := strings.TrimSpace(hook.URL)
	if url == "" {
		return nil
	}
	timeout := webhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &hookTarget{
		url:    url,
		secret: strings.TrimSpace(hook.Secret),
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

func startWebhookDispatcher(e engine.Engine, logger *log.Logger) {
	d := newWebhookDispatcher(e, logger)
	if d == nil || len(d.hooks) == 0 {
		return
	}
	go d.run(context.Background())
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(webhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, t := range d.hooks {
		if err := d.dispatch(ctx, t); err != nil {
			d.logger.Printf("webhook %s: %v", t.url, err)
		}
	}
}

func (d *webhookDispatcher) dispatch(ctx context.Context, t *hookTarget) error {
	if !t.primed {
		latest, err := d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		t.cursor, t.primed = latest, true
	}
	events, err := d.engine.Repo.EventsAfter(ctx, webhookPage, t.cursor)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	for _, evt := range events {
		if t.filter.match(evt.Type) {
			if err := t.post(ctx, evt); err != nil {
				return fmt.Errorf("deliver event=%d: %w", evt.ID, err)
			}
		}
		t.cursor = evt.ID
	}
	return nil
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func toWebhookEvent(evt domain.Event) webhookEvent {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

// signBody returns the hex HMAC-SHA256 of body under secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (t *hookTarget) post(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(toWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Nestline-Event", evt.Type)
	req.Header.Set("X-Nestline-Delivery", strconv.FormatInt(evt.ID, 10))
	if t.secret != "" {
		req.Header.Set("X-Nestline-Signature", "sha256="+signBody(t.secret, data))
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// eventFilter matches event types exactly or by a "kind.*" prefix. An empty
// filter matches everything.
type eventFilter struct {
	exact    map[string]bool
	prefixes []string
}

func newEventFilter(events []string) eventFilter {
	f := eventFilter{exact: map[string]bool{}}
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		switch {
		case key == "":
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.exact[key] = true
		}
	}
	return f
}

func (f eventFilter) match(evt string) bool {
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		return true
	}
	if f.exact[evt] {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(evt, p) {
			return true
		}
	}
	return false
}
