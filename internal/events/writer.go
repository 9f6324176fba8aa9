package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	WorkOrderUpserted  = "work_order.upserted"
	WorkOrderImported  = "work_order.imported"
	ChamberUpserted    = "chamber.upserted"
	ChamberStatus      = "chamber.status_changed"
	StandsReplaced     = "chamber.stands_replaced"
	BatchGenerated     = "batch.generated"
	BatchLayoutUpdated = "batch.layout_updated"
	BatchValidated     = "batch.validated"
	BatchPromoted      = "batch.promoted"
	BatchConfirmed     = "batch.confirmed"
	BatchLoaded        = "batch.loaded"
	BatchCureStarted   = "batch.cure_started"
	BatchTerminated    = "batch.terminated"
	BatchDeleted       = "batch.deleted"
	APIKeyCreated      = "api_key.created"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside tx so it commits with the state change it
// describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
