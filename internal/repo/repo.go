package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"nestline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// conn runs on tx when given, on the pool otherwise.
func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const workOrderColumns = `id,status,priority,COALESCE(part_number,''),COALESCE(tool_id,''),weight_kg,width_mm,length_mm,valves,COALESCE(cure_cycle,''),created_at,updated_at`

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	err := row.Scan(&wo.ID, &wo.Status, &wo.Priority, &wo.PartNumber, &wo.ToolID, &wo.WeightKg,
		&wo.WidthMM, &wo.LengthMM, &wo.Valves, &wo.CureCycle, &wo.CreatedAt, &wo.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wo, ErrNotFound
	}
	return wo, err
}

// UpsertWorkOrder inserts a work order or replaces its attributes. CreatedAt
// is kept on update.
func (r Repo) UpsertWorkOrder(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO work_orders(id,status,priority,part_number,tool_id,weight_kg,width_mm,length_mm,valves,cure_cycle,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, priority=excluded.priority, part_number=excluded.part_number,
  tool_id=excluded.tool_id, weight_kg=excluded.weight_kg, width_mm=excluded.width_mm, length_mm=excluded.length_mm,
  valves=excluded.valves, cure_cycle=excluded.cure_cycle, updated_at=excluded.updated_at`,
		wo.ID, wo.Status, wo.Priority, nullable(wo.PartNumber), nullable(wo.ToolID), wo.WeightKg, wo.WidthMM, wo.LengthMM,
		wo.Valves, nullable(wo.CureCycle), wo.CreatedAt, wo.UpdatedAt)
	return err
}

func (r Repo) GetWorkOrder(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	return scanWorkOrder(r.conn(tx).QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=?`, id))
}

type WorkOrderFilter struct {
	Status string
	IDs    []string
}

// ListWorkOrders returns work orders by priority (highest first), then id.
func (r Repo) ListWorkOrders(ctx context.Context, tx *sql.Tx, f WorkOrderFilter) ([]domain.WorkOrder, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(f.IDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("id IN (%s)", placeholders(len(f.IDs))))
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY priority DESC, id ASC`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.WorkOrder{}
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wo)
	}
	return res, rows.Err()
}

// SetWorkOrderStatus updates the status of every listed work order.
func (r Repo) SetWorkOrderStatus(ctx context.Context, tx *sql.Tx, ids []string, status, updatedAt string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{status, updatedAt}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.conn(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE work_orders SET status=?, updated_at=? WHERE id IN (%s)`, placeholders(len(ids))), args...)
	return err
}

const chamberColumns = `id,name,width_mm,length_mm,max_load_kg,vacuum_lines,status,created_at,updated_at`

func scanChamber(row rowScanner) (domain.Chamber, error) {
	var c domain.Chamber
	err := row.Scan(&c.ID, &c.Name, &c.WidthMM, &c.LengthMM, &c.MaxLoadKg, &c.VacuumLines, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) UpsertChamber(ctx context.Context, tx *sql.Tx, c domain.Chamber) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO chambers(id,name,width_mm,length_mm,max_load_kg,vacuum_lines,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, width_mm=excluded.width_mm, length_mm=excluded.length_mm,
  max_load_kg=excluded.max_load_kg, vacuum_lines=excluded.vacuum_lines, status=excluded.status, updated_at=excluded.updated_at`,
		c.ID, c.Name, c.WidthMM, c.LengthMM, c.MaxLoadKg, c.VacuumLines, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetChamber(ctx context.Context, tx *sql.Tx, id string) (domain.Chamber, error) {
	return scanChamber(r.conn(tx).QueryRowContext(ctx, `SELECT `+chamberColumns+` FROM chambers WHERE id=?`, id))
}

func (r Repo) ListChambers(ctx context.Context) ([]domain.Chamber, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+chamberColumns+` FROM chambers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Chamber{}
	for rows.Next() {
		c, err := scanChamber(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SetChamberStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE chambers SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceStands swaps the support stands of a chamber.
func (r Repo) ReplaceStands(ctx context.Context, tx *sql.Tx, chamberID string, stands []domain.SupportStand) error {
	c := r.conn(tx)
	if _, err := c.ExecContext(ctx, `DELETE FROM support_stands WHERE chamber_id=?`, chamberID); err != nil {
		return err
	}
	for _, s := range stands {
		if _, err := c.ExecContext(ctx, `INSERT INTO support_stands(id,chamber_id,x,y,width_mm,length_mm) VALUES (?,?,?,?,?,?)`,
			s.ID, chamberID, s.X, s.Y, s.WidthMM, s.LengthMM); err != nil {
			return fmt.Errorf("insert stand %s: %w", s.ID, err)
		}
	}
	return nil
}

func (r Repo) ListStands(ctx context.Context, tx *sql.Tx, chamberID string) ([]domain.SupportStand, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,chamber_id,x,y,width_mm,length_mm FROM support_stands WHERE chamber_id=? ORDER BY id ASC`, chamberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.SupportStand{}
	for rows.Next() {
		var s domain.SupportStand
		if err := rows.Scan(&s.ID, &s.ChamberID, &s.X, &s.Y, &s.WidthMM, &s.LengthMM); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

type EventFilter struct {
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns events newest first. A positive cursor returns events
// older than it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
