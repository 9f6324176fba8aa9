package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"nestline/internal/domain"
)

const batchColumns = `id,chamber_id,status,work_order_ids_json,placements_json,metadata_json,metrics_json,COALESCE(created_by,''),confirmed_by,created_at,updated_at`

func scanBatch(row rowScanner) (domain.Batch, error) {
	var b domain.Batch
	var idsJSON, placeJSON, metaJSON, metricsJSON string
	var confirmedBy sql.NullString
	err := row.Scan(&b.ID, &b.ChamberID, &b.Status, &idsJSON, &placeJSON, &metaJSON, &metricsJSON, &b.CreatedBy, &confirmedBy, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if confirmedBy.Valid {
		v := confirmedBy.String
		b.ConfirmedBy = &v
	}
	for name, pair := range map[string]struct {
		raw string
		dst any
	}{
		"work_order_ids": {idsJSON, &b.WorkOrderIDs},
		"placements":     {placeJSON, &b.Placements},
		"metadata":       {metaJSON, &b.Metadata},
		"metrics":        {metricsJSON, &b.Metrics},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dst); err != nil {
			return b, fmt.Errorf("batch %s %s: %w", b.ID, name, err)
		}
	}
	if b.WorkOrderIDs == nil {
		b.WorkOrderIDs = []string{}
	}
	if b.Placements == nil {
		b.Placements = []domain.LayoutPlacement{}
	}
	return b, nil
}

func batchJSON(b domain.Batch) (ids, placements, meta, metrics string, err error) {
	if b.WorkOrderIDs == nil {
		b.WorkOrderIDs = []string{}
	}
	if b.Placements == nil {
		b.Placements = []domain.LayoutPlacement{}
	}
	parts := make([]string, 0, 4)
	for _, v := range []any{b.WorkOrderIDs, b.Placements, b.Metadata, b.Metrics} {
		data, err := json.Marshal(v)
		if err != nil {
			return "", "", "", "", err
		}
		parts = append(parts, string(data))
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

func (r Repo) InsertBatch(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	ids, placements, meta, metrics, err := batchJSON(b)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO batches(id,chamber_id,status,work_order_ids_json,placements_json,metadata_json,metrics_json,created_by,confirmed_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.ChamberID, b.Status, ids, placements, meta, metrics, nullable(b.CreatedBy), nullableStringPtr(b.ConfirmedBy), b.CreatedAt, b.UpdatedAt)
	return err
}

// UpdateBatch rewrites the mutable fields of a batch.
func (r Repo) UpdateBatch(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	ids, placements, meta, metrics, err := batchJSON(b)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE batches SET status=?, work_order_ids_json=?, placements_json=?, metadata_json=?, metrics_json=?, confirmed_by=?, updated_at=? WHERE id=?`,
		b.Status, ids, placements, meta, metrics, nullableStringPtr(b.ConfirmedBy), b.UpdatedAt, b.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetBatch(ctx context.Context, tx *sql.Tx, id string) (domain.Batch, error) {
	return scanBatch(r.conn(tx).QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id))
}

type BatchFilter struct {
	Status    string
	ChamberID string
	Limit     int
}

// ListBatches returns batches newest first.
func (r Repo) ListBatches(ctx context.Context, f BatchFilter) ([]domain.Batch, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ChamberID != "" {
		clauses = append(clauses, "chamber_id=?")
		args = append(args, f.ChamberID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) DeleteBatch(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM batches WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveBatchOnChamber returns the loaded or curing batch of a chamber.
func (r Repo) ActiveBatchOnChamber(ctx context.Context, tx *sql.Tx, chamberID string) (domain.Batch, error) {
	return scanBatch(r.conn(tx).QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE chamber_id=? AND status IN (?,?) LIMIT 1`,
		chamberID, domain.BatchLoaded, domain.BatchCuring))
}
