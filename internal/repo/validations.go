package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"nestline/internal/domain"
)

func scanValidationReport(row rowScanner) (domain.ValidationReport, error) {
	var (
		v          domain.ValidationReport
		resultJSON string
	)
	err := row.Scan(&v.ID, &v.BatchID, &resultJSON, &v.CreatedBy, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(resultJSON), &v.Result); err != nil {
		return v, err
	}
	return v, nil
}

func (r Repo) InsertValidationReport(ctx context.Context, tx *sql.Tx, v domain.ValidationReport) error {
	data, err := json.Marshal(v.Result)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO validations(id, batch_id, result_json, created_by, created_at) VALUES (?,?,?,?,?)`,
		v.ID, v.BatchID, string(data), v.CreatedBy, v.CreatedAt)
	return err
}

func (r Repo) GetValidationReport(ctx context.Context, id string) (domain.ValidationReport, error) {
	return scanValidationReport(r.DB.QueryRowContext(ctx, `SELECT id, batch_id, result_json, created_by, created_at FROM validations WHERE id=?`, id))
}

// LatestValidationReport returns the newest report stored for a batch.
func (r Repo) LatestValidationReport(ctx context.Context, tx *sql.Tx, batchID string) (domain.ValidationReport, error) {
	return scanValidationReport(r.conn(tx).QueryRowContext(ctx, `SELECT id, batch_id, result_json, created_by, created_at
FROM validations WHERE batch_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, batchID))
}

func (r Repo) ListValidationReports(ctx context.Context, batchID string) ([]domain.ValidationReport, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, batch_id, result_json, created_by, created_at
FROM validations WHERE batch_id=? ORDER BY created_at ASC, rowid ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.ValidationReport{}
	for rows.Next() {
		v, err := scanValidationReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
