package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ReconciliationRun is one completed reconciliation pass.
type ReconciliationRun struct {
	ID             int64     `json:"id"`
	Scope          string    `json:"scope"` // "all" or a user id
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	UsersProcessed int       `json:"users_processed"`
	TradesUpdated  int       `json:"trades_updated"`
	Errors         []string  `json:"errors"`
}

// RecordReconciliation appends a run to the history.
func (d *Database) RecordReconciliation(ctx context.Context, r ReconciliationRun) (int64, error) {
	errs, err := json.Marshal(r.Errors)
	if err != nil {
		return 0, err
	}
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_runs (scope, started_at, finished_at, users_processed, trades_updated, errors)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.Scope, millis(r.StartedAt), millis(r.FinishedAt), r.UsersProcessed, r.TradesUpdated, string(errs))
	if err != nil {
		return 0, fmt.Errorf("record reconciliation: %w", err)
	}
	return res.LastInsertId()
}

// LastReconciliation returns the most recent run or ErrNotFound.
func (d *Database) LastReconciliation(ctx context.Context) (ReconciliationRun, error) {
	var (
		r                 ReconciliationRun
		started, finished int64
		errs              string
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, scope, started_at, finished_at, users_processed, trades_updated, errors
		FROM reconciliation_runs ORDER BY id DESC LIMIT 1
	`).Scan(&r.ID, &r.Scope, &started, &finished, &r.UsersProcessed, &r.TradesUpdated, &errs)
	if errors.Is(err, sql.ErrNoRows) {
		return ReconciliationRun{}, ErrNotFound
	}
	if err != nil {
		return ReconciliationRun{}, fmt.Errorf("last reconciliation: %w", err)
	}
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromMillis(finished)
	if err := json.Unmarshal([]byte(errs), &r.Errors); err != nil {
		return ReconciliationRun{}, fmt.Errorf("decode errors: %w", err)
	}
	return r, nil
}
