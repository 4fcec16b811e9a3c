package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"modelbench/internal/domain"
)

// InsertRun records a finished run together with its outcomes in one
// transaction.
func (r Repo) InsertRun(ctx context.Context, run domain.Run, outcomes []domain.Outcome) error {
	roster, err := json.Marshal(run.Workers)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,suite_id,version,mode,config_json,roster_json,reused,executed,errored,started_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.SuiteID, run.Version, string(run.Mode), run.ConfigJSON, string(roster),
		run.Reused, run.Executed, run.Errored, run.StartedAt, run.FinishedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, o := range outcomes {
		payload, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO outcomes(run_id,task_idx,task_id,worker,rep,signature,kind,reused,error,payload_json,duration_ms,cost,tokens)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			run.ID, o.TaskIndex, o.TaskID, o.Worker, o.Rep, string(o.Sig), string(o.Kind),
			boolInt(o.Reused), o.Err, string(payload), o.DurationMs, o.Cost, o.Tokens); err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	return tx.Commit()
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var roster string
	err := scan(&run.ID, &run.SuiteID, &run.Version, &run.Mode, &run.ConfigJSON, &roster,
		&run.Reused, &run.Executed, &run.Errored, &run.StartedAt, &run.FinishedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(roster), &run.Workers); err != nil {
		return run, fmt.Errorf("decode roster for run %s: %w", run.ID, err)
	}
	return run, nil
}

const runColumns = `id,suite_id,version,mode,config_json,roster_json,reused,executed,errored,started_at,finished_at`

// GetRun returns one run by id.
func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// ListRuns returns runs newest first.
func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListOutcomes returns a run's outcomes in recorded order.
func (r Repo) ListOutcomes(ctx context.Context, runID string) ([]domain.Outcome, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT payload_json FROM outcomes WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Outcome
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var o domain.Outcome
		if err := json.Unmarshal([]byte(payload), &o); err != nil {
			return nil, fmt.Errorf("decode outcome for run %s: %w", runID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// TailEvents returns the most recent lifecycle events, newest first.
func (r Repo) TailEvents(ctx context.Context, runID string, n int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM events`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id DESC`
	if n > 0 {
		query += ` LIMIT ?`
		args = append(args, n)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
