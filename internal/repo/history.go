package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modelbench/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const historyColumns = `id,suite_id,version,signature,worker,rep,task_id,mode,fields_json,output,correct,baseline_ns,optim_ns,duration_ms,cost,tokens,created_at`

// LoadHistory returns all recorded entries for the (suite, version) scope,
// keyed by signature. Within a signature, entries are ordered most recent
// first (created_at DESC, id DESC); reuse consumes them in that order, which
// makes "most-recently-written wins" the tie-break when older runs disagree.
// Rows whose recorded defining fields fail to decode are skipped silently;
// semantic divergence is detected at scheduling time, not here.
func (r Repo) LoadHistory(ctx context.Context, suiteID, version string) (map[domain.Signature][]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+historyColumns+` FROM history
WHERE suite_id=? AND version=? ORDER BY created_at DESC, id DESC`, suiteID, version)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Signature][]domain.HistoryEntry)
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			if errors.Is(err, errBadRecord) {
				continue
			}
			return nil, err
		}
		out[e.Sig] = append(out[e.Sig], e)
	}
	return out, rows.Err()
}

// AppendHistory durably records one completed execution. The insert commits
// before returning, so a partially finished run retains all completed work.
func (r Repo) AppendHistory(ctx context.Context, e domain.HistoryEntry) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("marshal defining fields: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO history(suite_id,version,signature,worker,rep,task_id,mode,fields_json,output,correct,baseline_ns,optim_ns,duration_ms,cost,tokens,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.SuiteID, e.Version, string(e.Sig), e.Worker, e.Rep, e.TaskID, string(e.Mode), string(fields),
		e.Output, boolInt(e.Correct), e.BaselineNs, e.OptimNs, e.DurationMs, e.Cost, e.Tokens, createdAt)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns entries for a scope in store order, for inspection.
func (r Repo) ListHistory(ctx context.Context, suiteID, version string, limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM history WHERE suite_id=? AND version=? ORDER BY created_at DESC, id DESC`
	args := []any{suiteID, version}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			if errors.Is(err, errBadRecord) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneHistory deletes all entries in a scope and returns the count removed.
func (r Repo) PruneHistory(ctx context.Context, suiteID, version string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM history WHERE suite_id=? AND version=?`, suiteID, version)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountHistory returns per-worker entry counts for a scope.
func (r Repo) CountHistory(ctx context.Context, suiteID, version string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT worker, COUNT(*) FROM history WHERE suite_id=? AND version=? GROUP BY worker`, suiteID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var w string
		var n int
		if err := rows.Scan(&w, &n); err != nil {
			return nil, err
		}
		out[w] = n
	}
	return out, rows.Err()
}

var errBadRecord = errors.New("unreadable history record")

func scanHistory(rows *sql.Rows) (domain.HistoryEntry, error) {
	var e domain.HistoryEntry
	var fieldsJSON string
	var correct int
	err := rows.Scan(&e.ID, &e.SuiteID, &e.Version, &e.Sig, &e.Worker, &e.Rep, &e.TaskID, &e.Mode,
		&fieldsJSON, &e.Output, &correct, &e.BaselineNs, &e.OptimNs, &e.DurationMs, &e.Cost, &e.Tokens, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.Correct = correct != 0
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return e, errBadRecord
	}
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
