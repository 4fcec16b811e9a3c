package repo_test

import (
	"context"
	"testing"
	"time"

	"modelbench/internal/db"
	"modelbench/internal/domain"
	"modelbench/internal/migrate"
	"modelbench/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func entry(sig domain.Signature, worker string, rep int, createdAt string) domain.HistoryEntry {
	return domain.HistoryEntry{
		SuiteID:    "s1",
		Sig:        sig,
		Worker:     worker,
		Rep:        rep,
		TaskID:     "t1",
		Mode:       domain.ModeQA,
		Fields:     domain.TaskFields{Prompt: "p", Accept: []string{"a"}},
		Output:     "out",
		Correct:    true,
		DurationMs: 42,
		Tokens:     10,
		CreatedAt:  createdAt,
	}
}

func TestAppendAndLoadHistory(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	sig := domain.Signature("abc")

	if err := r.AppendHistory(ctx, entry(sig, "x", 0, "2026-01-01T00:00:00Z")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := r.AppendHistory(ctx, entry(sig, "x", 1, "2026-01-02T00:00:00Z")); err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := r.LoadHistory(ctx, "s1", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	entries := loaded[sig]
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Most recently written wins: newest first in store order.
	if entries[0].CreatedAt != "2026-01-02T00:00:00Z" {
		t.Fatalf("expected newest entry first, got %s", entries[0].CreatedAt)
	}
	if entries[0].Fields.Prompt != "p" || !entries[0].Correct || entries[0].DurationMs != 42 {
		t.Fatalf("round trip lost fields: %+v", entries[0])
	}
}

func TestLoadHistoryScopedBySuiteAndVersion(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	sig := domain.Signature("abc")

	e := entry(sig, "x", 0, "2026-01-01T00:00:00Z")
	if err := r.AppendHistory(ctx, e); err != nil {
		t.Fatal(err)
	}
	e2 := e
	e2.Version = "v2"
	if err := r.AppendHistory(ctx, e2); err != nil {
		t.Fatal(err)
	}

	base, err := r.LoadHistory(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(base[sig]) != 1 {
		t.Fatalf("unversioned scope should see 1 entry, got %d", len(base[sig]))
	}
	other, err := r.LoadHistory(ctx, "s1", "v3")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("foreign version scope should be empty, got %d signatures", len(other))
	}
}

func TestLoadHistorySkipsUnreadableRecords(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	sig := domain.Signature("abc")

	if err := r.AppendHistory(ctx, entry(sig, "x", 0, "2026-01-01T00:00:00Z")); err != nil {
		t.Fatal(err)
	}
	// A foreign-format row: defining fields are not valid JSON.
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO history(suite_id,version,signature,worker,rep,task_id,mode,fields_json,output,correct,duration_ms,created_at)
VALUES ('s1','','abc','x',1,'t1','qa','{not json','out',1,1,'2026-01-02T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}

	loaded, err := r.LoadHistory(ctx, "s1", "")
	if err != nil {
		t.Fatalf("load must tolerate unreadable records: %v", err)
	}
	if len(loaded[sig]) != 1 {
		t.Fatalf("expected the bad record to be skipped, got %d entries", len(loaded[sig]))
	}
}

func TestPruneAndCountHistory(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for rep := 0; rep < 3; rep++ {
		if err := r.AppendHistory(ctx, entry("abc", "x", rep, time.Now().UTC().Format(time.RFC3339))); err != nil {
			t.Fatal(err)
		}
	}
	counts, err := r.CountHistory(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if counts["x"] != 3 {
		t.Fatalf("count: want 3 got %d", counts["x"])
	}
	n, err := r.PruneHistory(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("prune: want 3 got %d", n)
	}
	loaded, err := r.LoadHistory(ctx, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 0 {
		t.Fatalf("history should be empty after prune")
	}
}

func TestInsertRunRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	run := domain.Run{
		ID:         "run-1",
		SuiteID:    "s1",
		Mode:       domain.ModeQA,
		Workers:    []domain.Worker{{Name: "x", Model: "m/x"}},
		Reused:     1,
		Executed:   2,
		Errored:    1,
		StartedAt:  "2026-01-01T00:00:00Z",
		FinishedAt: "2026-01-01T00:01:00Z",
		ConfigJSON: "{}",
	}
	outcomes := []domain.Outcome{
		{TaskID: "t1", Worker: "x", Kind: domain.ModeQA, QA: &domain.QAOutcome{Output: "o", Correct: true}, DurationMs: 5},
		{TaskID: "t1", Worker: "x", Rep: 1, Kind: domain.ModeQA, Err: "timed out", DurationMs: 1000},
	}
	if err := r.InsertRun(ctx, run, outcomes); err != nil {
		t.Fatalf("insert run: %v", err)
	}

	got, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.SuiteID != "s1" || len(got.Workers) != 1 || got.Errored != 1 {
		t.Fatalf("run round trip: %+v", got)
	}

	list, err := r.ListRuns(ctx, 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("list runs: %v %d", err, len(list))
	}

	outs, err := r.ListOutcomes(ctx, "run-1")
	if err != nil {
		t.Fatalf("list outcomes: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outs))
	}
	if outs[0].QA == nil || !outs[0].QA.Correct {
		t.Fatalf("first outcome lost its variant: %+v", outs[0])
	}
	if outs[1].Err != "timed out" {
		t.Fatalf("second outcome lost its error: %+v", outs[1])
	}

	if _, err := r.GetRun(ctx, "missing"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
