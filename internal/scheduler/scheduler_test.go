package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"modelbench/internal/domain"
	"modelbench/internal/scheduler"
	"modelbench/internal/signature"
	"modelbench/internal/suite"
)

type fakeStore struct {
	mu         sync.Mutex
	history    map[domain.Signature][]domain.HistoryEntry
	appended   []domain.HistoryEntry
	failAppend bool
}

func (s *fakeStore) LoadHistory(ctx context.Context, suiteID, version string) (map[domain.Signature][]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Signature][]domain.HistoryEntry, len(s.history))
	for k, v := range s.history {
		out[k] = append([]domain.HistoryEntry(nil), v...)
	}
	return out, nil
}

func (s *fakeStore) AppendHistory(ctx context.Context, e domain.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errors.New("disk full")
	}
	s.appended = append(s.appended, e)
	return nil
}

func (s *fakeStore) appendedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

type fakeExecutor struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	delay       time.Duration
	hang        func(w domain.Worker, t domain.Task) bool
	fail        func(w domain.Worker, t domain.Task) error
	correct     func(w domain.Worker, t domain.Task) bool
}

func (e *fakeExecutor) Execute(ctx context.Context, w domain.Worker, t domain.Task) (domain.ExecResult, error) {
	e.mu.Lock()
	e.calls++
	e.inFlight++
	if e.inFlight > e.maxInFlight {
		e.maxInFlight = e.inFlight
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	if e.hang != nil && e.hang(w, t) {
		<-ctx.Done()
		return domain.ExecResult{}, ctx.Err()
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fail != nil {
		if err := e.fail(w, t); err != nil {
			return domain.ExecResult{}, err
		}
	}
	correct := true
	if e.correct != nil {
		correct = e.correct(w, t)
	}
	return domain.ExecResult{Output: "answer from " + w.Name, Correct: correct, Tokens: 10}, nil
}

func (e *fakeExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testSuite(taskPrompts []string, workerNames []string, cfg suite.RunConfig) *suite.Suite {
	s := &suite.Suite{ID: "s1", Mode: domain.ModeQA, Config: cfg}
	for _, n := range workerNames {
		s.Workers = append(s.Workers, domain.Worker{Name: n, Model: "m/" + n})
	}
	for i, p := range taskPrompts {
		s.Tasks = append(s.Tasks, suite.TaskSpec{
			ID:     fmt.Sprintf("t%d", i),
			Prompt: p,
			Accept: []string{"answer"},
		})
	}
	return s
}

// cfg builds a run config with the stagger disabled; tests that exercise the
// staggered startup build their own config.
func cfg(concurrency, reps, timeoutSec int) suite.RunConfig {
	return suite.RunConfig{
		MaxConcurrency:       concurrency,
		RepetitionsPerWorker: reps,
		TimeoutSeconds:       timeoutSec,
		StaggerDelayMs:       -1,
	}
}

func newRunner(t *testing.T, store *fakeStore, exec *fakeExecutor) *scheduler.Runner {
	t.Helper()
	return &scheduler.Runner{Store: store, Executor: exec, Workspace: t.TempDir()}
}

func historyFor(s *suite.Suite, worker string, reps int) map[domain.Signature][]domain.HistoryEntry {
	out := map[domain.Signature][]domain.HistoryEntry{}
	for _, tk := range s.TaskList() {
		sig := signature.Compute(tk.Fields)
		for rep := 0; rep < reps; rep++ {
			out[sig] = append(out[sig], domain.HistoryEntry{
				ID:      int64(rep + 1),
				SuiteID: s.ID,
				Sig:     sig,
				Worker:  worker,
				Rep:     rep,
				TaskID:  tk.ID,
				Mode:    tk.Mode,
				Fields:  signature.Normalize(tk.Fields),
				Output:  "cached answer",
				Correct: true,
			})
		}
	}
	return out
}

func TestFreshRunExecutesEverything(t *testing.T) {
	// Scenario A: 1 task, 2 workers, 3 reps, empty history.
	s := testSuite([]string{"the answer is"}, []string{"x", "y"}, cfg(4, 3, 5))
	store := &fakeStore{}
	exec := &fakeExecutor{}
	runner := newRunner(t, store, exec)

	res, err := runner.Run(context.Background(), s, scheduler.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Plan.Reused != 0 || res.Plan.Execute != 6 {
		t.Fatalf("plan: want {reuse:0, execute:6}, got %+v", res.Plan)
	}
	if len(res.Outcomes) != 6 {
		t.Fatalf("expected 6 outcomes, got %d", len(res.Outcomes))
	}
	if len(res.Rankings) != 2 {
		t.Fatalf("expected 2 ranking entries, got %d", len(res.Rankings))
	}
	if exec.callCount() != 6 {
		t.Fatalf("expected 6 executor calls, got %d", exec.callCount())
	}
	if store.appendedCount() != 6 {
		t.Fatalf("every completed job must append history, got %d", store.appendedCount())
	}
}

func TestRerunReusesHistory(t *testing.T) {
	// Scenario B: rerun with 3 prior successful entries for worker x only.
	s := testSuite([]string{"the answer is"}, []string{"x", "y"}, cfg(4, 3, 5))
	store := &fakeStore{history: historyFor(s, "x", 3)}
	exec := &fakeExecutor{}
	runner := newRunner(t, store, exec)

	res, err := runner.Run(context.Background(), s, scheduler.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	byWorker := map[string]domain.WorkerPlan{}
	for _, w := range res.Plan.Workers {
		byWorker[w.Worker] = w
	}
	if got := byWorker["x"]; got.Reused != 3 || got.Execute != 0 {
		t.Fatalf("worker x: want {reuse:3, execute:0}, got %+v", got)
	}
	if got := byWorker["y"]; got.Reused != 0 || got.Execute != 3 {
		t.Fatalf("worker y: want {reuse:0, execute:3}, got %+v", got)
	}
	if exec.callCount() != 3 {
		t.Fatalf("expected 3 executor calls for y only, got %d", exec.callCount())
	}
	// All reuse outcomes resolve strictly before any execute outcome.
	for i, o := range res.Outcomes {
		if i < 3 && !o.Reused {
			t.Fatalf("outcome %d should be reused: %+v", i, o)
		}
		if i >= 3 && o.Reused {
			t.Fatalf("outcome %d should be executed: %+v", i, o)
		}
	}
}

func TestTimeoutIsolatesJob(t *testing.T) {
	// Scenario C: one job's executor call never resolves, timeout 1s.
	s := testSuite([]string{"hangs here", "the answer is"}, []string{"x"}, cfg(2, 1, 1))
	store := &fakeStore{}
	exec := &fakeExecutor{
		hang: func(w domain.Worker, tk domain.Task) bool { return tk.ID == "t0" },
	}
	runner := newRunner(t, store, exec)

	start := time.Now()
	res, err := runner.Run(context.Background(), s, scheduler.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("batch blocked on the hung job: took %s", elapsed)
	}
	var hung, other *domain.Outcome
	for i := range res.Outcomes {
		if res.Outcomes[i].TaskID == "t0" {
			hung = &res.Outcomes[i]
		} else {
			other = &res.Outcomes[i]
		}
	}
	if hung == nil || !hung.Errored() {
		t.Fatalf("hung job must produce an error outcome: %+v", hung)
	}
	if hung.DurationMs < 900 || hung.DurationMs > 2500 {
		t.Fatalf("timeout duration should be about 1s, got %dms", hung.DurationMs)
	}
	if other == nil || other.Errored() {
		t.Fatalf("other jobs must still complete: %+v", other)
	}
	if store.appendedCount() != 1 {
		t.Fatalf("timed-out job must not reach history, appended %d", store.appendedCount())
	}
}

func TestConcurrencyBound(t *testing.T) {
	s := testSuite([]string{"the answer is"}, []string{"a", "b", "c", "d", "e"}, cfg(3, 2, 5))
	store := &fakeStore{}
	exec := &fakeExecutor{delay: 30 * time.Millisecond}
	runner := newRunner(t, store, exec)

	if _, err := runner.Run(context.Background(), s, scheduler.Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.maxInFlight > 3 {
		t.Fatalf("concurrency bound violated: %d jobs in flight", exec.maxInFlight)
	}
}

type startRecorder struct {
	scheduler.NopObserver
	mu    sync.Mutex
	order []string
}

func (r *startRecorder) JobStarted(j domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, fmt.Sprintf("%d/%d/%s", j.Unit.Rep, j.Unit.TaskIndex, j.Unit.Worker.Name))
}

func TestFairnessOrder(t *testing.T) {
	// With one runner, dispatch order is the queue order: every pair's
	// repetition #0 before any pair's repetition #1.
	s := testSuite([]string{"the answer is", "also the answer is"}, []string{"b", "a"}, cfg(1, 2, 5))
	store := &fakeStore{}
	exec := &fakeExecutor{}
	rec := &startRecorder{}
	runner := newRunner(t, store, exec)
	runner.Observer = rec

	if _, err := runner.Run(context.Background(), s, scheduler.Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"0/0/a", "0/0/b", "0/1/a", "0/1/b",
		"1/0/a", "1/0/b", "1/1/a", "1/1/b",
	}
	if len(rec.order) != len(want) {
		t.Fatalf("expected %d starts, got %d", len(want), len(rec.order))
	}
	for i := range want {
		if rec.order[i] != want[i] {
			t.Fatalf("dispatch order[%d]: want %s got %s (full: %v)", i, want[i], rec.order[i], rec.order)
		}
	}
}

func TestHistoryMismatchIsFatal(t *testing.T) {
	s := testSuite([]string{"the answer is"}, []string{"x"}, cfg(1, 1, 5))
	history := historyFor(s, "x", 1)
	for sig := range history {
		history[sig][0].Fields.Prompt = "a different prompt entirely"
	}
	store := &fakeStore{history: history}
	exec := &fakeExecutor{}
	runner := newRunner(t, store, exec)

	_, err := runner.Run(context.Background(), s, scheduler.Options{})
	if !errors.Is(err, scheduler.ErrHistoryMismatch) {
		t.Fatalf("expected ErrHistoryMismatch, got %v", err)
	}
	if exec.callCount() != 0 {
		t.Fatalf("no execute job may start after a mismatch, got %d calls", exec.callCount())
	}
}

func TestExecutorFailureIsIsolated(t *testing.T) {
	s := testSuite([]string{"the answer is"}, []string{"x", "y"}, cfg(2, 1, 5))
	store := &fakeStore{}
	exec := &fakeExecutor{
		fail: func(w domain.Worker, tk domain.Task) error {
			if w.Name == "x" {
				return errors.New("upstream 500")
			}
			return nil
		},
	}
	runner := newRunner(t, store, exec)

	res, err := runner.Run(context.Background(), s, scheduler.Options{})
	if err != nil {
		t.Fatalf("per-job failures must not escape the pool: %v", err)
	}
	var failed, ok int
	for _, o := range res.Outcomes {
		if o.Errored() {
			failed++
		} else {
			ok++
		}
	}
	if failed != 1 || ok != 1 {
		t.Fatalf("want 1 failed and 1 ok outcome, got %d/%d", failed, ok)
	}
	if store.appendedCount() != 1 {
		t.Fatalf("failed job must stay out of history, appended %d", store.appendedCount())
	}
}

func TestAppendFailureMarksJobErrored(t *testing.T) {
	s := testSuite([]string{"the answer is"}, []string{"x"}, cfg(1, 1, 5))
	store := &fakeStore{failAppend: true}
	runner := newRunner(t, store, &fakeExecutor{})

	res, err := runner.Run(context.Background(), s, scheduler.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Outcomes[0].Errored() {
		t.Fatalf("job is complete only once its history entry is durable")
	}
}

func TestExportArtifactsWritten(t *testing.T) {
	s := testSuite([]string{"the answer is"}, []string{"x"}, cfg(1, 1, 5))
	store := &fakeStore{}
	runner := newRunner(t, store, &fakeExecutor{})

	res, err := runner.Run(context.Background(), s, scheduler.Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.ExportErrs) != 0 {
		t.Fatalf("unexpected export errors: %v", res.ExportErrs)
	}
	for _, p := range []string{res.OutcomesPath, res.RankingsPath} {
		if p == "" {
			t.Fatalf("export path not set")
		}
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("artifact missing: %v", err)
		}
		if filepath.Ext(p) != ".json" {
			t.Fatalf("unexpected artifact %s", p)
		}
	}
}

func TestVersionLabelIsolatesScope(t *testing.T) {
	s := testSuite([]string{"the answer is"}, []string{"x"}, cfg(1, 1, 5))
	store := &fakeStore{}
	runner := newRunner(t, store, &fakeExecutor{})

	res, err := runner.Run(context.Background(), s, scheduler.Options{Version: "v2"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Version != "v2" {
		t.Fatalf("version label not applied: %q", res.Version)
	}
	if store.appended[0].Version != "v2" {
		t.Fatalf("history entry must carry the version label, got %q", store.appended[0].Version)
	}
}

func TestConfigOverrideIsNormalized(t *testing.T) {
	// A partial override leaves concurrency and timeout at zero; both must
	// fall back to defaults instead of starving the pool or timing every job
	// out instantly.
	s := testSuite([]string{"the answer is"}, []string{"x"}, cfg(4, 1, 5))
	store := &fakeStore{}
	exec := &fakeExecutor{}
	runner := newRunner(t, store, exec)

	res, err := runner.Run(context.Background(), s, scheduler.Options{
		Config: &suite.RunConfig{RepetitionsPerWorker: 2},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Plan.Execute != 2 {
		t.Fatalf("plan: want 2 execute jobs, got %+v", res.Plan)
	}
	if len(res.Outcomes) != 2 || exec.callCount() != 2 {
		t.Fatalf("planned 2 execute jobs, got %d outcomes and %d calls", len(res.Outcomes), exec.callCount())
	}
	for _, o := range res.Outcomes {
		if o.Errored() {
			t.Fatalf("job failed under default timeout: %+v", o)
		}
	}
	if res.Config.MaxConcurrency != 4 || res.Config.TimeoutSeconds != 120 {
		t.Fatalf("override not normalized: %+v", res.Config)
	}
}

type startTimes struct {
	scheduler.NopObserver
	mu sync.Mutex
	at []time.Time
}

func (r *startTimes) JobStarted(domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.at = append(r.at, time.Now())
}

func TestStaggeredStartup(t *testing.T) {
	// Two runners, two jobs, 200ms stagger. The first job occupies runner 0
	// well past the stagger window, so the second start time shows when
	// runner 1 woke up: one stagger delay in, not after the first job ended.
	s := testSuite([]string{"the answer is", "also the answer is"}, []string{"x"}, suite.RunConfig{
		MaxConcurrency:       2,
		RepetitionsPerWorker: 1,
		TimeoutSeconds:       5,
		StaggerDelayMs:       200,
	})
	store := &fakeStore{}
	exec := &fakeExecutor{delay: 600 * time.Millisecond}
	rec := &startTimes{}
	runner := newRunner(t, store, exec)
	runner.Observer = rec

	if _, err := runner.Run(context.Background(), s, scheduler.Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.at) != 2 {
		t.Fatalf("expected 2 job starts, got %d", len(rec.at))
	}
	gap := rec.at[1].Sub(rec.at[0])
	if gap < 150*time.Millisecond {
		t.Fatalf("second runner started %s after the first; it must wait one stagger delay", gap)
	}
	if gap > 450*time.Millisecond {
		t.Fatalf("second runner started %s after the first; it must not wait for the first job to finish", gap)
	}
}
