// Package scheduler plans and runs one benchmark batch: it splits requested
// repetitions into history-satisfied and must-execute jobs, resolves reuse
// synchronously, drains fresh work under bounded concurrency, and hands the
// outcome stream to the aggregator.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"modelbench/internal/db"
	"modelbench/internal/domain"
	"modelbench/internal/plan"
	"modelbench/internal/rank"
	"modelbench/internal/signature"
	"modelbench/internal/suite"
)

// Store is the Result Store capability the scheduler consumes. The backing
// mechanism is swappable without touching scheduling logic.
type Store interface {
	LoadHistory(ctx context.Context, suiteID, version string) (map[domain.Signature][]domain.HistoryEntry, error)
	AppendHistory(ctx context.Context, e domain.HistoryEntry) error
}

// Executor performs one worker invocation and scores the answer. The
// scheduler treats it as opaque: it either completes or fails within the
// caller-supplied deadline.
type Executor interface {
	Execute(ctx context.Context, w domain.Worker, t domain.Task) (domain.ExecResult, error)
}

// RunSink optionally persists the finished run and its outcomes. Failures
// are reported, never fatal.
type RunSink interface {
	InsertRun(ctx context.Context, run domain.Run, outcomes []domain.Outcome) error
}

// Runner is the scheduler entry point. All configuration is passed in
// explicitly; there is no ambient global state.
type Runner struct {
	Store    Store
	Executor Executor
	Observer Observer // optional
	Sink     RunSink  // optional

	// Workspace is the export root for run artifacts.
	Workspace string

	Now func() time.Time
}

// Options modify a single invocation.
type Options struct {
	// RunID names the run up front so observers can tag events with it;
	// a fresh id is minted when empty.
	RunID string
	// Version overrides the suite's version label, isolating history.
	Version string
	// Config overrides the suite's run configuration.
	Config *suite.RunConfig
}

// Result is everything one invocation produced.
type Result struct {
	RunID    string                `json:"run_id"`
	SuiteID  string                `json:"suite_id"`
	Version  string                `json:"version,omitempty"`
	Mode     domain.Mode           `json:"mode"`
	Config   suite.RunConfig       `json:"config"`
	Plan     domain.Plan           `json:"plan"`
	Outcomes []domain.Outcome      `json:"outcomes"`
	Rankings []domain.RankingEntry `json:"rankings"`

	OutcomesPath string `json:"outcomes_path,omitempty"`
	RankingsPath string `json:"rankings_path,omitempty"`
	// ExportErrs collects non-fatal persistence failures: the in-memory
	// results above are valid even when these are set.
	ExportErrs []string `json:"export_errors,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) observer() Observer {
	if r.Observer != nil {
		return r.Observer
	}
	return NopObserver{}
}

// Plan computes the reuse/execute projection without dispatching anything,
// so callers can report projected cost and time up front.
func (r *Runner) Plan(ctx context.Context, s *suite.Suite, opts Options) (domain.Plan, error) {
	cfg := resolveConfig(s, opts)
	suiteID, version := s.Scope(opts.Version)
	units := plan.Units(s.TaskList(), s.Workers, cfg.RepetitionsPerWorker, signature.Compute)
	history, err := r.Store.LoadHistory(ctx, suiteID, version)
	if err != nil {
		return domain.Plan{}, fmt.Errorf("load history: %w", err)
	}
	_, p := plan.Build(units, history)
	return p, nil
}

// Run executes the whole batch. The returned error is non-nil only for fatal
// conditions: history load failure or a reuse mismatch. Per-job failures are
// isolated into error outcomes; export failures land in Result.ExportErrs.
func (r *Runner) Run(ctx context.Context, s *suite.Suite, opts Options) (*Result, error) {
	cfg := resolveConfig(s, opts)
	suiteID, version := s.Scope(opts.Version)
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	started := r.now()

	units := plan.Units(s.TaskList(), s.Workers, cfg.RepetitionsPerWorker, signature.Compute)
	history, err := r.Store.LoadHistory(ctx, suiteID, version)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	jobs, p := plan.Build(units, history)
	obs := r.observer()
	obs.RunPlanned(p)

	reuseQueue, executeQueue := partition(jobs)

	st := &runState{obs: obs}

	// The reuse queue resolves in full before anything is dispatched; a
	// mismatch here aborts the run with no execute job started.
	for _, job := range reuseQueue {
		out, err := r.resolveReuse(job)
		if err != nil {
			return nil, err
		}
		st.reused(out)
	}

	r.drain(ctx, suiteID, version, executeQueue, cfg, st)

	outcomes := st.all()
	rankings := rank.Rank(outcomes, s.Mode)
	finished := r.now()

	res := &Result{
		RunID:      runID,
		SuiteID:    suiteID,
		Version:    version,
		Mode:       s.Mode,
		Config:     cfg,
		Plan:       p,
		Outcomes:   outcomes,
		Rankings:   rankings,
		StartedAt:  started,
		FinishedAt: finished,
	}
	r.export(ctx, s, res)
	return res, nil
}

// export writes the two durable artifacts and records the run row. All
// failures here are non-fatal and collected on the result.
func (r *Runner) export(ctx context.Context, s *suite.Suite, res *Result) {
	dir, err := db.RunsDir(r.Workspace, res.RunID)
	if err != nil {
		res.ExportErrs = append(res.ExportErrs, fmt.Sprintf("create run dir: %v", err))
	} else {
		meta := rank.RunMeta{
			RunID:      res.RunID,
			SuiteID:    res.SuiteID,
			Version:    res.Version,
			Mode:       res.Mode,
			Config:     res.Config,
			Workers:    s.Workers,
			Plan:       res.Plan,
			StartedAt:  res.StartedAt,
			FinishedAt: res.FinishedAt,
		}
		outPath, rankPath, errs := rank.Export(dir, meta, res.Outcomes, res.Rankings)
		res.OutcomesPath = outPath
		res.RankingsPath = rankPath
		for _, e := range errs {
			res.ExportErrs = append(res.ExportErrs, e.Error())
		}
	}

	if r.Sink != nil {
		cfgJSON, _ := json.Marshal(res.Config)
		errored := 0
		for _, o := range res.Outcomes {
			if o.Errored() {
				errored++
			}
		}
		run := domain.Run{
			ID:         res.RunID,
			SuiteID:    res.SuiteID,
			Version:    res.Version,
			Mode:       res.Mode,
			ConfigJSON: string(cfgJSON),
			Workers:    s.Workers,
			Reused:     res.Plan.Reused,
			Executed:   res.Plan.Execute,
			Errored:    errored,
			StartedAt:  res.StartedAt.UTC().Format(time.RFC3339),
			FinishedAt: res.FinishedAt.UTC().Format(time.RFC3339),
		}
		if err := r.Sink.InsertRun(ctx, run, res.Outcomes); err != nil {
			res.ExportErrs = append(res.ExportErrs, fmt.Sprintf("record run: %v", err))
		}
	}
}

// resolveReuse turns a reuse job into an outcome after verifying the bound
// entry still matches the live task definition.
func (r *Runner) resolveReuse(job domain.Job) (domain.Outcome, error) {
	entry := job.History
	if entry == nil {
		return domain.Outcome{}, fmt.Errorf("reuse job for task %s worker %s has no bound history entry",
			job.Unit.Task.ID, job.Unit.Worker.Name)
	}
	if !signature.Equal(entry.Fields, job.Unit.Task.Fields) {
		return domain.Outcome{}, &MismatchError{
			Worker:  job.Unit.Worker.Name,
			TaskID:  job.Unit.Task.ID,
			Rep:     job.Unit.Rep,
			Sig:     job.Unit.Sig,
			EntryID: entry.ID,
		}
	}
	out := domain.Outcome{
		TaskIndex:  job.Unit.TaskIndex,
		TaskID:     job.Unit.Task.ID,
		Worker:     job.Unit.Worker.Name,
		Rep:        job.Unit.Rep,
		Sig:        job.Unit.Sig,
		Kind:       job.Unit.Task.Mode,
		Reused:     true,
		DurationMs: entry.DurationMs,
		Cost:       entry.Cost,
		Tokens:     entry.Tokens,
	}
	fillVariant(&out, domain.ExecResult{
		Output:     entry.Output,
		Correct:    entry.Correct,
		BaselineNs: entry.BaselineNs,
		OptimNs:    entry.OptimNs,
	})
	return out, nil
}

func fillVariant(out *domain.Outcome, res domain.ExecResult) {
	switch out.Kind {
	case domain.ModeOptimization:
		speedup := 0.0
		if res.OptimNs > 0 {
			speedup = float64(res.BaselineNs) / float64(res.OptimNs)
		}
		out.Optim = &domain.OptimOutcome{
			Output:     res.Output,
			BaselineNs: res.BaselineNs,
			OptimNs:    res.OptimNs,
			Speedup:    speedup,
		}
	default:
		out.QA = &domain.QAOutcome{Output: res.Output, Correct: res.Correct}
	}
}

// resolveConfig picks the override or the suite config. Either way the
// result is normalized: a partial override with a zero concurrency or
// timeout must not starve the pool or fail every job instantly.
func resolveConfig(s *suite.Suite, opts Options) suite.RunConfig {
	if opts.Config != nil {
		return opts.Config.Normalized()
	}
	return s.Config.Normalized()
}
