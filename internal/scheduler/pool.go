package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"modelbench/internal/domain"
	"modelbench/internal/signature"
	"modelbench/internal/suite"
)

// runState collects outcomes and serializes observer callbacks. It is shared
// by all runners; the queue itself handles job handout.
type runState struct {
	mu       sync.Mutex
	obs      Observer
	outcomes []domain.Outcome
}

func (st *runState) reused(out domain.Outcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outcomes = append(st.outcomes, out)
	st.obs.JobReused(out)
}

func (st *runState) started(job domain.Job) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.obs.JobStarted(job)
}

func (st *runState) finished(out domain.Outcome) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outcomes = append(st.outcomes, out)
	if out.Errored() {
		st.obs.JobErrored(out)
	} else {
		st.obs.JobCompleted(out)
	}
}

func (st *runState) all() []domain.Outcome {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]domain.Outcome, len(st.outcomes))
	copy(out, st.outcomes)
	return out
}

// drain runs the execute queue through a bounded pool. Runner i starts
// pulling only after i × staggerDelay, so a fresh batch does not burst all
// external calls at once. Per-job failures never stop the other runners.
func (r *Runner) drain(ctx context.Context, suiteID, version string, executeQueue []domain.Job, cfg suite.RunConfig, st *runState) {
	if len(executeQueue) == 0 {
		return
	}
	concurrency := cfg.MaxConcurrency
	if len(executeQueue) < concurrency {
		concurrency = len(executeQueue)
	}

	queue := newJobQueue(executeQueue)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			if !sleepCtx(ctx, time.Duration(slot)*cfg.Stagger()) {
				return
			}
			for {
				job, ok := queue.pop()
				if !ok {
					return
				}
				job.State = domain.JobRunning
				st.started(job)
				st.finished(r.executeOne(ctx, suiteID, version, job, cfg))
			}
		}(i)
	}
	wg.Wait()
}

type execDone struct {
	res domain.ExecResult
	err error
}

// executeOne races the executor against the per-job timeout. Firing the
// timeout only unblocks this runner: the external call is not forcibly
// terminated, and a late result is dropped into the buffered channel and
// ignored.
func (r *Runner) executeOne(ctx context.Context, suiteID, version string, job domain.Job, cfg suite.RunConfig) domain.Outcome {
	out := domain.Outcome{
		TaskIndex: job.Unit.TaskIndex,
		TaskID:    job.Unit.Task.ID,
		Worker:    job.Unit.Worker.Name,
		Rep:       job.Unit.Rep,
		Sig:       job.Unit.Sig,
		Kind:      job.Unit.Task.Mode,
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	start := time.Now()
	done := make(chan execDone, 1)
	go func() {
		res, err := r.Executor.Execute(cctx, job.Unit.Worker, job.Unit.Task)
		done <- execDone{res, err}
	}()

	select {
	case d := <-done:
		elapsed := time.Since(start)
		if d.err != nil {
			out.Err = d.err.Error()
			out.DurationMs = elapsed.Milliseconds()
			return out
		}
		out.DurationMs = d.res.DurationMs
		if out.DurationMs == 0 {
			out.DurationMs = elapsed.Milliseconds()
		}
		out.Cost = d.res.Cost
		out.Tokens = d.res.Tokens
		fillVariant(&out, d.res)
	case <-cctx.Done():
		out.Err = fmt.Sprintf("timed out after %s", cfg.Timeout())
		out.DurationMs = time.Since(start).Milliseconds()
		return out
	}

	// Durability over throughput: the entry is committed before this job is
	// considered complete. Failures stay out of history so they remain
	// eligible for a future run.
	entry := domain.HistoryEntry{
		SuiteID:    suiteID,
		Version:    version,
		Sig:        job.Unit.Sig,
		Worker:     job.Unit.Worker.Name,
		Rep:        job.Unit.Rep,
		TaskID:     job.Unit.Task.ID,
		Mode:       job.Unit.Task.Mode,
		Fields:     signature.Normalize(job.Unit.Task.Fields),
		Output:     resultOutput(out),
		Correct:    out.Succeeded(),
		DurationMs: out.DurationMs,
		Cost:       out.Cost,
		Tokens:     out.Tokens,
	}
	if out.Optim != nil {
		entry.BaselineNs = out.Optim.BaselineNs
		entry.OptimNs = out.Optim.OptimNs
	}
	if err := r.Store.AppendHistory(ctx, entry); err != nil {
		out.Err = fmt.Sprintf("record history: %v", err)
	}
	return out
}

func resultOutput(out domain.Outcome) string {
	if out.QA != nil {
		return out.QA.Output
	}
	if out.Optim != nil {
		return out.Optim.Output
	}
	return ""
}

// sleepCtx waits for d unless the context ends first. Returns false when the
// wait was cut short.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
