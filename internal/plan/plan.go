// Package plan splits requested repetitions into history-satisfied and
// must-execute counts before any execution starts.
package plan

import (
	"sort"

	"modelbench/internal/domain"
)

// Build partitions the work units into reuse and execute jobs and returns the
// per-worker plan. history maps signature -> entries in store order; for each
// (task, worker) pair the first min(target, len(matches)) entries are bound to
// reuse jobs, so surplus history beyond the target is never double-used.
//
// The returned job slice contains one job per unit, in unit order.
func Build(units []domain.WorkUnit, history map[domain.Signature][]domain.HistoryEntry) ([]domain.Job, domain.Plan) {
	// Per (signature, worker) cursor into the matching entries, keyed so the
	// same pool is shared across that pair's repetitions but never across
	// workers.
	type pairKey struct {
		sig    domain.Signature
		worker string
	}
	cursors := make(map[pairKey]int)
	matching := make(map[pairKey][]domain.HistoryEntry)
	for _, u := range units {
		k := pairKey{u.Sig, u.Worker.Name}
		if _, ok := matching[k]; ok {
			continue
		}
		var mine []domain.HistoryEntry
		for _, e := range history[u.Sig] {
			if e.Worker == u.Worker.Name {
				mine = append(mine, e)
			}
		}
		matching[k] = mine
	}

	jobs := make([]domain.Job, 0, len(units))
	perWorker := make(map[string]*domain.WorkerPlan)
	order := make([]string, 0)
	var totals domain.Plan

	for _, u := range units {
		wp, ok := perWorker[u.Worker.Name]
		if !ok {
			wp = &domain.WorkerPlan{Worker: u.Worker.Name}
			perWorker[u.Worker.Name] = wp
			order = append(order, u.Worker.Name)
		}
		wp.Required++

		k := pairKey{u.Sig, u.Worker.Name}
		pool := matching[k]
		if cursors[k] < len(pool) {
			entry := pool[cursors[k]]
			cursors[k]++
			jobs = append(jobs, domain.Job{Unit: u, Kind: domain.JobReuse, State: domain.JobPending, History: &entry})
			wp.Reused++
			totals.Reused++
			continue
		}
		jobs = append(jobs, domain.Job{Unit: u, Kind: domain.JobExecute, State: domain.JobPending})
		wp.Execute++
		totals.Execute++
	}

	sort.Strings(order)
	for _, name := range order {
		totals.Workers = append(totals.Workers, *perWorker[name])
	}
	return jobs, totals
}

// Units expands tasks × workers × repetitions into work units with
// signatures attached. target is the configured repetitions per worker; each
// task's multiplier scales it.
func Units(tasks []domain.Task, workers []domain.Worker, target int, sig func(domain.TaskFields) domain.Signature) []domain.WorkUnit {
	var units []domain.WorkUnit
	for ti, t := range tasks {
		s := sig(t.Fields)
		reps := target * t.Repetitions
		if t.Repetitions == 0 {
			reps = target
		}
		for _, w := range workers {
			for rep := 0; rep < reps; rep++ {
				units = append(units, domain.WorkUnit{
					TaskIndex: ti,
					Task:      t,
					Worker:    w,
					Rep:       rep,
					Sig:       s,
				})
			}
		}
	}
	return units
}
