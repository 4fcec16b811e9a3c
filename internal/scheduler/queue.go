package scheduler

import (
	"sort"
	"sync"

	"modelbench/internal/domain"
)

// sortJobs orders jobs by (repetition-index, task-index, worker-name)
// ascending. One shared queue in this order guarantees fairness: repetition
// #1 of every (task, worker) pair is represented before repetition #2 of any
// pair, so a single slow worker cannot starve the others' first repetitions.
func sortJobs(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i].Unit, jobs[j].Unit
		if a.Rep != b.Rep {
			return a.Rep < b.Rep
		}
		if a.TaskIndex != b.TaskIndex {
			return a.TaskIndex < b.TaskIndex
		}
		return a.Worker.Name < b.Worker.Name
	})
}

// partition splits jobs into the reuse and execute queues, both in fairness
// order.
func partition(jobs []domain.Job) (reuse, execute []domain.Job) {
	for _, j := range jobs {
		if j.Kind == domain.JobReuse {
			reuse = append(reuse, j)
		} else {
			execute = append(execute, j)
		}
	}
	sortJobs(reuse)
	sortJobs(execute)
	return reuse, execute
}

// jobQueue is the single shared mutable structure of the execute phase. Pop
// is atomic, so no two runners ever take the same job.
type jobQueue struct {
	mu   sync.Mutex
	jobs []domain.Job
	next int
}

func newJobQueue(jobs []domain.Job) *jobQueue {
	return &jobQueue{jobs: jobs}
}

// pop returns the next pending job, or ok=false when the queue is drained.
func (q *jobQueue) pop() (domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.jobs) {
		return domain.Job{}, false
	}
	j := q.jobs[q.next]
	q.next++
	return j, true
}
