package scheduler

import "modelbench/internal/domain"

// Observer receives synchronous lifecycle notifications. Consumers subscribe
// without coupling to scheduler internals; callbacks are serialized by the
// scheduler, so implementations need no locking of their own.
type Observer interface {
	RunPlanned(plan domain.Plan)
	JobStarted(job domain.Job)
	JobReused(outcome domain.Outcome)
	JobCompleted(outcome domain.Outcome)
	JobErrored(outcome domain.Outcome)
}

// NopObserver ignores all notifications.
type NopObserver struct{}

func (NopObserver) RunPlanned(domain.Plan)      {}
func (NopObserver) JobStarted(domain.Job)       {}
func (NopObserver) JobReused(domain.Outcome)    {}
func (NopObserver) JobCompleted(domain.Outcome) {}
func (NopObserver) JobErrored(domain.Outcome)   {}

// Observers fans out to several observers in order.
type Observers []Observer

func (os Observers) RunPlanned(p domain.Plan) {
	for _, o := range os {
		o.RunPlanned(p)
	}
}

func (os Observers) JobStarted(j domain.Job) {
	for _, o := range os {
		o.JobStarted(j)
	}
}

func (os Observers) JobReused(out domain.Outcome) {
	for _, o := range os {
		o.JobReused(out)
	}
}

func (os Observers) JobCompleted(out domain.Outcome) {
	for _, o := range os {
		o.JobCompleted(out)
	}
}

func (os Observers) JobErrored(out domain.Outcome) {
	for _, o := range os {
		o.JobErrored(out)
	}
}
