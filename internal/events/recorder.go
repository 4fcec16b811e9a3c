package events

import (
	"context"
	"fmt"
	"log"

	"modelbench/internal/domain"
)

// Recorder is a scheduler observer that persists lifecycle events through a
// Writer. Write failures are logged and dropped; progress reporting must
// never fail a run.
type Recorder struct {
	Writer Writer
	RunID  string
	Log    *log.Logger
}

func (r Recorder) append(evtType, entityKind, entityID string, payload EventPayload) {
	if err := r.Writer.Append(context.Background(), evtType, r.RunID, entityKind, entityID, payload); err != nil {
		if r.Log != nil {
			r.Log.Printf("event %s: %v", evtType, err)
		}
	}
}

func jobEntityID(taskID, worker string, rep int) string {
	return fmt.Sprintf("%s/%s#%d", taskID, worker, rep)
}

func (r Recorder) RunPlanned(p domain.Plan) {
	r.append("run.planned", "run", r.RunID, EventPayload{"reused": p.Reused, "execute": p.Execute})
}

func (r Recorder) JobStarted(j domain.Job) {
	r.append("job.started", "job", jobEntityID(j.Unit.Task.ID, j.Unit.Worker.Name, j.Unit.Rep), EventPayload{
		"task": j.Unit.Task.ID, "worker": j.Unit.Worker.Name, "rep": j.Unit.Rep,
	})
}

func (r Recorder) JobReused(o domain.Outcome) {
	r.append("job.reused", "job", jobEntityID(o.TaskID, o.Worker, o.Rep), EventPayload{
		"task": o.TaskID, "worker": o.Worker, "rep": o.Rep,
	})
}

func (r Recorder) JobCompleted(o domain.Outcome) {
	r.append("job.completed", "job", jobEntityID(o.TaskID, o.Worker, o.Rep), EventPayload{
		"task": o.TaskID, "worker": o.Worker, "rep": o.Rep, "duration_ms": o.DurationMs,
	})
}

func (r Recorder) JobErrored(o domain.Outcome) {
	r.append("job.errored", "job", jobEntityID(o.TaskID, o.Worker, o.Rep), EventPayload{
		"task": o.TaskID, "worker": o.Worker, "rep": o.Rep, "error": o.Err,
	})
}
