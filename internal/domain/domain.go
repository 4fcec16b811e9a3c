package domain

// Mode selects how task outcomes are produced and judged. It is fixed at
// suite-load time; outcome shape is never inferred from optional fields.
type Mode string

const (
	ModeQA           Mode = "qa"
	ModeOptimization Mode = "optimization"
)

// Worker is one roster entry: a model the suite evaluates.
type Worker struct {
	Name     string `json:"name" yaml:"name"`
	Model    string `json:"model" yaml:"model"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// TaskFields are the defining fields of a task: exactly the content that
// contributes to its Signature and that history entries record for the
// mismatch check.
type TaskFields struct {
	System string   `json:"system,omitempty"`
	Prompt string   `json:"prompt"`
	Accept []string `json:"accept,omitempty"`
	Reject []string `json:"reject,omitempty"`
}

// Task is one suite entry.
type Task struct {
	ID          string     `json:"id"`
	Mode        Mode       `json:"mode"`
	Fields      TaskFields `json:"fields"`
	Repetitions int        `json:"repetitions,omitempty"` // multiplier on the configured count, default 1
}

// Signature identifies an equivalence class of evaluation work. Two tasks
// share a signature iff they are evaluation-equivalent.
type Signature string

func (s Signature) String() string { return string(s) }

// WorkUnit is one (task, worker, repetition) evaluation request.
type WorkUnit struct {
	TaskIndex int
	Task      Task
	Worker    Worker
	Rep       int // repetition index, 0-based
	Sig       Signature
}

// HistoryEntry is an immutable recorded outcome for a (signature, worker)
// pair. Created only for executions that completed without internal error.
type HistoryEntry struct {
	ID         int64      `json:"id"`
	SuiteID    string     `json:"suite_id"`
	Version    string     `json:"version,omitempty"`
	Sig        Signature  `json:"signature"`
	Worker     string     `json:"worker"`
	Rep        int        `json:"rep"`
	TaskID     string     `json:"task_id"`
	Mode       Mode       `json:"mode"`
	Fields     TaskFields `json:"fields"`
	Output     string     `json:"output"`
	Correct    bool       `json:"correct"`
	BaselineNs int64      `json:"baseline_ns,omitempty"`
	OptimNs    int64      `json:"optimized_ns,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Cost       float64    `json:"cost"`
	Tokens     int        `json:"tokens"`
	CreatedAt  string     `json:"created_at"`
}

// JobKind distinguishes reuse from fresh execution.
type JobKind string

const (
	JobReuse   JobKind = "reuse"
	JobExecute JobKind = "execute"
)

// JobState is the scheduling state of a Job. Reuse jobs skip Running.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is a concrete scheduled unit.
type Job struct {
	Unit    WorkUnit
	Kind    JobKind
	State   JobState
	History *HistoryEntry // bound entry, reuse jobs only
}

// WorkerPlan is the reuse/execute split for one worker, computed before
// any execution starts.
type WorkerPlan struct {
	Worker   string `json:"worker"`
	Required int    `json:"required"`
	Reused   int    `json:"reused"`
	Execute  int    `json:"execute"`
}

// Plan is the full projection for a run.
type Plan struct {
	Workers []WorkerPlan `json:"workers"`
	Reused  int          `json:"reused"`
	Execute int          `json:"execute"`
}

// RankingEntry is the per-worker aggregate.
type RankingEntry struct {
	Worker        string  `json:"worker"`
	Score         float64 `json:"score"`
	Succeeded     int     `json:"succeeded"`
	Wrong         int     `json:"wrong"`
	Errored       int     `json:"errored"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	TotalCost     float64 `json:"total_cost"`
	TotalTokens   int     `json:"total_tokens"`
}

// ExecResult is what a Task Executor reports for one completed invocation.
type ExecResult struct {
	Output     string
	Correct    bool
	BaselineNs int64 // optimization mode only
	OptimNs    int64 // optimization mode only
	DurationMs int64
	Cost       float64
	Tokens     int
}
