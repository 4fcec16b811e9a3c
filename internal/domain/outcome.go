package domain

// Outcome is the result of running or reusing one Job. Kind mirrors the
// task's Mode and decides which variant block is populated; Err is set only
// for jobs that could not be judged at all ("errored", as opposed to a
// judged-and-wrong QA outcome).
type Outcome struct {
	TaskIndex int       `json:"task_index"`
	TaskID    string    `json:"task_id"`
	Worker    string    `json:"worker"`
	Rep       int       `json:"rep"`
	Sig       Signature `json:"signature"`
	Kind      Mode      `json:"kind"`
	Reused    bool      `json:"reused"`
	Err       string    `json:"error,omitempty"`

	QA    *QAOutcome    `json:"qa,omitempty"`
	Optim *OptimOutcome `json:"optimization,omitempty"`

	DurationMs int64   `json:"duration_ms"`
	Cost       float64 `json:"cost"`
	Tokens     int     `json:"tokens"`
}

// QAOutcome is the accuracy-style variant.
type QAOutcome struct {
	Output  string `json:"output"`
	Correct bool   `json:"correct"`
}

// OptimOutcome is the performance-style variant.
type OptimOutcome struct {
	Output     string  `json:"output"`
	BaselineNs int64   `json:"baseline_ns"`
	OptimNs    int64   `json:"optimized_ns"`
	Speedup    float64 `json:"speedup"`
}

// Errored reports whether the job could not be judged.
func (o Outcome) Errored() bool { return o.Err != "" }

// Succeeded reports whether the outcome counts toward the worker's score:
// a correct QA answer, or an optimization run that compiled and produced a
// measured speedup.
func (o Outcome) Succeeded() bool {
	if o.Err != "" {
		return false
	}
	switch o.Kind {
	case ModeQA:
		return o.QA != nil && o.QA.Correct
	case ModeOptimization:
		return o.Optim != nil && o.Optim.Speedup > 0
	}
	return false
}
