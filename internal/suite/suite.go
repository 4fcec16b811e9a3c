// Package suite loads and validates benchmark suite files.
package suite

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"modelbench/internal/domain"
	"modelbench/internal/signature"
)

// RunConfig is the immutable run configuration resolved at load time and
// passed explicitly into the scheduler; there is no ambient global state.
type RunConfig struct {
	MaxConcurrency       int `yaml:"max_concurrency" json:"max_concurrency"`
	RepetitionsPerWorker int `yaml:"repetitions_per_worker" json:"repetitions_per_worker"`
	TimeoutSeconds       int `yaml:"timeout_seconds" json:"timeout_seconds"`
	StaggerDelayMs       int `yaml:"stagger_delay_ms" json:"stagger_delay_ms"`
}

// Timeout returns the per-job timeout as a duration.
func (c RunConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Stagger returns the runner startup stagger as a duration.
func (c RunConfig) Stagger() time.Duration {
	return time.Duration(c.StaggerDelayMs) * time.Millisecond
}

// Normalized returns the config with unset or out-of-range values replaced
// by defaults. Zero stagger means unset; a negative value disables it. The
// scheduler normalizes whatever config it receives, so a partial override
// can never zero out the pool or the timeout.
func (c RunConfig) Normalized() RunConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.RepetitionsPerWorker <= 0 {
		c.RepetitionsPerWorker = defaultRepetitions
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.StaggerDelayMs == 0 {
		c.StaggerDelayMs = defaultStaggerMs
	} else if c.StaggerDelayMs < 0 {
		c.StaggerDelayMs = 0
	}
	return c
}

// Suite models a suite YAML file: the task list, the worker roster and the
// run configuration.
type Suite struct {
	ID      string          `yaml:"id" json:"id"`
	Version string          `yaml:"version" json:"version,omitempty"`
	Mode    domain.Mode     `yaml:"mode" json:"mode"`
	Workers []domain.Worker `yaml:"workers" json:"workers"`
	Tasks   []TaskSpec      `yaml:"tasks" json:"tasks"`
	Config  RunConfig       `yaml:"config" json:"config"`
}

type TaskSpec struct {
	ID          string   `yaml:"id" json:"id"`
	System      string   `yaml:"system" json:"system,omitempty"`
	Prompt      string   `yaml:"prompt" json:"prompt"`
	Accept      []string `yaml:"accept" json:"accept,omitempty"`
	Reject      []string `yaml:"reject" json:"reject,omitempty"`
	Repetitions int      `yaml:"repetitions" json:"repetitions,omitempty"`
}

const (
	defaultMaxConcurrency = 4
	defaultRepetitions    = 1
	defaultTimeoutSeconds = 120
	defaultStaggerMs      = 250
)

// FromFile reads and validates a suite from the given path.
func FromFile(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a suite from raw YAML bytes.
func FromYAML(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid suite yaml: %w", err)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Suite) applyDefaults() {
	if s.Mode == "" {
		s.Mode = domain.ModeQA
	}
	s.Config = s.Config.Normalized()
}

// Validate ensures the suite meets required structure.
func (s *Suite) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("suite.id is required")
	}
	if s.Mode != domain.ModeQA && s.Mode != domain.ModeOptimization {
		return fmt.Errorf("suite.mode must be %q or %q", domain.ModeQA, domain.ModeOptimization)
	}
	if len(s.Workers) == 0 {
		return fmt.Errorf("suite.workers must not be empty")
	}
	seen := map[string]bool{}
	for i, w := range s.Workers {
		if w.Name == "" {
			return fmt.Errorf("worker %d has empty name", i)
		}
		if w.Model == "" {
			return fmt.Errorf("worker %s has empty model", w.Name)
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate worker name %s", w.Name)
		}
		seen[w.Name] = true
	}
	if len(s.Tasks) == 0 {
		return fmt.Errorf("suite.tasks must not be empty")
	}
	ids := map[string]bool{}
	for i, t := range s.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d has empty id", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		ids[t.ID] = true
		if t.Prompt == "" {
			return fmt.Errorf("task %s has empty prompt", t.ID)
		}
		if t.Repetitions < 0 {
			return fmt.Errorf("task %s has negative repetitions", t.ID)
		}
		if s.Mode == domain.ModeQA && len(t.Accept) == 0 {
			return fmt.Errorf("task %s needs at least one accept matcher in qa mode", t.ID)
		}
	}
	return nil
}

// TaskList returns the ordered domain tasks with signatures not yet computed.
func (s *Suite) TaskList() []domain.Task {
	out := make([]domain.Task, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		reps := t.Repetitions
		if reps == 0 {
			reps = 1
		}
		out = append(out, domain.Task{
			ID:   t.ID,
			Mode: s.Mode,
			Fields: domain.TaskFields{
				System: t.System,
				Prompt: t.Prompt,
				Accept: t.Accept,
				Reject: t.Reject,
			},
			Repetitions: reps,
		})
	}
	return out
}

// Scope is the history namespace for this suite and version label. Switching
// version isolates histories.
func (s *Suite) Scope(versionOverride string) (suiteID, version string) {
	v := s.Version
	if versionOverride != "" {
		v = versionOverride
	}
	return s.ID, v
}

// Fingerprint summarizes all task signatures, useful for logging which
// logical suite a run belongs to.
func (s *Suite) Fingerprint() []domain.Signature {
	sigs := make([]domain.Signature, 0, len(s.Tasks))
	for _, t := range s.TaskList() {
		sigs = append(sigs, signature.Compute(t.Fields))
	}
	return sigs
}

// Default returns the starter suite YAML written by `mb suite init`.
func Default(id string) string {
	return fmt.Sprintf(defaultTemplate, id)
}

const defaultTemplate = `id: %s
mode: qa

workers:
  - name: alpha
    model: example/model-a
  - name: beta
    model: example/model-b

tasks:
  - id: capital-france
    system: "Answer with a single word."
    prompt: "What is the capital of France?"
    accept: [paris]

  - id: largest-planet
    system: "Answer with a single word."
    prompt: "Which planet in the solar system is the largest?"
    accept: [jupiter]

config:
  max_concurrency: 4
  repetitions_per_worker: 3
  timeout_seconds: 120
  stagger_delay_ms: 250
`
