package domain

// Run is the persisted record of one scheduler invocation.
type Run struct {
	ID         string   `json:"id"`
	SuiteID    string   `json:"suite_id"`
	Version    string   `json:"version,omitempty"`
	Mode       Mode     `json:"mode"`
	ConfigJSON string   `json:"config_json,omitempty"`
	Workers    []Worker `json:"workers"`
	Reused     int      `json:"reused"`
	Executed   int      `json:"executed"`
	Errored    int      `json:"errored"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
}

// Event is one persisted lifecycle event.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
