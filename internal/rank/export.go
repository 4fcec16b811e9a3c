package rank

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modelbench/internal/domain"
	"modelbench/internal/suite"
)

// RunMeta is the header written into both export artifacts.
type RunMeta struct {
	RunID      string          `json:"run_id"`
	SuiteID    string          `json:"suite_id"`
	Version    string          `json:"version,omitempty"`
	Mode       domain.Mode     `json:"mode"`
	Config     suite.RunConfig `json:"config"`
	Workers    []domain.Worker `json:"workers"`
	Plan       domain.Plan     `json:"plan"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

type outcomesExport struct {
	RunMeta
	Outcomes []domain.Outcome `json:"outcomes"`
}

type rankingsExport struct {
	RunMeta
	Rankings []domain.RankingEntry `json:"rankings"`
}

// Export writes the full outcome log and the ranked summary into dir. Each
// artifact fails independently; errors are returned for reporting but never
// invalidate the in-memory results.
func Export(dir string, meta RunMeta, outcomes []domain.Outcome, rankings []domain.RankingEntry) (outcomesPath, rankingsPath string, errs []error) {
	outcomesPath = filepath.Join(dir, "outcomes.json")
	if err := writeJSON(outcomesPath, outcomesExport{RunMeta: meta, Outcomes: outcomes}); err != nil {
		errs = append(errs, fmt.Errorf("write outcomes export: %w", err))
		outcomesPath = ""
	}
	rankingsPath = filepath.Join(dir, "rankings.json")
	if err := writeJSON(rankingsPath, rankingsExport{RunMeta: meta, Rankings: rankings}); err != nil {
		errs = append(errs, fmt.Errorf("write rankings export: %w", err))
		rankingsPath = ""
	}
	return outcomesPath, rankingsPath, errs
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
