// Package rank reduces a run's outcome stream into per-worker statistics and
// ranked summaries.
package rank

import (
	"sort"

	"modelbench/internal/domain"
)

type accumulator struct {
	entry   domain.RankingEntry
	judged  int
	speedup float64
	dur     int64
}

// Rank aggregates all outcomes (reuse and execute alike) into one entry per
// worker, sorted by score descending with ascending average duration as the
// tie-break.
//
// The primary quality metric follows the suite mode: success rate for QA,
// mean speedup over succeeded jobs for optimization. "Errored" (could not be
// judged) is always counted apart from "wrong" (judged and incorrect).
func Rank(outcomes []domain.Outcome, mode domain.Mode) []domain.RankingEntry {
	byWorker := map[string]*accumulator{}
	order := []string{}
	for _, o := range outcomes {
		acc, ok := byWorker[o.Worker]
		if !ok {
			acc = &accumulator{entry: domain.RankingEntry{Worker: o.Worker}}
			byWorker[o.Worker] = acc
			order = append(order, o.Worker)
		}
		acc.dur += o.DurationMs
		acc.entry.TotalCost += o.Cost
		acc.entry.TotalTokens += o.Tokens
		switch {
		case o.Errored():
			acc.entry.Errored++
		case o.Succeeded():
			acc.entry.Succeeded++
			acc.judged++
			if o.Optim != nil {
				acc.speedup += o.Optim.Speedup
			}
		default:
			acc.entry.Wrong++
			acc.judged++
		}
	}

	entries := make([]domain.RankingEntry, 0, len(byWorker))
	for _, w := range order {
		acc := byWorker[w]
		total := acc.entry.Succeeded + acc.entry.Wrong + acc.entry.Errored
		if total > 0 {
			acc.entry.AvgDurationMs = float64(acc.dur) / float64(total)
		}
		acc.entry.Score = score(acc, mode)
		entries = append(entries, acc.entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].AvgDurationMs < entries[j].AvgDurationMs
	})
	return entries
}

func score(acc *accumulator, mode domain.Mode) float64 {
	switch mode {
	case domain.ModeOptimization:
		if acc.entry.Succeeded == 0 {
			return 0
		}
		return acc.speedup / float64(acc.entry.Succeeded)
	default:
		total := acc.judged + acc.entry.Errored
		if total == 0 {
			return 0
		}
		return float64(acc.entry.Succeeded) / float64(total)
	}
}
