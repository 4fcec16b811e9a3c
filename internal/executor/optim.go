package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"modelbench/internal/domain"
)

// Optim benchmarks code-optimization tasks: the task prompt carries a
// baseline C routine, the model is asked for a faster drop-in replacement,
// and both variants are compiled and timed. Work files live under
// <workdir>/<worker>/ as <task>_baseline.c and <task>_optimized.c so a
// failed run leaves inspectable artifacts.
type Optim struct {
	Chat    *Chat
	WorkDir string
	// CC is the C compiler; defaults to "cc".
	CC string
	// BenchRuns is how many timed executions each variant gets; the best
	// (minimum) wall time is kept. Defaults to 3.
	BenchRuns int
}

const optimSystem = "You are an expert C performance engineer. Reply with a complete optimized C program, functionally identical to the given baseline, inside a single ```c code block. No commentary."

var codeFence = regexp.MustCompile("(?s)```(?:c|C)?\n(.*?)```")

func (o *Optim) Execute(ctx context.Context, w domain.Worker, t domain.Task) (domain.ExecResult, error) {
	start := time.Now()
	system := t.Fields.System
	if system == "" {
		system = optimSystem
	}
	reply, tokens, err := o.Chat.complete(ctx, w, system, t.Fields.Prompt)
	if err != nil {
		return domain.ExecResult{}, err
	}
	optimized := ExtractCode(reply)
	if optimized == "" {
		return domain.ExecResult{}, fmt.Errorf("model %s: no code block in reply", w.Model)
	}

	dir := filepath.Join(o.WorkDir, w.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.ExecResult{}, err
	}
	basePath := filepath.Join(dir, t.ID+"_baseline.c")
	optPath := filepath.Join(dir, t.ID+"_optimized.c")
	if err := os.WriteFile(basePath, []byte(t.Fields.Prompt), 0o644); err != nil {
		return domain.ExecResult{}, err
	}
	if err := os.WriteFile(optPath, []byte(optimized), 0o644); err != nil {
		return domain.ExecResult{}, err
	}

	baselineNs, err := o.compileAndTime(ctx, basePath)
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("baseline: %w", err)
	}
	optimNs, err := o.compileAndTime(ctx, optPath)
	if err != nil {
		return domain.ExecResult{}, fmt.Errorf("optimized: %w", err)
	}

	return domain.ExecResult{
		Output:     optimized,
		Correct:    optimNs > 0 && optimNs <= baselineNs,
		BaselineNs: baselineNs,
		OptimNs:    optimNs,
		DurationMs: time.Since(start).Milliseconds(),
		Cost:       o.Chat.PricePerMTokens * float64(tokens) / 1e6,
		Tokens:     tokens,
	}, nil
}

func (o *Optim) compileAndTime(ctx context.Context, srcPath string) (int64, error) {
	cc := o.CC
	if cc == "" {
		cc = "cc"
	}
	bin := strings.TrimSuffix(srcPath, ".c")
	build := exec.CommandContext(ctx, cc, "-O2", "-o", bin, srcPath)
	if out, err := build.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("compile %s: %v: %s", filepath.Base(srcPath), err, truncate(string(out), 200))
	}

	runs := o.BenchRuns
	if runs <= 0 {
		runs = 3
	}
	var best int64
	for i := 0; i < runs; i++ {
		start := time.Now()
		cmd := exec.CommandContext(ctx, bin)
		if err := cmd.Run(); err != nil {
			return 0, fmt.Errorf("run %s: %w", filepath.Base(bin), err)
		}
		elapsed := time.Since(start).Nanoseconds()
		if best == 0 || elapsed < best {
			best = elapsed
		}
	}
	return best, nil
}

// ExtractCode pulls the first fenced code block out of a model reply, or the
// whole reply when it already looks like bare source.
func ExtractCode(reply string) string {
	if m := codeFence.FindStringSubmatch(reply); m != nil {
		return strings.TrimSpace(m[1])
	}
	trimmed := strings.TrimSpace(reply)
	if strings.Contains(trimmed, "#include") || strings.Contains(trimmed, "int main") {
		return trimmed
	}
	return ""
}
