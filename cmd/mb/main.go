package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"modelbench/internal/db"
	"modelbench/internal/domain"
	"modelbench/internal/events"
	"modelbench/internal/executor"
	"modelbench/internal/migrate"
	"modelbench/internal/rank"
	"modelbench/internal/repo"
	"modelbench/internal/scheduler"
	"modelbench/internal/server"
	"modelbench/internal/suite"
)

var rootCmd = &cobra.Command{
	Use:   "mb",
	Short: "Modelbench CLI",
	Long: `Modelbench evaluates a roster of language models against a suite of repeatable tasks.
Each (task, worker) pair runs a configured number of times; outcomes whose task
content is identical to a previously recorded run are reused from history instead
of re-executed. Fresh work runs under bounded concurrency with staggered startup
and per-job timeouts, and everything reduces to a ranked summary.

- Workspace: the .modelbench directory holding the history database and run exports.
- Suite: a YAML file with the task list, worker roster and run configuration.
- History: durable per-(worker, repetition, signature) records, namespaced by
  suite id and version label; prune with 'mb history prune'.
- Runs: every invocation exports outcomes.json and rankings.json and records
  the run for 'mb runs list' and the read-only API ('mb serve').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MODELBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("version-label", "", "history version label (isolates history)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("version-label", rootCmd.PersistentFlags().Lookup("version-label"))
}

func registerCommands() {
	rootCmd.AddCommand(suiteCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- suite ---

func suiteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "suite", Short: "Manage suite files"}
	cmd.AddCommand(suiteInitCmd())
	cmd.AddCommand(suiteValidateCmd())
	return cmd
}

func suiteInitCmd() *cobra.Command {
	var id, file string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter suite file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if file == "" {
				file = filepath.Join(viper.GetString("workspace"), id+".yml")
			}
			if _, err := os.Stat(file); err == nil {
				return fmt.Errorf("%s already exists", file)
			}
			if err := os.WriteFile(file, []byte(suite.Default(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", file)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "suite id")
	cmd.Flags().StringVar(&file, "file", "", "output path (default <workspace>/<id>.yml)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func suiteValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a suite file",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := suite.FromFile(file)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d tasks, %d workers, mode %s\n", s.ID, len(s.Tasks), len(s.Workers), s.Mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "suite file path")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// --- plan / run ---

func planCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the reuse/execute projection without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := suite.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runner := &scheduler.Runner{Store: r, Workspace: viper.GetString("workspace")}
				p, err := runner.Plan(ctx, s, scheduler.Options{Version: viper.GetString("version-label")})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				renderPlan(p)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "suite", "", "suite file path")
	_ = cmd.MarkFlagRequired("suite")
	return cmd
}

func runCmd() *cobra.Command {
	var file, baseURL, apiKey string
	var concurrency, reps, timeoutSec, staggerMs int
	var price float64
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a suite",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := suite.FromFile(file)
			if err != nil {
				return err
			}
			cfg := s.Config
			if cmd.Flags().Changed("concurrency") {
				cfg.MaxConcurrency = concurrency
			}
			if cmd.Flags().Changed("reps") {
				cfg.RepetitionsPerWorker = reps
			}
			if cmd.Flags().Changed("timeout") {
				cfg.TimeoutSeconds = timeoutSec
			}
			if cmd.Flags().Changed("stagger") {
				cfg.StaggerDelayMs = staggerMs
			}

			workspace := viper.GetString("workspace")
			if baseURL == "" {
				baseURL = viper.GetString("base-url")
			}
			if baseURL == "" {
				return fmt.Errorf("--base-url (or MODELBENCH_BASE_URL) required")
			}
			if apiKey == "" {
				apiKey = viper.GetString("api-key")
			}

			chat := &executor.Chat{BaseURL: baseURL, APIKey: apiKey, PricePerMTokens: price}
			var exec scheduler.Executor = chat
			if s.Mode == domain.ModeOptimization {
				exec = &executor.Optim{Chat: chat, WorkDir: filepath.Join(workspace, ".optim-work")}
			}

			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runID := uuid.NewString()
				obs := scheduler.Observers{events.Recorder{Writer: events.Writer{DB: r.DB}, RunID: runID}}
				if !quiet && !viper.GetBool("json") {
					obs = append(obs, progressPrinter{})
				}
				runner := &scheduler.Runner{
					Store:     r,
					Executor:  exec,
					Observer:  obs,
					Sink:      r,
					Workspace: workspace,
				}
				res, err := runner.Run(ctx, s, scheduler.Options{
					RunID:   runID,
					Version: viper.GetString("version-label"),
					Config:  &cfg,
				})
				if err != nil {
					return err
				}
				for _, warn := range res.ExportErrs {
					fmt.Fprintln(os.Stderr, "warning:", warn)
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Run %s: %d reused, %d executed\n", res.RunID, res.Plan.Reused, res.Plan.Execute)
				renderRankings(res.Rankings)
				if res.OutcomesPath != "" {
					fmt.Printf("Outcomes: %s\nRankings: %s\n", res.OutcomesPath, res.RankingsPath)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "suite", "", "suite file path")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "OpenAI-compatible API base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (or MODELBENCH_API_KEY)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max concurrent jobs (overrides suite)")
	cmd.Flags().IntVar(&reps, "reps", 0, "repetitions per worker (overrides suite)")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 0, "per-job timeout seconds (overrides suite)")
	cmd.Flags().IntVar(&staggerMs, "stagger", 0, "runner startup stagger ms (overrides suite)")
	cmd.Flags().Float64Var(&price, "price-per-mtok", 0, "cost per million tokens")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress per-job progress lines")
	_ = cmd.MarkFlagRequired("suite")
	return cmd
}

// --- history ---

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "history", Short: "Inspect and prune recorded history"}
	cmd.AddCommand(historyListCmd())
	cmd.AddCommand(historyPruneCmd())
	return cmd
}

func historyListCmd() *cobra.Command {
	var suiteID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List history entries for a suite scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListHistory(ctx, suiteID, viper.GetString("version-label"), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Worker", "Rep", "Correct", "Duration (ms)", "Created"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TaskID, e.Worker, e.Rep, e.Correct, e.DurationMs, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&suiteID, "suite-id", "", "suite id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	_ = cmd.MarkFlagRequired("suite-id")
	return cmd
}

func historyPruneCmd() *cobra.Command {
	var suiteID string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all history for a suite scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				n, err := r.PruneHistory(ctx, suiteID, viper.GetString("version-label"))
				if err != nil {
					return err
				}
				fmt.Printf("Pruned %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&suiteID, "suite-id", "", "suite id")
	_ = cmd.MarkFlagRequired("suite-id")
	return cmd
}

// --- runs ---

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "runs", Short: "Inspect recorded runs"}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	cmd.AddCommand(runsRankingsCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Suite", "Version", "Mode", "Reused", "Executed", "Errored", "Started"})
				for _, run := range runs {
					tw.AppendRow(table.Row{run.ID, run.SuiteID, run.Version, run.Mode, run.Reused, run.Executed, run.Errored, run.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				outcomes, err := r.ListOutcomes(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(outcomes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Worker", "Rep", "Reused", "Result", "Duration (ms)"})
				for _, o := range outcomes {
					tw.AppendRow(table.Row{o.TaskID, o.Worker, o.Rep, o.Reused, outcomeResult(o), o.DurationMs})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runsRankingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rankings <run-id>",
		Short: "Show a run's ranked summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				outcomes, err := r.ListOutcomes(ctx, args[0])
				if err != nil {
					return err
				}
				rankings := rank.Rank(outcomes, run.Mode)
				if viper.GetBool("json") {
					return printJSON(rankings)
				}
				renderRankings(rankings)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	var runID string
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Tail lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.TailEvents(ctx, runID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, jwtSecret string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if jwtSecret == "" {
					jwtSecret = viper.GetString("jwt-secret")
				}
				handler := server.New(server.Config{
					Repo: r,
					Auth: server.AuthConfig{JWTSecret: jwtSecret},
				})
				fmt.Printf("Listening on %s\n", addr)
				return http.ListenAndServe(addr, handler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HS256 secret; empty leaves the API open")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderPlan(p domain.Plan) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Worker", "Required", "From history", "To execute"})
	for _, w := range p.Workers {
		tw.AppendRow(table.Row{w.Worker, w.Required, w.Reused, w.Execute})
	}
	tw.AppendFooter(table.Row{"total", p.Reused + p.Execute, p.Reused, p.Execute})
	tw.Render()
}

func renderRankings(rankings []domain.RankingEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Worker", "Score", "OK", "Wrong", "Errored", "Avg ms", "Cost", "Tokens"})
	for i, e := range rankings {
		tw.AppendRow(table.Row{i + 1, e.Worker, fmt.Sprintf("%.3f", e.Score), e.Succeeded, e.Wrong, e.Errored,
			fmt.Sprintf("%.0f", e.AvgDurationMs), fmt.Sprintf("%.4f", e.TotalCost), e.TotalTokens})
	}
	tw.Render()
}

func outcomeResult(o domain.Outcome) string {
	switch {
	case o.Errored():
		return "error: " + o.Err
	case o.Kind == domain.ModeOptimization && o.Optim != nil:
		return fmt.Sprintf("%.2fx", o.Optim.Speedup)
	case o.QA != nil && o.QA.Correct:
		return "correct"
	default:
		return "wrong"
	}
}

// progressPrinter is the CLI's observer: one line per lifecycle point.
type progressPrinter struct{}

func (progressPrinter) RunPlanned(p domain.Plan) {
	fmt.Printf("planned: %d reuse, %d execute\n", p.Reused, p.Execute)
}

func (progressPrinter) JobStarted(j domain.Job) {
	fmt.Printf("start    %s %s #%d\n", j.Unit.Task.ID, j.Unit.Worker.Name, j.Unit.Rep)
}

func (progressPrinter) JobReused(o domain.Outcome) {
	fmt.Printf("reused   %s %s #%d\n", o.TaskID, o.Worker, o.Rep)
}

func (progressPrinter) JobCompleted(o domain.Outcome) {
	fmt.Printf("done     %s %s #%d (%dms)\n", o.TaskID, o.Worker, o.Rep, o.DurationMs)
}

func (progressPrinter) JobErrored(o domain.Outcome) {
	fmt.Printf("errored  %s %s #%d: %s\n", o.TaskID, o.Worker, o.Rep, o.Err)
}
