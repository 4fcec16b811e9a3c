// Package server exposes recorded runs over a read-only HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"modelbench/internal/domain"
	"modelbench/internal/rank"
	"modelbench/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
}

// New returns an HTTP handler exposing the modelbench API.
func New(cfg Config) http.Handler {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Modelbench API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerRuns(group, cfg.Repo)
	registerHistory(group, cfg.Repo)

	return router
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

func registerHealth(api huma.API) {
	huma.Get(api, "/health", func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

type listRunsInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

type listRunsOutput struct {
	Body struct {
		Runs []domain.Run `json:"runs"`
	}
}

type runInput struct {
	ID string `path:"id"`
}

type runOutput struct {
	Body domain.Run
}

type outcomesOutput struct {
	Body struct {
		RunID    string           `json:"run_id"`
		Outcomes []domain.Outcome `json:"outcomes"`
	}
}

type rankingsOutput struct {
	Body struct {
		RunID    string                `json:"run_id"`
		Rankings []domain.RankingEntry `json:"rankings"`
	}
}

func registerRuns(api huma.API, r repo.Repo) {
	huma.Get(api, "/runs", func(ctx context.Context, in *listRunsInput) (*listRunsOutput, error) {
		runs, err := r.ListRuns(ctx, in.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("list runs", err)
		}
		out := &listRunsOutput{}
		out.Body.Runs = runs
		return out, nil
	})

	huma.Get(api, "/runs/{id}", func(ctx context.Context, in *runInput) (*runOutput, error) {
		run, err := r.GetRun(ctx, in.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, huma.Error404NotFound("run not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("get run", err)
		}
		return &runOutput{Body: run}, nil
	})

	huma.Get(api, "/runs/{id}/outcomes", func(ctx context.Context, in *runInput) (*outcomesOutput, error) {
		if _, err := r.GetRun(ctx, in.ID); errors.Is(err, repo.ErrNotFound) {
			return nil, huma.Error404NotFound("run not found")
		} else if err != nil {
			return nil, huma.Error500InternalServerError("get run", err)
		}
		outcomes, err := r.ListOutcomes(ctx, in.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("list outcomes", err)
		}
		out := &outcomesOutput{}
		out.Body.RunID = in.ID
		out.Body.Outcomes = outcomes
		return out, nil
	})

	huma.Get(api, "/runs/{id}/rankings", func(ctx context.Context, in *runInput) (*rankingsOutput, error) {
		run, err := r.GetRun(ctx, in.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, huma.Error404NotFound("run not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("get run", err)
		}
		outcomes, err := r.ListOutcomes(ctx, in.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("list outcomes", err)
		}
		out := &rankingsOutput{}
		out.Body.RunID = in.ID
		out.Body.Rankings = rank.Rank(outcomes, run.Mode)
		return out, nil
	})
}

type historyStatsInput struct {
	Suite   string `query:"suite" required:"true"`
	Version string `query:"version"`
}

type historyStatsOutput struct {
	Body struct {
		SuiteID string         `json:"suite_id"`
		Version string         `json:"version,omitempty"`
		Workers map[string]int `json:"workers"`
	}
}

func registerHistory(api huma.API, r repo.Repo) {
	huma.Get(api, "/history/stats", func(ctx context.Context, in *historyStatsInput) (*historyStatsOutput, error) {
		counts, err := r.CountHistory(ctx, in.Suite, in.Version)
		if err != nil {
			return nil, huma.Error500InternalServerError("count history", err)
		}
		out := &historyStatsOutput{}
		out.Body.SuiteID = in.Suite
		out.Body.Version = in.Version
		out.Body.Workers = counts
		return out, nil
	})
}
