package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/bulkops/internal/controller"
	"github.com/dgnsrekt/bulkops/internal/runs"
)

func registerRunHandlers(api huma.API, svc Service) {
	type startRunInput struct {
		Wait bool `query:"wait" doc:"Block until the run finishes and return the final record"`
		Body controller.RunRequest
	}
	huma.Register(api, huma.Operation{OperationID: "start-run", Method: http.MethodPost, Path: "/api/v1/runs", Summary: "Start a bulk run", Tags: []string{"Runs"}},
		func(ctx context.Context, input *startRunInput) (*runOutput, error) {
			if input.Wait {
				rec, err := svc.RunSync(ctx, input.Body)
				if err != nil {
					return nil, mapErr(err)
				}
				return &runOutput{Status: http.StatusOK, Body: rec}, nil
			}
			rec, err := svc.StartRun(ctx, input.Body)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Status: http.StatusAccepted, Body: rec}, nil
		})

	type listRunsOutput struct {
		Body struct {
			Runs []runs.Record `json:"runs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-runs", Method: http.MethodGet, Path: "/api/v1/runs", Summary: "List runs, newest first", Tags: []string{"Runs"}},
		func(ctx context.Context, input *struct{}) (*listRunsOutput, error) {
			recs, err := svc.ListRuns()
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listRunsOutput{}
			out.Body.Runs = recs
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-run", Method: http.MethodGet, Path: "/api/v1/runs/{run_id}", Summary: "Get a run with per-target results", Tags: []string{"Runs"}},
		func(ctx context.Context, input *runIDInput) (*runOutput, error) {
			rec, err := svc.GetRun(input.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Status: http.StatusOK, Body: rec}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-run", Method: http.MethodDelete, Path: "/api/v1/runs/{run_id}", Summary: "Cancel an active run", Tags: []string{"Runs"}},
		func(ctx context.Context, input *runIDInput) (*runOutput, error) {
			rec, err := svc.CancelRun(input.RunID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &runOutput{Status: http.StatusAccepted, Body: rec}, nil
		})
}
