package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/bulkops/internal/action"
	"github.com/dgnsrekt/bulkops/internal/controller"
)

func registerStateHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type stateOutput struct {
		Body controller.State
	}
	huma.Register(api, huma.Operation{OperationID: "get-state", Method: http.MethodGet, Path: "/api/v1/state", Summary: "Captured credentials, targets and template (secrets redacted)", Tags: []string{"State"}},
		func(ctx context.Context, input *struct{}) (*stateOutput, error) {
			st, err := svc.State(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &stateOutput{Body: st}, nil
		})

	type recordingInput struct {
		Body struct {
			Enabled bool `json:"enabled" doc:"Arm (true) or disarm (false) action template recording"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-recording", Method: http.MethodPut, Path: "/api/v1/recording", Summary: "Arm or disarm template recording", Tags: []string{"State"}},
		func(ctx context.Context, input *recordingInput) (*stateOutput, error) {
			if err := svc.SetRecording(ctx, input.Body.Enabled); err != nil {
				return nil, mapErr(err)
			}
			st, err := svc.State(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &stateOutput{Body: st}, nil
		})

	type featuresOutput struct {
		Body struct {
			Features []action.Feature `json:"features"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-features", Method: http.MethodGet, Path: "/api/v1/features", Summary: "List predefined actions", Tags: []string{"Features"}},
		func(ctx context.Context, input *struct{}) (*featuresOutput, error) {
			out := &featuresOutput{}
			out.Body.Features = svc.Features()
			return out, nil
		})
}
