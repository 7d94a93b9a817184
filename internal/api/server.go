package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dgnsrekt/bulkops/internal/action"
	"github.com/dgnsrekt/bulkops/internal/controller"
	"github.com/dgnsrekt/bulkops/internal/relay"
	"github.com/dgnsrekt/bulkops/internal/runs"
)

type Service interface {
	State(ctx context.Context) (controller.State, error)
	SetRecording(ctx context.Context, on bool) error
	Features() []action.Feature
	StartRun(ctx context.Context, req controller.RunRequest) (runs.Record, error)
	RunSync(ctx context.Context, req controller.RunRequest) (runs.Record, error)
	CancelRun(id string) (runs.Record, error)
	GetRun(id string) (runs.Record, error)
	ListRuns() ([]runs.Record, error)
}

type runIDInput struct {
	RunID string `path:"run_id" doc:"Run id (UUID)"`
}

type runOutput struct {
	Status int
	Body   runs.Record
}

// NewServer builds the HTTP handler. broker may be nil, in which case the
// event stream routes are not mounted.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Bulk Operations API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/relay", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(relayDocsHTML)); err != nil {
			slog.Debug("relay docs response write failed", "error", err)
		}
	})

	if broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(broker))
		router.Get("/api/v1/ws", relay.WebSocketHandler(broker))
	}

	registerStateHandlers(api, svc)
	registerRunHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *controller.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case controller.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case controller.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case controller.CodeConflict:
			return huma.Error409Conflict(coded.Message)
		case controller.CodeNoCredentials, controller.CodeStaleCredentials,
			controller.CodeNoTargets, controller.CodeNoTemplate:
			return huma.Error412PreconditionFailed(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		case controller.CodeStoreUnavailable:
			return huma.Error503ServiceUnavailable(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
