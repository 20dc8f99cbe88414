package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/quatton/qagent/apps/worker/services/auth"
	"github.com/quatton/qagent/apps/worker/services/runs"
	"github.com/quatton/qagent/pkg/db/models"
	"github.com/quatton/qagent/pkg/qerr"
)

// RunBody is the run representation returned by the API.
type RunBody struct {
	RunID         string     `json:"run_id" doc:"Unique identifier for the run"`
	ThreadID      string     `json:"thread_id" doc:"Conversation thread this run belongs to"`
	ProjectID     string     `json:"project_id,omitempty"`
	Model         string     `json:"model"`
	ReasoningTier string     `json:"reasoning_tier" enum:"none,low,medium,high"`
	Status        string     `json:"status" enum:"running,completed,failed,stopped"`
	Error         string     `json:"error,omitempty" doc:"Terminal error text, if the run failed"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type RunResponse struct {
	Body RunBody
}

type ResponsesResponse struct {
	Body struct {
		RunID  string            `json:"run_id"`
		Events []json.RawMessage `json:"events" doc:"Ordered response events"`
	}
}

type TranscriptResponse struct {
	Body struct {
		RunID string `json:"run_id"`
		URL   string `json:"url" doc:"Short-lived presigned download URL for the archived transcript"`
	}
}

type StopResponse struct {
	Body struct {
		RunID  string `json:"run_id"`
		Status string `json:"status" doc:"Status at the time the stop was requested"`
	}
}

func runBody(run *models.AgentRun) RunBody {
	body := RunBody{
		RunID:         run.RunID,
		ThreadID:      run.ThreadID,
		ProjectID:     run.ProjectID,
		Model:         run.Model,
		ReasoningTier: run.ReasoningTier,
		Status:        run.Status,
		Error:         run.Error,
		StartedAt:     run.StartedAt,
	}
	if !run.CompletedAt.IsZero() {
		t := run.CompletedAt
		body.CompletedAt = &t
	}
	return body
}

// mapErr translates service errors into HTTP responses.
func mapErr(err error) error {
	switch {
	case qerr.IsCode(err, qerr.CodeNotFound):
		return huma.Error404NotFound(err.Error())
	case qerr.IsCode(err, qerr.CodeDuplicate):
		return huma.Error409Conflict(err.Error())
	case qerr.IsCode(err, qerr.CodeInvalid):
		return huma.Error422UnprocessableEntity(err.Error())
	default:
		return err
	}
}

func requireAuth(ctx context.Context) error {
	if _, ok := auth.PrincipalFrom(ctx); !ok {
		return huma.Error401Unauthorized("missing or invalid bearer token")
	}
	return nil
}

func RegisterRuns(api huma.API, svc *runs.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "create-agent-run",
		Method:      http.MethodPost,
		Path:        "/api/agent-runs",
		Summary:     "Submit an agent run",
		Description: "Records the run and enqueues it for execution on a worker",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct {
		Body struct {
			ThreadID              string         `json:"thread_id" minLength:"1"`
			ProjectID             string         `json:"project_id,omitempty"`
			Model                 string         `json:"model" minLength:"1"`
			ReasoningEnabled      bool           `json:"reasoning_enabled,omitempty"`
			ReasoningEffort       string         `json:"reasoning_effort,omitempty" enum:"low,medium,high"`
			Stream                bool           `json:"stream,omitempty"`
			ContextManagerEnabled bool           `json:"context_manager_enabled,omitempty"`
			AgentConfig           map[string]any `json:"agent_config,omitempty"`
		}
	}) (*RunResponse, error) {
		if err := requireAuth(ctx); err != nil {
			return nil, err
		}

		run, err := svc.Submit(ctx, runs.SubmitInput{
			ThreadID:              input.Body.ThreadID,
			ProjectID:             input.Body.ProjectID,
			Model:                 input.Body.Model,
			ReasoningEnabled:      input.Body.ReasoningEnabled,
			ReasoningEffort:       input.Body.ReasoningEffort,
			Stream:                input.Body.Stream,
			ContextManagerEnabled: input.Body.ContextManagerEnabled,
			AgentConfig:           input.Body.AgentConfig,
		})
		if err != nil {
			return nil, mapErr(err)
		}

		resp := &RunResponse{}
		resp.Body = runBody(run)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-run",
		Method:      http.MethodGet,
		Path:        "/api/agent-runs/{run_id}",
		Summary:     "Get a run",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id" doc:"The run ID"`
	}) (*RunResponse, error) {
		if err := requireAuth(ctx); err != nil {
			return nil, err
		}

		run, err := svc.Get(ctx, input.RunID)
		if err != nil {
			return nil, mapErr(err)
		}

		resp := &RunResponse{}
		resp.Body = runBody(run)
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-run-responses",
		Method:      http.MethodGet,
		Path:        "/api/agent-runs/{run_id}/responses",
		Summary:     "Get a run's response events",
		Description: "Reads the live event list while the run executes, falling back to the durable record afterwards",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id" doc:"The run ID"`
	}) (*ResponsesResponse, error) {
		if err := requireAuth(ctx); err != nil {
			return nil, err
		}

		events, err := svc.Responses(ctx, input.RunID)
		if err != nil {
			return nil, mapErr(err)
		}

		resp := &ResponsesResponse{}
		resp.Body.RunID = input.RunID
		resp.Body.Events = events
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-run-transcript",
		Method:      http.MethodGet,
		Path:        "/api/agent-runs/{run_id}/transcript",
		Summary:     "Get a download link for a run's archived transcript",
		Description: "Returns a presigned object-storage URL; available once the run reaches a terminal state",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id" doc:"The run ID"`
	}) (*TranscriptResponse, error) {
		if err := requireAuth(ctx); err != nil {
			return nil, err
		}

		url, err := svc.TranscriptURL(ctx, input.RunID)
		if err != nil {
			return nil, mapErr(err)
		}

		resp := &TranscriptResponse{}
		resp.Body.RunID = input.RunID
		resp.Body.URL = url
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-agent-run",
		Method:      http.MethodPost,
		Path:        "/api/agent-runs/{run_id}/stop",
		Summary:     "Request cooperative stop",
		Description: "Publishes a stop signal; the instance executing the run halts at its next yield point",
		Tags:        []string{TagRuns.String()},
		Security:    BearerAuth,
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id" doc:"The run ID"`
	}) (*StopResponse, error) {
		if err := requireAuth(ctx); err != nil {
			return nil, err
		}

		if err := svc.Stop(ctx, input.RunID); err != nil {
			return nil, mapErr(err)
		}

		resp := &StopResponse{}
		resp.Body.RunID = input.RunID
		resp.Body.Status = "stopping"
		return resp, nil
	})
}
