package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pmoline/internal/audit"
	"pmoline/internal/budget"
	"pmoline/internal/closure"
	"pmoline/internal/domain"
	"pmoline/internal/feasibility"
	"pmoline/internal/lifecycle"
	"pmoline/internal/repo"
	"pmoline/internal/reserve"
	"pmoline/internal/voting"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      lifecycle.Engine
	Feasibility feasibility.Engine
	Voting      voting.Service
	Ledger      budget.Ledger
	Reserve     reserve.Service
	Audit       audit.Reader
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition: activate not allowed from draft"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the portfolio API. ctx bounds the
// background webhook dispatcher: canceling it stops delivery.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Pmoline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerInitiatives(group, cfg)
	registerTransitions(group, cfg)
	registerFeasibility(group, cfg)
	registerSessions(group, cfg)
	registerProjects(group, cfg)
	registerBudget(group, cfg)
	registerDocuments(group, cfg)
	registerAudit(group, cfg)
	registerReserve(group, cfg)
	registerAPIKeys(group, cfg)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(ctx, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the domain error taxonomy onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var te domain.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(te.From), "command": te.Command,
		})
	}
	var se domain.IncompleteScoringError
	if errors.As(err, &se) {
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_scoring", err.Error(), map[string]any{"pending": se.Pending})
	}
	var ce domain.ClosureBlockedError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "closure_blocked", err.Error(), map[string]any{"unmet": ce.Unmet})
	}
	var be domain.BudgetInvariantError
	if errors.As(err, &be) {
		return newAPIError(http.StatusUnprocessableEntity, "budget_invariant", err.Error(), map[string]any{
			"owner_id": be.OwnerID, "category": be.Category,
		})
	}
	var me domain.ConcurrentModificationError
	if errors.As(err, &me) {
		return newAPIError(http.StatusConflict, "concurrent_modification", err.Error(), map[string]any{"entity_id": me.EntityID})
	}
	var qe domain.QuorumNotMetError
	if errors.As(err, &qe) {
		return newAPIError(http.StatusUnprocessableEntity, "quorum_not_met", err.Error(), map[string]any{
			"cast": qe.Cast, "invited": qe.Invited, "threshold": qe.Threshold,
		})
	}
	var ue domain.ServiceUnavailableError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusServiceUnavailable, "service_unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Pmoline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerInitiatives(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/initiatives",
		Summary:       "Create initiative draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateInitiativeRequest `json:"body"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ini, err := cfg.Engine.CreateInitiative(ctx, lifecycle.InitiativeCreateOptions{
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Justification:    input.Body.Justification,
			ExpectedBenefits: input.Body.ExpectedBenefits,
			Area:             input.Body.Area,
			RequestedAmount:  input.Body.RequestedAmount,
			Urgency:          input.Body.Urgency,
			Actor:            actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(ini)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/initiatives",
		Summary:     "List initiatives",
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status"`
		Area            string `query:"area"`
		Limit           int    `query:"limit"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []InitiativeResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := cfg.Engine.Repo.ListInitiatives(ctx, repo.InitiativeFilters{
			Status:          input.Status,
			Area:            input.Area,
			Limit:           limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InitiativeResponse `json:"body"`
		}{Body: mapInitiatives(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Get initiative",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body InitiativeResponse `json:"body"`
	}, error) {
		ini, err := cfg.Engine.Repo.GetInitiative(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeResponse `json:"body"`
		}{Body: initiativeResponse(ini)}, nil
	})
}

// registerTransitions exposes one route per lifecycle command; they all share
// the engine's single Transition entry point.
func registerTransitions(api huma.API, cfg Config) {
	commands := []string{
		lifecycle.CommandSubmit,
		lifecycle.CommandStartReview,
		lifecycle.CommandStartScoring,
		lifecycle.CommandSendToCommittee,
		lifecycle.CommandApplyResult,
		lifecycle.CommandActivate,
		lifecycle.CommandAdvancePhase,
		lifecycle.CommandSuspend,
		lifecycle.CommandResume,
		lifecycle.CommandRemove,
		lifecycle.CommandClose,
		lifecycle.CommandReinstate,
	}
	for _, command := range commands {
		command := command
		huma.Register(api, huma.Operation{
			OperationID: "transition-" + strings.ReplaceAll(command, "_", "-"),
			Method:      http.MethodPost,
			Path:        "/initiatives/{initiative_id}/" + command,
			Summary:     "Apply " + command,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusServiceUnavailable,
			},
		}, func(ctx context.Context, input *struct {
			InitiativeID string            `path:"initiative_id"`
			Body         TransitionRequest `json:"body,omitempty" required:"false"`
		}) (*struct {
			Body InitiativeResponse `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			ini, err := cfg.Engine.Transition(ctx, lifecycle.TransitionOptions{
				EntityID:        input.InitiativeID,
				Command:         command,
				Actor:           actorID,
				Reason:          input.Body.Reason,
				SessionID:       input.Body.SessionID,
				ExpectedVersion: input.Body.ExpectedVersion,
				IdempotencyKey:  input.Body.IdempotencyKey,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body InitiativeResponse `json:"body"`
			}{Body: initiativeResponse(ini)}, nil
		})
	}
}

func registerFeasibility(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-score",
		Method:      http.MethodPut,
		Path:        "/initiatives/{initiative_id}/feasibility/{dimension}",
		Summary:     "Submit dimension sub-scores",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string            `path:"initiative_id"`
		Dimension    string            `path:"dimension"`
		Body         SubmitScoreRequest `json:"body"`
	}) (*struct {
		Body domain.DimensionScore `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		score, err := cfg.Feasibility.SubmitScore(ctx, input.InitiativeID, input.Dimension, input.Body.SubScores, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DimensionScore `json:"body"`
		}{Body: score}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-dimension",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/feasibility/{dimension}/finalize",
		Summary:     "Finalize dimension verdict",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InitiativeID string                   `path:"initiative_id"`
		Dimension    string                   `path:"dimension"`
		Body         FinalizeDimensionRequest `json:"body"`
	}) (*struct {
		Body domain.DimensionScore `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		score, err := cfg.Feasibility.FinalizeDimension(ctx, input.InitiativeID, input.Dimension, input.Body.Verdict, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DimensionScore `json:"body"`
		}{Body: score}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "feasibility-report",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/feasibility",
		Summary:     "Feasibility report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body domain.FeasibilityReport `json:"body"`
	}, error) {
		report, err := cfg.Feasibility.Report(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FeasibilityReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Schedule committee session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ScheduleSessionRequest `json:"body"`
	}) (*struct {
		Body domain.CommitteeSession `json:"body"`
	}, error) {
		session, err := cfg.Voting.ScheduleSession(ctx, input.Body.ScheduledDate, input.Body.Reviewers, input.Body.Agenda)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CommitteeSession `json:"body"`
		}{Body: session}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.CommitteeSession `json:"body"`
	}, error) {
		items, err := cfg.Voting.Repo.ListSessions(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CommitteeSession `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body domain.CommitteeSession `json:"body"`
	}, error) {
		session, err := cfg.Voting.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CommitteeSession `json:"body"`
		}{Body: session}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/open",
		Summary:     "Open session for voting",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body domain.CommitteeSession `json:"body"`
	}, error) {
		session, err := cfg.Voting.OpenSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CommitteeSession `json:"body"`
		}{Body: session}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/close",
		Summary:     "Close session",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*struct {
		Body domain.CommitteeSession `json:"body"`
	}, error) {
		session, err := cfg.Voting.CloseSession(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CommitteeSession `json:"body"`
		}{Body: session}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cast-vote",
		Method:        http.MethodPost,
		Path:          "/sessions/{session_id}/votes",
		Summary:       "Cast vote",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      CastVoteRequest `json:"body"`
	}) (*struct {
		Body domain.Vote `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		vote, err := cfg.Voting.CastVote(ctx, input.SessionID, input.Body.InitiativeID, actorID, input.Body.Choice)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Vote `json:"body"`
		}{Body: vote}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-item",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/items/{initiative_id}/resolve",
		Summary:     "Resolve agenda item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SessionID    string `path:"session_id"`
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body domain.VoteOutcome `json:"body"`
	}, error) {
		outcome, err := cfg.Voting.Resolve(ctx, input.SessionID, input.InitiativeID)
		if err != nil {
			var qe domain.QuorumNotMetError
			if errors.As(err, &qe) {
				// Undetermined is a legitimate stored outcome; surface both.
				return &struct {
					Body domain.VoteOutcome `json:"body"`
				}{Body: outcome}, nil
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VoteOutcome `json:"body"`
		}{Body: outcome}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-outcome",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/items/{initiative_id}/outcome",
		Summary:     "Get stored outcome",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SessionID    string `path:"session_id"`
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body domain.VoteOutcome `json:"body"`
	}, error) {
		outcome, err := cfg.Voting.Outcome(ctx, input.SessionID, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VoteOutcome `json:"body"`
		}{Body: outcome}, nil
	})
}

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := cfg.Engine.Repo.ListProjects(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := cfg.Engine.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-phase-progress",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/phases/{seq}",
		Summary:     "Update phase progress",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Seq       int                  `path:"seq"`
		Body      PhaseProgressRequest `json:"body"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		ph, err := cfg.Engine.UpdatePhaseProgress(ctx, input.ProjectID, input.Seq, input.Body.CompletionPct)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: ph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-off-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{seq}/signoff",
		Summary:     "Sign off completed phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Seq       int    `path:"seq"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ph, err := cfg.Engine.SignOffPhase(ctx, input.ProjectID, input.Seq, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: ph}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-checklist-item",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/checklist/{kind}",
		Summary:     "Record closure checklist item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Kind      string `path:"kind"`
	}) (*struct {
		Body domain.ChecklistItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := cfg.Engine.Closure.RecordChecklistItem(ctx, input.ProjectID, input.Kind, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChecklistItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/close",
		Summary:     "Close project",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CloseProjectRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.ClosureRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		record, err := cfg.Engine.Closure.CloseProject(ctx, input.ProjectID, closure.CloseOptions{
			Actor:   actorID,
			Lessons: input.Body.Lessons,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClosureRecord `json:"body"`
		}{Body: record}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-closure-record",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/closure",
		Summary:     "Get closure record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.ClosureRecord `json:"body"`
	}, error) {
		record, err := cfg.Engine.Closure.Record(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ClosureRecord `json:"body"`
		}{Body: record}, nil
	})
}

func registerBudget(api huma.API, cfg Config) {
	type ownerPath struct {
		OwnerID string `path:"owner_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-budget-lines",
		Method:      http.MethodGet,
		Path:        "/budget/{owner_id}",
		Summary:     "List budget lines",
	}, func(ctx context.Context, input *ownerPath) (*struct {
		Body []domain.BudgetLine `json:"body"`
	}, error) {
		lines, err := cfg.Ledger.Lines(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BudgetLine `json:"body"`
		}{Body: lines}, nil
	})

	for _, op := range []string{"approve", "commit", "execute"} {
		op := op
		huma.Register(api, huma.Operation{
			OperationID: "budget-" + op,
			Method:      http.MethodPost,
			Path:        "/budget/{owner_id}/{category}/" + op,
			Summary:     "Post budget " + op,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusServiceUnavailable,
			},
		}, func(ctx context.Context, input *struct {
			OwnerID  string            `path:"owner_id"`
			Category string            `path:"category"`
			Body     BudgetPostRequest `json:"body"`
		}) (*struct {
			Body domain.BudgetLine `json:"body"`
		}, error) {
			var line domain.BudgetLine
			var err error
			switch op {
			case "approve":
				line, err = cfg.Ledger.Approve(ctx, input.OwnerID, input.Category, input.Body.Amount)
			case "commit":
				line, err = cfg.Ledger.Commit(ctx, input.OwnerID, input.Category, input.Body.Amount)
			default:
				line, err = cfg.Ledger.Execute(ctx, input.OwnerID, input.Category, input.Body.Amount)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.BudgetLine `json:"body"`
			}{Body: line}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "record-budget-period",
		Method:      http.MethodPut,
		Path:        "/budget/{owner_id}/periods/{period}",
		Summary:     "Record planned vs actual for a period",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		OwnerID string              `path:"owner_id"`
		Period  string              `path:"period"`
		Body    BudgetPeriodRequest `json:"body"`
	}) (*struct {
		Body domain.BudgetPeriod `json:"body"`
	}, error) {
		if err := cfg.Ledger.RecordPeriod(ctx, input.OwnerID, input.Period, input.Body.Planned, input.Body.Actual); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetPeriod `json:"body"`
		}{Body: domain.BudgetPeriod{
			OwnerID: input.OwnerID,
			Period:  input.Period,
			Planned: input.Body.Planned,
			Actual:  input.Body.Actual,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-curve",
		Method:      http.MethodGet,
		Path:        "/budget/{owner_id}/curve",
		Summary:     "Cumulative planned vs actual curve",
	}, func(ctx context.Context, input *ownerPath) (*struct {
		Body []domain.CurvePoint `json:"body"`
	}, error) {
		curve, err := cfg.Ledger.ProjectCurve(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CurvePoint `json:"body"`
		}{Body: curve}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "budget-metrics",
		Method:      http.MethodGet,
		Path:        "/budget/{owner_id}/metrics",
		Summary:     "Earned-value metrics",
	}, func(ctx context.Context, input *ownerPath) (*struct {
		Body domain.BudgetMetrics `json:"body"`
	}, error) {
		progress := 0
		if p, err := cfg.Engine.Repo.GetProject(ctx, input.OwnerID); err == nil {
			progress = p.Progress()
		}
		metrics, err := cfg.Ledger.Metrics(ctx, input.OwnerID, progress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetMetrics `json:"body"`
		}{Body: metrics}, nil
	})
}

func registerDocuments(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Register document reference",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateDocumentRequest `json:"body"`
	}) (*struct {
		Body domain.DocumentRef `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.OwnerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "owner_id is required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		doc := domain.DocumentRef{
			ID:         uuid.NewString(),
			OwnerID:    input.Body.OwnerID,
			Name:       input.Body.Name,
			SizeBytes:  input.Body.SizeBytes,
			Category:   input.Body.Category,
			UploaderID: actorID,
			UploadedAt: nowRFC3339(cfg),
		}
		if err := cfg.Engine.Repo.InsertDocument(ctx, doc); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DocumentRef `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List document references",
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id" required:"true"`
	}) (*struct {
		Body []domain.DocumentRef `json:"body"`
	}, error) {
		docs, err := cfg.Engine.Repo.ListDocuments(ctx, input.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DocumentRef `json:"body"`
		}{Body: docs}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "export-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Export audit trail, newest first",
	}, func(ctx context.Context, input *struct {
		EntityID   string `query:"entity_id"`
		EntityKind string `query:"entity_kind"`
		ActorID    string `query:"actor_id"`
		Cursor     int64  `query:"cursor"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.AuditEvent `json:"body"`
	}, error) {
		events, err := cfg.Audit.Latest(ctx, audit.Filters{
			EntityID:   input.EntityID,
			EntityKind: input.EntityKind,
			ActorID:    input.ActorID,
			Cursor:     input.Cursor,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEvent `json:"body"`
		}{Body: events}, nil
	})
}

func registerReserve(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep-reserve",
		Method:      http.MethodPost,
		Path:        "/reserve/sweep",
		Summary:     "Remove expired reserved initiatives",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		removed, err := cfg.Reserve.SweepExpired(ctx, cfg.Engine.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"removed": removed}}, nil
	})
}

func registerAPIKeys(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext := uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: nowRFC3339(cfg),
		}
		if err := cfg.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			ActorID:   key.ActorID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := cfg.Engine.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(keys))
		for _, key := range keys {
			res = append(res, APIKeyResponse{
				ID:        key.ID,
				ActorID:   key.ActorID,
				Name:      key.Name,
				CreatedAt: key.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := cfg.Engine.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func nowRFC3339(cfg Config) string {
	now := time.Now
	if cfg.Engine.Now != nil {
		now = cfg.Engine.Now
	}
	return now().UTC().Format(time.RFC3339)
}
