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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stagecraft/internal/config"
	"stagecraft/internal/domain"
	"stagecraft/internal/engine"
	"stagecraft/internal/provision"
	"stagecraft/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Provision provision.Service
	Template  *config.Config
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"invalid value: \"maybe\" is not yes or no"`
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

// New returns an HTTP handler exposing the Stagecraft API.
func New(cfg Config) (http.Handler, error) {
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
	hcfg := huma.DefaultConfig("Stagecraft API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCompanies(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerQuestions(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerResponses(group, cfg.Engine)
	registerPending(group, cfg.Engine)
	registerProvision(group, cfg.Provision, cfg.Template)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	var cte engine.CrossTenantError
	if errors.As(err, &cte) {
		return newAPIError(http.StatusConflict, "cross_tenant_reference", err.Error(), map[string]any{"kind": cte.Kind, "id": cte.ID})
	}
	var are engine.AdminRequiredError
	if errors.As(err, &are) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": are.Operation})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "self-transition"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "requires") || strings.Contains(lowered, "not allowed") ||
		strings.Contains(lowered, "unknown") || strings.Contains(lowered, "belongs to"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stagecraft API Docs</title>
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

func registerCompanies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-company",
		Method:        http.MethodPost,
		Path:          "/companies",
		Summary:       "Create company",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCompanyRequest `json:"body"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.InitCompany(ctx, input.Body.ID, input.Body.Name, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-companies",
		Method:      http.MethodGet,
		Path:        "/companies",
		Summary:     "List companies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Company `json:"body"`
	}, error) {
		items, err := e.Repo.ListCompanies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Company `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-company",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}",
		Summary:     "Get company",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
	}) (*struct {
		Body domain.Company `json:"body"`
	}, error) {
		c, err := e.Repo.GetCompany(ctx, input.CompanyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Company `json:"body"`
		}{Body: c}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/companies/{company_id}/stages",
		Summary:       "Create stage",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CompanyID string             `path:"company_id"`
		Body      CreateStageRequest `json:"body"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateStage(ctx, engine.StageCreateOptions{
			ID:               stringOrEmpty(input.Body.ID),
			CompanyID:        input.CompanyID,
			Name:             input.Body.Name,
			SequenceOrder:    input.Body.SequenceOrder,
			StageType:        input.Body.StageType,
			MapsToStatus:     input.Body.MapsToStatus,
			Color:            input.Body.Color,
			MinDurationHours: input.Body.MinDurationHours,
			MaxDurationHours: input.Body.MaxDurationHours,
			RequiresApproval: input.Body.RequiresApproval,
			ActorID:          principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/stages",
		Summary:     "List stages",
	}, func(ctx context.Context, input *struct {
		CompanyID       string `path:"company_id"`
		IncludeArchived bool   `query:"include_archived"`
	}) (*struct {
		Body []domain.Stage `json:"body"`
	}, error) {
		var (
			items []domain.Stage
			err   error
		)
		if input.IncludeArchived {
			items, err = e.Repo.ListStagesIncludingArchived(ctx, input.CompanyID)
		} else {
			items, err = e.Repo.ListStages(ctx, input.CompanyID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Stage `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}",
		Summary:     "Get stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		s, err := e.Repo.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/stages/{stage_id}",
		Summary:     "Update stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		StageID string             `path:"stage_id"`
		Body    UpdateStageRequest `json:"body"`
	}) (*struct {
		Body domain.Stage `json:"body"`
	}, error) {
		if err := e.Repo.UpdateStage(ctx, input.StageID, repo.StageUpdate{
			Name:             input.Body.Name,
			SequenceOrder:    input.Body.SequenceOrder,
			StageType:        input.Body.StageType,
			MapsToStatus:     input.Body.MapsToStatus,
			Color:            input.Body.Color,
			MinDurationHours: input.Body.MinDurationHours,
			MaxDurationHours: input.Body.MaxDurationHours,
			RequiresApproval: input.Body.RequiresApproval,
		}); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Repo.GetStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stage `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-stage",
		Method:      http.MethodDelete,
		Path:        "/stages/{stage_id}",
		Summary:     "Delete stage (falls back to archive or rename when history references it)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body DeleteStageResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		strategy, err := e.DeleteStage(ctx, input.StageID, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteStageResponse `json:"body"`
		}{Body: DeleteStageResponse{ID: input.StageID, Strategy: strategy}}, nil
	})
}

func registerQuestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-question",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/questions",
		Summary:       "Create question",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StageID string                `path:"stage_id"`
		Body    CreateQuestionRequest `json:"body"`
	}) (*struct {
		Body domain.Question `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.CreateQuestion(ctx, engine.QuestionCreateOptions{
			ID:              stringOrEmpty(input.Body.ID),
			StageID:         input.StageID,
			Prompt:          input.Body.Prompt,
			ResponseType:    input.Body.ResponseType,
			IsRequired:      input.Body.IsRequired,
			ResponseOptions: input.Body.ResponseOptions,
			SequenceOrder:   input.Body.SequenceOrder,
			ActorID:         principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Question `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/questions",
		Summary:     "List questions",
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body []domain.Question `json:"body"`
	}, error) {
		items, err := e.Repo.ListQuestions(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Question `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-question",
		Method:      http.MethodPatch,
		Path:        "/questions/{question_id}",
		Summary:     "Update question",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestionID string                `path:"question_id"`
		Body       UpdateQuestionRequest `json:"body"`
	}) (*struct {
		Body domain.Question `json:"body"`
	}, error) {
		if err := e.Repo.UpdateQuestion(ctx, input.QuestionID, repo.QuestionUpdate{
			Prompt:          input.Body.Prompt,
			IsRequired:      input.Body.IsRequired,
			ResponseOptions: input.Body.ResponseOptions,
			SequenceOrder:   input.Body.SequenceOrder,
		}); err != nil {
			return nil, handleError(err)
		}
		q, err := e.Repo.GetQuestion(ctx, input.QuestionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Question `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-question",
		Method:      http.MethodDelete,
		Path:        "/questions/{question_id}",
		Summary:     "Delete question",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		QuestionID string `path:"question_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteQuestion(ctx, nil, input.QuestionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/stages/{stage_id}/rules",
		Summary:       "Create transition rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StageID string            `path:"stage_id"`
		Body    CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.TransitionRule `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tr, err := e.CreateTransitionRule(ctx, engine.RuleCreateOptions{
			ID:                    stringOrEmpty(input.Body.ID),
			FromStageID:           input.StageID,
			ToStageID:             input.Body.ToStageID,
			QuestionID:            input.Body.QuestionID,
			TriggerResponse:       input.Body.TriggerResponse,
			NumericOperator:       input.Body.NumericOperator,
			NumericValue:          input.Body.NumericValue,
			NumericValueMax:       input.Body.NumericValueMax,
			IsAutomatic:           input.Body.IsAutomatic,
			RequiresAdminOverride: input.Body.RequiresAdminOverride,
			ActorID:               principal.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionRule `json:"body"`
		}{Body: tr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}/rules",
		Summary:     "List outbound transition rules",
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body []domain.TransitionRule `json:"body"`
	}, error) {
		items, err := e.Repo.ListTransitionRules(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionRule `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}",
		Summary:     "Update transition rule",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RuleID string            `path:"rule_id"`
		Body   UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.TransitionRule `json:"body"`
	}, error) {
		if err := e.Repo.UpdateTransitionRule(ctx, input.RuleID, repo.TransitionRuleUpdate{
			ToStageID:             input.Body.ToStageID,
			TriggerResponse:       input.Body.TriggerResponse,
			NumericOperator:       input.Body.NumericOperator,
			NumericValue:          input.Body.NumericValue,
			NumericValueMax:       input.Body.NumericValueMax,
			IsAutomatic:           input.Body.IsAutomatic,
			RequiresAdminOverride: input.Body.RequiresAdminOverride,
		}); err != nil {
			return nil, handleError(err)
		}
		tr, err := e.Repo.GetTransitionRule(ctx, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TransitionRule `json:"body"`
		}{Body: tr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{rule_id}",
		Summary:     "Delete transition rule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteTransitionRule(ctx, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/companies/{company_id}/jobs",
		Summary:       "Create job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CompanyID string           `path:"company_id"`
		Body      CreateJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CreateJob(ctx, input.CompanyID, stringOrEmpty(input.Body.ID), input.Body.Title, stringOrEmpty(input.Body.StageID), principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(ctx, e, j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListJobs(ctx, input.CompanyID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]JobResponse, 0, len(items))
		for _, j := range items {
			res = append(res, jobResponse(ctx, e, j))
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job with its current stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		j, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(ctx, e, j)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-audit",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/audit",
		Summary:     "Job transition audit trail",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		items, err := e.Repo.ListAuditEntries(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-job-responses",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/responses",
		Summary:     "Job response history",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []domain.Response `json:"body"`
	}, error) {
		items, err := e.Repo.ListResponses(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Response `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerResponses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-response",
		Method:        http.MethodPost,
		Path:          "/jobs/{job_id}/responses",
		Summary:       "Submit a response and run transition rules",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		JobID string                `path:"job_id"`
		Body  SubmitResponseRequest `json:"body"`
	}) (*struct {
		Body SubmitResponseResponse `json:"body"`
	}, error) {
		if input.Body.QuestionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "question_id is required", nil)
		}
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor := principal.actor()
		if input.Body.Evaluate != nil && !*input.Body.Evaluate {
			res, err := e.SubmitResponse(ctx, input.JobID, input.Body.QuestionID, input.Body.Value, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body SubmitResponseResponse `json:"body"`
			}{Body: SubmitResponseResponse{Response: res}}, nil
		}
		res, result, err := e.SubmitAndEvaluate(ctx, input.JobID, input.Body.QuestionID, input.Body.Value, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponseResponse `json:"body"`
		}{Body: SubmitResponseResponse{Response: res, Result: applyResponse(result)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/evaluate",
		Summary:     "Dry-run rule evaluation without recording a response",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string          `path:"job_id"`
		Body  EvaluateRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if input.Body.QuestionID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "question_id is required", nil)
		}
		d, err := e.Evaluate(ctx, input.JobID, input.Body.QuestionID, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: *decisionResponse(d)}, nil
	})
}

func registerPending(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending-transitions",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/pending",
		Summary:     "List pending transitions awaiting approval",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []domain.PendingTransition `json:"body"`
	}, error) {
		items, err := e.Repo.ListPendingTransitions(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PendingTransition `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-pending-transition",
		Method:      http.MethodPost,
		Path:        "/pending/{pending_id}/approve",
		Summary:     "Approve a pending transition (admin only)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PendingID string `path:"pending_id"`
	}) (*struct {
		Body ApplyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := e.ApprovePendingTransition(ctx, input.PendingID, principal.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplyResponse `json:"body"`
		}{Body: *applyResponse(result)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-pending-transition",
		Method:      http.MethodPost,
		Path:        "/pending/{pending_id}/reject",
		Summary:     "Reject a pending transition (admin only)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PendingID string `path:"pending_id"`
	}) (*struct {
		Body domain.PendingTransition `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RejectPendingTransition(ctx, input.PendingID, principal.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PendingTransition `json:"body"`
		}{Body: p}, nil
	})
}

func registerProvision(api huma.API, svc provision.Service, fallback *config.Config) {
	huma.Register(api, huma.Operation{
		OperationID: "provision-company",
		Method:      http.MethodPost,
		Path:        "/companies/{company_id}/provision",
		Summary:     "Rebuild the company's stage graph from a template",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
		Body      struct {
			Template *config.Template `json:"template,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body ProvisionResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg := &config.Config{}
		if fallback != nil {
			*cfg = *fallback
		} else {
			*cfg = *config.Default(input.CompanyID)
		}
		cfg.Company.ID = input.CompanyID
		if input.Body.Template != nil {
			cfg.Template = *input.Body.Template
		}
		report, err := svc.Apply(ctx, cfg, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvisionResponse `json:"body"`
		}{Body: ProvisionResponse{Report: report}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/companies/{company_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CompanyID string `path:"company_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.Cursor != "" {
			cursorID, perr := strconv.ParseInt(input.Cursor, 10, 64)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			items, err = e.Repo.EventsAfter(ctx, input.CompanyID, cursorID, limit+1)
		} else {
			items, err = e.Repo.LatestEvents(ctx, input.CompanyID, limit+1)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.UserID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		raw := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			UserID:  input.Body.UserID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(raw),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyResponse(key)
		resp.Key = raw
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: principal.UserID,
			Roles:  nonNilSlice(principal.Roles),
			Admin:  principal.IsAdmin(),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func jobResponse(ctx context.Context, e engine.Engine, j domain.Job) JobResponse {
	resp := JobResponse{Job: j}
	state, err := e.Repo.GetJobState(ctx, j.ID)
	if err != nil {
		return resp
	}
	resp.State = &state
	if stage, err := e.Repo.GetStage(ctx, state.CurrentStageID); err == nil {
		resp.Stage = &stage
		resp.Job.Status = stage.MapsToStatus
	}
	return resp
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
