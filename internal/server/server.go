package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"chimera/internal/config"
	"chimera/internal/decisions"
	"chimera/internal/domain"
	"chimera/internal/fleet"
	"chimera/internal/hitl"
	"chimera/internal/judge"
	"chimera/internal/keyspace"
	"chimera/internal/ledger"
	"chimera/internal/planner"
	"chimera/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Store        store.Store
	Logger       *zap.Logger
	Budget       config.BudgetConfig
	JudgeOpts    judge.Options
	PlannerVocab planner.Vocab
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"no pending item for task"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		switch status {
		case http.StatusBadRequest:
			code = "bad_request"
		case http.StatusUnauthorized:
			code = "unauthorized"
		case http.StatusNotFound:
			code = "not_found"
		case http.StatusConflict:
			code = "conflict"
		default:
			code = "internal"
		}
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func handleError(err error) huma.StatusError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hitl.ErrNotPending), errors.Is(err, planner.ErrCampaignNotFound), errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, planner.ErrCampaignInactive):
		return newAPIError(http.StatusConflict, "campaign_inactive", err.Error(), nil)
	case errors.Is(err, planner.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal", err.Error(), nil)
}

// tenantDeps are the per-tenant component handles a request operates on.
// They are cheap keyspace-bound views over the shared store, built per call.
type tenantDeps struct {
	keys    keyspace.Keyspace
	ledger  *ledger.Ledger
	gate    *hitl.Gate
	planner *planner.Planner
}

func (cfg Config) forTenant(tenantID string) tenantDeps {
	keys := keyspace.ForTenant(tenantID)
	dec := decisions.New(cfg.Store, keys)
	led := ledger.New(cfg.Store, keys, cfg.Budget.MaxDailySpendUSDC, cfg.Budget.MaxPerTxUSDC)
	j := judge.New(cfg.Store, keys, led, dec, cfg.Logger, cfg.JudgeOpts)
	pl := planner.New(cfg.Store, keys, dec, cfg.Logger)
	pl.Vocab = pl.Vocab.Merge(cfg.PlannerVocab.TrendWords, cfg.PlannerVocab.CommerceWords)
	return tenantDeps{
		keys:    keys,
		ledger:  led,
		gate:    hitl.New(cfg.Store, keys, j, dec, cfg.Logger),
		planner: pl,
	}
}

// New returns an HTTP handler exposing the operator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Chimera Operator API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg)
	registerHITL(group, cfg)
	registerFleet(group, cfg)
	registerPlanner(group, cfg)

	return router, nil
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		status := "ok"
		if err := cfg.Store.Ping(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": status}}, nil
	})
}

// HITLItemResponse is the wire shape of one pending review item.
type HITLItemResponse struct {
	TaskID     string            `json:"task_id"`
	TenantID   string            `json:"tenant_id"`
	Reason     string            `json:"reason"`
	QueuedAt   string            `json:"queued_at"`
	TaskType   domain.TaskType   `json:"task_type"`
	Attempt    int               `json:"attempt"`
	Confidence float64           `json:"confidence"`
	Output     map[string]any    `json:"output,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Context    map[string]string `json:"context,omitempty"`
}

func hitlResponse(h domain.HITLItem) HITLItemResponse {
	return HITLItemResponse{
		TaskID:     h.TaskID,
		TenantID:   h.TenantID,
		Reason:     h.Reason,
		QueuedAt:   h.QueuedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		TaskType:   h.Payload.Task.Type,
		Attempt:    h.Payload.Task.Attempt,
		Confidence: h.Payload.Result.Confidence,
		Output:     h.Payload.Result.Output,
		Context:    h.Payload.Task.Context,
	}
}

func registerHITL(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-hitl",
		Method:      http.MethodGet,
		Path:        "/hitl/{tenant}",
		Summary:     "List pending review items",
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		Offset int    `query:"offset" minimum:"0"`
		Limit  int    `query:"limit" minimum:"1" maximum:"200"`
	}) (*struct {
		Body struct {
			Items []HITLItemResponse `json:"items"`
		} `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		deps := cfg.forTenant(input.Tenant)
		items, err := deps.gate.List(ctx, input.Offset, limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []HITLItemResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = make([]HITLItemResponse, 0, len(items))
		for _, h := range items {
			out.Body.Items = append(out.Body.Items, hitlResponse(h))
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hitl-decision",
		Method:      http.MethodPost,
		Path:        "/hitl/{tenant}/{task_id}/decision",
		Summary:     "Apply an operator verdict",
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		TaskID string `path:"task_id"`
		Body   struct {
			Verdict       string         `json:"verdict" enum:"approve,reject_retry,reject_drop"`
			EditedPayload map[string]any `json:"edited_payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
			Reason        string         `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			TaskID string            `json:"task_id"`
			Status domain.HITLStatus `json:"status"`
		} `json:"body"`
	}, error) {
		deps := cfg.forTenant(input.Tenant)
		item, err := deps.gate.Decide(ctx, input.TaskID, hitl.Verdict{
			Verdict:       domain.Verdict(input.Body.Verdict),
			EditedPayload: input.Body.EditedPayload,
			Reason:        input.Body.Reason,
			ActorID:       actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				TaskID string            `json:"task_id"`
				Status domain.HITLStatus `json:"status"`
			} `json:"body"`
		}{}
		out.Body.TaskID = item.TaskID
		out.Body.Status = item.Status
		return out, nil
	})
}

func registerFleet(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "fleet-status",
		Method:      http.MethodGet,
		Path:        "/fleet/{tenant}",
		Summary:     "Tenant fleet summary",
	}, func(ctx context.Context, input *struct {
		Tenant    string `path:"tenant"`
		Campaigns string `query:"campaigns"`
		Agents    string `query:"agents"`
	}) (*struct {
		Body fleet.Status `json:"body"`
	}, error) {
		deps := cfg.forTenant(input.Tenant)
		status, err := fleet.Snapshot(ctx, cfg.Store, deps.keys, deps.ledger,
			splitCSV(input.Campaigns), splitCSV(input.Agents))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body fleet.Status `json:"body"`
		}{Body: status}, nil
	})
}

func registerPlanner(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "inject-goals",
		Method:        http.MethodPost,
		Path:          "/planner/{tenant}/{campaign}/goals",
		Summary:       "Inject campaign goals",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Tenant   string `path:"tenant"`
		Campaign string `path:"campaign"`
		Body     struct {
			Goals      []string `json:"goals" minItems:"1"`
			BudgetUSDC float64  `json:"budget_usdc,omitempty" minimum:"0"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Campaign string   `json:"campaign"`
			TaskIDs  []string `json:"task_ids"`
		} `json:"body"`
	}, error) {
		deps := cfg.forTenant(input.Tenant)
		batch, err := deps.planner.InjectGoals(ctx, input.Campaign, input.Body.Goals, input.Body.BudgetUSDC)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Campaign string   `json:"campaign"`
				TaskIDs  []string `json:"task_ids"`
			} `json:"body"`
		}{}
		out.Body.Campaign = input.Campaign
		out.Body.TaskIDs = make([]string, 0, len(batch))
		for _, t := range batch {
			out.Body.TaskIDs = append(out.Body.TaskIDs, t.TaskID)
		}
		return out, nil
	})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
