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
	"go.uber.org/zap"

	"freightline/internal/domain"
	"freightline/internal/engine"
	"freightline/internal/logging"
	"freightline/internal/optimizer"
	"freightline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"region\"}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Freightline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger)
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
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
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Freightline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, logger: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerForecasts(group)
	h.registerTasks(group)
	h.registerRoutes(group)
	h.registerLocations(group)
	h.registerEvents(group)
	h.registerAgents(group)
	registerOpenAPI(router, api, basePath, cfg.Auth.enabled())

	return router, nil
}

type handlers struct {
	engine *engine.Engine
	logger *zap.Logger
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
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": verr.Field, "reason": verr.Reason})
	}
	var terr *domain.TransitionError
	if errors.As(err, &terr) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": terr.From, "to": terr.To})
	}
	var cerr *domain.CollaboratorError
	if errors.As(err, &cerr) {
		return newAPIError(http.StatusServiceUnavailable, "collaborator_unavailable", err.Error(), map[string]any{"collaborator": cerr.Collaborator})
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrNotReady):
		return newAPIError(http.StatusConflict, "not_ready", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), nil)
	case errors.Is(err, domain.ErrCollaboratorUnavailable), errors.Is(err, engine.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas)
			}
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

// applyAuthSecurity marks mutating operations as requiring a bearer token.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Post, item.Put, item.Patch, item.Delete} {
			if op != nil {
				op.Security = security
			}
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
    <title>Freightline API Docs</title>
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
      Route reviews require Authorization: Bearer &lt;token&gt; when auth is enabled.
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

func (h handlers) registerForecasts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-forecast",
		Method:        http.MethodPost,
		Path:          "/forecasts",
		Summary:       "Submit a device forecast for route planning",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitForecastRequest `json:"body"`
	}) (*struct {
		Location string       `header:"Location"`
		Body     TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		task, err := h.engine.Submit(ctx, input.Body.forecast())
		if err != nil {
			return nil, handleError(err)
		}
		h.logger.Debug("forecast accepted", zap.String("task_id", task.ID), zap.String("actor_id", actorIDFromContext(ctx)))
		return &struct {
			Location string       `header:"Location"`
			Body     TaskResponse `json:"body"`
		}{Location: "tasks/" + task.ID, Body: taskResponse(task)}, nil
	})
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,processing,completed,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		tasks, err := h.engine.Tasks(ctx, store.Filter{Status: domain.Status(input.Status), Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: make([]TaskSummaryResponse, 0, len(tasks))}
		for _, t := range tasks {
			resp.Items = append(resp.Items, taskSummary(t))
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task status and results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := h.engine.Task(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-routes",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/routes",
		Summary:     "Ranked routes of a completed task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body RoutesResponse `json:"body"`
	}, error) {
		routes, err := h.engine.Routes(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		task, err := h.engine.Task(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoutesResponse `json:"body"`
		}{Body: RoutesResponse{
			TaskID:   input.TaskID,
			Routes:   routes,
			Summary:  optimizer.Summarize(routes),
			Warnings: task.Warnings,
		}}, nil
	})
}

func (h handlers) registerRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-route",
		Method:      http.MethodGet,
		Path:        "/routes/{route_id}",
		Summary:     "Get a ranked route and its review",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RouteID string `path:"route_id"`
	}) (*struct {
		Body RouteResponse `json:"body"`
	}, error) {
		rec, err := h.engine.Route(ctx, input.RouteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RouteResponse `json:"body"`
		}{Body: RouteResponse{TaskID: rec.TaskID, Route: rec.Route, Review: rec.Review}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "route-visualization",
		Method:      http.MethodGet,
		Path:        "/routes/{route_id}/visualization",
		Summary:     "Waypoints of a route for map display",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RouteID string `path:"route_id"`
	}) (*struct {
		Body engine.Visualization `json:"body"`
	}, error) {
		v, err := h.engine.Visualize(ctx, input.RouteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Visualization `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-route",
		Method:      http.MethodPost,
		Path:        "/routes/{route_id}/approve",
		Summary:     "Approve or reject a ranked route",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RouteID string             `path:"route_id"`
		Body    ReviewRouteRequest `json:"body"`
	}) (*struct {
		Body RouteResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID := actorIDFromContext(ctx)
		var (
			rec domain.RouteRecord
			err error
		)
		if input.Body.Approved {
			rec, err = h.engine.ApproveRoute(ctx, input.RouteID, actorID, input.Body.Comments)
		} else {
			rec, err = h.engine.RejectRoute(ctx, input.RouteID, actorID, input.Body.Comments)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RouteResponse `json:"body"`
		}{Body: RouteResponse{TaskID: rec.TaskID, Route: rec.Route, Review: rec.Review}}, nil
	})
}

func (h handlers) registerLocations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-locations",
		Method:      http.MethodGet,
		Path:        "/locations",
		Summary:     "Catalog locations grouped by region and type",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Region string `query:"region"`
	}) (*struct {
		Body LocationsResponse `json:"body"`
	}, error) {
		regions := h.engine.Regions()
		if r := strings.TrimSpace(input.Region); r != "" {
			regions = []string{strings.ToUpper(r)}
		}
		resp := LocationsResponse{Regions: map[string]map[domain.LocationType][]domain.Location{}}
		for _, region := range regions {
			locs, err := h.engine.Locations(ctx, region)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Regions[region] = locs
		}
		return &struct {
			Body LocationsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List store events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.engine.Events(ctx, cursorID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerAgents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-info",
		Method:      http.MethodGet,
		Path:        "/agent-info",
		Summary:     "Describe the pipeline agents and the steps they report",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentInfoResponse `json:"body"`
	}, error) {
		return &struct {
			Body AgentInfoResponse `json:"body"`
		}{Body: agentInfo(h.engine)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-information-agent",
		Method:      http.MethodPost,
		Path:        "/agents/information/test",
		Summary:     "Run the information agent on a forecast without creating a task",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SubmitForecastRequest `json:"body"`
	}) (*struct {
		Body domain.InfoAnalysis `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		analysis, err := h.engine.Analyze(ctx, input.Body.forecast())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InfoAnalysis `json:"body"`
		}{Body: analysis}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-routing-agent",
		Method:      http.MethodPost,
		Path:        "/agents/routing/test",
		Summary:     "Run the route planning agent on a forecast without creating a task",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body RoutingTestRequest `json:"body"`
	}) (*struct {
		Body RoutingTestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		plan, err := h.engine.PlanRoutes(ctx, input.Body.Forecast.forecast(), input.Body.InfoAnalysis)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoutingTestResponse `json:"body"`
		}{Body: RoutingTestResponse{Routes: plan.Routes, Summary: plan.Summary, Warnings: plan.Warnings}}, nil
	})
}

func agentInfo(e *engine.Engine) AgentInfoResponse {
	var sources []string
	if e.Info != nil {
		for _, k := range e.Info.Knowledge {
			sources = append(sources, k.Name())
		}
		for _, d := range e.Info.Disruptions {
			sources = append(sources, d.Name())
		}
	}
	regions := e.Regions()
	if regions == nil {
		regions = []string{}
	}
	return AgentInfoResponse{
		Agents: []AgentDescriptor{
			{
				Name:        "information",
				Description: "Searches domain knowledge and supply chain disruptions for the region and assesses overall risk",
				Steps:       domain.Steps[:4],
				Sources:     sources,
			},
			{
				Name:        "routing",
				Description: "Generates warehouse to destination routes per transport mode, then costs, risk scores and ranks them",
				Steps:       domain.Steps[4:],
			},
		},
		Regions: regions,
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
