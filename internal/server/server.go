package server

import (
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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"scamprobe/internal/domain"
	"scamprobe/internal/progress"
	"scamprobe/internal/repo"
	"scamprobe/internal/router"
)

// Submitter answers analyze requests; router.Router implements it.
type Submitter interface {
	Submit(ctx context.Context, req router.Request) (router.Response, error)
}

type TaskReader interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
}

// HealthCheck is one dependency probe. A failing critical check takes the
// service down; any other failing check degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Config for the HTTP API handler.
type Config struct {
	Router    Submitter
	Tasks     TaskReader
	Progress  progress.Broker
	Health    []HealthCheck
	BasePath  string
	Auth      AuthConfig
	Heartbeat time.Duration
	Version   string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"analysis_unavailable"`
	Message string         `json:"message" example:"analysis unavailable, try again"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the scamprobe API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Router == nil || cfg.Tasks == nil || cfg.Progress == nil {
		return nil, errors.New("server: router, tasks and progress are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("scamprobe API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(r, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(r, basePath)
	registerHealth(group, cfg.Health)
	registerAnalyze(group, cfg.Router)
	registerTask(group, cfg.Tasks)
	r.Get(path.Join(basePath, "tasks/{task_id}/stream"), streamHandler{
		tasks:     cfg.Tasks,
		progress:  cfg.Progress,
		heartbeat: cfg.Heartbeat,
	}.ServeHTTP)
	registerOpenAPI(r, api, basePath, cfg.Auth.enabled())

	return r, nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
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

// handleError maps domain errors to the envelope. Anything unexpected is
// reported as the generic user-facing failure and logged here.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, router.ErrEmptyText):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
	}
	log.Error().Err(err).Msg("request failed")
	return newAPIError(http.StatusServiceUnavailable, "analysis_unavailable", domain.UserFacingError, nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusServiceUnavailable:
		return "analysis_unavailable"
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
			documentStream(oas, basePath)
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// documentStream adds the SSE route, which is served by chi directly.
func documentStream(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Paths == nil {
		oas.Paths = map[string]*huma.PathItem{}
	}
	oas.Paths[path.Join(basePath, "tasks/{task_id}/stream")] = &huma.PathItem{
		Get: &huma.Operation{
			OperationID: "stream-task",
			Summary:     "Stream task progress",
			Description: "Server-sent events carrying JSON progress events. A heartbeat event is sent periodically and the stream closes after the terminal event.",
			Parameters: []*huma.Param{
				{Name: "task_id", In: "path", Required: true, Schema: &huma.Schema{Type: "string"}},
				{Name: "Last-Event-ID", In: "header", Schema: &huma.Schema{Type: "integer"}},
			},
			Responses: map[string]*huma.Response{
				"200": {
					Description: "Event stream",
					Content:     map[string]*huma.MediaType{"text/event-stream": {Schema: &huma.Schema{Type: "string"}}},
				},
			},
		},
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
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
    <title>scamprobe API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, checks []HealthCheck) {
	type healthOutput struct {
		Status int
		Body   HealthResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{Status: http.StatusOK, Body: HealthResponse{Status: "ok", Checks: map[string]string{}}}
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				out.Body.Checks[c.Name] = "down"
				if c.Critical {
					out.Body.Status = "down"
					out.Status = http.StatusServiceUnavailable
				} else if out.Body.Status == "ok" {
					out.Body.Status = "degraded"
				}
				continue
			}
			out.Body.Checks[c.Name] = "ok"
		}
		return out, nil
	})
}

func registerAnalyze(api huma.API, rt Submitter) {
	huma.Register(api, huma.Operation{
		OperationID: "analyze",
		Method:      http.MethodPost,
		Path:        "/analyze",
		Summary:     "Analyze a message",
		Description: "Answers directly when the message has nothing to investigate or the workers are unavailable, otherwise queues an investigation and returns its stream location.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body AnalyzeRequest
	}) (*struct {
		Body AnalyzeResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Text) == "" {
			msg := router.ErrEmptyText.Error()
			if len(input.Body.Image) > 0 {
				msg = "text is required; extract the text from the image on the device"
			}
			return nil, newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
		}
		resp, err := rt.Submit(ctx, router.Request{
			SessionID: sessionFor(ctx, input.Body.SessionID),
			Text:      input.Body.Text,
			Image:     input.Body.Image,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnalyzeResponse `json:"body"`
		}{Body: analyzeResponse(resp)}, nil
	})
}

func registerTask(api huma.API, tasks TaskReader) {
	type taskPath struct {
		TaskID string `path:"task_id" maxLength:"64"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Task status",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := tasks.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}
