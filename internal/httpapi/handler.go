package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"research/backend/internal/auth"
	"research/backend/internal/config"
	"research/backend/internal/datasource"
	"research/backend/internal/research"
	"research/backend/internal/runstore"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Runner interface {
	Run(ctx context.Context, history []research.Message, cfg research.RunConfig, onProgress func(research.Progress)) (research.RunResult, error)
}

type RunStore interface {
	CreateRun(ctx context.Context, id, question string) (runstore.Run, error)
	CompleteRun(ctx context.Context, result research.RunResult) error
	FailRun(ctx context.Context, id string, runErr error) error
	GetRun(ctx context.Context, id string) (runstore.Run, error)
}

type SchemaSource interface {
	FetchSchema(ctx context.Context) (datasource.Schema, error)
}

type Archive interface {
	Save(ctx context.Context, question string, result research.RunResult) (string, error)
}

type TokenVerifier interface {
	Configured() bool
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Dependencies are the collaborators behind the API. Only Runner is
// required; the rest switch their routes off when nil.
type Dependencies struct {
	Runner   Runner
	Runs     RunStore
	Schema   SchemaSource
	Archive  Archive
	Verifier TokenVerifier
	Logger   *zap.Logger
}

type Handler struct {
	cfg      config.Config
	runner   Runner
	runs     RunStore
	schema   SchemaSource
	archive  Archive
	verifier TokenVerifier
	logger   *zap.Logger
}

func NewHandler(cfg config.Config, deps Dependencies) Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return Handler{
		cfg:      cfg,
		runner:   deps.Runner,
		runs:     deps.Runs,
		schema:   deps.Schema,
		archive:  deps.Archive,
		verifier: deps.Verifier,
		logger:   logger,
	}
}

func (h Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run_store_unavailable", "run history is not configured")
		return
	}

	runID := strings.TrimSpace(chi.URLParam(r, "runID"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "run id is required")
		return
	}

	run, err := h.runs.GetRun(r.Context(), runID)
	if errors.Is(err, runstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		h.logger.Error("load run", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "db_error", "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

type schemaResponse struct {
	Configured bool              `json:"configured"`
	Tables     datasource.Schema `json:"tables"`
}

func (h Handler) DataSourceSchema(w http.ResponseWriter, r *http.Request) {
	if h.schema == nil {
		writeJSON(w, http.StatusOK, schemaResponse{Tables: datasource.Schema{}})
		return
	}

	schema, err := h.schema.FetchSchema(r.Context())
	if err != nil {
		h.logger.Warn("fetch datasource schema", zap.Error(err))
		writeError(w, http.StatusBadGateway, "datasource_error", "failed to read data source schema")
		return
	}
	if schema == nil {
		schema = datasource.Schema{}
	}
	writeJSON(w, http.StatusOK, schemaResponse{Configured: true, Tables: schema})
}

// RequireAuth checks the bearer token when auth is required and stores the
// caller identity on the request context.
func (h Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.AuthRequired {
			next.ServeHTTP(w, r)
			return
		}
		if h.verifier == nil || !h.verifier.Configured() {
			writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "token verification is not configured")
			return
		}

		identity, err := h.verifier.Verify(r.Context(), bearerToken(r))
		switch {
		case errors.Is(err, auth.ErrForbidden):
			writeError(w, http.StatusForbidden, "forbidden", "account is not allowed")
			return
		case err != nil:
			h.logger.Debug("reject bearer token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
