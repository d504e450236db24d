package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"research/backend/internal/auth"
	"research/backend/internal/research"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxRequestMessages   = 64
	maxRequestLoops      = 10
	maxRequestQueries    = 10
	persistTimeout       = 10 * time.Second
	eventStreamMediaType = "text/event-stream"
	untitledQuestion     = "Research report"
)

type researchRequest struct {
	Messages                []research.Message `json:"messages"`
	InitialSearchQueryCount int                `json:"initialSearchQueryCount"`
	MaxResearchLoops        int                `json:"maxResearchLoops"`
	ReasoningModel          string             `json:"reasoningModel"`
}

type researchResponse struct {
	research.RunResult
	ArchivePath string `json:"archivePath,omitempty"`
}

func (req researchRequest) validate() error {
	if len(req.Messages) == 0 {
		return errors.New("messages are required")
	}
	if len(req.Messages) > maxRequestMessages {
		return fmt.Errorf("at most %d messages are allowed", maxRequestMessages)
	}
	for i, message := range req.Messages {
		if message.Role != research.RoleUser && message.Role != research.RoleAssistant {
			return fmt.Errorf("messages[%d].role must be %q or %q", i, research.RoleUser, research.RoleAssistant)
		}
	}
	if req.InitialSearchQueryCount < 0 || req.InitialSearchQueryCount > maxRequestQueries {
		return fmt.Errorf("initialSearchQueryCount must be between 0 and %d", maxRequestQueries)
	}
	if req.MaxResearchLoops < 0 || req.MaxResearchLoops > maxRequestLoops {
		return fmt.Errorf("maxResearchLoops must be between 0 and %d", maxRequestLoops)
	}
	return nil
}

func (req researchRequest) question() string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == research.RoleUser && strings.TrimSpace(req.Messages[i].Content) != "" {
			return strings.TrimSpace(req.Messages[i].Content)
		}
	}
	return untitledQuestion
}

// Research runs one research request. Clients that accept text/event-stream
// get progress events followed by a result or error event; everyone else gets
// a single JSON document.
func (h Handler) Research(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	runCfg := research.RunConfig{
		RunID:                   uuid.NewString(),
		InitialSearchQueryCount: req.InitialSearchQueryCount,
		MaxResearchLoops:        req.MaxResearchLoops,
		ReasoningModel:          strings.TrimSpace(req.ReasoningModel),
	}
	logger := h.logger.With(zap.String("run_id", runCfg.RunID))
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		logger = logger.With(zap.String("email", identity.Email))
	}

	if strings.Contains(r.Header.Get("Accept"), eventStreamMediaType) {
		h.streamResearch(w, r, req, runCfg, logger)
		return
	}

	question := req.question()
	h.recordStart(r.Context(), runCfg.RunID, question, logger)
	result, err := h.runner.Run(r.Context(), req.Messages, runCfg, nil)
	if err != nil {
		h.recordFailure(r.Context(), runCfg.RunID, err, logger)
		status, code := errorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	archivePath := h.recordSuccess(r.Context(), question, result, logger)
	writeJSON(w, http.StatusOK, researchResponse{RunResult: result, ArchivePath: archivePath})
}

type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *eventStream) send(payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeSSEEvent(s.w, payload); err != nil {
		return
	}
	s.flusher.Flush()
}

func (h Handler) streamResearch(w http.ResponseWriter, r *http.Request, req researchRequest, runCfg research.RunConfig, logger *zap.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return
	}

	w.Header().Set("Content-Type", eventStreamMediaType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	stream := &eventStream{w: w, flusher: flusher}

	stream.send(map[string]any{"type": "metadata", "runId": runCfg.RunID})

	question := req.question()
	h.recordStart(r.Context(), runCfg.RunID, question, logger)
	result, err := h.runner.Run(r.Context(), req.Messages, runCfg, func(progress research.Progress) {
		stream.send(progressEvent(progress))
	})
	if err != nil {
		h.recordFailure(r.Context(), runCfg.RunID, err, logger)
		_, code := errorStatus(err)
		stream.send(map[string]any{"type": "error", "code": code, "message": err.Error()})
		stream.send(map[string]any{"type": "done"})
		return
	}

	archivePath := h.recordSuccess(r.Context(), question, result, logger)
	stream.send(map[string]any{"type": "result", "result": researchResponse{RunResult: result, ArchivePath: archivePath}})
	stream.send(map[string]any{"type": "done"})
}

func progressEvent(progress research.Progress) map[string]any {
	event := map[string]any{
		"type":  "progress",
		"stage": progress.Stage,
	}
	if message := strings.TrimSpace(progress.Message); message != "" {
		event["message"] = message
	}
	if progress.Loop > 0 {
		event["loop"] = progress.Loop
	}
	if progress.MaxLoops > 0 {
		event["maxLoops"] = progress.MaxLoops
	}
	if len(progress.Queries) > 0 {
		event["queries"] = progress.Queries
	}
	return event
}

// persistContext outlives a disconnected client so run records still settle.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (h Handler) recordStart(ctx context.Context, runID, question string, logger *zap.Logger) {
	logger.Info("research request accepted", zap.Int("question_chars", len([]rune(question))))
	if h.runs == nil {
		return
	}
	if _, err := h.runs.CreateRun(ctx, runID, question); err != nil {
		logger.Warn("record run start", zap.Error(err))
	}
}

func (h Handler) recordFailure(ctx context.Context, runID string, runErr error, logger *zap.Logger) {
	if h.runs == nil {
		return
	}
	persistCtx, cancel := persistContext(ctx)
	defer cancel()
	if err := h.runs.FailRun(persistCtx, runID, runErr); err != nil {
		logger.Warn("record run failure", zap.Error(err))
	}
}

func (h Handler) recordSuccess(ctx context.Context, question string, result research.RunResult, logger *zap.Logger) string {
	persistCtx, cancel := persistContext(ctx)
	defer cancel()
	if h.runs != nil {
		if err := h.runs.CompleteRun(persistCtx, result); err != nil {
			logger.Warn("record run completion", zap.Error(err))
		}
	}
	if h.archive == nil {
		return ""
	}
	path, err := h.archive.Save(persistCtx, question, result)
	if err != nil {
		logger.Warn("archive report", zap.Error(err))
		return ""
	}
	return path
}

func errorStatus(err error) (int, string) {
	var stageErr *research.StageError
	switch {
	case errors.Is(err, research.ErrEmptyConversation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "canceled"
	case errors.As(err, &stageErr):
		return http.StatusBadGateway, "research_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
