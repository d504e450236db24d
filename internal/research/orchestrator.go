package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"research/backend/internal/llm"
	"research/backend/internal/metrics"
	"research/backend/internal/prompts"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultInitialQueries = 3
	defaultMaxLoops       = 2
	answerTemperature     = 0
	answerSeparator       = "\n---\n\n"
)

var ErrEmptyConversation = errors.New("conversation has no user message")

// Dependencies are the collaborators of a run. DataSource, Analyzer and
// Searcher may be nil.
type Dependencies struct {
	Completions llm.CompletionService
	Prompts     PromptRenderer
	DataSource  DataSource
	Analyzer    Analyzer
	Searcher    Searcher
	Logger      *zap.Logger
	Tracer      trace.Tracer
}

type Orchestrator struct {
	classifier *Classifier
	planner    *Planner
	executor   *Executor
	reflector  *Reflector

	completions llm.CompletionService
	prompts     PromptRenderer
	dataSource  DataSource
	settings    Settings
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

func NewOrchestrator(deps Dependencies, settings Settings) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("research/backend/internal/research")
	}
	if settings.DefaultInitialQueries < 1 {
		settings.DefaultInitialQueries = defaultInitialQueries
	}
	if settings.DefaultMaxLoops < 1 {
		settings.DefaultMaxLoops = defaultMaxLoops
	}
	if settings.ReflectionModel == "" {
		settings.ReflectionModel = settings.QueryModel
	}
	if settings.AnswerModel == "" {
		settings.AnswerModel = settings.ReflectionModel
	}

	return &Orchestrator{
		classifier: NewClassifier(deps.Completions, deps.Prompts, settings.QueryModel, logger),
		planner:    NewPlanner(deps.Completions, deps.Prompts, settings.QueryModel, logger),
		executor: &Executor{
			web: &webWorker{
				completions:     deps.Completions,
				prompts:         deps.Prompts,
				searcher:        deps.Searcher,
				resultsPerQuery: settings.SearchResultsPerQuery,
				model:           settings.QueryModel,
				logger:          logger,
				now:             time.Now,
			},
			data:        &dataWorker{source: deps.DataSource, analyzer: deps.Analyzer, logger: logger},
			maxParallel: settings.MaxParallelSubQueries,
			timeout:     settings.SubQueryTimeout,
			logger:      logger,
		},
		reflector:   NewReflector(deps.Completions, deps.Prompts, settings.ReflectionModel, logger),
		completions: deps.Completions,
		prompts:     deps.Prompts,
		dataSource:  deps.DataSource,
		settings:    settings,
		logger:      logger,
		tracer:      tracer,
		now:         time.Now,
	}
}

func (o *Orchestrator) withDefaults(cfg RunConfig) RunConfig {
	if cfg.InitialSearchQueryCount < 1 {
		cfg.InitialSearchQueryCount = o.settings.DefaultInitialQueries
	}
	if cfg.MaxResearchLoops < 1 {
		cfg.MaxResearchLoops = o.settings.DefaultMaxLoops
	}
	cfg.ReasoningModel = strings.TrimSpace(cfg.ReasoningModel)
	return cfg
}

// Run drives classify, plan, fanout, reflect and finalize over history and
// returns the cited answer. onProgress is called from the calling goroutine.
func (o *Orchestrator) Run(ctx context.Context, history []Message, cfg RunConfig, onProgress func(Progress)) (RunResult, error) {
	if !hasUserMessage(history) {
		return RunResult{}, ErrEmptyConversation
	}
	if o.settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.settings.RunTimeout)
		defer cancel()
	}

	started := o.now()
	cfg = o.withDefaults(cfg)
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := o.logger.With(zap.String("run_id", runID))

	ctx, span := o.tracer.Start(ctx, "research.run", trace.WithAttributes(
		attribute.String("research.run_id", runID),
		attribute.Int("research.max_loops", cfg.MaxResearchLoops),
	))
	defer span.End()

	state := NewResearchState(history, cfg)
	result, err := o.drive(ctx, state, logger, onProgress)
	result.RunID = runID
	result.Duration = o.now().Sub(started)

	taskType := string(state.TaskType)
	if taskType == "" {
		taskType = "unknown"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RunsTotal.WithLabelValues(taskType, "failed").Inc()
		logger.Error("research run failed", zap.Error(err), zap.Int("loops", state.ResearchLoopCount))
		return result, err
	}
	metrics.RunsTotal.WithLabelValues(taskType, "completed").Inc()
	metrics.RunDuration.WithLabelValues(taskType).Observe(result.Duration.Seconds())
	metrics.ResearchLoops.Observe(float64(state.ResearchLoopCount))
	logger.Info("research run completed",
		zap.String("task_type", taskType),
		zap.Int("loops", state.ResearchLoopCount),
		zap.Int("references", len(result.References)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func (o *Orchestrator) drive(ctx context.Context, state *ResearchState, logger *zap.Logger, onProgress func(Progress)) (RunResult, error) {
	var pending []SubQueryTask
	stage := StageClassify

	for stage != StageDone {
		if err := ctx.Err(); err != nil {
			return RunResult{}, stageError(stage, err)
		}
		stageCtx, span := o.tracer.Start(ctx, "research."+string(stage))
		next, err := o.step(stageCtx, stage, state, &pending, logger, onProgress)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			return RunResult{}, err
		}
		stage = next
	}

	answer := state.Messages[len(state.Messages)-1]
	return RunResult{
		Answer:          answer.Content,
		References:      state.finalSources,
		TaskType:        state.TaskType,
		Loops:           state.ResearchLoopCount,
		SearchQueries:   append([]string(nil), state.SearchQueries...),
		AnalysisQueries: append([]string(nil), state.AnalysisQueries...),
		KnowledgeGap:    state.KnowledgeGap,
	}, nil
}

func (o *Orchestrator) step(ctx context.Context, stage Stage, state *ResearchState, pending *[]SubQueryTask, logger *zap.Logger, onProgress func(Progress)) (Stage, error) {
	switch stage {
	case StageClassify:
		emitProgress(onProgress, Progress{Stage: StageClassify, Message: "Deciding how to research the question", MaxLoops: state.MaxResearchLoops})
		var probe SchemaProbe
		if o.dataSource != nil {
			probe = o.dataSource.FetchSchema
		}
		taskType, schema, err := o.classifier.Classify(ctx, state.Messages, probe)
		if err != nil {
			return "", err
		}
		state.TaskType = taskType
		state.DatabaseSchema = schema
		logger.Info("research task classified", zap.String("task_type", string(taskType)), zap.Int("tables", len(schema)))
		return StagePlan, nil

	case StagePlan:
		queries, err := o.planner.Plan(ctx, state.TaskType, state.Messages, state.InitialQueryCount, state.DatabaseSchema)
		if err != nil {
			return "", err
		}
		tasks, err := NewTasks(state.TaskType, queries, state.QueriesRun(), o.analysisTables(state))
		if err != nil {
			return "", stageError(StagePlan, err)
		}
		emitProgress(onProgress, Progress{Stage: StagePlan, Message: planMessage(state.TaskType, len(queries)), MaxLoops: state.MaxResearchLoops, Queries: queries})
		*pending = tasks
		return StageFanout, nil

	case StageFanout:
		tasks := *pending
		*pending = nil
		emitProgress(onProgress, Progress{
			Stage:    StageFanout,
			Message:  fmt.Sprintf("Running %d sub-queries", len(tasks)),
			Loop:     state.ResearchLoopCount + 1,
			MaxLoops: state.MaxResearchLoops,
			Queries:  taskQueries(tasks),
		})
		for _, outcome := range o.executor.Dispatch(ctx, tasks) {
			o.merge(state, outcome, logger)
		}
		return StageReflect, nil

	case StageReflect:
		emitProgress(onProgress, Progress{Stage: StageReflect, Message: "Checking whether the findings are sufficient", Loop: state.ResearchLoopCount + 1, MaxLoops: state.MaxResearchLoops})
		reflection, err := o.reflector.Reflect(ctx, state)
		if err != nil {
			return "", err
		}
		if reflection.Terminal(state.MaxResearchLoops) {
			return StageFinalize, nil
		}
		tasks, err := NewTasks(reentryTaskType(state, logger), reflection.FollowUpQueries, state.QueriesRun(), o.analysisTables(state))
		if err != nil {
			return "", stageError(StageReflect, err)
		}
		*pending = tasks
		return StageFanout, nil

	case StageFinalize:
		emitProgress(onProgress, Progress{Stage: StageFinalize, Message: "Writing the answer", Loop: state.ResearchLoopCount, MaxLoops: state.MaxResearchLoops})
		if err := o.finalize(ctx, state); err != nil {
			return "", stageError(StageFinalize, err)
		}
		emitProgress(onProgress, Progress{Stage: StageDone, Loop: state.ResearchLoopCount, MaxLoops: state.MaxResearchLoops})
		return StageDone, nil

	default:
		return "", fmt.Errorf("unknown research stage %q", stage)
	}
}

// reentryTaskType picks the kind of the follow-up batch. The classified
// type is reused; an unset type falls back to web research.
func reentryTaskType(state *ResearchState, logger *zap.Logger) TaskType {
	switch state.TaskType {
	case TaskWebResearch, TaskDataAnalysis:
		return state.TaskType
	default:
		logger.Warn("task type unset on loop re-entry, using web research", zap.String("task_type", string(state.TaskType)))
		return TaskWebResearch
	}
}

func (o *Orchestrator) analysisTables(state *ResearchState) []string {
	if len(o.settings.AnalysisTables) > 0 {
		return append([]string(nil), o.settings.AnalysisTables...)
	}
	return state.DatabaseSchema.TableNames()
}

func (o *Orchestrator) merge(state *ResearchState, outcome Outcome, logger *zap.Logger) {
	switch task := outcome.Task.(type) {
	case WebResearchTask:
		state.SearchQueries = append(state.SearchQueries, task.Query)
		state.WebResults = append(state.WebResults, outcome.Text)
	case DataAnalysisTask:
		state.AnalysisQueries = append(state.AnalysisQueries, task.Query)
		state.AnalysisResults = append(state.AnalysisResults, outcome.Text)
	default:
		logger.Error("dropping outcome of unknown task", zap.String("type", fmt.Sprintf("%T", outcome.Task)))
		return
	}
	for _, ref := range outcome.Sources {
		if err := state.Sources.Add(ref); err != nil {
			logger.Warn("reference conflict", zap.String("short_id", ref.ShortID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) finalize(ctx context.Context, state *ResearchState) error {
	prompt, err := o.prompts.Render(prompts.Answer, state.Topic(), o.now().Format(dateLayout), map[string]any{
		"summaries": joinSummaries(state, answerSeparator),
	})
	if err != nil {
		return err
	}

	model := o.settings.AnswerModel
	if state.ReasoningModel != "" {
		model = state.ReasoningModel
	}
	raw, err := o.completions.Complete(ctx, llm.Request{Model: model, Prompt: prompt, Temperature: answerTemperature})
	if err != nil {
		return err
	}

	answer, used := Resolve(strings.TrimSpace(raw), state.Sources.List())
	state.finalSources = used
	state.Messages = append(state.Messages, Message{Role: RoleAssistant, Content: answer})
	return nil
}

func hasUserMessage(history []Message) bool {
	for _, message := range history {
		if message.Role == RoleUser && strings.TrimSpace(message.Content) != "" {
			return true
		}
	}
	return false
}

func taskQueries(tasks []SubQueryTask) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.QueryText()
	}
	return out
}

func planMessage(taskType TaskType, n int) string {
	switch taskType {
	case TaskDataAnalysis:
		return fmt.Sprintf("Planned %d analysis queries", n)
	default:
		return fmt.Sprintf("Planned %d search queries", n)
	}
}
