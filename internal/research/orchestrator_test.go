package research

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"research/backend/internal/datasource"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"
)

func newTestOrchestrator(t *testing.T, fake *scriptedLLM, source DataSource, analyzer Analyzer) *Orchestrator {
	t.Helper()
	return NewOrchestrator(Dependencies{
		Completions: fake,
		Prompts:     testPrompts(),
		DataSource:  source,
		Analyzer:    analyzer,
		Logger:      zaptest.NewLogger(t),
	}, testSettings())
}

func TestRunWebResearchStopsAtLoopCeiling(t *testing.T) {
	fake := &scriptedLLM{
		taskType:      "web_research",
		searchQueries: []string{"AI developments 2026", "AI model releases"},
		reflections:   []reflectionReply{{IsSufficient: false, KnowledgeGap: "hardware", FollowUpQueries: []string{"AI chips"}}},
		answer:        "AI is moving quickly [Web Search](https://search.id/0).",
	}
	orchestrator := newTestOrchestrator(t, fake, &stubDataSource{schema: datasource.Schema{}}, nil)

	result, err := orchestrator.Run(context.Background(), userMessage("What are the latest developments in AI technology?"), RunConfig{MaxResearchLoops: 1}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TaskType != TaskWebResearch {
		t.Fatalf("expected web_research, got %s", result.TaskType)
	}
	if result.Loops != 1 {
		t.Fatalf("expected a single loop, got %d", result.Loops)
	}
	if got := fake.freeTextCalls(testQueryModel); got != 2 {
		t.Fatalf("expected 2 web research calls, got %d", got)
	}
	if strings.TrimSpace(result.Answer) == "" || strings.Contains(result.Answer, "https://search.id/") {
		t.Fatalf("unexpected answer %q", result.Answer)
	}
	want := []Reference{{ShortID: "https://search.id/0", Label: "Web Search", Value: "https://www.google.com/search?q=AI+developments+2026"}}
	if diff := cmp.Diff(want, result.References); diff != "" {
		t.Fatalf("references mismatch (-want +got):\n%s", diff)
	}
	if result.RunID == "" {
		t.Fatal("expected a run id")
	}
	if result.KnowledgeGap != "hardware" {
		t.Fatalf("expected knowledge gap to be reported, got %q", result.KnowledgeGap)
	}
}

func TestRunDataAnalysisSurvivesQueryFailure(t *testing.T) {
	fake := &scriptedLLM{
		taskType:        "data_analysis",
		analysisQueries: []string{"total revenue per category"},
		reflections:     []reflectionReply{{IsSufficient: true}},
		answer:          "The figures were unavailable [Data Analysis Error](https://analysis.id/0).",
	}
	source := &stubDataSource{schema: salesSchema(), queryErr: errors.New("relation \"sales\" does not exist")}
	orchestrator := newTestOrchestrator(t, fake, source, stubAnalyzer{text: "unused"})

	result, err := orchestrator.Run(context.Background(), userMessage("Calculate total revenue per category"), RunConfig{}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TaskType != TaskDataAnalysis {
		t.Fatalf("expected data_analysis, got %s", result.TaskType)
	}
	if diff := cmp.Diff([][]string{{"sales"}}, source.queried); diff != "" {
		t.Fatalf("queried tables mismatch (-want +got):\n%s", diff)
	}

	reflections := fake.requestsFor("reflection")
	if len(reflections) != 1 || !strings.Contains(reflections[0].Prompt, "Data analysis failed: relation") {
		t.Fatalf("expected failure text in reflection notes, got %+v", reflections)
	}
	if !strings.Contains(result.Answer, "Error occurred during analysis") {
		t.Fatalf("expected resolved error reference in answer, got %q", result.Answer)
	}
	if diff := cmp.Diff([]string{"total revenue per category"}, result.AnalysisQueries); diff != "" {
		t.Fatalf("analysis queries mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFollowUpsContinueIDsUntilCeiling(t *testing.T) {
	fake := &scriptedLLM{
		taskType:      "web_research",
		searchQueries: []string{"initial query"},
		reflections: []reflectionReply{
			{IsSufficient: false, KnowledgeGap: "more detail", FollowUpQueries: []string{"follow one", "follow two"}},
			{IsSufficient: false, FollowUpQueries: []string{"never dispatched"}},
		},
		answer: "A [Web Search](https://search.id/0) B [Web Search](https://search.id/1) C [Web Search](https://search.id/2)",
	}
	orchestrator := newTestOrchestrator(t, fake, nil, nil)

	var stages []Stage
	result, err := orchestrator.Run(context.Background(), userMessage("topic"), RunConfig{InitialSearchQueryCount: 1, MaxResearchLoops: 2}, func(p Progress) {
		stages = append(stages, p.Stage)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.Loops != 2 {
		t.Fatalf("expected 2 loops, got %d", result.Loops)
	}
	if diff := cmp.Diff([]string{"initial query", "follow one", "follow two"}, result.SearchQueries); diff != "" {
		t.Fatalf("search queries mismatch (-want +got):\n%s", diff)
	}
	ids := make([]string, len(result.References))
	for i, ref := range result.References {
		ids[i] = ref.ShortID
	}
	if diff := cmp.Diff([]string{"https://search.id/0", "https://search.id/1", "https://search.id/2"}, ids); diff != "" {
		t.Fatalf("reference ids mismatch (-want +got):\n%s", diff)
	}
	if got := len(fake.requestsFor("reflection")); got != 2 {
		t.Fatalf("expected 2 reflection passes, got %d", got)
	}
	wantStages := []Stage{StageClassify, StagePlan, StageFanout, StageReflect, StageFanout, StageReflect, StageFinalize, StageDone}
	if diff := cmp.Diff(wantStages, stages); diff != "" {
		t.Fatalf("progress stages mismatch (-want +got):\n%s", diff)
	}
}

func TestRunFollowUpIDsAreStrictlyIncreasing(t *testing.T) {
	fake := &scriptedLLM{
		taskType:      "web_research",
		searchQueries: []string{"a", "b zeta"},
		reflections: []reflectionReply{
			{FollowUpQueries: []string{"c", "d"}},
			{FollowUpQueries: []string{"e"}},
			{FollowUpQueries: []string{"f", "g", "h"}},
		},
	}
	var sb strings.Builder
	for i := 0; i < 8; i++ {
		sb.WriteString(" [Web Search](https://search.id/" + strconv.Itoa(i) + ")")
	}
	fake.answer = sb.String()
	orchestrator := newTestOrchestrator(t, fake, nil, nil)

	result, err := orchestrator.Run(context.Background(), userMessage("q"), RunConfig{InitialSearchQueryCount: 2, MaxResearchLoops: 4}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.References) != 8 {
		t.Fatalf("expected 8 distinct references, got %d", len(result.References))
	}
	last := -1
	for _, ref := range result.References {
		id, err := strconv.Atoi(strings.TrimPrefix(ref.ShortID, "https://search.id/"))
		if err != nil {
			t.Fatalf("parse id %q: %v", ref.ShortID, err)
		}
		if id <= last {
			t.Fatalf("ids not strictly increasing: %d after %d", id, last)
		}
		last = id
	}
}

func TestRunNeverAnalyzesWithoutSchema(t *testing.T) {
	fake := &scriptedLLM{taskType: "data_analysis", answer: "done"}
	orchestrator := newTestOrchestrator(t, fake, &stubDataSource{schemaErr: errors.New("timeout")}, stubAnalyzer{text: "x"})

	result, err := orchestrator.Run(context.Background(), userMessage("total revenue"), RunConfig{}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TaskType != TaskWebResearch {
		t.Fatalf("expected override to web_research, got %s", result.TaskType)
	}
	if len(result.AnalysisQueries) != 0 {
		t.Fatalf("expected no analysis queries, got %v", result.AnalysisQueries)
	}
}

func TestRunPrunesUnusedReferences(t *testing.T) {
	fake := &scriptedLLM{taskType: "web_research", searchQueries: []string{"x", "y"}, answer: "no citations here"}
	orchestrator := newTestOrchestrator(t, fake, nil, nil)

	result, err := orchestrator.Run(context.Background(), userMessage("q"), RunConfig{}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.References) != 0 {
		t.Fatalf("expected unused references to be pruned, got %v", result.References)
	}
}

func TestRunUsesReasoningModelForAnswer(t *testing.T) {
	fake := &scriptedLLM{taskType: "web_research", searchQueries: []string{"x"}, answer: "ok"}
	orchestrator := newTestOrchestrator(t, fake, nil, nil)

	if _, err := orchestrator.Run(context.Background(), userMessage("q"), RunConfig{ReasoningModel: "deep-model"}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := fake.freeTextCalls("deep-model"); got != 1 {
		t.Fatalf("expected answer from reasoning model, got %d calls", got)
	}
	if got := fake.freeTextCalls(testAnswerModel); got != 0 {
		t.Fatalf("answer model should be overridden, got %d calls", got)
	}
}

func TestRunFatalErrors(t *testing.T) {
	t.Run("empty conversation", func(t *testing.T) {
		orchestrator := newTestOrchestrator(t, &scriptedLLM{}, nil, nil)
		_, err := orchestrator.Run(context.Background(), []Message{{Role: RoleAssistant, Content: "hi"}}, RunConfig{}, nil)
		if !errors.Is(err, ErrEmptyConversation) {
			t.Fatalf("expected ErrEmptyConversation, got %v", err)
		}
	})

	t.Run("classification", func(t *testing.T) {
		orchestrator := newTestOrchestrator(t, &scriptedLLM{failSchema: "task_type"}, nil, nil)
		_, err := orchestrator.Run(context.Background(), userMessage("q"), RunConfig{}, nil)
		assertStage(t, err, StageClassify)
	})

	t.Run("reflection", func(t *testing.T) {
		orchestrator := newTestOrchestrator(t, &scriptedLLM{taskType: "web_research", failSchema: "reflection"}, nil, nil)
		_, err := orchestrator.Run(context.Background(), userMessage("q"), RunConfig{}, nil)
		assertStage(t, err, StageReflect)
	})

	t.Run("finalization", func(t *testing.T) {
		fake := &scriptedLLM{taskType: "web_research", answerErr: errors.New("model overloaded")}
		orchestrator := newTestOrchestrator(t, fake, nil, nil)
		_, err := orchestrator.Run(context.Background(), userMessage("q"), RunConfig{}, nil)
		assertStage(t, err, StageFinalize)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		orchestrator := newTestOrchestrator(t, &scriptedLLM{}, nil, nil)
		_, err := orchestrator.Run(ctx, userMessage("q"), RunConfig{}, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestReentryDefaultsUnsetTaskTypeToWeb(t *testing.T) {
	logger := zaptest.NewLogger(t)
	state := NewResearchState(userMessage("q"), RunConfig{})
	if got := reentryTaskType(state, logger); got != TaskWebResearch {
		t.Fatalf("expected web_research for unset type, got %s", got)
	}
	state.TaskType = TaskDataAnalysis
	if got := reentryTaskType(state, logger); got != TaskDataAnalysis {
		t.Fatalf("expected classified type to be reused, got %s", got)
	}
}

func assertStage(t *testing.T, err error, stage Stage) {
	t.Helper()
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected *StageError, got %v", err)
	}
	if stageErr.Stage != stage {
		t.Fatalf("expected stage %s, got %s", stage, stageErr.Stage)
	}
}

func TestFinalizeWithoutSummariesSaysNoResults(t *testing.T) {
	fake := &scriptedLLM{answer: "nothing found"}
	orchestrator := newTestOrchestrator(t, fake, nil, nil)
	state := NewResearchState(userMessage("q"), RunConfig{})

	if err := orchestrator.finalize(context.Background(), state); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(fake.calls) != 1 || !containsAll(fake.calls[0].Prompt, "No results available.") {
		t.Fatalf("expected answer prompt with the no-results fallback, got %+v", fake.calls)
	}
}
