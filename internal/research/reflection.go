package research

import (
	"context"
	"strings"
	"time"

	"research/backend/internal/llm"
	"research/backend/internal/prompts"

	"go.uber.org/zap"
)

const (
	reflectTemperature = 1.0
	noResultsText      = "No results available."
	reflectSeparator   = "\n\n---\n\n"
)

var reflectionSchema = llm.ObjectSchema("reflection", map[string]any{
	"is_sufficient":     llm.BoolProperty("whether the notes answer the question"),
	"knowledge_gap":     llm.StringProperty("what information is missing"),
	"follow_up_queries": llm.StringListProperty("queries that would fill the gap"),
})

type reflectionReply struct {
	IsSufficient    bool     `json:"is_sufficient"`
	KnowledgeGap    string   `json:"knowledge_gap"`
	FollowUpQueries []string `json:"follow_up_queries"`
}

// Reflection is the judgment of one reflection pass.
type Reflection struct {
	IsSufficient    bool
	KnowledgeGap    string
	FollowUpQueries []string
	LoopCount       int
}

// Terminal reports whether the run should finalize after this pass.
func (r Reflection) Terminal(maxLoops int) bool {
	return r.IsSufficient || r.LoopCount >= maxLoops
}

type Reflector struct {
	completions llm.CompletionService
	prompts     PromptRenderer
	model       string
	logger      *zap.Logger
	now         func() time.Time
}

func NewReflector(completions llm.CompletionService, renderer PromptRenderer, model string, logger *zap.Logger) *Reflector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{completions: completions, prompts: renderer, model: model, logger: logger, now: time.Now}
}

// Reflect counts a research loop, even when the judgment itself fails, and
// records the judgment on state.
func (r *Reflector) Reflect(ctx context.Context, state *ResearchState) (Reflection, error) {
	state.ResearchLoopCount++

	topic := state.Topic()
	prompt, err := r.prompts.Render(prompts.Reflection, topic, r.now().Format(dateLayout), map[string]any{
		"summaries": reflectionSummaries(state),
	})
	if err != nil {
		return Reflection{LoopCount: state.ResearchLoopCount}, stageError(StageReflect, err)
	}

	model := r.model
	if state.ReasoningModel != "" {
		model = state.ReasoningModel
	}
	reply, err := llm.Structured[reflectionReply](ctx, r.completions, llm.Request{
		Model: model, Prompt: prompt, Temperature: reflectTemperature, Schema: reflectionSchema,
	})
	if err != nil {
		return Reflection{LoopCount: state.ResearchLoopCount}, stageError(StageReflect, err)
	}

	followUps := dedupeExact(reply.FollowUpQueries)
	switch {
	case reply.IsSufficient:
		followUps = nil
	case len(followUps) == 0:
		gap := strings.TrimSpace(reply.KnowledgeGap)
		if gap == "" {
			gap = strings.TrimSpace(topic)
		}
		followUps = []string{gap}
	}

	state.IsSufficient = reply.IsSufficient
	state.KnowledgeGap = strings.TrimSpace(reply.KnowledgeGap)
	state.FollowUpQueries = followUps

	r.logger.Debug("reflection",
		zap.Int("loop", state.ResearchLoopCount),
		zap.Bool("sufficient", reply.IsSufficient),
		zap.String("knowledge_gap", state.KnowledgeGap),
		zap.Strings("follow_up_queries", followUps),
	)
	return Reflection{
		IsSufficient:    reply.IsSufficient,
		KnowledgeGap:    state.KnowledgeGap,
		FollowUpQueries: followUps,
		LoopCount:       state.ResearchLoopCount,
	}, nil
}

func reflectionSummaries(state *ResearchState) string {
	return joinSummaries(state, reflectSeparator)
}

func joinSummaries(state *ResearchState, separator string) string {
	all := make([]string, 0, len(state.WebResults)+len(state.AnalysisResults))
	all = append(all, state.WebResults...)
	all = append(all, state.AnalysisResults...)
	if len(all) == 0 {
		return noResultsText
	}
	return strings.Join(all, separator)
}
