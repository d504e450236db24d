package research

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"research/backend/internal/datasource"
	"research/backend/internal/llm"
	"research/backend/internal/prompts"

	"go.uber.org/zap"
)

const (
	planTemperature     = 1.0
	nearDuplicateCutoff = 0.8
)

var (
	webQuerySchema = llm.ObjectSchema("search_queries", map[string]any{
		"rationale": llm.StringProperty("why the queries cover the question"),
		"query":     llm.StringListProperty("search queries"),
	})
	analysisQuerySchema = llm.ObjectSchema("analysis_queries", map[string]any{
		"rationale":      llm.StringProperty("why the questions answer the original one"),
		"analysis_query": llm.StringListProperty("analysis questions"),
	})
)

type webQueryReply struct {
	Rationale string   `json:"rationale"`
	Query     []string `json:"query"`
}

type analysisQueryReply struct {
	Rationale     string   `json:"rationale"`
	AnalysisQuery []string `json:"analysis_query"`
}

// Planner turns a classified conversation into the first batch of queries.
type Planner struct {
	completions llm.CompletionService
	prompts     PromptRenderer
	model       string
	logger      *zap.Logger
	now         func() time.Time
}

func NewPlanner(completions llm.CompletionService, renderer PromptRenderer, model string, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{completions: completions, prompts: renderer, model: model, logger: logger, now: time.Now}
}

// Plan never returns an empty list; the topic itself is the last resort.
// Web queries are capped at requested, analysis queries are not. schema is
// only consulted for data analysis.
func (p *Planner) Plan(ctx context.Context, taskType TaskType, conversation []Message, requested int, schema datasource.Schema) ([]string, error) {
	topic := researchTopic(conversation)
	date := p.now().Format(dateLayout)

	var queries []string
	switch taskType {
	case TaskWebResearch:
		if requested < 1 {
			requested = 1
		}
		prompt, err := p.prompts.Render(prompts.QueryWriter, topic, date, map[string]any{"number_queries": requested})
		if err != nil {
			return nil, stageError(StagePlan, err)
		}
		reply, err := llm.Structured[webQueryReply](ctx, p.completions, llm.Request{
			Model: p.model, Prompt: prompt, Temperature: planTemperature, Schema: webQuerySchema,
		})
		if err != nil {
			return nil, stageError(StagePlan, err)
		}
		queries = collapseNearDuplicates(reply.Query)
		if len(queries) > requested {
			queries = queries[:requested]
		}
		p.logger.Debug("planned search queries", zap.Strings("queries", queries), zap.String("rationale", reply.Rationale))
	case TaskDataAnalysis:
		prompt, err := p.prompts.Render(prompts.DataAnalysis, topic, date, map[string]any{"tables": describeSchema(schema)})
		if err != nil {
			return nil, stageError(StagePlan, err)
		}
		reply, err := llm.Structured[analysisQueryReply](ctx, p.completions, llm.Request{
			Model: p.model, Prompt: prompt, Temperature: planTemperature, Schema: analysisQuerySchema,
		})
		if err != nil {
			return nil, stageError(StagePlan, err)
		}
		queries = dedupeExact(reply.AnalysisQuery)
		p.logger.Debug("planned analysis queries", zap.Strings("queries", queries), zap.String("rationale", reply.Rationale))
	default:
		return nil, stageError(StagePlan, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType))
	}

	if len(queries) == 0 {
		queries = []string{strings.TrimSpace(topic)}
	}
	return queries, nil
}

func dedupeExact(queries []string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, query := range queries {
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}
		if _, ok := seen[query]; ok {
			continue
		}
		seen[query] = struct{}{}
		out = append(out, query)
	}
	return out
}

// collapseNearDuplicates keeps the first of any group of queries that are
// equal after normalization or share most of their tokens.
func collapseNearDuplicates(queries []string) []string {
	type kept struct {
		normalized string
		tokens     map[string]struct{}
	}
	var seen []kept
	out := make([]string, 0, len(queries))
	for _, query := range queries {
		query = strings.TrimSpace(query)
		if query == "" {
			continue
		}
		normalized := normalizeQuery(query)
		tokens := tokenSet(normalized)
		duplicate := false
		for _, prior := range seen {
			if prior.normalized == normalized || jaccard(prior.tokens, tokens) >= nearDuplicateCutoff {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		seen = append(seen, kept{normalized: normalized, tokens: tokens})
		out = append(out, query)
	}
	return out
}

func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func tokenSet(normalized string) map[string]struct{} {
	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		set[field] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for token := range a {
		if _, ok := b[token]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

func describeSchema(schema datasource.Schema) string {
	names := schema.TableNames()
	if len(names) == 0 {
		return "none"
	}
	var out strings.Builder
	for _, name := range names {
		table := schema[name]
		columns := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			columns[i] = col.Name + " " + col.Type
		}
		fmt.Fprintf(&out, "- %s(%s): %d rows\n", name, strings.Join(columns, ", "), table.RowCount)
	}
	return strings.TrimRight(out.String(), "\n")
}
