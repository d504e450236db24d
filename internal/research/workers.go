package research

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"research/backend/internal/llm"
	"research/backend/internal/prompts"
	"research/backend/internal/search"

	"go.uber.org/zap"
)

const (
	webTemperature = 0

	noSearchResultsText = "No search results found."
	noAnalysisText      = "Analysis completed, but produced no displayable result."

	webLabel      = "Web Search"
	webErrorLabel = "Web Search Error"
	webErrorValue = "Error occurred during web research"

	dataLabel      = "Data Analysis"
	dataErrorLabel = "Data Analysis Error"
	dataErrorValue = "Error occurred during analysis"
)

var errNoDataSource = errors.New("no data source configured")

func webShortID(id int) string  { return fmt.Sprintf("https://search.id/%d", id) }
func dataShortID(id int) string { return fmt.Sprintf("https://analysis.id/%d", id) }

// citedOutcome wraps text in one citation spanning all of it.
func citedOutcome(task SubQueryTask, text string, ref Reference, failed bool) Outcome {
	citations := []Citation{{StartIndex: 0, EndIndex: len(text), Segments: []Reference{ref}}}
	return Outcome{
		Task:    task,
		Text:    InsertMarkers(text, citations),
		Sources: []Reference{ref},
		Failed:  failed,
	}
}

type webWorker struct {
	completions     llm.CompletionService
	prompts         PromptRenderer
	searcher        Searcher
	resultsPerQuery int
	model           string
	logger          *zap.Logger
	now             func() time.Time
}

func (w *webWorker) run(ctx context.Context, task WebResearchTask) Outcome {
	hits := w.ground(ctx, task.Query)

	prompt, err := w.prompts.Render(prompts.WebSearcher, task.Query, w.now().Format(dateLayout), map[string]any{
		"search_results": formatHits(hits),
	})
	if err != nil {
		return w.failed(task, err)
	}
	text, err := w.completions.Complete(ctx, llm.Request{Model: w.model, Prompt: prompt, Temperature: webTemperature})
	if err != nil {
		return w.failed(task, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = noSearchResultsText
	}

	value := searchURL(task.Query)
	if len(hits) > 0 {
		value = hits[0].URL
	}
	return citedOutcome(task, text, Reference{ShortID: webShortID(task.ID), Label: webLabel, Value: value}, false)
}

// ground runs the optional searcher. A search failure only costs grounding.
func (w *webWorker) ground(ctx context.Context, query string) []search.Hit {
	if w.searcher == nil {
		return nil
	}
	hits, err := w.searcher.Search(ctx, query, w.resultsPerQuery)
	if err != nil {
		w.logger.Warn("grounding search failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	out := hits[:0:0]
	for _, hit := range hits {
		if strings.TrimSpace(hit.URL) != "" {
			out = append(out, hit)
		}
	}
	return out
}

func (w *webWorker) failed(task WebResearchTask, err error) Outcome {
	w.logger.Warn("web research failed", zap.Int("id", task.ID), zap.String("query", task.Query), zap.Error(err))
	text := "Web research failed: " + err.Error()
	return citedOutcome(task, text, Reference{ShortID: webShortID(task.ID), Label: webErrorLabel, Value: webErrorValue}, true)
}

func formatHits(hits []search.Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var out strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&out, "[%d] %s\n%s\n", i+1, strings.TrimSpace(hit.Title), hit.URL)
		if snippet := strings.TrimSpace(hit.Snippet); snippet != "" {
			fmt.Fprintf(&out, "%s\n", snippet)
		}
		out.WriteString("\n")
	}
	return strings.TrimRight(out.String(), "\n")
}

func searchURL(query string) string {
	return "https://www.google.com/search?q=" + url.QueryEscape(query)
}

type dataWorker struct {
	source   DataSource
	analyzer Analyzer
	logger   *zap.Logger
}

func (w *dataWorker) run(ctx context.Context, task DataAnalysisTask) Outcome {
	text, err := w.analyze(ctx, task)
	if err != nil {
		w.logger.Warn("data analysis failed", zap.Int("id", task.ID), zap.String("query", task.Query), zap.Error(err))
		ref := Reference{ShortID: dataShortID(task.ID), Label: dataErrorLabel, Value: dataErrorValue}
		return citedOutcome(task, "Data analysis failed: "+err.Error(), ref, true)
	}
	ref := Reference{ShortID: dataShortID(task.ID), Label: dataLabel, Value: "Database: " + strings.Join(task.Tables, ", ")}
	return citedOutcome(task, text, ref, false)
}

func (w *dataWorker) analyze(ctx context.Context, task DataAnalysisTask) (string, error) {
	if w.source == nil || w.analyzer == nil {
		return "", errNoDataSource
	}
	if len(task.Tables) == 0 {
		return "", errors.New("no tables configured for analysis")
	}
	tables, err := w.source.Query(ctx, task.Tables)
	if err != nil {
		return "", err
	}
	text, err := w.analyzer.Analyze(ctx, task.Query, tables)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return noAnalysisText, nil
	}
	return text, nil
}
