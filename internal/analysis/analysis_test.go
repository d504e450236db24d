package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"research/backend/internal/datasource"
	"research/backend/internal/llm"
	"research/backend/internal/prompts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func salesTables() map[string]datasource.Table {
	return map[string]datasource.Table{
		"sales": {
			Name:    "sales",
			Columns: []string{"id", "category", "revenue"},
			Rows: [][]any{
				{int64(1), "books", int64(120)},
				{int64(2), "games", int64(300)},
				{int64(3), "books", int64(80)},
			},
		},
	}
}

func replying(sql string, seen *llm.Request) llm.CompletionService {
	return llm.CompletionFunc(func(_ context.Context, req llm.Request) (string, error) {
		if seen != nil {
			*seen = req
		}
		return `{"sql": ` + quoteJSON(sql) + `, "rationale": "totals"}`, nil
	})
}

func quoteJSON(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func TestRunAggregatesLoadedTables(t *testing.T) {
	var seen llm.Request
	analyzer := New(replying(`SELECT category, SUM(revenue) AS total FROM sales GROUP BY category ORDER BY total DESC;`, &seen), prompts.Defaults(), "analysis-model")

	result, err := analyzer.Run(context.Background(), "Revenue by category", salesTables())
	require.NoError(t, err)

	assert.Equal(t, "analysis-model", seen.Model)
	assert.Contains(t, seen.Prompt, `"sales"(id, category, revenue): 3 rows`)
	assert.Equal(t, []string{"category", "total"}, result.Columns)
	assert.Equal(t, [][]any{{"games", int64(300)}, {"books", int64(200)}}, result.Rows)
	assert.False(t, result.Truncated)
}

func TestAnalyzeRendersTable(t *testing.T) {
	analyzer := New(replying("SELECT category, revenue FROM sales WHERE id = 2", nil), prompts.Defaults(), "m")

	text, err := analyzer.Analyze(context.Background(), "q", salesTables())
	require.NoError(t, err)
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "category"))
	assert.Contains(t, lines[1], "games")
	assert.Contains(t, lines[1], "300")
}

func TestRunTruncatesLargeResults(t *testing.T) {
	analyzer := New(replying("SELECT * FROM sales ORDER BY id", nil), prompts.Defaults(), "m", WithMaxResultRows(2))

	result, err := analyzer.Run(context.Background(), "q", salesTables())
	require.NoError(t, err)
	assert.Len(t, result.Rows, 2)
	assert.True(t, result.Truncated)
	assert.Contains(t, result.String(), "(showing first 2 rows)")
}

func TestRunRejectsWrites(t *testing.T) {
	for _, statement := range []string{
		"DELETE FROM sales",
		"SELECT 1; DROP TABLE sales",
		"PRAGMA table_info(sales)",
		"",
	} {
		analyzer := New(replying(statement, nil), prompts.Defaults(), "m")
		_, err := analyzer.Run(context.Background(), "q", salesTables())
		assert.ErrorIs(t, err, ErrUnsafeQuery, statement)
	}
}

func TestRunRequiresTables(t *testing.T) {
	analyzer := New(replying("SELECT 1", nil), prompts.Defaults(), "m")
	_, err := analyzer.Run(context.Background(), "q", nil)
	assert.ErrorIs(t, err, ErrNoTables)
}

func TestRunSurfacesCompletionErrors(t *testing.T) {
	boom := errors.New("upstream down")
	failing := llm.CompletionFunc(func(context.Context, llm.Request) (string, error) { return "", boom })
	analyzer := New(failing, prompts.Defaults(), "m")

	_, err := analyzer.Run(context.Background(), "q", salesTables())
	assert.ErrorIs(t, err, boom)
}

func TestRunReportsMalformedReply(t *testing.T) {
	garbage := llm.CompletionFunc(func(context.Context, llm.Request) (string, error) { return "no json here", nil })
	analyzer := New(garbage, prompts.Defaults(), "m")

	_, err := analyzer.Run(context.Background(), "q", salesTables())
	var decodeErr *llm.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestSanitizeQueryStripsFences(t *testing.T) {
	got, err := sanitizeQuery("```sql\nWITH t AS (SELECT 1 AS x) SELECT x FROM t;\n```")
	require.NoError(t, err)
	assert.Equal(t, "WITH t AS (SELECT 1 AS x) SELECT x FROM t", got)
}

func TestResultStringFallsBackWithoutColumns(t *testing.T) {
	assert.Equal(t, FallbackText, Result{}.String())
	assert.Contains(t, Result{Columns: []string{"n"}}.String(), "(no rows)")
}
