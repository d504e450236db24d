// Package analysis answers analysis questions over tables fetched from the
// data source. Tables are loaded into a private in-memory SQLite database, a
// completion model writes a read-only query, and the query result is
// rendered as text.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"research/backend/internal/datasource"
	"research/backend/internal/llm"
	"research/backend/internal/prompts"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	defaultMaxResultRows = 200
	temperature          = 0
)

var (
	ErrNoTables    = errors.New("no tables loaded for analysis")
	ErrUnsafeQuery = errors.New("analysis query must be a single read-only SELECT")

	leadingKeyword = regexp.MustCompile(`(?is)^\s*(select|with)\b`)
)

type Renderer interface {
	Render(name, topic, date string, params map[string]any) (string, error)
}

type sqlReply struct {
	SQL       string `json:"sql"`
	Rationale string `json:"rationale"`
}

var sqlSchema = llm.ObjectSchema("analysis_sql", map[string]any{
	"sql":       llm.StringProperty("a single read-only SQLite SELECT statement"),
	"rationale": llm.StringProperty("what the statement computes"),
})

type Analyzer struct {
	completions   llm.CompletionService
	prompts       Renderer
	model         string
	maxResultRows int
	logger        *zap.Logger
	now           func() time.Time
}

type Option func(*Analyzer)

func WithMaxResultRows(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxResultRows = n
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func New(completions llm.CompletionService, renderer Renderer, model string, opts ...Option) *Analyzer {
	a := &Analyzer{
		completions:   completions,
		prompts:       renderer,
		model:         model,
		maxResultRows: defaultMaxResultRows,
		logger:        zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs question over tables and returns the rendered result.
func (a *Analyzer) Analyze(ctx context.Context, question string, tables map[string]datasource.Table) (string, error) {
	result, err := a.Run(ctx, question, tables)
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

// Run loads tables, asks for a query and executes it.
func (a *Analyzer) Run(ctx context.Context, question string, tables map[string]datasource.Table) (Result, error) {
	if len(tables) == 0 {
		return Result{}, ErrNoTables
	}

	workspace, err := openWorkspace(ctx, tables)
	if err != nil {
		return Result{}, err
	}
	defer workspace.Close()

	prompt, err := a.prompts.Render(prompts.DataAnalyzer, question, a.now().Format("January 2, 2006"), map[string]any{
		"tables": describeTables(tables),
	})
	if err != nil {
		return Result{}, err
	}

	reply, err := llm.Structured[sqlReply](ctx, a.completions, llm.Request{
		Model:       a.model,
		Prompt:      prompt,
		Temperature: temperature,
		Schema:      sqlSchema,
	})
	if err != nil {
		return Result{}, fmt.Errorf("write analysis query: %w", err)
	}

	statement, err := sanitizeQuery(reply.SQL)
	if err != nil {
		return Result{}, err
	}
	a.logger.Debug("running analysis query", zap.String("sql", statement), zap.String("rationale", reply.Rationale))

	result, err := workspace.query(ctx, statement, a.maxResultRows)
	if err != nil {
		return Result{}, fmt.Errorf("run analysis query: %w", err)
	}
	result.SQL = statement
	return result, nil
}

func sanitizeQuery(raw string) (string, error) {
	statement := strings.TrimSpace(raw)
	statement = strings.TrimPrefix(statement, "```sql")
	statement = strings.TrimPrefix(statement, "```")
	statement = strings.TrimSuffix(statement, "```")
	statement = strings.TrimSpace(statement)
	statement = strings.TrimRight(statement, "; \n\t")

	if statement == "" || strings.Contains(statement, ";") || !leadingKeyword.MatchString(statement) {
		return "", ErrUnsafeQuery
	}
	return statement, nil
}

func describeTables(tables map[string]datasource.Table) string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var out strings.Builder
	for _, name := range names {
		table := tables[name]
		fmt.Fprintf(&out, "- %s(%s): %d rows\n", quoteIdent(name), strings.Join(table.Columns, ", "), len(table.Rows))
	}
	return strings.TrimRight(out.String(), "\n")
}

type workspace struct {
	db *sqlx.DB
}

func openWorkspace(ctx context.Context, tables map[string]datasource.Table) (*workspace, error) {
	database, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open analysis workspace: %w", err)
	}
	// Every statement must see the same in-memory database.
	database.SetMaxOpenConns(1)

	ws := &workspace{db: database}
	for name, table := range tables {
		if err := ws.load(ctx, name, table); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("load table %s: %w", name, err)
		}
	}
	if _, err := database.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("lock analysis workspace: %w", err)
	}
	return ws, nil
}

func (w *workspace) load(ctx context.Context, name string, table datasource.Table) error {
	if len(table.Columns) == 0 {
		return errors.New("table has no columns")
	}
	quoted := make([]string, len(table.Columns))
	placeholders := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		quoted[i] = quoteIdent(col)
		placeholders[i] = "?"
	}

	if _, err := w.db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(quoted, ", "))); err != nil {
		return err
	}
	if len(table.Rows) == 0 {
		return nil
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), strings.Join(placeholders, ", ")))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, row := range table.Rows {
		if len(row) != len(table.Columns) {
			_ = tx.Rollback()
			return fmt.Errorf("row has %d values for %d columns", len(row), len(table.Columns))
		}
		values := make([]any, len(row))
		for i, value := range row {
			values[i] = sqliteValue(value)
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (w *workspace) query(ctx context.Context, statement string, maxRows int) (Result, error) {
	rows, err := w.db.QueryxContext(ctx, statement)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	result := Result{Columns: columns}
	for rows.Next() {
		if len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values, err := rows.SliceScan()
		if err != nil {
			return Result{}, err
		}
		for i, value := range values {
			if raw, ok := value.([]byte); ok {
				values[i] = string(raw)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}

func (w *workspace) Close() error {
	return w.db.Close()
}

func sqliteValue(value any) any {
	switch v := value.(type) {
	case nil, int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64, bool, string, []byte, time.Time:
		return v
	case uint:
		return int64(v)
	case uint64:
		return int64(v)
	default:
		return fmt.Sprint(v)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
