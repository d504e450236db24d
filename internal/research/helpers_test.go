package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"research/backend/internal/datasource"
	"research/backend/internal/llm"
	"research/backend/internal/prompts"
	"research/backend/internal/search"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testQueryModel      = "query-model"
	testReflectionModel = "reflection-model"
	testAnswerModel     = "answer-model"
)

// scriptedLLM answers by schema name. Free-text calls are told apart by model.
type scriptedLLM struct {
	mu sync.Mutex

	taskType        string
	searchQueries   []string
	analysisQueries []string
	reflections     []reflectionReply
	webAnswer       func(prompt string) (string, error)
	answer          string
	answerErr       error
	failSchema      string

	calls      []llm.Request
	reflectIdx int
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if req.Schema != nil && req.Schema.Name == s.failSchema {
		return "", &llm.TransportError{Backend: "test", StatusCode: 503}
	}

	if req.Schema == nil {
		if req.Model == testQueryModel {
			if s.webAnswer != nil {
				return s.webAnswer(req.Prompt)
			}
			return "finding", nil
		}
		return s.answer, s.answerErr
	}

	switch req.Schema.Name {
	case "task_type":
		return mustJSON(map[string]any{"task_type": s.taskType, "rationale": "test"}), nil
	case "search_queries":
		return mustJSON(map[string]any{"rationale": "test", "query": s.searchQueries}), nil
	case "analysis_queries":
		return mustJSON(map[string]any{"rationale": "test", "analysis_query": s.analysisQueries}), nil
	case "reflection":
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.reflectIdx >= len(s.reflections) {
			return mustJSON(reflectionReply{IsSufficient: true, FollowUpQueries: []string{}}), nil
		}
		reply := s.reflections[s.reflectIdx]
		s.reflectIdx++
		return mustJSON(reply), nil
	default:
		return "", errors.New("unexpected schema " + req.Schema.Name)
	}
}

func (s *scriptedLLM) requestsFor(schema string) []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []llm.Request
	for _, req := range s.calls {
		if req.Schema != nil && req.Schema.Name == schema {
			out = append(out, req)
		}
	}
	return out
}

func (s *scriptedLLM) freeTextCalls(model string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.calls {
		if req.Schema == nil && req.Model == model {
			n++
		}
	}
	return n
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

type stubDataSource struct {
	schema    datasource.Schema
	schemaErr error
	tables    map[string]datasource.Table
	queryErr  error

	mu      sync.Mutex
	queried [][]string
}

func (s *stubDataSource) FetchSchema(context.Context) (datasource.Schema, error) {
	return s.schema, s.schemaErr
}

func (s *stubDataSource) Query(_ context.Context, tables []string) (map[string]datasource.Table, error) {
	s.mu.Lock()
	s.queried = append(s.queried, tables)
	s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.tables, nil
}

type stubAnalyzer struct {
	text string
	err  error
}

func (a stubAnalyzer) Analyze(context.Context, string, map[string]datasource.Table) (string, error) {
	return a.text, a.err
}

type stubSearcher struct {
	hits []search.Hit
	err  error
}

func (s stubSearcher) Search(context.Context, string, int) ([]search.Hit, error) {
	return s.hits, s.err
}

func salesSchema() datasource.Schema {
	return datasource.Schema{
		"sales": {
			Columns: []datasource.Column{
				{Name: "id", Type: "integer", PrimaryKey: true},
				{Name: "category", Type: "text"},
				{Name: "revenue", Type: "numeric"},
			},
			PrimaryKeys: []string{"id"},
			RowCount:    3,
		},
	}
}

func testSettings() Settings {
	return Settings{
		QueryModel:      testQueryModel,
		ReflectionModel: testReflectionModel,
		AnswerModel:     testAnswerModel,
	}
}

func userMessage(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}

func testPrompts() PromptRenderer {
	return prompts.Defaults()
}

func containsAll(s string, parts ...string) bool {
	for _, part := range parts {
		if !strings.Contains(s, part) {
			return false
		}
	}
	return true
}
