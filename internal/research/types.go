package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"research/backend/internal/datasource"
	"research/backend/internal/search"
)

type TaskType string

const (
	TaskWebResearch  TaskType = "web_research"
	TaskDataAnalysis TaskType = "data_analysis"
)

var ErrUnknownTaskType = errors.New("unknown task type")

func ParseTaskType(raw string) (TaskType, error) {
	switch TaskType(strings.TrimSpace(strings.ToLower(raw))) {
	case TaskWebResearch:
		return TaskWebResearch, nil
	case TaskDataAnalysis:
		return TaskDataAnalysis, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, raw)
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Reference points from an in-text short id to the source it stands for.
// ShortID is the identity.
type Reference struct {
	ShortID string `json:"shortId"`
	Label   string `json:"label"`
	Value   string `json:"value"`
}

// Citation annotates the half-open byte span [StartIndex, EndIndex) of one
// specific string. Segments are rendered at EndIndex.
type Citation struct {
	StartIndex int
	EndIndex   int
	Segments   []Reference
}

// SubQueryTask is one unit of fan-out work. The only implementations are
// WebResearchTask and DataAnalysisTask.
type SubQueryTask interface {
	TaskID() int
	QueryText() string
	Kind() TaskType
	subQuery()
}

type WebResearchTask struct {
	ID    int
	Query string
}

func (t WebResearchTask) TaskID() int       { return t.ID }
func (t WebResearchTask) QueryText() string { return t.Query }
func (WebResearchTask) Kind() TaskType      { return TaskWebResearch }
func (WebResearchTask) subQuery()           {}

type DataAnalysisTask struct {
	ID     int
	Query  string
	Tables []string
}

func (t DataAnalysisTask) TaskID() int       { return t.ID }
func (t DataAnalysisTask) QueryText() string { return t.Query }
func (DataAnalysisTask) Kind() TaskType      { return TaskDataAnalysis }
func (DataAnalysisTask) subQuery()           {}

// Outcome is the cited result of one sub-query. Failed outcomes still carry
// marked text and a reference.
type Outcome struct {
	Task    SubQueryTask
	Text    string
	Sources []Reference
	Failed  bool
}

type Stage string

const (
	StageClassify Stage = "classify"
	StagePlan     Stage = "plan"
	StageFanout   Stage = "fanout"
	StageReflect  Stage = "reflect"
	StageFinalize Stage = "finalize"
	StageDone     Stage = "done"
)

// StageError wraps a fatal failure of one state machine stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("research %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, err error) error {
	var existing *StageError
	if errors.As(err, &existing) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

type DataSource interface {
	FetchSchema(ctx context.Context) (datasource.Schema, error)
	Query(ctx context.Context, tables []string) (map[string]datasource.Table, error)
}

// Analyzer answers one analysis question over loaded tables and returns the
// result as text.
type Analyzer interface {
	Analyze(ctx context.Context, question string, tables map[string]datasource.Table) (string, error)
}

type Searcher interface {
	Search(ctx context.Context, query string, count int) ([]search.Hit, error)
}

type PromptRenderer interface {
	Render(name, topic, date string, params map[string]any) (string, error)
}

// SchemaProbe fetches the current data source schema. A nil probe means no
// data source is configured.
type SchemaProbe func(ctx context.Context) (datasource.Schema, error)

// Settings is the process-level configuration of the research core.
type Settings struct {
	QueryModel      string
	ReflectionModel string
	AnswerModel     string

	DefaultInitialQueries int
	DefaultMaxLoops       int
	AnalysisTables        []string
	SearchResultsPerQuery int
	MaxParallelSubQueries int
	SubQueryTimeout       time.Duration
	RunTimeout            time.Duration
}

// RunConfig holds the per-run options a caller may set. An empty RunID is
// generated.
type RunConfig struct {
	RunID                   string `json:"-"`
	InitialSearchQueryCount int    `json:"initialSearchQueryCount,omitempty"`
	MaxResearchLoops        int    `json:"maxResearchLoops,omitempty"`
	ReasoningModel          string `json:"reasoningModel,omitempty"`
}

type RunResult struct {
	RunID           string        `json:"runId"`
	Answer          string        `json:"answer"`
	References      []Reference   `json:"references"`
	TaskType        TaskType      `json:"taskType"`
	Loops           int           `json:"loops"`
	SearchQueries   []string      `json:"searchQueries"`
	AnalysisQueries []string      `json:"analysisQueries"`
	KnowledgeGap    string        `json:"knowledgeGap,omitempty"`
	Duration        time.Duration `json:"duration"`
}

type Progress struct {
	Stage    Stage    `json:"stage"`
	Message  string   `json:"message,omitempty"`
	Loop     int      `json:"loop,omitempty"`
	MaxLoops int      `json:"maxLoops,omitempty"`
	Queries  []string `json:"queries,omitempty"`
}

func emitProgress(onProgress func(Progress), progress Progress) {
	if onProgress == nil {
		return
	}
	onProgress(progress)
}

const dateLayout = "January 2, 2006"
