package research

import (
	"context"
	"strings"
	"time"

	"research/backend/internal/datasource"
	"research/backend/internal/llm"
	"research/backend/internal/prompts"

	"go.uber.org/zap"
)

const classifyTemperature = 0.5

var taskTypeSchema = llm.ObjectSchema("task_type", map[string]any{
	"task_type": llm.EnumProperty("how the question should be answered", string(TaskWebResearch), string(TaskDataAnalysis)),
	"rationale": llm.StringProperty("short explanation of the decision"),
})

type taskTypeReply struct {
	TaskType  string `json:"task_type"`
	Rationale string `json:"rationale"`
}

// Classifier routes a conversation to web research or data analysis.
type Classifier struct {
	completions llm.CompletionService
	prompts     PromptRenderer
	model       string
	logger      *zap.Logger
	now         func() time.Time
}

func NewClassifier(completions llm.CompletionService, renderer PromptRenderer, model string, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{completions: completions, prompts: renderer, model: model, logger: logger, now: time.Now}
}

// Classify fetches the schema through probe, then asks for a task type. A
// data_analysis decision without any tables is downgraded to web_research.
func (c *Classifier) Classify(ctx context.Context, conversation []Message, probe SchemaProbe) (TaskType, datasource.Schema, error) {
	schema := c.fetchSchema(ctx, probe)

	tables := "none"
	if names := schema.TableNames(); len(names) > 0 {
		tables = strings.Join(names, ", ")
	}
	prompt, err := c.prompts.Render(prompts.TaskType, researchTopic(conversation), c.now().Format(dateLayout), map[string]any{
		"tables": tables,
	})
	if err != nil {
		return "", schema, stageError(StageClassify, err)
	}

	reply, err := llm.Structured[taskTypeReply](ctx, c.completions, llm.Request{
		Model:       c.model,
		Prompt:      prompt,
		Temperature: classifyTemperature,
		Schema:      taskTypeSchema,
	})
	if err != nil {
		return "", schema, stageError(StageClassify, err)
	}

	taskType, err := ParseTaskType(reply.TaskType)
	if err != nil {
		return "", schema, stageError(StageClassify, &llm.DecodeError{Target: taskTypeSchema.Name, Raw: reply.TaskType, Err: err})
	}
	c.logger.Debug("classified research task", zap.String("task_type", string(taskType)), zap.String("rationale", reply.Rationale))

	if taskType == TaskDataAnalysis && len(schema) == 0 {
		c.logger.Info("no data source tables available, using web research")
		taskType = TaskWebResearch
	}
	return taskType, schema, nil
}

func (c *Classifier) fetchSchema(ctx context.Context, probe SchemaProbe) datasource.Schema {
	if probe == nil {
		return datasource.Schema{}
	}
	schema, err := probe(ctx)
	if err != nil {
		c.logger.Warn("fetch data source schema failed", zap.Error(err))
		return datasource.Schema{}
	}
	if schema == nil {
		return datasource.Schema{}
	}
	return schema
}
