package research

import (
	"context"
	"fmt"
	"time"

	"research/backend/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultMaxParallel = 8

// Executor runs a batch of sub-queries concurrently and returns their
// outcomes in dispatch order.
type Executor struct {
	web         *webWorker
	data        *dataWorker
	maxParallel int
	timeout     time.Duration
	logger      *zap.Logger
}

// NewTasks builds a batch of one kind. Ids continue from offset.
func NewTasks(taskType TaskType, queries []string, offset int, tables []string) ([]SubQueryTask, error) {
	tasks := make([]SubQueryTask, 0, len(queries))
	for i, query := range queries {
		switch taskType {
		case TaskWebResearch:
			tasks = append(tasks, WebResearchTask{ID: offset + i, Query: query})
		case TaskDataAnalysis:
			tasks = append(tasks, DataAnalysisTask{ID: offset + i, Query: query, Tables: tables})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
		}
	}
	return tasks, nil
}

// Dispatch never fails as a whole. Each task runs under its own timeout and
// a failing or panicking task yields an in-band failed outcome.
func (e *Executor) Dispatch(ctx context.Context, tasks []SubQueryTask) []Outcome {
	outcomes := make([]Outcome, len(tasks))

	var group errgroup.Group
	limit := e.maxParallel
	if limit < 1 {
		limit = defaultMaxParallel
	}
	group.SetLimit(limit)

	for i, task := range tasks {
		group.Go(func() error {
			outcomes[i] = e.runOne(ctx, task)
			return nil
		})
	}
	_ = group.Wait()
	return outcomes
}

func (e *Executor) runOne(ctx context.Context, task SubQueryTask) (outcome Outcome) {
	taskCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("sub-query panicked", zap.Int("id", task.TaskID()), zap.Any("panic", recovered))
			outcome = e.panicked(task, recovered)
		}
		status := "ok"
		if outcome.Failed {
			status = "failed"
		}
		metrics.SubQueriesTotal.WithLabelValues(string(task.Kind()), status).Inc()
	}()

	switch t := task.(type) {
	case WebResearchTask:
		return e.web.run(taskCtx, t)
	case DataAnalysisTask:
		return e.data.run(taskCtx, t)
	default:
		panic(fmt.Sprintf("unsupported sub-query task %T", task))
	}
}

func (e *Executor) panicked(task SubQueryTask, recovered any) Outcome {
	err := fmt.Errorf("panic: %v", recovered)
	switch t := task.(type) {
	case WebResearchTask:
		return citedOutcome(t, "Web research failed: "+err.Error(), Reference{ShortID: webShortID(t.ID), Label: webErrorLabel, Value: webErrorValue}, true)
	case DataAnalysisTask:
		return citedOutcome(t, "Data analysis failed: "+err.Error(), Reference{ShortID: dataShortID(t.ID), Label: dataErrorLabel, Value: dataErrorValue}, true)
	default:
		return Outcome{Task: task, Text: err.Error(), Failed: true}
	}
}
