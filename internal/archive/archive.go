// Package archive writes finished research reports to object storage or a
// local directory.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"research/backend/internal/research"
)

const defaultPrefix = "research-reports"

type ObjectStore interface {
	Backend() string
	PutObject(ctx context.Context, objectPath, contentType string, data []byte) error
}

type Archiver struct {
	store  ObjectStore
	prefix string
	now    func() time.Time
}

func New(store ObjectStore) *Archiver {
	return &Archiver{store: store, prefix: defaultPrefix, now: time.Now}
}

func (a *Archiver) Backend() string {
	return a.store.Backend()
}

type Report struct {
	RunID       string               `json:"runId"`
	Question    string               `json:"question"`
	Answer      string               `json:"answer"`
	TaskType    research.TaskType    `json:"taskType"`
	Loops       int                  `json:"loops"`
	References  []research.Reference `json:"references"`
	CompletedAt string               `json:"completedAt"`
}

// Save writes the report as markdown and as JSON under the run id and
// returns the markdown object path.
func (a *Archiver) Save(ctx context.Context, question string, result research.RunResult) (string, error) {
	if strings.TrimSpace(result.RunID) == "" {
		return "", fmt.Errorf("archive report: run id is required")
	}
	report := Report{
		RunID:       result.RunID,
		Question:    strings.TrimSpace(question),
		Answer:      result.Answer,
		TaskType:    result.TaskType,
		Loops:       result.Loops,
		References:  result.References,
		CompletedAt: a.now().UTC().Format(time.RFC3339),
	}
	if report.References == nil {
		report.References = []research.Reference{}
	}

	base := a.prefix + "/" + result.RunID
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := a.store.PutObject(ctx, base+".json", "application/json", encoded); err != nil {
		return "", err
	}
	markdownPath := base + ".md"
	if err := a.store.PutObject(ctx, markdownPath, "text/markdown; charset=utf-8", []byte(RenderMarkdown(report))); err != nil {
		return "", err
	}
	return markdownPath, nil
}

func RenderMarkdown(report Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "# %s\n\n", firstLine(report.Question))
	out.WriteString(strings.TrimSpace(report.Answer))
	out.WriteString("\n")
	if len(report.References) > 0 {
		out.WriteString("\n## Sources\n\n")
		for i, ref := range report.References {
			fmt.Fprintf(&out, "%d. [%s](%s)\n", i+1, ref.Label, ref.Value)
		}
	}
	fmt.Fprintf(&out, "\n---\nrun %s, %s, %d loops, %s\n", report.RunID, report.TaskType, report.Loops, report.CompletedAt)
	return out.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "Research report"
	}
	return s
}
