package research

import (
	"errors"
	"fmt"
	"strings"

	"research/backend/internal/datasource"
)

var ErrReferenceConflict = errors.New("reference short id already bound to a different value")

// SourceSet is an insertion-ordered set of references keyed by short id.
type SourceSet struct {
	order []Reference
	index map[string]int
}

func NewSourceSet() *SourceSet {
	return &SourceSet{index: make(map[string]int)}
}

// Add inserts ref unless its short id is already present. A present id bound
// to a different value keeps the first value and reports ErrReferenceConflict.
func (s *SourceSet) Add(ref Reference) error {
	if i, ok := s.index[ref.ShortID]; ok {
		if s.order[i].Value != ref.Value {
			return fmt.Errorf("%w: %s", ErrReferenceConflict, ref.ShortID)
		}
		return nil
	}
	s.index[ref.ShortID] = len(s.order)
	s.order = append(s.order, ref)
	return nil
}

func (s *SourceSet) List() []Reference {
	out := make([]Reference, len(s.order))
	copy(out, s.order)
	return out
}

func (s *SourceSet) Len() int {
	return len(s.order)
}

// ResearchState is the aggregate threaded through one run. Only the
// orchestrator goroutine mutates it.
type ResearchState struct {
	Messages []Message
	TaskType TaskType

	SearchQueries   []string
	AnalysisQueries []string
	WebResults      []string
	AnalysisResults []string
	Sources         *SourceSet

	ResearchLoopCount int
	IsSufficient      bool
	KnowledgeGap      string
	FollowUpQueries   []string

	MaxResearchLoops  int
	InitialQueryCount int
	ReasoningModel    string

	DatabaseSchema datasource.Schema

	finalSources []Reference
}

func NewResearchState(messages []Message, cfg RunConfig) *ResearchState {
	history := make([]Message, len(messages))
	copy(history, messages)
	return &ResearchState{
		Messages:          history,
		Sources:           NewSourceSet(),
		MaxResearchLoops:  cfg.MaxResearchLoops,
		InitialQueryCount: cfg.InitialSearchQueryCount,
		ReasoningModel:    cfg.ReasoningModel,
	}
}

// QueriesRun counts the sub-queries of both kinds merged so far.
func (s *ResearchState) QueriesRun() int {
	return len(s.SearchQueries) + len(s.AnalysisQueries)
}

func (s *ResearchState) Topic() string {
	return researchTopic(s.Messages)
}

// researchTopic renders the conversation the prompts are asked about. A
// single message is used as is.
func researchTopic(messages []Message) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var out strings.Builder
	for _, message := range messages {
		switch message.Role {
		case RoleUser:
			fmt.Fprintf(&out, "User: %s\n", message.Content)
		case RoleAssistant:
			fmt.Fprintf(&out, "Assistant: %s\n", message.Content)
		}
	}
	return out.String()
}
