// Package runstore keeps a record of research runs so their outcome can be
// fetched after the request that started them returns.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"research/backend/internal/research"

	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("run not found")

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Run struct {
	ID         string               `json:"id"`
	Status     Status               `json:"status"`
	Question   string               `json:"question"`
	TaskType   string               `json:"taskType,omitempty"`
	Answer     string               `json:"answer,omitempty"`
	References []research.Reference `json:"references"`
	Loops      int                  `json:"loops"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  string               `json:"createdAt"`
	UpdatedAt  string               `json:"updatedAt"`
}

type runRow struct {
	ID             string `db:"id"`
	Status         string `db:"status"`
	Question       string `db:"question"`
	TaskType       string `db:"task_type"`
	Answer         string `db:"answer"`
	ReferencesJSON string `db:"references_json"`
	Loops          int    `db:"loops"`
	Error          string `db:"error"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS research_runs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  question TEXT NOT NULL,
  task_type TEXT NOT NULL DEFAULT '',
  answer TEXT NOT NULL DEFAULT '',
  references_json TEXT NOT NULL DEFAULT '[]',
  loops INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewStore(db *sqlx.DB) Store {
	return Store{db: db, now: time.Now}
}

func (s Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate research_runs: %w", err)
	}
	return nil
}

func (s Store) CreateRun(ctx context.Context, id, question string) (Run, error) {
	stamp := s.timestamp()
	query := s.db.Rebind(`INSERT INTO research_runs (id, status, question, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, id, string(StatusRunning), strings.TrimSpace(question), stamp, stamp); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}
	return Run{
		ID:         id,
		Status:     StatusRunning,
		Question:   strings.TrimSpace(question),
		References: []research.Reference{},
		CreatedAt:  stamp,
		UpdatedAt:  stamp,
	}, nil
}

func (s Store) CompleteRun(ctx context.Context, result research.RunResult) error {
	refs := result.References
	if refs == nil {
		refs = []research.Reference{}
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("encode references: %w", err)
	}
	query := s.db.Rebind(`
UPDATE research_runs
SET status = ?, task_type = ?, answer = ?, references_json = ?, loops = ?, updated_at = ?
WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(StatusCompleted), string(result.TaskType), result.Answer, string(encoded), result.Loops, s.timestamp(), result.RunID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return requireRow(res)
}

func (s Store) FailRun(ctx context.Context, id string, runErr error) error {
	message := "unknown error"
	if runErr != nil {
		message = runErr.Error()
	}
	query := s.db.Rebind(`UPDATE research_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, string(StatusFailed), message, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return requireRow(res)
}

func (s Store) GetRun(ctx context.Context, id string) (Run, error) {
	var row runRow
	query := s.db.Rebind(`
SELECT id, status, question, task_type, answer, references_json, loops, error, created_at, updated_at
FROM research_runs
WHERE id = ?`)
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}

	refs := []research.Reference{}
	if strings.TrimSpace(row.ReferencesJSON) != "" {
		if err := json.Unmarshal([]byte(row.ReferencesJSON), &refs); err != nil {
			return Run{}, fmt.Errorf("decode references for run %s: %w", id, err)
		}
	}
	return Run{
		ID:         row.ID,
		Status:     Status(row.Status),
		Question:   row.Question,
		TaskType:   row.TaskType,
		Answer:     row.Answer,
		References: refs,
		Loops:      row.Loops,
		Error:      row.Error,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

func (s Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
