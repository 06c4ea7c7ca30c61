package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gulfbridge/crm-automation/internal/leads"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides CRUD operations for tasks.
type Store struct {
	db DB
}

// NewStore creates a task store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// CreateIdempotent inserts a task guarded by its idempotency key. It returns
// created=false when a task with the same key already exists, including the
// case where a concurrent caller inserted it between our check and our write;
// the unique index makes that race indistinguishable from "already exists".
func (s *Store) CreateIdempotent(ctx context.Context, task *Task) (bool, error) {
	if task.IdempotencyKey == "" {
		return false, fmt.Errorf("tasks: idempotency key required")
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = StatusOpen
	}
	if task.Priority == "" {
		task.Priority = leads.PriorityNormal
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	ct, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, lead_id, title, type, due_at, status, priority, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		task.ID, task.LeadID, task.Title, string(task.Type), task.DueAt.UTC(),
		string(task.Status), string(task.Priority), task.IdempotencyKey,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("tasks: create idempotent: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Create inserts a task without an idempotency guard (manual tasks).
func (s *Store) Create(ctx context.Context, task *Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Status == "" {
		task.Status = StatusOpen
	}
	if task.Priority == "" {
		task.Priority = leads.PriorityNormal
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, lead_id, title, type, due_at, status, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.LeadID, task.Title, string(task.Type), task.DueAt.UTC(),
		string(task.Status), string(task.Priority), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// ListOpenByLead returns open tasks for a lead ordered by due date.
func (s *Store) ListOpenByLead(ctx context.Context, leadID uuid.UUID) ([]Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, lead_id, title, type, due_at, status, priority, idempotency_key, created_at, updated_at
		FROM tasks
		WHERE lead_id = $1 AND status = 'OPEN'
		ORDER BY due_at ASC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("tasks: list open by lead: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			task     Task
			taskType string
			status   string
			priority string
			key      *string
		)
		if err := rows.Scan(&task.ID, &task.LeadID, &task.Title, &taskType,
			&task.DueAt, &status, &priority, &key, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("tasks: scan: %w", err)
		}
		task.Type = Type(taskType)
		task.Status = Status(status)
		task.Priority = leads.Priority(priority)
		if key != nil {
			task.IdempotencyKey = *key
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// CountByKeyPrefix counts tasks whose idempotency key starts with the prefix.
func (s *Store) CountByKeyPrefix(ctx context.Context, prefix string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM tasks WHERE idempotency_key LIKE $1 || '%'`, prefix).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("tasks: count by key prefix: %w", err)
	}
	return count, nil
}

// MarkDone closes a task.
func (s *Store) MarkDone(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'DONE', updated_at = now()
		WHERE id = $1 AND status <> 'DONE'`, id)
	if err != nil {
		return fmt.Errorf("tasks: mark done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tasks: mark done: no open task with id %s", id)
	}
	return nil
}
