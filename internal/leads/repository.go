package leads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository defines lead storage as seen by the automation core.
type Repository interface {
	Create(ctx context.Context, req *CreateLeadRequest) (*Lead, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Lead, error)
	UpdateStage(ctx context.Context, id uuid.UUID, stage Stage) error
	SetPriority(ctx context.Context, id uuid.UUID, priority Priority) error
	SetNextFollowUp(ctx context.Context, id uuid.UUID, at time.Time) error
	ListExpiring(ctx context.Context, before time.Time) ([]Lead, error)
}

// PostgresRepository stores leads in the relational database.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository initializes a repo backed by pgx.
func NewPostgresRepository(db DB) *PostgresRepository {
	if db == nil {
		panic("leads: db required")
	}
	return &PostgresRepository{db: db}
}

const leadColumns = `id, name, phone, email, stage, owner_id, service_type, priority, next_follow_up_at, expires_at, deleted, created_at, updated_at`

// Create inserts a new lead in stage NEW.
func (r *PostgresRepository) Create(ctx context.Context, req *CreateLeadRequest) (*Lead, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	query := `
		INSERT INTO leads (id, name, phone, email, stage, service_type, priority, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	var createdAt, updatedAt time.Time
	if err := r.db.QueryRow(ctx, query,
		id,
		req.Name,
		req.Phone,
		req.Email,
		string(StageNew),
		req.ServiceType,
		string(PriorityNormal),
		req.Source,
	).Scan(&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("leads: insert failed: %w", err)
	}

	return &Lead{
		ID:          id,
		Name:        req.Name,
		Phone:       req.Phone,
		Email:       req.Email,
		Stage:       StageNew,
		ServiceType: req.ServiceType,
		Priority:    PriorityNormal,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

// GetByID fetches a lead. Soft-deleted leads are still returned; the caller
// decides whether deletion matters for its guard.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	lead, err := scanLead(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("leads: get by id: %w", err)
	}
	return lead, nil
}

// UpdateStage moves the lead to a new pipeline stage.
func (r *PostgresRepository) UpdateStage(ctx context.Context, id uuid.UUID, stage Stage) error {
	if !IsKnownStage(stage) {
		return ErrUnknownStage
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE leads SET stage = $1, updated_at = now()
		WHERE id = $2 AND NOT deleted`, string(stage), id)
	if err != nil {
		return fmt.Errorf("leads: update stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

// SetPriority updates follow-up urgency.
func (r *PostgresRepository) SetPriority(ctx context.Context, id uuid.UUID, priority Priority) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE leads SET priority = $1, updated_at = now()
		WHERE id = $2 AND NOT deleted`, string(priority), id)
	if err != nil {
		return fmt.Errorf("leads: set priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

// SetNextFollowUp records when the lead should next be touched.
func (r *PostgresRepository) SetNextFollowUp(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE leads SET next_follow_up_at = $1, updated_at = now()
		WHERE id = $2 AND NOT deleted`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("leads: set next follow-up: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

// ListExpiring returns live, non-terminal leads whose renewal expires before
// the given time. Feeds the EXPIRY_WINDOW rule sweep.
func (r *PostgresRepository) ListExpiring(ctx context.Context, before time.Time) ([]Lead, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+leadColumns+`
		FROM leads
		WHERE expires_at IS NOT NULL AND expires_at <= $1
		  AND stage NOT IN ('COMPLETED_WON', 'LOST')
		  AND NOT deleted
		ORDER BY expires_at ASC`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("leads: list expiring: %w", err)
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("leads: scan expiring: %w", err)
		}
		out = append(out, *lead)
	}
	return out, rows.Err()
}

func scanLead(row pgx.Row) (*Lead, error) {
	var (
		lead     Lead
		stage    string
		priority string
	)
	if err := row.Scan(
		&lead.ID, &lead.Name, &lead.Phone, &lead.Email, &stage, &lead.OwnerID,
		&lead.ServiceType, &priority, &lead.NextFollowUpAt, &lead.ExpiresAt,
		&lead.Deleted, &lead.CreatedAt, &lead.UpdatedAt,
	); err != nil {
		return nil, err
	}
	lead.Stage = Stage(stage)
	lead.Priority = Priority(priority)
	return &lead, nil
}
