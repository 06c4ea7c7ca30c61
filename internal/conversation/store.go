package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gulfbridge/crm-automation/internal/events"
)

// ErrVersionConflict signals a stale StateVersion. The caller must re-load
// and retry; the store never retries on its own.
var ErrVersionConflict = errors.New("conversation: state version conflict")

// ErrNotFound is returned when no conversation matches.
var ErrNotFound = errors.New("conversation: not found")

// DB abstracts the pgx interface used by the store.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists conversation state in Postgres.
//
// Two invariants live here rather than in application code:
//   - at most one open conversation per (contact_id, channel), enforced by a
//     partial unique index;
//   - lost updates are detected through state_version, bumped on every write.
type Store struct {
	db DB
}

// NewStore creates a conversation store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("conversation: db required")
	}
	return &Store{db: db}
}

// FindOrCreateOpen returns the open conversation for (contact, channel),
// creating it if absent. Concurrent creators race on the partial unique
// index; the loser re-reads the winner's row.
func (s *Store) FindOrCreateOpen(ctx context.Context, leadID uuid.UUID, contactID string, channel events.Channel, externalThreadID string) (*State, error) {
	if contactID == "" {
		return nil, fmt.Errorf("conversation: contact id required")
	}

	state, err := s.findOpen(ctx, contactID, channel)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	id := uuid.New()
	_, err = s.db.Exec(ctx, `
		INSERT INTO conversations (id, lead_id, contact_id, channel, external_thread_id, status, stage, known_fields, state_version)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), 'open', $6, '{}', 1)
		ON CONFLICT (contact_id, channel) WHERE status = 'open' DO NOTHING`,
		id, leadID, contactID, string(channel), externalThreadID, string(StageNew),
	)
	if err != nil {
		return nil, fmt.Errorf("conversation: create: %w", err)
	}

	// Either our insert landed or a concurrent one did; the lookup settles it.
	return s.findOpen(ctx, contactID, channel)
}

// FindOpen returns the open conversation for (contact, channel) or ErrNotFound.
func (s *Store) FindOpen(ctx context.Context, contactID string, channel events.Channel) (*State, error) {
	return s.findOpen(ctx, contactID, channel)
}

// FindOpenByLead returns a lead's most recently active open conversation, or
// ErrNotFound. A lead may hold one open conversation per channel.
func (s *Store) FindOpenByLead(ctx context.Context, leadID uuid.UUID) (*State, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, lead_id, contact_id, channel, stage, known_fields, questions_asked, locked_service, last_inbound_at, last_outbound_at, state_version
		FROM conversations
		WHERE lead_id = $1 AND status = 'open'
		ORDER BY last_inbound_at DESC NULLS LAST
		LIMIT 1`, leadID)
	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: find open by lead: %w", err)
	}
	return s.mergeStructuredFields(ctx, state)
}

func (s *Store) findOpen(ctx context.Context, contactID string, channel events.Channel) (*State, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, lead_id, contact_id, channel, stage, known_fields, questions_asked, locked_service, last_inbound_at, last_outbound_at, state_version
		FROM conversations
		WHERE contact_id = $1 AND channel = $2 AND status = 'open'`,
		contactID, string(channel))
	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: find open: %w", err)
	}
	return s.mergeStructuredFields(ctx, state)
}

// LoadState reconstructs the state snapshot for a conversation, merging the
// legacy JSONB known_fields column with the structured conversation_fields
// rows. The structured store wins on key conflict.
func (s *Store) LoadState(ctx context.Context, conversationID uuid.UUID) (*State, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, lead_id, contact_id, channel, stage, known_fields, questions_asked, locked_service, last_inbound_at, last_outbound_at, state_version
		FROM conversations
		WHERE id = $1`, conversationID)
	state, err := scanState(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversation: load state: %w", err)
	}
	return s.mergeStructuredFields(ctx, state)
}

func (s *Store) mergeStructuredFields(ctx context.Context, state *State) (*State, error) {
	rows, err := s.db.Query(ctx, `
		SELECT field, value FROM conversation_fields WHERE conversation_id = $1`,
		state.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation: load fields: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("conversation: scan field: %w", err)
		}
		if value != "" {
			state.KnownFields[field] = value
		}
	}
	return state, rows.Err()
}

// CompareAndSwap persists a mutated state if the stored version still equals
// expectedVersion, bumping the version and syncing the structured field rows
// in the same transaction. Returns ErrVersionConflict on a stale version.
func (s *Store) CompareAndSwap(ctx context.Context, expectedVersion int64, state State) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversation: begin cas: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	legacy, err := json.Marshal(state.KnownFields)
	if err != nil {
		return fmt.Errorf("conversation: marshal known fields: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE conversations
		SET stage = $1, known_fields = $2, questions_asked = $3, locked_service = NULLIF($4, ''),
		    last_inbound_at = $5, last_outbound_at = $6,
		    state_version = state_version + 1, updated_at = now()
		WHERE id = $7 AND state_version = $8`,
		string(state.Stage), legacy, state.QuestionsAskedCount, state.LockedService,
		state.LastInboundAt, state.LastOutboundAt, state.ConversationID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("conversation: cas update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	for field, value := range state.KnownFields {
		if value == "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_fields (conversation_id, field, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, field) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
			state.ConversationID, field, value,
		); err != nil {
			return fmt.Errorf("conversation: upsert field %s: %w", field, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversation: commit cas: %w", err)
	}
	return nil
}

// TouchOutbound stamps last_outbound_at without going through the CAS path;
// a timestamp refresh can not lose qualification data.
func (s *Store) TouchOutbound(ctx context.Context, conversationID uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET last_outbound_at = $1, updated_at = now()
		WHERE id = $2`, at.UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("conversation: touch outbound: %w", err)
	}
	return nil
}

// Close marks a conversation closed, freeing the (contact, channel) slot.
func (s *Store) Close(ctx context.Context, conversationID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversations SET status = 'closed', updated_at = now()
		WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("conversation: close: %w", err)
	}
	return nil
}

func scanState(row pgx.Row) (*State, error) {
	var (
		state      State
		channel    string
		stage      string
		legacyJSON []byte
		lockedSvc  *string
	)
	if err := row.Scan(
		&state.ConversationID, &state.LeadID, &state.ContactID, &channel, &stage,
		&legacyJSON, &state.QuestionsAskedCount, &lockedSvc,
		&state.LastInboundAt, &state.LastOutboundAt, &state.StateVersion,
	); err != nil {
		return nil, err
	}
	state.Channel = events.Channel(channel)
	state.Stage = Stage(stage)
	state.KnownFields = map[string]string{}
	if len(legacyJSON) > 0 {
		// Legacy rows may hold anything; a bad blob degrades to empty fields.
		_ = json.Unmarshal(legacyJSON, &state.KnownFields)
	}
	if lockedSvc != nil {
		state.LockedService = *lockedSvc
	}
	return &state, nil
}
