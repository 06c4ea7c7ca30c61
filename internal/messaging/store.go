package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gulfbridge/crm-automation/internal/events"
)

// Direction of a message relative to us.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus tracks delivery lifecycle.
type MessageStatus string

const (
	StatusPending  MessageStatus = "PENDING"
	StatusSent     MessageStatus = "SENT"
	StatusFailed   MessageStatus = "FAILED"
	StatusReceived MessageStatus = "RECEIVED"
)

// Message is one inbound or outbound unit on a conversation. The provider
// message id may be absent at creation and attached after the provider ack.
type Message struct {
	ID                uuid.UUID      `json:"id"`
	ConversationID    uuid.UUID      `json:"conversation_id"`
	Direction         Direction      `json:"direction"`
	Channel           events.Channel `json:"channel"`
	Body              string         `json:"body"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Status            MessageStatus  `json:"status"`
	DedupeKey         string         `json:"dedupe_key,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists conversation messages.
type Store struct {
	db DB
}

// NewStore creates a message store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("messaging: db required")
	}
	return &Store{db: db}
}

// Insert writes a message row and returns its id. A message carrying a
// dedupe key that already exists is a replay; the insert is a no-op then.
func (s *Store) Insert(ctx context.Context, msg *Message) (uuid.UUID, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, direction, channel, body, provider_message_id, status, dedupe_key, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), $9)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING`,
		msg.ID, msg.ConversationID, string(msg.Direction), string(msg.Channel),
		msg.Body, msg.ProviderMessageID, string(msg.Status), msg.DedupeKey, msg.CreatedAt,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("messaging: insert message: %w", err)
	}
	return msg.ID, nil
}

// RecentInboundText returns the bodies of the newest inbound messages on the
// lead's conversations, newest first. Feeds rule keyword matching.
func (s *Store) RecentInboundText(ctx context.Context, leadID uuid.UUID, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(ctx, `
		SELECT m.body
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.lead_id = $1 AND m.direction = 'inbound'
		ORDER BY m.created_at DESC
		LIMIT $2`, leadID, limit)
	if err != nil {
		return nil, fmt.Errorf("messaging: recent inbound: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("messaging: scan body: %w", err)
		}
		out = append(out, body)
	}
	return out, rows.Err()
}
