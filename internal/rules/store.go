package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads automation rules. Rules are admin-managed; this pipeline only
// ever reads them.
type Store struct {
	db DB
}

// NewStore creates a rule store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// ListActive returns every active rule for a trigger kind, in name order so
// two workers evaluate the same batch in the same sequence.
func (s *Store) ListActive(ctx context.Context, trigger TriggerKind) ([]Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, trigger, conditions, actions, active
		FROM automation_rules
		WHERE active = true AND trigger = $1
		ORDER BY name ASC`, string(trigger))
	if err != nil {
		return nil, fmt.Errorf("rules: list active: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(rows pgx.Rows) (Rule, error) {
	var (
		rule        Rule
		trigger     string
		condsJSON   []byte
		actionsJSON []byte
	)
	if err := rows.Scan(&rule.ID, &rule.Name, &trigger, &condsJSON, &actionsJSON, &rule.Active); err != nil {
		return Rule{}, fmt.Errorf("rules: scan: %w", err)
	}
	rule.Trigger = TriggerKind(trigger)
	if len(condsJSON) > 0 {
		if err := json.Unmarshal(condsJSON, &rule.Conditions); err != nil {
			return Rule{}, fmt.Errorf("rules: decode conditions for %s: %w", rule.Name, err)
		}
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &rule.Actions); err != nil {
			return Rule{}, fmt.Errorf("rules: decode actions for %s: %w", rule.Name, err)
		}
	}
	return rule, nil
}
