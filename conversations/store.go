// Package conversations persists the durable transcript of every turn
// that passes through the orchestrator, keyed by backend.
package conversations

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/relay-llm/relay/llm"
)

// Turn is one persisted conversation message.
type Turn struct {
	ID        int64
	Backend   string
	Role      llm.Role
	Content   string
	CreatedAt time.Time
}

// Store handles persistence of conversation turns.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an already-migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendTurn saves one message to the conversation history.
func (s *Store) AppendTurn(ctx context.Context, backend string, role llm.Role, content string) error {
	query := sq.Insert("conversations").
		Columns("backend", "role", "content", "created_at").
		Values(backend, string(role), content, time.Now().Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryStr, args...)
	return err
}

// Recent returns the most recent turns for a backend, oldest first.
func (s *Store) Recent(ctx context.Context, backend string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	query := sq.Select("id", "backend", "role", "content", "created_at").
		From("conversations").
		Where(sq.Eq{"backend": backend}).
		OrderBy("id DESC").
		Limit(uint64(limit))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var turns []Turn
	for rows.Next() {
		var (
			turn      Turn
			role      string
			createdAt int64
		)
		if err := rows.Scan(&turn.ID, &turn.Backend, &role, &turn.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		turn.Role = llm.Role(role)
		turn.CreatedAt = time.Unix(createdAt, 0)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Flip newest-first query order so callers read chronologically.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
