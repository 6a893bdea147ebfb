// Package memory persists long-lived memory entries and retrieves them by
// embedding similarity. Entries are durable: this package never deletes
// them.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// Entry is one persistent memory record.
type Entry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Scored pairs an entry with its similarity to a query.
type Scored struct {
	Entry Entry
	Score float64
}

// Store persists memory entries in SQLite.
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   zerolog.Logger
}

// NewStore creates a Store over an already-migrated database.
func NewStore(db *sql.DB, embedder Embedder, logger zerolog.Logger) *Store {
	return &Store{
		db:       db,
		embedder: embedder,
		logger:   logger.With().Str("component", "memory_store").Logger(),
	}
}

// Remember stores one memory entry, embedding its content.
func (s *Store) Remember(ctx context.Context, content string, tags []string) (Entry, error) {
	if strings.TrimSpace(content) == "" {
		return Entry{}, errors.New("content is empty")
	}

	embedding, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return Entry{}, fmt.Errorf("embed content: %w", err)
	}

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal tags: %w", err)
	}

	now := time.Now()
	query := sq.Insert("memories").
		Columns("content", "embedding", "tags", "created_at").
		Values(content, EncodeEmbedding(embedding), string(tagsJSON), now.Unix())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return Entry{}, fmt.Errorf("insert memory: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("last insert id: %w", err)
	}

	s.logger.Debug().Int64("id", id).Strs("tags", tags).Msg("Memory stored")
	return Entry{
		ID:        id,
		Content:   content,
		Embedding: embedding,
		Tags:      tags,
		CreatedAt: now,
	}, nil
}

// Retrieve ranks all stored entries by cosine similarity to the query and
// returns the top limit contents as plain text.
func (s *Store) Retrieve(ctx context.Context, query string, limit int) ([]string, error) {
	scored, err := s.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	contents := make([]string, 0, len(scored))
	for _, sc := range scored {
		contents = append(contents, sc.Entry.Content)
	}
	return contents, nil
}

// Search is Retrieve with scores attached.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Scored, error) {
	if limit <= 0 {
		limit = 5
	}

	queryEmbedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	entries, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	scored := make([]Scored, 0, len(entries))
	for _, entry := range entries {
		scored = append(scored, Scored{
			Entry: entry,
			Score: CosineSimilarity(queryEmbedding, entry.Embedding),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func (s *Store) loadAll(ctx context.Context) ([]Entry, error) {
	query := sq.Select("id", "content", "embedding", "tags", "created_at").
		From("memories").
		OrderBy("id ASC")

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			blob      []byte
			tagsJSON  string
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.Content, &blob, &tagsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		entry.Embedding, err = DecodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("decode embedding for id %d: %w", entry.ID, err)
		}
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &entry.Tags); err != nil {
				s.logger.Warn().Int64("id", entry.ID).Err(err).Msg("Bad tags blob, skipping tags")
			}
		}
		entry.CreatedAt = time.Unix(createdAt, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
