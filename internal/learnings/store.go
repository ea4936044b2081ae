// Package learnings stores free-form operator notes in the learnings
// table and retrieves the ones relevant to a prompt, so accumulated
// knowledge can ride along with a task's conversation history.
package learnings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	defaultTopic = "general"
	defaultLimit = 5
)

// ErrEmptyLearning is returned when Add receives no text to store.
var ErrEmptyLearning = errors.New("learning text is empty")

// Store owns the learnings table. Append-only like the task log.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a PostgreSQL connection pool (shared with the key store).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// withDefaults fills the fields an operator usually omits: the title is
// the first line of the text, the summary its leading slice.
func withDefaults(l Learning) Learning {
	if l.Title == "" {
		l.Title = defaultTitle(l.Text)
	}
	if l.Summary == "" {
		l.Summary = defaultSummary(l.Text)
	}
	if l.Topic == "" {
		l.Topic = defaultTopic
	}
	return l
}

func defaultTitle(text string) string {
	line := text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if len(line) > 100 {
		return line[:100] + "..."
	}
	return line
}

func defaultSummary(text string) string {
	if len(text) > 200 {
		return text[:200] + "..."
	}
	return text
}

// Add stores one learning and returns its id.
func (s *Store) Add(ctx context.Context, l Learning) (int64, error) {
	if strings.TrimSpace(l.Text) == "" {
		return 0, ErrEmptyLearning
	}
	l = withDefaults(l)
	if l.Tags == nil {
		l.Tags = []string{}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO learnings (title, topic, tags, learning_text, summary, source, author, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id`,
		l.Title, l.Topic, l.Tags, l.Text, l.Summary, l.Source, l.Author,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting learning: %w", err)
	}

	log.Info().Int64("learning_id", id).Str("title", l.Title).Msg("stored learning")
	return id, nil
}

// searchPredicate renders a prompt's terms as a WHERE clause: each term
// matches title, summary or text case-insensitively, or equals a tag.
// Placeholders are numbered from 1; the caller appends its own after.
func searchPredicate(terms []string) (string, []any) {
	conds := make([]string, 0, len(terms))
	args := make([]any, 0, 2*len(terms))
	for _, term := range terms {
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(title ILIKE $%d OR summary ILIKE $%d OR learning_text ILIKE $%d OR $%d = ANY(tags))",
			n+1, n+1, n+1, n+2))
		args = append(args, "%"+term+"%", term)
	}
	return strings.Join(conds, " OR "), args
}

// Search returns the learnings matching any word of prompt, most recently
// updated first. An empty prompt yields nothing; limit <= 0 means the
// default of 5.
func (s *Store) Search(ctx context.Context, prompt string, limit int) ([]Learning, error) {
	terms := strings.Fields(prompt)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	where, args := searchPredicate(terms)
	query := fmt.Sprintf(`
		SELECT id, title, topic, COALESCE(tags, '{}'::text[]), learning_text, summary,
			COALESCE(source, ''), COALESCE(author, ''), updated_at
		FROM learnings
		WHERE %s
		ORDER BY updated_at DESC
		LIMIT $%d`, where, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching learnings: %w", err)
	}
	defer rows.Close()

	var out []Learning
	for rows.Next() {
		var l Learning
		if err := rows.Scan(&l.ID, &l.Title, &l.Topic, &l.Tags, &l.Text,
			&l.Summary, &l.Source, &l.Author, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning learning row: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
