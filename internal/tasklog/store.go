package tasklog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Store owns the tasks, interactions and command_log tables, plus the
// read path over usage_log for the dashboard. Append-only: nothing here
// deletes or truncates recorded history.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps a PostgreSQL connection pool (shared with the key store).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// DefaultTaskID derives a task identifier from the hostname and current
// date, so all runs on one machine in one day resume the same task.
func DefaultTaskID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s", hostname, time.Now().Format("2006-01-02"))
}

// historyJSON renders exchanges as the task context history fragment.
func historyJSON(pairs []Exchange) ([]byte, error) {
	entries := make([]map[string]string, 0, len(pairs))
	for _, p := range pairs {
		entries = append(entries, map[string]string{
			"prompt":   p.Prompt,
			"response": p.Response,
		})
	}
	return json.Marshal(entries)
}

// AppendInteraction records one exchange under taskID. The task row is
// upserted (created with status "active" on first use) and its context
// history extended in the same transaction, so the task metadata can
// never drift from the interaction log.
func (s *Store) AppendInteraction(ctx context.Context, taskID, prompt, response string) error {
	entry, err := historyJSON([]Exchange{{Prompt: prompt, Response: response}})
	if err != nil {
		return fmt.Errorf("encoding history entry: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("task log begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, context, status, last_updated)
		VALUES ($1, jsonb_build_object('history', $2::jsonb), 'active', NOW())
		ON CONFLICT (id) DO UPDATE
		SET context = jsonb_set(tasks.context, '{history}',
				COALESCE(tasks.context->'history', '[]'::jsonb) || $2::jsonb),
		    status = 'active',
		    last_updated = NOW()`,
		taskID, entry,
	)
	if err != nil {
		return fmt.Errorf("upserting task %s: %w", taskID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO interactions (id, task_id, prompt, response, request_timestamp)
		VALUES ($1, $2, $3, $4, NOW())`,
		uuid.New().String(), taskID, prompt, response,
	)
	if err != nil {
		return fmt.Errorf("inserting interaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("task log commit: %w", err)
	}

	log.Debug().Str("task_id", taskID).Msg("appended interaction")
	return nil
}

// contextQuery replays a task's exchanges by the insertion sequence.
// Ordering on seq rather than the timestamp keeps same-tick interactions
// in the order they were written; the row id is a random UUID and useless
// as a tie-break.
const contextQuery = `
	SELECT prompt, response
	FROM interactions
	WHERE task_id = $1
	ORDER BY seq ASC`

// GetContext returns the ordered exchange history for taskID. An unknown
// task id yields an empty slice, not an error.
func (s *Store) GetContext(ctx context.Context, taskID string) ([]Exchange, error) {
	rows, err := s.pool.Query(ctx, contextQuery, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying context for %s: %w", taskID, err)
	}
	defer rows.Close()

	var pairs []Exchange
	for rows.Next() {
		var e Exchange
		if err := rows.Scan(&e.Prompt, &e.Response); err != nil {
			return nil, fmt.Errorf("scanning interaction: %w", err)
		}
		pairs = append(pairs, e)
	}
	return pairs, rows.Err()
}

// LogCommand appends one attempted shell command to the command log.
func (s *Store) LogCommand(ctx context.Context, cmd CommandExecution) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.ExecutedAt.IsZero() {
		cmd.ExecutedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO command_log (id, task_id, command, permissions, user_confirmation, agent_mode, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cmd.ID, cmd.TaskID, cmd.Command, cmd.Permissions, cmd.UserConfirm, cmd.AgentMode, cmd.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting command log: %w", err)
	}
	return nil
}

// ListTasks returns tasks newest-first for the dashboard.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, context, status, last_updated
		FROM tasks
		ORDER BY last_updated DESC
		LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Context, &t.Status, &t.LastUpdated); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListInteractions returns interactions newest-first for the dashboard.
func (s *Store) ListInteractions(ctx context.Context, limit int) ([]Interaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, prompt, response, request_timestamp
		FROM interactions
		ORDER BY seq DESC
		LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var i Interaction
		if err := rows.Scan(&i.ID, &i.TaskID, &i.Prompt, &i.Response, &i.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning interaction row: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ListCommands returns command executions newest-first for the dashboard.
func (s *Store) ListCommands(ctx context.Context, limit int) ([]CommandExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, command, permissions, user_confirmation, agent_mode, executed_at
		FROM command_log
		ORDER BY executed_at DESC
		LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	var out []CommandExecution
	for rows.Next() {
		var c CommandExecution
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Command, &c.Permissions, &c.UserConfirm, &c.AgentMode, &c.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scanning command row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListUsage returns usage_log rows newest-first for the dashboard.
func (s *Store) ListUsage(ctx context.Context, limit int) ([]UsageEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, key_name, task_id, token_count, request_type, request_timestamp
		FROM usage_log
		ORDER BY request_timestamp DESC
		LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying usage log: %w", err)
	}
	defer rows.Close()

	var out []UsageEntry
	for rows.Next() {
		var u UsageEntry
		if err := rows.Scan(&u.ID, &u.KeyName, &u.TaskID, &u.TokenCount, &u.RequestType, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 200
	}
	return limit
}
