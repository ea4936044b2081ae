package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"agent-key-broker/internal/config"
)

// Store owns the api_keys and usage_log tables. Every mutation is one
// transaction scoped to exactly one logical operation; no caller holds a
// transaction across an external-process invocation.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new key store backed by a PostgreSQL connection pool.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MinIdleConns > 0 {
		pc.MinConns = int32(cfg.MinIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool (shared with the task log).
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Healthy checks database connectivity.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.pool.Ping(ctx) == nil
}

// Pool exposes the underlying pool for stores sharing the connection.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const credentialColumns = `key_name, key_value, last_used, quota_exhausted,
	daily_request_count, daily_token_total, disabled_until, reserved_until,
	priority, COALESCE(assigned_to, ''), rotation_enabled, COALESCE(source, '')`

func scanCredential(row pgx.Row) (Credential, error) {
	var c Credential
	err := row.Scan(
		&c.KeyName, &c.KeyValue, &c.LastUsed, &c.QuotaExhausted,
		&c.DailyRequestCount, &c.DailyTokenTotal, &c.DisabledUntil,
		&c.ReservedUntil, &c.Priority, &c.AssignedTo, &c.RotationEnabled, &c.Source,
	)
	return c, err
}

// ListCredentials returns a snapshot of the whole pool, secrets included.
func (s *Store) ListCredentials(ctx context.Context) ([]Credential, error) {
	query := fmt.Sprintf(`SELECT %s FROM api_keys ORDER BY key_name`, credentialColumns)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, infraErr("list", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, infraErr("scan", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// orderClause renders the policy's ordering tuple as SQL. Never-used keys
// (NULL last_used) sort first; key_name keeps the order deterministic.
func orderClause(policy Policy) string {
	base := "daily_request_count ASC, daily_token_total ASC, last_used ASC NULLS FIRST"
	switch policy.PriorityOrder {
	case PriorityBefore:
		return "priority ASC, " + base + ", key_name ASC"
	case PriorityAfter:
		return base + ", priority ASC, key_name ASC"
	default:
		return base + ", key_name ASC"
	}
}

// Acquire picks the best eligible credential with a locking read. The row
// is locked FOR UPDATE SKIP LOCKED so concurrent callers never collide on
// the same key, and when the policy reserves, reserved_until is pushed
// forward in the same transaction (an in-flight marker the recorder
// clears). reserved_until is distinct from disabled_until so releasing a
// reservation cannot revive an operator-disabled key. Returns ErrExhausted
// when no eligible row exists.
func (s *Store) Acquire(ctx context.Context, policy Policy) (Credential, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Credential{}, infraErr("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	query := fmt.Sprintf(`
		SELECT %s
		FROM api_keys
		WHERE quota_exhausted IS NOT TRUE
		  AND (disabled_until IS NULL OR disabled_until <= NOW())
		  AND (reserved_until IS NULL OR reserved_until <= NOW())
		  AND rotation_enabled IS TRUE
		  AND ($1::bigint = 0 OR daily_request_count < $1)
		ORDER BY %s
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, credentialColumns, orderClause(policy))

	cred, err := scanCredential(tx.QueryRow(ctx, query, policy.MaxDailyRequests))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrExhausted
		}
		return Credential{}, infraErr("select", err)
	}

	if policy.ReserveFor > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE api_keys SET reserved_until = NOW() + $1::interval WHERE key_name = $2`,
			policy.ReserveFor, cred.KeyName,
		)
		if err != nil {
			return Credential{}, infraErr("reserve", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Credential{}, infraErr("commit", err)
	}
	return cred, nil
}

// RecordUsage charges one request and upd.Tokens against the credential as
// a single atomic read-modify-write: the increment, the last_used bump,
// reservation release, and the ceiling check all happen in one UPDATE so
// concurrent recorders cannot lose updates. A usage_log row is appended in
// the same transaction. Ceilings of zero are not enforced.
func (s *Store) RecordUsage(ctx context.Context, upd UsageUpdate, maxRequests, maxTokens int64) (UsageResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return UsageResult{}, infraErr("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var res UsageResult
	err = tx.QueryRow(ctx, `
		UPDATE api_keys
		SET daily_request_count = daily_request_count + 1,
		    daily_token_total   = daily_token_total + $2,
		    last_used           = NOW(),
		    reserved_until      = NULL,
		    quota_exhausted     = quota_exhausted
		        OR ($3::bigint > 0 AND daily_request_count + 1 >= $3)
		        OR ($4::bigint > 0 AND daily_token_total + $2 >= $4)
		WHERE key_name = $1
		RETURNING daily_request_count, daily_token_total, quota_exhausted`,
		upd.KeyName, upd.Tokens, maxRequests, maxTokens,
	).Scan(&res.DailyRequestCount, &res.DailyTokenTotal, &res.Exhausted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UsageResult{}, fmt.Errorf("%w: %s", ErrUnknownKey, upd.KeyName)
		}
		return UsageResult{}, infraErr("update", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_log (key_name, task_id, token_count, request_type, request_timestamp)
		VALUES ($1, $2, $3, $4, NOW())`,
		upd.KeyName, upd.TaskID, upd.Tokens, upd.RequestType,
	)
	if err != nil {
		return UsageResult{}, infraErr("log usage", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return UsageResult{}, infraErr("commit", err)
	}
	return res, nil
}

// ResetAll zeroes the daily counters and clears exhaustion and disable
// flags across the pool in one statement. Idempotent: a second run in the
// same day changes nothing further.
func (s *Store) ResetAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys
		SET daily_request_count = 0,
		    daily_token_total   = 0,
		    quota_exhausted     = FALSE,
		    disabled_until      = NULL,
		    reserved_until      = NULL`)
	if err != nil {
		return 0, infraErr("reset", err)
	}
	return tag.RowsAffected(), nil
}

// InsertKey adds a credential if the name is not already present.
// Returns false when the key already existed.
func (s *Store) InsertKey(ctx context.Context, name, value, source string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (key_name, key_value, quota_exhausted, daily_request_count,
			daily_token_total, priority, rotation_enabled, source)
		VALUES ($1, $2, FALSE, 0, 0, 0, TRUE, $3)
		ON CONFLICT (key_name) DO NOTHING`,
		name, value, source,
	)
	if err != nil {
		return false, infraErr("insert", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DisableKey soft-disables a credential until the given time (operator
// action). The key re-enters rotation when the deadline passes or the
// resetter clears it.
func (s *Store) DisableKey(ctx context.Context, name string, until time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET disabled_until = $2 WHERE key_name = $1`,
		name, until,
	)
	if err != nil {
		return infraErr("disable", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownKey, name)
	}
	return nil
}
