// Package store provides storage backends for MemeryBot.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/MemeryBot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Claim(ctx context.Context, mentionID, username, tweetText string) (bool, error) {
	rec := models.NewClaim(mentionID, username, tweetText)
	if err := rec.Validate(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_mentions (mention_id, username, tweet_text, image_path, processed_at, status)
		 VALUES ($1, $2, $3, NULL, $4, $5) ON CONFLICT (mention_id) DO NOTHING`,
		rec.MentionID, rec.Username, rec.TweetText, rec.ProcessedAt, string(rec.Status),
	)
	if err != nil {
		slog.Error("PostgresStore.Claim: insert failed", "error", err, "mentionID", mentionID)
		return false, fmt.Errorf("claim mention %s failed: %w", mentionID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) Complete(ctx context.Context, mentionID string, imagePath *string) error {
	status := models.OutcomeStatus(imagePath)
	result, err := s.db.ExecContext(ctx,
		`UPDATE processed_mentions SET status = $1, image_path = $2, processed_at = $3
		 WHERE mention_id = $4 AND status = $5`,
		string(status), nullablePath(imagePath), time.Now().UTC(), mentionID, string(models.MentionStatusProcessing),
	)
	if err != nil {
		slog.Error("PostgresStore.Complete: update failed", "error", err, "mentionID", mentionID)
		return fmt.Errorf("complete mention %s failed: %w", mentionID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected check failed: %w", err)
	}
	if n > 0 {
		return nil
	}
	existing, err := s.GetMention(ctx, mentionID)
	if err != nil {
		return err
	}
	return resolveCompletion(existing, imagePath)
}

func (s *PostgresStore) IsClaimed(ctx context.Context, mentionID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT mention_id FROM processed_mentions WHERE mention_id = $1`, mentionID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) GetMention(ctx context.Context, mentionID string) (*models.MentionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mentionColumns+` FROM processed_mentions WHERE mention_id = $1`, mentionID)
	rec, err := scanMention(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mention %s failed: %w", mentionID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListMentions(ctx context.Context, limit int) ([]models.MentionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mentionColumns+` FROM processed_mentions ORDER BY processed_at DESC LIMIT $1`, limit)
	if err != nil {
		slog.Error("PostgresStore.ListMentions: query failed", "error", err)
		return nil, fmt.Errorf("list mentions failed: %w", err)
	}
	return scanMentions(rows)
}

func (s *PostgresStore) FailStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE processed_mentions SET status = $1, image_path = NULL, processed_at = $2
		 WHERE status = $3 AND processed_at < $4`,
		string(models.MentionStatusFailed), time.Now().UTC(), string(models.MentionStatusProcessing), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale claims failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail stale claims rows affected check failed: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) GetCursor(ctx context.Context) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_mention_id FROM bot_state WHERE id = $1`, StateDocID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor failed: %w", err)
	}
	return id.String, nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, mentionID string) error {
	if mentionID == "" {
		return nil
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_state (id, last_mention_id, total_mentions_processed, updated_at, uptime_start)
		 VALUES ($1, $2, 0, $3, $3)
		 ON CONFLICT (id) DO UPDATE SET last_mention_id = EXCLUDED.last_mention_id, updated_at = EXCLUDED.updated_at
		 WHERE bot_state.last_mention_id IS NULL
		    OR length(EXCLUDED.last_mention_id) > length(bot_state.last_mention_id)
		    OR (length(EXCLUDED.last_mention_id) = length(bot_state.last_mention_id)
		        AND EXCLUDED.last_mention_id > bot_state.last_mention_id)`,
		StateDocID, mentionID, now,
	)
	if err != nil {
		slog.Error("PostgresStore.SetCursor: upsert failed", "error", err, "mentionID", mentionID)
		return fmt.Errorf("set cursor failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementCount(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_state (id, last_mention_id, total_mentions_processed, updated_at, uptime_start)
		 VALUES ($1, NULL, 1, $2, $2)
		 ON CONFLICT (id) DO UPDATE SET
		   total_mentions_processed = bot_state.total_mentions_processed + 1,
		   updated_at = EXCLUDED.updated_at`,
		StateDocID, now,
	)
	if err != nil {
		slog.Error("PostgresStore.IncrementCount: upsert failed", "error", err)
		return fmt.Errorf("increment processed count failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (models.BotStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_mention_id, total_mentions_processed, updated_at, uptime_start FROM bot_state WHERE id = $1`, StateDocID)
	st, err := scanStats(row)
	if err == sql.ErrNoRows {
		return models.BotStats{}, nil
	}
	if err != nil {
		return models.BotStats{}, fmt.Errorf("get stats failed: %w", err)
	}
	return st, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
		return err
	}
	return nil
}
