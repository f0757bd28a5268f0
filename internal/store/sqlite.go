// Package store provides storage backends for MemeryBot.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/MemeryBot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteBusyTimeoutMs is how long a writer waits on a locked database before failing
	sqliteBusyTimeoutMs = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if !strings.Contains(dsn, "_busy_timeout") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn = fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, sqliteBusyTimeoutMs)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers inside this process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, mentionID, username, tweetText string) (bool, error) {
	rec := models.NewClaim(mentionID, username, tweetText)
	if err := rec.Validate(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_mentions (mention_id, username, tweet_text, image_path, processed_at, status)
		 VALUES (?, ?, ?, NULL, ?, ?) ON CONFLICT(mention_id) DO NOTHING`,
		rec.MentionID, rec.Username, rec.TweetText, rec.ProcessedAt, string(rec.Status),
	)
	if err != nil {
		slog.Error("SQLiteStore.Claim: insert failed", "error", err, "mentionID", mentionID)
		return false, fmt.Errorf("claim mention %s failed: %w", mentionID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, mentionID string, imagePath *string) error {
	status := models.OutcomeStatus(imagePath)
	result, err := s.db.ExecContext(ctx,
		`UPDATE processed_mentions SET status = ?, image_path = ?, processed_at = ?
		 WHERE mention_id = ? AND status = ?`,
		string(status), nullablePath(imagePath), time.Now().UTC(), mentionID, string(models.MentionStatusProcessing),
	)
	if err != nil {
		slog.Error("SQLiteStore.Complete: update failed", "error", err, "mentionID", mentionID)
		return fmt.Errorf("complete mention %s failed: %w", mentionID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected check failed: %w", err)
	}
	if n > 0 {
		slog.Debug("SQLiteStore.Complete: mention updated", "mentionID", mentionID, "status", status)
		return nil
	}
	existing, err := s.GetMention(ctx, mentionID)
	if err != nil {
		return err
	}
	return resolveCompletion(existing, imagePath)
}

func (s *SQLiteStore) IsClaimed(ctx context.Context, mentionID string) (bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT mention_id FROM processed_mentions WHERE mention_id = ?`, mentionID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) GetMention(ctx context.Context, mentionID string) (*models.MentionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mentionColumns+` FROM processed_mentions WHERE mention_id = ?`, mentionID)
	rec, err := scanMention(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mention %s failed: %w", mentionID, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListMentions(ctx context.Context, limit int) ([]models.MentionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mentionColumns+` FROM processed_mentions ORDER BY processed_at DESC LIMIT ?`, limit)
	if err != nil {
		slog.Error("SQLiteStore.ListMentions: query failed", "error", err)
		return nil, fmt.Errorf("list mentions failed: %w", err)
	}
	return scanMentions(rows)
}

func (s *SQLiteStore) FailStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE processed_mentions SET status = ?, image_path = NULL, processed_at = ?
		 WHERE status = ? AND processed_at < ?`,
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

func (s *SQLiteStore) GetCursor(ctx context.Context) (string, error) {
	var id sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT last_mention_id FROM bot_state WHERE id = ?`, StateDocID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor failed: %w", err)
	}
	return id.String, nil
}

func (s *SQLiteStore) SetCursor(ctx context.Context, mentionID string) error {
	if mentionID == "" {
		return nil
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_state (id, last_mention_id, total_mentions_processed, updated_at, uptime_start)
		 VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET last_mention_id = excluded.last_mention_id, updated_at = excluded.updated_at
		 WHERE bot_state.last_mention_id IS NULL
		    OR length(excluded.last_mention_id) > length(bot_state.last_mention_id)
		    OR (length(excluded.last_mention_id) = length(bot_state.last_mention_id)
		        AND excluded.last_mention_id > bot_state.last_mention_id)`,
		StateDocID, mentionID, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.SetCursor: upsert failed", "error", err, "mentionID", mentionID)
		return fmt.Errorf("set cursor failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IncrementCount(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_state (id, last_mention_id, total_mentions_processed, updated_at, uptime_start)
		 VALUES (?, NULL, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   total_mentions_processed = bot_state.total_mentions_processed + 1,
		   updated_at = excluded.updated_at`,
		StateDocID, now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.IncrementCount: upsert failed", "error", err)
		return fmt.Errorf("increment processed count failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStats(ctx context.Context) (models.BotStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_mention_id, total_mentions_processed, updated_at, uptime_start FROM bot_state WHERE id = ?`, StateDocID)
	st, err := scanStats(row)
	if err == sql.ErrNoRows {
		return models.BotStats{}, nil
	}
	if err != nil {
		return models.BotStats{}, fmt.Errorf("get stats failed: %w", err)
	}
	return st, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	if err := s.db.Close(); err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
		return err
	}
	return nil
}
