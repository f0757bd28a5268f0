// Package store provides storage backends for MemeryBot.
//
// A store owns two logical collections: one record per claimed mention, keyed by mention id,
// and a singleton cursor/stats document. Creating a mention record is the claim that grants
// exclusive ownership of processing that mention, so every backend implements Claim as an
// atomic insert-if-absent.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/models"
)

// StateDocID is the fixed key of the singleton cursor/stats document.
const StateDocID = "twitter_bot_state"

// Store errors.
var (
	// ErrMentionNotFound is returned when completing a mention that was never claimed.
	ErrMentionNotFound = errors.New("mention not claimed")
	// ErrTerminalStatus is returned when a mention already reached a different terminal status.
	ErrTerminalStatus = errors.New("mention already in a terminal status")
)

// MentionRepo tracks one record per mention.
type MentionRepo interface {
	// Claim creates the processing record for a mention. It returns false without error
	// if a record for mentionID already exists.
	Claim(ctx context.Context, mentionID, username, tweetText string) (bool, error)

	// Complete moves a processing record to its terminal status: completed with imagePath,
	// or failed when imagePath is nil. Repeating the same completion is a no-op.
	Complete(ctx context.Context, mentionID string, imagePath *string) error

	// IsClaimed reports whether a record exists for mentionID.
	IsClaimed(ctx context.Context, mentionID string) (bool, error)

	// GetMention returns the record for mentionID, or nil if none exists.
	GetMention(ctx context.Context, mentionID string) (*models.MentionRecord, error)

	// ListMentions returns up to limit records, most recently written first.
	ListMentions(ctx context.Context, limit int) ([]models.MentionRecord, error)

	// FailStaleClaims marks processing records last written before staleBefore as failed
	// and returns how many were changed.
	FailStaleClaims(ctx context.Context, staleBefore time.Time) (int, error)
}

// CursorRepo persists the singleton cursor and processed counter.
type CursorRepo interface {
	// GetCursor returns the last mention id folded into a completed poll, or "" if none.
	GetCursor(ctx context.Context) (string, error)

	// SetCursor advances the cursor. Ids older than or equal to the stored one are ignored.
	SetCursor(ctx context.Context, mentionID string) error

	// IncrementCount atomically increments the processed counter, creating the document if needed.
	IncrementCount(ctx context.Context) error

	// GetStats returns the cursor/stats document.
	GetStats(ctx context.Context) (models.BotStats, error)
}

// Store is the full state store used by the bot.
type Store interface {
	MentionRepo
	CursorRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN      string // SQLite path, Postgres DSN or MongoDB URI
	Database string // MongoDB database name
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithMongoURI sets the MongoDB connection URI.
func WithMongoURI(uri string) Option {
	return func(o *Opts) { o.DSN = uri }
}

// WithMongoDatabase sets the MongoDB database name.
func WithMongoDatabase(name string) Option {
	return func(o *Opts) { o.Database = name }
}

// DSN types returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeMongo    = "mongodb"
)

// DetectDSNType guesses the backend from a connection string.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "mongodb://"), strings.HasPrefix(lower, "mongodb+srv://"):
		return DSNTypeMongo
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"), strings.Contains(lower, "host="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// DatabaseNameForEnvironment returns the MongoDB database name used for an environment.
func DatabaseNameForEnvironment(environment string) string {
	if strings.EqualFold(strings.TrimSpace(environment), "production") {
		return "twitter_bot_prod"
	}
	return "twitter_bot_dev"
}

// Open connects to the backend selected by the DSN. An empty DSN yields an in-memory store.
func Open(ctx context.Context, opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypeMongo:
		return NewMongoStore(ctx, opts...)
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// resolveCompletion decides the outcome of a Complete call whose conditional update matched
// nothing, given the current record.
func resolveCompletion(existing *models.MentionRecord, imagePath *string) error {
	if existing == nil {
		return ErrMentionNotFound
	}
	want := models.OutcomeStatus(imagePath)
	if existing.Status == want && samePath(existing.ImagePath, imagePath) {
		return nil
	}
	return ErrTerminalStatus
}

func samePath(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cursorLen(id string) int {
	return len(strings.TrimLeft(id, "0"))
}
