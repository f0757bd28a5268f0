// Package bot runs the mention poll loop: it claims each new mention exactly once in the state
// store, advances the cursor once per batch and hands generation and reply work to bounded
// background units.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/models"
	"github.com/BTreeMap/MemeryBot/internal/store"
)

// Default scheduler settings.
const (
	DefaultPollInterval      = 60 * time.Second
	DefaultErrorBackoff      = 30 * time.Second
	DefaultBatchSize         = 5
	DefaultMaxConcurrent     = 4
	DefaultGenerationTimeout = 10 * time.Minute
	DefaultStaleClaimAge     = 30 * time.Minute
	// recordTimeout bounds the terminal store write, which runs even after shutdown began.
	recordTimeout = 30 * time.Second
)

// Batch size bounds, matching the page bounds of the X mentions endpoint.
const (
	MinBatchSize = 5
	MaxBatchSize = 100
)

// ErrInvalidBatchSize is returned by NewScheduler for a batch size the mention source cannot serve.
var ErrInvalidBatchSize = fmt.Errorf("batch size must be between %d and %d", MinBatchSize, MaxBatchSize)

// MentionSource yields mentions of the bot account.
type MentionSource interface {
	// GetMentions returns at most maxResults mentions newer than sinceID, newest first.
	GetMentions(ctx context.Context, sinceID string, maxResults int) ([]models.Mention, error)
	// ResolveUsername maps an author id to its handle.
	ResolveUsername(ctx context.Context, authorID string) (string, error)
}

// usernameCache is implemented by sources that already know some handles. The poll loop uses
// it to label claims without making a request.
type usernameCache interface {
	CachedUsername(authorID string) (string, bool)
}

// GenerationBackend produces media for a prompt.
type GenerationBackend interface {
	Generate(ctx context.Context, prompt string) (models.GenerationResult, error)
}

// Scheduler polls for mentions and dispatches one background unit per newly claimed mention.
type Scheduler struct {
	source     MentionSource
	backend    GenerationBackend
	dispatcher *ReplyDispatcher
	store      store.Store
	pool       *unitPool
	metrics    *Metrics

	pollInterval      time.Duration
	errorBackoff      time.Duration
	batchSize         int
	generationTimeout time.Duration
	staleClaimAge     time.Duration
	unitLifetime      time.Duration
	botUsername       string

	// unitCtx outlives the poll loop so in-flight units can drain on shutdown.
	unitCtx     context.Context
	cancelUnits context.CancelFunc

	cursorMu sync.Mutex
	cursor   string
}

// Opts holds configuration for the scheduler.
type Opts struct {
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	BatchSize         int
	MaxConcurrent     int
	GenerationTimeout time.Duration
	StaleClaimAge     time.Duration
	BotUsername       string
	ReplyText         string
	Metrics           *Metrics
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithPollInterval sets the delay between successful polls.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

// WithErrorBackoff sets the delay after a failed poll.
func WithErrorBackoff(d time.Duration) Option {
	return func(o *Opts) { o.ErrorBackoff = d }
}

// WithBatchSize sets how many mentions one poll requests, between MinBatchSize and MaxBatchSize.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithMaxConcurrent bounds the number of units generating at once.
func WithMaxConcurrent(n int) Option {
	return func(o *Opts) { o.MaxConcurrent = n }
}

// WithGenerationTimeout bounds each backend call.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Opts) { o.GenerationTimeout = d }
}

// WithStaleClaimAge sets how old a processing claim must be before Run marks it failed. Every
// unit, slot wait included, ends well within this age, so the sweep only finds claims whose
// process died. Zero disables the sweep and the unit lifetime bound.
func WithStaleClaimAge(d time.Duration) Option {
	return func(o *Opts) { o.StaleClaimAge = d }
}

// WithBotUsername sets the bot handle stripped from prompts.
func WithBotUsername(name string) Option {
	return func(o *Opts) { o.BotUsername = name }
}

// WithReplyText sets the text posted alongside the media.
func WithReplyText(text string) Option {
	return func(o *Opts) { o.ReplyText = text }
}

// WithMetrics sets the collectors the scheduler reports to.
func WithMetrics(m *Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// NewScheduler creates a scheduler. The store is the authority for the cursor; the in-memory
// copy is refreshed from it on every poll.
func NewScheduler(st store.Store, source MentionSource, backend GenerationBackend, publisher Publisher, opts ...Option) (*Scheduler, error) {
	cfg := Opts{
		PollInterval:      DefaultPollInterval,
		ErrorBackoff:      DefaultErrorBackoff,
		BatchSize:         DefaultBatchSize,
		MaxConcurrent:     DefaultMaxConcurrent,
		GenerationTimeout: DefaultGenerationTimeout,
		StaleClaimAge:     DefaultStaleClaimAge,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.BatchSize < MinBatchSize || cfg.BatchSize > MaxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, cfg.BatchSize)
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	unitCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		source:            source,
		backend:           backend,
		dispatcher:        NewReplyDispatcher(publisher, cfg.ReplyText),
		store:             st,
		pool:              newUnitPool(cfg.MaxConcurrent),
		metrics:           cfg.Metrics,
		pollInterval:      cfg.PollInterval,
		errorBackoff:      cfg.ErrorBackoff,
		batchSize:         cfg.BatchSize,
		generationTimeout: cfg.GenerationTimeout,
		staleClaimAge:     cfg.StaleClaimAge,
		unitLifetime:      unitLifetime(cfg.StaleClaimAge),
		botUsername:       cfg.BotUsername,
		unitCtx:           unitCtx,
		cancelUnits:       cancel,
	}, nil
}

// unitLifetime leaves room for the terminal record write before a claim counts as stale.
func unitLifetime(staleClaimAge time.Duration) time.Duration {
	if staleClaimAge <= 0 {
		return 0
	}
	if d := staleClaimAge - 2*recordTimeout; d > 0 {
		return d
	}
	return staleClaimAge / 2
}

// Run polls until ctx ends. Poll failures are logged and followed by the error backoff; they
// never stop the loop. Units still running when Run returns keep going until Shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.failStaleClaims(ctx)
	slog.Info("Scheduler.Run: started", "pollInterval", s.pollInterval, "errorBackoff", s.errorBackoff, "batchSize", s.batchSize)

	for {
		wait := s.pollInterval
		if err := s.safePoll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("Scheduler.Run: poll failed, backing off", "error", err, "backoff", s.errorBackoff)
			wait = s.errorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Scheduler.Run: stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
	slog.Info("Scheduler.Run: stopped")
	return ctx.Err()
}

// safePoll runs one poll, turning a panic into an error.
func (s *Scheduler) safePoll(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler.safePoll: poll recovered from panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("poll panicked: %v", r)
		}
	}()
	err = s.Poll(ctx)
	if err != nil {
		s.metrics.PollsTotal.WithLabelValues("error").Inc()
	}
	return err
}

// Poll runs one cycle: fetch mentions newer than the cursor, claim each unseen one oldest first
// and start its unit, then advance the cursor once for the whole batch.
func (s *Scheduler) Poll(ctx context.Context) error {
	cursor, err := s.refreshCursor(ctx)
	if err != nil {
		return err
	}

	mentions, err := s.source.GetMentions(ctx, cursor, s.batchSize)
	if err != nil {
		return fmt.Errorf("fetch mentions since %q: %w", cursor, err)
	}
	if len(mentions) == 0 {
		slog.Debug("Scheduler.Poll: no new mentions", "sinceID", cursor)
		s.metrics.PollsTotal.WithLabelValues("empty").Inc()
		return nil
	}
	slog.Info("Scheduler.Poll: fetched mentions", "count", len(mentions), "sinceID", cursor)

	newest := cursor
	for i := len(mentions) - 1; i >= 0; i-- {
		m := mentions[i]
		newest = models.MaxMentionID(newest, m.ID)
		if err := s.claimAndDispatch(ctx, m); err != nil {
			return err
		}
	}

	if err := s.store.SetCursor(ctx, newest); err != nil {
		return fmt.Errorf("persist cursor %s: %w", newest, err)
	}
	s.cursorMu.Lock()
	s.cursor = models.MaxMentionID(s.cursor, newest)
	s.cursorMu.Unlock()
	s.metrics.PollsTotal.WithLabelValues("ok").Inc()
	slog.Debug("Scheduler.Poll: cursor advanced", "lastMentionID", newest)
	return nil
}

// refreshCursor merges the stored cursor into the in-memory copy and returns the newer one, so a
// stale copy never rewinds past what another run already persisted.
func (s *Scheduler) refreshCursor(ctx context.Context) (string, error) {
	stored, err := s.store.GetCursor(ctx)
	if err != nil {
		return "", fmt.Errorf("load cursor: %w", err)
	}
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	s.cursor = models.MaxMentionID(s.cursor, stored)
	return s.cursor, nil
}

// Cursor returns the in-memory cursor.
func (s *Scheduler) Cursor() string {
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	return s.cursor
}

func (s *Scheduler) claimAndDispatch(ctx context.Context, m models.Mention) error {
	claimed, err := s.store.IsClaimed(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("check mention %s: %w", m.ID, err)
	}
	if claimed {
		slog.Debug("Scheduler.claimAndDispatch: mention already claimed, skipping", "mentionID", m.ID)
		s.metrics.MentionsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	var username string
	if cache, ok := s.source.(usernameCache); ok {
		username, _ = cache.CachedUsername(m.AuthorID)
	}
	won, err := s.store.Claim(ctx, m.ID, username, m.Text)
	if err != nil {
		return fmt.Errorf("claim mention %s: %w", m.ID, err)
	}
	if !won {
		// Another poller claimed it between the check and the insert.
		slog.Debug("Scheduler.claimAndDispatch: lost claim race, skipping", "mentionID", m.ID)
		s.metrics.MentionsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	slog.Info("Scheduler.claimAndDispatch: mention claimed", "mentionID", m.ID, "authorID", m.AuthorID)
	s.metrics.MentionsTotal.WithLabelValues("claimed").Inc()
	s.dispatchUnit(m)
	return nil
}

func (s *Scheduler) failStaleClaims(ctx context.Context) {
	if s.staleClaimAge <= 0 {
		return
	}
	n, err := s.store.FailStaleClaims(ctx, time.Now().UTC().Add(-s.staleClaimAge))
	if err != nil {
		slog.Error("Scheduler.failStaleClaims: sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Warn("Scheduler.failStaleClaims: marked abandoned claims failed", "count", n, "olderThan", s.staleClaimAge)
	}
}

// Shutdown waits for in-flight units. When ctx ends first the remaining units are cancelled,
// which records them as failed, and Shutdown waits for those records to be written.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	err := s.pool.Wait(ctx)
	if err != nil {
		slog.Warn("Scheduler.Shutdown: grace period over, cancelling units", "error", err)
		s.cancelUnits()
		if werr := s.pool.Wait(context.Background()); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}
	s.cancelUnits()
	slog.Info("Scheduler.Shutdown: all units finished")
	return nil
}
