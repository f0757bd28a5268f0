package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a process-local store for tests and dry runs.
type InMemoryStore struct {
	mu       sync.RWMutex
	mentions map[string]models.MentionRecord
	stats    models.BotStats
	hasState bool
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{mentions: make(map[string]models.MentionRecord)}
}

func (s *InMemoryStore) Claim(ctx context.Context, mentionID, username, tweetText string) (bool, error) {
	rec := models.NewClaim(mentionID, username, tweetText)
	if err := rec.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mentions[mentionID]; exists {
		return false, nil
	}
	s.mentions[mentionID] = rec
	return true, nil
}

func (s *InMemoryStore) Complete(ctx context.Context, mentionID string, imagePath *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.mentions[mentionID]
	if !ok {
		return ErrMentionNotFound
	}
	if rec.Status != models.MentionStatusProcessing {
		return resolveCompletion(&rec, imagePath)
	}
	if imagePath != nil {
		p := *imagePath
		rec.ImagePath = &p
	}
	rec.Status = models.OutcomeStatus(imagePath)
	rec.ProcessedAt = time.Now().UTC()
	s.mentions[mentionID] = rec
	return nil
}

func (s *InMemoryStore) IsClaimed(ctx context.Context, mentionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.mentions[mentionID]
	return ok, nil
}

func (s *InMemoryStore) GetMention(ctx context.Context, mentionID string) (*models.MentionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.mentions[mentionID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) ListMentions(ctx context.Context, limit int) ([]models.MentionRecord, error) {
	s.mu.RLock()
	out := make([]models.MentionRecord, 0, len(s.mentions))
	for _, rec := range s.mentions {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) FailStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for id, rec := range s.mentions {
		if rec.Status == models.MentionStatusProcessing && rec.ProcessedAt.Before(staleBefore) {
			rec.Status = models.MentionStatusFailed
			rec.ImagePath = nil
			rec.ProcessedAt = now
			s.mentions[id] = rec
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetCursor(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.LastMentionID, nil
}

func (s *InMemoryStore) SetCursor(ctx context.Context, mentionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	if models.CompareMentionIDs(mentionID, s.stats.LastMentionID) > 0 {
		s.stats.LastMentionID = mentionID
	}
	return nil
}

func (s *InMemoryStore) IncrementCount(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	s.stats.TotalProcessedCount++
	return nil
}

func (s *InMemoryStore) GetStats(ctx context.Context) (models.BotStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

// touch sets updated_at and, on first write, uptime_start. Callers hold mu.
func (s *InMemoryStore) touch() {
	now := time.Now().UTC()
	s.stats.UpdatedAt = &now
	if !s.hasState {
		start := now
		s.stats.UptimeStart = &start
		s.hasState = true
	}
}

// Close releases the in-memory data.
func (s *InMemoryStore) Close() error {
	return nil
}
