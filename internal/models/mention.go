// Package models defines the core data structures for MemeryBot.
//
// It includes the mention records tracked by the state store, the bot's cursor/stats
// document, and the result handed back by a generation backend.
package models

import (
	"errors"
	"strings"
	"time"
)

// MentionStatus is the lifecycle state of a claimed mention.
type MentionStatus string

const (
	// MentionStatusProcessing marks a mention that has been claimed and whose generation is in flight.
	MentionStatusProcessing MentionStatus = "processing"
	// MentionStatusCompleted marks a mention that was answered with generated media.
	MentionStatusCompleted MentionStatus = "completed"
	// MentionStatusFailed marks a mention whose generation or reply failed. It is never retried.
	MentionStatusFailed MentionStatus = "failed"
)

// IsTerminal reports whether no further transition is accepted from this status.
func (s MentionStatus) IsTerminal() bool {
	return s == MentionStatusCompleted || s == MentionStatusFailed
}

// IsValid reports whether s is a known status.
func (s MentionStatus) IsValid() bool {
	switch s {
	case MentionStatusProcessing, MentionStatusCompleted, MentionStatusFailed:
		return true
	}
	return false
}

// Validation errors for mention records.
var (
	ErrEmptyMentionID = errors.New("mention id cannot be empty")
	ErrInvalidStatus  = errors.New("invalid mention status")
)

// Mention is a single inbound tweet that references the bot account.
type Mention struct {
	ID              string    `json:"id"`
	AuthorID        string    `json:"author_id"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
	InReplyToUserID string    `json:"in_reply_to_user_id,omitempty"`
	// ReferencedTweets counts referenced tweets (replies, quotes, retweets) of the mention.
	ReferencedTweets int `json:"referenced_tweets,omitempty"`
}

// MentionRecord is the durable record of one claimed mention.
// Exactly one record exists per MentionID; creating it is the claim.
type MentionRecord struct {
	MentionID string `json:"mention_id" bson:"mention_id"`
	Username  string `json:"username" bson:"username"`
	TweetText string `json:"tweet_text" bson:"tweet_text"`
	// ImagePath is nil while processing and after a failure; Status tells the two apart.
	ImagePath   *string       `json:"image_path" bson:"image_path,omitempty"`
	ProcessedAt time.Time     `json:"processed_at" bson:"processed_at"`
	Status      MentionStatus `json:"status" bson:"status"`
}

// Validate checks the record before it is persisted.
func (r MentionRecord) Validate() error {
	if strings.TrimSpace(r.MentionID) == "" {
		return ErrEmptyMentionID
	}
	if !r.Status.IsValid() {
		return ErrInvalidStatus
	}
	return nil
}

// NewClaim builds the processing record that claims a mention.
func NewClaim(mentionID, username, tweetText string) MentionRecord {
	return MentionRecord{
		MentionID:   mentionID,
		Username:    username,
		TweetText:   tweetText,
		ProcessedAt: time.Now().UTC(),
		Status:      MentionStatusProcessing,
	}
}

// OutcomeStatus returns the terminal status implied by a completion path: a path means
// completed, nil means failed.
func OutcomeStatus(imagePath *string) MentionStatus {
	if imagePath == nil {
		return MentionStatusFailed
	}
	return MentionStatusCompleted
}

// BotStats is the singleton cursor/stats document.
type BotStats struct {
	LastMentionID       string     `json:"last_mention_id"`
	TotalProcessedCount int64      `json:"total_processed_count"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
	UptimeStart         *time.Time `json:"uptime_start,omitempty"`
}

// GenerationResult is what a generation backend produces for one prompt.
type GenerationResult struct {
	ImagePath   string `json:"image_path" jsonschema:"description=Full path of the generated image or video file"`
	Description string `json:"description" jsonschema:"description=Short description of the generated media"`
}

// CompareMentionIDs orders platform ids, which are unsigned decimal strings that may not fit
// in 53 bits. It returns -1, 0 or 1. The empty id sorts before every other id.
func CompareMentionIDs(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// MaxMentionID returns the newer of two ids.
func MaxMentionID(a, b string) string {
	if CompareMentionIDs(a, b) >= 0 {
		return a
	}
	return b
}
