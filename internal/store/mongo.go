// Package store provides storage backends for MemeryBot.
//
// This file implements a MongoDB-backed store. Mentions live in the processed_mentions
// collection with a unique index on mention_id; the cursor/stats singleton lives in
// bot_state under a fixed _id.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names used by MongoStore.
const (
	MentionsCollection = "processed_mentions"
	StateCollection    = "bot_state"
)

// mongoConnectTimeout bounds the initial connect and ping.
const mongoConnectTimeout = 10 * time.Second

// Compile-time check that MongoStore implements Store.
var _ Store = (*MongoStore)(nil)

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	client   *mongo.Client
	mentions *mongo.Collection
	state    *mongo.Collection
}

// stateDoc is the bot_state singleton. LastMentionIDLen mirrors the significant length of
// LastMentionID so that the cursor can be advanced with a single conditional update.
type stateDoc struct {
	ID                     string     `bson:"_id"`
	LastMentionID          string     `bson:"last_mention_id,omitempty"`
	LastMentionIDLen       int        `bson:"last_mention_id_len,omitempty"`
	TotalMentionsProcessed int64      `bson:"total_mentions_processed"`
	UpdatedAt              *time.Time `bson:"updated_at,omitempty"`
	UptimeStart            *time.Time `bson:"uptime_start,omitempty"`
}

// NewMongoStore connects to MongoDB and ensures the required indexes exist.
func NewMongoStore(ctx context.Context, opts ...Option) (*MongoStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("MongoStore.NewMongoStore: creating Mongo store", "URI_set", cfg.DSN != "", "database", cfg.Database)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mongodb URI not set")
	}
	if cfg.Database == "" {
		cfg.Database = DatabaseNameForEnvironment("")
	}

	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.DSN))
	if err != nil {
		slog.Error("MongoStore.NewMongoStore: connect failed", "error", err)
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		slog.Error("MongoStore.NewMongoStore: ping failed", "error", err)
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &MongoStore{
		client:   client,
		mentions: db.Collection(MentionsCollection),
		state:    db.Collection(StateCollection),
	}

	_, err = s.mentions.Indexes().CreateMany(connectCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "mention_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "processed_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		slog.Error("MongoStore.NewMongoStore: index creation failed", "error", err)
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create mongodb indexes: %w", err)
	}

	slog.Info("MongoStore.NewMongoStore: connected", "database", cfg.Database)
	return s, nil
}

func (s *MongoStore) Claim(ctx context.Context, mentionID, username, tweetText string) (bool, error) {
	rec := models.NewClaim(mentionID, username, tweetText)
	if err := rec.Validate(); err != nil {
		return false, err
	}
	_, err := s.mentions.InsertOne(ctx, bson.M{
		"mention_id":   rec.MentionID,
		"username":     rec.Username,
		"tweet_text":   rec.TweetText,
		"image_path":   nil,
		"processed_at": rec.ProcessedAt,
		"status":       string(rec.Status),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		slog.Error("MongoStore.Claim: insert failed", "error", err, "mentionID", mentionID)
		return false, fmt.Errorf("claim mention %s failed: %w", mentionID, err)
	}
	return true, nil
}

func (s *MongoStore) Complete(ctx context.Context, mentionID string, imagePath *string) error {
	status := models.OutcomeStatus(imagePath)
	res, err := s.mentions.UpdateOne(ctx,
		bson.M{"mention_id": mentionID, "status": string(models.MentionStatusProcessing)},
		bson.M{"$set": bson.M{
			"status":       string(status),
			"image_path":   nullablePath(imagePath),
			"processed_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		slog.Error("MongoStore.Complete: update failed", "error", err, "mentionID", mentionID)
		return fmt.Errorf("complete mention %s failed: %w", mentionID, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	existing, err := s.GetMention(ctx, mentionID)
	if err != nil {
		return err
	}
	return resolveCompletion(existing, imagePath)
}

func (s *MongoStore) IsClaimed(ctx context.Context, mentionID string) (bool, error) {
	n, err := s.mentions.CountDocuments(ctx, bson.M{"mention_id": mentionID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("claim check failed: %w", err)
	}
	return n > 0, nil
}

func (s *MongoStore) GetMention(ctx context.Context, mentionID string) (*models.MentionRecord, error) {
	var rec models.MentionRecord
	err := s.mentions.FindOne(ctx, bson.M{"mention_id": mentionID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mention %s failed: %w", mentionID, err)
	}
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	return &rec, nil
}

func (s *MongoStore) ListMentions(ctx context.Context, limit int) ([]models.MentionRecord, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "processed_at", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := s.mentions.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		slog.Error("MongoStore.ListMentions: find failed", "error", err)
		return nil, fmt.Errorf("list mentions failed: %w", err)
	}
	var out []models.MentionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode mentions failed: %w", err)
	}
	return out, nil
}

func (s *MongoStore) FailStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.mentions.UpdateMany(ctx,
		bson.M{"status": string(models.MentionStatusProcessing), "processed_at": bson.M{"$lt": staleBefore.UTC()}},
		bson.M{"$set": bson.M{
			"status":       string(models.MentionStatusFailed),
			"image_path":   nil,
			"processed_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale claims failed: %w", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) loadState(ctx context.Context) (*stateDoc, error) {
	var doc stateDoc
	err := s.state.FindOne(ctx, bson.M{"_id": StateDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *MongoStore) GetCursor(ctx context.Context) (string, error) {
	doc, err := s.loadState(ctx)
	if err != nil {
		return "", fmt.Errorf("get cursor failed: %w", err)
	}
	if doc == nil {
		return "", nil
	}
	return doc.LastMentionID, nil
}

func (s *MongoStore) SetCursor(ctx context.Context, mentionID string) error {
	if mentionID == "" {
		return nil
	}
	n := cursorLen(mentionID)
	now := time.Now().UTC()

	// Only move forward: no cursor yet, a legacy cursor without a length, a shorter
	// cursor, or an equal-length cursor that sorts lower.
	filter := bson.M{
		"_id": StateDocID,
		"$or": bson.A{
			bson.M{"last_mention_id": bson.M{"$exists": false}},
			bson.M{"last_mention_id_len": bson.M{"$exists": false}},
			bson.M{"last_mention_id_len": bson.M{"$lt": n}},
			bson.M{"last_mention_id_len": n, "last_mention_id": bson.M{"$lt": mentionID}},
		},
	}
	update := bson.M{"$set": bson.M{
		"last_mention_id":     mentionID,
		"last_mention_id_len": n,
		"updated_at":          now,
	}}
	res, err := s.state.UpdateOne(ctx, filter, update)
	if err != nil {
		slog.Error("MongoStore.SetCursor: update failed", "error", err, "mentionID", mentionID)
		return fmt.Errorf("set cursor failed: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Either the document does not exist yet or the stored cursor is already newer.
	_, err = s.state.InsertOne(ctx, stateDoc{
		ID:               StateDocID,
		LastMentionID:    mentionID,
		LastMentionIDLen: n,
		UpdatedAt:        &now,
		UptimeStart:      &now,
	})
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set cursor failed: %w", err)
	}
	return nil
}

func (s *MongoStore) IncrementCount(ctx context.Context) error {
	now := time.Now().UTC()
	_, err := s.state.UpdateOne(ctx,
		bson.M{"_id": StateDocID},
		bson.M{
			"$inc":         bson.M{"total_mentions_processed": 1},
			"$set":         bson.M{"updated_at": now},
			"$setOnInsert": bson.M{"uptime_start": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		slog.Error("MongoStore.IncrementCount: upsert failed", "error", err)
		return fmt.Errorf("increment processed count failed: %w", err)
	}
	return nil
}

func (s *MongoStore) GetStats(ctx context.Context) (models.BotStats, error) {
	doc, err := s.loadState(ctx)
	if err != nil {
		return models.BotStats{}, fmt.Errorf("get stats failed: %w", err)
	}
	if doc == nil {
		return models.BotStats{}, nil
	}
	return models.BotStats{
		LastMentionID:       doc.LastMentionID,
		TotalProcessedCount: doc.TotalMentionsProcessed,
		UpdatedAt:           doc.UpdatedAt,
		UptimeStart:         doc.UptimeStart,
	}, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		slog.Error("MongoStore.Close: disconnect failed", "error", err)
		return err
	}
	return nil
}
