package bot

import (
	"context"
	"fmt"
	"log/slog"
)

// Publisher uploads media and posts replies on the platform.
type Publisher interface {
	UploadMedia(ctx context.Context, path string) (string, error)
	PostReply(ctx context.Context, inReplyTo, text string, mediaIDs []string) (string, error)
}

// ReplyDispatcher answers a mention with generated media.
type ReplyDispatcher struct {
	publisher Publisher
	text      string
}

// NewReplyDispatcher creates a dispatcher that posts text (which may be empty) with the media.
func NewReplyDispatcher(publisher Publisher, text string) *ReplyDispatcher {
	return &ReplyDispatcher{publisher: publisher, text: text}
}

// Dispatch uploads the media at path and replies to mentionID with it. Either the reply is
// posted or an error is returned; an uploaded but unreferenced media item counts as failure.
func (d *ReplyDispatcher) Dispatch(ctx context.Context, mentionID, username, path string) error {
	mediaID, err := d.publisher.UploadMedia(ctx, path)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	tweetID, err := d.publisher.PostReply(ctx, mentionID, d.text, []string{mediaID})
	if err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	slog.Info("ReplyDispatcher.Dispatch: posted reply with media", "mentionID", mentionID, "username", username, "mediaID", mediaID, "tweetID", tweetID)
	return nil
}
