package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
)

type createTweetRequest struct {
	Text  string            `json:"text"`
	Reply *tweetReply       `json:"reply,omitempty"`
	Media *tweetMediaParams `json:"media,omitempty"`
}

type tweetReply struct {
	InReplyToTweetID string `json:"in_reply_to_tweet_id"`
}

type tweetMediaParams struct {
	MediaIDs []string `json:"media_ids"`
}

// PostReply posts text as a reply to inReplyTo with the given media attached and returns
// the new tweet id.
func (c *Client) PostReply(ctx context.Context, inReplyTo, text string, mediaIDs []string) (string, error) {
	payload := createTweetRequest{Text: text}
	if inReplyTo != "" {
		payload.Reply = &tweetReply{InReplyToTweetID: inReplyTo}
	}
	if len(mediaIDs) > 0 {
		payload.Media = &tweetMediaParams{MediaIDs: mediaIDs}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode tweet: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/2/tweets", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("post reply to %s: %w", inReplyTo, err)
	}
	id := gjson.GetBytes(body, "data.id").String()
	if id == "" {
		return "", fmt.Errorf("post reply to %s: no tweet id in response", inReplyTo)
	}
	slog.Info("twitter.Client.PostReply: reply posted", "inReplyTo", inReplyTo, "tweetID", id, "media", len(mediaIDs))
	return id, nil
}
