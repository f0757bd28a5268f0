package twitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/models"
	"github.com/tidwall/gjson"
)

// Bounds the mentions endpoint accepts for max_results.
const (
	MinMentionResults = 5
	MaxMentionResults = 100
)

// ErrResultsOutOfRange is returned by GetMentions for a page size the endpoint does not accept.
var ErrResultsOutOfRange = errors.New("twitter: max results out of range")

// mentionTweetFields are requested for every mention.
const mentionTweetFields = "author_id,created_at,text,in_reply_to_user_id,referenced_tweets"

// GetMentions returns at most maxResults mentions of the bot account newer than sinceID, newest
// first. maxResults must lie between MinMentionResults and MaxMentionResults. Replies in threads
// that merely inherit the bot's handle are dropped; see isDirectMention.
func (c *Client) GetMentions(ctx context.Context, sinceID string, maxResults int) ([]models.Mention, error) {
	if maxResults < MinMentionResults || maxResults > MaxMentionResults {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrResultsOutOfRange, maxResults, MinMentionResults, MaxMentionResults)
	}
	me, err := c.Me(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("max_results", strconv.Itoa(maxResults))
	q.Set("tweet.fields", mentionTweetFields)
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username")
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	endpoint := fmt.Sprintf("%s/2/users/%s/mentions?%s", c.baseURL, url.PathEscape(me.ID), q.Encode())

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("get mentions: %w", err)
	}

	// Author handles arrive in the includes block; cache them so the bot does not look them up again.
	gjson.GetBytes(body, "includes.users").ForEach(func(_, u gjson.Result) bool {
		if id, name := u.Get("id").String(), u.Get("username").String(); id != "" && name != "" {
			c.users.Add(id, name)
		}
		return true
	})

	var all []models.Mention
	gjson.GetBytes(body, "data").ForEach(func(_, t gjson.Result) bool {
		all = append(all, parseMention(t))
		return true
	})

	mentions := filterDirectMentions(all, me.ID)
	slog.Debug("twitter.Client.GetMentions: fetched", "sinceID", sinceID, "received", len(all), "kept", len(mentions))
	return mentions, nil
}

func parseMention(t gjson.Result) models.Mention {
	m := models.Mention{
		ID:               t.Get("id").String(),
		AuthorID:         t.Get("author_id").String(),
		Text:             t.Get("text").String(),
		InReplyToUserID:  t.Get("in_reply_to_user_id").String(),
		ReferencedTweets: int(t.Get("referenced_tweets.#").Int()),
	}
	if ts := t.Get("created_at").String(); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			m.CreatedAt = parsed
		}
	}
	return m
}

// filterDirectMentions keeps mentions written by someone other than the bot that are either
// not replies at all, or top-level replies addressed directly to the bot. Replies deeper in a
// thread carry the bot's handle automatically and are not requests.
func filterDirectMentions(mentions []models.Mention, botUserID string) []models.Mention {
	out := make([]models.Mention, 0, len(mentions))
	for _, m := range mentions {
		if isDirectMention(m, botUserID) {
			out = append(out, m)
		}
	}
	return out
}

func isDirectMention(m models.Mention, botUserID string) bool {
	if m.AuthorID == botUserID {
		return false
	}
	if m.InReplyToUserID == "" {
		return true
	}
	return m.ReferencedTweets == 0 && m.InReplyToUserID == botUserID
}
