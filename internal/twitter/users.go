package twitter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// Me returns the authenticated bot account. The result is cached after the first success.
func (c *Client) Me(ctx context.Context) (User, error) {
	c.meMu.Lock()
	defer c.meMu.Unlock()
	if c.me != nil {
		return *c.me, nil
	}
	body, err := c.get(ctx, c.baseURL+"/2/users/me")
	if err != nil {
		return User{}, fmt.Errorf("get authenticated user: %w", err)
	}
	u := parseUser(gjson.GetBytes(body, "data"))
	if u.ID == "" {
		return User{}, fmt.Errorf("get authenticated user: empty response")
	}
	c.users.Add(u.ID, u.Username)
	c.me = &u
	return u, nil
}

// ResolveUsername maps a user id to its handle, consulting the cache first.
func (c *Client) ResolveUsername(ctx context.Context, userID string) (string, error) {
	if name, ok := c.users.Get(userID); ok {
		return name, nil
	}
	body, err := c.get(ctx, c.baseURL+"/2/users/"+url.PathEscape(userID))
	if err != nil {
		return "", fmt.Errorf("resolve user %s: %w", userID, err)
	}
	name := gjson.GetBytes(body, "data.username").String()
	if name == "" {
		return "", fmt.Errorf("resolve user %s: no username in response", userID)
	}
	c.users.Add(userID, name)
	return name, nil
}

// CachedUsername returns the handle of userID if it is already known, without a request.
func (c *Client) CachedUsername(userID string) (string, bool) {
	return c.users.Get(userID)
}

// LookupProfileImageURL returns the full-size profile image URL for a handle.
func (c *Client) LookupProfileImageURL(ctx context.Context, username string) (string, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	endpoint := fmt.Sprintf("%s/2/users/by/username/%s?user.fields=profile_image_url", c.baseURL, url.PathEscape(username))
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("lookup profile image for @%s: %w", username, err)
	}
	imageURL := gjson.GetBytes(body, "data.profile_image_url").String()
	if imageURL == "" {
		return "", fmt.Errorf("lookup profile image for @%s: user has no profile image", username)
	}
	if id := gjson.GetBytes(body, "data.id").String(); id != "" {
		c.users.Add(id, username)
	}
	// The API returns the 48x48 "_normal" variant; dropping the suffix yields the original upload.
	return strings.Replace(imageURL, "_normal", "", 1), nil
}

// FetchProfileImage downloads the full-size profile image of a handle. It returns the image
// bytes and the content type reported by the image host.
func (c *Client) FetchProfileImage(ctx context.Context, username string) ([]byte, string, error) {
	imageURL, err := c.LookupProfileImageURL(ctx, username)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", err
	}
	// Image CDN requests are unsigned and not subject to the API limiter.
	resp, err := c.media.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download profile image for @%s: %w", username, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download profile image for @%s: status %d", username, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("download profile image for @%s: %w", username, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func parseUser(res gjson.Result) User {
	return User{
		ID:       res.Get("id").String(),
		Username: res.Get("username").String(),
		Name:     res.Get("name").String(),
	}
}
