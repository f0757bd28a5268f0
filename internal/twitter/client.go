// Package twitter is a small client for the X (Twitter) API endpoints used by MemeryBot:
// reading mentions, resolving users, uploading media and posting replies.
//
// Requests are signed with OAuth 1.0a user context and paced by a token-bucket limiter.
package twitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dghubble/oauth1"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Default endpoints and limits.
const (
	DefaultBaseURL       = "https://api.twitter.com"
	DefaultUploadURL     = "https://upload.twitter.com"
	DefaultTimeout       = 60 * time.Second
	DefaultUserCacheSize = 1024

	// maxResponseBytes caps how much of a response body is read.
	maxResponseBytes = 8 << 20
)

// ErrMissingCredentials is returned when any OAuth credential is empty.
var ErrMissingCredentials = errors.New("twitter: missing OAuth credentials")

// APIError is a non-2xx response from the X API.
type APIError struct {
	StatusCode int
	Title      string
	Detail     string
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = strings.TrimSpace(e.Body)
	}
	return fmt.Sprintf("twitter api error (status %d): %s", e.StatusCode, msg)
}

// IsRateLimited reports whether the request was rejected for exceeding a rate limit.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Opts holds configuration for the X API client.
type Opts struct {
	APIKey       string
	APISecret    string
	AccessToken  string
	AccessSecret string

	BaseURL       string
	UploadURL     string
	HTTPClient    *http.Client // base transport; requests are signed on top of it
	Timeout       time.Duration
	RateLimit     rate.Limit
	RateBurst     int
	UserCacheSize int
}

// Option defines a configuration option for the X API client.
type Option func(*Opts)

// WithCredentials sets the OAuth 1.0a consumer and access credentials.
func WithCredentials(apiKey, apiSecret, accessToken, accessSecret string) Option {
	return func(o *Opts) {
		o.APIKey = apiKey
		o.APISecret = apiSecret
		o.AccessToken = accessToken
		o.AccessSecret = accessSecret
	}
}

// WithBaseURL overrides the v2 API base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(u, "/") }
}

// WithUploadURL overrides the media upload base URL.
func WithUploadURL(u string) Option {
	return func(o *Opts) { o.UploadURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the underlying HTTP client used beneath the OAuth signer.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRateLimit sets the outbound request rate and burst.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(o *Opts) {
		o.RateLimit = r
		o.RateBurst = burst
	}
}

// WithUserCacheSize sets how many user id to username mappings are cached.
func WithUserCacheSize(n int) Option {
	return func(o *Opts) { o.UserCacheSize = n }
}

// User is an X account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Client talks to the X API on behalf of the bot account.
type Client struct {
	http      *http.Client
	media     *http.Client // unsigned, for image CDN downloads
	baseURL   string
	uploadURL string
	limiter   *rate.Limiter
	users     *lru.Cache[string, string]

	meMu sync.Mutex
	me   *User
}

// NewClient creates a new X API client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:       DefaultBaseURL,
		UploadURL:     DefaultUploadURL,
		Timeout:       DefaultTimeout,
		RateLimit:     rate.Every(time.Second),
		RateBurst:     5,
		UserCacheSize: DefaultUserCacheSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" || cfg.AccessToken == "" || cfg.AccessSecret == "" {
		return nil, ErrMissingCredentials
	}

	users, err := lru.New[string, string](cfg.UserCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create user cache: %w", err)
	}

	ctx := context.Background()
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth1.HTTPClient, cfg.HTTPClient)
	}
	config := oauth1.NewConfig(cfg.APIKey, cfg.APISecret)
	httpClient := config.Client(ctx, oauth1.NewToken(cfg.AccessToken, cfg.AccessSecret))
	httpClient.Timeout = cfg.Timeout

	media := &http.Client{}
	if cfg.HTTPClient != nil {
		*media = *cfg.HTTPClient
	}
	media.Timeout = cfg.Timeout

	slog.Debug("twitter.NewClient: client created", "baseURL", cfg.BaseURL, "uploadURL", cfg.UploadURL)
	return &Client{
		http:      httpClient,
		media:     media,
		baseURL:   cfg.BaseURL,
		uploadURL: cfg.UploadURL,
		limiter:   rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		users:     users,
	}, nil
}

// do sends a signed request and returns the response body of a 2xx response.
func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAPIError(resp.StatusCode, body)
		slog.Warn("twitter.Client.do: request failed", "method", req.Method, "path", req.URL.Path, "status", resp.StatusCode, "error", apiErr)
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

// parseAPIError extracts a readable message from either v2 problem details or v1.1 error arrays.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	if !gjson.ValidBytes(body) {
		return apiErr
	}
	res := gjson.ParseBytes(body)
	apiErr.Title = res.Get("title").String()
	apiErr.Detail = res.Get("detail").String()
	if apiErr.Detail == "" {
		apiErr.Detail = res.Get("errors.0.message").String()
	}
	return apiErr
}
