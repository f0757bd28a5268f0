// Package video animates still images into short clips with Veo through the Gemini API.
package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/genai"
)

// Defaults for video generation.
const (
	DefaultModel        = "veo-3.0-fast-generate-001"
	DefaultPollInterval = 10 * time.Second
	DefaultMaxPolls     = 30
)

// Errors returned by the generator.
var (
	ErrMissingAPIKey = errors.New("GEMINI_API_KEY not set")
	ErrTimedOut      = errors.New("video generation timed out")
	ErrNoVideo       = errors.New("video generation returned no video")
)

// videoAPI is the subset of the Gemini client used for image-to-video.
type videoAPI interface {
	GenerateVideos(ctx context.Context, model string, image *genai.Image) (*genai.GenerateVideosOperation, error)
	GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error)
	Download(ctx context.Context, v *genai.GeneratedVideo) ([]byte, error)
}

type geminiAPI struct {
	client *genai.Client
}

func (g geminiAPI) GenerateVideos(ctx context.Context, model string, image *genai.Image) (*genai.GenerateVideosOperation, error) {
	return g.client.Models.GenerateVideos(ctx, model, "", image, nil)
}

func (g geminiAPI) GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error) {
	return g.client.Operations.GetVideosOperation(ctx, op, nil)
}

func (g geminiAPI) Download(ctx context.Context, v *genai.GeneratedVideo) ([]byte, error) {
	if v.Video != nil && len(v.Video.VideoBytes) > 0 {
		return v.Video.VideoBytes, nil
	}
	return g.client.Files.Download(ctx, genai.NewDownloadURIFromGeneratedVideo(v), nil)
}

// Opts holds configuration for the video generator.
type Opts struct {
	APIKey       string
	Model        string
	PollInterval time.Duration
	MaxPolls     int
}

// Option defines a configuration option for the video generator.
type Option func(*Opts)

// WithAPIKey sets the Gemini API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the Veo model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithPolling sets how often and how many times the operation is polled.
func WithPolling(interval time.Duration, maxPolls int) Option {
	return func(o *Opts) {
		o.PollInterval = interval
		o.MaxPolls = maxPolls
	}
}

// Generator turns images into videos.
type Generator struct {
	api          videoAPI
	model        string
	pollInterval time.Duration
	maxPolls     int
}

// NewGenerator creates a Gemini-backed generator.
func NewGenerator(ctx context.Context, opts ...Option) (*Generator, error) {
	cfg := Opts{Model: DefaultModel, PollInterval: DefaultPollInterval, MaxPolls: DefaultMaxPolls}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGenerator(geminiAPI{client: client}, cfg), nil
}

func newGenerator(api videoAPI, cfg Opts) *Generator {
	return &Generator{api: api, model: cfg.Model, pollInterval: cfg.PollInterval, maxPolls: cfg.MaxPolls}
}

// FromImage animates the image at imagePath and writes the clip to outputPath.
func (g *Generator) FromImage(ctx context.Context, imagePath, outputPath string) error {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return fmt.Errorf("read image %s: %w", imagePath, err)
	}
	image := &genai.Image{ImageBytes: data, MIMEType: http.DetectContentType(data)}

	op, err := g.api.GenerateVideos(ctx, g.model, image)
	if err != nil {
		return fmt.Errorf("start video generation: %w", err)
	}
	slog.Info("video.Generator.FromImage: operation started", "operation", op.Name, "model", g.model, "image", imagePath)

	for poll := 0; !op.Done; poll++ {
		if poll >= g.maxPolls {
			slog.Error("video.Generator.FromImage: timed out", "operation", op.Name, "polls", poll)
			return ErrTimedOut
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.pollInterval):
		}
		slog.Debug("video.Generator.FromImage: polling", "operation", op.Name, "attempt", poll+1, "max", g.maxPolls)
		if op, err = g.api.GetVideosOperation(ctx, op); err != nil {
			return fmt.Errorf("poll video operation: %w", err)
		}
	}

	if op.Error != nil {
		return fmt.Errorf("video generation failed: %v", op.Error)
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0] == nil {
		return ErrNoVideo
	}
	clip, err := g.api.Download(ctx, op.Response.GeneratedVideos[0])
	if err != nil {
		return fmt.Errorf("download video: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("create video directory: %w", err)
	}
	if err := os.WriteFile(outputPath, clip, 0644); err != nil {
		return fmt.Errorf("write video %s: %w", outputPath, err)
	}
	slog.Info("video.Generator.FromImage: video saved", "path", outputPath, "bytes", len(clip))
	return nil
}
