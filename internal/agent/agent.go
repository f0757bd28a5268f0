// Package agent implements the meme generation backend: a tool-calling OpenAI agent that gathers
// profile pictures and character assets, composes an image and optionally animates it.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/MemeryBot/internal/characters"
	"github.com/BTreeMap/MemeryBot/internal/genai"
	"github.com/BTreeMap/MemeryBot/internal/imaging"
	"github.com/BTreeMap/MemeryBot/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// DefaultMaxToolRounds bounds the tool loop of one generation.
const DefaultMaxToolRounds = 10

// Errors returned by Generate.
var (
	ErrMaxToolRounds  = errors.New("agent exceeded maximum tool rounds")
	ErrEmptyResponse  = errors.New("agent returned neither content nor tool calls")
	ErrNoMedia        = errors.New("agent result has no media path")
	ErrPathNotAllowed = errors.New("path is outside the allowed directories")
)

// ProfileSource downloads the full-size profile picture of an X account.
type ProfileSource interface {
	FetchProfileImage(ctx context.Context, username string) ([]byte, string, error)
}

// VideoGenerator animates a still image into a clip.
type VideoGenerator interface {
	FromImage(ctx context.Context, imagePath, outputPath string) error
}

// Backend turns a tweet prompt into generated media.
type Backend struct {
	client    genai.ClientInterface
	profiles  ProfileSource
	video     VideoGenerator
	library   *characters.Library
	outputDir string
	watermark string
	maxRounds int
}

// Opts holds configuration for the backend.
type Opts struct {
	OutputDir     string
	MemesDir      string
	Watermark     string
	MaxToolRounds int
	Video         VideoGenerator
}

// Option defines a configuration option for the backend.
type Option func(*Opts)

// WithOutputDir sets where generated artifacts are written.
func WithOutputDir(dir string) Option {
	return func(o *Opts) { o.OutputDir = dir }
}

// WithMemesDir sets the character library root.
func WithMemesDir(dir string) Option {
	return func(o *Opts) { o.MemesDir = dir }
}

// WithWatermark sets the text stamped on composite images. Empty disables watermarking.
func WithWatermark(text string) Option {
	return func(o *Opts) { o.Watermark = text }
}

// WithMaxToolRounds bounds the tool loop.
func WithMaxToolRounds(n int) Option {
	return func(o *Opts) { o.MaxToolRounds = n }
}

// WithVideo enables the image-to-video tool.
func WithVideo(v VideoGenerator) Option {
	return func(o *Opts) { o.Video = v }
}

// NewBackend creates a generation backend.
func NewBackend(client genai.ClientInterface, profiles ProfileSource, opts ...Option) *Backend {
	cfg := Opts{
		OutputDir:     "output",
		MemesDir:      "memes",
		Watermark:     imaging.DefaultWatermark,
		MaxToolRounds: DefaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	return &Backend{
		client:    client,
		profiles:  profiles,
		video:     cfg.Video,
		library:   characters.NewLibrary(cfg.MemesDir),
		outputDir: cfg.OutputDir,
		watermark: cfg.Watermark,
		maxRounds: cfg.MaxToolRounds,
	}
}

// resultFormat constrains the final answer to a GenerationResult.
var resultFormat = genai.StructuredFormat{
	Name:        "image_result",
	Description: "The generated media and a short description of it",
	Schema:      genai.GenerateSchema[models.GenerationResult](),
}

// Generate runs the agent on prompt until it produces a media path.
func (b *Backend) Generate(ctx context.Context, prompt string) (models.GenerationResult, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(buildInstructions(b.library.Instructions(), b.video != nil)),
		openai.UserMessage(prompt),
	}
	tools := b.toolDefinitions()

	for round := 1; round <= b.maxRounds; round++ {
		slog.Debug("agent.Backend.Generate: round start", "round", round, "messageCount", len(messages))

		resp, err := b.client.GenerateStructuredWithTools(ctx, messages, tools, resultFormat)
		if err != nil {
			slog.Error("agent.Backend.Generate: tool generation failed", "round", round, "error", err)
			return models.GenerationResult{}, fmt.Errorf("failed to generate response with tools: %w", err)
		}

		if len(resp.ToolCalls) > 0 {
			messages = b.executeToolCalls(ctx, resp, messages)
			continue
		}

		if strings.TrimSpace(resp.Content) == "" {
			slog.Warn("agent.Backend.Generate: empty response", "round", round)
			return models.GenerationResult{}, ErrEmptyResponse
		}
		return b.parseResult(resp.Content)
	}

	slog.Warn("agent.Backend.Generate: hit maximum tool rounds", "maxRounds", b.maxRounds)
	return models.GenerationResult{}, ErrMaxToolRounds
}

// executeToolCalls appends the assistant turn and one tool message per call.
func (b *Backend) executeToolCalls(ctx context.Context, resp *genai.ToolCallResponse, messages []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	var names []string
	calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		names = append(names, tc.Function.Name)
		calls = append(calls, openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		})
	}
	slog.Info("agent.Backend.executeToolCalls: executing tools", "toolCallCount", len(calls), "executingTools", names)

	assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if resp.Content != "" {
		assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: param.NewOpt(resp.Content)}
	}
	messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

	for _, tc := range resp.ToolCalls {
		messages = append(messages, openai.ToolMessage(b.executeTool(ctx, tc), tc.ID))
	}
	return messages
}

// parseResult decodes the final answer. The media path must resolve inside the output directory
// or the character library, like every tool input.
func (b *Backend) parseResult(content string) (models.GenerationResult, error) {
	var result models.GenerationResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return models.GenerationResult{}, fmt.Errorf("parse agent result: %w", err)
	}
	if strings.TrimSpace(result.ImagePath) == "" {
		return models.GenerationResult{}, ErrNoMedia
	}
	if _, err := b.resolveInput(result.ImagePath); err != nil {
		slog.Warn("agent.Backend.Generate: rejected media path", "path", result.ImagePath)
		return models.GenerationResult{}, err
	}
	slog.Info("agent.Backend.Generate: generation finished", "path", result.ImagePath)
	return result, nil
}
