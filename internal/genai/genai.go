// Package genai provides GenAI-enhanced operations using the OpenAI API: chat completions
// with tool calling and structured output, image description and image editing.
package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Defaults for the OpenAI client.
const (
	DefaultModel               = "gpt-4.1"
	DefaultTemperature         = 0.6
	DefaultMaxCompletionTokens = 4096
	DefaultImageModel          = openai.ImageModelGPTImage1
)

// Errors returned by the client.
var (
	ErrNoChoicesReturned = errors.New("no choices returned")
	ErrNoImageReturned   = errors.New("no image returned")
	ErrMissingAPIKey     = errors.New("OPENAI_API_KEY not set")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// imageService defines the minimal interface for image edits.
type imageService interface {
	Edit(ctx context.Context, params openai.ImageEditParams, opts ...option.RequestOption) (*openai.ImagesResponse, error)
}

// ClientInterface is the subset of the client used by the meme agent.
type ClientInterface interface {
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
	GenerateStructuredWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, format StructuredFormat) (*ToolCallResponse, error)
	DescribeImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
	EditImages(ctx context.Context, prompt string, images []ImageInput) ([]byte, error)
}

// Compile-time check that Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// Client wraps the OpenAI chat and image services.
type Client struct {
	chat                chatService
	images              imageService
	model               string
	temperature         float64
	maxCompletionTokens int64
	imageModel          openai.ImageModel
	retry               RetryPolicy
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	ImageModel          string
	Retry               *RetryPolicy
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens caps completion length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithImageModel sets the image edit model.
func WithImageModel(model string) Option {
	return func(o *Opts) { o.ImageModel = model }
}

// WithRetryPolicy overrides the retry schedule for transient API errors.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Opts) { o.Retry = &p }
}

// NewClient initializes a new GenAI client. The API key comes from WithAPIKey or,
// failing that, the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
		ImageModel:          string(DefaultImageModel),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	retry := DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "imageModel", cfg.ImageModel, "temperature", cfg.Temperature)
	return &Client{
		chat:                &cli.Chat.Completions,
		images:              &cli.Images,
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		imageModel:          openai.ImageModel(cfg.ImageModel),
		retry:               retry,
	}, nil
}

// ToolCall is a single function call requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its JSON arguments.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResponse is the assistant turn of a tool-enabled completion.
type ToolCallResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

// StructuredFormat requests a JSON-schema constrained final answer.
type StructuredFormat struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

func (c *Client) baseParams(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}
	return params
}

// GenerateWithMessages returns the assistant text for a conversation.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.complete(ctx, c.baseParams(messages))
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools runs one completion round with the given tools available.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := c.baseParams(messages)
	params.Tools = tools
	return c.toolRound(ctx, params)
}

// GenerateStructuredWithTools runs one completion round with tools available and the final
// answer constrained to format.
func (c *Client) GenerateStructuredWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, format StructuredFormat) (*ToolCallResponse, error) {
	params := c.baseParams(messages)
	params.Tools = tools
	schema := shared.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   format.Name,
		Schema: format.Schema,
		Strict: openai.Bool(true),
	}
	if format.Description != "" {
		schema.Description = openai.String(format.Description)
	}
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{JSONSchema: schema},
	}
	return c.toolRound(ctx, params)
}

func (c *Client) toolRound(ctx context.Context, params openai.ChatCompletionNewParams) (*ToolCallResponse, error) {
	resp, err := c.complete(ctx, params)
	if err != nil {
		return nil, err
	}
	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("genai.Client.toolRound: completion received", "model", c.model, "contentLength", len(out.Content), "toolCalls", len(out.ToolCalls))
	return out, nil
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	var resp *openai.ChatCompletion
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.chat.New(ctx, params)
		return err
	})
	if err != nil {
		slog.Error("genai.Client.complete: chat completion failed", "model", c.model, "error", err)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}
	return resp, nil
}

// DescribeImage asks a vision-capable model to describe an image.
func (c *Client) DescribeImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}),
	}
	return c.GenerateWithMessages(ctx, messages)
}

// ImageInput is one source image for an edit.
type ImageInput struct {
	Name     string
	MIMEType string
	Data     []byte
}

// EditImages composes the input images according to prompt and returns the decoded PNG.
func (c *Client) EditImages(ctx context.Context, prompt string, images []ImageInput) ([]byte, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("edit images: no input images")
	}
	var resp *openai.ImagesResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		// Readers are consumed by each attempt, so rebuild them every time.
		readers := make([]io.Reader, 0, len(images))
		for _, img := range images {
			readers = append(readers, openai.File(bytes.NewReader(img.Data), img.Name, img.MIMEType))
		}
		params := openai.ImageEditParams{
			Image:         openai.ImageEditParamsImageUnion{OfFileArray: readers},
			Prompt:        prompt,
			Model:         c.imageModel,
			Quality:       openai.ImageEditParamsQualityHigh,
			Size:          openai.ImageEditParamsSize1536x1024,
			InputFidelity: openai.ImageEditParamsInputFidelityHigh,
		}
		params.SetExtraFields(map[string]any{"moderation": "low"})
		var err error
		resp, err = c.images.Edit(ctx, params)
		return err
	})
	if err != nil {
		slog.Error("genai.Client.EditImages: image edit failed", "model", c.imageModel, "inputs", len(images), "error", err)
		return nil, fmt.Errorf("image edit failed: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, ErrNoImageReturned
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode edited image: %w", err)
	}
	return data, nil
}
