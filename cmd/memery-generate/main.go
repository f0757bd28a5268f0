// Command memery-generate runs the generation backend once on a tweet-like prompt and prints the
// resulting media path and description as JSON. Nothing is posted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BTreeMap/MemeryBot/internal/agent"
	"github.com/BTreeMap/MemeryBot/internal/bot"
	"github.com/BTreeMap/MemeryBot/internal/genai"
	"github.com/BTreeMap/MemeryBot/internal/models"
	"github.com/BTreeMap/MemeryBot/internal/twitter"
	"github.com/BTreeMap/MemeryBot/internal/util"
	"github.com/BTreeMap/MemeryBot/internal/video"
	"github.com/joho/godotenv"
)

// errNoProfiles is returned by the profile tool when no X credentials are configured.
var errNoProfiles = errors.New("profile downloads need TWITTER_API_KEY, TWITTER_API_SECRET and access tokens")

type noProfiles struct{}

func (noProfiles) FetchProfileImage(ctx context.Context, username string) ([]byte, string, error) {
	return nil, "", errNoProfiles
}

type options struct {
	author    string
	text      string
	memesDir  string
	outputDir string
	openaiKey string
	geminiKey string
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("Invalid arguments", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := generate(ctx, opts)
	if err != nil {
		slog.Error("Generation failed", "error", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Error("Failed to print result", "error", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.author, "author", "memery_labs", "handle the tweet is attributed to")
	fs.StringVar(&o.memesDir, "memes-dir", util.GetEnv("MEMES_DIR", "memes"), "directory of local meme characters")
	fs.StringVar(&o.outputDir, "output-dir", util.GetEnv("OUTPUT_DIR", "output"), "directory for generated media")
	fs.StringVar(&o.openaiKey, "openai-api-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key")
	fs.StringVar(&o.geminiKey, "gemini-api-key", os.Getenv("GEMINI_API_KEY"), "Gemini API key; enables the video tool")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	o.author = strings.TrimPrefix(o.author, "@")
	o.text = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if o.text == "" {
		return options{}, errors.New("usage: memery-generate [flags] <tweet text>")
	}
	return o, nil
}

func generate(ctx context.Context, o options) (models.GenerationResult, error) {
	client, err := genai.NewClient(genai.WithAPIKey(o.openaiKey))
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("create GenAI client: %w", err)
	}
	if err := os.MkdirAll(o.outputDir, 0755); err != nil {
		return models.GenerationResult{}, fmt.Errorf("create output directory: %w", err)
	}

	agentOpts := []agent.Option{agent.WithMemesDir(o.memesDir), agent.WithOutputDir(o.outputDir)}
	if o.geminiKey != "" {
		gen, err := video.NewGenerator(ctx, video.WithAPIKey(o.geminiKey))
		if err != nil {
			return models.GenerationResult{}, fmt.Errorf("create video generator: %w", err)
		}
		agentOpts = append(agentOpts, agent.WithVideo(gen))
	}

	backend := agent.NewBackend(client, profileSource(), agentOpts...)
	prompt := bot.BuildPrompt(o.author, o.text, "")
	slog.Info("Generating", "author", o.author, "videoEnabled", o.geminiKey != "")
	return backend.Generate(ctx, prompt)
}

// profileSource uses the X API when credentials are present, choosing the access tokens by
// ENVIRONMENT the same way the bot does.
func profileSource() agent.ProfileSource {
	token, secret := os.Getenv("DEV_TWITTER_ACCESS_TOKEN"), os.Getenv("DEV_TWITTER_ACCESS_SECRET")
	if strings.EqualFold(os.Getenv("ENVIRONMENT"), "production") {
		token, secret = os.Getenv("TWITTER_ACCESS_TOKEN"), os.Getenv("TWITTER_ACCESS_SECRET")
	}
	tw, err := twitter.NewClient(twitter.WithCredentials(os.Getenv("TWITTER_API_KEY"), os.Getenv("TWITTER_API_SECRET"), token, secret))
	if err != nil {
		slog.Warn("X credentials unavailable, profile downloads disabled", "error", err)
		return noProfiles{}
	}
	return tw
}
