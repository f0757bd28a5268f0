package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BTreeMap/MemeryBot/internal/genai"
	"github.com/BTreeMap/MemeryBot/internal/imaging"
	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// Tool names exposed to the model.
const (
	toolDownloadProfile = "download_x_profile_picture"
	toolCompositeImage  = "create_composite_image"
	toolGenerateVideo   = "generate_video_from_image"
	toolSelectLocal     = "select_local_image"
)

// Output subdirectories for each kind of artifact.
const (
	profilesDir = "profiles"
	imagesDir   = "images"
	videosDir   = "videos"
)

type downloadProfileArgs struct {
	Username string `json:"username" jsonschema:"description=X username without the leading @"`
}

type compositeImageArgs struct {
	ImagePaths     []string `json:"image_paths" jsonschema:"description=Paths of the images needed to generate the new image"`
	Prompt         string   `json:"prompt" jsonschema:"description=Detailed description of how the images in image_paths should be orchestrated"`
	OutputFilename string   `json:"output_filename" jsonschema:"description=Output file name for the generated image"`
}

type generateVideoArgs struct {
	ImagePath      string `json:"image_path" jsonschema:"description=Path of the image to animate (typically from create_composite_image)"`
	OutputFilename string `json:"output_filename" jsonschema:"description=Output file name for the generated video"`
}

type selectLocalArgs struct {
	Meme string `json:"meme" jsonschema:"description=Name of a locally available meme character"`
}

// profileResult is returned by the profile tool. Both fields are empty when the download failed.
type profileResult struct {
	Filepath    string `json:"filepath"`
	Description string `json:"description"`
	Error       string `json:"error,omitempty"`
}

// pathResult is returned by the generation tools. Path is empty when the tool failed.
type pathResult struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

func functionTool(name, description string, schema map[string]interface{}) openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String(description),
			Parameters:  shared.FunctionParameters(schema),
			Strict:      openai.Bool(true),
		},
	}
}

// toolDefinitions returns the tools offered to the model.
func (b *Backend) toolDefinitions() []openai.ChatCompletionToolParam {
	tools := []openai.ChatCompletionToolParam{
		functionTool(toolDownloadProfile,
			"Downloads the profile picture of an X (Twitter) user and describes what it shows.",
			genai.GenerateSchema[downloadProfileArgs]()),
		functionTool(toolCompositeImage,
			"Create a composite image using the image editing API. Returns the full path to the generated image, empty if failed.",
			genai.GenerateSchema[compositeImageArgs]()),
		functionTool(toolSelectLocal,
			"Returns the path of the default picture of a locally available meme character.",
			genai.GenerateSchema[selectLocalArgs]()),
	}
	if b.video != nil {
		tools = append(tools, functionTool(toolGenerateVideo,
			"Generate an animated video from an image. Returns the full path to the generated video, empty if failed.",
			genai.GenerateSchema[generateVideoArgs]()))
	}
	return tools
}

// executeTool runs one tool call and returns the JSON handed back to the model.
// Tool failures are reported to the model rather than aborting the run.
func (b *Backend) executeTool(ctx context.Context, call genai.ToolCall) string {
	var result any
	switch call.Function.Name {
	case toolDownloadProfile:
		var args downloadProfileArgs
		if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
			return toolError(call, err)
		}
		res, err := b.downloadProfilePicture(ctx, args.Username)
		if err != nil {
			slog.Warn("agent.Backend.executeTool: profile download failed", "username", args.Username, "error", err)
			res = profileResult{Error: err.Error()}
		}
		result = res

	case toolCompositeImage:
		var args compositeImageArgs
		if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
			return toolError(call, err)
		}
		path, err := b.createCompositeImage(ctx, args)
		result = newPathResult(call, path, err)

	case toolGenerateVideo:
		if b.video == nil {
			return toolError(call, fmt.Errorf("video generation is not configured"))
		}
		var args generateVideoArgs
		if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
			return toolError(call, err)
		}
		path, err := b.generateVideo(ctx, args)
		result = newPathResult(call, path, err)

	case toolSelectLocal:
		var args selectLocalArgs
		if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
			return toolError(call, err)
		}
		path, err := b.library.ImagePath(args.Meme)
		result = newPathResult(call, path, err)

	default:
		return toolError(call, fmt.Errorf("unknown tool %q", call.Function.Name))
	}

	out, err := json.Marshal(result)
	if err != nil {
		return toolError(call, err)
	}
	return string(out)
}

func newPathResult(call genai.ToolCall, path string, err error) pathResult {
	if err != nil {
		slog.Warn("agent.Backend.executeTool: tool failed", "tool", call.Function.Name, "toolCallID", call.ID, "error", err)
		return pathResult{Error: err.Error()}
	}
	return pathResult{Path: path}
}

func toolError(call genai.ToolCall, err error) string {
	slog.Warn("agent.Backend.executeTool: tool call rejected", "tool", call.Function.Name, "toolCallID", call.ID, "error", err)
	out, _ := json.Marshal(pathResult{Error: err.Error()})
	return string(out)
}

func (b *Backend) downloadProfilePicture(ctx context.Context, username string) (profileResult, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return profileResult{}, fmt.Errorf("username is required")
	}
	data, contentType, err := b.profiles.FetchProfileImage(ctx, username)
	if err != nil {
		return profileResult{}, err
	}

	ext := ".jpg"
	switch {
	case strings.Contains(contentType, "png"):
		ext = ".png"
	case strings.Contains(contentType, "webp"):
		ext = ".webp"
	}
	path := filepath.Join(b.outputDir, profilesDir, fmt.Sprintf("%s_profile_%s%s", sanitizeStem(username, "user"), shortID(), ext))
	if err := writeArtifact(path, data); err != nil {
		return profileResult{}, err
	}

	description, err := b.client.DescribeImage(ctx, fmt.Sprintf("Describe the content of this twitter profile picture of @%s.", username), data, contentType)
	if err != nil {
		// The picture is still usable without a description.
		slog.Warn("agent.Backend.downloadProfilePicture: describe failed", "username", username, "error", err)
	}
	slog.Info("agent.Backend.downloadProfilePicture: profile picture saved", "username", username, "path", path)
	return profileResult{Filepath: path, Description: description}, nil
}

func (b *Backend) createCompositeImage(ctx context.Context, args compositeImageArgs) (string, error) {
	if len(args.ImagePaths) == 0 {
		return "", fmt.Errorf("image_paths is required")
	}
	inputs := make([]genai.ImageInput, 0, len(args.ImagePaths))
	for _, p := range args.ImagePaths {
		resolved, err := b.resolveInput(p)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return "", fmt.Errorf("read image %s: %w", p, err)
		}
		inputs = append(inputs, genai.ImageInput{Name: filepath.Base(resolved), MIMEType: mimeTypeFor(resolved), Data: data})
	}

	prompt := fmt.Sprintf("The images you are seeing are %s. ", strings.Join(args.ImagePaths, ", ")) + args.Prompt +
		" Do not include tweet text in the image unless explicitly requested."
	slog.Info("agent.Backend.createCompositeImage: editing images", "inputs", args.ImagePaths, "promptLength", len(prompt))

	data, err := b.client.EditImages(ctx, prompt, inputs)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.png", sanitizeStem(args.OutputFilename, "meme"), shortID())
	path := filepath.Join(b.outputDir, imagesDir, name)
	if err := writeArtifact(path, data); err != nil {
		return "", err
	}
	if b.watermark != "" {
		if err := imaging.Watermark(path, b.watermark); err != nil {
			slog.Warn("agent.Backend.createCompositeImage: watermark failed", "path", path, "error", err)
		}
	}
	slog.Info("agent.Backend.createCompositeImage: image saved", "path", path)
	return path, nil
}

func (b *Backend) generateVideo(ctx context.Context, args generateVideoArgs) (string, error) {
	src, err := b.resolveInput(args.ImagePath)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.mp4", sanitizeStem(args.OutputFilename, "generated_video"), shortID())
	path := filepath.Join(b.outputDir, videosDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create video directory: %w", err)
	}
	if err := b.video.FromImage(ctx, src, path); err != nil {
		return "", err
	}
	return path, nil
}

// resolveInput only admits files under the output directory or the character library. The check
// runs on symlink-resolved paths.
func (b *Backend) resolveInput(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	resolved := realPath(abs)
	for _, root := range []string{b.outputDir, b.library.Dir()} {
		if root == "" {
			continue
		}
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rootAbs = realPath(rootAbs)
		if rel, err := filepath.Rel(rootAbs, resolved); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("image %s: %w", p, ErrPathNotAllowed)
}

// realPath resolves symlinks in the longest existing prefix of the absolute path p.
func realPath(p string) string {
	rest := ""
	for dir := p; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

var unsafeStemChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// sanitizeStem reduces a model-chosen file name to a safe stem, falling back to def.
func sanitizeStem(name, def string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.Trim(unsafeStemChars.ReplaceAllString(name, "_"), "_")
	if name == "" || name == "output" || name == "output_video" {
		return def
	}
	if len(name) > 48 {
		name = name[:48]
	}
	return name
}

func shortID() string {
	return uuid.NewString()[:8]
}
