package video

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/MemeryBot/internal/testutil"
	"google.golang.org/genai"
)

type fakeVideoAPI struct {
	doneAfter int
	polls     int
	opErr     map[string]any
	clip      []byte
}

func (f *fakeVideoAPI) GenerateVideos(ctx context.Context, model string, image *genai.Image) (*genai.GenerateVideosOperation, error) {
	if len(image.ImageBytes) == 0 {
		return nil, errors.New("empty image")
	}
	return &genai.GenerateVideosOperation{Name: "operations/1"}, nil
}

func (f *fakeVideoAPI) GetVideosOperation(ctx context.Context, op *genai.GenerateVideosOperation) (*genai.GenerateVideosOperation, error) {
	f.polls++
	if f.polls < f.doneAfter {
		return op, nil
	}
	return &genai.GenerateVideosOperation{
		Name:  op.Name,
		Done:  true,
		Error: f.opErr,
		Response: &genai.GenerateVideosResponse{
			GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{MIMEType: "video/mp4"}}},
		},
	}, nil
}

func (f *fakeVideoAPI) Download(ctx context.Context, v *genai.GeneratedVideo) ([]byte, error) {
	return f.clip, nil
}

func writeImage(t *testing.T) string {
	t.Helper()
	return testutil.WritePNG(t, filepath.Join(t.TempDir(), "meme.png"), 8, 8)
}

func TestFromImageWritesClip(t *testing.T) {
	api := &fakeVideoAPI{doneAfter: 2, clip: []byte("mp4 bytes")}
	g := newGenerator(api, Opts{Model: DefaultModel, PollInterval: time.Millisecond, MaxPolls: 5})
	out := filepath.Join(t.TempDir(), "videos", "meme.mp4")

	if err := g.FromImage(context.Background(), writeImage(t), out); err != nil {
		t.Fatalf("FromImage failed: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil || string(data) != "mp4 bytes" {
		t.Fatalf("unexpected output %q, %v", data, err)
	}
	if api.polls != 2 {
		t.Errorf("expected 2 polls, got %d", api.polls)
	}
}

func TestFromImageTimesOut(t *testing.T) {
	api := &fakeVideoAPI{doneAfter: 100}
	g := newGenerator(api, Opts{PollInterval: time.Millisecond, MaxPolls: 3})
	err := g.FromImage(context.Background(), writeImage(t), filepath.Join(t.TempDir(), "x.mp4"))
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("expected ErrTimedOut, got %v", err)
	}
}

func TestFromImageOperationError(t *testing.T) {
	api := &fakeVideoAPI{doneAfter: 1, opErr: map[string]any{"message": "blocked"}}
	g := newGenerator(api, Opts{PollInterval: time.Millisecond, MaxPolls: 3})
	if err := g.FromImage(context.Background(), writeImage(t), filepath.Join(t.TempDir(), "x.mp4")); err == nil {
		t.Error("expected error from failed operation")
	}
}

func TestFromImageHonoursContext(t *testing.T) {
	api := &fakeVideoAPI{doneAfter: 100}
	g := newGenerator(api, Opts{PollInterval: time.Hour, MaxPolls: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.FromImage(ctx, writeImage(t), filepath.Join(t.TempDir(), "x.mp4"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewGeneratorRequiresKey(t *testing.T) {
	if _, err := NewGenerator(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}
