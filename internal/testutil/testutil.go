// Package testutil provides helpers shared by the MemeryBot package tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/MemeryBot/internal/store"
)

// Fill is the color of the images produced by PNG and WritePNG.
var Fill = color.RGBA{R: 10, G: 20, B: 30, A: 255}

// PNG returns a w x h PNG filled with Fill.
func PNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, Fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// WritePNG writes a w x h PNG to path, creating parent directories.
func WritePNG(t *testing.T, path string, w, h int) string {
	t.Helper()
	return WriteFile(t, path, PNG(w, h))
}

// WriteFile writes data to path, creating parent directories, and returns path.
func WriteFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the {status, message, result} envelope, checks its status and
// decodes the result into result when it is non-nil. It returns the message.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string, result interface{}) string {
	t.Helper()
	var envelope struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
	}
	if envelope.Status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, envelope.Status)
	}
	if result != nil && len(envelope.Result) > 0 {
		MustUnmarshalJSON(t, envelope.Result, result)
	}
	return envelope.Message
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// SeedMentions claims each id in repo for @alice.
func SeedMentions(t *testing.T, repo store.MentionRepo, ids ...string) {
	t.Helper()
	for _, id := range ids {
		ok, err := repo.Claim(context.Background(), id, "alice", "make a meme @memerybot")
		if err != nil {
			t.Fatalf("failed to claim mention %s: %v", id, err)
		}
		if !ok {
			t.Fatalf("mention %s already claimed", id)
		}
	}
}
