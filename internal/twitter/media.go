package twitter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	// chunkSize is the APPEND segment size for chunked uploads.
	chunkSize = 4 << 20
	// maxStatusChecks bounds how many times a processing video is polled.
	maxStatusChecks = 60
)

// videoTypes maps file extensions that require chunked upload to their MIME types.
var videoTypes = map[string]string{
	".mp4": "video/mp4",
	".mov": "video/quicktime",
}

// IsVideo reports whether path is uploaded as a video.
func IsVideo(path string) bool {
	_, ok := videoTypes[strings.ToLower(filepath.Ext(path))]
	return ok
}

// UploadMedia uploads a local image or video and returns the media id to attach to a tweet.
func (c *Client) UploadMedia(ctx context.Context, path string) (string, error) {
	if mediaType, ok := videoTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return c.uploadChunked(ctx, path, mediaType)
	}
	return c.uploadSimple(ctx, path)
}

func (c *Client) uploadSimple(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read media %s: %w", path, err)
	}
	body, contentType, err := multipartBody(nil, "media", filepath.Base(path), data)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/1.1/media/upload.json", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload media %s: %w", filepath.Base(path), err)
	}
	mediaID := gjson.GetBytes(resp, "media_id_string").String()
	if mediaID == "" {
		return "", fmt.Errorf("upload media %s: no media id in response", filepath.Base(path))
	}
	slog.Debug("twitter.Client.uploadSimple: uploaded", "path", path, "mediaID", mediaID)
	return mediaID, nil
}

// uploadChunked runs the INIT, APPEND, FINALIZE sequence and waits for server-side processing.
func (c *Client) uploadChunked(ctx context.Context, path, mediaType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open media %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat media %s: %w", path, err)
	}

	initResp, err := c.postForm(ctx, url.Values{
		"command":        {"INIT"},
		"total_bytes":    {strconv.FormatInt(info.Size(), 10)},
		"media_type":     {mediaType},
		"media_category": {"tweet_video"},
	})
	if err != nil {
		return "", fmt.Errorf("media INIT: %w", err)
	}
	mediaID := gjson.GetBytes(initResp, "media_id_string").String()
	if mediaID == "" {
		return "", fmt.Errorf("media INIT: no media id in response")
	}

	buf := make([]byte, chunkSize)
	for segment := 0; ; segment++ {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			fields := map[string]string{
				"command":       "APPEND",
				"media_id":      mediaID,
				"segment_index": strconv.Itoa(segment),
			}
			body, contentType, err := multipartBody(fields, "media", filepath.Base(path), buf[:n])
			if err != nil {
				return "", err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/1.1/media/upload.json", body)
			if err != nil {
				return "", err
			}
			req.Header.Set("Content-Type", contentType)
			if _, err := c.do(ctx, req); err != nil {
				return "", fmt.Errorf("media APPEND segment %d: %w", segment, err)
			}
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read media %s: %w", path, readErr)
		}
	}

	finResp, err := c.postForm(ctx, url.Values{"command": {"FINALIZE"}, "media_id": {mediaID}})
	if err != nil {
		return "", fmt.Errorf("media FINALIZE: %w", err)
	}
	if err := c.awaitProcessing(ctx, mediaID, gjson.GetBytes(finResp, "processing_info")); err != nil {
		return "", err
	}
	slog.Debug("twitter.Client.uploadChunked: uploaded", "path", path, "mediaID", mediaID, "bytes", info.Size())
	return mediaID, nil
}

// awaitProcessing polls STATUS until the uploaded video is ready.
func (c *Client) awaitProcessing(ctx context.Context, mediaID string, info gjson.Result) error {
	for check := 0; info.Exists(); check++ {
		switch info.Get("state").String() {
		case "succeeded":
			return nil
		case "failed":
			return fmt.Errorf("media %s processing failed: %s", mediaID, info.Get("error.message").String())
		}
		if check >= maxStatusChecks {
			return fmt.Errorf("media %s still processing after %d checks", mediaID, check)
		}

		wait := time.Duration(info.Get("check_after_secs").Int()) * time.Second
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		q := url.Values{"command": {"STATUS"}, "media_id": {mediaID}}
		resp, err := c.get(ctx, c.uploadURL+"/1.1/media/upload.json?"+q.Encode())
		if err != nil {
			return fmt.Errorf("media STATUS: %w", err)
		}
		info = gjson.GetBytes(resp, "processing_info")
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/1.1/media/upload.json", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, req)
}

func multipartBody(fields map[string]string, fileField, fileName string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	part, err := w.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
