package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	holder := parseHolder(string(content))
	if holder.PID != os.Getpid() {
		t.Errorf("expected pid %d in lock file, got %d (%q)", os.Getpid(), holder.PID, content)
	}
	if holder.Started.IsZero() {
		t.Errorf("expected start time in lock file, got %q", content)
	}
}

func TestAcquireLock_Conflict(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatalf("Second lock acquisition should have failed")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected *LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), lockErr.Holder.PID)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another MemeryBot instance") || !strings.Contains(msg, dir) {
		t.Errorf("unhelpful error message: %s", msg)
	}

	// The failed attempt must not clobber the holder's details.
	content, _ := os.ReadFile(filepath.Join(dir, LockFileName))
	if parseHolder(string(content)).PID != os.Getpid() {
		t.Errorf("lock file content lost after failed attempt: %q", content)
	}
}

func TestRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed after release, stat err = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to reacquire lock after release: %v", err)
	}
	again.Release()
}

func TestAcquireLock_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "nested")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Should create directory and acquire lock: %v", err)
	}
	defer lock.Release()
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"full", "pid=12345\nstarted=2025-03-01T12:00:00Z\n", Holder{PID: 12345, Started: started}},
		{"pid only", "pid=67890\n", Holder{PID: 67890}},
		{"legacy single line", "pid=42", Holder{PID: 42}},
		{"invalid pid", "pid=abc\n", Holder{}},
		{"negative pid", "pid=-3\n", Holder{}},
		{"no equals", "pid12345", Holder{}},
		{"empty", "", Holder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHolder(tt.content)
			if got.PID != tt.want.PID || !got.Started.Equal(tt.want.Started) {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown process" {
		t.Errorf("zero holder = %q", got)
	}
	if got := (Holder{PID: os.Getpid()}).String(); !strings.Contains(got, "(running)") {
		t.Errorf("own process should be running: %q", got)
	}
}
