package characters

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestLibrary(t *testing.T, names ...string) *Library {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(dir, name), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, name, DefaultImageName), []byte("jpg"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// Stray files are not characters.
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0644)
	return NewLibrary(dir)
}

func TestAvailableSorted(t *testing.T) {
	lib := newTestLibrary(t, "hosico", "bonk", "crybaby")
	got := lib.Available()
	want := []string{"bonk", "crybaby", "hosico"}
	if len(got) != len(want) {
		t.Fatalf("Available = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Available[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInstructions(t *testing.T) {
	lib := newTestLibrary(t, "hosico", "bonk")
	if got := lib.Instructions(); got != "Locally available meme characters: bonk, hosico" {
		t.Errorf("Instructions = %q", got)
	}
	empty := NewLibrary(filepath.Join(t.TempDir(), "missing"))
	if got := empty.Instructions(); got != "No local meme characters are currently available." {
		t.Errorf("empty Instructions = %q", got)
	}
}

func TestImagePath(t *testing.T) {
	lib := newTestLibrary(t, "hosico")
	path, err := lib.ImagePath("hosico")
	if err != nil {
		t.Fatalf("ImagePath failed: %v", err)
	}
	if path != filepath.Join(lib.Dir(), "hosico", DefaultImageName) {
		t.Errorf("unexpected path %q", path)
	}
	for _, bad := range []string{"", "nope", "../hosico", "..", "hosico/../hosico"} {
		if _, err := lib.ImagePath(bad); !errors.Is(err, ErrUnknownCharacter) {
			t.Errorf("ImagePath(%q) err = %v, want ErrUnknownCharacter", bad, err)
		}
	}
}
