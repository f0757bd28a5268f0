// Package characters discovers the meme character assets shipped next to the bot.
//
// Each character is a subdirectory of the memes directory holding a default.jpg.
package characters

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultImageName is the image file looked up inside each character directory.
const DefaultImageName = "default.jpg"

// ErrUnknownCharacter is returned when a character has no usable asset.
var ErrUnknownCharacter = errors.New("unknown meme character")

// Library indexes the character directories under a root.
type Library struct {
	dir string
}

// NewLibrary creates a library rooted at dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Dir returns the library root.
func (l *Library) Dir() string {
	return l.dir
}

// Available returns the sorted character names. A missing or unreadable root yields none.
func (l *Library) Available() []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Library.Available: cannot scan memes directory", "dir", l.dir, "error", err)
		}
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Instructions describes the available characters for the agent's instructions.
func (l *Library) Instructions() string {
	names := l.Available()
	if len(names) == 0 {
		return "No local meme characters are currently available."
	}
	return "Locally available meme characters: " + strings.Join(names, ", ")
}

// ImagePath returns the default image of a character.
func (l *Library) ImagePath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrUnknownCharacter, name)
	}
	path := filepath.Join(l.dir, name, DefaultImageName)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCharacter, name)
	}
	return path, nil
}
