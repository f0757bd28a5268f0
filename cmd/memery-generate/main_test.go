package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"testing"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("memery-generate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags(newFlagSet(), []string{"-author", "@alice", "-output-dir", "/tmp/out", "make", "me", "a", "cat"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if o.author != "alice" {
		t.Errorf("expected author without @, got %q", o.author)
	}
	if o.text != "make me a cat" {
		t.Errorf("unexpected text %q", o.text)
	}
	if o.outputDir != "/tmp/out" {
		t.Errorf("unexpected output dir %q", o.outputDir)
	}
}

func TestParseFlagsRequiresText(t *testing.T) {
	if _, err := parseFlags(newFlagSet(), []string{"-author", "alice"}); err == nil {
		t.Fatal("expected an error without tweet text")
	}
}

func TestNoProfiles(t *testing.T) {
	_, _, err := noProfiles{}.FetchProfileImage(context.Background(), "alice")
	if !errors.Is(err, errNoProfiles) {
		t.Errorf("expected errNoProfiles, got %v", err)
	}
}
