package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testPrompt = "A lighthouse keeper trades memories with the tide."

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func TestInitRunExportRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "novel")

	if err := execute(t, "init", dir, "--chapters", "2", "--author", "Tester"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := execute(t, "init", dir); err == nil {
		t.Fatalf("second init should fail")
	}

	if err := execute(t, "run", dir, "--prompt", testPrompt); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, rel := range []string{"chapters/chapter_001.json", "chapters/chapter_002.json"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("missing %s after run: %v", rel, err)
		}
	}

	out := filepath.Join(dir, "book.txt")
	if err := execute(t, "export", dir, "--output", out); err != nil {
		t.Fatalf("export: %v", err)
	}
	text, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(text), "by Tester") {
		t.Fatalf("export missing byline:\n%s", text)
	}

	if err := execute(t, "status", dir); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := execute(t, "state", dir); err != nil {
		t.Fatalf("state: %v", err)
	}
}

func TestRunStopAtOutline(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "novel")
	if err := execute(t, "init", dir, "--chapters", "2"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := execute(t, "run", dir, "--prompt", testPrompt, "--stop-at", "outline"); err != nil {
		t.Fatalf("run --stop-at: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "outline.json")); err != nil {
		t.Fatalf("outline not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "chapters", "chapter_001.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("chapters should not be generated with --stop-at")
	}
}

func TestRollbackForced(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "novel")
	if err := execute(t, "init", dir, "--chapters", "2"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := execute(t, "run", dir, "--prompt", testPrompt); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := execute(t, "rollback", dir, "--chapter", "2", "--force"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "chapters", "chapter_002.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("chapter 2 should be gone after rollback")
	}
	if _, err := os.Stat(filepath.Join(dir, "chapters", "chapter_001.json")); err != nil {
		t.Fatalf("chapter 1 should survive rollback: %v", err)
	}

	if err := execute(t, "rollback", dir, "--force"); err == nil {
		t.Fatalf("rollback without target should fail")
	}
}

func TestCommandsRejectMissingProject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nope")
	for _, args := range [][]string{
		{"run", dir}, {"resume", dir}, {"status", dir}, {"state", dir}, {"export", dir},
	} {
		if err := execute(t, args...); err == nil {
			t.Fatalf("%v should fail for a missing project", args)
		}
	}
}
