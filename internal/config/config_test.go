package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NumChapters != 3 || cfg.ParallelWorkers != 4 || cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	yaml := "num_chapters: 12\nqa_major_max: 5\nretry:\n  max_attempts: 7\n"
	if err := os.WriteFile(filepath.Join(root, FileName), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NumChapters != 12 || cfg.QAMajorMax != 5 || cfg.Retry.MaxAttempts != 7 {
		t.Fatalf("file overrides not applied: %+v", cfg)
	}
	// Untouched fields keep defaults.
	if cfg.MaxRevisionRounds != 3 {
		t.Fatalf("default lost: %+v", cfg)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("num_chapters: 12\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NUM_CHAPTERS", "20")
	t.Setenv("PROJECT_NAME", "from-env")
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NumChapters != 20 || cfg.ProjectName != "from-env" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("num_chapters: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(root); err == nil {
		t.Fatalf("zero chapters should be rejected")
	}
}

func TestLoad_ZeroRevisionRoundsIsValid(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("max_revision_rounds: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxRevisionRounds != 0 {
		t.Fatalf("max_revision_rounds = %d, want 0", cfg.MaxRevisionRounds)
	}

	if err := os.WriteFile(filepath.Join(root, FileName), []byte("max_revision_rounds: -1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(root); err == nil {
		t.Fatalf("negative rounds should be rejected")
	}
}
