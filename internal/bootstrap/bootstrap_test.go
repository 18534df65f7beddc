package bootstrap

import (
	"errors"
	"reflect"
	"testing"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/runctl"
)

func TestEnsure_SynthesizesFromPrompt(t *testing.T) {
	store := artifact.Open(t.TempDir(), nil)
	b := NewTemplate(nil)
	assets, err := b.EnsureBackgroundAssets(store, "a cartographer who maps dreams", 4, "fabula/run_x/rev_x", false)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if assets.World["name"] == "" {
		t.Fatalf("world missing name: %+v", assets.World)
	}
	chapters := assets.Outline["chapters"].([]any)
	if len(chapters) != 4 {
		t.Fatalf("outline chapters = %d", len(chapters))
	}

	// Files exist now.
	if _, err := store.ReadWorld(); err != nil {
		t.Fatalf("world not persisted: %v", err)
	}
	if _, err := store.ReadOutline(); err != nil {
		t.Fatalf("outline not persisted: %v", err)
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	store := artifact.Open(t.TempDir(), nil)
	b := NewTemplate(nil)
	first, err := b.EnsureBackgroundAssets(store, "prompt one", 3, "g", false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	// Second call with a different prompt must reuse the existing files.
	second, err := b.EnsureBackgroundAssets(store, "a completely different prompt", 3, "g", false)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !reflect.DeepEqual(first.World, second.World) {
		t.Fatalf("world regenerated despite existing files")
	}
	if !reflect.DeepEqual(first.Outline, second.Outline) {
		t.Fatalf("outline regenerated despite existing files")
	}
}

func TestEnsure_OverwriteRegenerates(t *testing.T) {
	store := artifact.Open(t.TempDir(), nil)
	b := NewTemplate(nil)
	if _, err := b.EnsureBackgroundAssets(store, "first premise", 2, "g", false); err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := b.EnsureBackgroundAssets(store, "second premise entirely", 2, "g", true)
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if second.World["premise"] != "second premise entirely" {
		t.Fatalf("overwrite did not regenerate: %+v", second.World)
	}
}

func TestEnsure_MissingBibleNoPromptIsUserError(t *testing.T) {
	store := artifact.Open(t.TempDir(), nil)
	b := NewTemplate(nil)
	_, err := b.EnsureBackgroundAssets(store, "   ", 3, "g", false)
	var ue *runctl.UserError
	if !errors.As(err, &ue) {
		t.Fatalf("want UserError, got %v", err)
	}
}
