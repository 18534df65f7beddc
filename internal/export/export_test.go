package export

import (
	"strings"
	"testing"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/state"
)

func storeWithChapters(t *testing.T) *artifact.Store {
	t.Helper()
	store := artifact.Open(t.TempDir(), nil)
	if err := store.InitProject("frostpeak", "tester", 2); err != nil {
		t.Fatalf("init: %v", err)
	}
	for id := 1; id <= 2; id++ {
		rev := state.RevisionID("run_20260825_103000_deadbeef", id, 0)
		plan := map[string]any{
			"chapter_id": id, "revision_id": rev, "goal": "g",
			"scenes": []any{map[string]any{"scene_id": 1}},
		}
		content := map[string]any{
			"chapter_id": id, "revision_id": rev, "title": "Part " + string(rune('A'+id-1)),
			"scenes": []any{
				map[string]any{"scene_id": 1, "content": "First scene prose."},
				map[string]any{"scene_id": 2, "content": "Second scene prose."},
			},
			"word_count": 6,
		}
		if err := store.WriteChapterBundle(id, plan, content, &state.AuditResult{ChapterID: id}); err != nil {
			t.Fatalf("bundle %d: %v", id, err)
		}
	}
	return store
}

func TestManuscript(t *testing.T) {
	store := storeWithChapters(t)
	text, err := Manuscript(store)
	if err != nil {
		t.Fatalf("manuscript: %v", err)
	}
	if !strings.HasPrefix(text, "frostpeak\n") {
		t.Fatalf("missing title block:\n%s", text)
	}
	if !strings.Contains(text, "by tester") {
		t.Fatalf("missing author line")
	}
	partA := strings.Index(text, "Part A")
	partB := strings.Index(text, "Part B")
	if partA < 0 || partB < 0 || partA > partB {
		t.Fatalf("chapter order wrong: A=%d B=%d", partA, partB)
	}
	if !strings.Contains(text, "* * *") {
		t.Fatalf("missing scene separator")
	}
}

func TestChapter_SingleAndMissing(t *testing.T) {
	store := storeWithChapters(t)
	text, err := Chapter(store, 2)
	if err != nil {
		t.Fatalf("chapter: %v", err)
	}
	if strings.Contains(text, "Part A") || !strings.Contains(text, "Part B") {
		t.Fatalf("wrong chapter rendered:\n%s", text)
	}
	if _, err := Chapter(store, 9); err == nil {
		t.Fatalf("missing chapter should error")
	}
}

func TestManuscript_EmptyProject(t *testing.T) {
	store := artifact.Open(t.TempDir(), nil)
	if err := store.InitProject("empty", "", 1); err != nil {
		t.Fatalf("init: %v", err)
	}
	text, err := Manuscript(store)
	if err != nil {
		t.Fatalf("manuscript: %v", err)
	}
	if !strings.Contains(text, "empty") {
		t.Fatalf("title block missing:\n%s", text)
	}
}
