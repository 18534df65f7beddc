package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/strandtale/fabula/internal/artifact"
)

func writeDoc(t *testing.T, root, rel string, doc map[string]any) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := artifact.WriteJSONAtomic(path, doc); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func seedProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeDoc(t, root, artifact.WorldFile, map[string]any{
		"name":  "青云大陆",
		"rules": []any{"spirit energy decays at sea level"},
	})
	writeDoc(t, root, artifact.OutlineFile, map[string]any{
		"chapters": []any{map[string]any{"id": 1, "title": "入门"}},
	})
	writeDoc(t, root, filepath.Join(artifact.ChaptersDir, artifact.ContentFileName(1)), map[string]any{
		"chapter_id": 1, "title": "入门", "text": "The disciple crossed the frozen ridge.",
	})
	writeDoc(t, root, filepath.Join(artifact.ChaptersDir, artifact.ContentFileName(2)), map[string]any{
		"chapter_id": 2, "title": "试炼", "text": "A storm sealed the mountain pass.",
	})
	writeDoc(t, root, filepath.Join(artifact.ChaptersDir, artifact.PlanFileName(2)), map[string]any{
		"chapter_id": 2, "goal": "survive the storm trial",
	})
	return root
}

func testIndex(t *testing.T, root string) *Index {
	t.Helper()
	ix, err := New(Options{ProjectRoot: root, DBPath: filepath.Join(root, artifact.IndexDB)})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return ix
}

func TestSanitize(t *testing.T) {
	got := Sanitize(`"storm-trial" (chapter: 2)! 修仙`)
	want := "storm trial chapter 2 修仙"
	if got != want {
		t.Fatalf("sanitize = %q, want %q", got, want)
	}
	if again := Sanitize(got); again != got {
		t.Fatalf("sanitize not idempotent: %q -> %q", got, again)
	}
	if Sanitize("!?.,;:()[]") != "" {
		t.Fatalf("punctuation should sanitize to empty")
	}
}

func TestIterChunks(t *testing.T) {
	root := seedProject(t)
	chunks, err := IterChunks(root)
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	byID := map[string]Chunk{}
	for _, c := range chunks {
		byID[c.SourceID] = c
	}
	if c, ok := byID["chapter:002"]; !ok || c.ChapterID != 2 || c.DocType != DocChapter {
		t.Fatalf("chapter chunk = %+v", c)
	}
	if c, ok := byID["plan:002"]; !ok || c.DocType != DocPlan {
		t.Fatalf("plan chunk = %+v", c)
	}
	if byID["world:world"].Fingerprint == "" {
		t.Fatalf("missing fingerprint")
	}
}

func TestSearch_RankedHits(t *testing.T) {
	root := seedProject(t)
	ix := testIndex(t, root)
	hits, err := ix.Search(context.Background(), "storm", SearchOptions{TopK: 8})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2 (chapter 2 content + plan)", len(hits))
	}
	for _, h := range hits {
		if h.ChapterID != 2 {
			t.Fatalf("unexpected hit: %+v", h)
		}
		if h.Score == 0 || h.Excerpt == "" {
			t.Fatalf("hit missing score or excerpt: %+v", h)
		}
	}
}

func TestSearch_Filters(t *testing.T) {
	root := seedProject(t)
	ix := testIndex(t, root)
	ctx := context.Background()

	hits, err := ix.Search(ctx, "storm", SearchOptions{DocTypes: []string{DocChapter}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].DocType != DocChapter {
		t.Fatalf("doc_type filter: %+v", hits)
	}

	hits, err = ix.Search(ctx, "the", SearchOptions{ChapterMin: 1, ChapterMax: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, h := range hits {
		if h.ChapterID != 1 {
			t.Fatalf("chapter range filter leaked: %+v", h)
		}
	}
}

func TestSearch_PunctuationOnlyQuery(t *testing.T) {
	ix := testIndex(t, seedProject(t))
	hits, err := ix.Search(context.Background(), "!?!?", SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestSearch_EmptyCorpus(t *testing.T) {
	root := t.TempDir()
	ix := testIndex(t, root)
	hits, err := ix.Search(context.Background(), "anything", SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestSearch_FallbackScan(t *testing.T) {
	root := seedProject(t)
	// A db path inside a missing directory makes every full-text call fail,
	// forcing the substring scan.
	ix, err := New(Options{ProjectRoot: root, DBPath: filepath.Join(root, "missing", "index.db")})
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	hits, err := ix.Search(context.Background(), "storm!!!", SearchOptions{TopK: 8})
	if err != nil {
		t.Fatalf("fallback search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("fallback found nothing")
	}
	for _, h := range hits {
		if h.Score != 1.0 {
			t.Fatalf("fallback score = %v, want 1.0", h.Score)
		}
	}
}

func TestRebuild_ReflectsNewFiles(t *testing.T) {
	root := seedProject(t)
	ix := testIndex(t, root)
	ctx := context.Background()
	if err := ix.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	writeDoc(t, root, filepath.Join(artifact.ChaptersDir, artifact.ContentFileName(3)), map[string]any{
		"chapter_id": 3, "title": "突破", "text": "An aurora split the night sky.",
	})
	// Ensure must not pick up the new file while the db exists.
	if err := ix.Ensure(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	hits, err := ix.Search(ctx, "aurora", SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("stale index should miss new file, got %d hits", len(hits))
	}

	if err := ix.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	hits, err = ix.Search(ctx, "aurora", SearchOptions{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ChapterID != 3 {
		t.Fatalf("rebuilt index miss: %+v", hits)
	}
}
