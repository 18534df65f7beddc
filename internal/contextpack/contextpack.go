// Package contextpack assembles the per-chapter input bundle consumed by the
// planner and writer: deterministic picks from the bible and aggregates plus
// a handful of retrieved excerpts.
package contextpack

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/index"
	"github.com/strandtale/fabula/internal/schema"
	"github.com/strandtale/fabula/internal/state"
)

// Searcher is the retrieval dependency; satisfied by *index.Index.
type Searcher interface {
	Search(ctx context.Context, query string, opts index.SearchOptions) ([]index.Hit, error)
}

// Builder assembles validated context packs.
type Builder struct {
	store    *artifact.Store
	searcher Searcher
	log      *zap.Logger
}

const maxRetrieved = 8

// NewBuilder wires a builder. searcher may be nil, in which case packs carry
// no retrieved section beyond an empty list.
func NewBuilder(store *artifact.Store, searcher Searcher, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{store: store, searcher: searcher, log: log}
}

// Build assembles the pack for the state's current chapter and validates it.
// A pack that fails validation is a hard error: downstream nodes must never
// see a malformed pack.
func (b *Builder) Build(ctx context.Context, st *state.State) (map[string]any, error) {
	chapterID := st.CurrentChapter
	if chapterID < 1 {
		return nil, fmt.Errorf("context pack: current_chapter %d out of range", chapterID)
	}

	memory, err := b.store.ReadChapterMemory()
	if err != nil {
		return nil, fmt.Errorf("context pack: read memory: %w", err)
	}
	reports, err := b.store.ReadConsistencyReports()
	if err != nil {
		return nil, fmt.Errorf("context pack: read reports: %w", err)
	}

	required := map[string]any{
		"outline_current":      outlineCurrent(st.Outline, chapterID),
		"bible_summary":        bibleSummary(st),
		"recent_memory":        recentMemory(memory, chapterID),
		"open_blocker_reports": openBlockerReports(reports, st.QABlockerMax),
	}

	retrieved := []any{}
	if b.searcher != nil {
		hits, err := b.searcher.Search(ctx, st.Prompt, index.SearchOptions{TopK: maxRetrieved})
		if err != nil {
			// Retrieval is best-effort; the deterministic half of the pack
			// is what correctness depends on.
			b.log.Warn("retrieval failed, building pack without hits",
				zap.Int("chapter", chapterID), zap.Error(err))
		} else {
			for _, h := range hits {
				retrieved = append(retrieved, hitRecord(h))
			}
		}
	}

	pack := map[string]any{
		"project_name": st.ProjectName,
		"chapter_id":   chapterID,
		"query":        st.Prompt,
		"required":     required,
		"retrieved":    retrieved,
	}
	if err := schema.Validate(schema.ContextPack, pack); err != nil {
		return nil, err
	}
	return pack, nil
}

// outlineCurrent picks outline.chapters[chapterID-1], or an empty object when
// the outline is shorter than the chapter count.
func outlineCurrent(outline map[string]any, chapterID int) map[string]any {
	chapters, _ := outline["chapters"].([]any)
	idx := chapterID - 1
	if idx < 0 || idx >= len(chapters) {
		return map[string]any{}
	}
	if entry, ok := chapters[idx].(map[string]any); ok {
		return entry
	}
	return map[string]any{}
}

func bibleSummary(st *state.State) map[string]any {
	return map[string]any{
		"world_name":  stringPick(st.World, "name"),
		"protagonist": protagonistName(st.Characters),
		"theme":       stringPick(st.ThemeConflict, "theme"),
	}
}

func protagonistName(characters map[string]any) string {
	switch p := characters["protagonist"].(type) {
	case string:
		return p
	case map[string]any:
		return stringPick(p, "name")
	default:
		return ""
	}
}

// recentMemory returns the memory entries for chapters
// [max(1, chapterID-3), chapterID-1].
func recentMemory(memory map[string]any, chapterID int) map[string]any {
	out := map[string]any{}
	chapters, _ := memory["chapters"].(map[string]any)
	lo := chapterID - 3
	if lo < 1 {
		lo = 1
	}
	for id := lo; id < chapterID; id++ {
		key := strconv.Itoa(id)
		if entry, ok := chapters[key]; ok {
			out[key] = entry
		}
	}
	return out
}

// openBlockerReports returns the report entries still over the blocker gate.
func openBlockerReports(reports map[string]any, qaBlockerMax int) map[string]any {
	out := map[string]any{}
	chapters, _ := reports["chapters"].(map[string]any)
	for key, v := range chapters {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if intPick(entry, "blocker_count") > qaBlockerMax {
			out[key] = entry
		}
	}
	return out
}

func hitRecord(h index.Hit) map[string]any {
	rec := map[string]any{
		"source_id":   h.SourceID,
		"source_path": h.SourcePath,
		"doc_type":    h.DocType,
		"score":       h.Score,
		"excerpt":     h.Excerpt,
	}
	if h.ChapterID > 0 {
		rec["chapter_id"] = h.ChapterID
	}
	return rec
}

func stringPick(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func intPick(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
