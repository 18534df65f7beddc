package audit

import (
	"context"
	"strings"
	"testing"

	"github.com/strandtale/fabula/internal/state"
)

func draftState(draft map[string]any) *state.State {
	return &state.State{
		CurrentChapter: 1,
		QAMajorMax:     3,
		Characters: map[string]any{
			"protagonist": map[string]any{"name": "Wei Lan"},
			"supporting":  []any{map[string]any{"name": "Elder Shen"}},
		},
		ChapterDraft: draft,
	}
}

func goodDraft() map[string]any {
	return map[string]any{
		"chapter_id": 1,
		"title":      "Arrival",
		"scenes": []any{
			map[string]any{
				"scene_id":   1,
				"location":   "outer gate",
				"characters": []any{"Wei Lan"},
				"purpose":    "establish the sect",
				"content":    "Snow fell on the outer gate as Wei Lan arrived.",
			},
		},
		"word_count": 120,
	}
}

func TestRunAudit_CleanDraft(t *testing.T) {
	r := NewRegistry(nil)
	result, err := r.RunAudit(context.Background(), nil, draftState(goodDraft()))
	if err != nil {
		t.Fatalf("run audit: %v", err)
	}
	if len(result.Issues) != 0 || result.BlockerCount != 0 {
		t.Fatalf("clean draft flagged: %+v", result.Issues)
	}
	if result.MajorOverThreshold {
		t.Fatalf("major threshold tripped with no issues")
	}
	if result.QAMajorMax != 3 {
		t.Fatalf("qa_major_max = %d", result.QAMajorMax)
	}
	if result.Issues == nil || result.Updates == nil {
		t.Fatalf("issues and updates must be non-nil")
	}
}

func TestStructural_EmptyScenes(t *testing.T) {
	draft := goodDraft()
	draft["scenes"] = []any{}
	draft["word_count"] = 0

	r := NewRegistry(nil)
	result, err := r.RunAudit(context.Background(), nil, draftState(draft))
	if err != nil {
		t.Fatalf("run audit: %v", err)
	}
	if result.BlockerCount != 2 {
		t.Fatalf("blocker count = %d, want 2 (empty + zero words)", result.BlockerCount)
	}
	categories := map[string]bool{}
	for _, is := range result.Issues {
		if is.Severity != state.SeverityBlocker {
			t.Fatalf("unexpected severity: %+v", is)
		}
		if is.FixInstructions == "" {
			t.Fatalf("blocker without fix instructions: %+v", is)
		}
		categories[is.Category] = true
	}
	if !categories[state.CategoryWorldRule] || !categories[state.CategoryPOVStyle] {
		t.Fatalf("categories = %v", categories)
	}
}

func TestStructural_PlaceholderContent(t *testing.T) {
	draft := goodDraft()
	draft["scenes"].([]any)[0].(map[string]any)["content"] = "Snow fell. [TBD] More later."

	r := NewRegistry(nil)
	result, err := r.RunAudit(context.Background(), nil, draftState(draft))
	if err != nil {
		t.Fatalf("run audit: %v", err)
	}
	if result.BlockerCount != 1 {
		t.Fatalf("blocker count = %d, want 1", result.BlockerCount)
	}
	is := result.Issues[0]
	if is.Category != state.CategoryPOVStyle || !strings.Contains(is.FixInstructions, PlaceholderMarker) {
		t.Fatalf("placeholder issue = %+v", is)
	}
}

func TestContinuity_UnknownCharacter(t *testing.T) {
	draft := goodDraft()
	draft["scenes"].([]any)[0].(map[string]any)["characters"] = []any{"Wei Lan", "Mysterious Stranger", "Mysterious Stranger"}

	r := NewRegistry(nil)
	result, err := r.RunAudit(context.Background(), nil, draftState(draft))
	if err != nil {
		t.Fatalf("run audit: %v", err)
	}
	if result.MinorCount != 1 {
		t.Fatalf("minor count = %d, want 1 (deduplicated)", result.MinorCount)
	}
	is := result.Issues[0]
	if is.Severity != state.SeverityMinor || is.Category != state.CategoryCharacter {
		t.Fatalf("issue = %+v", is)
	}
	if result.BlockerCount != 0 {
		t.Fatalf("minor finding must not block")
	}
}

func TestMajorThreshold(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakePlugin{issues: []state.Issue{
		majorIssue("a"), majorIssue("b"), majorIssue("c"), majorIssue("d"),
	}})
	result, err := r.RunAudit(context.Background(), nil, draftState(goodDraft()))
	if err != nil {
		t.Fatalf("run audit: %v", err)
	}
	if result.MajorCount != 4 || !result.MajorOverThreshold {
		t.Fatalf("major=%d over=%v, want 4/true", result.MajorCount, result.MajorOverThreshold)
	}
}

func TestInvalidPluginOutputIsFatal(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&fakePlugin{issues: []state.Issue{{
		ID:       "bad",
		Severity: "blocker",
		Category: "timeline",
		Summary:  "missing fix instructions on a blocker",
	}}})
	if _, err := r.RunAudit(context.Background(), nil, draftState(goodDraft())); err == nil {
		t.Fatalf("expected fatal error for invalid plugin output")
	}
}

func TestNilDraftIsBlocked(t *testing.T) {
	st := draftState(nil)
	r := NewRegistry(nil)
	result, err := r.RunAudit(context.Background(), nil, st)
	if err != nil {
		t.Fatalf("run audit: %v", err)
	}
	// A degraded provider leaves the draft null; that chapter must not pass
	// the gate, and the zero-scene finding carries the world_rule category.
	if result.BlockerCount == 0 {
		t.Fatalf("nil draft passed the blocker gate: %+v", result.Issues)
	}
	categories := map[string]bool{}
	for _, is := range result.Issues {
		categories[is.Category] = true
		if is.Severity == state.SeverityBlocker && is.FixInstructions == "" {
			t.Fatalf("blocker without fix instructions: %+v", is)
		}
	}
	if !categories[state.CategoryWorldRule] {
		t.Fatalf("zero-scene blocker category missing: %v", categories)
	}
}

type fakePlugin struct {
	issues []state.Issue
}

func (*fakePlugin) Name() string { return "fake" }

func (p *fakePlugin) Analyze(*state.State, Context) []state.Issue { return p.issues }

func majorIssue(id string) state.Issue {
	return state.Issue{
		ID:       id,
		Severity: state.SeverityMajor,
		Category: state.CategoryTimeline,
		Summary:  "timeline drift",
	}
}
