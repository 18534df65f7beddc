package audit

import (
	"fmt"
	"strings"

	"github.com/strandtale/fabula/internal/state"
)

// PlaceholderMarker is the token template providers leave in scene content
// they could not fill. Its presence in a draft is always a blocker.
const PlaceholderMarker = "[TBD]"

// StructuralPlugin enforces the minimum shape a chapter must have before it
// can be stored: at least one scene, no placeholder text, a nonzero word
// count. Its blockers carry fix instructions, which is what lets the
// revision loop make progress even with the template providers.
type StructuralPlugin struct{}

func (*StructuralPlugin) Name() string { return "structural" }

// Analyze treats a nil draft like an empty one: a degraded provider call
// leaves the draft null, and that chapter must hit the blocker gate.
func (*StructuralPlugin) Analyze(st *state.State, _ Context) []state.Issue {
	draft := st.ChapterDraft
	var issues []state.Issue

	scenes, _ := draft["scenes"].([]any)
	if len(scenes) == 0 {
		issues = append(issues, state.Issue{
			ID:       fmt.Sprintf("structural_ch%03d_empty", st.CurrentChapter),
			Severity: state.SeverityBlocker,
			Category: state.CategoryWorldRule,
			Summary:  "chapter has no scenes",
			Evidence: map[string]any{"chapter_id": st.CurrentChapter},
			FixInstructions: "Regenerate the chapter with at least one scene; " +
				"each scene needs location, characters, purpose and content.",
		})
	}

	placeholder := false
	for _, s := range scenes {
		scene, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if content, _ := scene["content"].(string); strings.Contains(content, PlaceholderMarker) {
			placeholder = true
			break
		}
	}
	wordCount := intValue(draft["word_count"])
	if placeholder || wordCount == 0 {
		issues = append(issues, state.Issue{
			ID:       fmt.Sprintf("structural_ch%03d_placeholder", st.CurrentChapter),
			Severity: state.SeverityBlocker,
			Category: state.CategoryPOVStyle,
			Summary:  "chapter contains placeholder text or has zero word count",
			Evidence: map[string]any{
				"chapter_id":  st.CurrentChapter,
				"word_count":  wordCount,
				"placeholder": placeholder,
			},
			FixInstructions: "Replace every " + PlaceholderMarker + " marker with " +
				"finished prose and recompute word_count from the scene contents.",
		})
	}
	return issues
}

// ContinuityPlugin cross-checks scene character lists against the bible. A
// name the bible has never seen is only a minor finding; new side characters
// are normal, silent protagonist renames are not.
type ContinuityPlugin struct{}

func (*ContinuityPlugin) Name() string { return "continuity" }

func (*ContinuityPlugin) Analyze(st *state.State, ctx Context) []state.Issue {
	draft := st.ChapterDraft
	if draft == nil {
		return nil
	}
	known := knownCharacters(ctx.Characters)
	if len(known) == 0 {
		return nil
	}

	var issues []state.Issue
	scenes, _ := draft["scenes"].([]any)
	for _, s := range scenes {
		scene, ok := s.(map[string]any)
		if !ok {
			continue
		}
		names, _ := scene["characters"].([]any)
		for _, n := range names {
			name, _ := n.(string)
			if name == "" || known[name] {
				continue
			}
			issues = append(issues, state.Issue{
				ID:       fmt.Sprintf("continuity_ch%03d_%s", st.CurrentChapter, slug(name)),
				Severity: state.SeverityMinor,
				Category: state.CategoryCharacter,
				Summary:  fmt.Sprintf("character %q does not appear in the bible", name),
				Evidence: map[string]any{
					"chapter_id": st.CurrentChapter,
					"scene_id":   scene["scene_id"],
					"character":  name,
				},
			})
			known[name] = true // report each unknown name once
		}
	}
	return issues
}

func knownCharacters(characters map[string]any) map[string]bool {
	out := map[string]bool{}
	add := func(v any) {
		switch c := v.(type) {
		case string:
			if c != "" {
				out[c] = true
			}
		case map[string]any:
			if name, _ := c["name"].(string); name != "" {
				out[name] = true
			}
		}
	}
	add(characters["protagonist"])
	if list, ok := characters["supporting"].([]any); ok {
		for _, c := range list {
			add(c)
		}
	}
	if list, ok := characters["antagonists"].([]any); ok {
		for _, c := range list {
			add(c)
		}
	}
	return out
}

func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
