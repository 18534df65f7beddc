package schema

import (
	"errors"
	"testing"
)

func validIssue() map[string]any {
	return map[string]any{
		"id":       "iss-1",
		"severity": "minor",
		"category": "timeline",
		"summary":  "scene order is off by one day",
	}
}

func TestValidate_Issue(t *testing.T) {
	if err := Validate(Issue, validIssue()); err != nil {
		t.Fatalf("valid issue rejected: %v", err)
	}
}

func TestValidate_BlockerRequiresFixInstructions(t *testing.T) {
	is := validIssue()
	is["severity"] = "blocker"
	err := Validate(Issue, is)
	if err == nil {
		t.Fatalf("blocker without fix_instructions must fail validation")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want *ValidationError, got %T", err)
	}
	is["fix_instructions"] = "rewrite the scene respecting the world rule"
	if err := Validate(Issue, is); err != nil {
		t.Fatalf("blocker with fix_instructions rejected: %v", err)
	}
}

func TestValidate_SeverityEnumIsStrict(t *testing.T) {
	is := validIssue()
	is["severity"] = "critical"
	if err := Validate(Issue, is); err == nil {
		t.Fatalf("unknown severity must fail validation")
	}
}

func TestValidate_UnknownFieldsAreAllowed(t *testing.T) {
	is := validIssue()
	is["confidence"] = 0.9
	if err := Validate(Issue, is); err != nil {
		t.Fatalf("extensible schema rejected unknown field: %v", err)
	}
}

func TestValidate_ChapterContent(t *testing.T) {
	doc := map[string]any{
		"chapter_id":  1,
		"revision_id": "run_20260825_103000_deadbeef_ch001_r0",
		"title":       "第一章",
		"scenes": []any{
			map[string]any{"scene_id": 1, "content": "少年立于山门之外。", "characters": []any{"林凡"}},
		},
		"word_count": 9,
	}
	if err := Validate(ChapterContent, doc); err != nil {
		t.Fatalf("valid content rejected: %v", err)
	}
	delete(doc, "revision_id")
	if err := Validate(ChapterContent, doc); err == nil {
		t.Fatalf("content without revision_id must fail")
	}
}

func TestValidate_ContextPackShape(t *testing.T) {
	pack := map[string]any{
		"project_name": "p1",
		"chapter_id":   1,
		"query":        "修仙世界",
		"required": map[string]any{
			"outline_current":      map[string]any{},
			"bible_summary":        map[string]any{"world_name": "w", "protagonist": "p", "theme": "t"},
			"recent_memory":        map[string]any{},
			"open_blocker_reports": map[string]any{},
		},
		"retrieved": []any{},
	}
	if err := Validate(ContextPack, pack); err != nil {
		t.Fatalf("valid pack rejected: %v", err)
	}
	delete(pack, "required")
	if err := Validate(ContextPack, pack); err == nil {
		t.Fatalf("pack without required block must fail")
	}
}

func TestValidate_ReportsKeyPattern(t *testing.T) {
	doc := map[string]any{
		"chapters": map[string]any{
			"1": map[string]any{
				"issues":        []any{},
				"blocker_count": 0,
				"major_count":   0,
				"minor_count":   0,
			},
		},
	}
	if err := Validate(ConsistencyReports, doc); err != nil {
		t.Fatalf("valid reports rejected: %v", err)
	}
}

func TestValidate_CollectsAllFieldErrors(t *testing.T) {
	doc := map[string]any{
		"chapter_id": 0,
		"title":      "",
	}
	err := Validate(ChapterContent, doc)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want *ValidationError, got %v", err)
	}
	if len(ve.Fields) < 2 {
		t.Fatalf("expected multiple field errors, got %+v", ve.Fields)
	}
}
