package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/schema"
	"github.com/strandtale/fabula/internal/state"
)

// AtomicWriteError reports a failed bundle write. On-disk state has been
// rolled back to the pre-attempt contents by the time this surfaces.
type AtomicWriteError struct {
	Op  string
	Err error
}

func (e *AtomicWriteError) Error() string {
	return fmt.Sprintf("atomic bundle write failed at %s: %v", e.Op, e.Err)
}

func (e *AtomicWriteError) Unwrap() error { return e.Err }

// errInjectedFailure is returned by the test-only failure hook.
var errInjectedFailure = errors.New("injected bundle failure")

type bundleTarget struct {
	rel string
	doc map[string]any
}

// WriteChapterBundle atomically updates the four files that make up one
// completed chapter: the plan, the content, and the two aggregates
// (consistency_reports.json, chapter_memory.json). Either all four reflect
// the new revision_id or none do.
//
// Replaying the same revision_id is a no-op, which makes the store node
// idempotent across crash/resume.
func (s *Store) WriteChapterBundle(chapterID int, plan, content map[string]any, audit *state.AuditResult) error {
	revisionID, _ := content["revision_id"].(string)
	if revisionID == "" {
		return &schema.ValidationError{Artifact: schema.ChapterContent, Fields: []schema.FieldError{{Path: "/revision_id", Message: "missing revision_id"}}}
	}
	if planRev, _ := plan["revision_id"].(string); planRev != revisionID {
		return &schema.ValidationError{Artifact: schema.ChapterPlan, Fields: []schema.FieldError{{Path: "/revision_id", Message: "plan and content revision_id differ"}}}
	}

	// Idempotent replay: both chapter files already carry this revision.
	if existing, err := s.ReadChapterContent(chapterID); err == nil {
		if existingPlan, perr := s.ReadChapterPlan(chapterID); perr == nil {
			if existing["revision_id"] == revisionID && existingPlan["revision_id"] == revisionID {
				s.log.Debug("bundle replay detected, skipping write",
					zap.Int("chapter", chapterID), zap.String("revision_id", revisionID))
				return nil
			}
		}
	}

	if audit == nil {
		audit = &state.AuditResult{ChapterID: chapterID}
	}
	if audit.Issues == nil {
		audit.Issues = []state.Issue{}
	}
	if audit.Updates == nil {
		audit.Updates = map[string]any{}
	}
	if err := schema.Validate(schema.AuditResult, audit); err != nil {
		return err
	}
	for i, is := range audit.Issues {
		if err := schema.Validate(schema.Issue, is); err != nil {
			return fmt.Errorf("issue %d: %w", i, err)
		}
	}

	reports, err := s.ReadConsistencyReports()
	if err != nil {
		return err
	}
	memory, err := s.ReadChapterMemory()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	key := strconv.Itoa(chapterID)
	reportChapters := chaptersMap(reports)
	reportChapters[key] = map[string]any{
		"issues":               audit.Issues,
		"blocker_count":        audit.BlockerCount,
		"major_count":          audit.MajorCount,
		"minor_count":          audit.MinorCount,
		"updated_at":           now,
		"major_over_threshold": audit.MajorOverThreshold,
		"qa_major_max":         audit.QAMajorMax,
	}
	reports["chapters"] = reportChapters

	memChapters := chaptersMap(memory)
	memChapters[key] = map[string]any{
		"title":       stringField(content, "title"),
		"scene_count": sceneCount(content),
		"word_count":  intField(content, "word_count"),
		"updated_at":  now,
	}
	memory["chapters"] = memChapters

	if err := schema.Validate(schema.ChapterPlan, plan); err != nil {
		return err
	}
	if err := schema.Validate(schema.ChapterContent, content); err != nil {
		return err
	}
	if err := schema.Validate(schema.ConsistencyReports, reports); err != nil {
		return err
	}
	if err := schema.Validate(schema.ChapterMemory, memory); err != nil {
		return err
	}

	targets := []bundleTarget{
		{rel: filepath.Join(ChaptersDir, PlanFileName(chapterID)), doc: plan},
		{rel: filepath.Join(ChaptersDir, ContentFileName(chapterID)), doc: content},
		{rel: ReportsFile, doc: reports},
		{rel: MemoryFile, doc: memory},
	}
	return s.writeBundle(targets)
}

// writeBundle performs the staged multi-file replace. The temp directory
// lives under the project root so every rename stays on one filesystem.
func (s *Store) writeBundle(targets []bundleTarget) (err error) {
	if err := os.MkdirAll(s.ChaptersPath(), 0o755); err != nil {
		return &AtomicWriteError{Op: "mkdir", Err: err}
	}
	temp, err := os.MkdirTemp(s.root, ".bundle-")
	if err != nil {
		return &AtomicWriteError{Op: "mkdtemp", Err: err}
	}
	defer func() {
		if rmErr := os.RemoveAll(temp); rmErr != nil {
			s.log.Warn("bundle temp cleanup failed", zap.Error(rmErr))
		}
	}()

	// Stage every file first; nothing is visible yet.
	for i, t := range targets {
		b, err := MarshalCanonical(t.doc)
		if err != nil {
			return &AtomicWriteError{Op: "marshal " + t.rel, Err: err}
		}
		if err := os.WriteFile(filepath.Join(temp, fmt.Sprintf("file_%d.json", i)), b, 0o644); err != nil {
			return &AtomicWriteError{Op: "stage " + t.rel, Err: err}
		}
	}

	// Replace destinations, keeping a backup of each pre-existing file.
	type applied struct {
		dst    string
		backup string // empty when the destination did not exist
	}
	var done []applied
	rollback := func() {
		for i := len(done) - 1; i >= 0; i-- {
			a := done[i]
			if a.backup == "" {
				_ = os.Remove(a.dst)
				continue
			}
			_ = os.Rename(a.backup, a.dst)
		}
	}

	for i, t := range targets {
		dst := filepath.Join(s.root, t.rel)
		backup := ""
		if _, statErr := os.Stat(dst); statErr == nil {
			backup = filepath.Join(temp, "backup_"+filepath.Base(t.rel))
			src, err := os.ReadFile(dst)
			if err != nil {
				rollback()
				return &AtomicWriteError{Op: "backup " + t.rel, Err: err}
			}
			if err := os.WriteFile(backup, src, 0o644); err != nil {
				rollback()
				return &AtomicWriteError{Op: "backup " + t.rel, Err: err}
			}
		}
		if err := os.Rename(filepath.Join(temp, fmt.Sprintf("file_%d.json", i)), dst); err != nil {
			rollback()
			return &AtomicWriteError{Op: "rename " + t.rel, Err: err}
		}
		done = append(done, applied{dst: dst, backup: backup})

		if s.failAfterRenames > 0 && len(done) >= s.failAfterRenames {
			rollback()
			return &AtomicWriteError{Op: "rename " + t.rel, Err: errInjectedFailure}
		}
	}
	return nil
}

func chaptersMap(doc map[string]any) map[string]any {
	if m, ok := doc["chapters"].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func stringField(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

func intField(doc map[string]any, key string) int {
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

func sceneCount(content map[string]any) int {
	if scenes, ok := content["scenes"].([]any); ok {
		return len(scenes)
	}
	return 0
}
