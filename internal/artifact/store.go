// Package artifact owns the project directory: every persisted JSON document
// goes through this store, which validates at the write boundary and
// guarantees that multi-file chapter bundles are updated atomically.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/schema"
	"github.com/strandtale/fabula/internal/state"
)

// Well-known file names inside a project root.
const (
	SettingsFile = "settings.json"
	WorldFile    = "world.json"
	CharsFile    = "characters.json"
	ThemeFile    = "theme_conflict.json"
	OutlineFile  = "outline.json"
	ReportsFile  = "consistency_reports.json"
	MemoryFile   = "chapter_memory.json"
	ChaptersDir  = "chapters"

	CheckpointDB = "checkpoints.db"
	IndexDB      = "index.db"
)

var (
	ErrProjectExists = errors.New("project already exists")
	ErrNotFound      = errors.New("artifact not found")
)

// Store is the exclusive owner of a project-root filesystem subtree while a
// run is active. Reads are safe at any time; atomic replace guarantees no
// torn JSON.
type Store struct {
	root string
	log  *zap.Logger

	// failAfterRenames aborts a bundle write after the given number of
	// renames. Negative disables. Test hook for rollback coverage.
	failAfterRenames int
}

// Open binds a store to an existing or future project root.
func Open(root string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{root: root, log: log, failAfterRenames: -1}
}

// Root returns the project root path.
func (s *Store) Root() string { return s.root }

// ChaptersPath returns the chapters/ directory path.
func (s *Store) ChaptersPath() string { return filepath.Join(s.root, ChaptersDir) }

// CheckpointDBPath returns the checkpoint database path.
func (s *Store) CheckpointDBPath() string { return filepath.Join(s.root, CheckpointDB) }

// IndexDBPath returns the retrieval index database path.
func (s *Store) IndexDBPath() string { return filepath.Join(s.root, IndexDB) }

// Exists reports whether the project has been initialized.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.root, SettingsFile))
	return err == nil
}

// InitProject creates the project directory and settings.json. It fails if
// the project already exists.
func (s *Store) InitProject(name, author string, numChapters int) error {
	if s.Exists() {
		return fmt.Errorf("%w: %s", ErrProjectExists, s.root)
	}
	if err := os.MkdirAll(filepath.Join(s.root, ChaptersDir), 0o755); err != nil {
		return err
	}
	doc := map[string]any{
		"name":         name,
		"author":       author,
		"num_chapters": numChapters,
		"metadata":     state.Metadata(time.Now(), state.Generator("init", "init")),
	}
	if err := schema.Validate(schema.Settings, doc); err != nil {
		return err
	}
	return WriteJSONAtomic(filepath.Join(s.root, SettingsFile), doc)
}

// ReadSettings returns settings.json.
func (s *Store) ReadSettings() (map[string]any, error) {
	return s.readDoc(SettingsFile)
}

// Bible accessors. The four bible documents are created once by the
// bootstrap and read-only for the life of a run.

func (s *Store) ReadWorld() (map[string]any, error) { return s.readDoc(WorldFile) }

func (s *Store) ReadCharacters() (map[string]any, error) { return s.readDoc(CharsFile) }

func (s *Store) ReadThemeConflict() (map[string]any, error) { return s.readDoc(ThemeFile) }

func (s *Store) ReadOutline() (map[string]any, error) { return s.readDoc(OutlineFile) }

func (s *Store) WriteWorld(doc map[string]any) error {
	return s.writeValidated(schema.World, WorldFile, doc)
}

func (s *Store) WriteCharacters(doc map[string]any) error {
	return s.writeValidated(schema.Characters, CharsFile, doc)
}

func (s *Store) WriteThemeConflict(doc map[string]any) error {
	return s.writeValidated(schema.ThemeConflict, ThemeFile, doc)
}

func (s *Store) WriteOutline(doc map[string]any) error {
	return s.writeValidated(schema.Outline, OutlineFile, doc)
}

// ReadChapterPlan returns chapter N's plan, or ErrNotFound.
func (s *Store) ReadChapterPlan(id int) (map[string]any, error) {
	return s.readDoc(filepath.Join(ChaptersDir, PlanFileName(id)))
}

// ReadChapterContent returns chapter N's content, or ErrNotFound.
func (s *Store) ReadChapterContent(id int) (map[string]any, error) {
	return s.readDoc(filepath.Join(ChaptersDir, ContentFileName(id)))
}

// ReadConsistencyReports returns the reports aggregate; an empty document if
// none has been written yet.
func (s *Store) ReadConsistencyReports() (map[string]any, error) {
	doc, err := s.readDoc(ReportsFile)
	if errors.Is(err, ErrNotFound) {
		return map[string]any{"chapters": map[string]any{}}, nil
	}
	return doc, err
}

// ReadChapterMemory returns the memory aggregate; an empty document if none
// has been written yet.
func (s *Store) ReadChapterMemory() (map[string]any, error) {
	doc, err := s.readDoc(MemoryFile)
	if errors.Is(err, ErrNotFound) {
		return map[string]any{"chapters": map[string]any{}}, nil
	}
	return doc, err
}

// ListChapters scans chapters/ and returns the ids that have both a plan and
// content file, ascending.
func (s *Store) ListChapters() ([]int, error) {
	dir := s.ChaptersPath()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	plans := map[int]bool{}
	contents := map[int]bool{}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if id, ok := ParsePlanFileName(ent.Name()); ok {
			plans[id] = true
			continue
		}
		if id, ok := ParseContentFileName(ent.Name()); ok {
			contents[id] = true
		}
	}
	var ids []int
	for id := range contents {
		if plans[id] {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// PruneChapterAggregates drops every reports and memory entry for chapters
// >= chapterGte. Missing aggregate files are fine.
func (s *Store) PruneChapterAggregates(chapterGte int) error {
	for _, rel := range []string{ReportsFile, MemoryFile} {
		doc, err := s.readDoc(rel)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		chapters, _ := doc["chapters"].(map[string]any)
		changed := false
		for key := range chapters {
			if id, err := strconv.Atoi(key); err == nil && id >= chapterGte {
				delete(chapters, key)
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := WriteJSONAtomic(filepath.Join(s.root, rel), doc); err != nil {
			return err
		}
	}
	return nil
}

// RemoveOrphanPlans deletes plan files that have no matching content file.
// Used by resume reconciliation; an interrupted bundle rollback can leave
// one behind.
func (s *Store) RemoveOrphanPlans() error {
	entries, err := os.ReadDir(s.ChaptersPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		id, ok := ParsePlanFileName(ent.Name())
		if !ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.ChaptersPath(), ContentFileName(id))); errors.Is(err, os.ErrNotExist) {
			s.log.Warn("removing orphaned plan file", zap.String("file", ent.Name()))
			if err := os.Remove(filepath.Join(s.ChaptersPath(), ent.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// PlanFileName is chapters/chapter_<nnn>_plan.json's base name.
func PlanFileName(id int) string { return fmt.Sprintf("chapter_%03d_plan.json", id) }

// ContentFileName is chapters/chapter_<nnn>.json's base name.
func ContentFileName(id int) string { return fmt.Sprintf("chapter_%03d.json", id) }

// ParsePlanFileName extracts the chapter id from a plan file name.
func ParsePlanFileName(name string) (int, bool) {
	var id int
	if n, err := fmt.Sscanf(name, "chapter_%03d_plan.json", &id); err == nil && n == 1 {
		return id, true
	}
	return 0, false
}

// ParseContentFileName extracts the chapter id from a content file name.
func ParseContentFileName(name string) (int, bool) {
	var id int
	if n, err := fmt.Sscanf(name, "chapter_%03d.json", &id); err == nil && n == 1 {
		// Sscanf would also match chapter_001_plan.json's prefix; reject it.
		if name == ContentFileName(id) {
			return id, true
		}
	}
	return 0, false
}

func (s *Store) readDoc(rel string) (map[string]any, error) {
	doc, err := ReadJSON(filepath.Join(s.root, rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, err
	}
	return doc, nil
}

func (s *Store) writeValidated(artifact, rel string, doc map[string]any) error {
	if err := schema.Validate(artifact, doc); err != nil {
		return err
	}
	return WriteJSONAtomic(filepath.Join(s.root, rel), doc)
}
