package orchestrator

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/runctl"
)

// Pipeline steps, in order. Rollback targets name one of these.
var rollbackSteps = []string{"world", "characters", "theme_conflict", "outline", "chapters"}

func stepIndex(step string) int {
	for i, s := range rollbackSteps {
		if s == step {
			return i
		}
	}
	return -1
}

var stepFiles = map[string]string{
	"world":          artifact.WorldFile,
	"characters":     artifact.CharsFile,
	"theme_conflict": artifact.ThemeFile,
	"outline":        artifact.OutlineFile,
}

// RollbackToStep deletes the named step's artifacts and everything after it.
// Rolling back to or before the outline clears chapters/ entirely. The
// checkpoint and index databases are always dropped so the next run rebuilds
// from files.
func (o *Orchestrator) RollbackToStep(step string) error {
	idx := stepIndex(step)
	if idx < 0 {
		return runctl.Userf("unknown rollback step %q (valid: %v)", step, rollbackSteps)
	}
	name, err := o.projectName()
	if err != nil {
		return err
	}

	for _, s := range rollbackSteps[idx:] {
		if rel, ok := stepFiles[s]; ok {
			_ = os.Remove(filepath.Join(o.store.Root(), rel))
		}
	}
	// Chapters derive from the outline; any step at or before it takes them
	// down too.
	if err := os.RemoveAll(o.store.ChaptersPath()); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(o.store.Root(), artifact.ReportsFile))
	_ = os.Remove(filepath.Join(o.store.Root(), artifact.MemoryFile))

	o.dropDerivedDatabases()
	o.log.Info("rolled back to step", zap.String("step", step))
	return o.memory.Clear(name, 1, 0)
}

// RollbackToChapter deletes every chapter artifact with id >= n and prunes
// the aggregates to match.
func (o *Orchestrator) RollbackToChapter(n int) error {
	if n < 1 {
		return runctl.Userf("rollback chapter must be >= 1, got %d", n)
	}
	name, err := o.projectName()
	if err != nil {
		return err
	}
	if err := o.deleteChapterFiles(n, true); err != nil {
		return err
	}
	if err := o.store.PruneChapterAggregates(n); err != nil {
		return err
	}
	o.dropDerivedDatabases()
	o.log.Info("rolled back to chapter", zap.Int("chapter", n))
	return o.memory.Clear(name, n, 0)
}

// RollbackToScene removes chapter c's assembled content while keeping its
// plan, deletes every later chapter outright, and prunes aggregates from c
// on. The next run replans only chapter c's prose.
func (o *Orchestrator) RollbackToScene(c, s int) error {
	if c < 1 || s < 1 {
		return runctl.Userf("rollback scene target out of range: chapter %d scene %d", c, s)
	}
	name, err := o.projectName()
	if err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(o.store.ChaptersPath(), artifact.ContentFileName(c)))
	if err := o.deleteChapterFiles(c+1, true); err != nil {
		return err
	}
	if err := o.store.PruneChapterAggregates(c); err != nil {
		return err
	}
	o.dropDerivedDatabases()
	o.log.Info("rolled back to scene", zap.Int("chapter", c), zap.Int("scene", s))
	return o.memory.Clear(name, c, s)
}

// deleteChapterFiles removes plan and content files with chapter id >= n.
func (o *Orchestrator) deleteChapterFiles(n int, includePlans bool) error {
	pattern := filepath.Join(o.store.ChaptersPath(), "chapter_*.json")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, path := range matches {
		base := filepath.Base(path)
		if id, ok := artifact.ParseContentFileName(base); ok && id >= n {
			if err := os.Remove(path); err != nil {
				return err
			}
			continue
		}
		if id, ok := artifact.ParsePlanFileName(base); ok && includePlans && id >= n {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// dropDerivedDatabases removes the checkpoint and retrieval databases. Both
// are rebuildable from the artifact files.
func (o *Orchestrator) dropDerivedDatabases() {
	_ = os.Remove(o.store.CheckpointDBPath())
	_ = os.Remove(o.store.IndexDBPath())
}
