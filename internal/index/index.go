// Package index maintains a keyword index over the project's JSON artifacts.
// The corpus is small (one chunk per file), so a full rebuild is the only
// refresh path; a stale index is tolerated by design.
package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/strandtale/fabula/internal/artifact"
)

// Chunk is one indexed unit: exactly one per project file, its text being
// the file's pretty-printed JSON.
type Chunk struct {
	SourceID    string
	SourcePath  string
	DocType     string
	ChapterID   int // 0 when the chunk is not chapter-scoped
	Fingerprint string
	Text        string
}

// Hit is a search result.
type Hit struct {
	SourceID   string  `json:"source_id"`
	SourcePath string  `json:"source_path"`
	DocType    string  `json:"doc_type"`
	ChapterID  int     `json:"chapter_id,omitempty"`
	Score      float64 `json:"score"`
	Excerpt    string  `json:"excerpt"`
}

// Doc types emitted by IterChunks.
const (
	DocWorld         = "world"
	DocCharacters    = "characters"
	DocThemeConflict = "theme_conflict"
	DocOutline       = "outline"
	DocMemory        = "memory"
	DocReport        = "report"
	DocPlan          = "plan"
	DocChapter       = "chapter"
)

const excerptRunes = 240

// IterChunks visits each bible, outline, memory, report, and chapter file
// under the project root. Missing files are skipped; a project with no
// documents yields no chunks.
func IterChunks(projectRoot string) ([]Chunk, error) {
	var chunks []Chunk
	fixed := []struct {
		rel     string
		docType string
	}{
		{artifact.WorldFile, DocWorld},
		{artifact.CharsFile, DocCharacters},
		{artifact.ThemeFile, DocThemeConflict},
		{artifact.OutlineFile, DocOutline},
		{artifact.MemoryFile, DocMemory},
		{artifact.ReportsFile, DocReport},
	}
	for _, f := range fixed {
		c, ok, err := loadChunk(projectRoot, f.rel, f.docType, 0)
		if err != nil {
			return nil, err
		}
		if ok {
			chunks = append(chunks, c)
		}
	}

	pattern := filepath.Join(projectRoot, artifact.ChaptersDir, "chapter_*.json")
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		base := filepath.Base(path)
		rel := filepath.Join(artifact.ChaptersDir, base)
		if id, ok := artifact.ParsePlanFileName(base); ok {
			c, found, err := loadChunk(projectRoot, rel, DocPlan, id)
			if err != nil {
				return nil, err
			}
			if found {
				chunks = append(chunks, c)
			}
			continue
		}
		if id, ok := artifact.ParseContentFileName(base); ok {
			c, found, err := loadChunk(projectRoot, rel, DocChapter, id)
			if err != nil {
				return nil, err
			}
			if found {
				chunks = append(chunks, c)
			}
		}
	}
	return chunks, nil
}

func loadChunk(root, rel, docType string, chapterID int) (Chunk, bool, error) {
	b, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Chunk{}, false, nil
		}
		return Chunk{}, false, err
	}
	return Chunk{
		SourceID:    sourceID(docType, rel, chapterID),
		SourcePath:  rel,
		DocType:     docType,
		ChapterID:   chapterID,
		Fingerprint: artifact.Fingerprint(b),
		Text:        string(b),
	}, true, nil
}

func sourceID(docType, rel string, chapterID int) string {
	if chapterID > 0 {
		return fmt.Sprintf("%s:%03d", docType, chapterID)
	}
	return docType + ":" + strings.TrimSuffix(filepath.Base(rel), ".json")
}

var nonQueryRune = regexp.MustCompile(`[^A-Za-z0-9_\p{Han}]+`)

// Sanitize strips everything outside [A-Za-z0-9_] and Han characters,
// collapsing runs into single spaces. Raw prompts frequently contain
// punctuation that breaks the full-text query grammar, so this runs on
// every query, always. Idempotent.
func Sanitize(query string) string {
	return strings.TrimSpace(nonQueryRune.ReplaceAllString(query, " "))
}

func excerpt(text string) string {
	r := []rune(text)
	if len(r) <= excerptRunes {
		return text
	}
	return string(r[:excerptRunes])
}
