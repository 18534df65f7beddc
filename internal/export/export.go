// Package export renders stored chapters into a plain-text manuscript.
// Read-only: it never touches the store's write paths.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/runctl"
)

// Manuscript renders every stored chapter, in order. A project with no
// chapters yields just the title block.
func Manuscript(store *artifact.Store) (string, error) {
	ids, err := store.ListChapters()
	if err != nil {
		return "", err
	}
	sort.Ints(ids)

	var b strings.Builder
	writeTitleBlock(&b, store)
	for _, id := range ids {
		if err := writeChapter(&b, store, id); err != nil {
			return "", err
		}
	}
	return b.String(), nil
}

// Chapter renders a single chapter.
func Chapter(store *artifact.Store, id int) (string, error) {
	ids, err := store.ListChapters()
	if err != nil {
		return "", err
	}
	found := false
	for _, have := range ids {
		if have == id {
			found = true
			break
		}
	}
	if !found {
		return "", runctl.Userf("chapter %d is not stored", id)
	}
	var b strings.Builder
	if err := writeChapter(&b, store, id); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeTitleBlock(b *strings.Builder, store *artifact.Store) {
	settings, err := store.ReadSettings()
	if err != nil {
		return
	}
	if name, _ := settings["name"].(string); name != "" {
		b.WriteString(name + "\n")
		b.WriteString(strings.Repeat("=", len(name)) + "\n")
	}
	if author, _ := settings["author"].(string); author != "" {
		b.WriteString("by " + author + "\n")
	}
	b.WriteString("\n")
}

func writeChapter(b *strings.Builder, store *artifact.Store, id int) error {
	content, err := store.ReadChapterContent(id)
	if err != nil {
		return err
	}
	title, _ := content["title"].(string)
	if title == "" {
		title = fmt.Sprintf("Chapter %d", id)
	}
	fmt.Fprintf(b, "%s\n%s\n\n", title, strings.Repeat("-", len(title)))

	scenes, _ := content["scenes"].([]any)
	for i, raw := range scenes {
		scene, _ := raw.(map[string]any)
		text, _ := scene["content"].(string)
		if text == "" {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
		if i < len(scenes)-1 {
			b.WriteString("\n* * *\n\n")
		}
	}
	b.WriteString("\n")
	return nil
}
