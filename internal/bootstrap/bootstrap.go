// Package bootstrap synthesizes the background assets a run needs before
// chapter generation can start: world, characters, theme/conflict, and the
// outline. The built-in implementation is rule-based and deterministic so a
// project can be initialized offline; a provider-backed implementation can
// replace it behind the same interface.
package bootstrap

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/runctl"
	"github.com/strandtale/fabula/internal/state"
)

// Assets is what EnsureBackgroundAssets hands back to the orchestrator.
type Assets struct {
	Requirements  map[string]any
	World         map[string]any
	Characters    map[string]any
	ThemeConflict map[string]any
	Outline       map[string]any
}

// Bootstrap creates or loads the bible documents.
type Bootstrap interface {
	EnsureBackgroundAssets(store *artifact.Store, prompt string, numChapters int, generator string, allowOverwrite bool) (*Assets, error)
}

// Template is the rule-based default.
type Template struct {
	Log *zap.Logger
}

// NewTemplate returns the default bootstrap.
func NewTemplate(log *zap.Logger) *Template {
	if log == nil {
		log = zap.NewNop()
	}
	return &Template{Log: log}
}

// EnsureBackgroundAssets loads the bible documents if they exist, otherwise
// synthesizes them from the prompt. Existing files are reused unless
// allowOverwrite is set; a missing bible with an empty prompt is a user
// error, since there is nothing to synthesize from.
func (t *Template) EnsureBackgroundAssets(store *artifact.Store, prompt string, numChapters int, generator string, allowOverwrite bool) (*Assets, error) {
	world, werr := store.ReadWorld()
	chars, cerr := store.ReadCharacters()
	theme, terr := store.ReadThemeConflict()
	outline, oerr := store.ReadOutline()
	haveAll := werr == nil && cerr == nil && terr == nil && oerr == nil

	if haveAll && !allowOverwrite {
		t.Log.Debug("bible present, reusing")
		return &Assets{
			Requirements:  requirements(prompt, numChapters),
			World:         world,
			Characters:    chars,
			ThemeConflict: theme,
			Outline:       outline,
		}, nil
	}

	if strings.TrimSpace(prompt) == "" {
		return nil, runctl.Userf("bible documents missing and no prompt given; run with --prompt to synthesize them")
	}
	if numChapters < 1 {
		return nil, runctl.Userf("num_chapters must be >= 1, got %d", numChapters)
	}

	meta := func() map[string]any { return state.Metadata(time.Now(), generator) }
	seed := promptSeed(prompt)

	world = map[string]any{
		"metadata": meta(),
		"name":     seed.worldName,
		"premise":  prompt,
		"rules": []any{
			"Power has a visible cost; nothing is gained without a traceable price.",
			"Knowledge travels slower than rumor; characters may act on wrong information.",
		},
		"locations": []any{
			map[string]any{"name": seed.worldName + " heartland", "role": "primary setting"},
			map[string]any{"name": "the far margin", "role": "where the ending points"},
		},
	}
	chars = map[string]any{
		"metadata": meta(),
		"protagonist": map[string]any{
			"name":       seed.protagonist,
			"want":       "to see the premise through to its end",
			"flaw":       "trusts patterns over people",
			"background": "shaped directly by: " + prompt,
		},
		"supporting": []any{
			map[string]any{"name": "Mentor Yan", "role": "mentor", "secret": "knows more about the premise than admitted"},
			map[string]any{"name": "Rival Qu", "role": "rival", "secret": "wants the same thing for better reasons"},
		},
		"antagonists": []any{
			map[string]any{"name": "The Opposition", "role": "embodies the cost of the premise"},
		},
	}
	theme = map[string]any{
		"metadata": meta(),
		"theme":    "what the premise costs the person who pursues it",
		"conflict": "external pursuit against internal doubt",
		"stakes":   "losing the thing the premise promised",
	}

	chapters := make([]any, 0, numChapters)
	for i := 1; i <= numChapters; i++ {
		chapters = append(chapters, map[string]any{
			"id":    i,
			"title": fmt.Sprintf("Chapter %d: %s", i, arcLabel(i, numChapters)),
			"goal":  fmt.Sprintf("advance the premise through its %s", arcLabel(i, numChapters)),
		})
	}
	outline = map[string]any{
		"metadata":     meta(),
		"num_chapters": numChapters,
		"chapters":     chapters,
	}

	if err := store.WriteWorld(world); err != nil {
		return nil, err
	}
	if err := store.WriteCharacters(chars); err != nil {
		return nil, err
	}
	if err := store.WriteThemeConflict(theme); err != nil {
		return nil, err
	}
	if err := store.WriteOutline(outline); err != nil {
		return nil, err
	}
	t.Log.Info("bible synthesized", zap.Int("chapters", numChapters))

	// Hand back the read-back documents so callers always see canonical
	// JSON value types, same as on the reuse path.
	var err error
	if world, err = store.ReadWorld(); err != nil {
		return nil, err
	}
	if chars, err = store.ReadCharacters(); err != nil {
		return nil, err
	}
	if theme, err = store.ReadThemeConflict(); err != nil {
		return nil, err
	}
	if outline, err = store.ReadOutline(); err != nil {
		return nil, err
	}
	return &Assets{
		Requirements:  requirements(prompt, numChapters),
		World:         world,
		Characters:    chars,
		ThemeConflict: theme,
		Outline:       outline,
	}, nil
}

func requirements(prompt string, numChapters int) map[string]any {
	return map[string]any{"prompt": prompt, "num_chapters": numChapters}
}

type promptDerived struct {
	worldName   string
	protagonist string
}

// promptSeed derives stable names from the prompt's leading words so reruns
// with the same prompt produce the same bible.
func promptSeed(prompt string) promptDerived {
	words := strings.Fields(prompt)
	name := "Unnamed World"
	if len(words) > 0 {
		n := len(words)
		if n > 3 {
			n = 3
		}
		name = strings.Join(words[:n], " ")
	}
	return promptDerived{worldName: name, protagonist: "Ash"}
}

func arcLabel(i, total int) string {
	switch {
	case i == 1:
		return "opening"
	case i == total:
		return "resolution"
	case i*3 <= total:
		return "rising action"
	case i*3 >= total*2:
		return "convergence"
	default:
		return "midpoint"
	}
}
