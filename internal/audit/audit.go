// Package audit runs consistency checks over a chapter draft. Plugins are
// pure functions over state and a read-only context; all persistence happens
// later in the store node.
package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/runctl"
	"github.com/strandtale/fabula/internal/schema"
	"github.com/strandtale/fabula/internal/state"
)

// Context is the read-only view handed to every plugin.
type Context struct {
	World         map[string]any
	Characters    map[string]any
	Outline       map[string]any
	ThemeConflict map[string]any
	ChapterPlan   map[string]any
	ContextPack   map[string]any
}

// Plugin inspects the draft in state and reports issues. Implementations
// must be pure: no filesystem, no network, no stored state.
type Plugin interface {
	Name() string
	Analyze(st *state.State, ctx Context) []state.Issue
}

// Registry holds plugins in registration order; plugins run in that order so
// audit output is reproducible for a given draft.
type Registry struct {
	plugins []Plugin
	workers int
	log     *zap.Logger
}

// NewRegistry builds a registry with the default plugin set.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		plugins: []Plugin{
			&StructuralPlugin{},
			&ContinuityPlugin{},
		},
		workers: runctl.DefaultParallelWorkers,
		log:     log,
	}
}

// SetWorkers bounds plugin concurrency. Values below 1 keep the default.
func (r *Registry) SetWorkers(n int) {
	if n >= 1 {
		r.workers = n
	}
}

// Register appends a plugin after the defaults.
func (r *Registry) Register(p Plugin) { r.plugins = append(r.plugins, p) }

// Plugins returns the registered plugins in order.
func (r *Registry) Plugins() []Plugin { return r.plugins }

// RunAudit invokes every plugin against the current draft and aggregates the
// findings. Plugins are pure, so they run concurrently; issues are collected
// back in registration order so audit output stays reproducible. A plugin
// returning an issue that fails schema validation aborts the run; silently
// dropping malformed issues would corrupt the reports file. A tripped flag
// surfaces as runctl.ErrInterrupted.
func (r *Registry) RunAudit(ctx context.Context, flag *runctl.ShutdownFlag, st *state.State) (*state.AuditResult, error) {
	actx := Context{
		World:         st.World,
		Characters:    st.Characters,
		Outline:       st.Outline,
		ThemeConflict: st.ThemeConflict,
		ChapterPlan:   st.ChapterPlan,
		ContextPack:   st.ContextPack,
	}

	result := &state.AuditResult{
		ChapterID:  st.CurrentChapter,
		Issues:     []state.Issue{},
		Updates:    map[string]any{},
		QAMajorMax: st.QAMajorMax,
	}
	res, err := runctl.FanOut(ctx, flag, r.workers, r.plugins,
		func(_ context.Context, p Plugin) ([]state.Issue, error) {
			issues := p.Analyze(st, actx)
			for i, is := range issues {
				if err := schema.Validate(schema.Issue, is); err != nil {
					return nil, fmt.Errorf("plugin %s issue %d: %w", p.Name(), i, err)
				}
			}
			return issues, nil
		})
	if err != nil {
		return nil, err
	}
	for i, issues := range res.Results {
		if len(issues) > 0 {
			r.log.Debug("audit plugin reported issues",
				zap.String("plugin", r.plugins[i].Name()), zap.Int("count", len(issues)))
		}
		result.Issues = append(result.Issues, issues...)
	}

	for _, is := range result.Issues {
		switch is.Severity {
		case state.SeverityBlocker:
			result.BlockerCount++
		case state.SeverityMajor:
			result.MajorCount++
		case state.SeverityMinor:
			result.MinorCount++
		}
	}
	result.MajorOverThreshold = result.MajorCount > st.QAMajorMax
	return result, nil
}
