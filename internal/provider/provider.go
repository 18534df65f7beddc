// Package provider defines the generation contracts the graph nodes call.
// Implementations are pure except for whatever backend they talk to; the
// deterministic template providers in this package have no backend at all
// and are the default for tests and offline operation.
package provider

import (
	"context"

	"github.com/strandtale/fabula/internal/state"
)

// Planner produces a structured chapter plan.
type Planner interface {
	Plan(ctx context.Context, st *state.State, pack map[string]any) (map[string]any, error)
}

// Writer produces a chapter draft from a plan.
type Writer interface {
	Write(ctx context.Context, st *state.State, plan, pack map[string]any) (map[string]any, error)
}

// Patcher produces a minimally modified draft that attempts to resolve the
// given blocker issues. The state carries the revision_id the patched draft
// must be stamped with.
type Patcher interface {
	Apply(ctx context.Context, st *state.State, draft map[string]any, blockers []state.Issue, pack map[string]any) (map[string]any, error)
}

// Trio bundles the three providers a run is configured with.
type Trio struct {
	Planner Planner
	Writer  Writer
	Patcher Patcher
}

// DefaultTrio returns the deterministic template providers.
func DefaultTrio() Trio {
	return Trio{
		Planner: &TemplatePlanner{},
		Writer:  &TemplateWriter{},
		Patcher: &TemplatePatcher{},
	}
}
