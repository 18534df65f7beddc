package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/engine"
	"github.com/strandtale/fabula/internal/runctl"
	"github.com/strandtale/fabula/internal/schema"
	"github.com/strandtale/fabula/internal/state"
)

// Node names. These appear in checkpoint metadata and progress events.
const (
	NodeBuildContextPack = "build_context_pack"
	NodePlanChapter      = "plan_chapter"
	NodeWriteChapter     = "write_chapter"
	NodeAuditChapter     = "audit_chapter"
	NodeApplyPatch       = "apply_patch"
	NodeStoreArtifacts   = "store_artifacts"
	NodeAdvanceChapter   = "advance_chapter"
	NodeMarkHumanReview  = "mark_human_review"
	NodeMarkComplete     = "mark_complete"
)

// buildGraph wires the chapter loop: a linear generate path, the audit/patch
// cycle, and the tail recursion over chapters via advance_chapter.
func (o *Orchestrator) buildGraph() (*engine.Graph, error) {
	g := engine.NewGraph()
	nodes := map[string]engine.NodeFunc{
		NodeBuildContextPack: o.nodeBuildContextPack,
		NodePlanChapter:      o.nodePlanChapter,
		NodeWriteChapter:     o.nodeWriteChapter,
		NodeAuditChapter:     o.nodeAuditChapter,
		NodeApplyPatch:       o.nodeApplyPatch,
		NodeStoreArtifacts:   o.nodeStoreArtifacts,
		NodeAdvanceChapter:   o.nodeAdvanceChapter,
		NodeMarkHumanReview:  o.nodeMarkHumanReview,
		NodeMarkComplete:     o.nodeMarkComplete,
	}
	for name, fn := range nodes {
		if err := g.AddNode(name, fn); err != nil {
			return nil, err
		}
	}

	g.SetEntry(NodeBuildContextPack)
	edges := [][2]string{
		{NodeBuildContextPack, NodePlanChapter},
		{NodePlanChapter, NodeWriteChapter},
		{NodeWriteChapter, NodeAuditChapter},
		{NodeApplyPatch, NodeAuditChapter},
		{NodeAdvanceChapter, NodeBuildContextPack},
		{NodeMarkHumanReview, engine.End},
		{NodeMarkComplete, engine.End},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	if err := g.AddConditionalEdge(NodeAuditChapter, shouldRevise); err != nil {
		return nil, err
	}
	if err := g.AddConditionalEdge(NodeStoreArtifacts, shouldContinueChapters); err != nil {
		return nil, err
	}
	return g, nil
}

// shouldRevise gates the revision loop: a clean-enough audit stores, an
// exhausted revision budget pauses for a human, anything else patches.
func shouldRevise(st *state.State) string {
	blockers := 0
	if st.AuditResult != nil {
		blockers = st.AuditResult.BlockerCount
	}
	switch {
	case blockers <= st.QABlockerMax:
		return NodeStoreArtifacts
	case st.RevisionRound >= st.MaxRevisionRounds:
		return NodeMarkHumanReview
	default:
		return NodeApplyPatch
	}
}

func shouldContinueChapters(st *state.State) string {
	if st.CurrentChapter < st.NumChapters {
		return NodeAdvanceChapter
	}
	return NodeMarkComplete
}

func (o *Orchestrator) nodeBuildContextPack(ctx context.Context, st *state.State) (state.Update, error) {
	pack, err := o.packs.Build(ctx, st)
	if err != nil {
		return nil, err
	}
	return state.Update{state.ChContextPack: pack}, nil
}

func (o *Orchestrator) nodePlanChapter(ctx context.Context, st *state.State) (state.Update, error) {
	var plan map[string]any
	err := runctl.Retry(ctx, o.log, fmt.Sprintf("plan_ch%03d", st.CurrentChapter), o.backoff,
		func(ctx context.Context) error {
			var perr error
			plan, perr = o.providers.Planner.Plan(ctx, st, st.ContextPack)
			return perr
		})
	if err != nil {
		// Transient exhaustion degrades to an empty plan rather than
		// aborting; the structural audit will block the resulting draft.
		if runctl.IsTransient(err) {
			o.degraded("plan", st.CurrentChapter, err)
			return state.Update{state.ChChapterPlan: nil}, nil
		}
		return nil, fmt.Errorf("plan chapter %d: %w", st.CurrentChapter, err)
	}
	return state.Update{state.ChChapterPlan: plan}, nil
}

func (o *Orchestrator) nodeWriteChapter(ctx context.Context, st *state.State) (state.Update, error) {
	var draft map[string]any
	err := runctl.Retry(ctx, o.log, fmt.Sprintf("write_ch%03d", st.CurrentChapter), o.backoff,
		func(ctx context.Context) error {
			var werr error
			draft, werr = o.providers.Writer.Write(ctx, st, st.ChapterPlan, st.ContextPack)
			return werr
		})
	if err != nil {
		if runctl.IsTransient(err) {
			o.degraded("write", st.CurrentChapter, err)
			return state.Update{state.ChChapterDraft: nil}, nil
		}
		return nil, fmt.Errorf("write chapter %d: %w", st.CurrentChapter, err)
	}
	return state.Update{state.ChChapterDraft: draft}, nil
}

// degraded logs a degradation event after a provider call exhausted its
// retries. The run continues with a null value; the blocker gate decides
// what happens to the degraded chapter.
func (o *Orchestrator) degraded(op string, chapter int, err error) {
	o.log.Warn("provider degraded after retries",
		zap.String("op", op), zap.Int("chapter", chapter), zap.Error(err))
}

func (o *Orchestrator) nodeAuditChapter(ctx context.Context, st *state.State) (state.Update, error) {
	result, err := o.registry.RunAudit(ctx, o.shutdown, st)
	if err != nil {
		if errors.Is(err, runctl.ErrInterrupted) {
			return nil, &runctl.CancellationError{Node: NodeAuditChapter}
		}
		return nil, err
	}
	o.log.Info("chapter audited",
		zap.Int("chapter", st.CurrentChapter),
		zap.Int("round", st.RevisionRound),
		zap.Int("blockers", result.BlockerCount),
		zap.Int("majors", result.MajorCount),
		zap.Int("minors", result.MinorCount))
	return state.Update{state.ChAuditResult: result}, nil
}

// nodeApplyPatch advances the revision round first so the patched draft
// carries the new revision's generator string.
func (o *Orchestrator) nodeApplyPatch(ctx context.Context, st *state.State) (state.Update, error) {
	round := st.RevisionRound + 1
	revisionID := state.RevisionID(st.RunID, st.CurrentChapter, round)

	patchState := *st
	patchState.RevisionRound = round
	patchState.RevisionID = revisionID

	var patched map[string]any
	err := runctl.Retry(ctx, o.log, fmt.Sprintf("patch_ch%03d_r%d", st.CurrentChapter, round), o.backoff,
		func(ctx context.Context) error {
			var perr error
			patched, perr = o.providers.Patcher.Apply(ctx, &patchState, st.ChapterDraft, st.AuditResult.BlockerIssues(), st.ContextPack)
			return perr
		})
	if err != nil {
		if runctl.IsTransient(err) {
			// Degraded patch: the draft stays as it was, but the round still
			// counts so the revision budget bounds the loop.
			o.degraded("patch", st.CurrentChapter, err)
			return state.Update{
				state.ChRevisionRound: round,
				state.ChRevisionID:    revisionID,
			}, nil
		}
		return nil, fmt.Errorf("patch chapter %d round %d: %w", st.CurrentChapter, round, err)
	}
	return state.Update{
		state.ChRevisionRound: round,
		state.ChRevisionID:    revisionID,
		state.ChChapterDraft:  patched,
	}, nil
}

// nodeStoreArtifacts persists the chapter bundle. Validation failure here is
// fatal; an inconsistent draft must never reach disk.
func (o *Orchestrator) nodeStoreArtifacts(ctx context.Context, st *state.State) (state.Update, error) {
	plan := withRevision(st.ChapterPlan, st.RevisionID)
	draft := withRevision(st.ChapterDraft, st.RevisionID)
	if err := schema.Validate(schema.ChapterPlan, plan); err != nil {
		return nil, err
	}
	if err := schema.Validate(schema.ChapterContent, draft); err != nil {
		return nil, err
	}
	if err := o.store.WriteChapterBundle(st.CurrentChapter, plan, draft, st.AuditResult); err != nil {
		return nil, err
	}
	// Refresh retrieval so the next chapter can see this one. Best effort; a
	// stale index is tolerated.
	if o.index != nil {
		if err := o.index.Rebuild(ctx); err != nil {
			o.log.Warn("index refresh failed", zap.Error(err))
		}
	}
	o.log.Info("chapter stored",
		zap.Int("chapter", st.CurrentChapter), zap.String("revision_id", st.RevisionID))
	return state.Update{}, nil
}

func (o *Orchestrator) nodeAdvanceChapter(_ context.Context, st *state.State) (state.Update, error) {
	next := st.CurrentChapter + 1
	return state.Update{
		state.ChCurrentChapter: next,
		state.ChRevisionRound:  0,
		state.ChRevisionID:     state.RevisionID(st.RunID, next, 0),
		state.ChChapterPlan:    nil,
		state.ChChapterDraft:   nil,
		state.ChAuditResult:    nil,
		state.ChContextPack:    nil,
	}, nil
}

func (o *Orchestrator) nodeMarkHumanReview(_ context.Context, st *state.State) (state.Update, error) {
	o.log.Warn("chapter needs human review",
		zap.Int("chapter", st.CurrentChapter),
		zap.Int("rounds_spent", st.RevisionRound))
	return state.Update{state.ChNeedsHumanReview: true}, nil
}

func (o *Orchestrator) nodeMarkComplete(_ context.Context, st *state.State) (state.Update, error) {
	return state.Update{state.ChCompleted: true}, nil
}

// withRevision stamps revision_id into a copy of doc, leaving the original
// untouched.
func withRevision(doc map[string]any, revisionID string) map[string]any {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["revision_id"] = revisionID
	return out
}
