// Package orchestrator drives the chapter state machine: it owns the graph
// wiring, the run/resume lifecycle, filesystem/checkpoint reconciliation,
// and rollback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/artifact"
	"github.com/strandtale/fabula/internal/audit"
	"github.com/strandtale/fabula/internal/bootstrap"
	"github.com/strandtale/fabula/internal/checkpoint"
	"github.com/strandtale/fabula/internal/contextpack"
	"github.com/strandtale/fabula/internal/engine"
	"github.com/strandtale/fabula/internal/index"
	"github.com/strandtale/fabula/internal/provider"
	"github.com/strandtale/fabula/internal/runctl"
	"github.com/strandtale/fabula/internal/state"
)

// DomainMemory is the external-memory collaborator rollback must keep
// consistent with the filesystem. NoopMemory is the default.
type DomainMemory interface {
	Clear(project string, chapterGte, sceneGte int) error
}

// NoopMemory ignores every clear.
type NoopMemory struct{}

func (NoopMemory) Clear(string, int, int) error { return nil }

// Options configures an Orchestrator.
type Options struct {
	Store          *artifact.Store
	Providers      provider.Trio
	Registry       *audit.Registry
	Bootstrap      bootstrap.Bootstrap
	Memory         DomainMemory
	Logger         *zap.Logger
	Shutdown       *runctl.ShutdownFlag
	RecursionLimit int
	Progress       func(event map[string]any)
	// Backoff governs retries around provider calls.
	Backoff runctl.BackoffConfig
}

func (o *Options) applyDefaults() error {
	if o.Store == nil {
		return fmt.Errorf("orchestrator: Store is required")
	}
	if o.Providers.Planner == nil || o.Providers.Writer == nil || o.Providers.Patcher == nil {
		o.Providers = provider.DefaultTrio()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Registry == nil {
		o.Registry = audit.NewRegistry(o.Logger)
	}
	if o.Bootstrap == nil {
		o.Bootstrap = bootstrap.NewTemplate(o.Logger)
	}
	if o.Memory == nil {
		o.Memory = NoopMemory{}
	}
	if o.Backoff.MaxAttempts == 0 {
		o.Backoff = runctl.DefaultBackoff()
	}
	return nil
}

// RunConfig carries the per-invocation knobs.
type RunConfig struct {
	Prompt      string
	NumChapters int
	// MaxRevisionRounds of 0 is honored: the first surviving blocker goes
	// straight to human review. Negative means "use the default".
	MaxRevisionRounds int
	QABlockerMax      int
	QAMajorMax        int
	AllowOverwrite    bool
	// StopAt names a bootstrap step (world, characters, theme_conflict,
	// outline) to stop after, skipping chapter generation. Empty or
	// "chapters" runs the whole workflow.
	StopAt string
}

func (c *RunConfig) applyDefaults() {
	if c.NumChapters <= 0 {
		c.NumChapters = 3
	}
	if c.MaxRevisionRounds < 0 {
		c.MaxRevisionRounds = 3
	}
	if c.QAMajorMax == 0 {
		c.QAMajorMax = 3
	}
}

// Orchestrator runs one project's workflow.
type Orchestrator struct {
	store     *artifact.Store
	providers provider.Trio
	registry  *audit.Registry
	boot      bootstrap.Bootstrap
	memory    DomainMemory
	log       *zap.Logger
	shutdown  *runctl.ShutdownFlag
	limit     int
	progress  func(map[string]any)
	backoff   runctl.BackoffConfig

	index *index.Index
	packs *contextpack.Builder
}

// New wires an orchestrator for the store's project.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	ix, err := index.New(index.Options{
		ProjectRoot: opts.Store.Root(),
		DBPath:      opts.Store.IndexDBPath(),
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		store:     opts.Store,
		providers: opts.Providers,
		registry:  opts.Registry,
		boot:      opts.Bootstrap,
		memory:    opts.Memory,
		log:       opts.Logger,
		shutdown:  opts.Shutdown,
		limit:     opts.RecursionLimit,
		progress:  opts.Progress,
		backoff:   opts.Backoff,
		index:     ix,
	}
	o.packs = contextpack.NewBuilder(opts.Store, ix, opts.Logger)
	return o, nil
}

func (o *Orchestrator) newEngine(saver *checkpoint.Saver) (*engine.Engine, error) {
	g, err := o.buildGraph()
	if err != nil {
		return nil, err
	}
	return engine.New(g, engine.Options{
		Saver:          saver,
		Logger:         o.log,
		Shutdown:       o.shutdown,
		RecursionLimit: o.limit,
		Progress:       o.progress,
	})
}

func (o *Orchestrator) projectName() (string, error) {
	settings, err := o.store.ReadSettings()
	if err != nil {
		return "", runctl.Userf("project not initialized at %s", o.store.Root())
	}
	name, _ := settings["name"].(string)
	if name == "" {
		return "", &runctl.CorruptionError{Detail: "settings.json has no project name"}
	}
	return name, nil
}

// Run starts a fresh workflow for the project. Any previous checkpoint for
// the thread is discarded; artifacts on disk are kept and reconciled into
// the initial state so completed chapters are not regenerated.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (*state.State, error) {
	cfg.applyDefaults()
	name, err := o.projectName()
	if err != nil {
		return nil, err
	}

	runID, err := state.NewRunID(time.Now())
	if err != nil {
		return nil, err
	}
	generator := state.Generator(runID, state.RevisionID(runID, 1, 0))
	assets, err := o.boot.EnsureBackgroundAssets(o.store, cfg.Prompt, cfg.NumChapters, generator, cfg.AllowOverwrite)
	if err != nil {
		return nil, err
	}

	if cfg.StopAt != "" && cfg.StopAt != "chapters" {
		if _, ok := stepFiles[cfg.StopAt]; !ok {
			return nil, runctl.Userf("unknown step %q", cfg.StopAt)
		}
		o.log.Info("stopping after background assets", zap.String("stop_at", cfg.StopAt))
		return &state.State{RunID: runID, ThreadID: name, ProjectName: name,
			Outline: assets.Outline, World: assets.World}, nil
	}

	st := &state.State{
		RunID:             runID,
		ThreadID:          name,
		ProjectName:       name,
		Prompt:            cfg.Prompt,
		World:             assets.World,
		Characters:        assets.Characters,
		ThemeConflict:     assets.ThemeConflict,
		Outline:           assets.Outline,
		CurrentChapter:    1,
		NumChapters:       cfg.NumChapters,
		MaxRevisionRounds: cfg.MaxRevisionRounds,
		QABlockerMax:      cfg.QABlockerMax,
		QAMajorMax:        cfg.QAMajorMax,
		RevisionID:        state.RevisionID(runID, 1, 0),
	}
	// Chapters already on disk are authoritative; start after them.
	if done, derr := o.completedChapters(); derr == nil && done > 0 {
		if done >= cfg.NumChapters {
			// Nothing left to generate. Leave the existing chapters and the
			// checkpoint alone.
			o.log.Info("all chapters already on disk", zap.Int("completed", done))
			st.CurrentChapter = cfg.NumChapters
			st.RevisionID = state.RevisionID(runID, st.CurrentChapter, 0)
			st.Completed = true
			return st, nil
		}
		st.CurrentChapter = done + 1
		st.RevisionID = state.RevisionID(runID, st.CurrentChapter, 0)
		o.log.Info("found completed chapters on disk",
			zap.Int("completed", done), zap.Int("starting_at", st.CurrentChapter))
	}

	saver, err := checkpoint.Open(o.store.CheckpointDBPath())
	if err != nil {
		return nil, err
	}
	defer saver.Close()
	if err := saver.DeleteThread(ctx, name); err != nil {
		return nil, err
	}

	eng, err := o.newEngine(saver)
	if err != nil {
		return nil, err
	}
	return eng.Invoke(ctx, name, st)
}

// Resume continues from the latest checkpoint. The filesystem is recon-
// ciled first and wins any disagreement; a checkpoint that cannot be read
// or reconciled falls back to a fresh run.
func (o *Orchestrator) Resume(ctx context.Context, cfg RunConfig) (*state.State, error) {
	cfg.applyDefaults()
	name, err := o.projectName()
	if err != nil {
		return nil, err
	}

	saver, err := checkpoint.Open(o.store.CheckpointDBPath())
	if err != nil {
		return nil, err
	}
	defer saver.Close()

	if err := o.reconcile(ctx, saver, name); err != nil {
		var ce *runctl.CorruptionError
		if errors.Is(err, checkpoint.ErrNoCheckpoint) || errors.As(err, &ce) {
			o.log.Warn("checkpoint unusable, falling back to fresh run", zap.Error(err))
			saver.Close()
			return o.Run(ctx, cfg)
		}
		return nil, err
	}

	eng, err := o.newEngine(saver)
	if err != nil {
		return nil, err
	}
	st, err := eng.Invoke(ctx, name, nil)
	if err != nil {
		var ce *runctl.CorruptionError
		if errors.Is(err, checkpoint.ErrNoCheckpoint) || errors.As(err, &ce) {
			o.log.Warn("checkpoint unusable, falling back to fresh run", zap.Error(err))
			return o.Run(ctx, cfg)
		}
		return st, err
	}
	return st, nil
}

// reconcile diffs the filesystem against the latest checkpoint and, when the
// filesystem is ahead (the usual case after an interrupted bundle write),
// issues an update checkpoint so the graph does not regenerate completed
// work. Orphaned plan files with no matching content are removed.
func (o *Orchestrator) reconcile(ctx context.Context, saver *checkpoint.Saver, thread string) error {
	tuple, err := saver.GetTuple(ctx, checkpoint.Config{ThreadID: thread})
	if err != nil {
		return err
	}
	st, err := engine.RestoreState(tuple)
	if err != nil {
		return err
	}
	if err := o.pruneOrphanPlans(); err != nil {
		return err
	}

	done, err := o.completedChapters()
	if err != nil {
		return err
	}
	if done < st.CurrentChapter {
		return nil // checkpoint is at or ahead of the filesystem
	}

	// Filesystem is ahead: move the thread past the completed chapters.
	next := done + 1
	update := state.Update{
		state.ChRevisionRound: 0,
		state.ChChapterPlan:   nil,
		state.ChChapterDraft:  nil,
		state.ChAuditResult:   nil,
		state.ChContextPack:   nil,
	}
	nextNode := NodeBuildContextPack
	if done >= st.NumChapters {
		update[state.ChCurrentChapter] = st.NumChapters
		update[state.ChRevisionID] = state.RevisionID(st.RunID, st.NumChapters, 0)
		nextNode = NodeMarkComplete
	} else {
		update[state.ChCurrentChapter] = next
		update[state.ChRevisionID] = state.RevisionID(st.RunID, next, 0)
	}
	if err := st.Apply(update); err != nil {
		return err
	}
	o.log.Info("filesystem ahead of checkpoint, updating state",
		zap.Int("completed_on_disk", done),
		zap.Int("checkpoint_chapter", tupleChapter(tuple)),
		zap.String("next_node", nextNode))
	return o.updateState(ctx, saver, tuple, st, update, nextNode)
}

// updateState writes a source="update" checkpoint carrying the reconciled
// channels, chained onto the latest checkpoint.
func (o *Orchestrator) updateState(ctx context.Context, saver *checkpoint.Saver, tuple *checkpoint.Tuple, st *state.State, update state.Update, nextNode string) error {
	versions := tuple.Checkpoint.ChannelVersions
	if versions == nil {
		versions = map[string]string{}
	}
	newVersions := map[string]string{}
	values := map[string][]byte{}
	for _, ch := range update.Channels() {
		v, err := st.ChannelValue(ch)
		if err != nil {
			return err
		}
		blob, err := state.EncodeChannel(v)
		if err != nil {
			return err
		}
		next := saver.NextVersion(versions[ch])
		versions[ch] = next
		newVersions[ch] = next
		values[ch] = blob
	}
	ckpt := &checkpoint.Checkpoint{
		ID:              saver.NewCheckpointID(time.Now()),
		Timestamp:       time.Now().UTC(),
		ChannelVersions: versions,
		ChannelValues:   values,
		NextNodes:       []string{nextNode},
	}
	meta := &checkpoint.Metadata{Source: "update", Step: tuple.Metadata.Step + 1, Node: "reconcile"}
	_, err := saver.Put(ctx, tuple.Config, ckpt, meta, newVersions)
	return err
}

// completedChapters returns the highest N such that chapters 1..N all have a
// stored plan and content.
func (o *Orchestrator) completedChapters() (int, error) {
	ids, err := o.store.ListChapters()
	if err != nil {
		return 0, err
	}
	present := map[int]bool{}
	for _, id := range ids {
		present[id] = true
	}
	done := 0
	for present[done+1] {
		done++
	}
	return done, nil
}

// pruneOrphanPlans removes plan files whose chapter content never landed; an
// interrupted bundle write can leave them behind only if the rollback itself
// was interrupted.
func (o *Orchestrator) pruneOrphanPlans() error {
	return o.store.RemoveOrphanPlans()
}

func tupleChapter(tuple *checkpoint.Tuple) int {
	st, err := engine.RestoreState(tuple)
	if err != nil {
		return 0
	}
	return st.CurrentChapter
}
