package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strandtale/fabula/internal/checkpoint"
	"github.com/strandtale/fabula/internal/runctl"
	"github.com/strandtale/fabula/internal/state"
)

// DefaultRecursionLimit caps node executions per invocation. The nine-node
// chapter loop touches well under this per chapter; blowing the cap means a
// routing bug, not a long book.
const DefaultRecursionLimit = 25

// Options configures an Engine.
type Options struct {
	Saver          *checkpoint.Saver
	Logger         *zap.Logger
	Shutdown       *runctl.ShutdownFlag
	RecursionLimit int
	// Progress, when set, receives one event per completed node.
	Progress func(event map[string]any)
}

func (o *Options) applyDefaults() error {
	if o.Saver == nil {
		return fmt.Errorf("engine: Saver is required")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.RecursionLimit <= 0 {
		o.RecursionLimit = DefaultRecursionLimit
	}
	return nil
}

// Engine runs a compiled graph against one thread at a time.
type Engine struct {
	graph *Graph
	opts  Options
}

// New validates the graph and returns a runnable engine.
func New(g *Graph, opts Options) (*Engine, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	return &Engine{graph: g, opts: opts}, nil
}

// Invoke executes the graph for threadID. A non-nil initial state starts a
// fresh run; nil resumes from the thread's latest checkpoint. The returned
// state reflects the last completed node even when err is non-nil: every
// completed node is already checkpointed, so a later resume continues from
// exactly there.
func (e *Engine) Invoke(ctx context.Context, threadID string, initial *state.State) (*state.State, error) {
	cfg := checkpoint.Config{ThreadID: threadID}
	var (
		st       *state.State
		versions map[string]string
		nextNode string
		step     int
	)

	if initial != nil {
		st = initial
		versions = map[string]string{}
		nextNode = e.graph.entry
		var err error
		cfg, err = e.putCheckpoint(ctx, cfg, st, versions, st.Snapshot(), "input", -1, "", nextNode)
		if err != nil {
			return st, err
		}
		step = 0
	} else {
		tuple, err := e.opts.Saver.GetTuple(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st, err = RestoreState(tuple)
		if err != nil {
			return nil, err
		}
		cfg = tuple.Config
		versions = tuple.Checkpoint.ChannelVersions
		if versions == nil {
			versions = map[string]string{}
		}
		nextNode = End
		if len(tuple.Checkpoint.NextNodes) > 0 {
			nextNode = tuple.Checkpoint.NextNodes[0]
		}
		step = tuple.Metadata.Step + 1
		e.opts.Logger.Info("resuming thread",
			zap.String("thread_id", threadID),
			zap.String("checkpoint_id", cfg.CheckpointID),
			zap.String("next_node", nextNode))

		// A crash between a node's putWrites and its checkpoint leaves the
		// writes pending on the latest checkpoint under the task the resume is
		// about to re-run. Replay them instead of executing the node twice.
		if update, ok := pendingUpdate(tuple, nextNode, step); ok {
			e.opts.Logger.Info("replaying recorded writes",
				zap.String("node", nextNode), zap.Int("step", step))
			node := nextNode
			if err := st.Apply(update); err != nil {
				return st, fmt.Errorf("engine: recorded writes for %s do not apply: %w", node, err)
			}
			nextNode, err = e.graph.next(node, st)
			if err != nil {
				return st, err
			}
			cfg, err = e.putCheckpoint(ctx, cfg, st, versions, update, "loop", step, node, nextNode)
			if err != nil {
				return st, err
			}
			step++
		}
	}

	executions := 0
	for nextNode != End {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		executions++
		if executions > e.opts.RecursionLimit {
			return st, fmt.Errorf("engine: recursion limit %d exceeded at node %s", e.opts.RecursionLimit, nextNode)
		}

		node := nextNode
		started := time.Now()
		update, err := e.runNode(ctx, node, st)
		if err != nil {
			e.opts.Logger.Error("node failed", zap.String("node", node), zap.Error(err))
			return st, err
		}

		if err := e.putWrites(ctx, cfg, update, node, step); err != nil {
			return st, err
		}
		if err := st.Apply(update); err != nil {
			return st, fmt.Errorf("engine: node %s produced bad update: %w", node, err)
		}

		nextNode, err = e.graph.next(node, st)
		if err != nil {
			return st, err
		}
		cfg, err = e.putCheckpoint(ctx, cfg, st, versions, update, "loop", step, node, nextNode)
		if err != nil {
			return st, err
		}
		step++

		e.emit(map[string]any{
			"event":       "node_complete",
			"thread_id":   threadID,
			"node":        node,
			"next":        nextNode,
			"step":        step - 1,
			"duration_ms": time.Since(started).Milliseconds(),
		})
		e.opts.Logger.Debug("node complete",
			zap.String("node", node), zap.String("next", nextNode),
			zap.Duration("took", time.Since(started)))

		if e.opts.Shutdown != nil && e.opts.Shutdown.Tripped() {
			// The checkpoint above is the stop point; resume continues at
			// nextNode.
			return st, &runctl.CancellationError{Node: node}
		}
	}
	return st, nil
}

// runNode executes one node with panic containment.
func (e *Engine) runNode(ctx context.Context, node string, st *state.State) (update state.Update, err error) {
	fn, ok := e.graph.nodes[node]
	if !ok {
		return nil, fmt.Errorf("engine: unknown node %s", node)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine: node %s panicked: %v", node, r)
		}
	}()
	return fn(ctx, st)
}

// putWrites records the node's channel writes against the checkpoint the
// node ran under. If the process dies before the node's own checkpoint lands,
// resume replays these writes instead of running the node again.
func (e *Engine) putWrites(ctx context.Context, cfg checkpoint.Config, update state.Update, node string, step int) error {
	if cfg.CheckpointID == "" || len(update) == 0 {
		return nil
	}
	writes := make([]checkpoint.PendingWrite, 0, len(update))
	for _, ch := range update.Channels() {
		blob, err := state.EncodeChannel(update[ch])
		if err != nil {
			return fmt.Errorf("engine: encode write %s: %w", ch, err)
		}
		writes = append(writes, checkpoint.PendingWrite{Channel: ch, Value: blob})
	}
	taskID := fmt.Sprintf("%s_%d", node, step)
	if err := e.opts.Saver.PutWrites(ctx, cfg, writes, taskID, node); err != nil {
		return fmt.Errorf("engine: put writes: %w", err)
	}
	return nil
}

// pendingUpdate decodes the tuple's pending writes for the task that would
// run next. A match means the previous process crashed after the node
// completed but before its checkpoint landed.
func pendingUpdate(tuple *checkpoint.Tuple, node string, step int) (state.Update, bool) {
	taskID := fmt.Sprintf("%s_%d", node, step)
	update := state.Update{}
	for _, w := range tuple.PendingWrites {
		if w.TaskID != taskID {
			continue
		}
		v, err := state.DecodeChannel(w.Channel, w.Value)
		if err != nil {
			return nil, false // undecodable writes fall back to re-execution
		}
		update[w.Channel] = v
	}
	return update, len(update) > 0
}

// putCheckpoint versions the updated channels and persists a new checkpoint.
// versions is mutated in place to stay the running channel-version map.
func (e *Engine) putCheckpoint(ctx context.Context, cfg checkpoint.Config, st *state.State, versions map[string]string, update state.Update, source string, step int, node, nextNode string) (checkpoint.Config, error) {
	newVersions := map[string]string{}
	values := map[string][]byte{}
	for _, ch := range update.Channels() {
		v, err := st.ChannelValue(ch)
		if err != nil {
			return cfg, err
		}
		blob, err := state.EncodeChannel(v)
		if err != nil {
			return cfg, fmt.Errorf("engine: encode channel %s: %w", ch, err)
		}
		next := e.opts.Saver.NextVersion(versions[ch])
		versions[ch] = next
		newVersions[ch] = next
		values[ch] = blob
	}

	allVersions := make(map[string]string, len(versions))
	for ch, v := range versions {
		allVersions[ch] = v
	}
	ckpt := &checkpoint.Checkpoint{
		ID:              e.opts.Saver.NewCheckpointID(time.Now()),
		Timestamp:       time.Now().UTC(),
		ChannelVersions: allVersions,
		ChannelValues:   values,
		NextNodes:       []string{nextNode},
	}
	meta := &checkpoint.Metadata{Source: source, Step: step, Node: node}
	next, err := e.opts.Saver.Put(ctx, cfg, ckpt, meta, newVersions)
	if err != nil {
		return cfg, fmt.Errorf("engine: checkpoint: %w", err)
	}
	return next, nil
}

func (e *Engine) emit(event map[string]any) {
	if e.opts.Progress != nil {
		e.opts.Progress(event)
	}
}

// RestoreState rebuilds a State from a checkpoint tuple by decoding every
// stored channel blob.
func RestoreState(tuple *checkpoint.Tuple) (*state.State, error) {
	st := &state.State{}
	for ch, blob := range tuple.Checkpoint.ChannelValues {
		v, err := state.DecodeChannel(ch, blob)
		if err != nil {
			return nil, &runctl.CorruptionError{Detail: "undecodable channel " + ch, Err: err}
		}
		if err := st.SetChannel(ch, v); err != nil {
			return nil, &runctl.CorruptionError{Detail: "unknown channel " + ch, Err: err}
		}
	}
	return st, nil
}
