package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/strandtale/fabula/internal/checkpoint"
	"github.com/strandtale/fabula/internal/engine"
)

// ChapterStatus summarizes one stored chapter.
type ChapterStatus struct {
	ID         int    `json:"id"`
	Title      string `json:"title"`
	SceneCount int    `json:"scene_count"`
	WordCount  int    `json:"word_count"`
	Blockers   int    `json:"blockers"`
	Majors     int    `json:"majors"`
	Minors     int    `json:"minors"`
	UpdatedAt  string `json:"updated_at"`
}

// ThreadStatus is the checkpoint's view of the run.
type ThreadStatus struct {
	Exists           bool   `json:"exists"`
	CheckpointID     string `json:"checkpoint_id,omitempty"`
	Step             int    `json:"step"`
	CurrentChapter   int    `json:"current_chapter"`
	RevisionRound    int    `json:"revision_round"`
	Completed        bool   `json:"completed"`
	NeedsHumanReview bool   `json:"needs_human_review"`
	NextNode         string `json:"next_node,omitempty"`
}

// Status is what the status command prints.
type Status struct {
	Project     string          `json:"project"`
	Author      string          `json:"author,omitempty"`
	NumChapters int             `json:"num_chapters"`
	Steps       map[string]bool `json:"steps"`
	Chapters    []ChapterStatus `json:"chapters"`
	Thread      ThreadStatus    `json:"thread"`
}

// Status reports step completion, the chapter table, and the thread state.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	settings, err := o.store.ReadSettings()
	if err != nil {
		return nil, err
	}
	s := &Status{
		Project: str(settings["name"]),
		Author:  str(settings["author"]),
		Steps:   map[string]bool{},
	}
	if n, ok := settings["num_chapters"].(float64); ok {
		s.NumChapters = int(n)
	}
	for step, rel := range stepFiles {
		_, err := os.Stat(filepath.Join(o.store.Root(), rel))
		s.Steps[step] = err == nil
	}

	memory, err := o.store.ReadChapterMemory()
	if err != nil {
		return nil, err
	}
	reports, err := o.store.ReadConsistencyReports()
	if err != nil {
		return nil, err
	}
	memChapters, _ := memory["chapters"].(map[string]any)
	repChapters, _ := reports["chapters"].(map[string]any)

	ids, err := o.store.ListChapters()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		cs := ChapterStatus{ID: id}
		key := strconv.Itoa(id)
		if m, ok := memChapters[key].(map[string]any); ok {
			cs.Title = str(m["title"])
			cs.SceneCount = num(m["scene_count"])
			cs.WordCount = num(m["word_count"])
			cs.UpdatedAt = str(m["updated_at"])
		}
		if r, ok := repChapters[key].(map[string]any); ok {
			cs.Blockers = num(r["blocker_count"])
			cs.Majors = num(r["major_count"])
			cs.Minors = num(r["minor_count"])
		}
		s.Chapters = append(s.Chapters, cs)
	}

	s.Thread = o.threadStatus(ctx, s.Project)
	return s, nil
}

func (o *Orchestrator) threadStatus(ctx context.Context, thread string) ThreadStatus {
	saver, err := checkpoint.Open(o.store.CheckpointDBPath())
	if err != nil {
		return ThreadStatus{}
	}
	defer saver.Close()
	tuple, err := saver.GetTuple(ctx, checkpoint.Config{ThreadID: thread})
	if err != nil {
		return ThreadStatus{}
	}
	st, err := engine.RestoreState(tuple)
	if err != nil {
		return ThreadStatus{Exists: true, CheckpointID: tuple.Config.CheckpointID}
	}
	ts := ThreadStatus{
		Exists:           true,
		CheckpointID:     tuple.Config.CheckpointID,
		Step:             tuple.Metadata.Step,
		CurrentChapter:   st.CurrentChapter,
		RevisionRound:    st.RevisionRound,
		Completed:        st.Completed,
		NeedsHumanReview: st.NeedsHumanReview,
	}
	if len(tuple.Checkpoint.NextNodes) > 0 {
		ts.NextNode = tuple.Checkpoint.NextNodes[0]
	}
	return ts
}

// StateDump returns the full decoded channel snapshot from the latest
// checkpoint, for rollback planning. No checkpoint yields an empty map.
func (o *Orchestrator) StateDump(ctx context.Context) (map[string]any, error) {
	name, err := o.projectName()
	if err != nil {
		return nil, err
	}
	saver, err := checkpoint.Open(o.store.CheckpointDBPath())
	if err != nil {
		return nil, err
	}
	defer saver.Close()

	tuple, err := saver.GetTuple(ctx, checkpoint.Config{ThreadID: name})
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	st, err := engine.RestoreState(tuple)
	if err != nil {
		return nil, err
	}
	dump := map[string]any{}
	for ch, v := range st.Snapshot() {
		dump[ch] = v
	}
	dump["checkpoint_id"] = tuple.Config.CheckpointID
	dump["checkpoint_step"] = tuple.Metadata.Step
	return dump, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
