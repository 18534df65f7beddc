// Package state defines the working-memory blackboard the graph nodes read
// and incrementally update. Each field is addressed as a named channel so the
// checkpointer can version and persist fields independently.
package state

import (
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Channel names. The checkpointer keys blob storage by these.
const (
	ChRunID             = "run_id"
	ChThreadID          = "thread_id"
	ChProjectName       = "project_name"
	ChPrompt            = "prompt"
	ChWorld             = "world"
	ChCharacters        = "characters"
	ChThemeConflict     = "theme_conflict"
	ChOutline           = "outline"
	ChCurrentChapter    = "current_chapter"
	ChNumChapters       = "num_chapters"
	ChRevisionRound     = "revision_round"
	ChMaxRevisionRounds = "max_revision_rounds"
	ChQABlockerMax      = "qa_blocker_max"
	ChQAMajorMax        = "qa_major_max"
	ChRevisionID        = "revision_id"
	ChChapterPlan       = "chapter_plan"
	ChChapterDraft      = "chapter_draft"
	ChAuditResult       = "audit_result"
	ChContextPack       = "context_pack"
	ChNeedsHumanReview  = "needs_human_review"
	ChCompleted         = "completed"
	ChError             = "error"
)

// State is the blackboard carried between nodes. The bible documents are
// immutable for the life of a run; the per-chapter artifacts are transient
// and cleared on chapter advance.
type State struct {
	RunID       string
	ThreadID    string
	ProjectName string
	Prompt      string

	World         map[string]any
	Characters    map[string]any
	ThemeConflict map[string]any
	Outline       map[string]any

	CurrentChapter    int
	NumChapters       int
	RevisionRound     int
	MaxRevisionRounds int
	QABlockerMax      int
	QAMajorMax        int
	RevisionID        string

	ChapterPlan  map[string]any
	ChapterDraft map[string]any
	AuditResult  *AuditResult
	ContextPack  map[string]any

	NeedsHumanReview bool
	Completed        bool
	Error            string
}

// Update is an incremental state update: channel name -> new value.
// Channels absent from the map are unchanged. A nil value clears the channel
// (used when advancing chapters drops the transient artifacts).
type Update map[string]any

// Channels returns the update's channel names in deterministic order.
func (u Update) Channels() []string {
	out := make([]string, 0, len(u))
	for k := range u {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply merges an incremental update into the state. Unknown channels and
// type mismatches are hard errors: a malformed update means a broken node.
func (s *State) Apply(u Update) error {
	for _, ch := range u.Channels() {
		if err := s.SetChannel(ch, u[ch]); err != nil {
			return err
		}
	}
	return nil
}

// SetChannel assigns one channel value. A nil value resets the channel to
// its zero value.
func (s *State) SetChannel(name string, v any) error {
	switch name {
	case ChRunID:
		return assignString(&s.RunID, name, v)
	case ChThreadID:
		return assignString(&s.ThreadID, name, v)
	case ChProjectName:
		return assignString(&s.ProjectName, name, v)
	case ChPrompt:
		return assignString(&s.Prompt, name, v)
	case ChWorld:
		return assignDoc(&s.World, name, v)
	case ChCharacters:
		return assignDoc(&s.Characters, name, v)
	case ChThemeConflict:
		return assignDoc(&s.ThemeConflict, name, v)
	case ChOutline:
		return assignDoc(&s.Outline, name, v)
	case ChCurrentChapter:
		return assignInt(&s.CurrentChapter, name, v)
	case ChNumChapters:
		return assignInt(&s.NumChapters, name, v)
	case ChRevisionRound:
		return assignInt(&s.RevisionRound, name, v)
	case ChMaxRevisionRounds:
		return assignInt(&s.MaxRevisionRounds, name, v)
	case ChQABlockerMax:
		return assignInt(&s.QABlockerMax, name, v)
	case ChQAMajorMax:
		return assignInt(&s.QAMajorMax, name, v)
	case ChRevisionID:
		return assignString(&s.RevisionID, name, v)
	case ChChapterPlan:
		return assignDoc(&s.ChapterPlan, name, v)
	case ChChapterDraft:
		return assignDoc(&s.ChapterDraft, name, v)
	case ChAuditResult:
		if v == nil {
			s.AuditResult = nil
			return nil
		}
		ar, ok := v.(*AuditResult)
		if !ok {
			return fmt.Errorf("channel %s: want *AuditResult, got %T", name, v)
		}
		s.AuditResult = ar
		return nil
	case ChContextPack:
		return assignDoc(&s.ContextPack, name, v)
	case ChNeedsHumanReview:
		return assignBool(&s.NeedsHumanReview, name, v)
	case ChCompleted:
		return assignBool(&s.Completed, name, v)
	case ChError:
		return assignString(&s.Error, name, v)
	default:
		return fmt.Errorf("unknown channel: %s", name)
	}
}

// ChannelValue returns the current value of a channel.
func (s *State) ChannelValue(name string) (any, error) {
	switch name {
	case ChRunID:
		return s.RunID, nil
	case ChThreadID:
		return s.ThreadID, nil
	case ChProjectName:
		return s.ProjectName, nil
	case ChPrompt:
		return s.Prompt, nil
	case ChWorld:
		return s.World, nil
	case ChCharacters:
		return s.Characters, nil
	case ChThemeConflict:
		return s.ThemeConflict, nil
	case ChOutline:
		return s.Outline, nil
	case ChCurrentChapter:
		return s.CurrentChapter, nil
	case ChNumChapters:
		return s.NumChapters, nil
	case ChRevisionRound:
		return s.RevisionRound, nil
	case ChMaxRevisionRounds:
		return s.MaxRevisionRounds, nil
	case ChQABlockerMax:
		return s.QABlockerMax, nil
	case ChQAMajorMax:
		return s.QAMajorMax, nil
	case ChRevisionID:
		return s.RevisionID, nil
	case ChChapterPlan:
		return s.ChapterPlan, nil
	case ChChapterDraft:
		return s.ChapterDraft, nil
	case ChAuditResult:
		return s.AuditResult, nil
	case ChContextPack:
		return s.ContextPack, nil
	case ChNeedsHumanReview:
		return s.NeedsHumanReview, nil
	case ChCompleted:
		return s.Completed, nil
	case ChError:
		return s.Error, nil
	default:
		return nil, fmt.Errorf("unknown channel: %s", name)
	}
}

// AllChannels lists every channel name in deterministic order.
func AllChannels() []string {
	return []string{
		ChRunID, ChThreadID, ChProjectName, ChPrompt,
		ChWorld, ChCharacters, ChThemeConflict, ChOutline,
		ChCurrentChapter, ChNumChapters, ChRevisionRound,
		ChMaxRevisionRounds, ChQABlockerMax, ChQAMajorMax, ChRevisionID,
		ChChapterPlan, ChChapterDraft, ChAuditResult, ChContextPack,
		ChNeedsHumanReview, ChCompleted, ChError,
	}
}

// Snapshot returns an update covering every channel, used to seed the first
// checkpoint of a fresh thread.
func (s *State) Snapshot() Update {
	u := Update{}
	for _, ch := range AllChannels() {
		v, _ := s.ChannelValue(ch)
		u[ch] = v
	}
	return u
}

// EncodeChannel serializes a channel value for blob storage.
func EncodeChannel(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// DecodeChannel deserializes a blob back into the channel's native type.
func DecodeChannel(name string, b []byte) (any, error) {
	switch name {
	case ChRunID, ChThreadID, ChProjectName, ChPrompt, ChRevisionID, ChError:
		var v string
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		return v, nil
	case ChCurrentChapter, ChNumChapters, ChRevisionRound,
		ChMaxRevisionRounds, ChQABlockerMax, ChQAMajorMax:
		var v int
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		return v, nil
	case ChNeedsHumanReview, ChCompleted:
		var v bool
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		return v, nil
	case ChAuditResult:
		var v *AuditResult
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		if v == nil {
			return nil, nil
		}
		return v, nil
	case ChWorld, ChCharacters, ChThemeConflict, ChOutline,
		ChChapterPlan, ChChapterDraft, ChContextPack:
		var v map[string]any
		if err := msgpack.Unmarshal(b, &v); err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		if v == nil {
			return nil, nil
		}
		return normalizeDoc(v), nil
	default:
		return nil, fmt.Errorf("unknown channel: %s", name)
	}
}

func assignString(dst *string, name string, v any) error {
	if v == nil {
		*dst = ""
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("channel %s: want string, got %T", name, v)
	}
	*dst = s
	return nil
}

func assignInt(dst *int, name string, v any) error {
	switch n := v.(type) {
	case nil:
		*dst = 0
	case int:
		*dst = n
	case int64:
		*dst = int(n)
	default:
		return fmt.Errorf("channel %s: want int, got %T", name, v)
	}
	return nil
}

func assignBool(dst *bool, name string, v any) error {
	if v == nil {
		*dst = false
		return nil
	}
	b, ok := v.(bool)
	if !ok {
		return fmt.Errorf("channel %s: want bool, got %T", name, v)
	}
	*dst = b
	return nil
}

func assignDoc(dst *map[string]any, name string, v any) error {
	if v == nil {
		*dst = nil
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("channel %s: want map[string]any, got %T", name, v)
	}
	*dst = m
	return nil
}

// normalizeDoc rewrites msgpack's map[interface{}]interface{} values into
// map[string]any so decoded documents round-trip through JSON cleanly.
func normalizeDoc(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeDoc(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[fmt.Sprint(k)] = normalizeValue(vv)
		}
		return out
	case []any:
		for i, vv := range t {
			t[i] = normalizeValue(vv)
		}
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case uint8:
		return int(t)
	case uint16:
		return int(t)
	case uint32:
		return int(t)
	case uint64:
		return int(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
