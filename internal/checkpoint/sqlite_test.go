package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func testSaver(t *testing.T) *Saver {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open saver: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func putCheckpoint(t *testing.T, s *Saver, cfg Config, step int, values map[string]any) Config {
	t.Helper()
	ctx := context.Background()
	versions := map[string]string{}
	blobs := map[string][]byte{}
	for ch, v := range values {
		versions[ch] = s.NextVersion("")
		blobs[ch] = mustEncode(t, v)
	}
	ckpt := &Checkpoint{
		ID:              s.NewCheckpointID(time.Now()),
		Timestamp:       time.Now().UTC(),
		ChannelVersions: versions,
		ChannelValues:   blobs,
	}
	next, err := s.Put(ctx, cfg, ckpt, &Metadata{Source: "loop", Step: step}, versions)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return next
}

func TestGetTuple_NoCheckpoint(t *testing.T) {
	s := testSaver(t)
	_, err := s.GetTuple(context.Background(), Config{ThreadID: "p1"})
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("want ErrNoCheckpoint, got %v", err)
	}
}

func TestPutGetTuple_RoundTrip(t *testing.T) {
	s := testSaver(t)
	cfg := Config{ThreadID: "p1"}
	next := putCheckpoint(t, s, cfg, 0, map[string]any{
		"current_chapter": 1,
		"prompt":          "修仙世界",
	})
	if next.CheckpointID == "" {
		t.Fatalf("put returned empty checkpoint id")
	}

	tuple, err := s.GetTuple(context.Background(), Config{ThreadID: "p1"})
	if err != nil {
		t.Fatalf("get tuple: %v", err)
	}
	if tuple.Config.CheckpointID != next.CheckpointID {
		t.Fatalf("latest id = %s, want %s", tuple.Config.CheckpointID, next.CheckpointID)
	}
	var prompt string
	if err := msgpack.Unmarshal(tuple.Checkpoint.ChannelValues["prompt"], &prompt); err != nil {
		t.Fatalf("decode prompt blob: %v", err)
	}
	if prompt != "修仙世界" {
		t.Fatalf("prompt = %q", prompt)
	}
	if tuple.Metadata.Source != "loop" {
		t.Fatalf("metadata = %+v", tuple.Metadata)
	}
}

func TestGetTuple_LatestIsMaxID(t *testing.T) {
	s := testSaver(t)
	cfg := Config{ThreadID: "p1"}
	var last Config
	for i := 0; i < 5; i++ {
		last = putCheckpoint(t, s, cfg, i, map[string]any{"current_chapter": i})
		cfg = last
	}
	tuple, err := s.GetTuple(context.Background(), Config{ThreadID: "p1"})
	if err != nil {
		t.Fatalf("get tuple: %v", err)
	}
	if tuple.Config.CheckpointID != last.CheckpointID {
		t.Fatalf("latest = %s, want %s", tuple.Config.CheckpointID, last.CheckpointID)
	}
	if tuple.Metadata.Step != 4 {
		t.Fatalf("step = %d", tuple.Metadata.Step)
	}
	if tuple.ParentConfig == nil {
		t.Fatalf("expected parent config")
	}
}

func TestCheckpointIDs_AreSortable(t *testing.T) {
	s := testSaver(t)
	now := time.Now()
	var ids []string
	for i := 0; i < 50; i++ {
		ids = append(ids, s.NewCheckpointID(now))
	}
	sorted := append([]string{}, ids...)
	sort.Strings(sorted)
	for i := range ids {
		if ids[i] != sorted[i] {
			t.Fatalf("ids not generated in sortable order at %d: %s vs %s", i, ids[i], sorted[i])
		}
	}
}

func TestNextVersion_MonotonicSortable(t *testing.T) {
	s := testSaver(t)
	v1 := s.NextVersion("")
	v2 := s.NextVersion(v1)
	v3 := s.NextVersion(v2)
	if !(v1 < v2 && v2 < v3) {
		t.Fatalf("versions not increasing: %s %s %s", v1, v2, v3)
	}
	if !strings.Contains(v1, ".") {
		t.Fatalf("version missing random suffix: %s", v1)
	}
}

func TestBlobSharing_AcrossCheckpoints(t *testing.T) {
	s := testSaver(t)
	ctx := context.Background()
	cfg := Config{ThreadID: "p1"}

	// First checkpoint writes two channels.
	v1 := s.NextVersion("")
	first := &Checkpoint{
		ID:        s.NewCheckpointID(time.Now()),
		Timestamp: time.Now().UTC(),
		ChannelVersions: map[string]string{
			"prompt": v1,
		},
		ChannelValues: map[string][]byte{"prompt": mustEncode(t, "p")},
	}
	cfg, err := s.Put(ctx, cfg, first, &Metadata{Source: "input"}, map[string]string{"prompt": v1})
	if err != nil {
		t.Fatalf("put first: %v", err)
	}

	// Second checkpoint updates a different channel but still references the
	// first prompt version; only the new channel is written.
	v2 := s.NextVersion(v1)
	second := &Checkpoint{
		ID:        s.NewCheckpointID(time.Now()),
		Timestamp: time.Now().UTC(),
		ChannelVersions: map[string]string{
			"prompt":          v1,
			"current_chapter": v2,
		},
		ChannelValues: map[string][]byte{"current_chapter": mustEncode(t, 2)},
	}
	if _, err := s.Put(ctx, cfg, second, &Metadata{Source: "loop", Step: 1}, map[string]string{"current_chapter": v2}); err != nil {
		t.Fatalf("put second: %v", err)
	}

	tuple, err := s.GetTuple(ctx, Config{ThreadID: "p1"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var prompt string
	if err := msgpack.Unmarshal(tuple.Checkpoint.ChannelValues["prompt"], &prompt); err != nil || prompt != "p" {
		t.Fatalf("shared blob not reconstructed: %q %v", prompt, err)
	}
}

func TestPutWrites_LoadedWithTuple(t *testing.T) {
	s := testSaver(t)
	ctx := context.Background()
	cfg := putCheckpoint(t, s, Config{ThreadID: "p1"}, 0, map[string]any{"prompt": "x"})

	writes := []PendingWrite{
		{Channel: "chapter_plan", Value: mustEncode(t, map[string]any{"goal": "g"})},
		{Channel: "revision_round", Value: mustEncode(t, 1)},
	}
	if err := s.PutWrites(ctx, cfg, writes, "task-1", "plan_chapter"); err != nil {
		t.Fatalf("put writes: %v", err)
	}
	tuple, err := s.GetTuple(ctx, cfg)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(tuple.PendingWrites) != 2 {
		t.Fatalf("pending writes = %d", len(tuple.PendingWrites))
	}
	if tuple.PendingWrites[0].TaskID != "task-1" || tuple.PendingWrites[0].TaskPath != "plan_chapter" {
		t.Fatalf("write metadata = %+v", tuple.PendingWrites[0])
	}
}

func TestList_DescendingWithFilterAndLimit(t *testing.T) {
	s := testSaver(t)
	cfg := Config{ThreadID: "p1"}
	for i := 0; i < 4; i++ {
		cfg = putCheckpoint(t, s, cfg, i, map[string]any{"current_chapter": i})
	}

	all, err := s.List(context.Background(), Config{ThreadID: "p1"}, nil, nil, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("list len = %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Config.CheckpointID < all[i].Config.CheckpointID {
			t.Fatalf("list not descending")
		}
	}

	filtered, err := s.List(context.Background(), Config{ThreadID: "p1"}, map[string]any{"step": 2}, nil, 0)
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Metadata.Step != 2 {
		t.Fatalf("filter miss: %+v", filtered)
	}

	limited, err := s.List(context.Background(), Config{ThreadID: "p1"}, nil, nil, 2)
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited list = %d, %v", len(limited), err)
	}

	before, err := s.List(context.Background(), Config{ThreadID: "p1"}, nil, &all[0].Config, 0)
	if err != nil || len(before) != 3 {
		t.Fatalf("before list = %d, %v", len(before), err)
	}
}

func TestDeleteThread(t *testing.T) {
	s := testSaver(t)
	cfg := putCheckpoint(t, s, Config{ThreadID: "p1"}, 0, map[string]any{"prompt": "x"})
	_ = cfg
	putCheckpoint(t, s, Config{ThreadID: "p2"}, 0, map[string]any{"prompt": "y"})

	if err := s.DeleteThread(context.Background(), "p1"); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
	if _, err := s.GetTuple(context.Background(), Config{ThreadID: "p1"}); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("p1 should be gone, got %v", err)
	}
	if _, err := s.GetTuple(context.Background(), Config{ThreadID: "p2"}); err != nil {
		t.Fatalf("p2 should survive: %v", err)
	}
}
