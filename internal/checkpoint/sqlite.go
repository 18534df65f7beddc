package checkpoint

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// ErrNoCheckpoint is returned by GetTuple when the thread has no checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint for thread")

const ddl = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread     TEXT NOT NULL,
	ns         TEXT NOT NULL,
	id         TEXT NOT NULL,
	ckpt_type  TEXT NOT NULL,
	ckpt_blob  BLOB NOT NULL,
	meta_type  TEXT NOT NULL,
	meta_blob  BLOB NOT NULL,
	parent_id  TEXT,
	created_at TEXT NOT NULL,
	PRIMARY KEY (thread, ns, id)
);
CREATE TABLE IF NOT EXISTS blobs (
	thread     TEXT NOT NULL,
	ns         TEXT NOT NULL,
	channel    TEXT NOT NULL,
	version    TEXT NOT NULL,
	value_type TEXT NOT NULL,
	value_blob BLOB,
	PRIMARY KEY (thread, ns, channel, version)
);
CREATE TABLE IF NOT EXISTS writes (
	thread     TEXT NOT NULL,
	ns         TEXT NOT NULL,
	ckpt_id    TEXT NOT NULL,
	task_id    TEXT NOT NULL,
	write_idx  INTEGER NOT NULL,
	channel    TEXT NOT NULL,
	value_type TEXT NOT NULL,
	value_blob BLOB,
	task_path  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (thread, ns, ckpt_id, task_id, write_idx)
);
`

// serializedCheckpoint is the msgpack shape of the ckpt_blob column.
// Channel values are deliberately absent; they live in the blobs table.
type serializedCheckpoint struct {
	ID              string            `msgpack:"id"`
	Timestamp       time.Time         `msgpack:"ts"`
	ChannelVersions map[string]string `msgpack:"channel_versions"`
	NextNodes       []string          `msgpack:"next_nodes"`
}

// Saver is the sqlite-backed checkpointer. All writes are serialized through
// a single connection; the database file is owned exclusively by this type.
type Saver struct {
	db *sql.DB
	mu sync.Mutex

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Open opens (creating if necessary) the checkpoint database at path.
func Open(path string) (*Saver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// One connection: sqlite writes are serialized anyway, and :memory:
	// databases are per-connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}
	return &Saver{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Close releases the database connection.
func (s *Saver) Close() error { return s.db.Close() }

// NewCheckpointID returns a timestamp-sortable checkpoint id. Lexicographic
// order on the string form equals temporal order.
func (s *Saver) NewCheckpointID(now time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now.UTC()), s.entropy).String()
}

// NextVersion produces the next monotonically increasing channel version.
// The encoding is a sortable string: a 32-digit counter and a random suffix.
func (s *Saver) NextVersion(current string) string {
	n := int64(0)
	if current != "" {
		head, _, _ := strings.Cut(current, ".")
		fmt.Sscanf(head, "%d", &n)
	}
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%032d.%016x", n+1, binary.BigEndian.Uint64(buf[:]))
}

// Put persists a checkpoint and the blobs for the channels listed in
// newVersions, returning the config that identifies the stored checkpoint.
func (s *Saver) Put(ctx context.Context, cfg Config, ckpt *Checkpoint, meta *Metadata, newVersions map[string]string) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ckptBlob, err := msgpack.Marshal(serializedCheckpoint{
		ID:              ckpt.ID,
		Timestamp:       ckpt.Timestamp,
		ChannelVersions: ckpt.ChannelVersions,
		NextNodes:       ckpt.NextNodes,
	})
	if err != nil {
		return Config{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	if meta == nil {
		meta = &Metadata{}
	}
	metaBlob, err := json.Marshal(meta)
	if err != nil {
		return Config{}, fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Config{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var parent any
	if cfg.CheckpointID != "" {
		parent = cfg.CheckpointID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints
		 (thread, ns, id, ckpt_type, ckpt_blob, meta_type, meta_blob, parent_id, created_at)
		 VALUES (?, ?, ?, 'msgpack', ?, 'json', ?, ?, ?)`,
		cfg.ThreadID, cfg.Namespace, ckpt.ID, ckptBlob, metaBlob, parent,
		ckpt.Timestamp.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return Config{}, fmt.Errorf("insert checkpoint: %w", err)
	}

	for channel, version := range newVersions {
		value, ok := ckpt.ChannelValues[channel]
		if !ok {
			return Config{}, fmt.Errorf("new version for channel %s without a value", channel)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO blobs (thread, ns, channel, version, value_type, value_blob)
			 VALUES (?, ?, ?, ?, 'msgpack', ?)`,
			cfg.ThreadID, cfg.Namespace, channel, version, value,
		); err != nil {
			return Config{}, fmt.Errorf("insert blob %s: %w", channel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Config{}, err
	}
	return Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: ckpt.ID}, nil
}

// PutWrites records in-flight writes for a task under the given checkpoint.
func (s *Saver) PutWrites(ctx context.Context, cfg Config, writes []PendingWrite, taskID, taskPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, w := range writes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO writes
			 (thread, ns, ckpt_id, task_id, write_idx, channel, value_type, value_blob, task_path)
			 VALUES (?, ?, ?, ?, ?, ?, 'msgpack', ?, ?)`,
			cfg.ThreadID, cfg.Namespace, cfg.CheckpointID, taskID, i, w.Channel, w.Value, taskPath,
		); err != nil {
			return fmt.Errorf("insert write %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// GetTuple loads a checkpoint by explicit id, or the latest checkpoint for
// the (thread, namespace) when cfg.CheckpointID is empty.
func (s *Saver) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	id := cfg.CheckpointID
	if id == "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT id FROM checkpoints WHERE thread = ? AND ns = ? ORDER BY id DESC LIMIT 1`,
			cfg.ThreadID, cfg.Namespace)
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNoCheckpoint
			}
			return nil, err
		}
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT ckpt_blob, meta_blob, parent_id FROM checkpoints WHERE thread = ? AND ns = ? AND id = ?`,
		cfg.ThreadID, cfg.Namespace, id)
	var ckptBlob, metaBlob []byte
	var parentID sql.NullString
	if err := row.Scan(&ckptBlob, &metaBlob, &parentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}

	var sc serializedCheckpoint
	if err := msgpack.Unmarshal(ckptBlob, &sc); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	var meta Metadata
	if err := json.Unmarshal(metaBlob, &meta); err != nil {
		return nil, fmt.Errorf("decode checkpoint metadata %s: %w", id, err)
	}

	ckpt := &Checkpoint{
		ID:              sc.ID,
		Timestamp:       sc.Timestamp,
		ChannelVersions: sc.ChannelVersions,
		ChannelValues:   map[string][]byte{},
		NextNodes:       sc.NextNodes,
	}
	for channel, version := range sc.ChannelVersions {
		var blob []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT value_blob FROM blobs WHERE thread = ? AND ns = ? AND channel = ? AND version = ?`,
			cfg.ThreadID, cfg.Namespace, channel, version).Scan(&blob)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("checkpoint %s references missing blob %s@%s", id, channel, version)
			}
			return nil, err
		}
		ckpt.ChannelValues[channel] = blob
	}

	writes, err := s.loadWrites(ctx, cfg.ThreadID, cfg.Namespace, id)
	if err != nil {
		return nil, err
	}

	tuple := &Tuple{
		Config:        Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: id},
		Checkpoint:    ckpt,
		Metadata:      &meta,
		PendingWrites: writes,
	}
	if parentID.Valid && parentID.String != "" {
		tuple.ParentConfig = &Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: parentID.String}
	}
	return tuple, nil
}

func (s *Saver) loadWrites(ctx context.Context, thread, ns, ckptID string) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, channel, value_blob, task_path FROM writes
		 WHERE thread = ? AND ns = ? AND ckpt_id = ? ORDER BY task_id, write_idx`,
		thread, ns, ckptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingWrite
	for rows.Next() {
		var w PendingWrite
		if err := rows.Scan(&w.TaskID, &w.Channel, &w.Value, &w.TaskPath); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// List iterates checkpoints for a thread in descending id order. filter
// matches on metadata equality; before restricts to ids strictly below the
// given checkpoint; limit <= 0 means no limit.
func (s *Saver) List(ctx context.Context, cfg Config, filter map[string]any, before *Config, limit int) ([]*Tuple, error) {
	q := `SELECT id FROM checkpoints WHERE thread = ? AND ns = ?`
	args := []any{cfg.ThreadID, cfg.Namespace}
	if before != nil && before.CheckpointID != "" {
		q += ` AND id < ?`
		args = append(args, before.CheckpointID)
	}
	q += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Tuple
	for _, id := range ids {
		t, err := s.GetTuple(ctx, Config{ThreadID: cfg.ThreadID, Namespace: cfg.Namespace, CheckpointID: id})
		if err != nil {
			return nil, err
		}
		if !metadataMatches(t.Metadata, filter) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteThread removes every checkpoint, blob, and write for a thread.
func (s *Saver) DeleteThread(ctx context.Context, thread string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, table := range []string{"checkpoints", "blobs", "writes"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE thread = ?`, thread); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func metadataMatches(meta *Metadata, filter map[string]any) bool {
	if len(filter) == 0 {
		return true
	}
	if meta == nil {
		return false
	}
	// Compare against the JSON form so filter values match regardless of the
	// caller's numeric types.
	b, err := json.Marshal(meta)
	if err != nil {
		return false
	}
	var flat map[string]any
	if err := json.Unmarshal(b, &flat); err != nil {
		return false
	}
	for k, want := range filter {
		got, ok := flat[k]
		if !ok {
			return false
		}
		wb, _ := json.Marshal(want)
		gb, _ := json.Marshal(got)
		if string(wb) != string(gb) {
			return false
		}
	}
	return true
}
