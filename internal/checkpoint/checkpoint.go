// Package checkpoint persists graph state durably, keyed by
// (thread, namespace, checkpoint id). Channel values are stored in a
// separate blob table keyed by version so checkpoints sharing a channel
// version share storage.
package checkpoint

import (
	"time"
)

// Config identifies a checkpoint, or with an empty CheckpointID the latest
// checkpoint of a (thread, namespace).
type Config struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// Checkpoint is an immutable snapshot of graph state. ChannelValues is not
// serialized with the checkpoint row; it is reconstructed on read by joining
// ChannelVersions against the blob table.
type Checkpoint struct {
	ID              string
	Timestamp       time.Time
	ChannelVersions map[string]string
	ChannelValues   map[string][]byte
	NextNodes       []string
}

// Metadata describes how a checkpoint came to be.
type Metadata struct {
	Source string         `json:"source"` // input | loop | update
	Step   int            `json:"step"`
	Node   string         `json:"node,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// PendingWrite records an in-flight channel write for a task, used to detect
// and deduplicate replay after an interruption.
type PendingWrite struct {
	TaskID   string
	Channel  string
	Value    []byte
	TaskPath string
}

// Tuple is the full load result for one checkpoint.
type Tuple struct {
	Config        Config
	Checkpoint    *Checkpoint
	Metadata      *Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
}
