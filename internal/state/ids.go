package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// EngineID identifies this engine in artifact generator strings.
const EngineID = "fabula"

// SchemaVersion is stamped into every persisted artifact's metadata.
const SchemaVersion = "1"

// NewRunID returns a fresh run identifier: run_<yyyymmdd_hhmmss>_<8 hex>.
func NewRunID(now time.Time) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("run id entropy: %w", err)
	}
	return fmt.Sprintf("run_%s_%s", now.UTC().Format("20060102_150405"), hex.EncodeToString(buf[:])), nil
}

// RevisionID names one (chapter, attempt) pair within a run.
func RevisionID(runID string, chapter, round int) string {
	return fmt.Sprintf("%s_ch%03d_r%d", runID, chapter, round)
}

// Generator builds the generator string stamped into artifact metadata.
func Generator(runID, revisionID string) string {
	return fmt.Sprintf("%s/%s/%s", EngineID, runID, revisionID)
}

// Metadata returns the common metadata block every persisted artifact carries.
func Metadata(now time.Time, generator string) map[string]any {
	return map[string]any{
		"schema_version": SchemaVersion,
		"generated_at":   now.UTC().Format(time.RFC3339),
		"generator":      generator,
	}
}
