// Package schema holds the declarative shapes for every persisted artifact.
// Schemas are JSON Schema (draft 2020-12) documents embedded at build time
// and compiled once; validation failures are reported as a flat list of
// {path, message} pairs so callers can surface every problem at once.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Artifact names accepted by Validate.
const (
	Settings           = "settings"
	World              = "world"
	Characters         = "characters"
	ThemeConflict      = "theme_conflict"
	Outline            = "outline"
	ChapterPlan        = "chapter_plan"
	ChapterContent     = "chapter_content"
	Issue              = "issue"
	AuditResult        = "audit_result"
	ConsistencyReports = "consistency_reports"
	ChapterMemory      = "chapter_memory"
	ContextPack        = "context_pack"
)

const baseURI = "fabula://schemas/"

var artifactFiles = map[string]string{
	Settings:           "settings.json",
	World:              "world.json",
	Characters:         "characters.json",
	ThemeConflict:      "theme_conflict.json",
	Outline:            "outline.json",
	ChapterPlan:        "chapter_plan.json",
	ChapterContent:     "chapter_content.json",
	Issue:              "issue.json",
	AuditResult:        "audit_result.json",
	ConsistencyReports: "consistency_reports.json",
	ChapterMemory:      "chapter_memory.json",
	ContextPack:        "context_pack.json",
}

// FieldError locates one validation failure inside a document.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError reports every schema violation found in one artifact.
type ValidationError struct {
	Artifact string
	Fields   []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: schema validation failed", e.Artifact)
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Path, f.Message))
	}
	return fmt.Sprintf("%s: schema validation failed: %s", e.Artifact, strings.Join(parts, "; "))
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compileAll() {
	c := jsonschema.NewCompiler()
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		compileErr = err
		return
	}
	for _, ent := range entries {
		b, err := schemaFS.ReadFile("schemas/" + ent.Name())
		if err != nil {
			compileErr = err
			return
		}
		if err := c.AddResource(baseURI+ent.Name(), strings.NewReader(string(b))); err != nil {
			compileErr = fmt.Errorf("add schema %s: %w", ent.Name(), err)
			return
		}
	}
	compiled = make(map[string]*jsonschema.Schema, len(artifactFiles))
	for name, file := range artifactFiles {
		sch, err := c.Compile(baseURI + file)
		if err != nil {
			compileErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		compiled[name] = sch
	}
}

func schemaFor(artifact string) (*jsonschema.Schema, error) {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return nil, compileErr
	}
	sch, ok := compiled[artifact]
	if !ok {
		return nil, fmt.Errorf("unknown artifact schema: %s", artifact)
	}
	return sch, nil
}

// Validate checks doc against the named artifact schema. doc may be any Go
// value that marshals to JSON; it is normalized through a JSON round-trip
// before validation so typed structs and map documents validate identically.
func Validate(artifact string, doc any) error {
	sch, err := schemaFor(artifact)
	if err != nil {
		return err
	}
	inst, err := normalize(doc)
	if err != nil {
		return &ValidationError{Artifact: artifact, Fields: []FieldError{{Path: "/", Message: err.Error()}}}
	}
	if err := sch.Validate(inst); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return &ValidationError{Artifact: artifact, Fields: []FieldError{{Path: "/", Message: err.Error()}}}
		}
		return &ValidationError{Artifact: artifact, Fields: flatten(ve)}
	}
	return nil
}

func normalize(doc any) (any, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("not JSON-serializable: %w", err)
	}
	var inst any
	if err := json.Unmarshal(b, &inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// flatten walks the validation error tree and keeps only the leaves, which
// carry the specific instance locations.
func flatten(ve *jsonschema.ValidationError) []FieldError {
	if len(ve.Causes) == 0 {
		path := ve.InstanceLocation
		if path == "" {
			path = "/"
		}
		return []FieldError{{Path: path, Message: ve.Message}}
	}
	var out []FieldError
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}
