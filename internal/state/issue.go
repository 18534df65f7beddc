package state

// Issue severities. The enumeration is strict; anything else fails schema
// validation before it can reach the reports file.
const (
	SeverityBlocker = "blocker"
	SeverityMajor   = "major"
	SeverityMinor   = "minor"
)

// Issue categories.
const (
	CategoryWorldRule = "world_rule"
	CategoryCharacter = "character"
	CategoryTimeline  = "timeline"
	CategoryKnowledge = "knowledge"
	CategoryThread    = "thread"
	CategoryPOVStyle  = "pov_style"
)

// Issue is a single structured audit finding. A blocker must carry
// fix_instructions so the patcher has something actionable to apply.
type Issue struct {
	ID              string         `json:"id" msgpack:"id"`
	Severity        string         `json:"severity" msgpack:"severity"`
	Category        string         `json:"category" msgpack:"category"`
	Summary         string         `json:"summary" msgpack:"summary"`
	Evidence        map[string]any `json:"evidence,omitempty" msgpack:"evidence,omitempty"`
	FixInstructions string         `json:"fix_instructions,omitempty" msgpack:"fix_instructions,omitempty"`
}

// AuditResult aggregates every plugin's issues for one chapter attempt.
type AuditResult struct {
	ChapterID          int            `json:"chapter_id" msgpack:"chapter_id"`
	Issues             []Issue        `json:"issues" msgpack:"issues"`
	BlockerCount       int            `json:"blocker_count" msgpack:"blocker_count"`
	MajorCount         int            `json:"major_count" msgpack:"major_count"`
	MinorCount         int            `json:"minor_count" msgpack:"minor_count"`
	Updates            map[string]any `json:"updates" msgpack:"updates"`
	MajorOverThreshold bool           `json:"major_over_threshold" msgpack:"major_over_threshold"`
	QAMajorMax         int            `json:"qa_major_max" msgpack:"qa_major_max"`
}

// BlockerIssues returns the subset of issues with blocker severity.
func (r *AuditResult) BlockerIssues() []Issue {
	if r == nil {
		return nil
	}
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == SeverityBlocker {
			out = append(out, is)
		}
	}
	return out
}
