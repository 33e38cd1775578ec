package stream

import "time"

// Phase is the coarse-grained stage of the task as derived from the event
// stream.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseThinking  Phase = "thinking"
	PhaseReading   Phase = "reading"
	PhaseExecuting Phase = "executing"
	PhaseVerifying Phase = "verifying"
	PhaseFixing    Phase = "fixing"
	PhaseComplete  Phase = "complete"
)

// ParsePhase maps a wire phase string onto a known Phase. The bool is false
// for phases this client does not understand.
func ParsePhase(s string) (Phase, bool) {
	switch Phase(s) {
	case PhaseIdle, PhaseThinking, PhaseReading, PhaseExecuting, PhaseVerifying, PhaseFixing, PhaseComplete:
		return Phase(s), true
	}
	return PhaseIdle, false
}

// Activity is one observable unit of agent work with a
// running -> done|error lifecycle.
type Activity struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Label     string         `json:"label,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	FilePath  string         `json:"filePath,omitempty"`
	ToolID    string         `json:"toolId,omitempty"`
	Status    ActivityStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  *uint64        `json:"sequence,omitempty"`
}

type NarrativeEntry struct {
	Text      string    `json:"text"`
	Tag       string    `json:"tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the derived snapshot of one task's progress. It is owned by a
// single session; the reducer never mutates a State in place.
type State struct {
	Phase          Phase                `json:"phase"`
	Activities     []Activity           `json:"activities"`
	Narratives     []NarrativeEntry     `json:"narratives"`
	DetectedIntent *Intent              `json:"detected_intent,omitempty"`
	FilesRead      []string             `json:"files_read"`
	FilesModified  []string             `json:"files_modified"`
	FilesCreated   []string             `json:"files_created"`
	Commands       []string             `json:"commands"`
	ToolOutputs    []ToolOutput         `json:"tool_outputs,omitempty"`
	Verification   []VerificationResult `json:"verification,omitempty"`
	Verified       *bool                `json:"verified,omitempty"`
	FixAttempts    int                  `json:"fix_attempts"`
	IsThinking     bool                 `json:"is_thinking"`
	LastError      string               `json:"last_error,omitempty"`
}

// NewState returns the initial snapshot for a fresh task.
func NewState() State {
	return State{Phase: PhaseIdle}
}

// clone copies the slices the reducer may append to, so a returned State
// never aliases its predecessor's backing arrays.
func (s State) clone() State {
	next := s
	next.Activities = append([]Activity(nil), s.Activities...)
	next.Narratives = append([]NarrativeEntry(nil), s.Narratives...)
	next.FilesRead = append([]string(nil), s.FilesRead...)
	next.FilesModified = append([]string(nil), s.FilesModified...)
	next.FilesCreated = append([]string(nil), s.FilesCreated...)
	next.Commands = append([]string(nil), s.Commands...)
	next.ToolOutputs = append([]ToolOutput(nil), s.ToolOutputs...)
	next.Verification = append([]VerificationResult(nil), s.Verification...)
	return next
}

// appendUnique appends path unless it is already present, preserving
// insertion order.
func appendUnique(paths []string, path string) []string {
	if path == "" {
		return paths
	}
	for _, existing := range paths {
		if existing == path {
			return paths
		}
	}
	return append(paths, path)
}

func uniquePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = appendUnique(out, p)
	}
	return out
}
