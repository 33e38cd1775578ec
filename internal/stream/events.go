package stream

// Wire types for the progress stream emitted by the task server. Each
// message carries exactly one payload field; Kind reports which one.

type EventKind string

const (
	KindActivity     EventKind = "activity"
	KindNarrative    EventKind = "narrative"
	KindThinking     EventKind = "thinking"
	KindIntent       EventKind = "intent"
	KindContent      EventKind = "content"
	KindToolOutput   EventKind = "tool_output"
	KindDone         EventKind = "done"
	KindVerification EventKind = "verification"
	KindFixing       EventKind = "fixing"
	KindPhaseChange  EventKind = "phase_change"
	KindError        EventKind = "error"
	KindUnknown      EventKind = ""
)

// Event is one message from the server. Sequence, when present, is a
// monotonic counter assigned server-side; the Sequencer uses it to restore
// delivery order.
type Event struct {
	Sequence *uint64 `json:"sequence,omitempty"`

	Activity     *ActivityPayload     `json:"activity,omitempty"`
	Narrative    *string              `json:"narrative,omitempty"`
	Thinking     *string              `json:"thinking,omitempty"`
	Intent       *Intent              `json:"intent,omitempty"`
	Content      *string              `json:"content,omitempty"`
	ToolOutput   *ToolOutput          `json:"tool_output,omitempty"`
	Done         *DoneSummary         `json:"done,omitempty"`
	Verification *VerificationPayload `json:"verification,omitempty"`
	Fixing       *FixingPayload       `json:"fixing,omitempty"`
	PhaseChange  *PhaseChangePayload  `json:"phase_change,omitempty"`
	Error        *string              `json:"error,omitempty"`
}

// Kind returns the discriminant for the single populated payload, or
// KindUnknown when zero or more than one payload is set.
func (e Event) Kind() EventKind {
	var kinds []EventKind
	if e.Activity != nil {
		kinds = append(kinds, KindActivity)
	}
	if e.Narrative != nil {
		kinds = append(kinds, KindNarrative)
	}
	if e.Thinking != nil {
		kinds = append(kinds, KindThinking)
	}
	if e.Intent != nil {
		kinds = append(kinds, KindIntent)
	}
	if e.Content != nil {
		kinds = append(kinds, KindContent)
	}
	if e.ToolOutput != nil {
		kinds = append(kinds, KindToolOutput)
	}
	if e.Done != nil {
		kinds = append(kinds, KindDone)
	}
	if e.Verification != nil {
		kinds = append(kinds, KindVerification)
	}
	if e.Fixing != nil {
		kinds = append(kinds, KindFixing)
	}
	if e.PhaseChange != nil {
		kinds = append(kinds, KindPhaseChange)
	}
	if e.Error != nil {
		kinds = append(kinds, KindError)
	}
	if len(kinds) != 1 {
		return KindUnknown
	}
	return kinds[0]
}

type ActivityStatus string

const (
	StatusRunning ActivityStatus = "running"
	StatusDone    ActivityStatus = "done"
	StatusError   ActivityStatus = "error"
)

// ActivityPayload uses camelCase for filePath and toolId on the wire,
// unlike the sibling snake_case payloads.
type ActivityPayload struct {
	Kind     string         `json:"kind"`
	Label    string         `json:"label,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	FilePath string         `json:"filePath,omitempty"`
	ToolID   string         `json:"toolId,omitempty"`
	Status   ActivityStatus `json:"status"`
	Sequence *uint64        `json:"sequence,omitempty"`
}

type Intent struct {
	Family     string  `json:"family"`
	Kind       string  `json:"kind"`
	Confidence float64 `json:"confidence"`
}

type ToolOutput struct {
	Type    string `json:"type"` // stdout|stderr|file_content
	Content string `json:"content"`
	Path    string `json:"path,omitempty"`
}

type DoneSummary struct {
	TaskID               string   `json:"task_id"`
	Iterations           int      `json:"iterations"`
	FilesRead            []string `json:"files_read"`
	FilesModified        []string `json:"files_modified"`
	FilesCreated         []string `json:"files_created"`
	CommandsRun          []string `json:"commands_run"`
	VerificationPassed   *bool    `json:"verification_passed,omitempty"`
	VerificationAttempts int      `json:"verification_attempts,omitempty"`
	MaxIterationsReached bool     `json:"max_iterations_reached,omitempty"`
}

type VerificationPayload struct {
	Status   string               `json:"status"` // running|complete
	Success  *bool                `json:"success,omitempty"`
	Commands []string             `json:"commands,omitempty"`
	Results  []VerificationResult `json:"results,omitempty"`
}

type VerificationResult struct {
	Command string `json:"command"`
	Passed  bool   `json:"passed"`
	Output  string `json:"output,omitempty"`
}

type FixingPayload struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

type PhaseChangePayload struct {
	Phase string `json:"phase"`
}
