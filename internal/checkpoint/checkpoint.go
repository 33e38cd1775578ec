package checkpoint

import "time"

// Status of a task checkpoint. Transitions form a DAG:
// running -> interrupted -> running (retry) -> completed|failed.
// Nothing moves backward out of completed or failed.
type Status string

const (
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Checkpoint is a durable snapshot of one task's progress, keyed by session.
// Each update supersedes the stored copy wholesale; checkpoints are never
// merged.
type Checkpoint struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	MessageID        string     `json:"message_id"`
	UserMessage      string     `json:"user_message"`
	Status           Status     `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	TotalSteps       int        `json:"total_steps"`
	Steps            []string   `json:"steps"`
	ModifiedFiles    []string   `json:"modified_files"`
	ExecutedCommands []string   `json:"executed_commands"`
	PartialContent   string     `json:"partial_content,omitempty"`
	InterruptedAt    *time.Time `json:"interrupted_at,omitempty"`
	InterruptReason  string     `json:"interrupt_reason,omitempty"`
	RetryCount       int        `json:"retry_count"`
	LastRetryAt      *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// ProgressUpdate carries the fields UpdateProgress merges into a checkpoint.
// Nil pointers and nil slices mean "leave as is".
type ProgressUpdate struct {
	CurrentStepIndex *int
	TotalSteps       *int
	Steps            []string
	ModifiedFiles    []string
	ExecutedCommands []string
	PartialContent   *string
}
