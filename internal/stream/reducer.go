package stream

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// thinkingBufferLimit caps the detail of the synthetic "thinking" activity
// to its trailing characters so long reasoning streams cannot grow the
// snapshot without bound.
const thinkingBufferLimit = 500

// Reducer folds events into a State. Reduce is pure with respect to its
// inputs: the previous State is never modified, and a malformed event
// returns it unchanged.
type Reducer struct {
	newID func() string
	now   func() time.Time
}

type ReducerOption func(*Reducer)

// WithIDGenerator replaces the uuid-based id source, mainly for tests that
// want stable ids.
func WithIDGenerator(gen func() string) ReducerOption {
	return func(r *Reducer) { r.newID = gen }
}

// WithClock replaces the wall clock used for activity and narrative
// timestamps.
func WithClock(now func() time.Time) ReducerOption {
	return func(r *Reducer) { r.now = now }
}

func NewReducer(opts ...ReducerOption) *Reducer {
	r := &Reducer{
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reduce returns the snapshot after folding evt into prev.
func (r *Reducer) Reduce(prev State, evt Event) State {
	switch evt.Kind() {
	case KindActivity:
		return r.reduceActivity(prev, *evt.Activity)
	case KindNarrative:
		return r.appendNarrative(prev, *evt.Narrative, "")
	case KindThinking:
		return r.reduceThinking(prev, *evt.Thinking)
	case KindIntent:
		next := prev.clone()
		intent := *evt.Intent
		next.DetectedIntent = &intent
		return next
	case KindContent:
		return r.appendNarrative(prev, *evt.Content, "response")
	case KindToolOutput:
		next := prev.clone()
		next.ToolOutputs = append(next.ToolOutputs, *evt.ToolOutput)
		return next
	case KindDone:
		return r.reduceDone(prev, *evt.Done)
	case KindVerification:
		return r.reduceVerification(prev, *evt.Verification)
	case KindFixing:
		return r.reduceFixing(prev, *evt.Fixing)
	case KindPhaseChange:
		if phase, ok := ParsePhase(evt.PhaseChange.Phase); ok {
			next := prev.clone()
			next.Phase = phase
			return next
		}
		return prev
	case KindError:
		return r.reduceError(prev, *evt.Error)
	}
	return prev
}

// mergeIndex finds the activity an incoming payload should fold into: the
// entry with the same tool id when one is present, otherwise a still-running
// entry with the same kind and detail.
func mergeIndex(activities []Activity, p ActivityPayload) int {
	if p.ToolID != "" {
		for i := range activities {
			if activities[i].ToolID == p.ToolID {
				return i
			}
		}
		return -1
	}
	for i := range activities {
		if activities[i].Kind == p.Kind && activities[i].Detail == p.Detail && activities[i].Status == StatusRunning {
			return i
		}
	}
	return -1
}

func (r *Reducer) reduceActivity(prev State, p ActivityPayload) State {
	next := prev.clone()
	if i := mergeIndex(next.Activities, p); i >= 0 {
		entry := &next.Activities[i]
		entry.Status = p.Status
		if p.Label != "" {
			entry.Label = p.Label
		}
		if p.Detail != "" {
			entry.Detail = p.Detail
		}
		if p.FilePath != "" {
			entry.FilePath = p.FilePath
		}
		if p.Sequence != nil {
			entry.Sequence = p.Sequence
		}
	} else {
		next.Activities = append(next.Activities, Activity{
			ID:        r.newID(),
			Kind:      p.Kind,
			Label:     p.Label,
			Detail:    p.Detail,
			FilePath:  p.FilePath,
			ToolID:    p.ToolID,
			Status:    p.Status,
			Timestamp: r.now(),
			Sequence:  p.Sequence,
		})
	}

	if p.Kind == "read" && p.Status == StatusDone && p.FilePath != "" {
		next.FilesRead = appendUnique(next.FilesRead, p.FilePath)
	}

	switch {
	case p.Kind == "thinking" && p.Status == StatusRunning:
		next.Phase = PhaseThinking
	case p.Kind == "read" && p.Status == StatusRunning:
		next.Phase = PhaseReading
	case p.Kind == "llm_call" || p.Kind == "tool":
		next.Phase = PhaseExecuting
	case p.Kind == "response" && p.Status == StatusDone:
		next.Phase = PhaseComplete
	}
	return next
}

func (r *Reducer) appendNarrative(prev State, text, tag string) State {
	next := prev.clone()
	next.Narratives = append(next.Narratives, NarrativeEntry{
		Text:      text,
		Tag:       tag,
		Timestamp: r.now(),
	})
	return next
}

func (r *Reducer) reduceThinking(prev State, delta string) State {
	next := prev.clone()
	merged := false
	for i := range next.Activities {
		entry := &next.Activities[i]
		if entry.Kind == "thinking" && entry.Status == StatusRunning {
			entry.Detail = tail(entry.Detail+delta, thinkingBufferLimit)
			merged = true
			break
		}
	}
	if !merged {
		next.Activities = append(next.Activities, Activity{
			ID:        r.newID(),
			Kind:      "thinking",
			Label:     "Thinking",
			Detail:    tail(delta, thinkingBufferLimit),
			Status:    StatusRunning,
			Timestamp: r.now(),
		})
	}
	next.IsThinking = true
	next.Phase = PhaseThinking
	return next
}

func (r *Reducer) reduceDone(prev State, summary DoneSummary) State {
	next := prev.clone()
	// The summary is authoritative: it supersedes whatever was tracked
	// incrementally during the stream.
	next.FilesRead = uniquePaths(summary.FilesRead)
	next.FilesModified = uniquePaths(summary.FilesModified)
	next.FilesCreated = uniquePaths(summary.FilesCreated)
	next.Commands = append([]string(nil), summary.CommandsRun...)
	if summary.VerificationPassed != nil {
		passed := *summary.VerificationPassed
		next.Verified = &passed
	}
	for i := range next.Activities {
		if next.Activities[i].Status == StatusRunning {
			next.Activities[i].Status = StatusDone
		}
	}
	next.Phase = PhaseComplete
	next.IsThinking = false
	return next
}

func (r *Reducer) reduceVerification(prev State, p VerificationPayload) State {
	next := prev.clone()
	switch p.Status {
	case "running":
		next.Phase = PhaseVerifying
		next.Activities = append(next.Activities, Activity{
			ID:        r.newID(),
			Kind:      "verify",
			Label:     "Verifying",
			Detail:    strings.Join(p.Commands, ", "),
			Status:    StatusRunning,
			Timestamp: r.now(),
		})
	case "complete":
		success := p.Success != nil && *p.Success
		next.Verification = append([]VerificationResult(nil), p.Results...)
		next.Verified = &success
		status := StatusError
		phase := PhaseFixing
		if success {
			status = StatusDone
			phase = PhaseComplete
		}
		for i := range next.Activities {
			if next.Activities[i].Kind == "verify" && next.Activities[i].Status == StatusRunning {
				next.Activities[i].Status = status
			}
		}
		next.Phase = phase
	default:
		return prev
	}
	return next
}

func (r *Reducer) reduceFixing(prev State, p FixingPayload) State {
	next := prev.clone()
	next.Phase = PhaseFixing
	next.FixAttempts = p.Attempt
	next.Activities = append(next.Activities, Activity{
		ID:        r.newID(),
		Kind:      "fix",
		Label:     "Fixing",
		Detail:    fmt.Sprintf("attempt %d/%d", p.Attempt, p.MaxAttempts),
		Status:    StatusRunning,
		Timestamp: r.now(),
	})
	return next
}

func (r *Reducer) reduceError(prev State, msg string) State {
	next := prev.clone()
	next.LastError = msg
	next.Activities = append(next.Activities, Activity{
		ID:        r.newID(),
		Kind:      "error",
		Label:     "Error",
		Detail:    msg,
		Status:    StatusError,
		Timestamp: r.now(),
	})
	return next
}

// tail keeps the trailing limit characters of s.
func tail(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[len(runes)-limit:])
}
