package app

import (
	"context"
	"sync"
	"time"

	"navi-client/internal/checkpoint"
	"navi-client/internal/logging"
	"navi-client/internal/stream"
)

// Session owns the live progress state for one server-driven task: the
// sequencer, the reduced activity snapshot, the checkpoint mirror and the
// streaming buffer. There is at most one live snapshot per session id;
// Reset replaces it for the next task.
type Session struct {
	ID string

	logger      *logging.Logger
	checkpoints *checkpoint.Manager
	streaming   *checkpoint.StreamingStore

	mu        sync.Mutex
	reducer   *stream.Reducer
	sequencer *stream.Sequencer
	state     stream.State
	persister *checkpoint.Persister
	messageID string
	content   string
	startedAt time.Time

	debounceInterval time.Duration
	now              func() time.Time
}

// SessionConfig wires the session's collaborators. Zero values degrade to
// no-ops: a nil checkpoint manager skips checkpointing, a nil streaming
// store skips the buffer.
type SessionConfig struct {
	Logger           *logging.Logger
	Checkpoints      *checkpoint.Manager
	Streaming        *checkpoint.StreamingStore
	DebounceInterval time.Duration
	Clock            func() time.Time
}

func NewSession(id string, cfg SessionConfig) *Session {
	s := &Session{
		ID:               id,
		logger:           cfg.Logger,
		checkpoints:      cfg.Checkpoints,
		streaming:        cfg.Streaming,
		reducer:          stream.NewReducer(),
		state:            stream.NewState(),
		debounceInterval: cfg.DebounceInterval,
		now:              cfg.Clock,
	}
	if s.debounceInterval <= 0 {
		s.debounceInterval = checkpoint.DefaultDebounceInterval
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	s.sequencer = stream.NewSequencer(s.applyEvent)
	return s
}

// Begin starts tracking a new task: a fresh checkpoint, a fresh streaming
// buffer and a fresh debounced content writer.
func (s *Session) Begin(messageID, userMessage string, steps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persister != nil {
		// Drain the previous task's writer before Create, so no trailing
		// write lands in the fresh checkpoint.
		s.persister.Flush()
	}
	s.messageID = messageID
	s.content = ""
	s.startedAt = s.now()
	s.state = stream.NewState()
	s.sequencer.Reset()
	s.persister = checkpoint.NewPersister(s.ID, s.debounceInterval, s.persistContent)

	if s.checkpoints != nil {
		s.checkpoints.Create(s.ID, messageID, userMessage, steps)
	}
	if s.streaming != nil {
		s.streaming.Put(checkpoint.StreamingState{
			SessionID: s.ID,
			MessageID: messageID,
			StartedAt: s.startedAt,
		})
	}
}

// HandleRaw parses one wire message and folds it in. Malformed messages are
// logged and dropped; they never reach the reducer.
func (s *Session) HandleRaw(data []byte) error {
	evt, err := stream.ParseEvent(data)
	if err != nil {
		s.logger.Warn("dropping malformed event", map[string]interface{}{
			"session_id": s.ID, "error": err.Error(),
		})
		return err
	}
	s.Handle(evt)
	return nil
}

// Handle routes one parsed event through the sequencer. Sequenced events
// fold strictly in ascending order; the rest apply in arrival order.
func (s *Session) Handle(evt stream.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequencer.Submit(evt)
}

// applyEvent folds one in-order event and mirrors the side effects into the
// checkpoint and streaming buffer. Runs with s.mu held.
func (s *Session) applyEvent(evt stream.Event) {
	s.state = s.reducer.Reduce(s.state, evt)

	switch evt.Kind() {
	case stream.KindContent:
		s.content += *evt.Content
		if s.persister != nil {
			s.persister.Save(s.content)
		}
	case stream.KindDone:
		s.finishLocked()
	}

	s.mirrorLocked()
}

// mirrorLocked pushes the derived state into the streaming buffer and the
// checkpoint progress fields.
func (s *Session) mirrorLocked() {
	if s.streaming != nil {
		s.streaming.Put(checkpoint.StreamingState{
			SessionID:  s.ID,
			MessageID:  s.messageID,
			Content:    s.content,
			Activities: s.state.Activities,
			Narratives: s.state.Narratives,
			Thinking:   thinkingDetail(s.state),
			StartedAt:  s.startedAt,
			IsComplete: s.state.Phase == stream.PhaseComplete,
		})
	}
	if s.checkpoints != nil && s.state.Phase != stream.PhaseComplete {
		s.checkpoints.UpdateProgress(s.ID, checkpoint.ProgressUpdate{
			ModifiedFiles:    s.state.FilesModified,
			ExecutedCommands: s.state.Commands,
		})
	}
}

func (s *Session) finishLocked() {
	if s.persister != nil {
		s.persister.Flush()
	}
	if s.checkpoints != nil {
		s.checkpoints.MarkCompleted(s.ID)
	}
	if s.streaming != nil {
		s.streaming.Complete(s.ID)
	}
}

// Interrupt records an abnormal termination, flushing pending content first
// so the checkpoint carries the latest partial text.
func (s *Session) Interrupt(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persister != nil {
		s.persister.Flush()
	}
	if s.checkpoints != nil {
		s.checkpoints.MarkInterrupted(s.ID, reason)
	}
}

// Resume loads the session's checkpoint and bumps its retry count, returning
// the checkpoint to rebuild task context from. The second result is false
// when there is nothing to resume.
func (s *Session) Resume(ctx context.Context) (*checkpoint.Checkpoint, bool) {
	if s.checkpoints == nil {
		return nil, false
	}
	cp, ok := s.checkpoints.Load(ctx, s.ID)
	if !ok || cp.Status != checkpoint.StatusInterrupted {
		return nil, false
	}
	s.checkpoints.IncrementRetry(s.ID)
	cp, ok = s.checkpoints.Load(ctx, s.ID)
	return cp, ok
}

// Reset discards the current snapshot and rewinds the sequence cursor for
// the next task. In-flight remote sync is not cancelled; a stale response
// is simply ignored.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persister != nil {
		s.persister.Flush()
		s.persister = nil
	}
	s.state = stream.NewState()
	s.sequencer.Reset()
	s.content = ""
	s.messageID = ""
}

// Snapshot returns the current derived state for renderers. The reducer
// never mutates a returned state, so sharing the slices is safe.
func (s *Session) Snapshot() stream.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Content returns the accumulated streamed response text.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content
}

// persistContent is the debounced write target for streamed text.
func (s *Session) persistContent(sessionID, content string) {
	if s.checkpoints != nil {
		s.checkpoints.UpdateProgress(sessionID, checkpoint.ProgressUpdate{
			PartialContent: &content,
		})
	}
}

func thinkingDetail(state stream.State) string {
	for i := len(state.Activities) - 1; i >= 0; i-- {
		if state.Activities[i].Kind == "thinking" {
			return state.Activities[i].Detail
		}
	}
	return ""
}
