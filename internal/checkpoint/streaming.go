package checkpoint

import (
	"encoding/json"
	"time"

	"navi-client/internal/stream"
)

// DefaultStreamingClearDelay is how long a completed streaming buffer stays
// readable before it is cleared. Independent of checkpoint grace cleanup.
const DefaultStreamingClearDelay = 5 * time.Second

// StreamingState buffers a partially streamed response. Its lifetime tracks
// the in-flight message, not the checkpoint.
type StreamingState struct {
	SessionID     string                  `json:"session_id"`
	MessageID     string                  `json:"message_id"`
	Content       string                  `json:"content"`
	Activities    []stream.Activity       `json:"activities"`
	Narratives    []stream.NarrativeEntry `json:"narratives"`
	Thinking      string                  `json:"thinking,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
	LastUpdatedAt time.Time               `json:"last_updated_at"`
	IsComplete    bool                    `json:"is_complete"`
}

// StreamingStore persists the per-session streaming buffer, session history
// and draft text. Every operation silently no-ops when the storage backend
// is unavailable.
type StreamingStore struct {
	storage    Storage
	clearDelay time.Duration
	now        func() time.Time
	afterFunc  func(time.Duration, func()) *time.Timer
}

type StreamingStoreOption func(*StreamingStore)

// WithClearDelay overrides the post-completion clear delay.
func WithClearDelay(d time.Duration) StreamingStoreOption {
	return func(s *StreamingStore) { s.clearDelay = d }
}

// WithStreamingClock injects the wall clock.
func WithStreamingClock(now func() time.Time) StreamingStoreOption {
	return func(s *StreamingStore) { s.now = now }
}

// WithStreamingTimer injects the timer used to schedule clearing.
func WithStreamingTimer(afterFunc func(time.Duration, func()) *time.Timer) StreamingStoreOption {
	return func(s *StreamingStore) { s.afterFunc = afterFunc }
}

func NewStreamingStore(storage Storage, opts ...StreamingStoreOption) *StreamingStore {
	s := &StreamingStore{
		storage:    storage,
		clearDelay: DefaultStreamingClearDelay,
		now:        func() time.Time { return time.Now().UTC() },
		afterFunc:  time.AfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func streamingKey(sessionID string) string { return "streaming/" + sessionID }
func historyKey(sessionID string) string   { return "history/" + sessionID }
func draftKey(sessionID string) string     { return "draft/" + sessionID }

// Put stores the current streaming buffer for the session.
func (s *StreamingStore) Put(state StreamingState) {
	state.LastUpdatedAt = s.now()
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = s.storage.Set(streamingKey(state.SessionID), data)
}

// Get returns the streaming buffer. A completed buffer past the clear delay
// is removed and reported as absent.
func (s *StreamingStore) Get(sessionID string) (StreamingState, bool) {
	data, ok := s.storage.Get(streamingKey(sessionID))
	if !ok {
		return StreamingState{}, false
	}
	var state StreamingState
	if err := json.Unmarshal(data, &state); err != nil {
		return StreamingState{}, false
	}
	if state.IsComplete && s.now().After(state.LastUpdatedAt.Add(s.clearDelay)) {
		_ = s.storage.Remove(streamingKey(sessionID))
		return StreamingState{}, false
	}
	return state, true
}

// Complete marks the buffer finished and schedules its clearing.
func (s *StreamingStore) Complete(sessionID string) {
	state, ok := s.Get(sessionID)
	if !ok {
		return
	}
	state.IsComplete = true
	s.Put(state)
	s.afterFunc(s.clearDelay, func() {
		// A new task may have replaced the buffer since completion; only a
		// still-completed buffer is cleared.
		if current, ok := s.Get(sessionID); ok && current.IsComplete {
			s.Clear(sessionID)
		}
	})
}

// Clear removes the streaming buffer immediately.
func (s *StreamingStore) Clear(sessionID string) {
	_ = s.storage.Remove(streamingKey(sessionID))
}

// SaveHistory persists the session-history blob.
func (s *StreamingStore) SaveHistory(sessionID string, entries []string) {
	data, err := json.Marshal(entries)
	if err != nil {
		return
	}
	_ = s.storage.Set(historyKey(sessionID), data)
}

// LoadHistory returns the session-history blob, empty when absent.
func (s *StreamingStore) LoadHistory(sessionID string) []string {
	data, ok := s.storage.Get(historyKey(sessionID))
	if !ok {
		return nil
	}
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil
	}
	return entries
}

// SaveDraft persists per-session draft text.
func (s *StreamingStore) SaveDraft(sessionID, text string) {
	if text == "" {
		_ = s.storage.Remove(draftKey(sessionID))
		return
	}
	_ = s.storage.Set(draftKey(sessionID), []byte(text))
}

// LoadDraft returns the per-session draft text.
func (s *StreamingStore) LoadDraft(sessionID string) string {
	data, ok := s.storage.Get(draftKey(sessionID))
	if !ok {
		return ""
	}
	return string(data)
}
