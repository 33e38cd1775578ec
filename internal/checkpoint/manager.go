package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"navi-client/internal/logging"
)

const (
	// DefaultGraceDelay keeps a completed checkpoint loadable for late
	// inspection before it is deleted.
	DefaultGraceDelay = 60 * time.Second

	defaultQueueSize  = 16
	syncAttempts      = 3
	syncRetryBackoff  = 500 * time.Millisecond
	remoteCallTimeout = 10 * time.Second
)

// Manager owns the durable checkpoint for each session. Local writes are
// synchronous and authoritative; remote sync is mirrored through a bounded
// background queue and is always best-effort. Storage failures are logged
// and swallowed so checkpointing degrades to a no-op instead of failing the
// caller.
type Manager struct {
	storage Storage
	remote  *SyncClient
	logger  *logging.Logger

	grace     time.Duration
	now       func() time.Time
	newID     func() string
	afterFunc func(time.Duration, func()) *time.Timer

	onSyncError func(error)

	mu        sync.Mutex
	queue     chan syncOp
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type opKind int

const (
	opUpsert opKind = iota
	opInterrupt
	opComplete
	opDelete
)

type syncOp struct {
	kind      opKind
	sessionID string
	cp        *Checkpoint
	reason    string
}

type ManagerOption func(*Manager)

// WithSync enables remote mirroring through the given client.
func WithSync(client *SyncClient) ManagerOption {
	return func(m *Manager) { m.remote = client }
}

// WithLogger sets the logger for swallowed failures.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithGraceDelay overrides how long a completed checkpoint stays loadable.
func WithGraceDelay(d time.Duration) ManagerOption {
	return func(m *Manager) { m.grace = d }
}

// WithManagerClock injects the wall clock, for tests that simulate time.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithTimer injects the timer used to schedule grace-period deletion.
func WithTimer(afterFunc func(time.Duration, func()) *time.Timer) ManagerOption {
	return func(m *Manager) { m.afterFunc = afterFunc }
}

// WithSyncErrorCallback registers the optional side channel for remote sync
// failures. It never affects the local write path.
func WithSyncErrorCallback(cb func(error)) ManagerOption {
	return func(m *Manager) { m.onSyncError = cb }
}

// WithIDGenerator overrides checkpoint id generation.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.newID = gen }
}

func NewManager(storage Storage, opts ...ManagerOption) *Manager {
	m := &Manager{
		storage:   storage,
		grace:     DefaultGraceDelay,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		afterFunc: time.AfterFunc,
		queue:     make(chan syncOp, defaultQueueSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.remote != nil {
		m.wg.Add(1)
		go m.syncWorker()
	}
	return m
}

// Close stops the background sync worker. Queued operations that have not
// started are dropped.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	if m.remote != nil {
		m.wg.Wait()
	}
}

func checkpointKey(sessionID string) string {
	return "checkpoint/" + sessionID
}

// Create writes a fresh running checkpoint for the session and mirrors it
// remotely.
func (m *Manager) Create(sessionID, messageID, userMessage string, steps []string) *Checkpoint {
	now := m.now()
	cp := &Checkpoint{
		ID:               m.newID(),
		SessionID:        sessionID,
		MessageID:        messageID,
		UserMessage:      userMessage,
		Status:           StatusRunning,
		TotalSteps:       len(steps),
		Steps:            append([]string(nil), steps...),
		ModifiedFiles:    []string{},
		ExecutedCommands: []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.mu.Lock()
	m.saveLocal(cp)
	m.mu.Unlock()
	m.enqueue(syncOp{kind: opUpsert, sessionID: sessionID, cp: cp})
	return cp
}

// UpdateProgress merges the given fields into the session's checkpoint. A
// missing checkpoint makes this a no-op.
func (m *Manager) UpdateProgress(sessionID string, update ProgressUpdate) *Checkpoint {
	m.mu.Lock()
	cp, ok := m.loadLocal(sessionID)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if update.CurrentStepIndex != nil {
		cp.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.TotalSteps != nil {
		cp.TotalSteps = *update.TotalSteps
	}
	if update.Steps != nil {
		cp.Steps = append([]string(nil), update.Steps...)
	}
	if update.ModifiedFiles != nil {
		cp.ModifiedFiles = append([]string(nil), update.ModifiedFiles...)
	}
	if update.ExecutedCommands != nil {
		cp.ExecutedCommands = append([]string(nil), update.ExecutedCommands...)
	}
	if update.PartialContent != nil {
		cp.PartialContent = *update.PartialContent
	}
	cp.UpdatedAt = m.now()
	m.saveLocal(cp)
	m.mu.Unlock()
	m.enqueue(syncOp{kind: opUpsert, sessionID: sessionID, cp: cp})
	return cp
}

// MarkInterrupted records an abnormal termination. Completed and failed
// checkpoints are left alone.
func (m *Manager) MarkInterrupted(sessionID, reason string) *Checkpoint {
	m.mu.Lock()
	cp, ok := m.loadLocal(sessionID)
	if !ok || cp.Status == StatusCompleted || cp.Status == StatusFailed {
		m.mu.Unlock()
		return nil
	}
	now := m.now()
	cp.Status = StatusInterrupted
	cp.InterruptReason = reason
	cp.InterruptedAt = &now
	cp.UpdatedAt = now
	m.saveLocal(cp)
	m.mu.Unlock()
	m.enqueue(syncOp{kind: opInterrupt, sessionID: sessionID, cp: cp, reason: reason})
	return cp
}

// MarkCompleted finishes the checkpoint and schedules its local deletion
// after the grace delay, so late inspection still works.
func (m *Manager) MarkCompleted(sessionID string) *Checkpoint {
	m.mu.Lock()
	cp, ok := m.loadLocal(sessionID)
	if !ok || cp.Status == StatusCompleted {
		m.mu.Unlock()
		return cp
	}
	now := m.now()
	cp.Status = StatusCompleted
	cp.CompletedAt = &now
	cp.UpdatedAt = now
	m.saveLocal(cp)
	m.mu.Unlock()
	m.afterFunc(m.grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if current, ok := m.loadLocal(sessionID); ok && current.Status == StatusCompleted {
			m.removeLocal(sessionID)
		}
	})
	m.enqueue(syncOp{kind: opComplete, sessionID: sessionID, cp: cp})
	return cp
}

// MarkFailed records a terminal failure.
func (m *Manager) MarkFailed(sessionID string) *Checkpoint {
	m.mu.Lock()
	cp, ok := m.loadLocal(sessionID)
	if !ok || cp.Status == StatusCompleted || cp.Status == StatusFailed {
		m.mu.Unlock()
		return nil
	}
	cp.Status = StatusFailed
	cp.UpdatedAt = m.now()
	m.saveLocal(cp)
	m.mu.Unlock()
	m.enqueue(syncOp{kind: opUpsert, sessionID: sessionID, cp: cp})
	return cp
}

// IncrementRetry resumes an interrupted checkpoint and returns the new retry
// count.
func (m *Manager) IncrementRetry(sessionID string) int {
	m.mu.Lock()
	cp, ok := m.loadLocal(sessionID)
	if !ok || cp.Status == StatusCompleted || cp.Status == StatusFailed {
		m.mu.Unlock()
		return 0
	}
	now := m.now()
	cp.RetryCount++
	cp.Status = StatusRunning
	cp.LastRetryAt = &now
	cp.UpdatedAt = now
	m.saveLocal(cp)
	count := cp.RetryCount
	m.mu.Unlock()
	m.enqueue(syncOp{kind: opUpsert, sessionID: sessionID, cp: cp})
	return count
}

// Load fetches the session's checkpoint, remote-first when sync is
// configured. A remote hit is persisted locally as a cache fill; a remote
// failure falls back silently to local storage. Completed checkpoints past
// the grace delay are removed and reported as absent.
func (m *Manager) Load(ctx context.Context, sessionID string) (*Checkpoint, bool) {
	if m.remote != nil {
		if cp, err := m.remote.Fetch(ctx, sessionID); err == nil && cp != nil {
			m.mu.Lock()
			m.saveLocal(cp)
			m.mu.Unlock()
			return m.expireIfStale(cp, sessionID)
		} else if err != nil {
			m.logger.Warn("remote checkpoint fetch failed", map[string]interface{}{
				"session_id": sessionID, "error": err.Error(),
			})
		}
	}
	m.mu.Lock()
	cp, ok := m.loadLocal(sessionID)
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return m.expireIfStale(cp, sessionID)
}

// Delete removes the checkpoint locally and remotely.
func (m *Manager) Delete(sessionID string) {
	m.mu.Lock()
	m.removeLocal(sessionID)
	m.mu.Unlock()
	m.enqueue(syncOp{kind: opDelete, sessionID: sessionID})
}

// List returns every locally stored checkpoint, when the storage backend can
// enumerate keys.
func (m *Manager) List() []Checkpoint {
	lister, ok := m.storage.(Lister)
	if !ok {
		return nil
	}
	var out []Checkpoint
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range lister.Keys("checkpoint/") {
		data, ok := m.storage.Get(key)
		if !ok {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out
}

func (m *Manager) expireIfStale(cp *Checkpoint, sessionID string) (*Checkpoint, bool) {
	if cp.Status == StatusCompleted && cp.CompletedAt != nil && m.now().After(cp.CompletedAt.Add(m.grace)) {
		m.mu.Lock()
		m.removeLocal(sessionID)
		m.mu.Unlock()
		return nil, false
	}
	return cp, true
}

func (m *Manager) saveLocal(cp *Checkpoint) {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return
	}
	if err := m.storage.Set(checkpointKey(cp.SessionID), data); err != nil {
		m.logger.Error("checkpoint write failed", map[string]interface{}{
			"session_id": cp.SessionID, "error": err.Error(),
		})
	}
}

func (m *Manager) loadLocal(sessionID string) (*Checkpoint, bool) {
	data, ok := m.storage.Get(checkpointKey(sessionID))
	if !ok {
		return nil, false
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false
	}
	return &cp, true
}

func (m *Manager) removeLocal(sessionID string) {
	if err := m.storage.Remove(checkpointKey(sessionID)); err != nil {
		m.logger.Error("checkpoint remove failed", map[string]interface{}{
			"session_id": sessionID, "error": err.Error(),
		})
	}
}

// enqueue hands an operation to the sync worker without ever blocking the
// caller. When the queue is full the oldest entry is dropped.
func (m *Manager) enqueue(op syncOp) {
	if m.remote == nil {
		return
	}
	select {
	case <-m.done:
		return
	default:
	}
	for {
		select {
		case m.queue <- op:
			return
		default:
		}
		select {
		case dropped := <-m.queue:
			m.logger.Warn("sync queue full, dropping oldest", map[string]interface{}{
				"session_id": dropped.sessionID,
			})
		default:
		}
	}
}

func (m *Manager) syncWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case op := <-m.queue:
			m.runSync(op)
		}
	}
}

// runSync executes one mirror operation with a bounded retry. Failures end
// up in the log and the optional error callback; they are never surfaced to
// the write path.
func (m *Manager) runSync(op syncOp) {
	var err error
	for attempt := 1; attempt <= syncAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), remoteCallTimeout)
		switch op.kind {
		case opUpsert:
			err = m.remote.Upsert(ctx, op.cp)
		case opInterrupt:
			err = m.remote.Interrupt(ctx, op.sessionID, op.reason)
		case opComplete:
			err = m.remote.Complete(ctx, op.sessionID)
		case opDelete:
			err = m.remote.Delete(ctx, op.sessionID)
		}
		cancel()
		if err == nil {
			return
		}
		select {
		case <-m.done:
			return
		case <-time.After(syncRetryBackoff * time.Duration(attempt)):
		}
	}
	m.logger.Warn("checkpoint sync failed", map[string]interface{}{
		"session_id": op.sessionID, "error": err.Error(),
	})
	if m.onSyncError != nil {
		m.onSyncError(err)
	}
}
