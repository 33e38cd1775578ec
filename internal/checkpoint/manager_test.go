package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced wall clock for grace-period and debounce
// tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// idleTimer never fires; tests that exercise expiry use the lazy clock path.
func idleTimer(time.Duration, func()) *time.Timer {
	return time.NewTimer(time.Hour)
}

// memoryStorage is an in-process Storage that can be switched into a failing
// mode.
type memoryStorage struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{data: map[string][]byte{}}
}

func (s *memoryStorage) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, false
	}
	data, ok := s.data[key]
	return data, ok
}

func (s *memoryStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("storage unavailable")
	}
	s.data[key] = value
	return nil
}

func (s *memoryStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("storage unavailable")
	}
	delete(s.data, key)
	return nil
}

func intPtr(n int) *int { return &n }

func testManager(t *testing.T, storage Storage, clock *fakeClock) *Manager {
	t.Helper()
	m := NewManager(storage,
		WithManagerClock(clock.Now),
		WithTimer(idleTimer),
	)
	t.Cleanup(m.Close)
	return m
}

func TestManager_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, newMemoryStorage(), clock)

	var statuses []Status
	record := func(cp *Checkpoint) {
		if cp == nil {
			t.Fatal("checkpoint operation returned nil")
		}
		statuses = append(statuses, cp.Status)
	}

	record(m.Create("sess1", "msg1", "fix the tests", []string{"read", "edit", "verify"}))
	record(m.UpdateProgress("sess1", ProgressUpdate{CurrentStepIndex: intPtr(2)}))
	record(m.MarkInterrupted("sess1", "network"))

	retries := m.IncrementRetry("sess1")
	if retries != 1 {
		t.Fatalf("retryCount = %d, want 1", retries)
	}
	cp, ok := m.Load(context.Background(), "sess1")
	if !ok {
		t.Fatal("checkpoint missing after retry")
	}
	record(cp)

	want := []Status{StatusRunning, StatusRunning, StatusInterrupted, StatusRunning}
	if len(statuses) != len(want) {
		t.Fatalf("status sequence = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("status[%d] = %q, want %q", i, statuses[i], want[i])
		}
	}
	if cp.CurrentStepIndex != 2 {
		t.Fatalf("currentStepIndex = %d, want 2", cp.CurrentStepIndex)
	}
	if cp.InterruptReason != "network" {
		t.Fatalf("interruptReason = %q, want %q", cp.InterruptReason, "network")
	}
}

func TestManager_UpdateMergesOnlyGivenFields(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, newMemoryStorage(), clock)

	m.Create("sess1", "msg1", "task", []string{"a", "b"})
	m.UpdateProgress("sess1", ProgressUpdate{ModifiedFiles: []string{"x.go"}})
	cp := m.UpdateProgress("sess1", ProgressUpdate{CurrentStepIndex: intPtr(1)})

	if len(cp.ModifiedFiles) != 1 || cp.ModifiedFiles[0] != "x.go" {
		t.Fatalf("modifiedFiles = %v, want [x.go]", cp.ModifiedFiles)
	}
	if cp.TotalSteps != 2 {
		t.Fatalf("totalSteps = %d, want 2", cp.TotalSteps)
	}
}

func TestManager_CompletedIsTerminal(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, newMemoryStorage(), clock)

	m.Create("sess1", "msg1", "task", nil)
	m.MarkCompleted("sess1")

	if cp := m.MarkInterrupted("sess1", "late interrupt"); cp != nil {
		t.Fatalf("interrupt after completion succeeded with status %q", cp.Status)
	}
	if n := m.IncrementRetry("sess1"); n != 0 {
		t.Fatalf("retry after completion returned %d, want 0", n)
	}
	cp, ok := m.Load(context.Background(), "sess1")
	if !ok || cp.Status != StatusCompleted {
		t.Fatalf("checkpoint = %+v, %v; want completed", cp, ok)
	}
}

func TestManager_GracePeriodCleanup(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, newMemoryStorage(), clock)

	m.Create("sess1", "msg1", "task", nil)
	m.MarkCompleted("sess1")

	clock.Advance(59 * time.Second)
	if _, ok := m.Load(context.Background(), "sess1"); !ok {
		t.Fatal("checkpoint must stay loadable within the grace delay")
	}

	clock.Advance(2 * time.Second)
	if _, ok := m.Load(context.Background(), "sess1"); ok {
		t.Fatal("checkpoint must be gone after the grace delay")
	}
}

func TestManager_UpdateWithoutCheckpointIsNoOp(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, newMemoryStorage(), clock)

	if cp := m.UpdateProgress("ghost", ProgressUpdate{CurrentStepIndex: intPtr(1)}); cp != nil {
		t.Fatalf("update on missing checkpoint returned %+v", cp)
	}
}

func TestManager_StorageFailuresAreSwallowed(t *testing.T) {
	clock := newFakeClock()
	storage := newMemoryStorage()
	storage.fail = true
	m := testManager(t, storage, clock)

	// None of these may panic or error out.
	m.Create("sess1", "msg1", "task", nil)
	m.UpdateProgress("sess1", ProgressUpdate{CurrentStepIndex: intPtr(1)})
	m.MarkInterrupted("sess1", "x")
	m.MarkCompleted("sess1")
	m.Delete("sess1")

	if _, ok := m.Load(context.Background(), "sess1"); ok {
		t.Fatal("load must report absent when storage is unavailable")
	}
}

func TestManager_NoopStorageDegradesSilently(t *testing.T) {
	clock := newFakeClock()
	m := testManager(t, NoopStorage{}, clock)

	m.Create("sess1", "msg1", "task", nil)
	if _, ok := m.Load(context.Background(), "sess1"); ok {
		t.Fatal("noop storage must never find a checkpoint")
	}
}

func TestManager_List(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(NewFileStorage(t.TempDir()),
		WithManagerClock(clock.Now),
		WithTimer(idleTimer),
	)
	t.Cleanup(m.Close)

	m.Create("sess1", "m1", "first", nil)
	m.Create("sess2", "m2", "second", nil)

	got := m.List()
	if len(got) != 2 {
		t.Fatalf("List returned %d checkpoints, want 2", len(got))
	}
}
