package checkpoint

import (
	"sync"
	"testing"
	"time"
)

// manualTimer captures scheduled callbacks so tests control when the
// trailing write fires.
type manualTimer struct {
	mu        sync.Mutex
	callbacks []func()
	delays    []time.Duration
}

func (m *manualTimer) AfterFunc(d time.Duration, f func()) *time.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, f)
	m.delays = append(m.delays, d)
	return time.NewTimer(time.Hour)
}

func (m *manualTimer) fireAll() {
	m.mu.Lock()
	callbacks := m.callbacks
	m.callbacks = nil
	m.mu.Unlock()
	for _, f := range callbacks {
		f()
	}
}

func (m *manualTimer) scheduled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.callbacks)
}

type writeRecorder struct {
	mu     sync.Mutex
	writes []string
}

func (w *writeRecorder) write(_, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, content)
}

func (w *writeRecorder) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.writes...)
}

func TestPersister_BurstCollapsesToLatestValue(t *testing.T) {
	clock := newFakeClock()
	timer := &manualTimer{}
	rec := &writeRecorder{}
	p := NewPersister("sess1", time.Second, rec.write,
		WithPersisterClock(clock.Now),
		WithPersisterTimer(timer.AfterFunc),
	)

	p.Save("a")
	p.Save("b")
	p.Save("c")

	if got := rec.all(); len(got) != 0 {
		t.Fatalf("wrote %v before the interval elapsed, want nothing", got)
	}
	if timer.scheduled() != 1 {
		t.Fatalf("scheduled %d trailing writes, want 1", timer.scheduled())
	}

	clock.Advance(time.Second)
	timer.fireAll()

	got := rec.all()
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("writes = %v, want exactly [c]", got)
	}
}

func TestPersister_WritesImmediatelyAfterQuietWindow(t *testing.T) {
	clock := newFakeClock()
	timer := &manualTimer{}
	rec := &writeRecorder{}
	p := NewPersister("sess1", time.Second, rec.write,
		WithPersisterClock(clock.Now),
		WithPersisterTimer(timer.AfterFunc),
	)

	clock.Advance(2 * time.Second)
	p.Save("a")

	got := rec.all()
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("writes = %v, want immediate [a]", got)
	}
	if timer.scheduled() != 0 {
		t.Fatalf("scheduled %d trailing writes, want 0", timer.scheduled())
	}
}

func TestPersister_TrailingWriteCarriesNewestContent(t *testing.T) {
	clock := newFakeClock()
	timer := &manualTimer{}
	rec := &writeRecorder{}
	p := NewPersister("sess1", time.Second, rec.write,
		WithPersisterClock(clock.Now),
		WithPersisterTimer(timer.AfterFunc),
	)

	p.Save("first")
	p.Save("second") // overwrites the pending value, no extra timer
	if timer.scheduled() != 1 {
		t.Fatalf("scheduled %d timers, want 1", timer.scheduled())
	}

	clock.Advance(time.Second)
	timer.fireAll()
	timer.fireAll() // idempotent: nothing pending anymore

	got := rec.all()
	if len(got) != 1 || got[0] != "second" {
		t.Fatalf("writes = %v, want [second]", got)
	}
}

func TestPersister_FlushDeliversPendingContent(t *testing.T) {
	clock := newFakeClock()
	timer := &manualTimer{}
	rec := &writeRecorder{}
	p := NewPersister("sess1", time.Second, rec.write,
		WithPersisterClock(clock.Now),
		WithPersisterTimer(timer.AfterFunc),
	)

	p.Save("pending")
	p.Flush()
	p.Flush() // second flush has nothing to deliver

	got := rec.all()
	if len(got) != 1 || got[0] != "pending" {
		t.Fatalf("writes = %v, want [pending]", got)
	}
}

func TestPersister_RealTimerDeliversEventually(t *testing.T) {
	rec := &writeRecorder{}
	p := NewPersister("sess1", 10*time.Millisecond, rec.write)

	p.Save("a")
	p.Save("b")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := rec.all(); len(got) == 1 && got[0] == "b" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("writes = %v, want [b] within a second", rec.all())
}
