package checkpoint

import (
	"sync"
	"time"
)

// DefaultDebounceInterval is the write rate limit for streamed partial
// content.
const DefaultDebounceInterval = 2 * time.Second

// Persister rate-limits high-frequency content writes with a trailing-edge
// debounce. The newest value always wins a scheduled trailing write, and the
// last value passed to Save is guaranteed to be persisted exactly once after
// the interval elapses.
type Persister struct {
	sessionID string
	interval  time.Duration
	write     func(sessionID, content string)

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer

	mu         sync.Mutex
	lastWrite  time.Time
	pending    string
	hasPending bool
	timer      *time.Timer
}

type PersisterOption func(*Persister)

// WithPersisterClock injects the wall clock.
func WithPersisterClock(now func() time.Time) PersisterOption {
	return func(p *Persister) { p.now = now }
}

// WithPersisterTimer injects the timer used for the trailing write.
func WithPersisterTimer(afterFunc func(time.Duration, func()) *time.Timer) PersisterOption {
	return func(p *Persister) { p.afterFunc = afterFunc }
}

// NewPersister returns a debounced writer for the session. write is invoked
// at most once per interval.
func NewPersister(sessionID string, interval time.Duration, write func(sessionID, content string), opts ...PersisterOption) *Persister {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	p := &Persister{
		sessionID: sessionID,
		interval:  interval,
		write:     write,
		now:       func() time.Time { return time.Now().UTC() },
		afterFunc: time.AfterFunc,
	}
	for _, opt := range opts {
		opt(p)
	}
	// Start the window at construction so a burst right after creation
	// collapses into a single trailing write.
	p.lastWrite = p.now()
	return p
}

// Save records content for persistence. If the interval has elapsed since
// the last actual write, content is written immediately; otherwise a single
// trailing write is (re)armed for the remainder of the window, carrying the
// newest content.
func (p *Persister) Save(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	elapsed := now.Sub(p.lastWrite)
	if elapsed >= p.interval {
		p.cancelTimerLocked()
		p.writeLocked(content, now)
		return
	}

	p.pending = content
	p.hasPending = true
	if p.timer == nil {
		p.timer = p.afterFunc(p.interval-elapsed, p.fire)
	}
}

func (p *Persister) fire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = nil
	if !p.hasPending {
		return
	}
	p.writeLocked(p.pending, p.now())
}

// Flush writes any pending content immediately. Callers use it on shutdown
// so the trailing write is never lost.
func (p *Persister) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelTimerLocked()
	if !p.hasPending {
		return
	}
	p.writeLocked(p.pending, p.now())
}

func (p *Persister) writeLocked(content string, now time.Time) {
	p.lastWrite = now
	p.pending = ""
	p.hasPending = false
	p.write(p.sessionID, content)
}

func (p *Persister) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
