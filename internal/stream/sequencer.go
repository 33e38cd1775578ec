package stream

import "sort"

// Sequencer restores server delivery order for events that carry a sequence
// number. Events arriving ahead of a gap are buffered and flushed, ascending,
// once the gap fills. Events without a sequence number apply in arrival
// order. Duplicate or stale sequence numbers are re-applied rather than
// rejected; the reducer's merge rules make re-application idempotent.
//
// A gap the server never fills keeps its successors buffered indefinitely.
// Pending and OldestPending expose the buffer so a caller can layer its own
// stall policy on top; the sequencer itself never force-flushes.
type Sequencer struct {
	apply       func(Event)
	lastApplied uint64
	buffered    []Event
}

// NewSequencer wires the given apply callback. Submit invokes it once per
// event, in sequence order for sequenced events.
func NewSequencer(apply func(Event)) *Sequencer {
	return &Sequencer{apply: apply}
}

// Submit routes one event through the ordering gate.
func (s *Sequencer) Submit(evt Event) {
	if evt.Sequence == nil {
		s.apply(evt)
		return
	}
	seq := *evt.Sequence
	switch {
	case seq <= s.lastApplied:
		// Permissive re-application of duplicates and stale events.
		s.apply(evt)
	case seq == s.lastApplied+1:
		s.apply(evt)
		s.lastApplied = seq
		s.flush()
	default:
		s.buffered = append(s.buffered, evt)
	}
}

// flush applies buffered events that are now contiguous with lastApplied.
// Buffered duplicates overtaken by the cursor get the same permissive
// re-application as stale submissions; they must not linger as phantom gaps.
func (s *Sequencer) flush() {
	for len(s.buffered) > 0 {
		sort.Slice(s.buffered, func(i, j int) bool {
			return *s.buffered[i].Sequence < *s.buffered[j].Sequence
		})
		head := s.buffered[0]
		if *head.Sequence > s.lastApplied+1 {
			return
		}
		s.buffered = s.buffered[1:]
		s.apply(head)
		if *head.Sequence > s.lastApplied {
			s.lastApplied = *head.Sequence
		}
	}
}

// Pending reports how many events are waiting behind a sequence gap.
func (s *Sequencer) Pending() int {
	return len(s.buffered)
}

// OldestPending returns the smallest buffered sequence number, if any.
func (s *Sequencer) OldestPending() (uint64, bool) {
	if len(s.buffered) == 0 {
		return 0, false
	}
	oldest := *s.buffered[0].Sequence
	for _, evt := range s.buffered[1:] {
		if *evt.Sequence < oldest {
			oldest = *evt.Sequence
		}
	}
	return oldest, true
}

// Reset drops buffered events and rewinds the sequence cursor for a new
// task.
func (s *Sequencer) Reset() {
	s.lastApplied = 0
	s.buffered = nil
}
