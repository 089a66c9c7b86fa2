package node

import (
	"sync"
	"sync/atomic"

	"lumesync/pkg/model"
)

// SchedulerConfig tunes the apply-at queue. Zero values pick defaults.
type SchedulerConfig struct {
	Capacity int // fixed queue capacity
	MaxDrain int // bounded pops per render frame
}

func (c *SchedulerConfig) defaults() {
	if c.Capacity == 0 {
		c.Capacity = 64
	}
	if c.MaxDrain == 0 {
		c.MaxDrain = 8
	}
}

// Scheduler is the bounded, deadline-ordered queue between the packet
// receive path and the render loop. The backing array is allocated once;
// steady state never touches the heap. Both Enqueue and Drain use a
// try-lock so neither side can stall the other: a contended Enqueue is
// skipped for that packet, a contended Drain returns 0 for that frame.
type Scheduler struct {
	mu    sync.Mutex
	cfg   SchedulerConfig
	items []model.Command // binary min-heap on DeadlineUs

	expect uint32
	synced bool

	stats   model.SchedulerStats
	skipped atomic.Uint64 // bumped outside the lock on contention
}

// NewScheduler builds a scheduler; cfg zero values pick defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		cfg:   cfg,
		items: make([]model.Command, 0, cfg.Capacity),
	}
}

// Enqueue validates sequence continuity and inserts the command at its
// deadline position. Called from the packet-receive context only.
// Returns false when the command was not queued (stale sequence, full
// queue with no same-kind entry to coalesce, or lock contention).
func (s *Scheduler) Enqueue(cmd model.Command) bool {
	if !s.mu.TryLock() {
		// receive path never waits on the render loop
		s.skipped.Add(1)
		return false
	}
	defer s.mu.Unlock()

	if !s.track(cmd.Seq) {
		return false
	}

	if len(s.items) < s.cfg.Capacity {
		s.push(cmd)
		s.stats.Accepted++
		return true
	}

	// full: coalesce onto a pending command of the same kind, latest
	// value wins and the deadline is refreshed
	for i := range s.items {
		if s.items[i].Kind == cmd.Kind {
			s.items[i] = cmd
			s.fix(i)
			s.stats.Coalesced++
			return true
		}
	}
	s.stats.Dropped++
	return false
}

// Track records sequence continuity for a validated packet that has
// nothing to schedule (heartbeats). Every packet consumes a sequence
// number, so skipping these here would count idle ticks as loss.
// Returns false for a duplicate or late sequence.
func (s *Scheduler) Track(seq uint32) bool {
	if !s.mu.TryLock() {
		s.skipped.Add(1)
		return false
	}
	defer s.mu.Unlock()
	if !s.track(seq) {
		return false
	}
	s.stats.Tracked++
	return true
}

// track advances the expected sequence, counting gaps as loss and
// duplicates as late. Caller holds the lock.
func (s *Scheduler) track(seq uint32) bool {
	if !s.synced {
		s.synced = true
		s.expect = seq + 1
		return true
	}
	switch {
	case seq == s.expect:
		s.expect++
	case seqGreater(seq, s.expect):
		s.stats.Lost += uint64(seq - s.expect)
		s.expect = seq + 1
	default:
		// duplicate or late packet
		s.stats.Late++
		return false
	}
	return true
}

// Drain releases every command whose deadline is at or before nowUs, in
// non-decreasing deadline order, up to the per-frame bound. Called only
// from the render-loop boundary; apply must not block.
func (s *Scheduler) Drain(nowUs int64, apply func(*model.Command)) int {
	if !s.mu.TryLock() {
		return 0
	}
	n := 0
	for n < s.cfg.MaxDrain && len(s.items) > 0 && s.items[0].DeadlineUs <= nowUs {
		cmd := s.pop()
		s.stats.Delivered++
		n++
		// apply runs under the lock; it must stay bounded
		apply(&cmd)
	}
	s.mu.Unlock()
	return n
}

// Flush discards all pending commands and resets sequence expectations.
// Used when the control channel drops and the session token is disarmed.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	s.items = s.items[:0]
	s.synced = false
	s.mu.Unlock()
}

// Len reports the number of pending commands.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() model.SchedulerStats {
	s.mu.Lock()
	out := s.stats
	s.mu.Unlock()
	out.Skipped = s.skipped.Load()
	return out
}

// heap helpers; ordered by DeadlineUs, ties broken by sequence so equal
// deadlines still drain in arrival order.

func cmdLess(a, b *model.Command) bool {
	if a.DeadlineUs != b.DeadlineUs {
		return a.DeadlineUs < b.DeadlineUs
	}
	return seqGreater(b.Seq, a.Seq)
}

func (s *Scheduler) push(cmd model.Command) {
	s.items = append(s.items, cmd)
	s.up(len(s.items) - 1)
}

func (s *Scheduler) pop() model.Command {
	top := s.items[0]
	last := len(s.items) - 1
	s.items[0] = s.items[last]
	s.items = s.items[:last]
	if last > 0 {
		s.down(0)
	}
	return top
}

func (s *Scheduler) fix(i int) {
	s.up(i)
	s.down(i)
}

func (s *Scheduler) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !cmdLess(&s.items[i], &s.items[parent]) {
			return
		}
		s.items[i], s.items[parent] = s.items[parent], s.items[i]
		i = parent
	}
}

func (s *Scheduler) down(i int) {
	n := len(s.items)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		smallest := left
		if right := left + 1; right < n && cmdLess(&s.items[right], &s.items[left]) {
			smallest = right
		}
		if !cmdLess(&s.items[smallest], &s.items[i]) {
			return
		}
		s.items[i], s.items[smallest] = s.items[smallest], s.items[i]
		i = smallest
	}
}

// seqGreater compares sequence numbers. Sequences restart only with a
// new session, so plain ordering is sufficient.
func seqGreater(a, b uint32) bool { return a > b }
