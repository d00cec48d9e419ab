// Package sched owns all protocol timers: handshake retries, queue retry
// wakeups and fragment reassembly eviction. Events live in a single heap so
// cancellation is explicit and tests can drive time with a fake clock.
package sched

import (
	"container/heap"
	"sync"
	"time"

	"meshlink/internal/clock"
)

type Event struct {
	at    time.Time
	fn    func()
	index int
	done  bool
}

type eventHeap []*Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *eventHeap) Push(x interface{}) { e := x.(*Event); e.index = len(*h); *h = append(*h, e) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type Scheduler struct {
	mu     sync.Mutex
	clk    clock.Clock
	events eventHeap
	wake   chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.System()
	}
	return &Scheduler{
		clk:  clk,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Schedule registers fn to run once delay has elapsed. The returned event
// can be cancelled until it fires.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Event {
	e := &Event{at: s.clk.Now().Add(delay), fn: fn}
	s.mu.Lock()
	heap.Push(&s.events, e)
	s.mu.Unlock()
	s.kick()
	return e
}

// Cancel removes the event if it has not fired yet. Returns true when the
// callback will not run.
func (s *Scheduler) Cancel(e *Event) bool {
	if e == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.done || e.index < 0 {
		return false
	}
	heap.Remove(&s.events, e.index)
	e.done = true
	return true
}

// Fire runs every event due at or before the clock's current time, in
// deadline order. Tests call it after advancing a fake clock; Run calls it
// from the background loop.
func (s *Scheduler) Fire() int {
	fired := 0
	for {
		s.mu.Lock()
		if len(s.events) == 0 || s.events[0].at.After(s.clk.Now()) {
			s.mu.Unlock()
			return fired
		}
		e := heap.Pop(&s.events).(*Event)
		e.done = true
		s.mu.Unlock()
		e.fn()
		fired++
	}
}

// Run drives the scheduler off the wall clock until Stop is called.
func (s *Scheduler) Run() {
	for {
		s.Fire()
		var wait time.Duration
		s.mu.Lock()
		if len(s.events) == 0 {
			wait = time.Hour
		} else {
			wait = s.events[0].at.Sub(s.clk.Now())
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending reports the number of events not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
