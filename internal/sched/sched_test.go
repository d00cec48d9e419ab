package sched

import (
	"testing"
	"time"

	"meshlink/internal/clock"
)

func TestFireRunsDueEventsInOrder(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	s := New(clk)
	var order []int
	s.Schedule(2*time.Second, func() { order = append(order, 2) })
	s.Schedule(time.Second, func() { order = append(order, 1) })
	s.Schedule(10*time.Second, func() { order = append(order, 3) })

	if n := s.Fire(); n != 0 {
		t.Fatalf("expected nothing due, fired %d", n)
	}
	clk.Advance(3 * time.Second)
	if n := s.Fire(); n != 2 {
		t.Fatalf("expected 2 events, fired %d", n)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("bad order: %v", order)
	}
	if s.Pending() != 1 {
		t.Fatalf("expected one pending event")
	}
}

func TestCancelPreventsCallback(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	s := New(clk)
	ran := false
	e := s.Schedule(time.Second, func() { ran = true })
	if !s.Cancel(e) {
		t.Fatalf("cancel should succeed before firing")
	}
	clk.Advance(2 * time.Second)
	s.Fire()
	if ran {
		t.Fatalf("cancelled event ran")
	}
	if s.Cancel(e) {
		t.Fatalf("double cancel should report false")
	}
}
