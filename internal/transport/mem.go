package transport

import (
	"fmt"
	"sync"
)

// Mem is an in-process transport endpoint for tests: frames queue up and are
// handed to the peer's callbacks only when Pump is called, so tests control
// interleaving exactly.
type Mem struct {
	mu     sync.Mutex
	name   LinkID
	peer   *Mem
	events Events
	mtu    int
	up     bool
	inbox  [][]byte
}

// NewMemPair wires two endpoints back to back with the given MTU.
func NewMemPair(mtu int) (*Mem, *Mem) {
	a := &Mem{name: "mem-a", mtu: mtu}
	b := &Mem{name: "mem-b", mtu: mtu}
	a.peer = b
	b.peer = a
	return a, b
}

// Bind installs the callbacks. Call before Up.
func (m *Mem) Bind(ev Events) {
	m.mu.Lock()
	m.events = ev
	m.mu.Unlock()
}

// Up marks both directions live and fires OnLinkUp on each end.
func (m *Mem) Up() {
	for _, e := range []*Mem{m, m.peer} {
		e.mu.Lock()
		e.up = true
		ev := e.events
		mtu := e.mtu
		link := e.linkID()
		e.mu.Unlock()
		if ev.OnLinkUp != nil {
			ev.OnLinkUp(link, mtu)
		}
	}
}

// Down severs the link and fires OnLinkDown on each end. Queued frames are
// discarded, the way radio frames in flight are lost.
func (m *Mem) Down() {
	for _, e := range []*Mem{m, m.peer} {
		e.mu.Lock()
		wasUp := e.up
		e.up = false
		e.inbox = nil
		ev := e.events
		link := e.linkID()
		e.mu.Unlock()
		if wasUp && ev.OnLinkDown != nil {
			ev.OnLinkDown(link)
		}
	}
}

func (m *Mem) Send(link LinkID, frame []byte) error {
	m.mu.Lock()
	if !m.up {
		m.mu.Unlock()
		return ErrLinkDown
	}
	if len(frame) > m.mtu {
		m.mu.Unlock()
		return fmt.Errorf("frame of %d bytes exceeds mtu %d", len(frame), m.mtu)
	}
	peer := m.peer
	m.mu.Unlock()

	cp := append([]byte(nil), frame...)
	peer.mu.Lock()
	peer.inbox = append(peer.inbox, cp)
	peer.mu.Unlock()
	return nil
}

func (m *Mem) MTU(LinkID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mtu
}

func (m *Mem) Close() error {
	m.Down()
	return nil
}

// Pump delivers every queued inbound frame to this end's OnFrame callback.
// Returns the number delivered.
func (m *Mem) Pump() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.inbox) == 0 {
			m.mu.Unlock()
			return n
		}
		frame := m.inbox[0]
		m.inbox = m.inbox[1:]
		ev := m.events
		link := m.linkID()
		m.mu.Unlock()
		if ev.OnFrame != nil {
			ev.OnFrame(link, frame)
		}
		n++
	}
}

// linkID names the link from this end's perspective: the peer's name.
func (m *Mem) linkID() LinkID {
	return m.peer.name
}
