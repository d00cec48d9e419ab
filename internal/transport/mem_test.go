package transport

import (
	"bytes"
	"testing"
)

func TestMemPairDeliversFrames(t *testing.T) {
	a, b := NewMemPair(128)
	var got [][]byte
	b.Bind(Events{OnFrame: func(_ LinkID, frame []byte) {
		got = append(got, frame)
	}})
	a.Up()

	if err := a.Send("mem-b", []byte("one")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send("mem-b", []byte("two")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n := b.Pump(); n != 2 {
		t.Fatalf("pumped %d frames, want 2", n)
	}
	if !bytes.Equal(got[0], []byte("one")) || !bytes.Equal(got[1], []byte("two")) {
		t.Fatalf("frames out of order: %q", got)
	}
}

func TestMemRejectsOversizedFrame(t *testing.T) {
	a, _ := NewMemPair(4)
	a.Up()
	if err := a.Send("mem-b", []byte("too large")); err == nil {
		t.Fatalf("expected mtu error")
	}
}

func TestMemLinkLifecycle(t *testing.T) {
	a, b := NewMemPair(64)
	ups, downs := 0, 0
	b.Bind(Events{
		OnLinkUp:   func(LinkID, int) { ups++ },
		OnLinkDown: func(LinkID) { downs++ },
	})
	a.Up()
	if ups != 1 {
		t.Fatalf("expected link up callback")
	}

	if err := a.Send("mem-b", []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	a.Down()
	if downs != 1 {
		t.Fatalf("expected link down callback")
	}
	// frames in flight die with the link
	if n := b.Pump(); n != 0 {
		t.Fatalf("pumped %d frames after down, want 0", n)
	}
	if err := a.Send("mem-b", []byte("y")); err != ErrLinkDown {
		t.Fatalf("expected ErrLinkDown, got %v", err)
	}
}
