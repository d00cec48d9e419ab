package fragment

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"meshlink/internal/clock"
)

const testMTU = 64

func roundTrip(t *testing.T, payload []byte, mtu int) {
	t.Helper()
	var msgID [16]byte
	msgID[0] = 0x42
	chunks, err := Split(msgID, payload, mtu)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	for _, c := range chunks {
		if len(c) > mtu {
			t.Fatalf("chunk exceeds mtu: %d > %d", len(c), mtu)
		}
		if !IsChunk(c) {
			t.Fatalf("chunk not recognized")
		}
	}
	r := NewReassembler(Options{})
	var got []byte
	done := false
	// deliver in reverse to exercise out-of-order arrival
	for i := len(chunks) - 1; i >= 0; i-- {
		out, err := r.Accept(chunks[i])
		if err != nil {
			t.Fatalf("accept failed: %v", err)
		}
		if out != nil {
			got = out
			done = true
		}
	}
	if !done {
		t.Fatalf("message never completed")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	slice := testMTU - HeaderSize
	sizes := []int{0, 1, slice - 1, slice, slice + 1, 10 * slice}
	for _, n := range sizes {
		payload := make([]byte, n)
		if _, err := rand.Read(payload); err != nil {
			t.Fatalf("rand: %v", err)
		}
		roundTrip(t, payload, testMTU)
	}
}

func TestSplitRejectsTinyMTU(t *testing.T) {
	var msgID [16]byte
	if _, err := Split(msgID, []byte("x"), HeaderSize); err == nil {
		t.Fatalf("expected mtu rejection")
	}
}

func TestDuplicateChunksIgnored(t *testing.T) {
	var msgID [16]byte
	payload := bytes.Repeat([]byte{0xab}, 3*(testMTU-HeaderSize))
	chunks, err := Split(msgID, payload, testMTU)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	r := NewReassembler(Options{})
	if _, err := r.Accept(chunks[0]); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out, err := r.Accept(chunks[0]); err != nil || out != nil {
		t.Fatalf("duplicate should be ignored, got out=%v err=%v", out, err)
	}
	if _, err := r.Accept(chunks[1]); err != nil {
		t.Fatalf("accept: %v", err)
	}
	out, err := r.Accept(chunks[2])
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestSweepEvictsStalePartials(t *testing.T) {
	clk := clock.NewFake(time.Unix(5000, 0))
	r := NewReassembler(Options{Clock: clk, IdleTimeout: 10 * time.Second})
	var msgID [16]byte
	chunks, err := Split(msgID, bytes.Repeat([]byte{0x01}, 2*(testMTU-HeaderSize)), testMTU)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if _, err := r.Accept(chunks[0]); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("expected one pending buffer")
	}
	clk.Advance(5 * time.Second)
	if n := r.Sweep(); n != 0 {
		t.Fatalf("premature eviction")
	}
	clk.Advance(6 * time.Second)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected eviction, got %d", n)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("buffer survived sweep")
	}
}

func TestAcceptRejectsGarbage(t *testing.T) {
	r := NewReassembler(Options{})
	if _, err := r.Accept([]byte{0x00, 0x01}); err == nil {
		t.Fatalf("expected rejection of non-chunk")
	}
	bad := make([]byte, HeaderSize)
	bad[0] = ChunkMagic
	// total == 0
	if _, err := r.Accept(bad); err == nil {
		t.Fatalf("expected header rejection")
	}
}
