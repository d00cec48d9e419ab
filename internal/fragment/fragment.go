// Package fragment adapts arbitrary-sized wire units to a small transport
// MTU. Chunks are self-describing; reassembly tolerates duplicates and
// out-of-order arrival and evicts stale partial buffers.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshlink/internal/clock"
)

// Chunk wire layout: [magic:1][message_id:16][seq:2][total:2][slice].
// The magic byte sits outside the frame flag space so a receiver can tell a
// chunk from a whole frame by its first byte.
const (
	ChunkMagic   = 0xF7
	HeaderSize   = 1 + 16 + 2 + 2
	MinMTU       = HeaderSize + 1
	maxChunks    = 0xFFFF
	DefaultIdle  = 30 * time.Second
	DefaultCap   = 256
	MaxTotalSize = 1 << 20
)

var (
	ErrMTUTooSmall        = errors.New("mtu too small for chunk header")
	ErrTooManyChunks      = errors.New("payload needs too many chunks")
	ErrReassemblyTimeout  = errors.New("reassembly timed out")
	ErrNotChunk           = errors.New("not a fragment chunk")
	ErrChunkHeaderInvalid = errors.New("invalid chunk header")
)

// IsChunk reports whether a received wire unit is a fragment chunk.
func IsChunk(data []byte) bool {
	return len(data) >= HeaderSize && data[0] == ChunkMagic
}

// Split cuts payload into MTU-sized chunks tagged with msgID. A payload that
// already fits yields a single chunk; an empty payload yields one empty
// chunk so zero-length messages still round-trip.
func Split(msgID [16]byte, payload []byte, mtu int) ([][]byte, error) {
	if mtu < MinMTU {
		return nil, ErrMTUTooSmall
	}
	slice := mtu - HeaderSize
	total := (len(payload) + slice - 1) / slice
	if total == 0 {
		total = 1
	}
	if total > maxChunks {
		return nil, ErrTooManyChunks
	}
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * slice
		hi := lo + slice
		if hi > len(payload) {
			hi = len(payload)
		}
		chunk := make([]byte, HeaderSize+hi-lo)
		chunk[0] = ChunkMagic
		copy(chunk[1:17], msgID[:])
		binary.BigEndian.PutUint16(chunk[17:19], uint16(i))
		binary.BigEndian.PutUint16(chunk[19:21], uint16(total))
		copy(chunk[HeaderSize:], payload[lo:hi])
		out = append(out, chunk)
	}
	return out, nil
}

type partial struct {
	total    int
	got      int
	slices   [][]byte
	size     int
	lastSeen time.Time
}

// Reassembler buffers chunks per message id until complete.
type Reassembler struct {
	mu      sync.Mutex
	clk     clock.Clock
	idle    time.Duration
	cap     int
	pending map[[16]byte]*partial
}

type Options struct {
	Clock       clock.Clock
	IdleTimeout time.Duration
	Cap         int
}

func NewReassembler(opts Options) *Reassembler {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdle
	}
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Reassembler{
		clk:     clk,
		idle:    idle,
		cap:     capacity,
		pending: make(map[[16]byte]*partial),
	}
}

// Accept consumes one chunk. When the message completes it returns the
// reassembled payload; otherwise it returns nil. Duplicate chunks are
// ignored; a chunk disagreeing with the recorded total is rejected.
func (r *Reassembler) Accept(chunk []byte) ([]byte, error) {
	if !IsChunk(chunk) {
		return nil, ErrNotChunk
	}
	var msgID [16]byte
	copy(msgID[:], chunk[1:17])
	seq := int(binary.BigEndian.Uint16(chunk[17:19]))
	total := int(binary.BigEndian.Uint16(chunk[19:21]))
	if total == 0 || seq >= total {
		return nil, ErrChunkHeaderInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	p, ok := r.pending[msgID]
	if !ok {
		if len(r.pending) >= r.cap {
			r.evictOldestLocked()
		}
		p = &partial{total: total, slices: make([][]byte, total)}
		r.pending[msgID] = p
	}
	if p.total != total {
		return nil, fmt.Errorf("%w: total changed mid-message", ErrChunkHeaderInvalid)
	}
	p.lastSeen = now
	if p.slices[seq] != nil {
		return nil, nil // duplicate
	}
	body := append([]byte(nil), chunk[HeaderSize:]...)
	if p.size+len(body) > MaxTotalSize {
		delete(r.pending, msgID)
		return nil, fmt.Errorf("%w: message too large", ErrChunkHeaderInvalid)
	}
	p.slices[seq] = body
	p.size += len(body)
	p.got++
	if p.got < p.total {
		return nil, nil
	}
	delete(r.pending, msgID)
	out := make([]byte, 0, p.size)
	for _, s := range p.slices {
		out = append(out, s...)
	}
	return out, nil
}

// Sweep drops partial buffers idle past the timeout and returns how many
// were evicted. The node schedules it periodically.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	evicted := 0
	for id, p := range r.pending {
		if now.Sub(p.lastSeen) >= r.idle {
			delete(r.pending, id)
			evicted++
		}
	}
	return evicted
}

// PendingCount reports in-progress reassemblies.
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reassembler) evictOldestLocked() {
	var oldestID [16]byte
	var oldest time.Time
	first := true
	for id, p := range r.pending {
		if first || p.lastSeen.Before(oldest) {
			oldestID = id
			oldest = p.lastSeen
			first = false
		}
	}
	if !first {
		delete(r.pending, oldestID)
	}
}
