package proto

import (
	"encoding/binary"
	"fmt"
)

// Relay envelope wire layout:
//
//	[flags:1][message_id:16][sender:32][recipient:32]
//	[hop_count:1][max_hops:1][priority:1]
//	[path_len:1][visited: 32*path_len]
//	[payload_len: uvarint][payload]
//	[sig_len: uvarint][sig]          (only when FlagSigned)
//
// The payload is opaque end-to-end ciphertext; relays copy it through
// untouched.

const (
	MaxVisitedPath  = 16
	DefaultMaxHops  = 7
	envelopeFixed   = 1 + 16 + 32 + 32 + 3 + 1
	MaxEnvelopeSize = 64 << 10
)

type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

type Envelope struct {
	MessageID [16]byte
	Sender    NodeID
	Recipient NodeID
	HopCount  uint8
	MaxHops   uint8
	Priority  Priority
	Visited   []NodeID
	Payload   []byte
	Sig       []byte
}

func (e *Envelope) HasVisited(id NodeID) bool {
	for _, v := range e.Visited {
		if v == id {
			return true
		}
	}
	return false
}

// AppendHop records the forwarding node and burns one hop. Fails when the
// path would exceed its bound or would pick up a duplicate entry.
func (e *Envelope) AppendHop(id NodeID) error {
	if len(e.Visited) >= MaxVisitedPath {
		return fmt.Errorf("visited path full")
	}
	if e.HasVisited(id) {
		return fmt.Errorf("duplicate node in visited path")
	}
	if e.HopCount == 0xff {
		return fmt.Errorf("hop count overflow")
	}
	e.Visited = append(e.Visited, id)
	e.HopCount++
	return nil
}

// SignedPortion returns the bytes a signature covers: the full encoding with
// the signature and the mutable routing fields (hop count, visited path)
// zeroed, so intermediate relays do not invalidate the origin signature.
func (e *Envelope) SignedPortion() []byte {
	buf := make([]byte, 0, envelopeFixed+len(e.Payload))
	buf = append(buf, e.MessageID[:]...)
	buf = append(buf, e.Sender[:]...)
	buf = append(buf, e.Recipient[:]...)
	buf = append(buf, byte(e.MaxHops), byte(e.Priority))
	buf = append(buf, e.Payload...)
	return buf
}

func (e *Envelope) Encode() ([]byte, error) {
	if len(e.Visited) > MaxVisitedPath {
		return nil, fmt.Errorf("visited path too long")
	}
	flags := byte(FlagHasRecipient)
	if len(e.Sig) > 0 {
		flags |= FlagSigned
	}
	size := envelopeFixed + 32*len(e.Visited) +
		binary.MaxVarintLen32 + len(e.Payload) +
		binary.MaxVarintLen32 + len(e.Sig)
	buf := make([]byte, 0, size)
	buf = append(buf, flags)
	buf = append(buf, e.MessageID[:]...)
	buf = append(buf, e.Sender[:]...)
	buf = append(buf, e.Recipient[:]...)
	buf = append(buf, e.HopCount, e.MaxHops, byte(e.Priority))
	buf = append(buf, byte(len(e.Visited)))
	for _, v := range e.Visited {
		buf = append(buf, v[:]...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(e.Payload)))
	buf = append(buf, e.Payload...)
	if flags&FlagSigned != 0 {
		buf = binary.AppendUvarint(buf, uint64(len(e.Sig)))
		buf = append(buf, e.Sig...)
	}
	if len(buf) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope too large")
	}
	return buf, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if len(data) > MaxEnvelopeSize {
		return e, fmt.Errorf("envelope too large")
	}
	if len(data) < envelopeFixed {
		return e, fmt.Errorf("short envelope")
	}
	flags := data[0]
	if flags&FlagControl != 0 || flags&FlagHasRecipient == 0 {
		return e, fmt.Errorf("bad envelope flags")
	}
	off := 1
	copy(e.MessageID[:], data[off:off+16])
	off += 16
	copy(e.Sender[:], data[off:off+32])
	off += 32
	copy(e.Recipient[:], data[off:off+32])
	off += 32
	e.HopCount = data[off]
	e.MaxHops = data[off+1]
	e.Priority = Priority(data[off+2])
	pathLen := int(data[off+3])
	off += 4
	if pathLen > MaxVisitedPath {
		return e, fmt.Errorf("visited path too long")
	}
	if len(data) < off+32*pathLen {
		return e, fmt.Errorf("truncated visited path")
	}
	seen := make(map[NodeID]struct{}, pathLen)
	for i := 0; i < pathLen; i++ {
		var id NodeID
		copy(id[:], data[off:off+32])
		if _, dup := seen[id]; dup {
			return e, fmt.Errorf("duplicate node in visited path")
		}
		seen[id] = struct{}{}
		e.Visited = append(e.Visited, id)
		off += 32
	}
	plen, n := binary.Uvarint(data[off:])
	if n <= 0 || plen > MaxEnvelopeSize {
		return e, fmt.Errorf("bad payload length")
	}
	off += n
	if len(data) < off+int(plen) {
		return e, fmt.Errorf("truncated payload")
	}
	e.Payload = append([]byte(nil), data[off:off+int(plen)]...)
	off += int(plen)
	if flags&FlagSigned != 0 {
		slen, n := binary.Uvarint(data[off:])
		if n <= 0 || slen > 4096 {
			return e, fmt.Errorf("bad sig length")
		}
		off += n
		if len(data) < off+int(slen) {
			return e, fmt.Errorf("truncated sig")
		}
		e.Sig = append([]byte(nil), data[off:off+int(slen)]...)
		off += int(slen)
	}
	if off != len(data) {
		return e, fmt.Errorf("trailing bytes")
	}
	if e.Priority > PriorityUrgent {
		return e, fmt.Errorf("bad priority")
	}
	return e, nil
}
