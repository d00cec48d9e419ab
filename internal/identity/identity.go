package identity

import (
	"time"

	"meshlink/internal/crypto"
	"meshlink/internal/proto"
)

type SecurityLevel int

const (
	LevelLow SecurityLevel = iota
	LevelMedium
	LevelHigh
)

func (l SecurityLevel) String() string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	default:
		return "low"
	}
}

// PeerIdentity is one remote node as known right now. EphemeralID rotates
// every session; StaticPub is set at most once, by key verification, and is
// immutable afterward.
type PeerIdentity struct {
	EphemeralID proto.NodeID
	StaticPub   []byte
	DisplayName string
	Level       SecurityLevel
	FirstSeen   time.Time
	LastSeen    time.Time
}

// StaticNodeID derives the stable wire id from a static public key.
func StaticNodeID(pub []byte) proto.NodeID {
	var id proto.NodeID
	copy(id[:], crypto.KDF("meshlink:nodeid:v1", pub))
	return id
}

// CurrentID dereferences through "persistent key if set, else ephemeral id".
// Components that key state by identity must use this, not EphemeralID.
func (p *PeerIdentity) CurrentID() proto.NodeID {
	if len(p.StaticPub) > 0 {
		return StaticNodeID(p.StaticPub)
	}
	return p.EphemeralID
}

func (p *PeerIdentity) Verified() bool {
	return len(p.StaticPub) > 0
}
