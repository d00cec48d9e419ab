package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlink/internal/clock"
	"meshlink/internal/proto"
	"meshlink/internal/spam"
)

func nid(b byte) proto.NodeID {
	var id proto.NodeID
	id[0] = b
	return id
}

func newEnv(msg byte, sender, recipient proto.NodeID) *proto.Envelope {
	var e proto.Envelope
	e.MessageID[0] = msg
	e.Sender = sender
	e.Recipient = recipient
	e.MaxHops = proto.DefaultMaxHops
	e.Payload = []byte("ciphertext")
	return &e
}

func newEngine(self proto.NodeID) *Engine {
	guard := spam.NewGuard(spam.Options{
		Clock:  clock.NewFake(time.Unix(0, 0)),
		SelfID: self,
	})
	return NewEngine(Options{SelfID: self, Guard: guard})
}

func TestRouteDeliversToSelf(t *testing.T) {
	self := nid(1)
	e := newEngine(self)
	env := newEnv(1, nid(2), self)
	d := e.Route(env, nid(2), []proto.NodeID{nid(3)})
	require.Equal(t, DeliverToSelf, d.Outcome)
	require.NotNil(t, d.Envelope)
	// relay never touches the payload
	require.Equal(t, []byte("ciphertext"), d.Envelope.Payload)
}

func TestRouteForwardsAndAppendsHop(t *testing.T) {
	self := nid(1)
	e := newEngine(self)
	env := newEnv(1, nid(2), nid(9))
	d := e.Route(env, nid(2), []proto.NodeID{nid(3), nid(4)})
	require.Equal(t, Forwarded, d.Outcome)
	require.Equal(t, nid(3), d.NextHop)
	require.True(t, d.Envelope.HasVisited(self))
	require.Equal(t, uint8(1), d.Envelope.HopCount)
	// the original envelope is left untouched
	require.False(t, env.HasVisited(self))
	require.Equal(t, []byte("ciphertext"), d.Envelope.Payload)
}

func TestRouteDropsLoopedEnvelope(t *testing.T) {
	self := nid(1)
	e := newEngine(self)
	env := newEnv(1, nid(2), nid(9))
	env.Visited = []proto.NodeID{self}
	env.HopCount = 1
	d := e.Route(env, nid(2), []proto.NodeID{nid(3)})
	require.Equal(t, Dropped, d.Outcome)
	require.Equal(t, DropSpam, d.Reason)
}

func TestRouteDropsTTLExceeded(t *testing.T) {
	self := nid(1)
	e := newEngine(self)
	env := newEnv(1, nid(2), nid(9))
	env.HopCount = env.MaxHops
	d := e.Route(env, nid(2), []proto.NodeID{nid(3)})
	require.Equal(t, Dropped, d.Outcome)
	require.Equal(t, DropTTLExceeded, d.Reason)
}

func TestRouteDropsWhenNoCandidate(t *testing.T) {
	self := nid(1)
	e := newEngine(self)
	env := newEnv(1, nid(2), nid(9))
	env.Visited = []proto.NodeID{nid(3)}
	env.HopCount = 1
	// only candidates: sender, origin, visited node
	d := e.Route(env, nid(2), []proto.NodeID{nid(2), nid(3)})
	require.Equal(t, Dropped, d.Outcome)
	require.Equal(t, DropNoRoute, d.Reason)
}

func TestRouteSkipsVisitedCandidates(t *testing.T) {
	self := nid(1)
	e := newEngine(self)
	env := newEnv(1, nid(2), nid(9))
	env.Visited = []proto.NodeID{nid(3)}
	env.HopCount = 1
	d := e.Route(env, nid(2), []proto.NodeID{nid(3), nid(4)})
	require.Equal(t, Forwarded, d.Outcome)
	require.Equal(t, nid(4), d.NextHop)
}
