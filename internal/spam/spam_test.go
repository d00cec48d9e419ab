package spam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlink/internal/clock"
	"meshlink/internal/proto"
)

func nid(b byte) proto.NodeID {
	var id proto.NodeID
	id[0] = b
	return id
}

func env(msgByte byte, sender proto.NodeID) *proto.Envelope {
	var e proto.Envelope
	e.MessageID[0] = msgByte
	e.Sender = sender
	e.Recipient = nid(0xee)
	e.MaxHops = proto.DefaultMaxHops
	return &e
}

func newGuard(clk clock.Clock) *Guard {
	return NewGuard(Options{
		Clock:  clk,
		SelfID: nid(0x01),
	})
}

func TestAdmitRejectsOversize(t *testing.T) {
	g := newGuard(clock.NewFake(time.Unix(0, 0)))
	err := g.Admit(env(1, nid(2)), nid(2), DefaultMaxEnvelopeSize+1)
	reason, ok := RejectReason(err)
	require.True(t, ok)
	require.Equal(t, ReasonSize, reason)
}

func TestAdmitRejectsLoop(t *testing.T) {
	g := newGuard(clock.NewFake(time.Unix(0, 0)))
	e := env(1, nid(2))
	e.Visited = []proto.NodeID{nid(0x01)} // self already on path
	err := g.Admit(e, nid(2), 100)
	reason, ok := RejectReason(err)
	require.True(t, ok)
	require.Equal(t, ReasonLoop, reason)
}

func TestAdmitRejectsDuplicate(t *testing.T) {
	g := newGuard(clock.NewFake(time.Unix(0, 0)))
	require.NoError(t, g.Admit(env(1, nid(2)), nid(2), 100))
	err := g.Admit(env(1, nid(2)), nid(2), 100)
	reason, ok := RejectReason(err)
	require.True(t, ok)
	require.Equal(t, ReasonDuplicate, reason)
}

func TestSenderRateLimitEleventhRejected(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	g := newGuard(clk)
	sender := nid(2)
	rejected := 0
	for i := 0; i < 11; i++ {
		clk.Advance(time.Second)
		err := g.Admit(env(byte(i+10), sender), sender, 100)
		if err != nil {
			reason, ok := RejectReason(err)
			require.True(t, ok)
			require.Equal(t, ReasonRate, reason)
			rejected++
		}
	}
	require.Equal(t, 1, rejected)
}

func TestSenderRateWindowSlides(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	g := newGuard(clk)
	sender := nid(2)
	for i := 0; i < DefaultSenderPerHour; i++ {
		clk.Advance(time.Second)
		require.NoError(t, g.Admit(env(byte(i+10), sender), sender, 100))
	}
	err := g.Admit(env(0xaa, sender), sender, 100)
	require.ErrorIs(t, err, ErrRejected)

	clk.Advance(time.Hour + time.Minute)
	require.NoError(t, g.Admit(env(0xbb, sender), sender, 100))
}

func TestGlobalRateLimit(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	g := newGuard(clk)
	n := 0
	// spread across senders so the per-sender limit never trips
	for s := byte(2); s < 12; s++ {
		for i := 0; i < 5; i++ {
			clk.Advance(time.Second)
			require.NoError(t, g.Admit(env(byte(n), nid(s)), nid(s), 100))
			n++
		}
	}
	err := g.Admit(env(0xfe, nid(20)), nid(20), 100)
	reason, ok := RejectReason(err)
	require.True(t, ok)
	require.Equal(t, ReasonRate, reason)
}

func TestTrustScoreAdjustments(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	trust, err := NewTrustTable(TrustOptions{Clock: clk})
	require.NoError(t, err)
	g := NewGuard(Options{Clock: clk, SelfID: nid(1), Trust: trust})
	sender := nid(2)

	require.NoError(t, g.Admit(env(1, sender), sender, 100))
	require.Greater(t, trust.Score(sender), initialTrust)

	// duplicate triggers a reject and a larger decrement
	before := trust.Score(sender)
	_ = g.Admit(env(1, sender), sender, 100)
	require.Less(t, trust.Score(sender), before)

	rec, ok := trust.Get(sender)
	require.True(t, ok)
	require.Equal(t, 1, rec.BlockedCount)
}

func TestTrustScoreClamped(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	trust, err := NewTrustTable(TrustOptions{Clock: clk})
	require.NoError(t, err)
	sender := nid(2)
	for i := 0; i < 20; i++ {
		trust.RecordReject(sender)
	}
	require.Equal(t, 0.0, trust.Score(sender))
	for i := 0; i < 200; i++ {
		trust.RecordAccept(sender)
	}
	require.Equal(t, 1.0, trust.Score(sender))
}
