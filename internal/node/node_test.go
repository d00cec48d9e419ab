package node

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlink/internal/clock"
	"meshlink/internal/identity"
	"meshlink/internal/proto"
	"meshlink/internal/queue"
	"meshlink/internal/sched"
	"meshlink/internal/security"
	"meshlink/internal/transport"
)

type end struct {
	n     *Node
	tr    *transport.Mem
	msgs  [][]byte
	from  []proto.NodeID
	peers []*identity.PeerIdentity
}

func newEnd(t *testing.T, name string, clk clock.Clock, sc *sched.Scheduler, tr *transport.Mem, requestPairing bool) *end {
	t.Helper()
	e := &end{tr: tr}
	n, err := New(Config{
		DisplayName:    name,
		NetworkName:    "testnet",
		Clock:          clk,
		Sched:          sc,
		RequestPairing: requestPairing,
		OnMessage: func(from proto.NodeID, payload []byte) {
			e.from = append(e.from, from)
			e.msgs = append(e.msgs, payload)
		},
		OnPeer: func(peer *identity.PeerIdentity) {
			e.peers = append(e.peers, peer)
		},
	})
	require.NoError(t, err)
	e.n = n
	n.Attach(tr)
	tr.Bind(n.Events())
	return e
}

// newLinked wires two nodes back to back over an in-process transport. The
// first node dials, so it drives the handshake.
func newLinked(t *testing.T, mtu int, requestPairing bool) (*end, *end, *clock.Fake, *sched.Scheduler) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	sc := sched.New(clk)
	memA, memB := transport.NewMemPair(mtu)
	a := newEnd(t, "alice", clk, sc, memA, requestPairing)
	b := newEnd(t, "bob", clk, sc, memB, false)
	a.n.MarkDialed("mem-b")
	return a, b, clk, sc
}

func pump(a, b *transport.Mem) {
	for i := 0; i < 64; i++ {
		if a.Pump()+b.Pump() == 0 {
			return
		}
	}
}

func TestPairingReachesHighAndDeliversEncrypted(t *testing.T) {
	a, b, _, _ := newLinked(t, 1024, true)
	a.tr.Up()
	pump(a.tr, b.tr)

	require.Len(t, a.peers, 1)
	require.Len(t, b.peers, 1)
	require.Equal(t, identity.LevelHigh, a.peers[0].Level)
	require.Equal(t, identity.LevelHigh, b.peers[0].Level)

	id, err := a.n.SendMessage(a.peers[0].CurrentID(), []byte("hello mesh"), proto.PriorityNormal)
	require.NoError(t, err)
	pump(a.tr, b.tr)

	require.Len(t, b.msgs, 1)
	require.Equal(t, []byte("hello mesh"), b.msgs[0])
	require.Equal(t, a.n.StaticID(), b.from[0])

	m, ok := a.n.Queue().Get(id)
	require.True(t, ok)
	require.Equal(t, queue.StatusDelivered, m.Status)
}

func TestLargePayloadFragmentsAcrossSmallMTU(t *testing.T) {
	const mtu = 128
	a, b, _, _ := newLinked(t, mtu, true)
	a.tr.Up()
	pump(a.tr, b.tr)
	require.Len(t, a.peers, 1)

	payload := bytes.Repeat([]byte("0123456789"), mtu)
	_, err := a.n.SendMessage(a.peers[0].CurrentID(), payload, proto.PriorityHigh)
	require.NoError(t, err)
	pump(a.tr, b.tr)

	require.Len(t, b.msgs, 1)
	require.Equal(t, payload, b.msgs[0])
}

func TestSendToUnknownPeerFailsClosed(t *testing.T) {
	clk := clock.NewFake(time.Unix(1700000000, 0))
	sc := sched.New(clk)
	n, err := New(Config{DisplayName: "loner", NetworkName: "testnet", Clock: clk, Sched: sc})
	require.NoError(t, err)

	var stranger proto.NodeID
	stranger[0] = 0xee
	_, err = n.SendMessage(stranger, []byte("x"), proto.PriorityNormal)
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestAckTimeoutRetriesUntilAcked(t *testing.T) {
	a, b, clk, sc := newLinked(t, 1024, true)
	a.tr.Up()
	pump(a.tr, b.tr)
	require.Len(t, a.peers, 1)

	id, err := a.n.SendMessage(a.peers[0].CurrentID(), []byte("are you there"), proto.PriorityUrgent)
	require.NoError(t, err)
	// the frame sits undelivered in b's inbox; no ack comes back
	clk.Advance(DefaultAckTimeout)
	sc.Fire()

	m, ok := a.n.Queue().Get(id)
	require.True(t, ok)
	require.Equal(t, queue.StatusRetrying, m.Status)
	require.Equal(t, 1, m.Attempts)

	// backoff elapses, the wake timer resends; the duplicate copy is dropped
	// on the far side and the single delivery is acked
	clk.Advance(queue.DefaultBaseBackoff)
	sc.Fire()
	pump(a.tr, b.tr)

	require.Len(t, b.msgs, 1)
	m, ok = a.n.Queue().Get(id)
	require.True(t, ok)
	require.Equal(t, queue.StatusDelivered, m.Status)
}

func TestQueueReconciliationCarriesHeldMessages(t *testing.T) {
	a, b, _, _ := newLinked(t, 1024, false)

	var third proto.NodeID
	third[0] = 0xcc
	var mid [16]byte
	mid[0] = 0x42
	env := proto.Envelope{
		MessageID: mid,
		Sender:    a.n.SelfID(),
		Recipient: third,
		MaxHops:   proto.DefaultMaxHops,
		Priority:  proto.PriorityNormal,
		Payload:   []byte("opaque ciphertext"),
	}
	wire, err := env.Encode()
	require.NoError(t, err)
	_, err = a.n.Queue().Enqueue(queue.Message{
		ID:        mid,
		Recipient: third,
		Sender:    env.Sender,
		Priority:  env.Priority,
		Envelope:  wire,
		Relayed:   true,
	})
	require.NoError(t, err)

	a.tr.Up()
	pump(a.tr, b.tr)

	_, ok := b.n.Queue().Get(mid)
	require.True(t, ok)
	require.Equal(t, a.n.Queue().Digest(), b.n.Queue().Digest())
}

func TestRejectedEnvelopesLowerSenderTrust(t *testing.T) {
	a, b, _, _ := newLinked(t, 1024, false)
	a.tr.Up()
	pump(a.tr, b.tr)

	// no envelope traffic yet; the sender starts at the neutral score
	base := b.n.Trust().Score(a.n.SelfID())

	_, err := a.n.SendMessage(b.n.SelfID(), []byte("hi"), proto.PriorityNormal)
	require.NoError(t, err)
	pump(a.tr, b.tr)
	require.Len(t, b.msgs, 1)
	accepted := b.n.Trust().Score(a.n.SelfID())
	require.Greater(t, accepted, base)

	// a payload that fails authentication counts against the sender
	var mid [16]byte
	mid[0] = 0x77
	env := proto.Envelope{
		MessageID: mid,
		Sender:    a.n.SelfID(),
		Recipient: b.n.SelfID(),
		MaxHops:   proto.DefaultMaxHops,
		Priority:  proto.PriorityNormal,
		Payload:   []byte("not a ciphertext"),
	}
	wire, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, a.tr.Send("mem-b", wire))
	pump(a.tr, b.tr)
	require.Len(t, b.msgs, 1)
	afterBogus := b.n.Trust().Score(a.n.SelfID())
	require.Less(t, afterBogus, accepted)

	// replaying the same envelope is rejected outright as a duplicate
	require.NoError(t, a.tr.Send("mem-b", wire))
	pump(a.tr, b.tr)
	require.Less(t, b.n.Trust().Score(a.n.SelfID()), afterBogus)
	rec, ok := b.n.Trust().Get(a.n.SelfID())
	require.True(t, ok)
	require.Equal(t, 2, rec.BlockedCount)
}

func TestLinkDownReleasesSessionAndFailsClosed(t *testing.T) {
	a, b, _, _ := newLinked(t, 1024, true)
	a.tr.Up()
	pump(a.tr, b.tr)
	require.Len(t, a.peers, 1)
	peer := a.peers[0].CurrentID()

	a.tr.Down()

	// the peer is still in the contact book, but the session keys are gone;
	// a high-level send must fail rather than fall back to anything weaker
	_, ok := a.n.Registry().Resolve(peer)
	require.True(t, ok)
	_, err := a.n.SendMessage(peer, []byte("x"), proto.PriorityNormal)
	require.ErrorIs(t, err, security.ErrNoSessionKey)
	_ = b
}
