// Package node assembles one mesh participant: transport links, per-link
// handshakes, the relay engine, the encryption policy and the offline queue,
// glued together by a single inbound frame dispatch.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshlink/internal/clock"
	"meshlink/internal/fragment"
	"meshlink/internal/handshake"
	"meshlink/internal/identity"
	"meshlink/internal/proto"
	"meshlink/internal/queue"
	"meshlink/internal/relay"
	"meshlink/internal/sched"
	"meshlink/internal/security"
	"meshlink/internal/spam"
	"meshlink/internal/telemetry"
	"meshlink/internal/transport"
)

const (
	DefaultAckTimeout     = 10 * time.Second
	DefaultMaintenanceGap = time.Minute
)

var ErrUnknownPeer = errors.New("unknown peer")

type Config struct {
	DisplayName string
	NetworkName string
	DataDir     string // "" keeps identity and queue in memory only

	Clock  clock.Clock
	Sched  *sched.Scheduler
	Logger *zap.Logger

	// KeyStore overrides the DataDir-backed store; in-memory when both are
	// unset.
	KeyStore security.KeyStore

	// RequestPairing makes this node ask for the pairing ceremony on links
	// it dialed. AcceptPair and ConfirmPIN are the user decision hooks; nil
	// means yes.
	RequestPairing bool
	AcceptPair     func(displayName string) bool
	ConfirmPIN     func(pin string) bool

	// OnMessage delivers a decrypted inbound payload. OnPeer fires when a
	// link's handshake completes.
	OnMessage func(from proto.NodeID, payload []byte)
	OnPeer    func(peer *identity.PeerIdentity)

	AckTimeout     time.Duration
	MaintenanceGap time.Duration
	MaxHops        uint8
}

// linkState is the per-link slice of node state. The handshake coordinator
// lives and dies with the link.
type linkState struct {
	id       transport.LinkID
	mtu      int
	hs       *handshake.Coordinator
	peer     proto.NodeID
	havePeer bool
	idsSent  bool
}

type Node struct {
	cfg      Config
	log      *zap.Logger
	clk      clock.Clock
	sc       *sched.Scheduler
	ownSched bool

	ephID    proto.NodeID
	staticID proto.NodeID

	ks     security.KeyStore
	reg    *identity.Registry
	sec    *security.Manager
	guard  *spam.Guard
	trust  *spam.TrustTable
	engine *relay.Engine
	q      *queue.Queue
	reasm  *fragment.Reassembler

	tr transport.Transport

	mu      sync.Mutex
	links   map[transport.LinkID]*linkState
	peers   map[proto.NodeID]transport.LinkID
	dialed  map[transport.LinkID]bool
	acks    map[[16]byte]*sched.Event
	wakeEv  *sched.Event
	maintEv *sched.Event
	closed  bool
}

func New(cfg Config) (*Node, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaintenanceGap <= 0 {
		cfg.MaintenanceGap = DefaultMaintenanceGap
	}
	if cfg.MaxHops == 0 {
		cfg.MaxHops = proto.DefaultMaxHops
	}

	var ephID proto.NodeID
	if _, err := rand.Read(ephID[:]); err != nil {
		return nil, err
	}

	ks := cfg.KeyStore
	if ks == nil {
		if cfg.DataDir != "" {
			ks = NewFileKeyStore(filepath.Join(cfg.DataDir, "keys"))
		} else {
			ks = NewMemKeyStore()
		}
	}
	staticPub, _, err := ks.GetOrCreatePersistentKeypair()
	if err != nil {
		return nil, fmt.Errorf("static keypair: %w", err)
	}
	staticID := identity.StaticNodeID(staticPub)

	regPath := ""
	if cfg.DataDir != "" {
		regPath = filepath.Join(cfg.DataDir, "peers.jsonl")
	}
	reg, err := identity.NewRegistry(identity.RegistryOptions{Clock: cfg.Clock, Path: regPath})
	if err != nil {
		return nil, fmt.Errorf("peer registry: %w", err)
	}

	var ledger *queue.Ledger
	if cfg.DataDir != "" {
		ledger, err = queue.OpenLedger(filepath.Join(cfg.DataDir, "queue.jsonl"))
		if err != nil {
			return nil, fmt.Errorf("queue ledger: %w", err)
		}
	}
	q, err := queue.New(queue.Options{Clock: cfg.Clock, Ledger: ledger})
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}

	trustPath := ""
	if cfg.DataDir != "" {
		trustPath = filepath.Join(cfg.DataDir, "trust.jsonl")
	}
	trust, err := spam.NewTrustTable(spam.TrustOptions{
		Clock:  cfg.Clock,
		Path:   trustPath,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("trust table: %w", err)
	}

	guard := spam.NewGuard(spam.Options{Clock: cfg.Clock, SelfID: ephID, Trust: trust})
	engine := relay.NewEngine(relay.Options{SelfID: ephID, Guard: guard, Logger: cfg.Logger})
	engine.AddSelfID(staticID)

	sec := security.NewManager(security.Options{
		SelfID:      ephID,
		KeyStore:    ks,
		NetworkName: cfg.NetworkName,
	})

	sc := cfg.Sched
	ownSched := false
	if sc == nil {
		sc = sched.New(cfg.Clock)
		ownSched = true
	}

	return &Node{
		cfg:      cfg,
		log:      cfg.Logger,
		clk:      cfg.Clock,
		sc:       sc,
		ownSched: ownSched,
		ephID:    ephID,
		staticID: staticID,
		ks:       ks,
		reg:      reg,
		sec:      sec,
		guard:    guard,
		trust:    trust,
		engine:   engine,
		q:        q,
		reasm:    fragment.NewReassembler(fragment.Options{Clock: cfg.Clock}),
		links:    make(map[transport.LinkID]*linkState),
		peers:    make(map[proto.NodeID]transport.LinkID),
		dialed:   make(map[transport.LinkID]bool),
		acks:     make(map[[16]byte]*sched.Event),
	}, nil
}

// SelfID is the session-scoped identity other nodes first see.
func (n *Node) SelfID() proto.NodeID { return n.ephID }

// StaticID is the persistent identity verified peers address.
func (n *Node) StaticID() proto.NodeID { return n.staticID }

// Registry exposes the peer book, read-mostly.
func (n *Node) Registry() *identity.Registry { return n.reg }

// Queue exposes the offline queue for inspection and explicit deletes.
func (n *Node) Queue() *queue.Queue { return n.q }

// Trust exposes the per-peer relay trust scores.
func (n *Node) Trust() *spam.TrustTable { return n.trust }

// Attach binds the transport the node sends on. The transport's events must
// be wired to Events() by the caller.
func (n *Node) Attach(t transport.Transport) {
	n.tr = t
}

// Events returns the callback set to install on the transport.
func (n *Node) Events() transport.Events {
	return transport.Events{
		OnFrame:    n.handleFrame,
		OnLinkUp:   n.handleLinkUp,
		OnLinkDown: n.handleLinkDown,
	}
}

// MarkDialed records that this node initiated the link, before the link comes
// up. The dialing end drives the handshake.
func (n *Node) MarkDialed(link transport.LinkID) {
	n.mu.Lock()
	n.dialed[link] = true
	n.mu.Unlock()
}

// Start arms the background timers. When the node owns its scheduler it also
// starts the wall-clock loop.
func (n *Node) Start() {
	if n.ownSched {
		go n.sc.Run()
	}
	n.armMaintenance()
	n.scheduleWake()
}

func (n *Node) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	evs := make([]*sched.Event, 0, len(n.acks)+2)
	if n.wakeEv != nil {
		evs = append(evs, n.wakeEv)
		n.wakeEv = nil
	}
	if n.maintEv != nil {
		evs = append(evs, n.maintEv)
		n.maintEv = nil
	}
	for id, ev := range n.acks {
		evs = append(evs, ev)
		delete(n.acks, id)
	}
	links := make([]*linkState, 0, len(n.links))
	for _, ls := range n.links {
		links = append(links, ls)
	}
	n.mu.Unlock()

	for _, ev := range evs {
		n.sc.Cancel(ev)
	}
	for _, ls := range links {
		if !ls.hs.Phase().Terminal() {
			ls.hs.Cancel("node shutting down")
		}
	}
	if n.ownSched {
		n.sc.Stop()
	}
}

// ---------------------------------------------------------------------------
// link lifecycle
// ---------------------------------------------------------------------------

func (n *Node) handleLinkUp(link transport.LinkID, mtu int) {
	n.mu.Lock()
	if n.closed || n.links[link] != nil {
		n.mu.Unlock()
		return
	}
	initiator := n.dialed[link]
	ls := &linkState{id: link, mtu: mtu}
	ls.hs = handshake.New(handshake.Config{
		SelfID:      n.ephID,
		DisplayName: n.cfg.DisplayName,
		Initiator:   initiator,
		Registry:    n.reg,
		Security:    n.sec,
		KeyStore:    n.ks,
		Clock:       n.clk,
		Sched:       n.sc,
		Logger:      n.log,
		Send: func(frame []byte) error {
			return n.sendFrame(link, frame)
		},
		OnComplete: func(peer *identity.PeerIdentity) {
			n.onPeerReady(link, peer)
		},
		OnTerminal: func(phase handshake.Phase, reason string) {
			n.onHandshakeTerminal(link, phase, reason)
		},
		AcceptPair:     n.cfg.AcceptPair,
		ConfirmPIN:     n.cfg.ConfirmPIN,
		RequestPairing: initiator && n.cfg.RequestPairing,
	})
	n.links[link] = ls
	n.mu.Unlock()

	n.log.Info("link up", zap.String("link", string(link)), zap.Int("mtu", mtu))
	if err := ls.hs.Start(); err != nil {
		n.log.Warn("handshake start failed", zap.String("link", string(link)), zap.Error(err))
	}
}

func (n *Node) handleLinkDown(link transport.LinkID) {
	n.mu.Lock()
	ls := n.links[link]
	delete(n.links, link)
	delete(n.dialed, link)
	var peer proto.NodeID
	had := false
	if ls != nil && ls.havePeer {
		peer = ls.peer
		had = true
		if n.peers[peer] == link {
			delete(n.peers, peer)
		}
	}
	n.mu.Unlock()

	if ls != nil && !ls.hs.Phase().Terminal() {
		ls.hs.Cancel("link down")
	}
	if had {
		// session keys die with the link; the registry forgets only
		// unverified peers
		n.sec.DropSession(peer)
		n.reg.Drop(peer)
	}
	n.log.Info("link down", zap.String("link", string(link)))
}

func (n *Node) onPeerReady(link transport.LinkID, peer *identity.PeerIdentity) {
	id := peer.CurrentID()
	n.mu.Lock()
	if ls := n.links[link]; ls != nil {
		ls.peer = id
		ls.havePeer = true
		ls.idsSent = false
	}
	n.peers[id] = link
	n.mu.Unlock()

	n.log.Info("peer ready",
		zap.String("peer", proto.EncodeNodeIDHex(id)),
		zap.String("name", peer.DisplayName),
		zap.String("level", peer.Level.String()))
	n.sendDigest(link)
	if n.cfg.OnPeer != nil {
		n.cfg.OnPeer(peer)
	}
	n.pumpQueue()
}

func (n *Node) onHandshakeTerminal(link transport.LinkID, phase handshake.Phase, reason string) {
	if phase == handshake.PhaseComplete {
		return
	}
	n.log.Info("handshake ended",
		zap.String("link", string(link)),
		zap.String("phase", phase.String()),
		zap.String("reason", reason))
}

// ---------------------------------------------------------------------------
// inbound dispatch
// ---------------------------------------------------------------------------

func (n *Node) handleFrame(link transport.LinkID, frame []byte) {
	if fragment.IsChunk(frame) {
		whole, err := n.reasm.Accept(frame)
		if err != nil {
			n.log.Debug("chunk rejected", zap.Error(err))
			return
		}
		if whole == nil {
			return
		}
		frame = whole
	}
	if len(frame) == 0 {
		return
	}

	if frame[0]&proto.FlagControl != 0 {
		body, err := proto.ControlBody(frame)
		if err != nil {
			return
		}
		msgType, ok := proto.ExtractType(body)
		if !ok || len(body) > proto.ControlSizeCap(msgType) {
			return
		}
		switch msgType {
		case proto.MsgTypeSyncDigest, proto.MsgTypeSyncIDs,
			proto.MsgTypeSyncWant, proto.MsgTypeSyncPush, proto.MsgTypeMsgAck:
			n.handleSyncControl(link, msgType, body)
		default:
			n.mu.Lock()
			ls := n.links[link]
			n.mu.Unlock()
			if ls == nil {
				return
			}
			if err := ls.hs.HandleControl(body); err != nil && !errors.Is(err, handshake.ErrTerminated) {
				n.log.Debug("handshake control rejected",
					zap.String("type", msgType), zap.Error(err))
			}
		}
		return
	}

	if frame[0]&proto.FlagHasRecipient != 0 {
		env, err := proto.DecodeEnvelope(frame)
		if err != nil {
			n.log.Debug("envelope rejected", zap.Error(err))
			return
		}
		n.handleEnvelope(link, &env)
	}
}

func (n *Node) handleEnvelope(link transport.LinkID, env *proto.Envelope) {
	n.mu.Lock()
	sender := env.Sender
	if ls := n.links[link]; ls != nil && ls.havePeer {
		sender = ls.peer
	}
	reachable := make([]proto.NodeID, 0, len(n.peers))
	for id := range n.peers {
		reachable = append(reachable, id)
	}
	n.mu.Unlock()

	dec := n.engine.Route(env, sender, reachable)
	switch dec.Outcome {
	case relay.DeliverToSelf:
		n.deliverLocal(link, dec.Envelope)
	case relay.Forwarded:
		l, ok := n.linkFor(dec.NextHop)
		if !ok {
			return
		}
		wire, err := dec.Envelope.Encode()
		if err != nil {
			return
		}
		if err := n.sendFrame(l, wire); err != nil {
			n.log.Debug("forward failed", zap.Error(err))
		}
	case relay.Dropped:
		if dec.Reason != relay.DropNoRoute {
			return
		}
		// no route right now: hold the envelope so reconciliation and
		// later links can carry it onward
		wire, err := env.Encode()
		if err != nil {
			return
		}
		n.admitRelayed(env, wire)
	}
}

func (n *Node) deliverLocal(link transport.LinkID, env *proto.Envelope) {
	p, ok := n.reg.Resolve(env.Sender)
	if !ok {
		telemetry.DecryptFailures.Inc()
		n.log.Debug("message from unknown sender",
			zap.String("sender", proto.EncodeNodeIDHex(env.Sender)))
		return
	}
	key := p.CurrentID()
	if p.Level >= identity.LevelMedium {
		if len(env.Sig) == 0 || !n.sec.Verify(env.SignedPortion(), env.Sig, key) {
			telemetry.DecryptFailures.Inc()
			n.trust.RecordDecryptFailure(key)
			n.log.Warn("envelope signature invalid",
				zap.String("sender", proto.EncodeNodeIDHex(env.Sender)))
			return
		}
	}
	pt, err := n.sec.Decrypt(env.Payload, key, p.Level)
	if err != nil {
		telemetry.DecryptFailures.Inc()
		n.trust.RecordDecryptFailure(key)
		n.log.Warn("payload rejected",
			zap.String("sender", proto.EncodeNodeIDHex(env.Sender)),
			zap.Error(err))
		return
	}
	n.sendAck(link, env.MessageID)
	if n.cfg.OnMessage != nil {
		n.cfg.OnMessage(env.Sender, pt)
	}
}

// ---------------------------------------------------------------------------
// outbound
// ---------------------------------------------------------------------------

// SendMessage encrypts and queues one message for the peer. The peer's
// security level picks the encryption method; missing key material fails the
// send rather than weakening it.
func (n *Node) SendMessage(to proto.NodeID, payload []byte, prio proto.Priority) ([16]byte, error) {
	var id [16]byte
	p, ok := n.reg.Resolve(to)
	if !ok {
		return id, ErrUnknownPeer
	}
	key := p.CurrentID()
	ct, err := n.sec.Encrypt(payload, key, p.Level)
	if err != nil {
		return id, fmt.Errorf("refusing to send: %w", err)
	}
	sender := n.ephID
	if p.Verified() {
		sender = n.staticID
	}
	id = [16]byte(uuid.New())
	env := proto.Envelope{
		MessageID: id,
		Sender:    sender,
		Recipient: key,
		MaxHops:   n.cfg.MaxHops,
		Priority:  prio,
		Payload:   ct,
	}
	if p.Level >= identity.LevelMedium {
		sig, err := n.sec.Sign(env.SignedPortion(), key)
		if err != nil {
			return id, fmt.Errorf("refusing to send: %w", err)
		}
		env.Sig = sig
	}
	wire, err := env.Encode()
	if err != nil {
		return id, err
	}
	if _, err := n.q.Enqueue(queue.Message{
		ID:        id,
		Recipient: key,
		Sender:    sender,
		Priority:  prio,
		Envelope:  wire,
	}); err != nil {
		return id, err
	}
	n.pumpQueue()
	return id, nil
}

// pumpQueue drains every ready queue entry: direct link when the recipient is
// adjacent, else the first neighbor as a relay hop. Each send arms an ack
// timer; the attempt fails when no ack arrives in time.
func (n *Node) pumpQueue() {
	for {
		m, ok := n.q.NextReady()
		if !ok {
			break
		}
		link, ok := n.routeLink(m.Recipient)
		if !ok {
			n.reportAttempt(m.ID, false)
			continue
		}
		if err := n.sendFrame(link, m.Envelope); err != nil {
			n.log.Debug("send failed", zap.Error(err))
			n.reportAttempt(m.ID, false)
			continue
		}
		n.armAckTimer(m.ID)
	}
	n.scheduleWake()
}

func (n *Node) routeLink(recipient proto.NodeID) (transport.LinkID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.peers[recipient]; ok {
		return l, true
	}
	for id, l := range n.peers {
		if id != recipient {
			return l, true
		}
	}
	return "", false
}

func (n *Node) reportAttempt(id [16]byte, ok bool) {
	err := n.q.ReportAttempt(id, ok)
	if errors.Is(err, queue.ErrDeliveryFailed) {
		n.log.Warn("delivery abandoned", zap.String("msg", fmt.Sprintf("%x", id)))
	}
}

func (n *Node) armAckTimer(id [16]byte) {
	ev := n.sc.Schedule(n.cfg.AckTimeout, func() {
		n.mu.Lock()
		delete(n.acks, id)
		n.mu.Unlock()
		if m, ok := n.q.Get(id); ok && m.Status == queue.StatusSending {
			n.reportAttempt(id, false)
		}
		n.scheduleWake()
	})
	n.mu.Lock()
	if old, dup := n.acks[id]; dup {
		n.sc.Cancel(old)
	}
	n.acks[id] = ev
	n.mu.Unlock()
}

// scheduleWake (re)arms the retry wakeup at the earliest NextAttemptAt.
func (n *Node) scheduleWake() {
	at, ok := n.q.NextWake()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if n.wakeEv != nil {
		n.sc.Cancel(n.wakeEv)
		n.wakeEv = nil
	}
	if ok {
		d := at.Sub(n.clk.Now())
		if d < 0 {
			d = 0
		}
		n.wakeEv = n.sc.Schedule(d, func() {
			n.mu.Lock()
			n.wakeEv = nil
			n.mu.Unlock()
			n.pumpQueue()
		})
	}
	n.mu.Unlock()
}

func (n *Node) armMaintenance() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.maintEv = n.sc.Schedule(n.cfg.MaintenanceGap, func() {
		if evicted := n.reasm.Sweep(); evicted > 0 {
			telemetry.FragmentsEvicted.Add(float64(evicted))
		}
		if err := n.q.Maintenance(); err != nil {
			n.log.Warn("queue maintenance", zap.Error(err))
		}
		n.armMaintenance()
	})
}

// ---------------------------------------------------------------------------
// wire helpers
// ---------------------------------------------------------------------------

// sendFrame puts one wire unit on the link, cutting it into chunks when it
// exceeds the link MTU.
func (n *Node) sendFrame(link transport.LinkID, frame []byte) error {
	if n.tr == nil {
		return transport.ErrLinkDown
	}
	mtu := n.tr.MTU(link)
	if len(frame) <= mtu {
		return n.tr.Send(link, frame)
	}
	chunks, err := fragment.Split([16]byte(uuid.New()), frame, mtu)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := n.tr.Send(link, c); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) linkFor(peer proto.NodeID) (transport.LinkID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.peers[peer]
	return l, ok
}

// admitRelayed stores a relay envelope we cannot move right now. Tombstoned
// and already-held ids are fine to see again.
func (n *Node) admitRelayed(env *proto.Envelope, wire []byte) {
	_, err := n.q.Enqueue(queue.Message{
		ID:        env.MessageID,
		Recipient: env.Recipient,
		Sender:    env.Sender,
		Priority:  env.Priority,
		Envelope:  wire,
		Relayed:   true,
	})
	if err != nil && !errors.Is(err, queue.ErrTombstoned) && !errors.Is(err, queue.ErrDuplicateID) {
		n.log.Warn("relay admission failed", zap.Error(err))
	}
}
