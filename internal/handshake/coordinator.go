// Package handshake runs the per-link session establishment state machine:
// readiness probing, identity exchange, contact status, optional pairing and
// key verification. One Coordinator instance serves one link and dies with it.
package handshake

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlink/internal/clock"
	"meshlink/internal/crypto"
	"meshlink/internal/identity"
	"meshlink/internal/proto"
	"meshlink/internal/sched"
	"meshlink/internal/security"
	"meshlink/internal/telemetry"
)

type Phase int

const (
	PhaseReadyCheck Phase = iota
	PhaseIdentity
	PhaseContactStatus
	PhasePairing
	PhaseVerify
	PhaseComplete
	PhaseCancelled
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseReadyCheck:
		return "ready-check"
	case PhaseIdentity:
		return "identity"
	case PhaseContactStatus:
		return "contact-status"
	case PhasePairing:
		return "pairing"
	case PhaseVerify:
		return "verify"
	case PhaseComplete:
		return "complete"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseCancelled || p == PhaseFailed
}

var ErrTerminated = errors.New("handshake already terminal")

const (
	DefaultReadyBase      = 500 * time.Millisecond
	DefaultReadyCap       = 5 * time.Second
	DefaultReadyBudget    = 5
	DefaultPairingTimeout = 30 * time.Second

	transcriptLabel = "meshlink:transcript:v1"
)

type Config struct {
	SelfID      proto.NodeID
	DisplayName string
	Initiator   bool

	Registry *identity.Registry
	Security *security.Manager
	KeyStore security.KeyStore
	Clock    clock.Clock
	Sched    *sched.Scheduler
	Logger   *zap.Logger

	// Send puts one control frame on the link.
	Send func(frame []byte) error

	// OnComplete fires once with the final peer identity. OnTerminal fires
	// for every terminal phase including completion.
	OnComplete func(peer *identity.PeerIdentity)
	OnTerminal func(phase Phase, reason string)

	// AcceptPair and ConfirmPIN are the user decision hooks; nil means yes.
	AcceptPair func(displayName string) bool
	ConfirmPIN func(pin string) bool

	// RequestPairing makes the initiator ask for pairing after contact
	// status. Without it both sides settle at the broadcast level.
	RequestPairing bool

	ReadyBase      time.Duration
	ReadyCap       time.Duration
	ReadyBudget    int
	PairingTimeout time.Duration
}

type Coordinator struct {
	mu  sync.Mutex
	cfg Config
	log *zap.Logger

	phase     Phase
	reason    string
	initiator bool

	readyNonce    string
	readyAttempts int
	readyEv       *sched.Event
	pairEv        *sched.Event

	signer *crypto.SessionSigner
	dh     *crypto.Ephemeral

	peerEph     proto.NodeID
	peerName    string
	peerSignPub []byte
	peerDHPub   []byte
	havePeerID  bool

	transcript    []byte
	pairActive    bool
	installed     bool
	installedID   proto.NodeID
	peerStaticPub []byte
	localPinOK    bool
	peerPinOK     bool

	pendingStatus *proto.ContactStatusMsg
	result        *identity.PeerIdentity

	cbs []func()
}

func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ReadyBase <= 0 {
		cfg.ReadyBase = DefaultReadyBase
	}
	if cfg.ReadyCap <= 0 {
		cfg.ReadyCap = DefaultReadyCap
	}
	if cfg.ReadyBudget <= 0 {
		cfg.ReadyBudget = DefaultReadyBudget
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = DefaultPairingTimeout
	}
	return &Coordinator{
		cfg:       cfg,
		log:       cfg.Logger,
		phase:     PhaseReadyCheck,
		initiator: cfg.Initiator,
	}
}

// Start begins readiness probing. Both link ends call it; neither end may
// assume the other finished radio setup at the same time.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()
		return ErrTerminated
	}
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		c.mu.Unlock()
		return err
	}
	c.readyNonce = hex.EncodeToString(nonce[:])
	c.sendReadyPingLocked()
	cbs := c.takeCallbacksLocked()
	c.mu.Unlock()
	run(cbs)
	return nil
}

// Cancel aborts the handshake from any phase, notifies the peer and releases
// every piece of session key material in one step.
func (c *Coordinator) Cancel(reason string) {
	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()
		return
	}
	c.cancelLocked(reason, true)
	cbs := c.takeCallbacksLocked()
	c.mu.Unlock()
	run(cbs)
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Peer returns the established identity once the handshake completed.
func (c *Coordinator) Peer() (*identity.PeerIdentity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseComplete || c.result == nil {
		return nil, false
	}
	cp := *c.result
	return &cp, true
}

// HandleControl feeds one inbound control body (JSON, flag byte stripped)
// into the state machine.
func (c *Coordinator) HandleControl(body []byte) error {
	msgType, ok := proto.ExtractType(body)
	if !ok {
		return fmt.Errorf("control body without type")
	}
	if len(body) > proto.ControlSizeCap(msgType) {
		return fmt.Errorf("control body too large: %s", msgType)
	}

	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()
		return ErrTerminated
	}
	var err error
	switch msgType {
	case proto.MsgTypeReadyPing:
		err = c.onReadyPingLocked(body)
	case proto.MsgTypeReadyAck:
		err = c.onReadyAckLocked(body)
	case proto.MsgTypeIdentity:
		err = c.onIdentityLocked(body)
	case proto.MsgTypeContactStatus:
		err = c.onContactStatusLocked(body)
	case proto.MsgTypePairRequest:
		err = c.onPairRequestLocked(body)
	case proto.MsgTypePairResponse:
		err = c.onPairResponseLocked(body)
	case proto.MsgTypeVerifyConfirm:
		err = c.onVerifyConfirmLocked(body)
	case proto.MsgTypePairCancel:
		err = c.onPairCancelLocked(body)
	default:
		err = fmt.Errorf("unexpected control type: %s", msgType)
	}
	cbs := c.takeCallbacksLocked()
	c.mu.Unlock()
	run(cbs)
	return err
}

// ---------------------------------------------------------------------------
// ready check
// ---------------------------------------------------------------------------

func (c *Coordinator) sendReadyPingLocked() {
	if c.phase != PhaseReadyCheck {
		return
	}
	c.readyAttempts++
	if c.readyAttempts > c.cfg.ReadyBudget {
		c.failLocked("ready check timed out")
		return
	}
	msg := proto.ReadyPingMsg{
		Type:  proto.MsgTypeReadyPing,
		From:  proto.EncodeNodeIDHex(c.cfg.SelfID),
		Nonce: c.readyNonce,
	}
	c.sendLocked(proto.MsgTypeReadyPing, msg)

	delay := c.cfg.ReadyBase
	for i := 1; i < c.readyAttempts; i++ {
		delay = delay * 3 / 2
		if delay >= c.cfg.ReadyCap {
			delay = c.cfg.ReadyCap
			break
		}
	}
	if c.cfg.Sched != nil {
		c.readyEv = c.cfg.Sched.Schedule(delay, func() {
			c.mu.Lock()
			c.sendReadyPingLocked()
			cbs := c.takeCallbacksLocked()
			c.mu.Unlock()
			run(cbs)
		})
	}
}

func (c *Coordinator) onReadyPingLocked(body []byte) error {
	m, err := proto.DecodeReadyPingMsg(body)
	if err != nil {
		return err
	}
	ack := proto.ReadyAckMsg{
		Type:  proto.MsgTypeReadyAck,
		From:  proto.EncodeNodeIDHex(c.cfg.SelfID),
		Nonce: m.Nonce,
	}
	c.sendLocked(proto.MsgTypeReadyAck, ack)
	return nil
}

func (c *Coordinator) onReadyAckLocked(body []byte) error {
	m, err := proto.DecodeReadyAckMsg(body)
	if err != nil {
		return err
	}
	if c.phase != PhaseReadyCheck || m.Nonce != c.readyNonce {
		return nil
	}
	c.cancelEventLocked(&c.readyEv)
	return c.enterIdentityLocked()
}

// ---------------------------------------------------------------------------
// identity exchange
// ---------------------------------------------------------------------------

func (c *Coordinator) enterIdentityLocked() error {
	signer, err := crypto.GenerateSessionSigner()
	if err != nil {
		c.failLocked("signer generation failed")
		return err
	}
	dh, err := crypto.GenerateEphemeral()
	if err != nil {
		signer.Destroy()
		c.failLocked("ephemeral generation failed")
		return err
	}
	c.signer = signer
	c.dh = dh
	c.phase = PhaseIdentity

	signPub, err := signer.Public()
	if err != nil {
		c.failLocked("signer unusable")
		return err
	}
	dhPub, err := dh.Public()
	if err != nil {
		c.failLocked("ephemeral unusable")
		return err
	}
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		c.failLocked("entropy unavailable")
		return err
	}
	sig, err := signer.Sign(proto.IdentitySigInput(c.cfg.SelfID, signPub, dhPub, nonce[:]))
	if err != nil {
		c.failLocked("identity signing failed")
		return err
	}
	msg := proto.IdentityMsg{
		Type:        proto.MsgTypeIdentity,
		From:        proto.EncodeNodeIDHex(c.cfg.SelfID),
		DisplayName: c.cfg.DisplayName,
		SignPub:     hex.EncodeToString(signPub),
		DHPub:       hex.EncodeToString(dhPub),
		Nonce:       hex.EncodeToString(nonce[:]),
		Sig:         hex.EncodeToString(sig),
	}
	c.sendLocked(proto.MsgTypeIdentity, msg)

	if c.havePeerID {
		return c.enterContactStatusLocked()
	}
	return nil
}

func (c *Coordinator) onIdentityLocked(body []byte) error {
	m, err := proto.DecodeIdentityMsg(body)
	if err != nil {
		return err
	}
	peerEph, err := proto.DecodeNodeIDHex(m.From)
	if err != nil {
		return err
	}
	signPub, err1 := hex.DecodeString(m.SignPub)
	dhPub, err2 := hex.DecodeString(m.DHPub)
	nonce, err3 := hex.DecodeString(m.Nonce)
	sig, err4 := hex.DecodeString(m.Sig)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return fmt.Errorf("malformed identity fields")
	}
	if !crypto.VerifySig(signPub, proto.IdentitySigInput(peerEph, signPub, dhPub, nonce), sig) {
		c.failLocked("identity signature invalid")
		return fmt.Errorf("identity signature invalid")
	}

	c.peerEph = peerEph
	c.peerName = m.DisplayName
	c.peerSignPub = signPub
	c.peerDHPub = dhPub
	c.havePeerID = true

	if _, err := c.cfg.Registry.Register(peerEph, m.DisplayName, identity.LevelLow); err != nil {
		c.failLocked("identity registration refused")
		return err
	}

	if c.phase == PhaseReadyCheck {
		// the peer outpaced our ready probe; its identity implies readiness
		c.cancelEventLocked(&c.readyEv)
		return c.enterIdentityLocked()
	}
	if c.phase == PhaseIdentity {
		return c.enterContactStatusLocked()
	}
	return nil
}

func (c *Coordinator) enterContactStatusLocked() error {
	c.phase = PhaseContactStatus
	c.transcript = c.transcriptLocked()

	// disclose our static public identity; the peer resumes the trusted
	// session only if its contact book holds this key
	staticPub, _, err := c.cfg.KeyStore.GetOrCreatePersistentKeypair()
	if err != nil {
		c.failLocked("static keypair unavailable")
		return err
	}
	msg := proto.ContactStatusMsg{
		Type:      proto.MsgTypeContactStatus,
		From:      proto.EncodeNodeIDHex(c.cfg.SelfID),
		StaticPub: hex.EncodeToString(staticPub),
	}
	c.sendLocked(proto.MsgTypeContactStatus, msg)

	if c.pendingStatus != nil {
		m := *c.pendingStatus
		c.pendingStatus = nil
		return c.applyContactStatusLocked(m)
	}
	return nil
}

// transcriptLocked binds both identities and DH shares into a canonical
// session transcript; both ends compute the same value regardless of role.
func (c *Coordinator) transcriptLocked() []byte {
	selfDH, _ := c.dh.Public()
	lo, hi := c.cfg.SelfID, c.peerEph
	loDH, hiDH := selfDH, c.peerDHPub
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
		loDH, hiDH = hiDH, loDH
	}
	return crypto.KDF(transcriptLabel, lo[:], hi[:], loDH, hiDH)
}

// ---------------------------------------------------------------------------
// contact status
// ---------------------------------------------------------------------------

func (c *Coordinator) onContactStatusLocked(body []byte) error {
	m, err := proto.DecodeContactStatusMsg(body)
	if err != nil {
		return err
	}
	if c.phase == PhaseIdentity || c.phase == PhaseReadyCheck {
		c.pendingStatus = &m
		return nil
	}
	if c.phase != PhaseContactStatus {
		return nil
	}
	return c.applyContactStatusLocked(m)
}

func (c *Coordinator) applyContactStatusLocked(m proto.ContactStatusMsg) error {
	// recognized returning contact: re-establish the high-security session
	// directly, no pairing ceremony on reconnect
	if peerStatic, err := hex.DecodeString(m.StaticPub); err == nil &&
		len(peerStatic) > 0 && c.cfg.Registry.KnownStatic(peerStatic) {
		return c.resumeTrustedLocked(peerStatic)
	}

	c.phase = PhasePairing
	// an idle pairing window settles at the broadcast level; a ceremony in
	// flight that stalls is torn down instead
	c.armPairTimerLocked(func() {
		if c.pairActive {
			c.cancelLocked("pairing timed out", true)
		} else {
			c.completeLocked(identity.LevelLow)
		}
	})
	if c.initiator {
		if !c.cfg.RequestPairing {
			c.completeLocked(identity.LevelLow)
			return nil
		}
		c.pairActive = true
		req := proto.PairRequestMsg{
			Type: proto.MsgTypePairRequest,
			From: proto.EncodeNodeIDHex(c.cfg.SelfID),
		}
		c.sendLocked(proto.MsgTypePairRequest, req)
	}
	return nil
}

func (c *Coordinator) resumeTrustedLocked(peerStaticPub []byte) error {
	staticID := identity.StaticNodeID(peerStaticPub)

	// fold the fresh session record into the verified one
	c.cfg.Registry.Drop(c.peerEph)
	if _, err := c.cfg.Registry.Rotate(staticID, c.peerEph); err != nil {
		c.failLocked("identity rotation refused")
		return err
	}

	keys, err := c.sessionKeysLocked()
	if err != nil {
		c.failLocked("session key derivation failed")
		return err
	}
	c.cfg.Security.InstallSession(staticID, security.MethodSession, keys, c.signer, c.peerSignPub)
	c.signer = nil
	c.installed = true
	c.installedID = staticID

	// possession of the static private key is what authenticates the
	// resumption: without it the peer cannot open anything we seal
	if err := c.cfg.Security.EstablishStatic(staticID, peerStaticPub, c.transcript, c.initiator); err != nil {
		c.failLocked("static session failed")
		return err
	}
	c.peerStaticPub = append([]byte(nil), peerStaticPub...)
	c.completeLocked(identity.LevelHigh)
	return nil
}

// ---------------------------------------------------------------------------
// pairing
// ---------------------------------------------------------------------------

func (c *Coordinator) onPairRequestLocked(body []byte) error {
	if _, err := proto.DecodePairRequestMsg(body); err != nil {
		return err
	}
	if c.phase != PhasePairing || c.initiator {
		return nil
	}
	c.pairActive = true
	accepted := c.cfg.AcceptPair == nil || c.cfg.AcceptPair(c.peerName)
	resp := proto.PairResponseMsg{
		Type:     proto.MsgTypePairResponse,
		From:     proto.EncodeNodeIDHex(c.cfg.SelfID),
		Accepted: accepted,
	}
	c.sendLocked(proto.MsgTypePairResponse, resp)
	if !accepted {
		c.completeLocked(identity.LevelLow)
		return nil
	}
	return c.enterVerifyLocked()
}

func (c *Coordinator) onPairResponseLocked(body []byte) error {
	m, err := proto.DecodePairResponseMsg(body)
	if err != nil {
		return err
	}
	if c.phase != PhasePairing || !c.initiator {
		return nil
	}
	if !m.Accepted {
		c.completeLocked(identity.LevelLow)
		return nil
	}
	return c.enterVerifyLocked()
}

func (c *Coordinator) sessionKeysLocked() (crypto.SessionKeys, error) {
	ss, err := c.dh.Shared(c.peerDHPub)
	if err != nil {
		return crypto.SessionKeys{}, err
	}
	keys, err := crypto.DeriveSessionKeys(ss, c.transcript, c.initiator)
	for i := range ss {
		ss[i] = 0
	}
	return keys, err
}

// ---------------------------------------------------------------------------
// key verification
// ---------------------------------------------------------------------------

func (c *Coordinator) enterVerifyLocked() error {
	keys, err := c.sessionKeysLocked()
	if err != nil {
		c.failLocked("session key derivation failed")
		return err
	}
	c.cfg.Security.InstallSession(c.peerEph, security.MethodSession, keys, c.signer, c.peerSignPub)
	c.signer = nil // owned by the security manager now
	c.installed = true
	c.installedID = c.peerEph
	if err := c.cfg.Registry.SetLevel(c.peerEph, identity.LevelMedium); err != nil {
		c.failLocked("peer vanished from registry")
		return err
	}

	c.phase = PhaseVerify
	c.armPairTimerLocked(func() {
		// verification stalled; the paired session is still worth keeping
		c.completeLocked(identity.LevelMedium)
	})

	pin := PIN(c.transcript)
	if c.cfg.ConfirmPIN != nil && !c.cfg.ConfirmPIN(pin) {
		c.cancelLocked("pin mismatch", true)
		return nil
	}
	c.localPinOK = true

	staticPub, _, err := c.cfg.KeyStore.GetOrCreatePersistentKeypair()
	if err != nil {
		c.failLocked("static keypair unavailable")
		return err
	}
	sig, err := c.cfg.Security.Sign(proto.VerifySigInput(c.cfg.SelfID, staticPub, c.transcript), c.peerEph)
	if err != nil {
		c.failLocked("verify signing failed")
		return err
	}
	msg := proto.VerifyConfirmMsg{
		Type:      proto.MsgTypeVerifyConfirm,
		From:      proto.EncodeNodeIDHex(c.cfg.SelfID),
		PinOK:     true,
		StaticPub: hex.EncodeToString(staticPub),
		Sig:       hex.EncodeToString(sig),
	}
	c.sendLocked(proto.MsgTypeVerifyConfirm, msg)
	return c.maybeFinishVerifyLocked()
}

func (c *Coordinator) onVerifyConfirmLocked(body []byte) error {
	m, err := proto.DecodeVerifyConfirmMsg(body)
	if err != nil {
		return err
	}
	if c.phase != PhaseVerify {
		return nil
	}
	if !m.PinOK {
		c.cancelLocked("peer rejected pin", false)
		return nil
	}
	staticPub, err := hex.DecodeString(m.StaticPub)
	if err != nil || len(staticPub) == 0 {
		c.failLocked("malformed static key")
		return fmt.Errorf("malformed static key")
	}
	sig, err := hex.DecodeString(m.Sig)
	if err != nil {
		c.failLocked("malformed verify signature")
		return fmt.Errorf("malformed verify signature")
	}
	if !c.cfg.Security.Verify(proto.VerifySigInput(c.peerEph, staticPub, c.transcript), sig, c.peerEph) {
		c.failLocked("verify signature invalid")
		return fmt.Errorf("verify signature invalid")
	}
	c.peerStaticPub = staticPub
	c.peerPinOK = true
	return c.maybeFinishVerifyLocked()
}

func (c *Coordinator) maybeFinishVerifyLocked() error {
	if !c.localPinOK || !c.peerPinOK {
		return nil
	}
	if _, err := c.cfg.Registry.Promote(c.peerEph, c.peerStaticPub); err != nil {
		c.failLocked("identity promotion refused")
		return err
	}
	staticID := identity.StaticNodeID(c.peerStaticPub)
	c.cfg.Security.RekeyIndex(c.peerEph, staticID)
	c.installedID = staticID
	if err := c.cfg.Security.EstablishStatic(staticID, c.peerStaticPub, c.transcript, c.initiator); err != nil {
		c.failLocked("static session failed")
		return err
	}
	c.completeLocked(identity.LevelHigh)
	return nil
}

// ---------------------------------------------------------------------------
// terminal transitions
// ---------------------------------------------------------------------------

func (c *Coordinator) onPairCancelLocked(body []byte) error {
	m, err := proto.DecodePairCancelMsg(body)
	if err != nil {
		return err
	}
	c.cancelLocked("peer cancelled: "+m.Reason, false)
	return nil
}

func (c *Coordinator) completeLocked(level identity.SecurityLevel) {
	c.disarmTimersLocked()
	// unused pre-session material is released on the spot
	if !c.installed {
		c.signer.Destroy()
		c.signer = nil
	}
	c.dh.Destroy()

	var peer *identity.PeerIdentity
	if p, ok := c.cfg.Registry.Resolve(c.peerEph); ok {
		peer = p
	}
	c.phase = PhaseComplete
	c.result = peer
	telemetry.HandshakeOutcomes.WithLabelValues("complete").Inc()
	c.log.Info("handshake complete",
		zap.String("peer", proto.EncodeNodeIDHex(c.peerEph)),
		zap.String("level", level.String()))
	if c.cfg.OnComplete != nil && peer != nil {
		cp := *peer
		c.cbs = append(c.cbs, func() { c.cfg.OnComplete(&cp) })
	}
	c.notifyTerminalLocked("")
}

// cancelLocked is the single release point: timers, DH share, signer and any
// installed session keys all go in one transition.
func (c *Coordinator) cancelLocked(reason string, notifyPeer bool) {
	if c.phase.Terminal() {
		return
	}
	if notifyPeer {
		msg := proto.PairCancelMsg{
			Type:   proto.MsgTypePairCancel,
			From:   proto.EncodeNodeIDHex(c.cfg.SelfID),
			Reason: reason,
		}
		c.sendLocked(proto.MsgTypePairCancel, msg)
	}
	c.releaseLocked()
	c.phase = PhaseCancelled
	c.reason = reason
	telemetry.HandshakeOutcomes.WithLabelValues("cancelled").Inc()
	c.log.Info("handshake cancelled", zap.String("reason", reason))
	c.notifyTerminalLocked(reason)
}

func (c *Coordinator) failLocked(reason string) {
	if c.phase.Terminal() {
		return
	}
	msg := proto.PairCancelMsg{
		Type:   proto.MsgTypePairCancel,
		From:   proto.EncodeNodeIDHex(c.cfg.SelfID),
		Reason: reason,
	}
	c.sendLocked(proto.MsgTypePairCancel, msg)
	c.releaseLocked()
	c.phase = PhaseFailed
	c.reason = reason
	telemetry.HandshakeOutcomes.WithLabelValues("failed").Inc()
	c.log.Warn("handshake failed", zap.String("reason", reason))
	c.notifyTerminalLocked(reason)
}

func (c *Coordinator) releaseLocked() {
	c.disarmTimersLocked()
	c.signer.Destroy()
	c.signer = nil
	c.dh.Destroy()
	if c.installed {
		c.cfg.Security.DropSession(c.installedID)
		c.installed = false
	}
	if c.havePeerID {
		c.cfg.Registry.Drop(c.peerEph)
	}
}

func (c *Coordinator) disarmTimersLocked() {
	c.cancelEventLocked(&c.readyEv)
	c.cancelEventLocked(&c.pairEv)
}

func (c *Coordinator) cancelEventLocked(ev **sched.Event) {
	if c.cfg.Sched != nil && *ev != nil {
		c.cfg.Sched.Cancel(*ev)
	}
	*ev = nil
}

func (c *Coordinator) armPairTimerLocked(onExpiry func()) {
	if c.cfg.Sched == nil {
		return
	}
	c.cancelEventLocked(&c.pairEv)
	c.pairEv = c.cfg.Sched.Schedule(c.cfg.PairingTimeout, func() {
		c.mu.Lock()
		if !c.phase.Terminal() {
			onExpiry()
		}
		cbs := c.takeCallbacksLocked()
		c.mu.Unlock()
		run(cbs)
	})
}

func (c *Coordinator) notifyTerminalLocked(reason string) {
	if c.cfg.OnTerminal == nil {
		return
	}
	phase := c.phase
	c.cbs = append(c.cbs, func() { c.cfg.OnTerminal(phase, reason) })
}

func (c *Coordinator) sendLocked(msgType string, m any) {
	frame, err := proto.EncodeControl(msgType, m)
	if err != nil {
		c.log.Warn("control encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := c.cfg.Send(frame); err != nil {
		c.log.Debug("control send failed", zap.String("type", msgType), zap.Error(err))
	}
}

func (c *Coordinator) takeCallbacksLocked() []func() {
	cbs := c.cbs
	c.cbs = nil
	return cbs
}

func run(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
