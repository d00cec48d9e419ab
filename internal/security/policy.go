// Package security maps a peer's security level to a concrete encryption
// method and fails closed: when the required key material is missing the
// call errors and nothing weaker is ever substituted.
package security

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"meshlink/internal/crypto"
	"meshlink/internal/identity"
	"meshlink/internal/proto"
)

var (
	ErrEncrypt        = errors.New("encryption failed")
	ErrDecrypt        = errors.New("decryption failed")
	ErrNoSessionKey   = errors.New("session key unavailable")
	ErrNoSigner       = errors.New("session signer unavailable")
	ErrMethodMismatch = errors.New("payload method below required level")
)

// Method is the concrete encryption strategy; a closed enum so the
// level→method mapping stays auditable.
type Method byte

const (
	MethodBroadcast Method = 0x01 // shared network key, Low only
	MethodSession   Method = 0x02 // pairing-derived session key
	MethodStaticDH  Method = 0x03 // static-static agreement, re-derived per session
)

// MethodForLevel is the pure mapping from peer state to required method.
func MethodForLevel(level identity.SecurityLevel) Method {
	switch level {
	case identity.LevelHigh:
		return MethodStaticDH
	case identity.LevelMedium:
		return MethodSession
	default:
		return MethodBroadcast
	}
}

const (
	envContext   = "env"
	bcastContext = "bcast"
)

// PeerSession holds per-peer in-memory key material. All of it dies with
// the session; nothing here touches disk.
type peerSession struct {
	method   Method
	keys     crypto.SessionKeys
	signer   *crypto.SessionSigner
	peerSign []byte
	sendSeq  uint64
	recvSeq  uint64
	haveRecv bool
}

// KeyStore is the collaborator owning the static identity keypair. Private
// key bytes are used for agreement only and must never be logged.
type KeyStore interface {
	GetOrCreatePersistentKeypair() (pub, priv []byte, err error)
}

// Manager is the encryption policy for one local node.
type Manager struct {
	mu           sync.Mutex
	selfID       proto.NodeID
	keyStore     KeyStore
	broadcastKey []byte
	sessions     map[proto.NodeID]*peerSession
}

type Options struct {
	SelfID      proto.NodeID
	KeyStore    KeyStore
	NetworkName string
}

func NewManager(opts Options) *Manager {
	return &Manager{
		selfID:       opts.SelfID,
		keyStore:     opts.KeyStore,
		broadcastKey: crypto.BroadcastKey(opts.NetworkName),
		sessions:     make(map[proto.NodeID]*peerSession),
	}
}

// InstallSession binds pairing-derived key material and the session signer
// for a peer. Called by the handshake coordinator on IdentityComplete.
func (m *Manager) InstallSession(peer proto.NodeID, method Method, keys crypto.SessionKeys, signer *crypto.SessionSigner, peerSignPub []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.sessions[peer]; ok {
		old.keys.Destroy()
		old.signer.Destroy()
	}
	m.sessions[peer] = &peerSession{
		method:   method,
		keys:     keys,
		signer:   signer,
		peerSign: append([]byte(nil), peerSignPub...),
	}
}

// EstablishStatic upgrades (or creates) the peer session to the static-DH
// method: a per-peer key derived from both static keys, re-derived per
// session via the salt so key lifetime stays bounded.
func (m *Manager) EstablishStatic(peer proto.NodeID, peerStaticPub, sessionSalt []byte, initiator bool) error {
	if m.keyStore == nil {
		return fmt.Errorf("%w: no key store", ErrNoSessionKey)
	}
	_, priv, err := m.keyStore.GetOrCreatePersistentKeypair()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoSessionKey, err)
	}
	ss, err := crypto.StaticSharedSecret(priv, peerStaticPub, sessionSalt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoSessionKey, err)
	}
	keys, err := crypto.DeriveSessionKeys(ss, sessionSalt, initiator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoSessionKey, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok {
		s = &peerSession{}
		m.sessions[peer] = s
	}
	s.keys.Destroy()
	s.keys = keys
	s.method = MethodStaticDH
	return nil
}

// RekeyIndex moves a session to a new identity key after the
// ephemeral→persistent migration; counters and key material carry over.
func (m *Manager) RekeyIndex(old, new proto.NodeID) {
	if old == new {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[old]; ok {
		delete(m.sessions, old)
		m.sessions[new] = s
	}
}

// DropSession releases all session-scoped key material for a peer.
func (m *Manager) DropSession(peer proto.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[peer]; ok {
		s.keys.Destroy()
		s.signer.Destroy()
		delete(m.sessions, peer)
	}
}

// HasSessionKey reports whether live session key material exists for the
// peer. Used by callers verifying key release after cancellation.
func (m *Manager) HasSessionKey(peer proto.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return ok && len(s.keys.SendKey) > 0
}

// Encrypt seals plaintext for the peer under the method its security level
// requires. Missing key material is an error; there is no downgrade path.
//
// Wire form: [method:1][nonce:24][ct] for broadcast,
// [method:1][seq:8][ct] for session/static (nonce derived from base+seq).
func (m *Manager) Encrypt(plaintext []byte, peer proto.NodeID, level identity.SecurityLevel) ([]byte, error) {
	method := MethodForLevel(level)
	if method == MethodBroadcast {
		nonce, ct, err := crypto.XSeal(m.broadcastKey, plaintext, crypto.BuildAAD(bcastContext, 0, m.selfID, peer))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
		}
		out := make([]byte, 0, 1+len(nonce)+len(ct))
		out = append(out, byte(method))
		out = append(out, nonce...)
		out = append(out, ct...)
		return out, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok || len(s.keys.SendKey) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSessionKey, level)
	}
	if s.method != method {
		return nil, fmt.Errorf("%w: have %d need %d", ErrNoSessionKey, s.method, method)
	}
	seq := s.sendSeq
	if seq == ^uint64(0) {
		return nil, fmt.Errorf("%w: send counter exhausted", ErrEncrypt)
	}
	nonce, err := crypto.NonceFromBase(s.keys.NonceBaseSend, seq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	aad := crypto.BuildSessionAAD(envContext, seq)
	ct, err := crypto.XSealWithNonce(s.keys.SendKey, nonce, plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	s.sendSeq++
	out := make([]byte, 0, 1+8+len(ct))
	out = append(out, byte(method))
	var seqB [8]byte
	binary.BigEndian.PutUint64(seqB[:], seq)
	out = append(out, seqB[:]...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens a payload from the peer. The payload's method must be
// exactly the one the peer's level requires: a broadcast-sealed payload from
// a paired peer is rejected, never accepted as a silent downgrade.
func (m *Manager) Decrypt(payload []byte, peer proto.NodeID, level identity.SecurityLevel) ([]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: short payload", ErrDecrypt)
	}
	method := Method(payload[0])
	required := MethodForLevel(level)
	if method != required {
		return nil, fmt.Errorf("%w: got method %d, require %d", ErrMethodMismatch, method, required)
	}

	if method == MethodBroadcast {
		if len(payload) < 1+crypto.XNonceSize+1 {
			return nil, fmt.Errorf("%w: short broadcast payload", ErrDecrypt)
		}
		nonce := payload[1 : 1+crypto.XNonceSize]
		ct := payload[1+crypto.XNonceSize:]
		pt, err := crypto.XOpen(m.broadcastKey, nonce, ct, crypto.BuildAAD(bcastContext, 0, peer, m.selfID))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
		}
		return pt, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok || len(s.keys.RecvKey) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSessionKey, level)
	}
	if len(payload) < 1+8+1 {
		return nil, fmt.Errorf("%w: short payload", ErrDecrypt)
	}
	seq := binary.BigEndian.Uint64(payload[1:9])
	if s.haveRecv && seq <= s.recvSeq {
		return nil, fmt.Errorf("%w: replayed or out-of-order seq", ErrDecrypt)
	}
	nonce, err := crypto.NonceFromBase(s.keys.NonceBaseRecv, seq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	aad := crypto.BuildSessionAAD(envContext, seq)
	pt, err := crypto.XOpen(s.keys.RecvKey, nonce, payload[9:], aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	s.recvSeq = seq
	s.haveRecv = true
	return pt, nil
}

// Sign signs msg with the peer session's ephemeral signing key.
func (m *Manager) Sign(msg []byte, peer proto.NodeID) ([]byte, error) {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	m.mu.Unlock()
	if !ok || s.signer == nil {
		return nil, ErrNoSigner
	}
	return s.signer.Sign(msg)
}

// Verify checks a signature against the peer's session signing key.
func (m *Manager) Verify(msg, sig []byte, peer proto.NodeID) bool {
	m.mu.Lock()
	s, ok := m.sessions[peer]
	m.mu.Unlock()
	if !ok || len(s.peerSign) == 0 {
		return false
	}
	return crypto.VerifySig(s.peerSign, msg, sig)
}
