package identity

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"meshlink/internal/clock"
	"meshlink/internal/proto"
)

var (
	ErrEphemeralInUse = errors.New("ephemeral id already bound to another peer")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrKeyAlreadySet  = errors.New("persistent key already set")
)

// Registry owns all known peer identities, keyed by CurrentID. It supports
// the ephemeral→persistent migration as an in-place value replacement: the
// record is re-indexed under the new key, never re-created, so session state
// held elsewhere survives by resolving through either id.
type Registry struct {
	mu       sync.Mutex
	clk      clock.Clock
	path     string
	peers    map[proto.NodeID]*PeerIdentity
	ephIndex map[proto.NodeID]proto.NodeID
}

type RegistryOptions struct {
	Clock clock.Clock
	Path  string // optional JSONL book of verified peers
}

type diskPeer struct {
	StaticPub   string `json:"static_pub"`
	DisplayName string `json:"display_name"`
	Level       int    `json:"level"`
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	r := &Registry{
		clk:      clk,
		path:     opts.Path,
		peers:    make(map[proto.NodeID]*PeerIdentity),
		ephIndex: make(map[proto.NodeID]proto.NodeID),
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, err
		}
		if err := r.load(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register binds a fresh ephemeral id seen during a handshake. When the
// ephemeral id is already bound to a different peer the call fails; the same
// ephemeral id must never name two concurrently known peers.
func (r *Registry) Register(eph proto.NodeID, displayName string, level SecurityLevel) (*PeerIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.ephIndex[eph]; ok {
		p := r.peers[cur]
		if p == nil || p.EphemeralID != eph {
			return nil, ErrEphemeralInUse
		}
		p.DisplayName = displayName
		p.LastSeen = r.clk.Now()
		return p.clone(), nil
	}
	if _, ok := r.peers[eph]; ok {
		return nil, ErrEphemeralInUse
	}
	now := r.clk.Now()
	p := &PeerIdentity{
		EphemeralID: eph,
		DisplayName: displayName,
		Level:       level,
		FirstSeen:   now,
		LastSeen:    now,
	}
	r.peers[eph] = p
	r.ephIndex[eph] = eph
	return p.clone(), nil
}

// Promote performs the ephemeral→persistent migration after mutual key
// verification. The record is rekeyed under the static id; setting a second,
// different static key is refused.
func (r *Registry) Promote(eph proto.NodeID, staticPub []byte) (*PeerIdentity, error) {
	if len(staticPub) == 0 {
		return nil, errors.New("empty static key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.ephIndex[eph]
	if !ok {
		return nil, ErrUnknownPeer
	}
	p := r.peers[cur]
	if p == nil {
		return nil, ErrUnknownPeer
	}
	if p.Verified() {
		if StaticNodeID(p.StaticPub) == StaticNodeID(staticPub) {
			return p.clone(), nil
		}
		return nil, ErrKeyAlreadySet
	}
	newID := StaticNodeID(staticPub)
	if other, exists := r.peers[newID]; exists && other != p {
		return nil, fmt.Errorf("static key already bound to another peer")
	}
	delete(r.peers, cur)
	p.StaticPub = append([]byte(nil), staticPub...)
	p.Level = LevelHigh
	p.LastSeen = r.clk.Now()
	r.peers[newID] = p
	r.ephIndex[eph] = newID
	err := r.saveLocked()
	return p.clone(), err
}

// Rotate replaces the peer's ephemeral id on reconnect.
func (r *Registry) Rotate(current proto.NodeID, newEph proto.NodeID) (*PeerIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.resolveLocked(current)
	if p == nil {
		return nil, ErrUnknownPeer
	}
	if bound, ok := r.ephIndex[newEph]; ok && r.peers[bound] != p {
		return nil, ErrEphemeralInUse
	}
	delete(r.ephIndex, p.EphemeralID)
	if !p.Verified() {
		// unverified peers are keyed by their ephemeral id; rekey the record
		delete(r.peers, p.EphemeralID)
		r.peers[newEph] = p
	}
	p.EphemeralID = newEph
	p.LastSeen = r.clk.Now()
	r.ephIndex[newEph] = p.CurrentID()
	return p.clone(), nil
}

// SetLevel records a new security level for a known peer. Promote is the
// only path to LevelHigh; this covers the Low↔Medium transitions.
func (r *Registry) SetLevel(id proto.NodeID, level SecurityLevel) error {
	if level == LevelHigh {
		return errors.New("high level requires key verification")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.resolveLocked(id)
	if p == nil {
		return ErrUnknownPeer
	}
	p.Level = level
	p.LastSeen = r.clk.Now()
	return nil
}

// Resolve dereferences a peer by either its current id or a session
// ephemeral id.
func (r *Registry) Resolve(id proto.NodeID) (*PeerIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.resolveLocked(id)
	if p == nil {
		return nil, false
	}
	return p.clone(), true
}

// KnownStatic reports whether a static public key belongs to a verified peer.
func (r *Registry) KnownStatic(staticPub []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[StaticNodeID(staticPub)]
	return ok && p.Verified()
}

// Drop forgets a session-scoped (unverified) peer; verified peers persist.
func (r *Registry) Drop(id proto.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.resolveLocked(id)
	if p == nil {
		return
	}
	delete(r.ephIndex, p.EphemeralID)
	if !p.Verified() {
		delete(r.peers, p.CurrentID())
	}
}

func (r *Registry) List() []*PeerIdentity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PeerIdentity, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	return out
}

func (r *Registry) resolveLocked(id proto.NodeID) *PeerIdentity {
	if p, ok := r.peers[id]; ok {
		return p
	}
	if cur, ok := r.ephIndex[id]; ok {
		return r.peers[cur]
	}
	return nil
}

func (p *PeerIdentity) clone() *PeerIdentity {
	cp := *p
	if p.StaticPub != nil {
		cp.StaticPub = append([]byte(nil), p.StaticPub...)
	}
	return &cp
}

func (r *Registry) load() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d diskPeer
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil {
			continue
		}
		pub, err := hex.DecodeString(d.StaticPub)
		if err != nil || len(pub) == 0 {
			continue
		}
		id := StaticNodeID(pub)
		r.peers[id] = &PeerIdentity{
			StaticPub:   pub,
			DisplayName: d.DisplayName,
			Level:       SecurityLevel(d.Level),
			FirstSeen:   r.clk.Now(),
			LastSeen:    r.clk.Now(),
		}
	}
	return sc.Err()
}

// saveLocked rewrites the verified-peer book atomically. Unverified peers
// are session-scoped and never persisted.
func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	tmp := r.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, p := range r.peers {
		if !p.Verified() {
			continue
		}
		d := diskPeer{
			StaticPub:   hex.EncodeToString(p.StaticPub),
			DisplayName: p.DisplayName,
			Level:       int(p.Level),
		}
		if err := enc.Encode(d); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
