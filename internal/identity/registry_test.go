package identity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshlink/internal/clock"
	"meshlink/internal/crypto"
	"meshlink/internal/proto"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryOptions{Clock: clock.NewFake(time.Unix(1000, 0))})
	require.NoError(t, err)
	return r
}

func ephID(b byte) proto.NodeID {
	var id proto.NodeID
	id[0] = b
	return id
}

func TestRegisterRejectsEphemeralReuse(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(ephID(1), "alice", LevelLow)
	require.NoError(t, err)

	// same ephemeral id, same peer: refresh is fine
	_, err = r.Register(ephID(1), "alice2", LevelLow)
	require.NoError(t, err)

	p, ok := r.Resolve(ephID(1))
	require.True(t, ok)
	require.Equal(t, "alice2", p.DisplayName)
}

func TestPromoteMigratesInPlace(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(ephID(1), "alice", LevelLow)
	require.NoError(t, err)

	pub, _, err := crypto.GenStaticKeypair()
	require.NoError(t, err)

	p, err := r.Promote(ephID(1), pub)
	require.NoError(t, err)
	require.True(t, p.Verified())
	require.Equal(t, LevelHigh, p.Level)
	require.Equal(t, StaticNodeID(pub), p.CurrentID())

	// still resolvable through the old ephemeral id
	got, ok := r.Resolve(ephID(1))
	require.True(t, ok)
	require.Equal(t, p.CurrentID(), got.CurrentID())

	// and through the new static id
	_, ok = r.Resolve(StaticNodeID(pub))
	require.True(t, ok)
}

func TestPromoteRefusesSecondKey(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(ephID(1), "alice", LevelLow)
	require.NoError(t, err)

	pub1, _, err := crypto.GenStaticKeypair()
	require.NoError(t, err)
	pub2, _, err := crypto.GenStaticKeypair()
	require.NoError(t, err)

	_, err = r.Promote(ephID(1), pub1)
	require.NoError(t, err)

	// idempotent with the same key
	_, err = r.Promote(ephID(1), pub1)
	require.NoError(t, err)

	// immutable against a different key
	_, err = r.Promote(ephID(1), pub2)
	require.ErrorIs(t, err, ErrKeyAlreadySet)
}

func TestRotateReplacesEphemeralID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(ephID(1), "alice", LevelLow)
	require.NoError(t, err)
	pub, _, err := crypto.GenStaticKeypair()
	require.NoError(t, err)
	p, err := r.Promote(ephID(1), pub)
	require.NoError(t, err)

	p2, err := r.Rotate(p.CurrentID(), ephID(9))
	require.NoError(t, err)
	require.Equal(t, ephID(9), p2.EphemeralID)
	require.Equal(t, p.CurrentID(), p2.CurrentID())

	got, ok := r.Resolve(ephID(9))
	require.True(t, ok)
	require.Equal(t, p.CurrentID(), got.CurrentID())
}

func TestVerifiedPeersSurviveReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.jsonl")
	r, err := NewRegistry(RegistryOptions{Path: path})
	require.NoError(t, err)

	_, err = r.Register(ephID(1), "alice", LevelLow)
	require.NoError(t, err)
	pub, _, err := crypto.GenStaticKeypair()
	require.NoError(t, err)
	_, err = r.Promote(ephID(1), pub)
	require.NoError(t, err)

	r2, err := NewRegistry(RegistryOptions{Path: path})
	require.NoError(t, err)
	require.True(t, r2.KnownStatic(pub))
	p, ok := r2.Resolve(StaticNodeID(pub))
	require.True(t, ok)
	require.Equal(t, "alice", p.DisplayName)
	require.Equal(t, LevelHigh, p.Level)
}

func TestDropForgetsOnlyUnverified(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(ephID(1), "alice", LevelLow)
	require.NoError(t, err)
	r.Drop(ephID(1))
	_, ok := r.Resolve(ephID(1))
	require.False(t, ok)

	_, err = r.Register(ephID(2), "bob", LevelLow)
	require.NoError(t, err)
	pub, _, err := crypto.GenStaticKeypair()
	require.NoError(t, err)
	p, err := r.Promote(ephID(2), pub)
	require.NoError(t, err)
	r.Drop(ephID(2))
	_, ok = r.Resolve(p.CurrentID())
	require.True(t, ok)
}
