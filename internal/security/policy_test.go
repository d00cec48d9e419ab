package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"meshlink/internal/crypto"
	"meshlink/internal/identity"
	"meshlink/internal/proto"
)

type memKeyStore struct {
	pub, priv []byte
}

func newMemKeyStore(t *testing.T) *memKeyStore {
	t.Helper()
	pub, priv, err := crypto.GenStaticKeypair()
	require.NoError(t, err)
	return &memKeyStore{pub: pub, priv: priv}
}

func (k *memKeyStore) GetOrCreatePersistentKeypair() ([]byte, []byte, error) {
	return k.pub, k.priv, nil
}

func nid(b byte) proto.NodeID {
	var id proto.NodeID
	id[0] = b
	return id
}

func pairedManagers(t *testing.T, method Method) (*Manager, *Manager, proto.NodeID, proto.NodeID) {
	t.Helper()
	a := nid(0x0a)
	b := nid(0x0b)
	mgrA := NewManager(Options{SelfID: a, KeyStore: newMemKeyStore(t), NetworkName: "mesh"})
	mgrB := NewManager(Options{SelfID: b, KeyStore: newMemKeyStore(t), NetworkName: "mesh"})

	ss := bytes.Repeat([]byte{0x33}, 32)
	transcript := []byte("shared transcript")
	keysA, err := crypto.DeriveSessionKeys(ss, transcript, true)
	require.NoError(t, err)
	keysB, err := crypto.DeriveSessionKeys(ss, transcript, false)
	require.NoError(t, err)

	signerA, err := crypto.GenerateSessionSigner()
	require.NoError(t, err)
	signerB, err := crypto.GenerateSessionSigner()
	require.NoError(t, err)
	pubA, err := signerA.Public()
	require.NoError(t, err)
	pubB, err := signerB.Public()
	require.NoError(t, err)

	mgrA.InstallSession(b, method, keysA, signerA, pubB)
	mgrB.InstallSession(a, method, keysB, signerB, pubA)
	return mgrA, mgrB, a, b
}

func TestBroadcastRoundTrip(t *testing.T) {
	a := nid(0x0a)
	b := nid(0x0b)
	mgrA := NewManager(Options{SelfID: a, NetworkName: "mesh"})
	mgrB := NewManager(Options{SelfID: b, NetworkName: "mesh"})

	ct, err := mgrA.Encrypt([]byte("hello"), b, identity.LevelLow)
	require.NoError(t, err)
	pt, err := mgrB.Decrypt(ct, a, identity.LevelLow)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
}

func TestSessionRoundTripAndReplay(t *testing.T) {
	mgrA, mgrB, a, b := pairedManagers(t, MethodSession)

	ct1, err := mgrA.Encrypt([]byte("one"), b, identity.LevelMedium)
	require.NoError(t, err)
	ct2, err := mgrA.Encrypt([]byte("two"), b, identity.LevelMedium)
	require.NoError(t, err)

	pt, err := mgrB.Decrypt(ct1, a, identity.LevelMedium)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), pt)

	pt, err = mgrB.Decrypt(ct2, a, identity.LevelMedium)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), pt)

	// replay of ct1 must fail
	_, err = mgrB.Decrypt(ct1, a, identity.LevelMedium)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestEncryptFailsClosedWithoutKeys(t *testing.T) {
	mgr := NewManager(Options{SelfID: nid(1), NetworkName: "mesh"})
	peer := nid(2)
	for _, level := range []identity.SecurityLevel{identity.LevelMedium, identity.LevelHigh} {
		_, err := mgr.Encrypt([]byte("secret"), peer, level)
		require.ErrorIs(t, err, ErrNoSessionKey, "level %s must fail closed", level)
	}
}

func TestDecryptRejectsDowngrade(t *testing.T) {
	_, mgrB, a, b := pairedManagers(t, MethodSession)

	// broadcast-sealed payload offered for a Medium peer must be refused
	low := NewManager(Options{SelfID: a, NetworkName: "mesh"})
	ct, err := low.Encrypt([]byte("sneaky"), b, identity.LevelLow)
	require.NoError(t, err)
	_, err = mgrB.Decrypt(ct, a, identity.LevelMedium)
	require.ErrorIs(t, err, ErrMethodMismatch)
}

func TestStaticDHRoundTrip(t *testing.T) {
	a := nid(0x0a)
	b := nid(0x0b)
	ksA := newMemKeyStore(t)
	ksB := newMemKeyStore(t)
	mgrA := NewManager(Options{SelfID: a, KeyStore: ksA, NetworkName: "mesh"})
	mgrB := NewManager(Options{SelfID: b, KeyStore: ksB, NetworkName: "mesh"})

	salt := []byte("session-salt-1")
	require.NoError(t, mgrA.EstablishStatic(b, ksB.pub, salt, true))
	require.NoError(t, mgrB.EstablishStatic(a, ksA.pub, salt, false))

	ct, err := mgrA.Encrypt([]byte("top secret"), b, identity.LevelHigh)
	require.NoError(t, err)
	pt, err := mgrB.Decrypt(ct, a, identity.LevelHigh)
	require.NoError(t, err)
	require.Equal(t, []byte("top secret"), pt)
}

func TestMethodForLevelMapping(t *testing.T) {
	require.Equal(t, MethodBroadcast, MethodForLevel(identity.LevelLow))
	require.Equal(t, MethodSession, MethodForLevel(identity.LevelMedium))
	require.Equal(t, MethodStaticDH, MethodForLevel(identity.LevelHigh))
}

func TestSignVerify(t *testing.T) {
	mgrA, mgrB, a, b := pairedManagers(t, MethodSession)
	msg := []byte("sign me")
	sig, err := mgrA.Sign(msg, b)
	require.NoError(t, err)
	require.True(t, mgrB.Verify(msg, sig, a))
	require.False(t, mgrB.Verify([]byte("other"), sig, a))
}

func TestDropSessionReleasesKeys(t *testing.T) {
	mgrA, _, _, b := pairedManagers(t, MethodSession)
	require.True(t, mgrA.HasSessionKey(b))
	mgrA.DropSession(b)
	require.False(t, mgrA.HasSessionKey(b))
	_, err := mgrA.Encrypt([]byte("x"), b, identity.LevelMedium)
	require.ErrorIs(t, err, ErrNoSessionKey)
	_, err = mgrA.Sign([]byte("x"), b)
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestRekeyIndexCarriesSession(t *testing.T) {
	mgrA, _, _, b := pairedManagers(t, MethodSession)
	newID := nid(0x77)
	mgrA.RekeyIndex(b, newID)
	require.False(t, mgrA.HasSessionKey(b))
	require.True(t, mgrA.HasSessionKey(newID))
	_, err := mgrA.Encrypt([]byte("x"), newID, identity.LevelMedium)
	require.NoError(t, err)
}
