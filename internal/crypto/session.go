package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelKDFMaster = "meshlink:kdf:v1"
	labelSendKey   = "meshlink:send:v1"
	labelRecvKey   = "meshlink:recv:v1"
	labelNonceSend = "meshlink:ns:send:v1"
	labelNonceRecv = "meshlink:ns:recv:v1"

	labelBroadcast = "meshlink:broadcast:v1"
	labelStaticDH  = "meshlink:staticdh:v1"
)

type SessionKeys struct {
	Master        []byte
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

// DeriveSessionKeys expands a raw shared secret plus the handshake transcript
// into directional keys and nonce bases. Both sides call it with the same
// inputs; the initiator's send key is the responder's recv key and vice
// versa, so the responder swaps the halves.
func DeriveSessionKeys(ss, transcript []byte, initiator bool) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errors.New("empty key material")
	}
	master := KDF(labelKDFMaster, ss, transcript)
	a := KDF(labelSendKey, master)
	b := KDF(labelRecvKey, master)
	nsA := KDF(labelNonceSend, master)[:XNonceSize]
	nsB := KDF(labelNonceRecv, master)[:XNonceSize]
	keys := SessionKeys{Master: master}
	if initiator {
		keys.SendKey, keys.RecvKey = a, b
		keys.NonceBaseSend, keys.NonceBaseRecv = nsA, nsB
	} else {
		keys.SendKey, keys.RecvKey = b, a
		keys.NonceBaseSend, keys.NonceBaseRecv = nsB, nsA
	}
	return keys, nil
}

// Destroy zeroizes all key material held by the schedule.
func (k *SessionKeys) Destroy() {
	if k == nil {
		return
	}
	wipe(k.Master)
	wipe(k.SendKey)
	wipe(k.RecvKey)
	wipe(k.NonceBaseSend)
	wipe(k.NonceBaseRecv)
	k.Master = nil
	k.SendKey = nil
	k.RecvKey = nil
	k.NonceBaseSend = nil
	k.NonceBaseRecv = nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// BroadcastKey derives the shared low-security symmetric key for a named
// mesh network. Every node on the network derives the same key.
func BroadcastKey(networkName string) []byte {
	return KDF(labelBroadcast, []byte(networkName))
}

// StaticSharedSecret derives the high-security per-peer secret from the
// local static private key and the peer's verified static public key. The
// session salt binds the secret to the current session so the derived keys
// do not outlive a reconnect.
func StaticSharedSecret(staticPriv, peerStaticPub, sessionSalt []byte) ([]byte, error) {
	if len(sessionSalt) == 0 {
		return nil, errors.New("empty session salt")
	}
	ss, err := X25519Shared(staticPriv, peerStaticPub)
	if err != nil {
		return nil, err
	}
	out := KDF(labelStaticDH, ss, sessionSalt)
	wipe(ss)
	return out, nil
}

func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := make([]byte, XNonceSize)
	copy(nonce, base)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], counter)
	for i := 0; i < 8; i++ {
		nonce[XNonceSize-8+i] ^= tmp[i]
	}
	return nonce, nil
}
