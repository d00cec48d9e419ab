package crypto

import (
	"bytes"
	"testing"
)

func TestDeriveSessionKeysDirectional(t *testing.T) {
	ss := bytes.Repeat([]byte{0x05}, 32)
	transcript := []byte("transcript")
	init, err := DeriveSessionKeys(ss, transcript, true)
	if err != nil {
		t.Fatalf("derive initiator: %v", err)
	}
	resp, err := DeriveSessionKeys(ss, transcript, false)
	if err != nil {
		t.Fatalf("derive responder: %v", err)
	}
	if !bytes.Equal(init.SendKey, resp.RecvKey) || !bytes.Equal(init.RecvKey, resp.SendKey) {
		t.Fatalf("directional keys do not pair up")
	}
	if !bytes.Equal(init.NonceBaseSend, resp.NonceBaseRecv) {
		t.Fatalf("nonce bases do not pair up")
	}
	if bytes.Equal(init.SendKey, init.RecvKey) {
		t.Fatalf("send and recv keys must differ")
	}
}

func TestDeriveSessionKeysRejectsEmpty(t *testing.T) {
	if _, err := DeriveSessionKeys(nil, []byte("t"), true); err == nil {
		t.Fatalf("expected error on empty secret")
	}
	if _, err := DeriveSessionKeys([]byte("ss"), nil, true); err == nil {
		t.Fatalf("expected error on empty transcript")
	}
}

func TestSessionAEADSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, XKeySize)
	base := bytes.Repeat([]byte{0x02}, XNonceSize)
	var fromID [32]byte
	var toID [32]byte
	fromID[0] = 0x0a
	toID[0] = 0x0b
	nonce, err := NonceFromBase(base, 7)
	if err != nil {
		t.Fatalf("nonce derivation failed: %v", err)
	}
	aad := BuildAAD("msg", 7, fromID, toID)
	plain := []byte("payload")
	sealed, err := XSealWithNonce(key, nonce, plain, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	opened, err := XOpen(key, nonce, sealed, aad)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("payload mismatch")
	}
}

func TestStaticSharedSecretSessionBound(t *testing.T) {
	pubA, privA, err := GenStaticKeypair()
	if err != nil {
		t.Fatalf("gen a: %v", err)
	}
	pubB, privB, err := GenStaticKeypair()
	if err != nil {
		t.Fatalf("gen b: %v", err)
	}
	salt1 := []byte("session-1")
	salt2 := []byte("session-2")
	ssA, err := StaticSharedSecret(privA, pubB, salt1)
	if err != nil {
		t.Fatalf("shared a: %v", err)
	}
	ssB, err := StaticSharedSecret(privB, pubA, salt1)
	if err != nil {
		t.Fatalf("shared b: %v", err)
	}
	if !bytes.Equal(ssA, ssB) {
		t.Fatalf("static shared secret mismatch")
	}
	ssA2, err := StaticSharedSecret(privA, pubB, salt2)
	if err != nil {
		t.Fatalf("shared a salt2: %v", err)
	}
	if bytes.Equal(ssA, ssA2) {
		t.Fatalf("expected different secrets per session salt")
	}
}

func TestSessionKeysDestroy(t *testing.T) {
	keys, err := DeriveSessionKeys(bytes.Repeat([]byte{0x09}, 32), []byte("t"), true)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	keys.Destroy()
	if keys.SendKey != nil || keys.Master != nil {
		t.Fatalf("expected key material released")
	}
}
