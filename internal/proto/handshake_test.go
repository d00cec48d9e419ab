package proto

import (
	"encoding/json"
	"testing"
)

func TestControlWrapAndSniff(t *testing.T) {
	msg := IdentityMsg{
		Type:        MsgTypeIdentity,
		From:        EncodeNodeIDHex(NodeID{0x01}),
		DisplayName: "alice",
	}
	frame, err := EncodeControl(MsgTypeIdentity, msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if frame[0]&FlagControl == 0 {
		t.Fatalf("missing control flag")
	}
	body, err := ControlBody(frame)
	if err != nil {
		t.Fatalf("control body failed: %v", err)
	}
	typ, ok := ExtractType(body)
	if !ok || typ != MsgTypeIdentity {
		t.Fatalf("type sniff failed: %q %v", typ, ok)
	}
	got, err := DecodeIdentityMsg(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.DisplayName != "alice" {
		t.Fatalf("field mismatch")
	}
}

func TestDecodeRejectsWrongType(t *testing.T) {
	body, _ := json.Marshal(PairCancelMsg{Type: MsgTypePairCancel, From: "x"})
	if _, err := DecodeIdentityMsg(body); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func TestDecodeIdentityRejectsLongName(t *testing.T) {
	name := make([]byte, MaxDisplayNameLen+1)
	for i := range name {
		name[i] = 'a'
	}
	body, _ := json.Marshal(IdentityMsg{Type: MsgTypeIdentity, DisplayName: string(name)})
	if _, err := DecodeIdentityMsg(body); err == nil {
		t.Fatalf("expected display name rejection")
	}
}

func TestNodeIDHexRoundTrip(t *testing.T) {
	var id NodeID
	id[0] = 0x7f
	id[31] = 0x01
	got, err := DecodeNodeIDHex(EncodeNodeIDHex(id))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != id {
		t.Fatalf("round trip mismatch")
	}
	if _, err := DecodeNodeIDHex("zz"); err == nil {
		t.Fatalf("expected bad hex rejection")
	}
}

func TestControlSizeCaps(t *testing.T) {
	if ControlSizeCap(MsgTypeSyncPush) <= ControlSizeCap(MsgTypeIdentity) {
		t.Fatalf("sync cap should exceed handshake cap")
	}
}
