package proto

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeReadyPing     = "ready_ping"
	MsgTypeReadyAck      = "ready_ack"
	MsgTypeIdentity      = "identity"
	MsgTypeContactStatus = "contact_status"
	MsgTypePairRequest   = "pair_request"
	MsgTypePairResponse  = "pair_response"
	MsgTypePairCancel    = "pair_cancel"
	MsgTypeVerifyConfirm = "verify_confirm"

	MaxHandshakeMsgSize = 8 << 10
	MaxDisplayNameLen   = 64
)

// ReadyPingMsg is the liveness probe both sides exchange before the
// handshake proper; the two ends of a radio link may finish low-level
// initialization at very different speeds.
type ReadyPingMsg struct {
	Type  string `json:"type"`
	From  string `json:"from"`
	Nonce string `json:"nonce"`
}

type ReadyAckMsg struct {
	Type  string `json:"type"`
	From  string `json:"from"`
	Nonce string `json:"nonce"`
}

// IdentityMsg carries the session identity: ephemeral id, display name, the
// session signing public key and the ephemeral DH share used for a
// session-level key when pairing completes.
type IdentityMsg struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	DisplayName string `json:"display_name"`
	SignPub     string `json:"sign_pub"`
	DHPub       string `json:"dh_pub"`
	Nonce       string `json:"nonce"`
	Sig         string `json:"sig"`
}

// ContactStatusMsg discloses the sender's static public key. Recognition is
// decided by the receiver: it resumes the trusted session only when its own
// contact book holds the disclosed key.
type ContactStatusMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	StaticPub string `json:"static_pub,omitempty"`
}

type PairRequestMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

type PairResponseMsg struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	Accepted bool   `json:"accepted"`
}

// PairCancelMsg aborts the handshake from any phase. It is terminal for the
// session on both ends.
type PairCancelMsg struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	Reason string `json:"reason,omitempty"`
}

// VerifyConfirmMsg closes key verification: the sender confirms the PIN
// matched and discloses its static public key, signed by the session key so
// the static key is bound to this handshake.
type VerifyConfirmMsg struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	PinOK     bool   `json:"pin_ok"`
	StaticPub string `json:"static_pub,omitempty"`
	Sig       string `json:"sig,omitempty"`
}

func EncodeControl(msgType string, m any) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxHandshakeMsgSize {
		return nil, fmt.Errorf("control message too large: %s", msgType)
	}
	return WrapControl(body), nil
}

func decodeTyped[T any](data []byte, want string, getType func(*T) string) (T, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if got := getType(&m); got != "" && got != want {
		return m, fmt.Errorf("unexpected msg type: %s", got)
	}
	return m, nil
}

func DecodeReadyPingMsg(data []byte) (ReadyPingMsg, error) {
	return decodeTyped(data, MsgTypeReadyPing, func(m *ReadyPingMsg) string { return m.Type })
}

func DecodeReadyAckMsg(data []byte) (ReadyAckMsg, error) {
	return decodeTyped(data, MsgTypeReadyAck, func(m *ReadyAckMsg) string { return m.Type })
}

func DecodeIdentityMsg(data []byte) (IdentityMsg, error) {
	m, err := decodeTyped(data, MsgTypeIdentity, func(m *IdentityMsg) string { return m.Type })
	if err != nil {
		return m, err
	}
	if len(m.DisplayName) > MaxDisplayNameLen {
		return m, fmt.Errorf("display name too long")
	}
	return m, nil
}

func DecodeContactStatusMsg(data []byte) (ContactStatusMsg, error) {
	return decodeTyped(data, MsgTypeContactStatus, func(m *ContactStatusMsg) string { return m.Type })
}

func DecodePairRequestMsg(data []byte) (PairRequestMsg, error) {
	return decodeTyped(data, MsgTypePairRequest, func(m *PairRequestMsg) string { return m.Type })
}

func DecodePairResponseMsg(data []byte) (PairResponseMsg, error) {
	return decodeTyped(data, MsgTypePairResponse, func(m *PairResponseMsg) string { return m.Type })
}

func DecodePairCancelMsg(data []byte) (PairCancelMsg, error) {
	return decodeTyped(data, MsgTypePairCancel, func(m *PairCancelMsg) string { return m.Type })
}

func DecodeVerifyConfirmMsg(data []byte) (VerifyConfirmMsg, error) {
	return decodeTyped(data, MsgTypeVerifyConfirm, func(m *VerifyConfirmMsg) string { return m.Type })
}

// IdentitySigInput is the byte string the session signer covers in an
// IdentityMsg.
func IdentitySigInput(from NodeID, signPub, dhPub, nonce []byte) []byte {
	buf := make([]byte, 0, len("meshlink:id:v1")+32+len(signPub)+len(dhPub)+len(nonce))
	buf = append(buf, []byte("meshlink:id:v1")...)
	buf = append(buf, from[:]...)
	buf = append(buf, signPub...)
	buf = append(buf, dhPub...)
	buf = append(buf, nonce...)
	return buf
}

// VerifySigInput binds a disclosed static key to the handshake transcript.
func VerifySigInput(from NodeID, staticPub, transcript []byte) []byte {
	buf := make([]byte, 0, len("meshlink:verify:v1")+32+len(staticPub)+len(transcript))
	buf = append(buf, []byte("meshlink:verify:v1")...)
	buf = append(buf, from[:]...)
	buf = append(buf, staticPub...)
	buf = append(buf, transcript...)
	return buf
}

func DecodeNodeIDHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return id, fmt.Errorf("bad node id")
	}
	copy(id[:], b)
	return id, nil
}

func EncodeNodeIDHex(id NodeID) string {
	return hex.EncodeToString(id[:])
}
