package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeSyncDigest = "sync_digest"
	MsgTypeSyncIDs    = "sync_ids"
	MsgTypeSyncWant   = "sync_want"
	MsgTypeSyncPush   = "sync_push"
	MsgTypeMsgAck     = "msg_ack"

	MaxSyncIDs      = 512
	MaxSyncMsgSize  = 256 << 10
	MaxSyncPushMsgs = 32
)

// SyncDigestMsg opens a reconciliation round: a canonical hash of the
// sender's live queue state plus tombstones. Matching digests end the round.
type SyncDigestMsg struct {
	Type   string `json:"type"`
	From   string `json:"from"`
	Digest string `json:"digest"`
}

// SyncIDsMsg is sent on digest mismatch: the full live id set and tombstone
// id set, so the counterpart can compute the difference.
type SyncIDsMsg struct {
	Type       string   `json:"type"`
	From       string   `json:"from"`
	Live       []string `json:"live"`
	Tombstones []string `json:"tombstones"`
}

type SyncWantMsg struct {
	Type string   `json:"type"`
	From string   `json:"from"`
	IDs  []string `json:"ids"`
}

// SyncPushMsg carries whole envelopes (base64 of the wire encoding) the
// counterpart is missing.
type SyncPushMsg struct {
	Type      string   `json:"type"`
	From      string   `json:"from"`
	Envelopes []string `json:"envelopes"`
}

// MsgAckMsg confirms end-to-end delivery of a message id back to its sender.
type MsgAckMsg struct {
	Type  string `json:"type"`
	From  string `json:"from"`
	MsgID string `json:"msg_id"`
}

func DecodeSyncDigestMsg(data []byte) (SyncDigestMsg, error) {
	return decodeTyped(data, MsgTypeSyncDigest, func(m *SyncDigestMsg) string { return m.Type })
}

func DecodeSyncIDsMsg(data []byte) (SyncIDsMsg, error) {
	m, err := decodeTyped(data, MsgTypeSyncIDs, func(m *SyncIDsMsg) string { return m.Type })
	if err != nil {
		return m, err
	}
	if len(m.Live) > MaxSyncIDs || len(m.Tombstones) > MaxSyncIDs {
		return m, fmt.Errorf("sync id set too large")
	}
	return m, nil
}

func DecodeSyncWantMsg(data []byte) (SyncWantMsg, error) {
	m, err := decodeTyped(data, MsgTypeSyncWant, func(m *SyncWantMsg) string { return m.Type })
	if err != nil {
		return m, err
	}
	if len(m.IDs) > MaxSyncIDs {
		return m, fmt.Errorf("sync want set too large")
	}
	return m, nil
}

func DecodeSyncPushMsg(data []byte) (SyncPushMsg, error) {
	m, err := decodeTyped(data, MsgTypeSyncPush, func(m *SyncPushMsg) string { return m.Type })
	if err != nil {
		return m, err
	}
	if len(m.Envelopes) > MaxSyncPushMsgs {
		return m, fmt.Errorf("sync push too large")
	}
	return m, nil
}

func DecodeMsgAckMsg(data []byte) (MsgAckMsg, error) {
	return decodeTyped(data, MsgTypeMsgAck, func(m *MsgAckMsg) string { return m.Type })
}

// ControlSizeCap returns the maximum accepted body size for a control
// message type; unknown types fall back to the handshake cap.
func ControlSizeCap(msgType string) int {
	switch msgType {
	case MsgTypeSyncIDs, MsgTypeSyncWant, MsgTypeSyncPush:
		return MaxSyncMsgSize
	default:
		return MaxHandshakeMsgSize
	}
}

// EncodeSyncControl mirrors EncodeControl but with the larger sync cap.
func EncodeSyncControl(msgType string, m any) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) > ControlSizeCap(msgType) {
		return nil, fmt.Errorf("control message too large: %s", msgType)
	}
	return WrapControl(body), nil
}
