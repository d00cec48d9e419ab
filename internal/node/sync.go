package node

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"meshlink/internal/proto"
	"meshlink/internal/queue"
	"meshlink/internal/transport"
)

// Queue reconciliation over one link. A round opens with a digest on
// handshake completion; matching digests end it immediately. On mismatch both
// sides trade id sets, request what they miss and push whole envelopes.

func (n *Node) handleSyncControl(link transport.LinkID, msgType string, body []byte) {
	switch msgType {
	case proto.MsgTypeSyncDigest:
		n.onSyncDigest(link, body)
	case proto.MsgTypeSyncIDs:
		n.onSyncIDs(link, body)
	case proto.MsgTypeSyncWant:
		n.onSyncWant(link, body)
	case proto.MsgTypeSyncPush:
		n.onSyncPush(link, body)
	case proto.MsgTypeMsgAck:
		n.onMsgAck(body)
	}
}

func (n *Node) sendDigest(link transport.LinkID) {
	n.mu.Lock()
	if ls := n.links[link]; ls != nil {
		ls.idsSent = false
	}
	n.mu.Unlock()
	n.sendSync(link, proto.MsgTypeSyncDigest, proto.SyncDigestMsg{
		Type:   proto.MsgTypeSyncDigest,
		From:   proto.EncodeNodeIDHex(n.ephID),
		Digest: n.q.Digest(),
	})
}

func (n *Node) onSyncDigest(link transport.LinkID, body []byte) {
	m, err := proto.DecodeSyncDigestMsg(body)
	if err != nil {
		return
	}
	if m.Digest == n.q.Digest() {
		return
	}
	n.sendIDs(link)
}

// sendIDs is rate-limited to once per round per link so two mismatching
// digests cannot ping-pong id sets forever.
func (n *Node) sendIDs(link transport.LinkID) {
	n.mu.Lock()
	if ls := n.links[link]; ls != nil {
		ls.idsSent = true
	}
	n.mu.Unlock()
	live, tombs := n.q.SyncState()
	if len(live) > proto.MaxSyncIDs {
		live = live[:proto.MaxSyncIDs]
	}
	if len(tombs) > proto.MaxSyncIDs {
		tombs = tombs[:proto.MaxSyncIDs]
	}
	n.sendSync(link, proto.MsgTypeSyncIDs, proto.SyncIDsMsg{
		Type:       proto.MsgTypeSyncIDs,
		From:       proto.EncodeNodeIDHex(n.ephID),
		Live:       live,
		Tombstones: tombs,
	})
}

func (n *Node) onSyncIDs(link transport.LinkID, body []byte) {
	m, err := proto.DecodeSyncIDsMsg(body)
	if err != nil {
		return
	}
	want, err := n.q.ApplyRemoteState(m.Live, m.Tombstones)
	if err != nil {
		n.log.Warn("tombstone adoption not durable", zap.Error(err))
	}

	n.mu.Lock()
	ls := n.links[link]
	sent := ls != nil && ls.idsSent
	n.mu.Unlock()
	if !sent {
		n.sendIDs(link)
	}

	if len(want) == 0 {
		return
	}
	if len(want) > proto.MaxSyncIDs {
		want = want[:proto.MaxSyncIDs]
	}
	n.sendSync(link, proto.MsgTypeSyncWant, proto.SyncWantMsg{
		Type: proto.MsgTypeSyncWant,
		From: proto.EncodeNodeIDHex(n.ephID),
		IDs:  want,
	})
}

func (n *Node) onSyncWant(link transport.LinkID, body []byte) {
	m, err := proto.DecodeSyncWantMsg(body)
	if err != nil {
		return
	}
	envs := n.q.Envelopes(m.IDs)
	for len(envs) > 0 {
		batch := envs
		if len(batch) > proto.MaxSyncPushMsgs {
			batch = batch[:proto.MaxSyncPushMsgs]
		}
		envs = envs[len(batch):]
		encoded := make([]string, 0, len(batch))
		for _, e := range batch {
			encoded = append(encoded, base64.StdEncoding.EncodeToString(e))
		}
		n.sendSync(link, proto.MsgTypeSyncPush, proto.SyncPushMsg{
			Type:      proto.MsgTypeSyncPush,
			From:      proto.EncodeNodeIDHex(n.ephID),
			Envelopes: encoded,
		})
	}
}

func (n *Node) onSyncPush(link transport.LinkID, body []byte) {
	m, err := proto.DecodeSyncPushMsg(body)
	if err != nil {
		return
	}
	for _, s := range m.Envelopes {
		wire, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			continue
		}
		env, err := proto.DecodeEnvelope(wire)
		if err != nil {
			n.log.Debug("pushed envelope rejected", zap.Error(err))
			continue
		}
		if env.Recipient == n.ephID || env.Recipient == n.staticID {
			n.deliverLocal(link, &env)
			continue
		}
		n.admitRelayed(&env, wire)
	}
	n.pumpQueue()
}

// ---------------------------------------------------------------------------
// end-to-end acks
// ---------------------------------------------------------------------------

func (n *Node) sendAck(link transport.LinkID, id [16]byte) {
	n.sendSync(link, proto.MsgTypeMsgAck, proto.MsgAckMsg{
		Type:  proto.MsgTypeMsgAck,
		From:  proto.EncodeNodeIDHex(n.ephID),
		MsgID: hex.EncodeToString(id[:]),
	})
}

func (n *Node) onMsgAck(body []byte) {
	m, err := proto.DecodeMsgAckMsg(body)
	if err != nil {
		return
	}
	id, err := parseMsgID(m.MsgID)
	if err != nil {
		return
	}
	n.mu.Lock()
	if ev, ok := n.acks[id]; ok {
		n.sc.Cancel(ev)
		delete(n.acks, id)
	}
	n.mu.Unlock()
	if qm, ok := n.q.Get(id); ok &&
		qm.Status != queue.StatusDelivered && qm.Status != queue.StatusFailed {
		n.reportAttempt(id, true)
	}
}

func (n *Node) sendSync(link transport.LinkID, msgType string, m any) {
	frame, err := proto.EncodeSyncControl(msgType, m)
	if err != nil {
		n.log.Warn("sync encode failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := n.sendFrame(link, frame); err != nil {
		n.log.Debug("sync send failed", zap.String("type", msgType), zap.Error(err))
	}
}

func parseMsgID(s string) ([16]byte, error) {
	var id [16]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return id, fmt.Errorf("bad message id")
	}
	copy(id[:], b)
	return id, nil
}
