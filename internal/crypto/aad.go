package crypto

import (
	"encoding/binary"
)

// BuildAAD binds a sealed payload to its wire context: message type, send
// sequence and both endpoint ids. A ciphertext replayed under a different
// header fails authentication.
func BuildAAD(msgType string, seq uint64, fromID, toID [32]byte) []byte {
	msgBytes := []byte(msgType)
	buf := make([]byte, 0, 2+len(msgBytes)+8+32+32)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(msgBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, msgBytes...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	buf = append(buf, seqBytes[:]...)
	buf = append(buf, fromID[:]...)
	buf = append(buf, toID[:]...)
	return buf
}

// BuildSessionAAD is the AAD for session-keyed payloads. The endpoint ids
// are deliberately absent: the session keys already bind both identities via
// the handshake transcript, and the wire ids change mid-session when an
// ephemeral identity is promoted to its persistent one.
func BuildSessionAAD(msgType string, seq uint64) []byte {
	msgBytes := []byte(msgType)
	buf := make([]byte, 0, 2+len(msgBytes)+8)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(msgBytes)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, msgBytes...)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	buf = append(buf, seqBytes[:]...)
	return buf
}
