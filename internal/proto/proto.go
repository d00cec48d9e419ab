package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// NodeID identifies a peer on the wire. For unpaired peers it is the
// session-scoped ephemeral id; after key verification it is the SHA3-256 of
// the peer's static public key.
type NodeID [32]byte

const (
	MaxFrameSize     = 1 << 20
	SoftMaxFrameSize = 64 << 10
	TypeSniffBytes   = 512
)

// Leading byte of every wire unit. Low bits are frame flags; fragment chunks
// use a dedicated magic outside the flag space (see internal/fragment).
const (
	FlagHasRecipient = 0x01
	FlagSigned       = 0x02
	FlagControl      = 0x04
	FlagCompressed   = 0x10
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// ControlBody strips the control flag byte and returns the JSON body.
func ControlBody(frame []byte) ([]byte, error) {
	if len(frame) < 2 || frame[0]&FlagControl == 0 {
		return nil, fmt.Errorf("not a control frame")
	}
	return frame[1:], nil
}

// WrapControl prefixes a JSON control body with the control flag byte.
func WrapControl(body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = FlagControl
	copy(out[1:], body)
	return out
}

// ExtractType sniffs the "type" field of a JSON control body without a full
// decode, so oversized bodies can be rejected by per-type caps first.
func ExtractType(prefix []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
	}
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if err := dec.Decode(&hdr); err == nil && hdr.Type != "" {
		return hdr.Type, true
	}
	needle := []byte(`"type"`)
	idx := bytes.Index(prefix, needle)
	if idx == -1 {
		return "", false
	}
	rest := prefix[idx+len(needle):]
	colon := bytes.IndexByte(rest, ':')
	if colon == -1 {
		return "", false
	}
	rest = rest[colon+1:]
	rest = bytes.TrimLeft(rest, " \t\r\n")
	if len(rest) == 0 || rest[0] != '"' {
		return "", false
	}
	rest = rest[1:]
	end := bytes.IndexByte(rest, '"')
	if end == -1 {
		return "", false
	}
	return string(rest[:end]), true
}
