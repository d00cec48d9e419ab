package handshake

import (
	"encoding/binary"
	"fmt"

	"meshlink/internal/crypto"
)

const pinLabel = "meshlink:pin:v1"

// PIN derives the six-digit verification code both users compare out of
// band. Both ends hold the same transcript, so both display the same code;
// an active man in the middle holds two different transcripts and cannot
// make the codes agree.
func PIN(transcript []byte) string {
	sum := crypto.KDF(pinLabel, transcript)
	n := binary.BigEndian.Uint32(sum[:4]) % 1_000_000
	return fmt.Sprintf("%06d", n)
}
