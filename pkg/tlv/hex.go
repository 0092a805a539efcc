package tlv

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Hex constructs a byte slice from a series of hex strings.
// It panics on malformed input, so it is meant for fixtures and literals.
func Hex(parts ...string) []byte {
	fullHex := strings.Join(parts, "")
	// Drop whitespace to allow formats like "00 A4 04 00" or multi-line dumps
	cleanHex := strings.Join(strings.Fields(fullHex), "")

	data, err := hex.DecodeString(cleanHex)
	if err != nil {
		panic(fmt.Sprintf("invalid input '%s': %v", cleanHex, err))
	}
	return data
}
