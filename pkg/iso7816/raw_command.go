package iso7816

import (
	"fmt"
	"strings"

	"github.com/gregLibert/cardtrace/pkg/bits"
)

// COMMAND APDU DECODING (C-APDU, wire side):
//
// While CommandAPDU builds the byte image of a command, RawCommandAPDU works in
// the opposite direction: it wraps a byte sequence captured on the wire (from a
// trace, a proxy, or a card-side implementation) and classifies it.
//
// The C-APDU format is self-describing but carries no explicit tag for its own
// shape: the case (1-4) and the length mode (Short vs Extended) must be inferred
// from the total length and the byte at offset 4.
//
// CLASSIFICATION RULES (ISO 7816-4):
// - Length 4: Case 1 (header only).
// - Length 5: Case 2 Short (header + 1-byte Le).
// - Length 7 with byte 4 == 00: Case 2 Extended (header + 00 + 2-byte Le).
// - Otherwise, byte 4 == 00 marks Extended mode: Lc is the big-endian 16-bit
//   value at offsets 5-6, and the total length must be 7+Lc (Case 3) or
//   7+Lc+2 (Case 4).
// - Otherwise, byte 4 is the Short Lc itself, and the total length must be
//   5+Lc (Case 3) or 5+Lc+1 (Case 4).
//
// AMBIGUITY:
// A Short command with an explicit Lc of 0 is indistinguishable from the
// Extended marker. ISO 7816-4 resolves this by convention: a zero at offset 4
// (beyond the short-circuited lengths above) always means Extended. This is a
// property of the wire format, not of this implementation.
//
// LE CONVENTION:
// An explicit Le field of 0 means "give me everything": 256 in Short mode,
// 65536 in Extended mode. Ne() applies that remapping; Le() reports the raw
// field.

// Case identifies the structural shape of a Command APDU.
type Case int

const (
	// CaseInvalid marks a byte sequence that matches no C-APDU shape.
	CaseInvalid Case = iota
	// Case1: header only, no body.
	Case1
	// Case2: header + Le (a response is expected, no data is sent).
	Case2
	// Case3: header + Lc + data (data is sent, no response expected).
	Case3
	// Case4: header + Lc + data + Le (data is sent, response expected).
	Case4
)

func (c Case) String() string {
	switch c {
	case Case1:
		return "Case 1 (Header only)"
	case Case2:
		return "Case 2 (Le only)"
	case Case3:
		return "Case 3 (Data only)"
	case Case4:
		return "Case 4 (Data + Le)"
	default:
		return "Invalid"
	}
}

// LeAbsent is the sentinel returned by Le() when the command carries no Le field.
const LeAbsent = -1

// RawCommandAPDU is an immutable view over the raw bytes of a Command APDU.
//
// Construction never fails and performs no validation; callers are expected to
// check IsValid() before trusting derived fields. On an invalid sequence the
// accessors are bounds-guarded, so they never panic, but the values they return
// are unspecified.
type RawCommandAPDU struct {
	data []byte
}

// ParseCommandAPDU wraps raw bytes in a RawCommandAPDU.
// The input is copied; a nil slice is treated as empty.
func ParseCommandAPDU(raw []byte) RawCommandAPDU {
	data := make([]byte, len(raw))
	copy(data, raw)
	return RawCommandAPDU{data: data}
}

// Classify derives the structural case and the Extended flag from the stored
// bytes. It is the single source of truth for validity: a sequence is a
// well-formed C-APDU iff the returned case is not CaseInvalid.
func (a RawCommandAPDU) Classify() (Case, bool) {
	n := len(a.data)

	switch {
	case n < 4:
		return CaseInvalid, false
	case n == 4:
		return Case1, false
	case n == 5:
		return Case2, false
	case n == 7 && a.data[4] == 0x00:
		return Case2, true
	}

	if a.data[4] == 0x00 {
		// Extended mode: a 2-byte Lc must follow the marker.
		if n < 7 {
			return CaseInvalid, true
		}
		nc := bits.U16(a.data[5], a.data[6])
		switch n {
		case 7 + nc:
			return Case3, true
		case 7 + nc + 2:
			return Case4, true
		}
		return CaseInvalid, true
	}

	nc := int(a.data[4])
	switch n {
	case 5 + nc:
		return Case3, false
	case 5 + nc + 1:
		return Case4, false
	}
	return CaseInvalid, false
}

// IsValid reports whether the stored bytes form a well-formed Command APDU.
func (a RawCommandAPDU) IsValid() bool {
	c, _ := a.Classify()
	return c != CaseInvalid
}

// IsExtended reports whether the field accessors read the body using Extended
// length fields. The check is byte 5 == 00: for every Extended body the byte
// after the marker is the high byte of Lc or Le, which is zero whenever the
// value fits in 8 bits. Lc(), Ne(), Le() and ArgumentData() are defined in
// terms of this flag.
func (a RawCommandAPDU) IsExtended() bool {
	return len(a.data) >= 7 && a.data[5] == 0x00
}

// Cla returns the Class byte (CLA) of the header.
func (a RawCommandAPDU) Cla() byte { return a.headerByte(0) }

// Ins returns the Instruction byte (INS) of the header.
func (a RawCommandAPDU) Ins() byte { return a.headerByte(1) }

// P1 returns the Parameter 1 byte of the header.
func (a RawCommandAPDU) P1() byte { return a.headerByte(2) }

// P2 returns the Parameter 2 byte of the header.
func (a RawCommandAPDU) P2() byte { return a.headerByte(3) }

func (a RawCommandAPDU) headerByte(i int) byte {
	if i >= len(a.data) {
		return 0x00
	}
	return a.data[i]
}

// Lc returns the declared length of the data field, or 0 if no data field is
// present. The value is read from the length fields, not measured from the
// actual body, so on an invalid APDU it may disagree with the real payload.
func (a RawCommandAPDU) Lc() int {
	n := len(a.data)
	extended := a.IsExtended()

	switch {
	case n <= 4:
		return 0
	case !extended && n == 5:
		return 0 // Case 2 Short: the single body byte is Le
	case extended && n == 7:
		return 0 // Case 2 Extended: bytes 5-6 are Le
	case extended:
		return bits.U16(a.data[5], a.data[6])
	default:
		return int(a.data[4])
	}
}

// HasData reports whether a data field is present.
func (a RawCommandAPDU) HasData() bool {
	return a.Lc() != 0
}

// leValue locates the Le field and returns its raw value, or ok=false if the
// command declares no expected response length.
func (a RawCommandAPDU) leValue() (value int, ok bool) {
	n := len(a.data)
	extended := a.IsExtended()

	lcWidth := 1
	if extended {
		lcWidth = 3 // marker + 2-byte Lc
	}

	switch {
	case n <= 4:
		return 0, false
	case !extended && n == 5:
		return int(a.data[4]), true
	case extended && n == 7:
		return bits.U16(a.data[5], a.data[6]), true
	case n == 4+lcWidth+a.Lc():
		return 0, false // Case 3: the body ends with the data field
	case extended:
		return bits.U16(a.data[n-2], a.data[n-1]), true
	default:
		return int(a.data[n-1]), true
	}
}

// Ne returns the expected response length, or 0 if no Le field is present.
// An explicit zero Le is remapped to MaxShortLe (256) or MaxExtendedLe (65536),
// matching the convention used by CommandAPDU.Ne on the encoding side.
func (a RawCommandAPDU) Ne() int {
	v, ok := a.leValue()
	if !ok {
		return 0
	}
	if v == 0 {
		if a.IsExtended() {
			return MaxExtendedLe
		}
		return MaxShortLe
	}
	return v
}

// Le returns the raw value of the Le field, or LeAbsent (-1) if the command
// declares no expected response length. Unlike Ne, an explicit zero is
// returned as-is; the caller decides whether to apply the 256/65536 convention.
func (a RawCommandAPDU) Le() int {
	v, ok := a.leValue()
	if !ok {
		return LeAbsent
	}
	return v
}

// ArgumentData returns a copy of the data field. The result always has length
// Lc(); for a valid APDU it is exactly the payload, for an invalid one the
// missing tail is zero-filled.
func (a RawCommandAPDU) ArgumentData() []byte {
	nc := a.Lc()
	out := make([]byte, nc)
	if nc == 0 {
		return out
	}

	offset := 5
	if a.IsExtended() {
		offset = 7
	}
	copy(out, a.data[offset:])
	return out
}

// Raw returns a copy of the underlying byte sequence.
func (a RawCommandAPDU) Raw() []byte {
	out := make([]byte, len(a.data))
	copy(out, a.data)
	return out
}

// String returns a compact one-line summary of the command.
func (a RawCommandAPDU) String() string {
	c, extended := a.Classify()
	if c == CaseInvalid {
		return fmt.Sprintf("Invalid C-APDU (%d bytes)", len(a.data))
	}

	mode := "Short"
	if extended {
		mode = "Extended"
	}

	return fmt.Sprintf("CLA: %02X, INS: %02X | P1: %02X, P2: %02X | %s %s | Lc: %d | Ne: %d",
		a.Cla(), a.Ins(), a.P1(), a.P2(), c, mode, a.Lc(), a.Ne())
}

// Describe generates a detailed, ASCII-formatted report of the command,
// including the decoded CLA and INS meta-data.
func (a RawCommandAPDU) Describe() string {
	var sb strings.Builder

	sb.WriteString("=== COMMAND APDU REPORT ===\n")
	sb.WriteString(fmt.Sprintf("[1] Raw: %X (%d bytes)\n", a.data, len(a.data)))

	c, extended := a.Classify()
	if c == CaseInvalid {
		sb.WriteString("[!] Structure: Invalid (no case/length combination matches)")
		return sb.String()
	}

	mode := "Short"
	if extended {
		mode = "Extended"
	}
	sb.WriteString(fmt.Sprintf("[2] Structure: %s | %s Length\n", c, mode))

	if cls, err := NewClass(a.Cla()); err != nil {
		sb.WriteString(fmt.Sprintf("    + CLA: %02X (undecodable: %v)\n", a.Cla(), err))
	} else if cls.IsProprietary {
		sb.WriteString(fmt.Sprintf("    + CLA: %02X | Proprietary\n", a.Cla()))
	} else {
		sb.WriteString(fmt.Sprintf("    + CLA: %02X | Channel: %d | Chained: %t | SM: %d\n",
			a.Cla(), cls.Channel, cls.IsChained, cls.SecureMessaging))
	}

	if ins, err := NewInstruction(InsCode(a.Ins())); err != nil {
		sb.WriteString(fmt.Sprintf("    + INS: %02X (undecodable: %v)\n", a.Ins(), err))
	} else {
		sb.WriteString(fmt.Sprintf("    + %s\n", ins.Verbose()))
	}

	sb.WriteString(fmt.Sprintf("    + P1: %02X, P2: %02X\n", a.P1(), a.P2()))

	sb.WriteString("[3] Body:\n")
	if a.HasData() {
		sb.WriteString(fmt.Sprintf("    + Data (%d bytes): %X\n", a.Lc(), a.ArgumentData()))
	} else {
		sb.WriteString("    - No Data field.\n")
	}

	if le := a.Le(); le != LeAbsent {
		sb.WriteString(fmt.Sprintf("    + Le: %d (Ne: %d)", le, a.Ne()))
	} else {
		sb.WriteString("    - No Le field.")
	}

	return sb.String()
}
