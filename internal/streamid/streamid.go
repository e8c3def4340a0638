// Package streamid implements the reversible (device_id, channel_id, ssrc)
// encoding used to hand a media session a short opaque token, plus the
// SSRC pool that token embeds (C6).
package streamid

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// digitAlphabet and letterAlphabet are the two emission alphabets: a
// 9-bit group below 52 emits one letter; at or above 52 it additionally
// emits a leading digit for the "circle" (how many times 52 divides in).
const (
	digitAlphabet = "0123456789"
	letterAlphabet = "qazwsxedcrfvtgbyhnujmikolpQAZWSXEDCRFVTGBYHNUJMIKOLP"
)

// groupBits is the 9-bit group size the 207-bit padded key is split into
// (207 = 23 groups of 9); cellBits is the 3-bit cell size within a group
// whose first and third cells are swapped before emission.
const (
	groupBits = 9
	cellBits  = 3
	numGroups = 23
	keyBits   = 200 // 50 decimal digits * 4 bits
	saltBits  = 7
)

// insertionStride matches the original's "every 23rd position starting
// past the first" padding rule: insertions happen after original-string
// indices 46, 69, 92, ..., 184 (seven of them), turning 200 bits into 207.
const insertionStride = 23

// EncodeStreamID encodes a 20-digit device id, 20-digit channel id, and
// 10-digit SSRC string into a compact, reversible token. The encoding is
// not cryptographically secret: a timestamp-derived salt only exists to
// reduce collisions between tokens minted for the same triple within the
// same second.
func EncodeStreamID(deviceID, channelID, ssrc string) (string, error) {
	if len(deviceID) != 20 || len(channelID) != 20 || len(ssrc) != 10 {
		return "", fmt.Errorf("streamid: want 20+20+10 digit triple, got %d+%d+%d", len(deviceID), len(channelID), len(ssrc))
	}
	orig := deviceID + channelID + ssrc
	bits, err := digitsToBits(orig)
	if err != nil {
		return "", err
	}

	salt := saltBits7()
	padded := insertSalt(bits, salt)

	var out strings.Builder
	for g := 0; g < numGroups; g++ {
		group := []byte(padded[g*groupBits : (g+1)*groupBits])
		swapCells(group)
		val, err := strconv.ParseInt(string(group), 2, 32)
		if err != nil {
			return "", fmt.Errorf("streamid: decode group %d: %w", g, err)
		}
		circle := int(val) / 52
		idx := int(val) % 52
		if circle > 0 {
			out.WriteByte(digitAlphabet[circle-1])
		}
		out.WriteByte(letterAlphabet[idx])
	}
	return out.String(), nil
}

// DecodeStreamID is the exact inverse of EncodeStreamID.
func DecodeStreamID(streamID string) (deviceID, channelID, ssrc string, err error) {
	var bits strings.Builder
	pre := 0
	for _, ch := range streamID {
		if ch >= '0' && ch <= '9' {
			circle := int(ch-'0') + 1
			pre = circle * 52
			continue
		}
		idx := strings.IndexRune(letterAlphabet, ch)
		if idx < 0 {
			return "", "", "", fmt.Errorf("streamid: invalid character %q", ch)
		}
		val := pre + idx
		bits.WriteString(fmt.Sprintf("%09b", val))
		pre = 0
	}
	swapped := bits.String()
	if len(swapped) != numGroups*groupBits {
		return "", "", "", fmt.Errorf("streamid: want %d bits after regroup, got %d", numGroups*groupBits, len(swapped))
	}

	// Undo the per-group cell swap: swapping cells 0 and 2 is its own
	// inverse, and chunking the whole 207-bit string by 3 lines up with
	// cell boundaries because every 9-bit group divides evenly into
	// three 3-bit cells.
	unswapped := make([]byte, len(swapped))
	copy(unswapped, swapped)
	for i := 0; i+cellBits <= len(unswapped); i += cellBits {
		cell := unswapped[i : i+cellBits]
		cell[0], cell[2] = cell[2], cell[0]
	}

	padded := string(unswapped)
	bitsOrig := removeSalt(padded)
	if len(bitsOrig) != keyBits {
		return "", "", "", fmt.Errorf("streamid: want %d original bits, got %d", keyBits, len(bitsOrig))
	}
	orig, err := bitsToDigits(bitsOrig)
	if err != nil {
		return "", "", "", err
	}
	return orig[0:20], orig[20:40], orig[40:50], nil
}

func digitsToBits(digits string) (string, error) {
	var b strings.Builder
	b.Grow(len(digits) * 4)
	for _, ch := range digits {
		if ch < '0' || ch > '9' {
			return "", fmt.Errorf("streamid: %q is not a decimal digit", ch)
		}
		fmt.Fprintf(&b, "%04b", ch-'0')
	}
	return b.String(), nil
}

func bitsToDigits(bits string) (string, error) {
	var b strings.Builder
	for i := 0; i+4 <= len(bits); i += 4 {
		v, err := strconv.ParseInt(bits[i:i+4], 2, 16)
		if err != nil {
			return "", fmt.Errorf("streamid: decode nibble %d: %w", i/4, err)
		}
		fmt.Fprintf(&b, "%d", v)
	}
	return b.String(), nil
}

// saltBits7 derives a 7-bit salt from the low two decimal digits of the
// current nanosecond clock, matching the original's `nanos % 100`.
func saltBits7() string {
	nanos := time.Now().UnixNano()
	return fmt.Sprintf("%07b", nanos%100)
}

// insertSalt inserts one salt bit after original-string index i whenever
// i > insertionStride and i is a multiple of insertionStride, consuming
// the 7 salt bits left-to-right.
func insertSalt(bits string, salt string) string {
	var out strings.Builder
	out.Grow(len(bits) + len(salt))
	si := 0
	for i, ch := range bits {
		out.WriteRune(ch)
		if i > insertionStride && i%insertionStride == 0 && si < len(salt) {
			out.WriteByte(salt[si])
			si++
		}
	}
	return out.String()
}

// removeSalt is the inverse of insertSalt: it drops the bit at each
// position insertSalt would have inserted one.
func removeSalt(padded string) string {
	var out strings.Builder
	out.Grow(len(padded))
	next := insertionStride + insertionStride + 1 // 47: first drop position
	for i, ch := range padded {
		if i == next {
			next += insertionStride + 1
			continue
		}
		out.WriteRune(ch)
	}
	return out.String()
}

// swapCells swaps, within each of a 9-bit group's three 3-bit cells, the
// cell's first and third bit in place. This mirrors DecodeStreamID's
// unswap loop exactly (same operation, not its mirror-image across
// cells), which is what makes the two sides true inverses of each other.
func swapCells(group []byte) {
	for i := 0; i+cellBits <= len(group); i += cellBits {
		group[i], group[i+2] = group[i+2], group[i]
	}
}
