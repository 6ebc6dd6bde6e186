package parser

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type CollationRule uint32

const (
	COLLATION_BINARY              CollationRule = 0x00
	COLLATION_FILE_NAME           CollationRule = 0x01
	COLLATION_UNICODE_STRING      CollationRule = 0x02
	COLLATION_NTOFS_ULONG         CollationRule = 0x10
	COLLATION_NTOFS_SID           CollationRule = 0x11
	COLLATION_NTOFS_SECURITY_HASH CollationRule = 0x12
	COLLATION_NTOFS_ULONGS        CollationRule = 0x13
)

func (self CollationRule) String() string {
	switch self {
	case COLLATION_BINARY:
		return "BINARY"
	case COLLATION_FILE_NAME:
		return "FILE_NAME"
	case COLLATION_UNICODE_STRING:
		return "UNICODE_STRING"
	case COLLATION_NTOFS_ULONG:
		return "NTOFS_ULONG"
	case COLLATION_NTOFS_SID:
		return "NTOFS_SID"
	case COLLATION_NTOFS_SECURITY_HASH:
		return "NTOFS_SECURITY_HASH"
	case COLLATION_NTOFS_ULONGS:
		return "NTOFS_ULONGS"
	}
	return fmt.Sprintf("Unknown (%#x)", uint32(self))
}

// Compare orders two index keys under rule. Returns -1, 0 or 1.
func Compare(key_a, key_b []byte, rule CollationRule) int {
	switch rule {
	case COLLATION_FILE_NAME:
		return compareUpcased(fileNameUnits(key_a), fileNameUnits(key_b))

	case COLLATION_UNICODE_STRING:
		return compareUpcased(utf16Units(key_a), utf16Units(key_b))

	case COLLATION_NTOFS_ULONG:
		return compareUint32(leUint32(key_a, 0), leUint32(key_b, 0))

	case COLLATION_NTOFS_ULONGS, COLLATION_NTOFS_SECURITY_HASH:
		return compareUlongs(key_a, key_b)

	default:
		return bytes.Compare(key_a, key_b)
	}
}

// A $FILE_NAME key holds the name length in characters at 0x40 and
// the name itself at 0x42.
func fileNameUnits(key []byte) []uint16 {
	if len(key) < FILE_NAME_NAME_OFFSET {
		return nil
	}
	length := 2 * int(key[FILE_NAME_NAME_LENGTH_OFFSET])
	end := FILE_NAME_NAME_OFFSET + length
	if end > len(key) {
		end = len(key)
	}
	return utf16Units(key[FILE_NAME_NAME_OFFSET:end])
}

// Case insensitive ordinal comparison over upcased code units.
func compareUpcased(a, b []uint16) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		upper_a := upcaseUnit(a[i])
		upper_b := upcaseUnit(b[i])
		if upper_a < upper_b {
			return -1
		}
		if upper_a > upper_b {
			return 1
		}
	}
	return compareInt(len(a), len(b))
}

func compareUlongs(a, b []byte) int {
	for i := 0; i+4 <= len(a) && i+4 <= len(b); i += 4 {
		result := compareUint32(leUint32(a, i), leUint32(b, i))
		if result != 0 {
			return result
		}
	}
	return compareInt(len(a), len(b))
}

// Short keys are zero extended.
func leUint32(data []byte, offset int) uint32 {
	var buf [4]byte
	if offset < len(data) {
		copy(buf[:], data[offset:])
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func compareUint32(a, b uint32) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func compareInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// Number of entries in a node that carry a key. The terminal entry
// only ends the node.
func keyedCount(entries []*IndexEntry) int {
	if len(entries) > 0 && entries[len(entries)-1].IsLast() {
		return len(entries) - 1
	}
	return len(entries)
}

// Binary search for the first keyed entry whose key is not less than
// key. Returns that slot and whether it is an exact match. When every
// key is smaller the slot is keyedCount(entries).
func searchEntries(entries []*IndexEntry, key []byte,
	rule CollationRule) (int, bool) {
	lower := 0
	upper := keyedCount(entries)

	for lower < upper {
		middle := int(uint(lower+upper) >> 1)
		result := Compare(entries[middle].Key, key, rule)
		if result == 0 {
			return middle, true
		}
		if result < 0 {
			lower = middle + 1
		} else {
			upper = middle
		}
	}

	return lower, false
}

// LocateChildIndex is the parent node search. The child pointer of
// entry i covers the keys below entry i and above entry i-1, and the
// terminal entry covers everything above the last key. A node holding
// only the terminal entry always yields 0. If the key is present in
// the parent itself its own slot is returned.
func LocateChildIndex(entries []*IndexEntry, key []byte, rule CollationRule) int {
	if len(entries) <= 1 {
		return 0
	}

	slot, _ := searchEntries(entries, key, rule)
	return slot
}

// LocateExact is the leaf search. Returns the slot of the entry
// matching key.
func LocateExact(entries []*IndexEntry, key []byte, rule CollationRule) (int, bool) {
	if keyedCount(entries) == 0 {
		return 0, false
	}

	slot, found := searchEntries(entries, key, rule)
	if !found {
		return 0, false
	}
	return slot, true
}

// LocateInsertionPoint returns the slot at which key keeps the node
// sorted: after every smaller key and before the terminal entry.
func LocateInsertionPoint(entries []*IndexEntry, key []byte, rule CollationRule) int {
	slot, _ := searchEntries(entries, key, rule)
	return slot
}
