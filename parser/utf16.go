package parser

import (
	"encoding/binary"
	"unicode"
	"unicode/utf16"

	xunicode "golang.org/x/text/encoding/unicode"
)

var (
	utf16le = xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM)
)

// ParseUTF16String decodes a little endian UTF-16 buffer. Invalid
// surrogates are replaced rather than failing the decode.
func ParseUTF16String(data []byte) string {
	decoded, err := utf16le.NewDecoder().Bytes(data)
	if err != nil {
		return string(utf16.Decode(utf16Units(data)))
	}
	return string(decoded)
}

func EncodeUTF16String(value string) []byte {
	encoded, err := utf16le.NewEncoder().Bytes([]byte(value))
	if err != nil {
		units := utf16.Encode([]rune(value))
		encoded = make([]byte, 2*len(units))
		for i, u := range units {
			binary.LittleEndian.PutUint16(encoded[2*i:], u)
		}
	}
	return encoded
}

// UTF16Length is the number of UTF-16 code units needed for value.
func UTF16Length(value string) int {
	return len(utf16.Encode([]rune(value)))
}

func utf16Units(data []byte) []uint16 {
	result := make([]uint16, len(data)/2)
	for i := range result {
		result[i] = binary.LittleEndian.Uint16(data[2*i:])
	}
	return result
}

// Upcase a single code unit the way the $UpCase table does: simple
// one to one mapping within the basic multilingual plane.
func upcaseUnit(unit uint16) uint16 {
	if unit < 'a' {
		return unit
	}
	if unit <= 'z' {
		return unit - ('a' - 'A')
	}
	if unit < 0x80 || utf16.IsSurrogate(rune(unit)) {
		return unit
	}

	upper := unicode.ToUpper(rune(unit))
	if upper > 0xFFFF {
		return unit
	}
	return uint16(upper)
}

// Builds the 64k entry upcase table written to $UpCase.
func BuildUpcaseTable() []byte {
	result := make([]byte, 0x20000)
	for i := 0; i < 0x10000; i++ {
		binary.LittleEndian.PutUint16(result[2*i:], upcaseUnit(uint16(i)))
	}
	return result
}
