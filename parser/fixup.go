package parser

import (
	"encoding/binary"
	"fmt"
)

// Multi sector records (FILE, INDX, RSTR) protect against torn writes
// with an update sequence array. At write time the last two bytes of
// every stride sized sector are saved into the array and replaced
// with the update sequence number. At read time every sector must
// still end with that number, otherwise only part of the record made
// it to disk.

const (
	DEFAULT_FIXUP_STRIDE = 512
)

// The update sequence number and the sector tails it displaced. This
// is returned alongside decoded records rather than kept on them.
type UpdateSequence struct {
	Number uint16
	Array  []byte
}

// NextSequenceNumber picks the number for the next write of a record.
// 0 and 0xFFFF are never used so a zeroed or erased sector can not
// pass verification.
func NextSequenceNumber(current uint16) uint16 {
	next := current + 1
	if next == 0 || next == 0xFFFF {
		next = 1
	}
	return next
}

// ProtectSectors returns a protected copy of buffer and the saved
// sector tails (2 bytes per sector). The input is not modified.
func ProtectSectors(buffer []byte, sequence_number uint16,
	stride int) ([]byte, []byte, error) {
	if stride < 4 || len(buffer) == 0 || len(buffer)%stride != 0 {
		return nil, nil, fmt.Errorf(
			"%w: buffer of %#x bytes is not a whole number of %#x byte sectors",
			TruncatedRecordError, len(buffer), stride)
	}

	sector_count := len(buffer) / stride
	result := make([]byte, len(buffer))
	copy(result, buffer)

	saved := make([]byte, 2*sector_count)
	for i := 0; i < sector_count; i++ {
		tail := (i+1)*stride - 2
		copy(saved[2*i:2*i+2], result[tail:tail+2])
		binary.LittleEndian.PutUint16(result[tail:], sequence_number)
	}

	return result, saved, nil
}

// UnprotectSectors verifies every sector tail holds sequence_number
// and returns a copy with the saved bytes restored. A mismatch means
// a torn write and fails with CorruptRecordError.
func UnprotectSectors(buffer []byte, sequence_number uint16,
	saved []byte, stride int) ([]byte, error) {
	if stride < 4 || len(buffer)%stride != 0 {
		return nil, fmt.Errorf(
			"%w: buffer of %#x bytes is not a whole number of %#x byte sectors",
			TruncatedRecordError, len(buffer), stride)
	}

	sector_count := len(buffer) / stride
	if len(saved) < 2*sector_count {
		return nil, fmt.Errorf("%w: update sequence array has %d entries for %d sectors",
			TruncatedRecordError, len(saved)/2, sector_count)
	}

	result := make([]byte, len(buffer))
	copy(result, buffer)

	for i := 0; i < sector_count; i++ {
		tail := (i+1)*stride - 2
		found := binary.LittleEndian.Uint16(result[tail:])
		if found != sequence_number {
			STATS.Inc_FixupError()
			return nil, fmt.Errorf(
				"%w: sector %d ends with %#04x, expected %#04x",
				CorruptRecordError, i, found, sequence_number)
		}
		copy(result[tail:tail+2], saved[2*i:2*i+2])
	}

	STATS.Inc_FixupApplied()
	return result, nil
}

// ProtectRecord applies fixups to a whole record and stores the update
// sequence array at usa_offset. The array must live in the first
// sector, clear of its tail.
func ProtectRecord(buffer []byte, usa_offset int,
	sequence_number uint16, stride int) ([]byte, error) {
	if stride <= 0 {
		return nil, fmt.Errorf("%w: invalid fixup stride %d",
			TruncatedRecordError, stride)
	}
	sector_count := len(buffer) / stride
	usa_length := 2 * (sector_count + 1)
	if usa_offset < 0 || usa_offset+usa_length > stride-2 {
		return nil, fmt.Errorf("%w: update sequence array at %#x does not fit in the first sector",
			TruncatedRecordError, usa_offset)
	}

	protected, saved, err := ProtectSectors(buffer, sequence_number, stride)
	if err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint16(protected[usa_offset:], sequence_number)
	copy(protected[usa_offset+2:], saved)

	return protected, nil
}

// UnprotectRecord reads the update sequence array of a record and
// verifies and removes the fixups. usa_count includes the sequence
// number slot itself, so it is one more than the number of sectors
// covered. Bytes past the covered sectors are copied through.
func UnprotectRecord(buffer []byte, usa_offset, usa_count int,
	stride int) ([]byte, *UpdateSequence, error) {
	if usa_count == 0 {
		result := make([]byte, len(buffer))
		copy(result, buffer)
		return result, &UpdateSequence{}, nil
	}

	err := checkBounds(buffer, usa_offset, 2*usa_count)
	if err != nil {
		return nil, nil, err
	}

	covered := (usa_count - 1) * stride
	if covered > len(buffer) {
		return nil, nil, fmt.Errorf(
			"%w: %d fixups need %#x bytes but record is %#x bytes",
			TruncatedRecordError, usa_count-1, covered, len(buffer))
	}

	sequence := &UpdateSequence{
		Number: binary.LittleEndian.Uint16(buffer[usa_offset:]),
		Array:  make([]byte, 2*(usa_count-1)),
	}
	copy(sequence.Array, buffer[usa_offset+2:usa_offset+2*usa_count])

	restored, err := UnprotectSectors(buffer[:covered],
		sequence.Number, sequence.Array, stride)
	if err != nil {
		return nil, nil, err
	}

	restored = append(restored, buffer[covered:]...)
	return restored, sequence, nil
}

// Size of the update sequence array for a record of record_size bytes.
func updateSequenceCount(record_size, stride int) int {
	return record_size/stride + 1
}
