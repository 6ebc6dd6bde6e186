package parser

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

type AttributeType uint32

const (
	ATTR_TYPE_STANDARD_INFORMATION  AttributeType = 0x10
	ATTR_TYPE_ATTRIBUTE_LIST        AttributeType = 0x20
	ATTR_TYPE_FILE_NAME             AttributeType = 0x30
	ATTR_TYPE_OBJECT_ID             AttributeType = 0x40
	ATTR_TYPE_SECURITY_DESCRIPTOR   AttributeType = 0x50
	ATTR_TYPE_VOLUME_NAME           AttributeType = 0x60
	ATTR_TYPE_VOLUME_INFORMATION    AttributeType = 0x70
	ATTR_TYPE_DATA                  AttributeType = 0x80
	ATTR_TYPE_INDEX_ROOT            AttributeType = 0x90
	ATTR_TYPE_INDEX_ALLOCATION      AttributeType = 0xA0
	ATTR_TYPE_BITMAP                AttributeType = 0xB0
	ATTR_TYPE_REPARSE_POINT         AttributeType = 0xC0
	ATTR_TYPE_EA_INFORMATION        AttributeType = 0xD0
	ATTR_TYPE_EA                    AttributeType = 0xE0
	ATTR_TYPE_LOGGED_UTILITY_STREAM AttributeType = 0x100

	// Ends the attribute list of a file record segment.
	ATTR_TYPE_END AttributeType = 0xFFFFFFFF
)

var attribute_type_names = map[AttributeType]string{
	ATTR_TYPE_STANDARD_INFORMATION:  "$STANDARD_INFORMATION",
	ATTR_TYPE_ATTRIBUTE_LIST:        "$ATTRIBUTE_LIST",
	ATTR_TYPE_FILE_NAME:             "$FILE_NAME",
	ATTR_TYPE_OBJECT_ID:             "$OBJECT_ID",
	ATTR_TYPE_SECURITY_DESCRIPTOR:   "$SECURITY_DESCRIPTOR",
	ATTR_TYPE_VOLUME_NAME:           "$VOLUME_NAME",
	ATTR_TYPE_VOLUME_INFORMATION:    "$VOLUME_INFORMATION",
	ATTR_TYPE_DATA:                  "$DATA",
	ATTR_TYPE_INDEX_ROOT:            "$INDEX_ROOT",
	ATTR_TYPE_INDEX_ALLOCATION:      "$INDEX_ALLOCATION",
	ATTR_TYPE_BITMAP:                "$BITMAP",
	ATTR_TYPE_REPARSE_POINT:         "$REPARSE_POINT",
	ATTR_TYPE_EA_INFORMATION:        "$EA_INFORMATION",
	ATTR_TYPE_EA:                    "$EA",
	ATTR_TYPE_LOGGED_UTILITY_STREAM: "$LOGGED_UTILITY_STREAM",
}

func (self AttributeType) String() string {
	name, pres := attribute_type_names[self]
	if pres {
		return name
	}
	return fmt.Sprintf("Unknown (%#x)", uint32(self))
}

const (
	ATTR_FLAG_COMPRESSED = 0x0001
	ATTR_FLAG_ENCRYPTED  = 0x4000
	ATTR_FLAG_SPARSE     = 0x8000

	RESIDENT_FLAG_INDEXED = 0x01

	MAX_ATTRIBUTE_NAME_LENGTH = 255

	ATTRIBUTE_HEADER_SIZE              = 0x10
	RESIDENT_HEADER_SIZE               = 0x18
	NONRESIDENT_HEADER_SIZE            = 0x40
	NONRESIDENT_COMPRESSED_HEADER_SIZE = 0x48
)

// An AttributeRecord is one typed, optionally named attribute as it is
// stored in a file record segment. Resident attributes carry their
// value inline; non resident ones describe where the value lives with
// a run list covering [LowestVCN, HighestVCN].
type AttributeRecord struct {
	Type        AttributeType
	Name        string
	Flags       uint16
	Instance    uint16
	NonResident bool

	// Resident form.
	Value         []byte
	ResidentFlags uint8

	// Non resident form.
	LowestVCN       int64
	HighestVCN      int64
	CompressionUnit uint16
	AllocatedSize   int64
	DataSize        int64
	InitializedSize int64
	CompressedSize  int64
	Runs            []Run
}

func NewResidentAttribute(attr_type AttributeType, name string, value []byte) *AttributeRecord {
	return &AttributeRecord{
		Type:  attr_type,
		Name:  name,
		Value: append([]byte{}, value...),
	}
}

// NewNonResidentAttribute describes data_size bytes stored in the
// clusters of runs.
func NewNonResidentAttribute(attr_type AttributeType, name string,
	runs []Run, data_size int64, cluster_size int64) *AttributeRecord {
	clusters := RunsClusterCount(runs)
	return &AttributeRecord{
		Type:            attr_type,
		Name:            name,
		NonResident:     true,
		LowestVCN:       0,
		HighestVCN:      clusters - 1,
		AllocatedSize:   clusters * cluster_size,
		DataSize:        data_size,
		InitializedSize: data_size,
		Runs:            append([]Run{}, runs...),
	}
}

func (self *AttributeRecord) IsResident() bool {
	return !self.NonResident
}

func (self *AttributeRecord) IsCompressed() bool {
	return self.Flags&ATTR_FLAG_COMPRESSED != 0
}

func (self *AttributeRecord) IsEncrypted() bool {
	return self.Flags&ATTR_FLAG_ENCRYPTED != 0
}

func (self *AttributeRecord) IsSparse() bool {
	return self.Flags&ATTR_FLAG_SPARSE != 0
}

// DataLength is the logical length of the attribute value.
func (self *AttributeRecord) DataLength() int64 {
	if self.NonResident {
		return self.DataSize
	}
	return int64(len(self.Value))
}

// Extents resolves the run list to absolute clusters.
func (self *AttributeRecord) Extents() []Extent {
	return RunsToExtents(self.Runs, self.LowestVCN)
}

// SetExtents replaces the run list. HighestVCN follows the extents.
func (self *AttributeRecord) SetExtents(extents []Extent) {
	self.Runs = ExtentsToRuns(extents)
	self.HighestVCN = self.LowestVCN + RunsClusterCount(self.Runs) - 1
}

// The name length is stored in a single byte of UTF-16 units.
func (self *AttributeRecord) checkName() error {
	length := UTF16Length(self.Name)
	if length > MAX_ATTRIBUTE_NAME_LENGTH {
		return fmt.Errorf("%w: %v name of %d characters, at most %d",
			InvalidNameError, self.Type, length, MAX_ATTRIBUTE_NAME_LENGTH)
	}
	return nil
}

func (self *AttributeRecord) headerSize() int {
	if !self.NonResident {
		return RESIDENT_HEADER_SIZE
	}
	if self.IsCompressed() {
		return NONRESIDENT_COMPRESSED_HEADER_SIZE
	}
	return NONRESIDENT_HEADER_SIZE
}

// Offset of the value or the mapping pairs.
func (self *AttributeRecord) dataOffset() int {
	return alignUp(self.headerSize()+2*UTF16Length(self.Name), 8)
}

// Size is the encoded length of the record.
func (self *AttributeRecord) Size() int {
	if self.NonResident {
		return alignUp(self.dataOffset()+len(EncodeRuns(self.Runs)), 8)
	}
	return alignUp(self.dataOffset()+len(self.Value), 8)
}

func (self *AttributeRecord) Copy() *AttributeRecord {
	result := *self
	result.Value = append([]byte(nil), self.Value...)
	result.Runs = append([]Run(nil), self.Runs...)
	return &result
}

// Key used to order attributes within a file record: by type and then
// by upcased name.
func (self *AttributeRecord) less(other *AttributeRecord) bool {
	if self.Type != other.Type {
		return self.Type < other.Type
	}
	return compareAttributeNames(self.Name, other.Name) < 0
}

func compareAttributeNames(a, b string) int {
	return compareUpcased(utf16Units(EncodeUTF16String(a)),
		utf16Units(EncodeUTF16String(b)))
}

// DecodeAttributeRecord decodes the attribute at offset and returns it
// with its record length. The caller checks for the end marker.
func DecodeAttributeRecord(buffer []byte, offset int) (*AttributeRecord, int, error) {
	err := checkBounds(buffer, offset, ATTRIBUTE_HEADER_SIZE)
	if err != nil {
		return nil, 0, err
	}

	header := buffer[offset:]
	attr_type := AttributeType(binary.LittleEndian.Uint32(header))
	length := int(binary.LittleEndian.Uint32(header[4:]))

	if length < RESIDENT_HEADER_SIZE || length%8 != 0 {
		return nil, 0, fmt.Errorf("%w: attribute %v at %#x has length %#x",
			CorruptRecordError, attr_type, offset, length)
	}

	err = checkBounds(buffer, offset, length)
	if err != nil {
		return nil, 0, err
	}
	record := header[:length]

	name_length := 2 * int(record[9])
	name_offset := int(binary.LittleEndian.Uint16(record[10:]))

	result := &AttributeRecord{
		Type:        attr_type,
		NonResident: record[8] != 0,
		Flags:       binary.LittleEndian.Uint16(record[12:]),
		Instance:    binary.LittleEndian.Uint16(record[14:]),
	}

	if name_length > 0 {
		err = checkBounds(record, name_offset, name_length)
		if err != nil {
			return nil, 0, err
		}
		result.Name = ParseUTF16String(record[name_offset : name_offset+name_length])
	}

	if !result.NonResident {
		value_length := int(binary.LittleEndian.Uint32(record[0x10:]))
		value_offset := int(binary.LittleEndian.Uint16(record[0x14:]))
		err = checkBounds(record, value_offset, value_length)
		if err != nil {
			return nil, 0, err
		}

		result.ResidentFlags = record[0x16]
		result.Value = make([]byte, value_length)
		copy(result.Value, record[value_offset:])
		return result, length, nil
	}

	err = checkBounds(record, 0, result.headerSize())
	if err != nil {
		return nil, 0, err
	}

	result.LowestVCN = int64(binary.LittleEndian.Uint64(record[0x10:]))
	result.HighestVCN = int64(binary.LittleEndian.Uint64(record[0x18:]))
	mapping_pairs_offset := int(binary.LittleEndian.Uint16(record[0x20:]))
	result.CompressionUnit = binary.LittleEndian.Uint16(record[0x22:])
	result.AllocatedSize = int64(binary.LittleEndian.Uint64(record[0x28:]))
	result.DataSize = int64(binary.LittleEndian.Uint64(record[0x30:]))
	result.InitializedSize = int64(binary.LittleEndian.Uint64(record[0x38:]))
	if result.IsCompressed() {
		result.CompressedSize = int64(binary.LittleEndian.Uint64(record[0x40:]))
	}

	if mapping_pairs_offset > length {
		return nil, 0, fmt.Errorf("%w: mapping pairs of %v at %#x past record end",
			TruncatedRecordError, attr_type, mapping_pairs_offset)
	}

	result.Runs, err = DecodeRuns(record[mapping_pairs_offset:])
	if err != nil {
		return nil, 0, err
	}

	// The runs map exactly the VCN range of the header. An empty
	// mapping has HighestVCN -1.
	clusters := RunsClusterCount(result.Runs)
	if result.LowestVCN < 0 ||
		clusters != result.HighestVCN-result.LowestVCN+1 {
		return nil, 0, fmt.Errorf("%w: %v %q maps %d clusters for VCN %d-%d",
			CorruptRecordError, attr_type, result.Name, clusters,
			result.LowestVCN, result.HighestVCN)
	}

	return result, length, nil
}

func (self *AttributeRecord) Encode() []byte {
	name := EncodeUTF16String(self.Name)
	data_offset := self.dataOffset()
	size := self.Size()
	result := make([]byte, size)

	binary.LittleEndian.PutUint32(result, uint32(self.Type))
	binary.LittleEndian.PutUint32(result[4:], uint32(size))
	if self.NonResident {
		result[8] = 1
	}
	result[9] = byte(len(name) / 2)
	binary.LittleEndian.PutUint16(result[10:], uint16(self.headerSize()))
	binary.LittleEndian.PutUint16(result[12:], self.Flags)
	binary.LittleEndian.PutUint16(result[14:], self.Instance)
	copy(result[self.headerSize():], name)

	if !self.NonResident {
		binary.LittleEndian.PutUint32(result[0x10:], uint32(len(self.Value)))
		binary.LittleEndian.PutUint16(result[0x14:], uint16(data_offset))
		result[0x16] = self.ResidentFlags
		copy(result[data_offset:], self.Value)
		return result
	}

	binary.LittleEndian.PutUint64(result[0x10:], uint64(self.LowestVCN))
	binary.LittleEndian.PutUint64(result[0x18:], uint64(self.HighestVCN))
	binary.LittleEndian.PutUint16(result[0x20:], uint16(data_offset))
	binary.LittleEndian.PutUint16(result[0x22:], self.CompressionUnit)
	binary.LittleEndian.PutUint64(result[0x28:], uint64(self.AllocatedSize))
	binary.LittleEndian.PutUint64(result[0x30:], uint64(self.DataSize))
	binary.LittleEndian.PutUint64(result[0x38:], uint64(self.InitializedSize))
	if self.IsCompressed() {
		binary.LittleEndian.PutUint64(result[0x40:], uint64(self.CompressedSize))
	}
	copy(result[data_offset:], EncodeRuns(self.Runs))

	return result
}

func (self *AttributeRecord) DebugString() string {
	result := []string{fmt.Sprintf("%v %q Instance %d Flags %#x",
		self.Type, self.Name, self.Instance, self.Flags)}

	if !self.NonResident {
		result = append(result, fmt.Sprintf("Resident: %d bytes", len(self.Value)))
		value := self.Value
		if len(value) > 100 {
			value = value[:100]
		}
		result = append(result, strings.TrimRight(hex.Dump(value), "\n"))
		return strings.Join(result, "\n")
	}

	result = append(result, fmt.Sprintf(
		"NonResident: VCN %d-%d Allocated %d Size %d Initialized %d",
		self.LowestVCN, self.HighestVCN, self.AllocatedSize,
		self.DataSize, self.InitializedSize))
	result = append(result, fmt.Sprintf("Runlist: %v", self.Runs))
	return strings.Join(result, "\n")
}

// Equal compares two attribute records field by field.
func (self *AttributeRecord) Equal(other *AttributeRecord) bool {
	return bytes.Equal(self.Encode(), other.Encode())
}
