package parser

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Decoders for the fixed attribute values the engine needs to
// interpret: $STANDARD_INFORMATION, $FILE_NAME, $ATTRIBUTE_LIST,
// $VOLUME_NAME, $VOLUME_INFORMATION and $AttrDef.

const (
	FILE_ATTRIBUTE_READONLY   = 0x0001
	FILE_ATTRIBUTE_HIDDEN     = 0x0002
	FILE_ATTRIBUTE_SYSTEM     = 0x0004
	FILE_ATTRIBUTE_ARCHIVE    = 0x0020
	FILE_ATTRIBUTE_NORMAL     = 0x0080
	FILE_ATTRIBUTE_SPARSE     = 0x0200
	FILE_ATTRIBUTE_COMPRESSED = 0x0800
	FILE_ATTRIBUTE_ENCRYPTED  = 0x4000

	// Only used in $FILE_NAME and index keys.
	FILE_ATTRIBUTE_DIRECTORY  = 0x10000000
	FILE_ATTRIBUTE_INDEX_VIEW = 0x20000000
)

type FileNameNamespace uint8

const (
	FILE_NAME_POSIX         FileNameNamespace = 0
	FILE_NAME_WIN32         FileNameNamespace = 1
	FILE_NAME_DOS           FileNameNamespace = 2
	FILE_NAME_WIN32_AND_DOS FileNameNamespace = 3
)

func (self FileNameNamespace) String() string {
	switch self {
	case FILE_NAME_POSIX:
		return "POSIX"
	case FILE_NAME_WIN32:
		return "Win32"
	case FILE_NAME_DOS:
		return "DOS"
	case FILE_NAME_WIN32_AND_DOS:
		return "Win32AndDOS"
	}
	return fmt.Sprintf("Unknown (%d)", uint8(self))
}

const (
	FILE_NAME_NAME_LENGTH_OFFSET = 0x40
	FILE_NAME_NAMESPACE_OFFSET   = 0x41
	FILE_NAME_NAME_OFFSET        = 0x42

	STANDARD_INFORMATION_V1_SIZE = 0x30
	STANDARD_INFORMATION_V3_SIZE = 0x48
)

type FileName struct {
	ParentReference     FileReference
	CreationTime        FileTime
	ModificationTime    FileTime
	MftModificationTime FileTime
	AccessTime          FileTime
	AllocatedSize       uint64
	DataSize            uint64
	FileAttributes      uint32
	ExtendedData        uint32
	Namespace           FileNameNamespace
	Name                string
}

func DecodeFileName(value []byte) (*FileName, error) {
	err := checkBounds(value, 0, FILE_NAME_NAME_OFFSET)
	if err != nil {
		return nil, err
	}

	name_length := 2 * int(value[FILE_NAME_NAME_LENGTH_OFFSET])
	err = checkBounds(value, FILE_NAME_NAME_OFFSET, name_length)
	if err != nil {
		return nil, err
	}
	name := ParseUTF16String(
		value[FILE_NAME_NAME_OFFSET : FILE_NAME_NAME_OFFSET+name_length])

	return &FileName{
		ParentReference:     NewFileReference(binary.LittleEndian.Uint64(value)),
		CreationTime:        FileTime(binary.LittleEndian.Uint64(value[0x08:])),
		ModificationTime:    FileTime(binary.LittleEndian.Uint64(value[0x10:])),
		MftModificationTime: FileTime(binary.LittleEndian.Uint64(value[0x18:])),
		AccessTime:          FileTime(binary.LittleEndian.Uint64(value[0x20:])),
		AllocatedSize:       binary.LittleEndian.Uint64(value[0x28:]),
		DataSize:            binary.LittleEndian.Uint64(value[0x30:]),
		FileAttributes:      binary.LittleEndian.Uint32(value[0x38:]),
		ExtendedData:        binary.LittleEndian.Uint32(value[0x3C:]),
		Namespace:           FileNameNamespace(value[FILE_NAME_NAMESPACE_OFFSET]),
		Name:                name,
	}, nil
}

func (self *FileName) Encode() ([]byte, error) {
	name := EncodeUTF16String(self.Name)
	if len(name) == 0 || len(name) > 2*255 {
		return nil, fmt.Errorf("%w: %q must be 1 to 255 characters",
			InvalidNameError, self.Name)
	}

	result := make([]byte, FILE_NAME_NAME_OFFSET+len(name))
	binary.LittleEndian.PutUint64(result, self.ParentReference.Raw())
	binary.LittleEndian.PutUint64(result[0x08:], uint64(self.CreationTime))
	binary.LittleEndian.PutUint64(result[0x10:], uint64(self.ModificationTime))
	binary.LittleEndian.PutUint64(result[0x18:], uint64(self.MftModificationTime))
	binary.LittleEndian.PutUint64(result[0x20:], uint64(self.AccessTime))
	binary.LittleEndian.PutUint64(result[0x28:], self.AllocatedSize)
	binary.LittleEndian.PutUint64(result[0x30:], self.DataSize)
	binary.LittleEndian.PutUint32(result[0x38:], self.FileAttributes)
	binary.LittleEndian.PutUint32(result[0x3C:], self.ExtendedData)
	result[FILE_NAME_NAME_LENGTH_OFFSET] = byte(len(name) / 2)
	result[FILE_NAME_NAMESPACE_OFFSET] = byte(self.Namespace)
	copy(result[FILE_NAME_NAME_OFFSET:], name)

	return result, nil
}

func (self *FileName) IsDirectory() bool {
	return self.FileAttributes&FILE_ATTRIBUTE_DIRECTORY != 0
}

func (self *FileName) DebugString() string {
	return fmt.Sprintf("FileName: %q (%v) Parent %v Size %d/%d Attributes %#x\n"+
		"  Created %v Modified %v MftModified %v Accessed %v",
		self.Name, self.Namespace, self.ParentReference,
		self.DataSize, self.AllocatedSize, self.FileAttributes,
		self.CreationTime, self.ModificationTime,
		self.MftModificationTime, self.AccessTime)
}

// Builds a search key holding only the name. Collation never looks at
// anything else.
func fileNameKey(name string) ([]byte, error) {
	return (&FileName{Name: name, Namespace: FILE_NAME_POSIX}).Encode()
}

type StandardInformation struct {
	CreationTime        FileTime
	ModificationTime    FileTime
	MftModificationTime FileTime
	AccessTime          FileTime
	FileAttributes      uint32
	MaxVersions         uint32
	VersionNumber       uint32
	ClassId             uint32

	// Present in the extended (NTFS 3.0+) form only.
	Extended     bool
	OwnerId      uint32
	SecurityId   uint32
	QuotaCharged uint64
	USN          uint64
}

func DecodeStandardInformation(value []byte) (*StandardInformation, error) {
	err := checkBounds(value, 0, STANDARD_INFORMATION_V1_SIZE)
	if err != nil {
		return nil, err
	}

	result := &StandardInformation{
		CreationTime:        FileTime(binary.LittleEndian.Uint64(value)),
		ModificationTime:    FileTime(binary.LittleEndian.Uint64(value[0x08:])),
		MftModificationTime: FileTime(binary.LittleEndian.Uint64(value[0x10:])),
		AccessTime:          FileTime(binary.LittleEndian.Uint64(value[0x18:])),
		FileAttributes:      binary.LittleEndian.Uint32(value[0x20:]),
		MaxVersions:         binary.LittleEndian.Uint32(value[0x24:]),
		VersionNumber:       binary.LittleEndian.Uint32(value[0x28:]),
		ClassId:             binary.LittleEndian.Uint32(value[0x2C:]),
	}

	if len(value) >= STANDARD_INFORMATION_V3_SIZE {
		result.Extended = true
		result.OwnerId = binary.LittleEndian.Uint32(value[0x30:])
		result.SecurityId = binary.LittleEndian.Uint32(value[0x34:])
		result.QuotaCharged = binary.LittleEndian.Uint64(value[0x38:])
		result.USN = binary.LittleEndian.Uint64(value[0x40:])
	}

	return result, nil
}

func (self *StandardInformation) Encode() []byte {
	size := STANDARD_INFORMATION_V1_SIZE
	if self.Extended {
		size = STANDARD_INFORMATION_V3_SIZE
	}

	result := make([]byte, size)
	binary.LittleEndian.PutUint64(result, uint64(self.CreationTime))
	binary.LittleEndian.PutUint64(result[0x08:], uint64(self.ModificationTime))
	binary.LittleEndian.PutUint64(result[0x10:], uint64(self.MftModificationTime))
	binary.LittleEndian.PutUint64(result[0x18:], uint64(self.AccessTime))
	binary.LittleEndian.PutUint32(result[0x20:], self.FileAttributes)
	binary.LittleEndian.PutUint32(result[0x24:], self.MaxVersions)
	binary.LittleEndian.PutUint32(result[0x28:], self.VersionNumber)
	binary.LittleEndian.PutUint32(result[0x2C:], self.ClassId)

	if self.Extended {
		binary.LittleEndian.PutUint32(result[0x30:], self.OwnerId)
		binary.LittleEndian.PutUint32(result[0x34:], self.SecurityId)
		binary.LittleEndian.PutUint64(result[0x38:], self.QuotaCharged)
		binary.LittleEndian.PutUint64(result[0x40:], self.USN)
	}
	return result
}

func (self *StandardInformation) DebugString() string {
	return fmt.Sprintf("StandardInformation: Attributes %#x SecurityId %d USN %d\n"+
		"  Created %v Modified %v MftModified %v Accessed %v",
		self.FileAttributes, self.SecurityId, self.USN,
		self.CreationTime, self.ModificationTime,
		self.MftModificationTime, self.AccessTime)
}

const (
	ATTRIBUTE_LIST_ENTRY_HEADER_SIZE = 0x1A
)

// One $ATTRIBUTE_LIST entry: where a (type, name, lowest vcn) piece of
// an attribute lives.
type AttributeListEntry struct {
	Type          AttributeType
	LowestVCN     uint64
	FileReference FileReference
	Instance      uint16
	Name          string
}

func (self *AttributeListEntry) Size() int {
	return alignUp(ATTRIBUTE_LIST_ENTRY_HEADER_SIZE+2*UTF16Length(self.Name), 8)
}

func DecodeAttributeList(value []byte) ([]*AttributeListEntry, error) {
	result := []*AttributeListEntry{}

	for offset := 0; offset < len(value); {
		err := checkBounds(value, offset, ATTRIBUTE_LIST_ENTRY_HEADER_SIZE)
		if err != nil {
			return nil, err
		}

		entry := value[offset:]
		length := int(binary.LittleEndian.Uint16(entry[4:]))
		name_length := 2 * int(entry[6])
		name_offset := int(entry[7])

		if length < ATTRIBUTE_LIST_ENTRY_HEADER_SIZE {
			return nil, fmt.Errorf("%w: attribute list entry at %#x has length %#x",
				CorruptRecordError, offset, length)
		}
		err = checkBounds(value, offset, length)
		if err != nil {
			return nil, err
		}
		if name_offset+name_length > length {
			return nil, fmt.Errorf("%w: attribute list entry at %#x name overflows",
				CorruptRecordError, offset)
		}

		result = append(result, &AttributeListEntry{
			Type:          AttributeType(binary.LittleEndian.Uint32(entry)),
			LowestVCN:     binary.LittleEndian.Uint64(entry[8:]),
			FileReference: NewFileReference(binary.LittleEndian.Uint64(entry[0x10:])),
			Instance:      binary.LittleEndian.Uint16(entry[0x18:]),
			Name:          ParseUTF16String(entry[name_offset : name_offset+name_length]),
		})

		offset += length
	}

	return result, nil
}

func EncodeAttributeList(entries []*AttributeListEntry) []byte {
	size := 0
	for _, entry := range entries {
		size += entry.Size()
	}

	result := make([]byte, size)
	offset := 0
	for _, entry := range entries {
		out := result[offset:]
		name := EncodeUTF16String(entry.Name)
		length := entry.Size()

		binary.LittleEndian.PutUint32(out, uint32(entry.Type))
		binary.LittleEndian.PutUint16(out[4:], uint16(length))
		out[6] = byte(len(name) / 2)
		out[7] = ATTRIBUTE_LIST_ENTRY_HEADER_SIZE
		binary.LittleEndian.PutUint64(out[8:], entry.LowestVCN)
		binary.LittleEndian.PutUint64(out[0x10:], entry.FileReference.Raw())
		binary.LittleEndian.PutUint16(out[0x18:], entry.Instance)
		copy(out[ATTRIBUTE_LIST_ENTRY_HEADER_SIZE:], name)

		offset += length
	}
	return result
}

const (
	VOLUME_INFORMATION_SIZE = 0x0C
	VOLUME_FLAG_DIRTY       = 0x0001
)

type VolumeInformation struct {
	MajorVersion uint8
	MinorVersion uint8
	Flags        uint16
}

func DecodeVolumeInformation(value []byte) (*VolumeInformation, error) {
	err := checkBounds(value, 0, VOLUME_INFORMATION_SIZE)
	if err != nil {
		return nil, err
	}
	return &VolumeInformation{
		MajorVersion: value[8],
		MinorVersion: value[9],
		Flags:        binary.LittleEndian.Uint16(value[10:]),
	}, nil
}

func (self *VolumeInformation) Encode() []byte {
	result := make([]byte, VOLUME_INFORMATION_SIZE)
	result[8] = self.MajorVersion
	result[9] = self.MinorVersion
	binary.LittleEndian.PutUint16(result[10:], self.Flags)
	return result
}

const (
	ATTRDEF_ENTRY_SIZE = 0xA0

	ATTRDEF_INDEXABLE   = 0x02
	ATTRDEF_RESIDENT    = 0x40
	ATTRDEF_NONRESIDENT = 0x80
)

// One row of the $AttrDef table.
type AttributeDefinition struct {
	Name          string
	Type          AttributeType
	DisplayRule   uint32
	CollationRule CollationRule
	Flags         uint32
	MinimumSize   int64
	MaximumSize   int64
}

func DecodeAttributeDefinitions(value []byte) ([]*AttributeDefinition, error) {
	result := []*AttributeDefinition{}
	for offset := 0; offset+ATTRDEF_ENTRY_SIZE <= len(value); offset += ATTRDEF_ENTRY_SIZE {
		entry := value[offset:]
		attribute_type := binary.LittleEndian.Uint32(entry[0x80:])
		if attribute_type == 0 {
			break
		}

		result = append(result, &AttributeDefinition{
			Name:          strings.TrimRight(ParseUTF16String(entry[:0x80]), "\x00"),
			Type:          AttributeType(attribute_type),
			DisplayRule:   binary.LittleEndian.Uint32(entry[0x84:]),
			CollationRule: CollationRule(binary.LittleEndian.Uint32(entry[0x88:])),
			Flags:         binary.LittleEndian.Uint32(entry[0x8C:]),
			MinimumSize:   int64(binary.LittleEndian.Uint64(entry[0x90:])),
			MaximumSize:   int64(binary.LittleEndian.Uint64(entry[0x98:])),
		})
	}
	return result, nil
}

func EncodeAttributeDefinitions(definitions []*AttributeDefinition) []byte {
	// The table is terminated by an all zero entry.
	result := make([]byte, (len(definitions)+1)*ATTRDEF_ENTRY_SIZE)
	for idx, definition := range definitions {
		entry := result[idx*ATTRDEF_ENTRY_SIZE:]
		copy(entry[:0x80], EncodeUTF16String(definition.Name))
		binary.LittleEndian.PutUint32(entry[0x80:], uint32(definition.Type))
		binary.LittleEndian.PutUint32(entry[0x84:], definition.DisplayRule)
		binary.LittleEndian.PutUint32(entry[0x88:], uint32(definition.CollationRule))
		binary.LittleEndian.PutUint32(entry[0x8C:], definition.Flags)
		binary.LittleEndian.PutUint64(entry[0x90:], uint64(definition.MinimumSize))
		binary.LittleEndian.PutUint64(entry[0x98:], uint64(definition.MaximumSize))
	}
	return result
}

// The attribute types this engine knows about.
func DefaultAttributeDefinitions() []*AttributeDefinition {
	return []*AttributeDefinition{
		{Name: "$STANDARD_INFORMATION", Type: ATTR_TYPE_STANDARD_INFORMATION,
			Flags: ATTRDEF_RESIDENT, MinimumSize: STANDARD_INFORMATION_V1_SIZE,
			MaximumSize: STANDARD_INFORMATION_V3_SIZE},
		{Name: "$ATTRIBUTE_LIST", Type: ATTR_TYPE_ATTRIBUTE_LIST,
			Flags: ATTRDEF_NONRESIDENT, MaximumSize: -1},
		{Name: "$FILE_NAME", Type: ATTR_TYPE_FILE_NAME,
			Flags: ATTRDEF_RESIDENT | ATTRDEF_INDEXABLE, MinimumSize: 0x44,
			MaximumSize: 0x242},
		{Name: "$OBJECT_ID", Type: ATTR_TYPE_OBJECT_ID,
			Flags: ATTRDEF_RESIDENT, MaximumSize: 0x100},
		{Name: "$SECURITY_DESCRIPTOR", Type: ATTR_TYPE_SECURITY_DESCRIPTOR,
			Flags: ATTRDEF_NONRESIDENT, MaximumSize: -1},
		{Name: "$VOLUME_NAME", Type: ATTR_TYPE_VOLUME_NAME,
			Flags: ATTRDEF_RESIDENT, MinimumSize: 2, MaximumSize: 0x100},
		{Name: "$VOLUME_INFORMATION", Type: ATTR_TYPE_VOLUME_INFORMATION,
			Flags: ATTRDEF_RESIDENT, MinimumSize: VOLUME_INFORMATION_SIZE,
			MaximumSize: VOLUME_INFORMATION_SIZE},
		{Name: "$DATA", Type: ATTR_TYPE_DATA, MaximumSize: -1},
		{Name: "$INDEX_ROOT", Type: ATTR_TYPE_INDEX_ROOT,
			Flags: ATTRDEF_RESIDENT, MaximumSize: -1},
		{Name: "$INDEX_ALLOCATION", Type: ATTR_TYPE_INDEX_ALLOCATION,
			Flags: ATTRDEF_NONRESIDENT, MaximumSize: -1},
		{Name: "$BITMAP", Type: ATTR_TYPE_BITMAP,
			Flags: ATTRDEF_NONRESIDENT, MaximumSize: -1},
		{Name: "$REPARSE_POINT", Type: ATTR_TYPE_REPARSE_POINT,
			Flags: ATTRDEF_NONRESIDENT, MaximumSize: 0x4000},
		{Name: "$LOGGED_UTILITY_STREAM", Type: ATTR_TYPE_LOGGED_UTILITY_STREAM,
			Flags: ATTRDEF_NONRESIDENT, MaximumSize: 0x10000},
	}
}
