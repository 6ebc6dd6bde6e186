package parser

import (
	"encoding/binary"
	"fmt"
)

const (
	INDEX_ENTRY_NODE = 0x01
	INDEX_ENTRY_END  = 0x02

	INDEX_ENTRY_HEADER_SIZE = 0x10
)

// An IndexEntry is one slot of a B+tree node. Keys are kept unpadded;
// padding to 8 bytes only exists on disk. Entries with the NODE flag
// carry the VCN of the child record holding every key that sorts
// before this entry's key.
type IndexEntry struct {
	FileReference FileReference
	Key           []byte
	ChildVCN      uint64
	Flags         uint16
}

// NewTerminalEntry returns the keyless entry that ends every node.
func NewTerminalEntry() *IndexEntry {
	return &IndexEntry{Flags: INDEX_ENTRY_END}
}

func (self *IndexEntry) IsLast() bool {
	return self.Flags&INDEX_ENTRY_END != 0
}

func (self *IndexEntry) HasChild() bool {
	return self.Flags&INDEX_ENTRY_NODE != 0
}

func (self *IndexEntry) SetChild(vcn uint64) {
	self.Flags |= INDEX_ENTRY_NODE
	self.ChildVCN = vcn
}

func (self *IndexEntry) ClearChild() {
	self.Flags &^= INDEX_ENTRY_NODE
	self.ChildVCN = 0
}

// Size is the encoded length of the entry.
func (self *IndexEntry) Size() int {
	size := alignUp(INDEX_ENTRY_HEADER_SIZE+len(self.Key), 8)
	if self.HasChild() {
		size += 8
	}
	return size
}

func (self *IndexEntry) Copy() *IndexEntry {
	result := *self
	result.Key = append([]byte{}, self.Key...)
	return &result
}

// DecodeIndexEntry decodes the entry at offset and returns it together
// with the number of bytes it occupies.
func DecodeIndexEntry(buffer []byte, offset int) (*IndexEntry, int, error) {
	err := checkBounds(buffer, offset, INDEX_ENTRY_HEADER_SIZE)
	if err != nil {
		return nil, 0, err
	}

	header := buffer[offset:]
	entry_length := int(binary.LittleEndian.Uint16(header[8:]))
	key_length := int(binary.LittleEndian.Uint16(header[10:]))
	flags := binary.LittleEndian.Uint16(header[12:])

	if entry_length < INDEX_ENTRY_HEADER_SIZE || entry_length%8 != 0 {
		return nil, 0, fmt.Errorf("%w: index entry at %#x has length %#x",
			CorruptRecordError, offset, entry_length)
	}

	err = checkBounds(buffer, offset, entry_length)
	if err != nil {
		return nil, 0, err
	}

	available := entry_length - INDEX_ENTRY_HEADER_SIZE
	if flags&INDEX_ENTRY_NODE != 0 {
		available -= 8
	}
	if key_length > available {
		return nil, 0, fmt.Errorf(
			"%w: index entry at %#x has a key of %#x bytes in %#x bytes",
			CorruptRecordError, offset, key_length, entry_length)
	}

	result := &IndexEntry{
		FileReference: NewFileReference(binary.LittleEndian.Uint64(header)),
		Key:           make([]byte, key_length),
		Flags:         flags,
	}
	copy(result.Key, header[INDEX_ENTRY_HEADER_SIZE:INDEX_ENTRY_HEADER_SIZE+key_length])

	if result.HasChild() {
		result.ChildVCN = binary.LittleEndian.Uint64(header[entry_length-8:])
	}

	return result, entry_length, nil
}

// Encode serializes the entry. The length field is recomputed from
// the key length.
func (self *IndexEntry) Encode() []byte {
	result := make([]byte, self.Size())
	self.encodeTo(result)
	return result
}

func (self *IndexEntry) encodeTo(buffer []byte) int {
	size := self.Size()
	binary.LittleEndian.PutUint64(buffer, self.FileReference.Raw())
	binary.LittleEndian.PutUint16(buffer[8:], uint16(size))
	binary.LittleEndian.PutUint16(buffer[10:], uint16(len(self.Key)))
	binary.LittleEndian.PutUint16(buffer[12:], self.Flags)
	binary.LittleEndian.PutUint16(buffer[14:], 0)
	copy(buffer[INDEX_ENTRY_HEADER_SIZE:], self.Key)

	if self.HasChild() {
		binary.LittleEndian.PutUint64(buffer[size-8:], self.ChildVCN)
	}
	return size
}

// FileName decodes the key of a directory entry.
func (self *IndexEntry) FileName() (*FileName, error) {
	return DecodeFileName(self.Key)
}

func (self *IndexEntry) DebugString() string {
	result := fmt.Sprintf("IndexEntry: Ref %v Flags %#x Key %d bytes",
		self.FileReference, self.Flags, len(self.Key))
	if self.HasChild() {
		result += fmt.Sprintf(" Child VCN %d", self.ChildVCN)
	}
	if self.IsLast() {
		result += " (END)"
	}
	return result
}

// Total encoded length of a run of entries.
func entriesLength(entries []*IndexEntry) int {
	result := 0
	for _, entry := range entries {
		result += entry.Size()
	}
	return result
}
