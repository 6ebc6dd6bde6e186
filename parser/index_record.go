package parser

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	INDEX_HEADER_SIZE         = 0x10
	INDEX_HEADER_HAS_CHILDREN = 0x01

	INDEX_ROOT_HEADER_SIZE = 0x10

	INDEX_RECORD_MAGIC       = "INDX"
	INDEX_RECORD_HEADER_SIZE = 0x18
	INDEX_RECORD_USA_OFFSET  = 0x28
)

// An IndexNode is the entry list of one B+tree node together with
// the INDEX_HEADER describing it. A node with HasChildren set is a
// parent node and all of its entries, the terminal one included,
// carry child pointers.
type IndexNode struct {
	Entries     []*IndexEntry
	HasChildren bool

	// Bytes available for the header and entries as recorded on
	// disk. Recomputed when the node is encoded.
	AllocatedSize int
}

func NewIndexNode() *IndexNode {
	return &IndexNode{
		Entries: []*IndexEntry{NewTerminalEntry()},
	}
}

// DecodeIndexNode decodes the INDEX_HEADER at offset and the entries it
// describes.
func DecodeIndexNode(buffer []byte, offset int) (*IndexNode, error) {
	err := checkBounds(buffer, offset, INDEX_HEADER_SIZE)
	if err != nil {
		return nil, err
	}

	header := buffer[offset:]
	entries_offset := int(binary.LittleEndian.Uint32(header))
	index_length := int(binary.LittleEndian.Uint32(header[4:]))
	allocated := int(binary.LittleEndian.Uint32(header[8:]))
	flags := header[12]

	if entries_offset < INDEX_HEADER_SIZE || index_length < entries_offset {
		return nil, fmt.Errorf("%w: index header at %#x: entries %#x length %#x",
			CorruptRecordError, offset, entries_offset, index_length)
	}

	err = checkBounds(buffer, offset, index_length)
	if err != nil {
		return nil, err
	}

	result := &IndexNode{
		HasChildren:   flags&INDEX_HEADER_HAS_CHILDREN != 0,
		AllocatedSize: allocated,
	}

	end := offset + index_length
	for position := offset + entries_offset; ; {
		if position >= end {
			return nil, fmt.Errorf("%w: index node at %#x has no terminal entry",
				CorruptRecordError, offset)
		}

		entry, consumed, err := DecodeIndexEntry(buffer[:end], position)
		if err != nil {
			return nil, err
		}

		if result.HasChildren && !entry.HasChild() {
			return nil, fmt.Errorf("%w: parent node entry at %#x has no child pointer",
				CorruptRecordError, position)
		}

		result.Entries = append(result.Entries, entry)
		position += consumed

		if entry.IsLast() {
			break
		}
	}

	return result, nil
}

// Length of the node with entries starting entries_offset bytes after
// the header.
func (self *IndexNode) usedLength(entries_offset int) int {
	return entries_offset + entriesLength(self.Entries)
}

// Encodes the header and entries into buffer, which must hold at least
// allocated bytes.
func (self *IndexNode) encodeTo(buffer []byte, entries_offset, allocated int) {
	index_length := self.usedLength(entries_offset)

	binary.LittleEndian.PutUint32(buffer, uint32(entries_offset))
	binary.LittleEndian.PutUint32(buffer[4:], uint32(index_length))
	binary.LittleEndian.PutUint32(buffer[8:], uint32(allocated))

	var flags byte
	if self.HasChildren {
		flags |= INDEX_HEADER_HAS_CHILDREN
	}
	buffer[12] = flags

	position := entries_offset
	for _, entry := range self.Entries {
		position += entry.encodeTo(buffer[position:])
	}
}

func (self *IndexNode) Copy() *IndexNode {
	result := &IndexNode{
		HasChildren:   self.HasChildren,
		AllocatedSize: self.AllocatedSize,
		Entries:       make([]*IndexEntry, 0, len(self.Entries)),
	}
	for _, entry := range self.Entries {
		result.Entries = append(result.Entries, entry.Copy())
	}
	return result
}

func (self *IndexNode) DebugString() string {
	result := []string{fmt.Sprintf("IndexNode: %d entries HasChildren %v Allocated %#x",
		len(self.Entries), self.HasChildren, self.AllocatedSize)}
	for _, entry := range self.Entries {
		result = append(result, "  "+entry.DebugString())
	}
	return strings.Join(result, "\n")
}

// The $INDEX_ROOT attribute value. The root node lives inline in the
// file record and is sized to exactly fit its entries.
type IndexRoot struct {
	AttributeType          uint32
	CollationRule          CollationRule
	IndexRecordSize        uint32
	ClustersPerIndexRecord int8

	Node *IndexNode
}

func NewIndexRoot(attribute_type uint32, rule CollationRule,
	index_record_size uint32, clusters_per_index_record int8) *IndexRoot {
	return &IndexRoot{
		AttributeType:          attribute_type,
		CollationRule:          rule,
		IndexRecordSize:        index_record_size,
		ClustersPerIndexRecord: clusters_per_index_record,
		Node:                   NewIndexNode(),
	}
}

func DecodeIndexRoot(value []byte) (*IndexRoot, error) {
	err := checkBounds(value, 0, INDEX_ROOT_HEADER_SIZE)
	if err != nil {
		return nil, err
	}

	node, err := DecodeIndexNode(value, INDEX_ROOT_HEADER_SIZE)
	if err != nil {
		return nil, err
	}

	return &IndexRoot{
		AttributeType:          binary.LittleEndian.Uint32(value),
		CollationRule:          CollationRule(binary.LittleEndian.Uint32(value[4:])),
		IndexRecordSize:        binary.LittleEndian.Uint32(value[8:]),
		ClustersPerIndexRecord: int8(value[12]),
		Node:                   node,
	}, nil
}

func (self *IndexRoot) Size() int {
	return INDEX_ROOT_HEADER_SIZE + self.Node.usedLength(INDEX_HEADER_SIZE)
}

func (self *IndexRoot) Encode() []byte {
	node_length := self.Node.usedLength(INDEX_HEADER_SIZE)
	result := make([]byte, INDEX_ROOT_HEADER_SIZE+node_length)

	binary.LittleEndian.PutUint32(result, self.AttributeType)
	binary.LittleEndian.PutUint32(result[4:], uint32(self.CollationRule))
	binary.LittleEndian.PutUint32(result[8:], self.IndexRecordSize)
	result[12] = byte(self.ClustersPerIndexRecord)

	self.Node.AllocatedSize = node_length
	self.Node.encodeTo(result[INDEX_ROOT_HEADER_SIZE:], INDEX_HEADER_SIZE, node_length)
	return result
}

func (self *IndexRoot) DebugString() string {
	return fmt.Sprintf("IndexRoot: Type %#x Collation %v RecordSize %#x ClustersPerRecord %d\n%s",
		self.AttributeType, self.CollationRule, self.IndexRecordSize,
		self.ClustersPerIndexRecord, self.Node.DebugString())
}

// An IndexRecord is one allocated node of the $INDEX_ALLOCATION
// stream, protected by fixups.
type IndexRecord struct {
	LSN  uint64
	VCN  uint64
	Size int

	// Fixup stride used when encoding.
	Stride int

	Node *IndexNode
}

func NewIndexRecord(vcn uint64, size, stride int) *IndexRecord {
	node := NewIndexNode()
	node.AllocatedSize = size - INDEX_RECORD_HEADER_SIZE
	return &IndexRecord{
		VCN:    vcn,
		Size:   size,
		Stride: stride,
		Node:   node,
	}
}

// Offset of the first entry relative to the INDEX_HEADER: the entries
// follow the update sequence array.
func indexRecordEntriesOffset(size, stride int) int {
	usa_count := updateSequenceCount(size, stride)
	return alignUp(INDEX_RECORD_USA_OFFSET+2*usa_count, 8) - INDEX_RECORD_HEADER_SIZE
}

// Capacity is the number of bytes available to entries.
func (self *IndexRecord) Capacity() int {
	return self.Size - INDEX_RECORD_HEADER_SIZE -
		indexRecordEntriesOffset(self.Size, self.Stride)
}

func (self *IndexRecord) Fits() bool {
	return entriesLength(self.Node.Entries) <= self.Capacity()
}

// DecodeIndexRecord decodes the INDX record at offset. The record size
// is taken from the header and every stride sized sector is checked
// against the update sequence number. The sequence is returned
// alongside the record.
func DecodeIndexRecord(buffer []byte, offset, stride int) (
	*IndexRecord, *UpdateSequence, error) {
	err := checkBounds(buffer, offset, INDEX_RECORD_USA_OFFSET)
	if err != nil {
		return nil, nil, err
	}

	header := buffer[offset:]
	if string(header[:4]) != INDEX_RECORD_MAGIC {
		return nil, nil, fmt.Errorf("%w: index record at %#x has magic %q",
			InvalidSignatureError, offset, header[:4])
	}

	usa_offset := int(binary.LittleEndian.Uint16(header[4:]))
	usa_count := int(binary.LittleEndian.Uint16(header[6:]))
	allocated := int(binary.LittleEndian.Uint32(header[INDEX_RECORD_HEADER_SIZE+8:]))
	size := INDEX_RECORD_HEADER_SIZE + allocated

	if stride <= 0 || size%stride != 0 || usa_count != updateSequenceCount(size, stride) {
		return nil, nil, fmt.Errorf(
			"%w: index record at %#x of %#x bytes has %d fixups",
			CorruptRecordError, offset, size, usa_count)
	}

	err = checkBounds(buffer, offset, size)
	if err != nil {
		return nil, nil, err
	}

	fixed, sequence, err := UnprotectRecord(buffer[offset:offset+size],
		usa_offset, usa_count, stride)
	if err != nil {
		return nil, nil, err
	}

	node, err := DecodeIndexNode(fixed, INDEX_RECORD_HEADER_SIZE)
	if err != nil {
		return nil, nil, err
	}

	STATS.Inc_IndexRecordDecoded()

	return &IndexRecord{
		LSN:    binary.LittleEndian.Uint64(fixed[8:]),
		VCN:    binary.LittleEndian.Uint64(fixed[16:]),
		Size:   size,
		Stride: stride,
		Node:   node,
	}, sequence, nil
}

// Encode serializes and protects the record. Fails with RecordFull if
// the entries do not fit.
func (self *IndexRecord) Encode(sequence_number uint16) ([]byte, error) {
	if !self.Fits() {
		return nil, fmt.Errorf("%w: index record %d needs %#x bytes, has %#x",
			RecordFullError, self.VCN, entriesLength(self.Node.Entries),
			self.Capacity())
	}

	buffer := make([]byte, self.Size)
	copy(buffer, INDEX_RECORD_MAGIC)
	binary.LittleEndian.PutUint16(buffer[4:], INDEX_RECORD_USA_OFFSET)
	binary.LittleEndian.PutUint16(buffer[6:],
		uint16(updateSequenceCount(self.Size, self.Stride)))
	binary.LittleEndian.PutUint64(buffer[8:], self.LSN)
	binary.LittleEndian.PutUint64(buffer[16:], self.VCN)

	allocated := self.Size - INDEX_RECORD_HEADER_SIZE
	self.Node.AllocatedSize = allocated
	self.Node.encodeTo(buffer[INDEX_RECORD_HEADER_SIZE:],
		indexRecordEntriesOffset(self.Size, self.Stride), allocated)

	STATS.Inc_IndexRecordEncoded()

	return ProtectRecord(buffer, INDEX_RECORD_USA_OFFSET, sequence_number, self.Stride)
}

func (self *IndexRecord) DebugString() string {
	return fmt.Sprintf("IndexRecord: VCN %d LSN %#x Size %#x\n%s",
		self.VCN, self.LSN, self.Size, self.Node.DebugString())
}
