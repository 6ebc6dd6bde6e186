package parser

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Restart tables are the fixed slot tables the log client saves in
// its restart area. A slot either holds a live entry, marked by the
// allocated sentinel in its first 4 bytes, or links to the next free
// slot.

const (
	RESTART_TABLE_HEADER_SIZE = 0x18
	RESTART_ENTRY_ALLOCATED   = 0xFFFFFFFF

	OPEN_ATTRIBUTE_ENTRY_V0_SIZE = 0x2C
	OPEN_ATTRIBUTE_ENTRY_V1_SIZE = 0x28
	DIRTY_PAGE_ENTRY_V0_HEADER   = 0x24
	DIRTY_PAGE_ENTRY_V1_HEADER   = 0x20
	TRANSACTION_ENTRY_SIZE       = 0x28
)

type RestartTableKind int

const (
	OPEN_ATTRIBUTE_TABLE RestartTableKind = iota
	DIRTY_PAGE_TABLE
	TRANSACTION_TABLE
)

func (self RestartTableKind) String() string {
	switch self {
	case OPEN_ATTRIBUTE_TABLE:
		return "OpenAttributeTable"
	case DIRTY_PAGE_TABLE:
		return "DirtyPageTable"
	case TRANSACTION_TABLE:
		return "TransactionTable"
	}
	return fmt.Sprintf("Unknown (%d)", int(self))
}

// A RestartEntry is one live slot: an *OpenAttributeEntry, a
// *DirtyPageEntry or a *TransactionEntry.
type RestartEntry interface {
	Kind() RestartTableKind
	DebugString() string

	// Encoded size for the major version.
	size(major_version uint16) int
	encodeTo(buffer []byte, major_version uint16)
}

type OpenAttributeEntry struct {
	FileReference        FileReference
	LsnOfOpenRecord      uint64
	DirtyPagesSeen       bool
	AttributeNamePresent bool
	AttributeType        AttributeType
	BytesPerIndexBuffer  uint32

	// Version 0 keeps the attribute name as a UNICODE_STRING header
	// whose buffer pointer is meaningless on disk.
	AttributeNameLength        uint16
	AttributeNameMaximumLength uint16
	AttributeNameBuffer        uint32

	// Version 1 keeps a pointer to the in memory entry instead.
	OatData uint64
}

func (self *OpenAttributeEntry) Kind() RestartTableKind {
	return OPEN_ATTRIBUTE_TABLE
}

func (self *OpenAttributeEntry) size(major_version uint16) int {
	if major_version == 0 {
		return OPEN_ATTRIBUTE_ENTRY_V0_SIZE
	}
	return OPEN_ATTRIBUTE_ENTRY_V1_SIZE
}

func decodeOpenAttributeEntry(slot []byte, major_version uint16) *OpenAttributeEntry {
	result := &OpenAttributeEntry{}
	if major_version == 0 {
		result.FileReference = NewFileReference(binary.LittleEndian.Uint64(slot[0x08:]))
		result.LsnOfOpenRecord = binary.LittleEndian.Uint64(slot[0x10:])
		result.DirtyPagesSeen = slot[0x18] != 0
		result.AttributeNamePresent = slot[0x19] != 0
		result.AttributeType = AttributeType(binary.LittleEndian.Uint32(slot[0x1C:]))
		result.AttributeNameLength = binary.LittleEndian.Uint16(slot[0x20:])
		result.AttributeNameMaximumLength = binary.LittleEndian.Uint16(slot[0x22:])
		result.AttributeNameBuffer = binary.LittleEndian.Uint32(slot[0x24:])
		result.BytesPerIndexBuffer = binary.LittleEndian.Uint32(slot[0x28:])
		return result
	}

	result.BytesPerIndexBuffer = binary.LittleEndian.Uint32(slot[0x04:])
	result.AttributeType = AttributeType(binary.LittleEndian.Uint32(slot[0x08:]))
	result.DirtyPagesSeen = slot[0x0C] != 0
	result.FileReference = NewFileReference(binary.LittleEndian.Uint64(slot[0x10:]))
	result.LsnOfOpenRecord = binary.LittleEndian.Uint64(slot[0x18:])
	result.OatData = binary.LittleEndian.Uint64(slot[0x20:])
	return result
}

func (self *OpenAttributeEntry) encodeTo(slot []byte, major_version uint16) {
	if major_version == 0 {
		binary.LittleEndian.PutUint64(slot[0x08:], self.FileReference.Raw())
		binary.LittleEndian.PutUint64(slot[0x10:], self.LsnOfOpenRecord)
		slot[0x18] = boolByte(self.DirtyPagesSeen)
		slot[0x19] = boolByte(self.AttributeNamePresent)
		binary.LittleEndian.PutUint32(slot[0x1C:], uint32(self.AttributeType))
		binary.LittleEndian.PutUint16(slot[0x20:], self.AttributeNameLength)
		binary.LittleEndian.PutUint16(slot[0x22:], self.AttributeNameMaximumLength)
		binary.LittleEndian.PutUint32(slot[0x24:], self.AttributeNameBuffer)
		binary.LittleEndian.PutUint32(slot[0x28:], self.BytesPerIndexBuffer)
		return
	}

	binary.LittleEndian.PutUint32(slot[0x04:], self.BytesPerIndexBuffer)
	binary.LittleEndian.PutUint32(slot[0x08:], uint32(self.AttributeType))
	slot[0x0C] = boolByte(self.DirtyPagesSeen)
	binary.LittleEndian.PutUint64(slot[0x10:], self.FileReference.Raw())
	binary.LittleEndian.PutUint64(slot[0x18:], self.LsnOfOpenRecord)
	binary.LittleEndian.PutUint64(slot[0x20:], self.OatData)
}

func (self *OpenAttributeEntry) DebugString() string {
	return fmt.Sprintf("OpenAttribute: %v %v LSN %#x DirtyPagesSeen %v IndexBuffer %#x",
		self.FileReference, self.AttributeType, self.LsnOfOpenRecord,
		self.DirtyPagesSeen, self.BytesPerIndexBuffer)
}

type DirtyPageEntry struct {
	// Byte offset of the open attribute entry in its table.
	TargetAttribute  uint32
	LengthOfTransfer uint32
	Reserved         uint32
	VCN              uint64
	OldestLSN        uint64
	LCNs             []uint64
}

func (self *DirtyPageEntry) Kind() RestartTableKind {
	return DIRTY_PAGE_TABLE
}

func (self *DirtyPageEntry) size(major_version uint16) int {
	if major_version == 0 {
		return DIRTY_PAGE_ENTRY_V0_HEADER + 8*len(self.LCNs)
	}
	return DIRTY_PAGE_ENTRY_V1_HEADER + 8*len(self.LCNs)
}

// The LCN count must fit the slot.
func decodeDirtyPageEntry(slot []byte, major_version uint16) (*DirtyPageEntry, error) {
	result := &DirtyPageEntry{
		TargetAttribute:  binary.LittleEndian.Uint32(slot[0x04:]),
		LengthOfTransfer: binary.LittleEndian.Uint32(slot[0x08:]),
	}
	lcn_count := int(binary.LittleEndian.Uint32(slot[0x0C:]))

	header := DIRTY_PAGE_ENTRY_V1_HEADER
	if major_version == 0 {
		header = DIRTY_PAGE_ENTRY_V0_HEADER
		result.Reserved = binary.LittleEndian.Uint32(slot[0x10:])
		result.VCN = binary.LittleEndian.Uint64(slot[0x14:])
		result.OldestLSN = binary.LittleEndian.Uint64(slot[0x1C:])
	} else {
		result.VCN = binary.LittleEndian.Uint64(slot[0x10:])
		result.OldestLSN = binary.LittleEndian.Uint64(slot[0x18:])
	}

	if header+8*lcn_count > len(slot) {
		return nil, fmt.Errorf("%w: dirty page entry has %d LCNs in a %#x byte slot",
			CorruptRestartTableError, lcn_count, len(slot))
	}

	result.LCNs = make([]uint64, lcn_count)
	for i := range result.LCNs {
		result.LCNs[i] = binary.LittleEndian.Uint64(slot[header+8*i:])
	}
	return result, nil
}

func (self *DirtyPageEntry) encodeTo(slot []byte, major_version uint16) {
	binary.LittleEndian.PutUint32(slot[0x04:], self.TargetAttribute)
	binary.LittleEndian.PutUint32(slot[0x08:], self.LengthOfTransfer)
	binary.LittleEndian.PutUint32(slot[0x0C:], uint32(len(self.LCNs)))

	header := DIRTY_PAGE_ENTRY_V1_HEADER
	if major_version == 0 {
		header = DIRTY_PAGE_ENTRY_V0_HEADER
		binary.LittleEndian.PutUint32(slot[0x10:], self.Reserved)
		binary.LittleEndian.PutUint64(slot[0x14:], self.VCN)
		binary.LittleEndian.PutUint64(slot[0x1C:], self.OldestLSN)
	} else {
		binary.LittleEndian.PutUint64(slot[0x10:], self.VCN)
		binary.LittleEndian.PutUint64(slot[0x18:], self.OldestLSN)
	}

	for i, lcn := range self.LCNs {
		binary.LittleEndian.PutUint64(slot[header+8*i:], lcn)
	}
}

func (self *DirtyPageEntry) DebugString() string {
	return fmt.Sprintf("DirtyPage: Target %#x VCN %d OldestLSN %#x Transfer %d LCNs %v",
		self.TargetAttribute, self.VCN, self.OldestLSN,
		self.LengthOfTransfer, self.LCNs)
}

type TransactionState uint8

const (
	TRANSACTION_UNINITIALIZED TransactionState = 0
	TRANSACTION_ACTIVE        TransactionState = 1
	TRANSACTION_PREPARED      TransactionState = 2
	TRANSACTION_COMMITTED     TransactionState = 3
)

type TransactionEntry struct {
	State       TransactionState
	FirstLSN    uint64
	PreviousLSN uint64
	UndoNextLSN uint64
	UndoRecords uint32
	UndoBytes   int32
}

func (self *TransactionEntry) Kind() RestartTableKind {
	return TRANSACTION_TABLE
}

func (self *TransactionEntry) size(major_version uint16) int {
	return TRANSACTION_ENTRY_SIZE
}

func decodeTransactionEntry(slot []byte) *TransactionEntry {
	return &TransactionEntry{
		State:       TransactionState(slot[0x04]),
		FirstLSN:    binary.LittleEndian.Uint64(slot[0x08:]),
		PreviousLSN: binary.LittleEndian.Uint64(slot[0x10:]),
		UndoNextLSN: binary.LittleEndian.Uint64(slot[0x18:]),
		UndoRecords: binary.LittleEndian.Uint32(slot[0x20:]),
		UndoBytes:   int32(binary.LittleEndian.Uint32(slot[0x24:])),
	}
}

func (self *TransactionEntry) encodeTo(slot []byte, major_version uint16) {
	slot[0x04] = byte(self.State)
	binary.LittleEndian.PutUint64(slot[0x08:], self.FirstLSN)
	binary.LittleEndian.PutUint64(slot[0x10:], self.PreviousLSN)
	binary.LittleEndian.PutUint64(slot[0x18:], self.UndoNextLSN)
	binary.LittleEndian.PutUint32(slot[0x20:], self.UndoRecords)
	binary.LittleEndian.PutUint32(slot[0x24:], uint32(self.UndoBytes))
}

func (self *TransactionEntry) DebugString() string {
	return fmt.Sprintf("Transaction: State %d FirstLSN %#x PreviousLSN %#x UndoNextLSN %#x Undo %d/%d",
		self.State, self.FirstLSN, self.PreviousLSN, self.UndoNextLSN,
		self.UndoRecords, self.UndoBytes)
}

func boolByte(value bool) byte {
	if value {
		return 1
	}
	return 0
}

// A live slot and its byte offset from the start of the table. Other
// entries refer to slots by this offset.
type RestartSlot struct {
	Offset uint32
	Entry  RestartEntry
}

type RestartTable struct {
	Kind            RestartTableKind
	EntrySize       uint16
	NumberEntries   uint16
	NumberAllocated uint16
	FreeGoal        uint32
	FirstFree       uint32
	LastFree        uint32

	Slots []RestartSlot
}

// Size of the table in bytes.
func (self *RestartTable) Size() int {
	return RESTART_TABLE_HEADER_SIZE + int(self.EntrySize)*int(self.NumberEntries)
}

// A free list pointer is either 0 (end of list) or the offset of a
// slot inside the table.
func (self *RestartTable) isPointerValid(pointer uint32) bool {
	if pointer == 0 {
		return true
	}
	if pointer < RESTART_TABLE_HEADER_SIZE || int(pointer) >= self.Size() {
		return false
	}
	return (pointer-RESTART_TABLE_HEADER_SIZE)%uint32(self.EntrySize) == 0
}

func decodeRestartEntry(slot []byte, kind RestartTableKind,
	major_version uint16) (RestartEntry, error) {
	switch kind {
	case OPEN_ATTRIBUTE_TABLE:
		size := OPEN_ATTRIBUTE_ENTRY_V1_SIZE
		if major_version == 0 {
			size = OPEN_ATTRIBUTE_ENTRY_V0_SIZE
		}
		if len(slot) < size {
			break
		}
		return decodeOpenAttributeEntry(slot, major_version), nil

	case DIRTY_PAGE_TABLE:
		size := DIRTY_PAGE_ENTRY_V1_HEADER
		if major_version == 0 {
			size = DIRTY_PAGE_ENTRY_V0_HEADER
		}
		if len(slot) < size {
			break
		}
		return decodeDirtyPageEntry(slot, major_version)

	case TRANSACTION_TABLE:
		if len(slot) < TRANSACTION_ENTRY_SIZE {
			break
		}
		return decodeTransactionEntry(slot), nil

	default:
		return nil, fmt.Errorf("%w: unknown table kind %v",
			CorruptRestartTableError, kind)
	}

	return nil, fmt.Errorf("%w: %v entry size %#x is too small",
		CorruptRestartTableError, kind, len(slot))
}

// ReadRestartTable decodes a restart table of the given kind. Every
// slot is either a live entry or a valid free list link.
func ReadRestartTable(buffer []byte, kind RestartTableKind,
	major_version uint16) (*RestartTable, error) {
	if len(buffer) < RESTART_TABLE_HEADER_SIZE {
		return nil, fmt.Errorf("%w: table of %#x bytes has no header",
			CorruptRestartTableError, len(buffer))
	}

	result := &RestartTable{
		Kind:            kind,
		EntrySize:       binary.LittleEndian.Uint16(buffer),
		NumberEntries:   binary.LittleEndian.Uint16(buffer[2:]),
		NumberAllocated: binary.LittleEndian.Uint16(buffer[4:]),
		FreeGoal:        binary.LittleEndian.Uint32(buffer[0x0C:]),
		FirstFree:       binary.LittleEndian.Uint32(buffer[0x10:]),
		LastFree:        binary.LittleEndian.Uint32(buffer[0x14:]),
	}

	if result.EntrySize < 4 || result.Size() > len(buffer) {
		return nil, fmt.Errorf("%w: %d entries of %#x bytes in %#x bytes",
			CorruptRestartTableError, result.NumberEntries, result.EntrySize,
			len(buffer))
	}

	if !result.isPointerValid(result.FirstFree) ||
		!result.isPointerValid(result.LastFree) {
		return nil, fmt.Errorf("%w: free list %#x-%#x out of table",
			CorruptRestartTableError, result.FirstFree, result.LastFree)
	}

	entry_size := int(result.EntrySize)
	for i := 0; i < int(result.NumberEntries); i++ {
		offset := RESTART_TABLE_HEADER_SIZE + i*entry_size
		slot := buffer[offset : offset+entry_size]
		marker := binary.LittleEndian.Uint32(slot)

		if marker != RESTART_ENTRY_ALLOCATED {
			if !result.isPointerValid(marker) {
				return nil, fmt.Errorf("%w: slot at %#x links to %#x",
					CorruptRestartTableError, offset, marker)
			}
			continue
		}

		entry, err := decodeRestartEntry(slot, kind, major_version)
		if err != nil {
			return nil, err
		}
		result.Slots = append(result.Slots, RestartSlot{
			Offset: uint32(offset),
			Entry:  entry,
		})
	}

	STATS.Inc_RestartTableDecoded()
	return result, nil
}

// WriteRestartTable lays entries out back to back, all allocated,
// with an empty free list. All entries must be of kind.
func WriteRestartTable(kind RestartTableKind, major_version uint16,
	entries []RestartEntry) ([]byte, error) {
	entry_size := restartEntrySize(kind, major_version)
	for _, entry := range entries {
		if entry.Kind() != kind {
			return nil, fmt.Errorf("%w: %v entry in %v",
				CorruptRestartTableError, entry.Kind(), kind)
		}
		entry_size = max(entry_size, entry.size(major_version))
	}
	entry_size = alignUp(entry_size, 8)

	result := make([]byte, RESTART_TABLE_HEADER_SIZE+entry_size*len(entries))
	binary.LittleEndian.PutUint16(result, uint16(entry_size))
	binary.LittleEndian.PutUint16(result[2:], uint16(len(entries)))
	binary.LittleEndian.PutUint16(result[4:], uint16(len(entries)))

	for i, entry := range entries {
		slot := result[RESTART_TABLE_HEADER_SIZE+i*entry_size:]
		binary.LittleEndian.PutUint32(slot, RESTART_ENTRY_ALLOCATED)
		entry.encodeTo(slot, major_version)
	}

	return result, nil
}

// Default slot size of each table.
func restartEntrySize(kind RestartTableKind, major_version uint16) int {
	switch kind {
	case OPEN_ATTRIBUTE_TABLE:
		if major_version == 0 {
			return OPEN_ATTRIBUTE_ENTRY_V0_SIZE
		}
		return OPEN_ATTRIBUTE_ENTRY_V1_SIZE
	case DIRTY_PAGE_TABLE:
		if major_version == 0 {
			return DIRTY_PAGE_ENTRY_V0_HEADER + 8
		}
		return DIRTY_PAGE_ENTRY_V1_HEADER + 8
	}
	return TRANSACTION_ENTRY_SIZE
}

// EntryAt returns the live entry at a table offset.
func (self *RestartTable) EntryAt(offset uint32) (RestartEntry, bool) {
	for _, slot := range self.Slots {
		if slot.Offset == offset {
			return slot.Entry, true
		}
	}
	return nil, false
}

// FindOpenAttribute finds the open attribute entry for an attribute of
// a file.
func (self *RestartTable) FindOpenAttribute(ref FileReference,
	attr_type AttributeType) (uint32, *OpenAttributeEntry, bool) {
	for _, slot := range self.Slots {
		entry, ok := slot.Entry.(*OpenAttributeEntry)
		if ok && entry.FileReference == ref && entry.AttributeType == attr_type {
			return slot.Offset, entry, true
		}
	}
	return 0, nil, false
}

// FindDirtyPage finds the dirty page of the open attribute at
// target_attribute which covers vcn.
func (self *RestartTable) FindDirtyPage(target_attribute uint32,
	vcn uint64) (*DirtyPageEntry, bool) {
	for _, slot := range self.Slots {
		entry, ok := slot.Entry.(*DirtyPageEntry)
		if !ok || entry.TargetAttribute != target_attribute {
			continue
		}
		if vcn >= entry.VCN && vcn < entry.VCN+uint64(len(entry.LCNs)) {
			return entry, true
		}
	}
	return nil, false
}

// Entries returns the live entries in slot order.
func (self *RestartTable) Entries() []RestartEntry {
	result := make([]RestartEntry, 0, len(self.Slots))
	for _, slot := range self.Slots {
		result = append(result, slot.Entry)
	}
	return result
}

func (self *RestartTable) DebugString() string {
	result := []string{fmt.Sprintf(
		"%v: EntrySize %#x Entries %d Allocated %d FirstFree %#x LastFree %#x",
		self.Kind, self.EntrySize, self.NumberEntries, self.NumberAllocated,
		self.FirstFree, self.LastFree)}
	for _, slot := range self.Slots {
		result = append(result, fmt.Sprintf("  %#04x %s", slot.Offset,
			slot.Entry.DebugString()))
	}
	return strings.Join(result, "\n")
}
