package parser

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAttributeTable(t *testing.T) {
	entries := []RestartEntry{
		&OpenAttributeEntry{
			FileReference:       FileReference{SegmentNumber: 0x20, SequenceNumber: 2},
			LsnOfOpenRecord:     0x1000,
			AttributeType:       ATTR_TYPE_DATA,
			BytesPerIndexBuffer: 0,
			OatData:             0xFFFF800012345678,
		},
		&OpenAttributeEntry{
			FileReference:       RootReference(),
			LsnOfOpenRecord:     0x2000,
			DirtyPagesSeen:      true,
			AttributeType:       ATTR_TYPE_INDEX_ALLOCATION,
			BytesPerIndexBuffer: 4096,
		},
	}

	data, err := WriteRestartTable(OPEN_ATTRIBUTE_TABLE, 1, entries)
	require.NoError(t, err)

	table, err := ReadRestartTable(data, OPEN_ATTRIBUTE_TABLE, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(OPEN_ATTRIBUTE_ENTRY_V1_SIZE), table.EntrySize)
	assert.Equal(t, entries, table.Entries())

	offset, entry, found := table.FindOpenAttribute(RootReference(), ATTR_TYPE_INDEX_ALLOCATION)
	require.True(t, found)
	assert.Equal(t, uint32(RESTART_TABLE_HEADER_SIZE+OPEN_ATTRIBUTE_ENTRY_V1_SIZE), offset)
	assert.Equal(t, uint32(4096), entry.BytesPerIndexBuffer)

	_, _, found = table.FindOpenAttribute(RootReference(), ATTR_TYPE_DATA)
	assert.False(t, found)

	// Version 0 entries are wider and keep the name header.
	entries[0].(*OpenAttributeEntry).OatData = 0
	entries[1].(*OpenAttributeEntry).AttributeNamePresent = true
	entries[1].(*OpenAttributeEntry).AttributeNameLength = 8
	entries[1].(*OpenAttributeEntry).AttributeNameMaximumLength = 8

	data, err = WriteRestartTable(OPEN_ATTRIBUTE_TABLE, 0, entries)
	require.NoError(t, err)

	table, err = ReadRestartTable(data, OPEN_ATTRIBUTE_TABLE, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x30), table.EntrySize)
	assert.Equal(t, entries, table.Entries())
}

func TestDirtyPageTable(t *testing.T) {
	entries := []RestartEntry{
		&DirtyPageEntry{
			TargetAttribute:  0x18,
			LengthOfTransfer: 0x1000,
			VCN:              16,
			OldestLSN:        0x3000,
			LCNs:             []uint64{100, 101, 0x1234},
		},
		&DirtyPageEntry{
			TargetAttribute:  0x40,
			LengthOfTransfer: 0x1000,
			VCN:              0,
			OldestLSN:        0x3100,
			LCNs:             []uint64{7},
		},
	}

	for _, version := range []uint16{0, 1} {
		data, err := WriteRestartTable(DIRTY_PAGE_TABLE, version, entries)
		require.NoError(t, err)

		table, err := ReadRestartTable(data, DIRTY_PAGE_TABLE, version)
		require.NoError(t, err)
		assert.Equal(t, entries, table.Entries(), "version %d", version)

		page, found := table.FindDirtyPage(0x18, 18)
		require.True(t, found)
		assert.Equal(t, uint64(0x1234), page.LCNs[18-16])

		_, found = table.FindDirtyPage(0x18, 19)
		assert.False(t, found)

		_, found = table.FindDirtyPage(0x40, 0)
		assert.True(t, found)
	}
}

func TestTransactionTableFreeList(t *testing.T) {
	entry := &TransactionEntry{
		State:       TRANSACTION_ACTIVE,
		FirstLSN:    0x100,
		PreviousLSN: 0x180,
		UndoNextLSN: 0x180,
		UndoRecords: 2,
		UndoBytes:   -0x40,
	}

	data, err := WriteRestartTable(TRANSACTION_TABLE, 1, []RestartEntry{entry})
	require.NoError(t, err)

	// Grow the table by two free slots linked into the free list.
	slot_size := TRANSACTION_ENTRY_SIZE
	second := uint32(RESTART_TABLE_HEADER_SIZE + slot_size)
	third := uint32(RESTART_TABLE_HEADER_SIZE + 2*slot_size)

	data = append(data, make([]byte, 2*slot_size)...)
	binary.LittleEndian.PutUint16(data[2:], 3)
	binary.LittleEndian.PutUint32(data[0x10:], second)
	binary.LittleEndian.PutUint32(data[0x14:], third)
	binary.LittleEndian.PutUint32(data[second:], third)

	table, err := ReadRestartTable(data, TRANSACTION_TABLE, 1)
	require.NoError(t, err)
	require.Equal(t, 1, len(table.Slots))
	assert.Equal(t, uint32(RESTART_TABLE_HEADER_SIZE), table.Slots[0].Offset)
	assert.Equal(t, entry, table.Slots[0].Entry)

	live, found := table.EntryAt(RESTART_TABLE_HEADER_SIZE)
	require.True(t, found)
	assert.Equal(t, TRANSACTION_TABLE, live.Kind())

	_, found = table.EntryAt(second)
	assert.False(t, found)

	// A free slot pointing into the middle of a slot.
	binary.LittleEndian.PutUint32(data[second:], third+4)
	_, err = ReadRestartTable(data, TRANSACTION_TABLE, 1)
	assert.ErrorIs(t, err, CorruptRestartTableError)
	binary.LittleEndian.PutUint32(data[second:], third)

	// Free list head outside the table.
	binary.LittleEndian.PutUint32(data[0x10:], third+uint32(slot_size))
	_, err = ReadRestartTable(data, TRANSACTION_TABLE, 1)
	assert.ErrorIs(t, err, CorruptRestartTableError)
}

func TestRestartTableCorrupt(t *testing.T) {
	_, err := ReadRestartTable(make([]byte, 8), DIRTY_PAGE_TABLE, 1)
	assert.ErrorIs(t, err, CorruptRestartTableError)

	data, err := WriteRestartTable(DIRTY_PAGE_TABLE, 1, []RestartEntry{
		&DirtyPageEntry{TargetAttribute: 0x18, LCNs: []uint64{1}},
	})
	require.NoError(t, err)

	// More entries than the buffer holds.
	binary.LittleEndian.PutUint16(data[2:], 2)
	_, err = ReadRestartTable(data, DIRTY_PAGE_TABLE, 1)
	assert.ErrorIs(t, err, CorruptRestartTableError)
	binary.LittleEndian.PutUint16(data[2:], 1)

	// An LCN count past the end of the slot.
	binary.LittleEndian.PutUint32(data[RESTART_TABLE_HEADER_SIZE+0x0C:], 5)
	_, err = ReadRestartTable(data, DIRTY_PAGE_TABLE, 1)
	assert.ErrorIs(t, err, CorruptRestartTableError)

	_, err = WriteRestartTable(DIRTY_PAGE_TABLE, 1, []RestartEntry{&TransactionEntry{}})
	assert.ErrorIs(t, err, CorruptRestartTableError)
}
