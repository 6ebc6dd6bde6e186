package parser

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hands out extension segments numbered from next.
type testSegmentAllocator struct {
	next  uint64
	freed []uint64
}

func (self *testSegmentAllocator) AllocateSegment(base FileReference) (*FileRecordSegment, error) {
	segment := NewFileRecordSegment(self.next, 1, 1024, DEFAULT_FIXUP_STRIDE)
	segment.Flags = FILE_RECORD_IN_USE
	segment.BaseReference = base
	self.next++
	return segment, nil
}

func (self *testSegmentAllocator) FreeSegment(segment *FileRecordSegment) error {
	self.freed = append(self.freed, segment.SegmentNumber)
	return nil
}

// Hands out at most remaining extension segments.
type limitedSegmentAllocator struct {
	testSegmentAllocator
	remaining int
}

func (self *limitedSegmentAllocator) AllocateSegment(base FileReference) (*FileRecordSegment, error) {
	if self.remaining <= 0 {
		return nil, fmt.Errorf("%w: no free segments", RecordFullError)
	}
	self.remaining--
	return self.testSegmentAllocator.AllocateSegment(base)
}

// Summarizes where every attribute lives.
func recordLayout(record *FileRecord) []string {
	result := []string{}
	for _, segment := range record.Segments {
		for _, attr := range segment.Attributes {
			result = append(result, fmt.Sprintf("%d %v %q instance %d value %d",
				segment.SegmentNumber, attr.Type, attr.Name, attr.Instance,
				len(attr.Value)))
		}
		result = append(result, fmt.Sprintf("%d next instance %d",
			segment.SegmentNumber, segment.NextInstance))
	}
	return result
}

func baseTypes(record *FileRecord) []AttributeType {
	result := []AttributeType{}
	for _, attr := range record.Base().Attributes {
		result = append(result, attr.Type)
	}
	return result
}

var test_time = NewFileTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

func testFileNameAttribute(t *testing.T, name string) *AttributeRecord {
	value, err := (&FileName{
		ParentReference: RootReference(),
		CreationTime:    test_time,
		Namespace:       FILE_NAME_WIN32,
		Name:            name,
	}).Encode()
	require.NoError(t, err)
	return NewResidentAttribute(ATTR_TYPE_FILE_NAME, "", value)
}

func testFileRecord(t *testing.T, segment_number uint64) *FileRecord {
	base := NewFileRecordSegment(segment_number, 3, 1024, DEFAULT_FIXUP_STRIDE)
	base.Flags = FILE_RECORD_IN_USE
	record := NewFileRecord(base)

	si := &StandardInformation{
		CreationTime:   test_time,
		FileAttributes: FILE_ATTRIBUTE_ARCHIVE,
	}
	require.NoError(t, record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_STANDARD_INFORMATION, "", si.Encode()), nil))
	return record
}

func TestFileRecordSegmentRoundTrip(t *testing.T) {
	record := testFileRecord(t, 42)
	base := record.Base()
	base.HardLinkCount = 1
	base.LSN = 0x1122334455

	require.NoError(t, record.AddAttribute(testFileNameAttribute(t, "notes.txt"), nil))
	require.NoError(t, record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", []byte("hello world")), nil))
	require.NoError(t, record.AddAttribute(NewNonResidentAttribute(
		ATTR_TYPE_DATA, "Zone.Identifier",
		[]Run{{Length: 2, RelativeRunOffset: 0x40}}, 5000, 4096), nil))

	data, err := base.Encode(7)
	require.NoError(t, err)
	assert.Equal(t, 1024, len(data))

	decoded, sequence, err := DecodeFileRecordSegment(data, 0, DEFAULT_FIXUP_STRIDE)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), sequence.Number)

	assert.Equal(t, base.Reference(), decoded.Reference())
	assert.Equal(t, base.LSN, decoded.LSN)
	assert.Equal(t, base.HardLinkCount, decoded.HardLinkCount)
	assert.Equal(t, base.NextInstance, decoded.NextInstance)
	assert.True(t, decoded.IsBase())
	assert.False(t, decoded.IsDirectory())

	require.Equal(t, len(base.Attributes), len(decoded.Attributes))
	for idx, attr := range base.Attributes {
		assert.True(t, attr.Equal(decoded.Attributes[idx]), attr.DebugString())
	}

	decoded_record := NewFileRecord(decoded)
	names, err := decoded_record.FileNames()
	require.NoError(t, err)
	require.Equal(t, 1, len(names))
	assert.Equal(t, "notes.txt", names[0].Name)
	assert.Equal(t, test_time, names[0].CreationTime)

	ads, found := decoded_record.GetAttribute(ATTR_TYPE_DATA, "zone.identifier")
	require.True(t, found)
	assert.Equal(t, int64(5000), ads.DataLength())
	assert.Equal(t, []Extent{{VCN: 0, LCN: 0x40, Length: 2}}, ads.Extents())
}

func TestFileRecordSegmentCorrupt(t *testing.T) {
	record := testFileRecord(t, 5)
	data, err := record.Base().Encode(2)
	require.NoError(t, err)

	bad_magic := append([]byte{}, data...)
	copy(bad_magic, "BAAD")
	_, _, err = DecodeFileRecordSegment(bad_magic, 0, DEFAULT_FIXUP_STRIDE)
	assert.ErrorIs(t, err, InvalidSignatureError)

	torn := append([]byte{}, data...)
	torn[1022] ^= 0xFF
	_, _, err = DecodeFileRecordSegment(torn, 0, DEFAULT_FIXUP_STRIDE)
	assert.ErrorIs(t, err, CorruptRecordError)

	_, _, err = DecodeFileRecordSegment(data[:512], 0, DEFAULT_FIXUP_STRIDE)
	assert.ErrorIs(t, err, TruncatedRecordError)
}

func TestFileRecordDuplicateAttribute(t *testing.T) {
	record := testFileRecord(t, 20)
	require.NoError(t, record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", nil), nil))

	err := record.AddAttribute(NewResidentAttribute(ATTR_TYPE_DATA, "", nil), nil)
	assert.ErrorIs(t, err, DuplicateKeyError)

	// Every link is its own $FILE_NAME.
	require.NoError(t, record.AddAttribute(testFileNameAttribute(t, "a"), nil))
	require.NoError(t, record.AddAttribute(testFileNameAttribute(t, "b"), nil))

	links, err := record.LinkCount()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), links)
}

func TestFileRecordSpillsToExtensions(t *testing.T) {
	allocator := &testSegmentAllocator{next: 100}
	record := testFileRecord(t, 30)

	names := []string{}
	for i := 0; i < 8; i++ {
		name := strings.Repeat(string(rune('a'+i)), 120)
		names = append(names, name)
		require.NoError(t, record.AddAttribute(testFileNameAttribute(t, name), allocator))
	}

	assert.Greater(t, len(record.Segments), 1)
	for _, segment := range record.Segments {
		assert.GreaterOrEqual(t, segment.FreeSpace(), 0)
		_, err := segment.Encode(1)
		assert.NoError(t, err)

		if segment != record.Base() {
			assert.Equal(t, record.Reference(), segment.BaseReference)
		}
	}

	list, found := record.GetAttribute(ATTR_TYPE_ATTRIBUTE_LIST, "")
	require.True(t, found)
	entries, err := DecodeAttributeList(list.Value)
	require.NoError(t, err)

	// The list covers everything but itself.
	assert.Equal(t, len(record.Attributes()), len(entries))
	for _, entry := range entries {
		assert.NotEqual(t, ATTR_TYPE_ATTRIBUTE_LIST, entry.Type)
	}

	links, err := record.LinkCount()
	require.NoError(t, err)
	assert.Equal(t, uint16(8), links)

	for _, name := range names {
		removed, err := record.RemoveFileName(RootReference(), name, allocator)
		require.NoError(t, err)
		assert.True(t, removed)
	}

	// Empty extensions are released and the list goes with them.
	assert.Equal(t, 1, len(record.Segments))
	assert.Equal(t, int(allocator.next-100), len(allocator.freed))
	_, found = record.GetAttribute(ATTR_TYPE_ATTRIBUTE_LIST, "")
	assert.False(t, found)
}

func TestFileRecordWithoutAllocatorIsFull(t *testing.T) {
	record := testFileRecord(t, 31)

	err := record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", make([]byte, 2000)), nil)
	assert.ErrorIs(t, err, RecordFullError)

	require.NoError(t, record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", []byte("small")), nil))

	err = record.ReplaceAttributeValue(ATTR_TYPE_DATA, "", make([]byte, 1000))
	assert.ErrorIs(t, err, RecordFullError)

	require.NoError(t, record.ReplaceAttributeValue(ATTR_TYPE_DATA, "", []byte("bigger value")))
	attr, found := record.GetAttribute(ATTR_TYPE_DATA, "")
	require.True(t, found)
	assert.Equal(t, []byte("bigger value"), attr.Value)
}

func TestFileRecordFailedAddLeavesRecord(t *testing.T) {
	record := testFileRecord(t, 32)
	require.NoError(t, record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", make([]byte, 800)), nil))
	before := recordLayout(record)

	err := record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "big", make([]byte, 500)), nil)
	assert.ErrorIs(t, err, RecordFullError)

	assert.Equal(t, before, recordLayout(record))
	assert.Equal(t, []AttributeType{
		ATTR_TYPE_STANDARD_INFORMATION, ATTR_TYPE_DATA}, baseTypes(record))

	_, err = record.Base().Encode(1)
	assert.NoError(t, err)
}

func TestFileRecordFailedRebalanceLeavesRecord(t *testing.T) {
	allocator := &limitedSegmentAllocator{
		testSegmentAllocator: testSegmentAllocator{next: 200},
		remaining:            1,
	}
	record := testFileRecord(t, 33)

	// Fill the base with short names.
	for i := 0; ; i++ {
		attr := testFileNameAttribute(t, fmt.Sprintf("name%016d", i))
		if record.Base().FreeSpace() < attr.Size() {
			break
		}
		require.NoError(t, record.AddAttribute(attr, nil))
	}
	require.Equal(t, 1, len(record.Segments))
	before := recordLayout(record)

	// The new attribute takes up the only extension, so the names the
	// $ATTRIBUTE_LIST pushes out of the base have nowhere to go.
	err := record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", make([]byte, 900)), allocator)
	assert.ErrorIs(t, err, RecordFullError)

	assert.Equal(t, before, recordLayout(record))
	assert.Equal(t, 1, len(record.Segments))
	assert.Equal(t, []uint64{200}, allocator.freed)

	_, found := record.GetAttribute(ATTR_TYPE_ATTRIBUTE_LIST, "")
	assert.False(t, found)
	_, found = record.GetAttribute(ATTR_TYPE_DATA, "")
	assert.False(t, found)

	links, err := record.LinkCount()
	require.NoError(t, err)
	assert.Equal(t, len(before)-2, int(links))
}

func TestFileRecordFailedUpdateKeepsOldValue(t *testing.T) {
	record := testFileRecord(t, 34)
	require.NoError(t, record.AddAttribute(testFileNameAttribute(t, "kept.txt"), nil))
	require.NoError(t, record.AddAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", []byte("old value")), nil))
	before := recordLayout(record)

	err := record.UpdateAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", make([]byte, 2000)), nil)
	assert.ErrorIs(t, err, RecordFullError)
	assert.Equal(t, before, recordLayout(record))

	attr, found := record.GetAttribute(ATTR_TYPE_DATA, "")
	require.True(t, found)
	assert.Equal(t, []byte("old value"), attr.Value)

	// With an extension to move to the update goes through.
	allocator := &testSegmentAllocator{next: 300}
	require.NoError(t, record.UpdateAttribute(
		NewResidentAttribute(ATTR_TYPE_DATA, "", make([]byte, 900)), allocator))
	assert.Equal(t, 2, len(record.Segments))

	attr, found = record.GetAttribute(ATTR_TYPE_DATA, "")
	require.True(t, found)
	assert.Equal(t, 900, len(attr.Value))

	removed, err := record.RemoveAttribute(ATTR_TYPE_DATA, "", allocator)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 1, len(record.Segments))
	assert.Equal(t, []uint64{300}, allocator.freed)
}
