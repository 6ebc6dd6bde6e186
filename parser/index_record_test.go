package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndexRecord(t *testing.T) *IndexRecord {
	record := NewIndexRecord(3, 4096, 512)
	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		key, err := fileNameKey(name)
		require.NoError(t, err)
		record.Node.Entries = append(record.Node.Entries[:i],
			&IndexEntry{FileReference: testReference(i), Key: key},
			NewTerminalEntry())
	}
	return record
}

func TestIndexRecordRoundTrip(t *testing.T) {
	record := newTestIndexRecord(t)

	data, err := record.Encode(9)
	require.NoError(t, err)
	assert.Equal(t, 4096, len(data))

	decoded, sequence, err := DecodeIndexRecord(data, 0, 512)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), sequence.Number)
	assert.Equal(t, uint64(3), decoded.VCN)
	assert.Equal(t, 4096, decoded.Size)
	assert.False(t, decoded.Node.HasChildren)
	require.Equal(t, 4, len(decoded.Node.Entries))
	assert.True(t, decoded.Node.Entries[3].IsLast())

	file_name, err := decoded.Node.Entries[1].FileName()
	require.NoError(t, err)
	assert.Equal(t, "b.txt", file_name.Name)
	assert.Equal(t, testReference(1), decoded.Node.Entries[1].FileReference)
}

// A torn write leaves the second sector with a stale tail.
func TestIndexRecordCorruptSecondSector(t *testing.T) {
	data, err := newTestIndexRecord(t).Encode(9)
	require.NoError(t, err)

	data[1022] = 0xAB
	data[1023] = 0xCD

	_, _, err = DecodeIndexRecord(data, 0, 512)
	assert.ErrorIs(t, err, CorruptRecordError)
}

func TestIndexRecordBadMagic(t *testing.T) {
	data, err := newTestIndexRecord(t).Encode(9)
	require.NoError(t, err)

	copy(data, "FILE")
	_, _, err = DecodeIndexRecord(data, 0, 512)
	assert.ErrorIs(t, err, InvalidSignatureError)
}

func TestIndexRecordOverflow(t *testing.T) {
	record := NewIndexRecord(0, 1024, 512)
	for i := 0; i < 20; i++ {
		key, err := fileNameKey(testName(i))
		require.NoError(t, err)
		record.Node.Entries = append([]*IndexEntry{
			{FileReference: testReference(i), Key: key}}, record.Node.Entries...)
	}

	assert.False(t, record.Fits())
	_, err := record.Encode(1)
	assert.ErrorIs(t, err, RecordFullError)
}

func TestIndexRootRoundTrip(t *testing.T) {
	root := NewIndexRoot(uint32(ATTR_TYPE_FILE_NAME), COLLATION_FILE_NAME, 4096, 1)
	key, err := fileNameKey("hello")
	require.NoError(t, err)

	entry := &IndexEntry{FileReference: testReference(5), Key: key}
	entry.SetChild(17)
	terminal := NewTerminalEntry()
	terminal.SetChild(18)
	root.Node.Entries = []*IndexEntry{entry, terminal}
	root.Node.HasChildren = true

	data := root.Encode()
	assert.Equal(t, root.Size(), len(data))

	decoded, err := DecodeIndexRoot(data)
	require.NoError(t, err)
	assert.Equal(t, COLLATION_FILE_NAME, decoded.CollationRule)
	assert.Equal(t, uint32(4096), decoded.IndexRecordSize)
	assert.True(t, decoded.Node.HasChildren)
	require.Equal(t, 2, len(decoded.Node.Entries))
	assert.Equal(t, uint64(17), decoded.Node.Entries[0].ChildVCN)
	assert.Equal(t, uint64(18), decoded.Node.Entries[1].ChildVCN)
	assert.Equal(t, key, decoded.Node.Entries[0].Key)
}
