package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A StreamHost backed by a memory device and a bare cluster bitmap.
type testStreamHost struct {
	limitedSegmentAllocator

	disk   *DeviceReader
	bitmap *Bitmap
	writes int
}

func newTestStreamHost(clusters int64) *testStreamHost {
	return &testStreamHost{
		disk:   NewDeviceReader(NewMemoryDevice(512, uint64(clusters*2))),
		bitmap: NewBitmap(nil, clusters),
	}
}

func (self *testStreamHost) ClusterSize() int64 {
	return 1024
}

func (self *testStreamHost) Disk() *DeviceReader {
	return self.disk
}

func (self *testStreamHost) AllocateClusters(count, hint int64) ([]Extent, error) {
	ranges, err := self.bitmap.Allocate(count, hint)
	if err != nil {
		return nil, err
	}

	result := []Extent{}
	for _, bit_range := range ranges {
		result = append(result, Extent{LCN: bit_range.Start, Length: bit_range.Length})
	}
	return result, nil
}

func (self *testStreamHost) FreeClusters(extents []Extent) error {
	for _, extent := range extents {
		err := self.bitmap.Clear(extent.LCN, extent.Length)
		if err != nil {
			return err
		}
	}
	return nil
}

func (self *testStreamHost) WriteFileRecord(record *FileRecord) error {
	self.writes++
	return nil
}

// Builds a record whose base has no free bytes left, holding an empty
// non resident $DATA. The host's clusters alternate between used and
// free so every grow comes back in single cluster pieces.
func fullRecordStream(t *testing.T, host *testStreamHost) (*FileRecord, *Stream) {
	require.NoError(t, host.bitmap.Set(0, 1))
	for lcn := int64(1); lcn < host.bitmap.Len(); lcn += 2 {
		require.NoError(t, host.bitmap.Set(lcn, 1))
	}

	record := testFileRecord(t, 40)
	require.NoError(t, record.AddAttribute(
		NewNonResidentAttribute(ATTR_TYPE_DATA, "", nil, 0, 1024), nil))

	pad := NewResidentAttribute(ATTR_TYPE_DATA, "pad", nil)
	pad.Value = make([]byte, record.Base().FreeSpace()-pad.Size())
	require.NoError(t, record.AddAttribute(pad, nil))
	require.Equal(t, 0, record.Base().FreeSpace())

	stream, err := NewStream(host, record, ATTR_TYPE_DATA, "")
	require.NoError(t, err)
	return record, stream
}

func TestStreamTruncateFailureReleasesClusters(t *testing.T) {
	host := newTestStreamHost(40)
	record, stream := fullRecordStream(t, host)

	in_use := host.bitmap.CountSet()
	before := recordLayout(record)

	// Ten separate runs do not fit where the empty mapping was and
	// there is no extension segment to move to.
	err := stream.Truncate(10 * 1024)
	assert.ErrorIs(t, err, RecordFullError)

	assert.Equal(t, in_use, host.bitmap.CountSet())
	assert.Equal(t, before, recordLayout(record))
	assert.Equal(t, int64(0), stream.Size())
	assert.Equal(t, 0, len(stream.Extents()))
	assert.Equal(t, 0, host.writes)
}

func TestStreamTruncateMovesToExtension(t *testing.T) {
	host := newTestStreamHost(40)
	host.next = 500
	host.remaining = 1
	record, stream := fullRecordStream(t, host)

	in_use := host.bitmap.CountSet()
	require.NoError(t, stream.Truncate(10*1024))

	assert.Equal(t, in_use+10, host.bitmap.CountSet())
	assert.Equal(t, int64(10*1024), stream.Size())
	assert.Equal(t, 10, len(stream.Extents()))
	assert.Equal(t, 2, len(record.Segments))
	assert.Equal(t, 1, host.writes)

	data, err := stream.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10*1024), data)

	// Shrinking releases the clusters past the new end.
	require.NoError(t, stream.Truncate(3*1024))
	assert.Equal(t, in_use+3, host.bitmap.CountSet())
	assert.Equal(t, 3, len(stream.Extents()))
}
