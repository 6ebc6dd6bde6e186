package parser

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/alecthomas/assert"
)

func TestMemoryDevice(t *testing.T) {
	device := NewMemoryDevice(512, 4)
	assert.Equal(t, uint64(4), device.TotalSectors())

	data := bytes.Repeat([]byte{0xAB}, 1024)
	assert.NoError(t, device.WriteSectors(2, data))

	read, err := device.ReadSectors(2, 2)
	assert.NoError(t, err)
	assert.Equal(t, data, read)

	// Past the end of the device.
	_, err = device.ReadSectors(3, 2)
	assert.True(t, errors.Is(err, OutOfRangeError))
	err = device.WriteSectors(4, make([]byte, 512))
	assert.True(t, errors.Is(err, OutOfRangeError))

	err = device.WriteSectors(0, make([]byte, 100))
	assert.True(t, errors.Is(err, PartialSectorWriteError))

	device.SetReadOnly(true)
	err = device.WriteSectors(0, make([]byte, 512))
	assert.True(t, errors.Is(err, ReadOnlyViolationError))
}

func TestReaderDevice(t *testing.T) {
	// A 3 sector window at offset 512 of an image that is cut short.
	image := bytes.Repeat([]byte("x"), 512+600)
	device := NewReaderDevice(bytes.NewReader(image), nil, 512, 3*512, 512)
	assert.Equal(t, uint64(3), device.TotalSectors())

	read, err := device.ReadSectors(0, 2)
	assert.NoError(t, err)
	assert.Equal(t, byte('x'), read[599])
	assert.Equal(t, byte(0), read[600])

	err = device.WriteSectors(0, make([]byte, 512))
	assert.True(t, errors.Is(err, ReadOnlyViolationError))
}

func TestDeviceReader(t *testing.T) {
	device := NewMemoryDevice(512, 2)
	reader := NewDeviceReader(device)
	assert.Equal(t, int64(1024), reader.Size())

	// Unaligned write spanning the sector boundary.
	n, err := reader.WriteAt([]byte("hello world"), 507)
	assert.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 11)
	n, err = reader.ReadAt(buf, 507)
	assert.NoError(t, err)
	assert.Equal(t, 11, n)
	assert.Equal(t, "hello world", string(buf))

	// The rest of the sectors is untouched.
	assert.Equal(t, make([]byte, 507), device.Bytes()[:507])

	// Read past end.
	buf = make([]byte, 10)
	n, err = reader.ReadAt(buf, 1020)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 4, n)

	_, err = reader.ReadAt(buf, 2000)
	assert.Equal(t, io.EOF, err)

	_, err = reader.WriteAt(buf, 1020)
	assert.True(t, errors.Is(err, OutOfRangeError))
}

func TestCachedDevice(t *testing.T) {
	device := NewMemoryDevice(512, 8)
	copy(device.Bytes()[512:], "sector one")

	cache, err := NewCachedDevice(device, 4)
	assert.NoError(t, err)

	read, err := cache.ReadSectors(1, 1)
	assert.NoError(t, err)
	assert.Equal(t, "sector one", string(read[:10]))
	assert.Equal(t, int64(1), cache.Miss)

	_, err = cache.ReadSectors(1, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), cache.Hits)

	// Writes update the device and the cached copy.
	page := make([]byte, 512)
	copy(page, "rewritten")
	assert.NoError(t, cache.WriteSectors(1, page))
	assert.Equal(t, "rewritten", string(device.Bytes()[512:521]))

	read, err = cache.ReadSectors(1, 1)
	assert.NoError(t, err)
	assert.Equal(t, "rewritten", string(read[:9]))
	assert.Equal(t, int64(2), cache.Hits)

	stats := cache.Stats()
	size, _ := stats.Get("PageSize")
	assert.Equal(t, int64(512), size)

	cache.Flush()
	_, err = cache.ReadSectors(1, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), cache.Miss)
}

func TestCachedDeviceEviction(t *testing.T) {
	device := NewMemoryDevice(512, 8)
	cache, err := NewCachedDevice(device, 2)
	assert.NoError(t, err)

	for _, sector := range []uint64{1, 2, 1, 3} {
		_, err := cache.ReadSectors(sector, 1)
		assert.NoError(t, err)
	}

	// Touching 1 made 2 the oldest page so it was pushed out by 3.
	assert.Equal(t, 2, cache.lru.Len())
	assert.True(t, cache.lru.Contains(1))
	assert.True(t, cache.lru.Contains(3))
	assert.False(t, cache.lru.Contains(2))
	assert.Equal(t, int64(1), cache.Hits)
	assert.Equal(t, int64(3), cache.Miss)

	_, err = cache.ReadSectors(2, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(4), cache.Miss)

	stats := cache.Stats()
	length, _ := stats.Get("Len")
	assert.Equal(t, 2, length)

	cache.Flush()
	assert.Equal(t, 0, cache.lru.Len())

	_, err = NewCachedDevice(device, 0)
	assert.Error(t, err)
}

func TestRunReaderSparse(t *testing.T) {
	device := NewMemoryDevice(512, 16)
	disk := NewDeviceReader(device)
	copy(device.Bytes()[4*1024:], bytes.Repeat([]byte("A"), 1024))
	copy(device.Bytes()[6*1024:], bytes.Repeat([]byte("B"), 1024))

	// Cluster 0 on LCN 4, cluster 1 sparse, cluster 2 on LCN 6.
	reader := NewRunReader([]Extent{
		{VCN: 0, LCN: 4, Length: 1},
		{VCN: 1, Length: 1, IsSparse: true},
		{VCN: 2, LCN: 6, Length: 1},
	}, 1024, disk)
	assert.Equal(t, int64(3*1024), reader.Size())

	buf := make([]byte, 3*1024)
	n, err := reader.ReadAt(buf, 0)
	assert.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, bytes.Repeat([]byte("A"), 1024), buf[:1024])
	assert.Equal(t, make([]byte, 1024), buf[1024:2048])
	assert.Equal(t, bytes.Repeat([]byte("B"), 1024), buf[2048:])

	_, err = reader.WriteAt([]byte("x"), 1500)
	assert.True(t, errors.Is(err, NotSupportedError))

	n, err = reader.WriteAt([]byte("xy"), 1023)
	assert.True(t, errors.Is(err, NotSupportedError))
	assert.Equal(t, 1, n)

	_, err = reader.ReadAt(buf, 1024)
	assert.Equal(t, io.EOF, err)
}
