package parser

import (
	"fmt"
	"io"
	"sync"

	"github.com/Velocidex/ordereddict"
	lru "github.com/hashicorp/golang-lru"
)

// Keep pages in a free list to avoid allocations.
type FreeList struct {
	mu       sync.Mutex
	pagesize int64

	freelist sync.Pool
}

func (self *FreeList) Get() []byte {
	self.mu.Lock()
	defer self.mu.Unlock()

	return self.freelist.Get().([]byte)
}

func (self *FreeList) Put(in []byte) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.freelist.Put(in)
}

// A CachedDevice keeps recently used sectors of another device in an
// LRU. Writes go straight through to the device and refresh any cached
// copy, so the device is always up to date.
type CachedDevice struct {
	mu sync.Mutex

	device     BlockDevice
	pagesize   int64
	cache_size int
	lru        *lru.Cache
	freelist   *FreeList

	Hits int64
	Miss int64
}

func NewCachedDevice(device BlockDevice, cache_size int) (*CachedDevice, error) {
	DebugPrint("Creating sector cache of size %v\n", cache_size)

	pagesize := int64(device.BytesPerSector())
	self := &CachedDevice{
		device:     device,
		pagesize:   pagesize,
		cache_size: cache_size,
		freelist: &FreeList{
			pagesize: pagesize,
			freelist: sync.Pool{
				New: func() interface{} {
					return make([]byte, pagesize)
				},
			},
		},
	}

	cache, err := lru.NewWithEvict(cache_size, func(key, value interface{}) {
		// Put the page back on the free list
		self.freelist.Put(value.([]byte))
	})
	if err != nil {
		return nil, err
	}

	self.lru = cache
	return self, nil
}

func (self *CachedDevice) BytesPerSector() uint32 {
	return self.device.BytesPerSector()
}

func (self *CachedDevice) TotalSectors() uint64 {
	return self.device.TotalSectors()
}

func (self *CachedDevice) ReadSectors(sector uint64, count uint32) ([]byte, error) {
	err := checkSectorRange(self, sector, uint64(count))
	if err != nil {
		return nil, err
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	// Large reads are faster to delegate to the device.
	if count > 10 {
		return self.device.ReadSectors(sector, count)
	}

	result := make([]byte, int64(count)*self.pagesize)
	for i := uint64(0); i < uint64(count); i++ {
		out := result[int64(i)*self.pagesize:]

		cached_page, pres := self.lru.Get(int(sector + i))
		if pres {
			self.Hits++
			copy(out, cached_page.([]byte))
			continue
		}

		self.Miss++
		data, err := self.device.ReadSectors(sector+i, 1)
		if err != nil {
			return nil, err
		}

		page_buf := self.freelist.Get()
		copy(page_buf, data)
		self.lru.Add(int(sector+i), page_buf)
		copy(out, data)
	}

	if debug && (self.Hits+self.Miss)%10000 == 0 {
		fmt.Printf("SectorCache hit %v miss %v\n", self.Hits, self.Miss)
	}

	return result, nil
}

func (self *CachedDevice) WriteSectors(sector uint64, data []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	err := self.device.WriteSectors(sector, data)
	if err != nil {
		return err
	}

	for i := int64(0); i*self.pagesize < int64(len(data)); i++ {
		cached_page, pres := self.lru.Peek(int(sector) + int(i))
		if pres {
			copy(cached_page.([]byte), data[i*self.pagesize:])
		}
	}
	return nil
}

// Flush drops every cached sector.
func (self *CachedDevice) Flush() {
	self.lru.Purge()

	flusher, ok := self.device.(Flusher)
	if ok {
		flusher.Flush()
	}
}

func (self *CachedDevice) Stats() *ordereddict.Dict {
	self.mu.Lock()
	defer self.mu.Unlock()

	return ordereddict.NewDict().
		Set("Name", "CachedDevice").
		Set("Size", self.cache_size).
		Set("Len", self.lru.Len()).
		Set("PageSize", self.pagesize).
		Set("DeviceHits", self.Hits).
		Set("DeviceMiss", self.Miss)
}

// Invalidate the disk cache
type Flusher interface {
	Flush()
}

// A DeviceReader gives byte addressed access to a block device.
// Partial sector writes are done as read, modify, write.
type DeviceReader struct {
	device BlockDevice
}

func NewDeviceReader(device BlockDevice) *DeviceReader {
	return &DeviceReader{device: device}
}

func (self *DeviceReader) Size() int64 {
	return int64(self.device.TotalSectors()) * int64(self.device.BytesPerSector())
}

// ReadAt follows io.ReaderAt: reads running past the end of the device
// return the available bytes and io.EOF.
func (self *DeviceReader) ReadAt(buf []byte, offset int64) (int, error) {
	size := self.Size()
	if offset < 0 || offset >= size {
		return 0, io.EOF
	}

	to_read := int64(len(buf))
	if offset+to_read > size {
		to_read = size - offset
	}

	sector_size := int64(self.device.BytesPerSector())
	first := offset / sector_size
	last := (offset + to_read + sector_size - 1) / sector_size

	data, err := self.device.ReadSectors(uint64(first), uint32(last-first))
	if err != nil {
		return 0, err
	}

	n := copy(buf[:to_read], data[offset-first*sector_size:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (self *DeviceReader) WriteAt(buf []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(buf)) > self.Size() {
		return 0, fmt.Errorf("%w: write of %d bytes at %#x", OutOfRangeError,
			len(buf), offset)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	sector_size := int64(self.device.BytesPerSector())
	first := offset / sector_size
	last := (offset + int64(len(buf)) + sector_size - 1) / sector_size

	var data []byte
	if offset%sector_size == 0 && int64(len(buf))%sector_size == 0 {
		data = buf
	} else {
		existing, err := self.device.ReadSectors(uint64(first), uint32(last-first))
		if err != nil {
			return 0, err
		}
		copy(existing[offset-first*sector_size:], buf)
		data = existing
	}

	err := self.device.WriteSectors(uint64(first), data)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}
