package parser

import (
	"fmt"
	"io"
	"sync"
)

// A BlockDevice is the sector addressed storage a volume lives on.
type BlockDevice interface {
	ReadSectors(sector uint64, count uint32) ([]byte, error)

	// len(data) must be a whole number of sectors.
	WriteSectors(sector uint64, data []byte) error

	BytesPerSector() uint32
	TotalSectors() uint64
}

func checkSectorRange(device BlockDevice, sector uint64, count uint64) error {
	total := device.TotalSectors()
	if sector > total || count > total-sector {
		return fmt.Errorf("%w: sectors %d+%d past end of device (%d sectors)",
			OutOfRangeError, sector, count, total)
	}
	return nil
}

func checkWholeSectors(device BlockDevice, data []byte) error {
	if len(data)%int(device.BytesPerSector()) != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of %d byte sectors",
			PartialSectorWriteError, len(data), device.BytesPerSector())
	}
	return nil
}

// A MemoryDevice keeps all sectors in memory.
type MemoryDevice struct {
	mu sync.Mutex

	data             []byte
	bytes_per_sector uint32
	read_only        bool
}

func NewMemoryDevice(bytes_per_sector uint32, total_sectors uint64) *MemoryDevice {
	return &MemoryDevice{
		data:             make([]byte, uint64(bytes_per_sector)*total_sectors),
		bytes_per_sector: bytes_per_sector,
	}
}

// NewMemoryDeviceFromBytes wraps an image. Trailing bytes that do not
// make up a whole sector are ignored.
func NewMemoryDeviceFromBytes(data []byte, bytes_per_sector uint32) *MemoryDevice {
	size := len(data) - len(data)%int(bytes_per_sector)
	return &MemoryDevice{
		data:             data[:size],
		bytes_per_sector: bytes_per_sector,
	}
}

func (self *MemoryDevice) SetReadOnly(read_only bool) {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.read_only = read_only
}

// Bytes returns the backing image.
func (self *MemoryDevice) Bytes() []byte {
	return self.data
}

func (self *MemoryDevice) BytesPerSector() uint32 {
	return self.bytes_per_sector
}

func (self *MemoryDevice) TotalSectors() uint64 {
	return uint64(len(self.data)) / uint64(self.bytes_per_sector)
}

func (self *MemoryDevice) ReadSectors(sector uint64, count uint32) ([]byte, error) {
	err := checkSectorRange(self, sector, uint64(count))
	if err != nil {
		return nil, err
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	start := sector * uint64(self.bytes_per_sector)
	end := start + uint64(count)*uint64(self.bytes_per_sector)
	result := make([]byte, end-start)
	copy(result, self.data[start:end])
	return result, nil
}

func (self *MemoryDevice) WriteSectors(sector uint64, data []byte) error {
	err := checkWholeSectors(self, data)
	if err != nil {
		return err
	}

	err = checkSectorRange(self, sector, uint64(len(data))/uint64(self.bytes_per_sector))
	if err != nil {
		return err
	}

	self.mu.Lock()
	defer self.mu.Unlock()

	if self.read_only {
		return fmt.Errorf("%w: write to sector %d", ReadOnlyViolationError, sector)
	}

	copy(self.data[sector*uint64(self.bytes_per_sector):], data)
	return nil
}

// A ReaderDevice exposes a window of an io.ReaderAt (an image file or
// a raw device) as sectors. Without a writer it is read only.
type ReaderDevice struct {
	Offset int64
	Reader io.ReaderAt
	Writer io.WriterAt

	bytes_per_sector uint32
	total_sectors    uint64
}

func NewReaderDevice(reader io.ReaderAt, writer io.WriterAt, offset int64,
	size int64, bytes_per_sector uint32) *ReaderDevice {
	return &ReaderDevice{
		Offset:           offset,
		Reader:           reader,
		Writer:           writer,
		bytes_per_sector: bytes_per_sector,
		total_sectors:    uint64(size) / uint64(bytes_per_sector),
	}
}

func (self *ReaderDevice) BytesPerSector() uint32 {
	return self.bytes_per_sector
}

func (self *ReaderDevice) TotalSectors() uint64 {
	return self.total_sectors
}

func (self *ReaderDevice) ReadSectors(sector uint64, count uint32) ([]byte, error) {
	err := checkSectorRange(self, sector, uint64(count))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, int(count)*int(self.bytes_per_sector))
	n, err := self.Reader.ReadAt(buf,
		self.Offset+int64(sector)*int64(self.bytes_per_sector))

	// Images may be shorter than the declared size; the tail reads
	// as zeros.
	if err != nil && err != io.EOF {
		return nil, err
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return buf, nil
}

func (self *ReaderDevice) WriteSectors(sector uint64, data []byte) error {
	if self.Writer == nil {
		return fmt.Errorf("%w: write to sector %d", ReadOnlyViolationError, sector)
	}

	err := checkWholeSectors(self, data)
	if err != nil {
		return err
	}

	err = checkSectorRange(self, sector, uint64(len(data))/uint64(self.bytes_per_sector))
	if err != nil {
		return err
	}

	_, err = self.Writer.WriteAt(data,
		self.Offset+int64(sector)*int64(self.bytes_per_sector))
	return err
}
