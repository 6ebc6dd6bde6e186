package parser

import (
	"fmt"
	"math/bits"
)

// A BitRange is a run of consecutive bits.
type BitRange struct {
	Start  int64
	Length int64
}

// A Bitmap is an allocation bitmap: $Bitmap for clusters, the $MFT
// $BITMAP for file record segments and the $I30 $BITMAP for index
// records. Bit n is byte n/8, bit n%8.
type Bitmap struct {
	data []byte

	// Number of meaningful bits. The tail of the last byte is
	// ignored.
	length int64
}

func NewBitmap(data []byte, length int64) *Bitmap {
	needed := int((length + 7) / 8)
	if len(data) < needed {
		data = append(data, make([]byte, needed-len(data))...)
	}
	return &Bitmap{data: data, length: length}
}

func (self *Bitmap) Len() int64 {
	return self.length
}

// Bytes is the backing storage, padded to a whole byte.
func (self *Bitmap) Bytes() []byte {
	return self.data
}

// Grow extends the bitmap with clear bits.
func (self *Bitmap) Grow(length int64) {
	if length <= self.length {
		return
	}
	needed := int((length + 7) / 8)
	if len(self.data) < needed {
		self.data = append(self.data, make([]byte, needed-len(self.data))...)
	}
	self.length = length
}

func (self *Bitmap) IsSet(bit int64) bool {
	if bit < 0 || bit >= self.length {
		return false
	}
	return self.data[bit/8]&(1<<uint(bit%8)) != 0
}

func (self *Bitmap) checkRange(start, count int64) error {
	if start < 0 || count < 0 || start+count > self.length {
		return fmt.Errorf("%w: bits %d+%d of %d", OutOfRangeError,
			start, count, self.length)
	}
	return nil
}

func (self *Bitmap) Set(start, count int64) error {
	err := self.checkRange(start, count)
	if err != nil {
		return err
	}
	for bit := start; bit < start+count; bit++ {
		self.data[bit/8] |= 1 << uint(bit%8)
	}
	return nil
}

func (self *Bitmap) Clear(start, count int64) error {
	err := self.checkRange(start, count)
	if err != nil {
		return err
	}
	for bit := start; bit < start+count; bit++ {
		self.data[bit/8] &^= 1 << uint(bit%8)
	}
	return nil
}

// FindClear returns the first clear bit at or after start.
func (self *Bitmap) FindClear(start int64) (int64, bool) {
	for bit := max(start, 0); bit < self.length; {
		// Skip full bytes quickly.
		if bit%8 == 0 && self.data[bit/8] == 0xFF {
			bit += 8
			continue
		}
		if !self.IsSet(bit) {
			return bit, true
		}
		bit++
	}
	return 0, false
}

// FindClearRun returns the start of the first run of count clear bits
// at or after start.
func (self *Bitmap) FindClearRun(start, count int64) (int64, bool) {
	for {
		first, ok := self.FindClear(start)
		if !ok || first+count > self.length {
			return 0, false
		}

		end := first
		for end < first+count && !self.IsSet(end) {
			end++
		}
		if end == first+count {
			return first, true
		}
		start = end
	}
}

// CountSet is the number of set bits.
func (self *Bitmap) CountSet() int64 {
	result := int64(0)
	full := self.length / 8
	for _, b := range self.data[:full] {
		result += int64(bits.OnesCount8(b))
	}
	for bit := full * 8; bit < self.length; bit++ {
		if self.IsSet(bit) {
			result++
		}
	}
	return result
}

// Allocate sets count clear bits and returns where they are. A single
// run starting at or after hint is preferred; otherwise the first clear
// bits are taken. Fails with DiskFull without changing anything when
// fewer than count bits are clear.
func (self *Bitmap) Allocate(count, hint int64) ([]BitRange, error) {
	if count <= 0 {
		return nil, nil
	}

	if self.length-self.CountSet() < count {
		return nil, fmt.Errorf("%w: %d of %d bits free, %d needed",
			DiskFullError, self.length-self.CountSet(), self.length, count)
	}

	start, ok := self.FindClearRun(hint, count)
	if !ok && hint > 0 {
		start, ok = self.FindClearRun(0, count)
	}
	if ok {
		_ = self.Set(start, count)
		return []BitRange{{Start: start, Length: count}}, nil
	}

	result := []BitRange{}
	for remaining := count; remaining > 0; {
		first, _ := self.FindClear(0)
		length := int64(0)
		for length < remaining && first+length < self.length &&
			!self.IsSet(first+length) {
			length++
		}
		_ = self.Set(first, length)
		result = append(result, BitRange{Start: first, Length: length})
		remaining -= length
	}
	return result, nil
}

// Extents returns the runs of set bits.
func (self *Bitmap) Extents() []BitRange {
	result := []BitRange{}
	for bit := int64(0); bit < self.length; bit++ {
		if !self.IsSet(bit) {
			continue
		}
		start := bit
		for bit < self.length && self.IsSet(bit) {
			bit++
		}
		result = append(result, BitRange{Start: start, Length: bit - start})
	}
	return result
}
