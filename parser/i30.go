package parser

import (
	"errors"
	"fmt"
	"io"
)

const (
	// Name of the filename index of a directory.
	I30 = "$I30"
)

// The IndexStore of a directory on a volume: index records live in the
// $INDEX_ALLOCATION stream, which ones are used is tracked by the
// $BITMAP of the same name and the root is the $INDEX_ROOT attribute.
type volumeIndexStore struct {
	volume *Volume
	record *FileRecord
	name   string

	// Last update sequence number written to each index record.
	usn map[uint64]uint16
}

func (self *volumeIndexStore) allocation() (*Stream, error) {
	return NewStream(self.volume, self.record, ATTR_TYPE_INDEX_ALLOCATION, self.name)
}

func (self *volumeIndexStore) bitmap() (*Stream, *Bitmap, error) {
	stream, err := NewStream(self.volume, self.record, ATTR_TYPE_BITMAP, self.name)
	if err != nil {
		return nil, nil, err
	}

	data, err := stream.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return stream, NewBitmap(data, int64(len(data))*8), nil
}

func (self *volumeIndexStore) offsetOf(vcn uint64) int64 {
	return int64(vcn) * self.volume.indexBlockSize()
}

func (self *volumeIndexStore) ReadIndexRecord(vcn uint64) (*IndexRecord, error) {
	stream, err := self.allocation()
	if err != nil {
		return nil, fmt.Errorf("%w: index of %v points at VCN %d: %v",
			CorruptRecordError, self.record.Reference(), vcn, err)
	}

	buffer := make([]byte, self.volume.index_record_size)
	n, err := stream.ReadAt(buffer, self.offsetOf(vcn))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n < len(buffer) {
		return nil, fmt.Errorf("%w: index record %d of %v past end of allocation",
			TruncatedRecordError, vcn, self.record.Reference())
	}

	record, sequence, err := DecodeIndexRecord(buffer, 0, self.volume.stride)
	if err != nil {
		return nil, fmt.Errorf("index record %d of %v: %w",
			vcn, self.record.Reference(), err)
	}

	if record.VCN != vcn {
		return nil, fmt.Errorf("%w: index record at VCN %d claims VCN %d",
			CorruptRecordError, vcn, record.VCN)
	}

	self.usn[vcn] = sequence.Number
	return record, nil
}

func (self *volumeIndexStore) WriteIndexRecord(record *IndexRecord) error {
	stream, err := self.allocation()
	if err != nil {
		return err
	}

	usn := NextSequenceNumber(self.usn[record.VCN])
	data, err := record.Encode(usn)
	if err != nil {
		return err
	}

	_, err = stream.WriteAt(data, self.offsetOf(record.VCN))
	if err != nil {
		return err
	}

	self.usn[record.VCN] = usn
	return nil
}

// Adds the $INDEX_ALLOCATION and $BITMAP attributes a directory needs
// once its index outgrows the root.
func (self *volumeIndexStore) ensureAllocation() error {
	_, has_bitmap := self.record.GetAttribute(ATTR_TYPE_BITMAP, self.name)
	_, has_allocation := self.record.GetAttribute(ATTR_TYPE_INDEX_ALLOCATION, self.name)
	if has_bitmap && has_allocation {
		return nil
	}

	if !has_bitmap {
		err := self.record.AddAttribute(
			NewResidentAttribute(ATTR_TYPE_BITMAP, self.name, make([]byte, 8)),
			self.volume)
		if err != nil {
			return err
		}
	}

	if !has_allocation {
		err := self.record.AddAttribute(
			NewNonResidentAttribute(ATTR_TYPE_INDEX_ALLOCATION, self.name,
				nil, 0, self.volume.cluster_size),
			self.volume)
		if err != nil {
			return err
		}
	}

	return self.volume.WriteFileRecord(self.record)
}

func (self *volumeIndexStore) AllocateIndexRecord() (*IndexRecord, error) {
	err := self.ensureAllocation()
	if err != nil {
		return nil, err
	}

	bitmap_stream, bitmap, err := self.bitmap()
	if err != nil {
		return nil, err
	}

	bit, ok := bitmap.FindClear(0)
	if !ok {
		// The bitmap grows 8 bytes at a time.
		bit = bitmap.Len()
		bitmap.Grow(bitmap.Len() + 64)
	}

	allocation, err := self.allocation()
	if err != nil {
		return nil, err
	}

	end := (bit + 1) * self.volume.index_record_size
	if allocation.Size() < end {
		err = allocation.Truncate(end)
		if err != nil {
			return nil, err
		}
	}

	err = bitmap.Set(bit, 1)
	if err != nil {
		return nil, err
	}

	_, err = bitmap_stream.WriteAt(bitmap.Bytes(), 0)
	if err != nil {
		return nil, err
	}

	vcn := uint64(bit * self.volume.index_record_size / self.volume.indexBlockSize())
	DebugPrint("Allocated index record %d in %v\n", vcn, self.record.Reference())

	return NewIndexRecord(vcn, int(self.volume.index_record_size),
		self.volume.stride), nil
}

func (self *volumeIndexStore) FreeIndexRecord(vcn uint64) error {
	bitmap_stream, bitmap, err := self.bitmap()
	if err != nil {
		return err
	}

	bit := self.offsetOf(vcn) / self.volume.index_record_size
	err = bitmap.Clear(bit, 1)
	if err != nil {
		return err
	}

	_, err = bitmap_stream.WriteAt(bitmap.Bytes(), 0)
	if err != nil {
		return err
	}

	delete(self.usn, vcn)
	DebugPrint("Freed index record %d in %v\n", vcn, self.record.Reference())
	return nil
}

// Bytes the attributes added by ensureAllocation will take.
func (self *volumeIndexStore) allocationReserve() int {
	result := 0
	_, found := self.record.GetAttribute(ATTR_TYPE_BITMAP, self.name)
	if !found {
		result += NewResidentAttribute(ATTR_TYPE_BITMAP, self.name,
			make([]byte, 8)).Size()
	}

	_, found = self.record.GetAttribute(ATTR_TYPE_INDEX_ALLOCATION, self.name)
	if !found {
		result += NewNonResidentAttribute(ATTR_TYPE_INDEX_ALLOCATION, self.name,
			nil, 0, self.volume.cluster_size).Size()
	}
	return result
}

// A growing root must leave room in its segment for the allocation
// attributes, so pushing it down never needs an extension segment.
func (self *volumeIndexStore) WriteIndexRoot(root *IndexRoot) error {
	value := root.Encode()

	segment, idx, found := self.record.segmentOf(ATTR_TYPE_INDEX_ROOT, self.name)
	if found {
		old := segment.Attributes[idx]
		growth := alignUp(len(value), 8) - alignUp(len(old.Value), 8)
		if growth > 0 && segment.FreeSpace()-growth < self.allocationReserve() {
			return fmt.Errorf("%w: $INDEX_ROOT %q of %#x bytes in %v",
				RecordFullError, self.name, len(value), self.record.Reference())
		}
	}

	err := self.record.ReplaceAttributeValue(ATTR_TYPE_INDEX_ROOT, self.name, value)
	if err != nil {
		return err
	}
	return self.volume.WriteFileRecord(self.record)
}

// OpenIndex opens the named index of a file record.
func (self *Volume) OpenIndex(record *FileRecord, name string) (*DirectoryIndex, error) {
	attr, found := record.GetAttribute(ATTR_TYPE_INDEX_ROOT, name)
	if !found {
		return nil, fmt.Errorf("%w: $INDEX_ROOT %q in %v", NotFoundError,
			name, record.Reference())
	}

	root, err := DecodeIndexRoot(attr.Value)
	if err != nil {
		return nil, err
	}

	store := &volumeIndexStore{
		volume: self,
		record: record,
		name:   name,
		usn:    make(map[uint64]uint16),
	}
	return NewDirectoryIndex(root, store).WithStats(&self.stats), nil
}

// A Directory is an open directory: its file record and filename index.
type Directory struct {
	Record *FileRecord
	Index  *DirectoryIndex
}

func (self *Directory) Reference() FileReference {
	return self.Record.Reference()
}

// OpenDirectory opens the filename index of the directory ref names.
func (self *Volume) OpenDirectory(ref FileReference) (*Directory, error) {
	record, found, err := self.ReadFileRecord(ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: directory %v", NotFoundError, ref)
	}

	if !record.IsDirectory() {
		return nil, fmt.Errorf("%w: %v is not a directory", InvalidNameError, ref)
	}

	index, err := self.OpenIndex(record, I30)
	if err != nil {
		return nil, err
	}

	return &Directory{Record: record, Index: index}, nil
}
