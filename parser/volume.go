package parser

import (
	"fmt"

	"github.com/Velocidex/ordereddict"
)

const (
	// Segments 0 to 3 are duplicated in $MFTMirr.
	MFT_MIRROR_RECORDS = 4
)

// A read only view of a device: every write fails.
type readOnlyDevice struct {
	BlockDevice
}

func (self readOnlyDevice) WriteSectors(sector uint64, data []byte) error {
	return fmt.Errorf("%w: write to sector %d", ReadOnlyViolationError, sector)
}

// A Volume is an open NTFS volume on a block device. It owns the
// allocation state (cluster bitmap, $MFT bitmap) so only one Volume may
// be open on a device at a time, and callers serialize calls into it.
type Volume struct {
	device BlockDevice
	disk   *DeviceReader
	cache  *CachedDevice

	options Options

	Boot              *BootSector
	cluster_size      int64
	record_size       int64
	index_record_size int64
	stride            int

	// Where the $MFT $DATA lives and how many segments it holds.
	mft_extents   []Extent
	segment_count uint64

	mft_record     *FileRecord
	mft_bitmap     *Bitmap
	cluster_bitmap *Bitmap

	// Last update sequence number written to each segment.
	usn map[uint64]uint16

	stats VolumeStats
}

func OpenVolume(device BlockDevice, options Options) (*Volume, error) {
	if options.MaxDirectoryDepth <= 0 {
		options.MaxDirectoryDepth = DefaultMaxDirectoryDepth
	}
	if options.Now == nil {
		options.Now = GetDefaultOptions().Now
	}

	if options.ReadOnly {
		device = readOnlyDevice{device}
	}

	self := &Volume{
		options: options,
		usn:     make(map[uint64]uint16),
	}

	if options.CacheSize > 0 {
		cache, err := NewCachedDevice(device, options.CacheSize)
		if err != nil {
			return nil, err
		}
		self.cache = cache
		device = cache
	}
	self.device = device
	self.disk = NewDeviceReader(device)

	// NTFS Parsing starts with the boot record.
	boot_data, err := device.ReadSectors(0, 1)
	if err != nil {
		return nil, err
	}

	boot, err := DecodeBootSector(boot_data)
	if err != nil {
		return nil, err
	}

	err = boot.IsValid()
	if err != nil {
		return nil, err
	}

	if uint32(boot.BytesPerSector) != device.BytesPerSector() {
		return nil, fmt.Errorf("%w: boot sector has %d byte sectors, device %d",
			CorruptRecordError, boot.BytesPerSector, device.BytesPerSector())
	}

	self.Boot = boot
	self.cluster_size = boot.ClusterSize()
	self.record_size = boot.RecordSize()
	self.index_record_size = boot.IndexRecordSize()
	self.stride = int(boot.BytesPerSector)

	err = self.bootstrapMFT()
	if err != nil {
		return nil, err
	}

	err = self.loadClusterBitmap()
	if err != nil {
		return nil, err
	}

	DebugPrint("Opened volume: %v\n", boot.DebugString())
	return self, nil
}

// The $MFT describes itself: its first segment is read from the
// cluster the boot sector names, and its $DATA attribute then maps
// the rest of the table.
func (self *Volume) bootstrapMFT() error {
	first_clusters := clustersFor(self.record_size, self.cluster_size)
	self.mft_extents = []Extent{{
		LCN:    int64(self.Boot.MFTCluster),
		Length: first_clusters,
	}}
	self.segment_count = 1

	base, err := self.ReadSegment(MFT_RECORD_MFT)
	if err != nil {
		return err
	}

	if !base.IsInUse() {
		return fmt.Errorf("%w: $MFT record is not in use", CorruptRecordError)
	}

	data, found := NewFileRecord(base).GetAttribute(ATTR_TYPE_DATA, "")
	if !found || !data.NonResident {
		return fmt.Errorf("%w: $DATA attribute not found for $MFT", CorruptRecordError)
	}

	// The first piece must at least map the segments holding the
	// rest of the pieces.
	self.mft_extents = data.Extents()
	self.segment_count = uint64(data.DataSize / self.record_size)

	record, err := self.loadFileRecord(base)
	if err != nil {
		return err
	}
	self.mft_record = record

	stream, err := NewStream(self, record, ATTR_TYPE_DATA, "")
	if err != nil {
		return err
	}
	self.mft_extents = stream.Extents()

	bitmap_stream, err := NewStream(self, record, ATTR_TYPE_BITMAP, "")
	if err != nil {
		return err
	}

	bitmap_data, err := bitmap_stream.ReadAll()
	if err != nil {
		return err
	}

	self.mft_bitmap = NewBitmap(bitmap_data, int64(self.segment_count))
	return nil
}

func (self *Volume) loadClusterBitmap() error {
	record, found, err := self.ReadFileRecord(
		FileReference{SegmentNumber: MFT_RECORD_BITMAP, SequenceNumber: MFT_RECORD_BITMAP})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: $Bitmap", NotFoundError)
	}

	stream, err := NewStream(self, record, ATTR_TYPE_DATA, "")
	if err != nil {
		return err
	}

	data, err := stream.ReadAll()
	if err != nil {
		return err
	}

	self.cluster_bitmap = NewBitmap(data, self.Boot.BlockCount())
	return nil
}

func (self *Volume) Options() Options {
	return self.options
}

func (self *Volume) ClusterSize() int64 {
	return self.cluster_size
}

func (self *Volume) RecordSize() int64 {
	return self.record_size
}

func (self *Volume) IndexRecordSize() int64 {
	return self.index_record_size
}

// SegmentCount is the number of file record segments in the $MFT.
func (self *Volume) SegmentCount() uint64 {
	return self.segment_count
}

func (self *Volume) Disk() *DeviceReader {
	return self.disk
}

// Index allocation VCNs count clusters, or 512 byte blocks when index
// records are smaller than a cluster.
func (self *Volume) indexBlockSize() int64 {
	if self.index_record_size >= self.cluster_size {
		return self.cluster_size
	}
	return 512
}

func (self *Volume) checkWritable() error {
	if self.options.ReadOnly {
		return fmt.Errorf("%w: volume is open read only", ReadOnlyViolationError)
	}
	return nil
}

func (self *Volume) mftReader() *RunReader {
	return NewRunReader(self.mft_extents, self.cluster_size, self.disk)
}

// ReadSegment reads and decodes one slot of the $MFT, in use or not.
func (self *Volume) ReadSegment(segment_number uint64) (*FileRecordSegment, error) {
	if segment_number >= self.segment_count {
		return nil, fmt.Errorf("%w: file record %d of %d", OutOfRangeError,
			segment_number, self.segment_count)
	}

	buffer := make([]byte, self.record_size)
	_, err := self.mftReader().ReadAt(buffer, int64(segment_number)*self.record_size)
	if err != nil {
		return nil, err
	}

	segment, sequence, err := DecodeFileRecordSegment(buffer, 0, self.stride)
	if err != nil {
		return nil, fmt.Errorf("file record %d: %w", segment_number, err)
	}

	// Older volumes do not store the segment number.
	segment.SegmentNumber = segment_number
	self.usn[segment_number] = sequence.Number
	return segment, nil
}

func (self *Volume) writeSegment(segment *FileRecordSegment) error {
	err := self.checkWritable()
	if err != nil {
		return err
	}

	segment_number := segment.SegmentNumber
	if segment_number >= self.segment_count {
		return fmt.Errorf("%w: file record %d of %d", OutOfRangeError,
			segment_number, self.segment_count)
	}

	usn := NextSequenceNumber(self.usn[segment_number])
	data, err := segment.Encode(usn)
	if err != nil {
		return err
	}

	_, err = self.mftReader().WriteAt(data, int64(segment_number)*self.record_size)
	if err != nil {
		return err
	}

	if segment_number < MFT_MIRROR_RECORDS {
		_, err = self.disk.WriteAt(data, int64(self.Boot.MFTMirrorCluster)*self.cluster_size+
			int64(segment_number)*self.record_size)
		if err != nil {
			return err
		}
	}

	self.usn[segment_number] = usn
	return nil
}

// ReadFileRecord reads the file record ref names with all of its
// segments. A free segment or a stale sequence number is reported as
// not found. A zero sequence number matches any.
func (self *Volume) ReadFileRecord(ref FileReference) (*FileRecord, bool, error) {
	if ref.SegmentNumber >= self.segment_count {
		return nil, false, nil
	}

	// Free slots may never have been initialized.
	if self.mft_bitmap != nil && !self.mft_bitmap.IsSet(int64(ref.SegmentNumber)) {
		return nil, false, nil
	}

	base, err := self.ReadSegment(ref.SegmentNumber)
	if err != nil {
		return nil, false, err
	}

	if !base.IsInUse() || !base.IsBase() ||
		(ref.SequenceNumber != 0 && base.SequenceNumber != ref.SequenceNumber) {
		return nil, false, nil
	}

	record, err := self.loadFileRecord(base)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// Reads the extension segments the $ATTRIBUTE_LIST of base names.
func (self *Volume) loadFileRecord(base *FileRecordSegment) (*FileRecord, error) {
	record := NewFileRecord(base)

	list, found := record.GetAttribute(ATTR_TYPE_ATTRIBUTE_LIST, "")
	if !found {
		return record, record.CheckMapping(self.cluster_size)
	}

	value := list.Value
	if list.NonResident {
		value = make([]byte, list.DataSize)
		_, err := NewRunReader(list.Extents(), self.cluster_size, self.disk).
			ReadAt(value, 0)
		if err != nil {
			return nil, err
		}
	}

	entries, err := DecodeAttributeList(value)
	if err != nil {
		return nil, err
	}

	seen := map[uint64]bool{base.SegmentNumber: true}
	for _, entry := range entries {
		segment_number := entry.FileReference.SegmentNumber
		if seen[segment_number] {
			continue
		}
		seen[segment_number] = true

		extension, err := self.ReadSegment(segment_number)
		if err != nil {
			return nil, err
		}

		if !extension.IsInUse() ||
			extension.BaseReference.SegmentNumber != base.SegmentNumber ||
			extension.SequenceNumber != entry.FileReference.SequenceNumber {
			return nil, fmt.Errorf("%w: extension %v of %v is not part of it",
				CorruptRecordError, entry.FileReference, base.Reference())
		}
		record.Segments = append(record.Segments, extension)
	}

	return record, record.CheckMapping(self.cluster_size)
}

// WriteFileRecord writes back every segment of record. The link count
// of the base segment is recomputed from its names.
func (self *Volume) WriteFileRecord(record *FileRecord) error {
	base := record.Base()
	if base.IsInUse() {
		links, err := record.LinkCount()
		if err != nil {
			return err
		}
		base.HardLinkCount = links
	}

	for _, segment := range record.Segments {
		err := self.writeSegment(segment)
		if err != nil {
			return err
		}
	}
	return nil
}

// Writes the bytes of bitmap covering bits [start, start+count) to
// stream.
func (self *Volume) writeBitmap(stream *Stream, bitmap *Bitmap, start, count int64) error {
	first := start / 8
	last := (start + count + 7) / 8
	_, err := stream.WriteAt(bitmap.Bytes()[first:last], first)
	return err
}

func (self *Volume) mftBitmapStream() (*Stream, error) {
	return NewStream(self, self.mft_record, ATTR_TYPE_BITMAP, "")
}

func (self *Volume) clusterBitmapStream() (*Stream, error) {
	record, found, err := self.ReadFileRecord(
		FileReference{SegmentNumber: MFT_RECORD_BITMAP, SequenceNumber: MFT_RECORD_BITMAP})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: $Bitmap", NotFoundError)
	}
	return NewStream(self, record, ATTR_TYPE_DATA, "")
}

// AllocateSegment takes the first free segment past the system
// records. The $MFT does not grow, so a full table is RecordFull.
func (self *Volume) AllocateSegment(base FileReference) (*FileRecordSegment, error) {
	err := self.checkWritable()
	if err != nil {
		return nil, err
	}

	bit, ok := self.mft_bitmap.FindClear(MFT_FIRST_USER_FILE)
	if !ok {
		return nil, fmt.Errorf("%w: all %d $MFT records are in use",
			RecordFullError, self.segment_count)
	}
	segment_number := uint64(bit)

	// Reuse keeps the sequence number bumped when the slot was
	// freed.
	sequence_number := uint16(1)
	old, err := self.ReadSegment(segment_number)
	if err == nil && old.SequenceNumber != 0 {
		sequence_number = old.SequenceNumber
	}

	stream, err := self.mftBitmapStream()
	if err != nil {
		return nil, err
	}

	err = self.mft_bitmap.Set(bit, 1)
	if err != nil {
		return nil, err
	}

	err = self.writeBitmap(stream, self.mft_bitmap, bit, 1)
	if err != nil {
		_ = self.mft_bitmap.Clear(bit, 1)
		return nil, err
	}

	segment := NewFileRecordSegment(segment_number, sequence_number,
		int(self.record_size), self.stride)
	segment.Flags = FILE_RECORD_IN_USE
	segment.BaseReference = base

	self.stats.SegmentsAllocated++
	DebugPrint("Allocated file record %v (base %v)\n", segment.Reference(), base)

	return segment, nil
}

// FreeSegment marks the segment free and bumps its sequence number so
// references to it go stale.
func (self *Volume) FreeSegment(segment *FileRecordSegment) error {
	err := self.checkWritable()
	if err != nil {
		return err
	}

	segment.Flags = 0
	segment.SequenceNumber = NextSequenceNumber(segment.SequenceNumber)
	segment.BaseReference = FileReference{}
	segment.HardLinkCount = 0
	segment.Attributes = nil

	err = self.writeSegment(segment)
	if err != nil {
		return err
	}

	stream, err := self.mftBitmapStream()
	if err != nil {
		return err
	}

	bit := int64(segment.SegmentNumber)
	_ = self.mft_bitmap.Clear(bit, 1)
	err = self.writeBitmap(stream, self.mft_bitmap, bit, 1)
	if err != nil {
		return err
	}

	self.stats.SegmentsFreed++
	DebugPrint("Freed file record %d\n", segment.SegmentNumber)
	return nil
}

// AllocateClusters reserves count clusters, preferably in one run at
// or after hint.
func (self *Volume) AllocateClusters(count, hint int64) ([]Extent, error) {
	err := self.checkWritable()
	if err != nil {
		return nil, err
	}

	stream, err := self.clusterBitmapStream()
	if err != nil {
		return nil, err
	}

	ranges, err := self.cluster_bitmap.Allocate(count, hint)
	if err != nil {
		return nil, err
	}

	result := make([]Extent, 0, len(ranges))
	for _, bit_range := range ranges {
		err = self.writeBitmap(stream, self.cluster_bitmap, bit_range.Start, bit_range.Length)
		if err != nil {
			return nil, err
		}
		result = append(result, Extent{LCN: bit_range.Start, Length: bit_range.Length})
	}

	self.stats.ClustersAllocated += count
	DebugPrint("Allocated %d clusters: %v\n", count, result)
	return result, nil
}

func (self *Volume) FreeClusters(extents []Extent) error {
	err := self.checkWritable()
	if err != nil {
		return err
	}

	stream, err := self.clusterBitmapStream()
	if err != nil {
		return err
	}

	for _, extent := range extents {
		if extent.IsSparse || extent.Length == 0 {
			continue
		}

		err = self.cluster_bitmap.Clear(extent.LCN, extent.Length)
		if err != nil {
			return err
		}

		err = self.writeBitmap(stream, self.cluster_bitmap, extent.LCN, extent.Length)
		if err != nil {
			return err
		}
		self.stats.ClustersFreed += extent.Length
	}
	return nil
}

// FreeClusterCount is the number of unallocated clusters.
func (self *Volume) FreeClusterCount() int64 {
	return self.cluster_bitmap.Len() - self.cluster_bitmap.CountSet()
}

// FreeSegmentCount is the number of unused $MFT records.
func (self *Volume) FreeSegmentCount() int64 {
	return self.mft_bitmap.Len() - self.mft_bitmap.CountSet()
}

func (self *Volume) IsSegmentInUse(segment_number uint64) bool {
	return self.mft_bitmap.IsSet(int64(segment_number))
}

func (self *Volume) IsClusterInUse(lcn int64) bool {
	return self.cluster_bitmap.IsSet(lcn)
}

func (self *Volume) Stats() *ordereddict.Dict {
	result := self.stats.Dict().
		Set("FreeClusters", self.FreeClusterCount()).
		Set("FreeSegments", self.FreeSegmentCount())
	if self.cache != nil {
		result.Set("Cache", self.cache.Stats())
	}
	return result
}

// Flush drops cached sectors. Writes are never held back, so this is
// only needed when the device was changed behind the volume's back.
func (self *Volume) Flush() {
	if self.cache != nil {
		self.cache.Flush()
	}
}

func (self *Volume) Close() {
	if debug {
		fmt.Println(STATS.DebugString())
		fmt.Println(self.Stats())
	}
	self.Flush()
}
