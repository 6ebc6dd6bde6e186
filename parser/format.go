package parser

import (
	"bytes"
	"fmt"
)

const (
	// $Boot always covers the first 8kb of the volume.
	BOOT_FILE_SIZE = 8192

	NTFS_MAJOR_VERSION = 3
	NTFS_MINOR_VERSION = 1

	media_descriptor_fixed_disk = 0xF8
)

var system_file_names = map[uint64]string{
	MFT_RECORD_MFT:     "$MFT",
	MFT_RECORD_MFTMIRR: "$MFTMirr",
	MFT_RECORD_LOGFILE: "$LogFile",
	MFT_RECORD_VOLUME:  "$Volume",
	MFT_RECORD_ATTRDEF: "$AttrDef",
	MFT_RECORD_ROOT:    ".",
	MFT_RECORD_BITMAP:  "$Bitmap",
	MFT_RECORD_BOOT:    "$Boot",
	MFT_RECORD_BADCLUS: "$BadClus",
	MFT_RECORD_SECURE:  "$Secure",
	MFT_RECORD_UPCASE:  "$UpCase",
	MFT_RECORD_EXTEND:  "$Extend",
}

// The sequence number of a system record is its record number, except
// for $MFT which can not use 0.
func systemReference(segment_number uint64) FileReference {
	sequence_number := uint16(segment_number)
	if segment_number == MFT_RECORD_MFT {
		sequence_number = 1
	}
	return FileReference{
		SegmentNumber:  segment_number,
		SequenceNumber: sequence_number,
	}
}

// Accumulates the layout of a new volume before anything is written.
type formatter struct {
	device  BlockDevice
	disk    *DeviceReader
	options FormatOptions
	now     FileTime

	boot         *BootSector
	cluster_size int64
	record_size  int64
	stride       int

	clusters *Bitmap
	records  map[uint64]*FileRecordSegment
	names    map[uint64]*FileName

	// Raw contents to write at a cluster.
	contents map[int64][]byte
}

// Format lays out an empty NTFS volume over the whole device: the boot
// sector and its backup, the system files in $MFT records 0 to 11 and
// an empty root directory. Records 12 to 15 are reserved.
func Format(device BlockDevice, options FormatOptions) error {
	self, err := newFormatter(device, options)
	if err != nil {
		return err
	}

	err = self.layout()
	if err != nil {
		return err
	}

	err = self.write()
	if err != nil {
		return err
	}

	return self.linkSystemFiles()
}

func newFormatter(device BlockDevice, options FormatOptions) (*formatter, error) {
	defaults := GetDefaultFormatOptions()
	if options.SectorsPerCluster == 0 {
		options.SectorsPerCluster = defaults.SectorsPerCluster
	}
	if options.FileRecordSize == 0 {
		options.FileRecordSize = defaults.FileRecordSize
	}
	if options.IndexRecordSize == 0 {
		options.IndexRecordSize = defaults.IndexRecordSize
	}
	if options.MFTRecordCount == 0 {
		options.MFTRecordCount = defaults.MFTRecordCount
	}
	if options.LogFileSize == 0 {
		options.LogFileSize = defaults.LogFileSize
	}
	if options.LogPageSize == 0 {
		options.LogPageSize = defaults.LogPageSize
	}

	bytes_per_sector := device.BytesPerSector()
	if device.TotalSectors() < 2 {
		return nil, fmt.Errorf("%w: device of %d sectors", DiskFullError,
			device.TotalSectors())
	}

	if options.MFTRecordCount < MFT_FIRST_USER_FILE {
		return nil, fmt.Errorf("%w: $MFT needs at least %d records",
			OutOfRangeError, MFT_FIRST_USER_FILE)
	}

	for _, size := range []uint32{options.FileRecordSize,
		options.IndexRecordSize, options.LogPageSize} {
		if !isPowerOfTwo(int64(size)) || size < bytes_per_sector {
			return nil, fmt.Errorf("%w: record size %#x with %d byte sectors",
				OutOfRangeError, size, bytes_per_sector)
		}
	}

	// The last sector holds the backup boot sector.
	boot := &BootSector{
		OEMID:             NTFS_OEM_ID,
		BytesPerSector:    uint16(bytes_per_sector),
		SectorsPerCluster: options.SectorsPerCluster,
		MediaDescriptor:   media_descriptor_fixed_disk,
		SectorsPerTrack:   63,
		NumberOfHeads:     255,
		TotalSectors:      device.TotalSectors() - 1,
		SerialNumber:      options.SerialNumber,
		Magic:             BOOT_SECTOR_MAGIC,
	}

	cluster_size := boot.ClusterSize()
	boot.ClustersPerFileRecord = encodeRecordSize(int64(options.FileRecordSize), cluster_size)
	boot.ClustersPerIndexRecord = encodeRecordSize(int64(options.IndexRecordSize), cluster_size)

	now_func := GetDefaultOptions().Now

	return &formatter{
		device:       device,
		disk:         NewDeviceReader(device),
		options:      options,
		now:          NewFileTime(now_func()),
		boot:         boot,
		cluster_size: cluster_size,
		record_size:  int64(options.FileRecordSize),
		stride:       int(bytes_per_sector),
		clusters:     NewBitmap(nil, boot.BlockCount()),
		records:      make(map[uint64]*FileRecordSegment),
		names:        make(map[uint64]*FileName),
		contents:     make(map[int64][]byte),
	}, nil
}

// Reserves a contiguous run for size bytes and remembers what to write
// there.
func (self *formatter) place(size int64, data []byte) ([]Extent, error) {
	count := clustersFor(size, self.cluster_size)
	if count == 0 {
		return nil, nil
	}

	start, ok := self.clusters.FindClearRun(0, count)
	if !ok {
		return nil, fmt.Errorf("%w: no room for %d clusters of system files",
			DiskFullError, count)
	}
	_ = self.clusters.Set(start, count)

	if data != nil {
		self.contents[start] = data
	}
	return []Extent{{LCN: start, Length: count}}, nil
}

func (self *formatter) nonResident(attr_type AttributeType, name string,
	size int64, data []byte) (*AttributeRecord, error) {
	extents, err := self.place(size, data)
	if err != nil {
		return nil, err
	}
	return NewNonResidentAttribute(attr_type, name, ExtentsToRuns(extents),
		size, self.cluster_size), nil
}

// Starts a system record with its $STANDARD_INFORMATION and the
// $FILE_NAME linking it into the root.
func (self *formatter) newRecord(segment_number uint64) *FileRecordSegment {
	ref := systemReference(segment_number)
	segment := NewFileRecordSegment(segment_number, ref.SequenceNumber,
		int(self.record_size), self.stride)
	segment.Flags = FILE_RECORD_IN_USE

	info := &StandardInformation{
		CreationTime:        self.now,
		ModificationTime:    self.now,
		MftModificationTime: self.now,
		AccessTime:          self.now,
		FileAttributes:      FILE_ATTRIBUTE_HIDDEN | FILE_ATTRIBUTE_SYSTEM,
		Extended:            true,
	}
	segment.insertAttribute(NewResidentAttribute(
		ATTR_TYPE_STANDARD_INFORMATION, "", info.Encode()))

	self.records[segment_number] = segment
	return segment
}

// Adds the $FILE_NAME once the record is complete so the sizes it
// carries are right.
func (self *formatter) addName(segment *FileRecordSegment) error {
	name, pres := system_file_names[segment.SegmentNumber]
	if !pres {
		return nil
	}

	file_name := &FileName{
		ParentReference:     RootReference(),
		CreationTime:        self.now,
		ModificationTime:    self.now,
		MftModificationTime: self.now,
		AccessTime:          self.now,
		FileAttributes:      FILE_ATTRIBUTE_HIDDEN | FILE_ATTRIBUTE_SYSTEM,
		Namespace:           FILE_NAME_WIN32_AND_DOS,
		Name:                name,
	}
	if segment.IsDirectory() {
		file_name.FileAttributes |= FILE_ATTRIBUTE_DIRECTORY
	}

	idx, found := segment.findAttribute(ATTR_TYPE_DATA, "")
	if found {
		data := segment.Attributes[idx]
		file_name.DataSize = uint64(data.DataLength())
		file_name.AllocatedSize = uint64(data.AllocatedSize)
		if data.IsResident() {
			file_name.AllocatedSize = uint64(alignUp(len(data.Value), 8))
		}
	}

	value, err := file_name.Encode()
	if err != nil {
		return err
	}

	attr := NewResidentAttribute(ATTR_TYPE_FILE_NAME, "", value)
	attr.ResidentFlags = RESIDENT_FLAG_INDEXED
	segment.insertAttribute(attr)
	segment.HardLinkCount = 1

	self.names[segment.SegmentNumber] = file_name
	return nil
}

func (self *formatter) newIndexRoot() []byte {
	root := NewIndexRoot(uint32(ATTR_TYPE_FILE_NAME), COLLATION_FILE_NAME,
		self.options.IndexRecordSize, self.boot.ClustersPerIndexRecord)
	return root.Encode()
}

func (self *formatter) layout() error {
	record_count := int64(self.options.MFTRecordCount)

	// $Boot comes first so the boot sector is cluster 0.
	boot_attr, err := self.nonResident(ATTR_TYPE_DATA, "", BOOT_FILE_SIZE, nil)
	if err != nil {
		return err
	}

	mft_data, err := self.nonResident(ATTR_TYPE_DATA, "",
		record_count*self.record_size, nil)
	if err != nil {
		return err
	}
	self.boot.MFTCluster = uint64(mft_data.Extents()[0].LCN)

	mft_bitmap := NewBitmap(nil, record_count)
	_ = mft_bitmap.Set(0, MFT_FIRST_USER_FILE)
	mft_bitmap_data := make([]byte, alignUp(len(mft_bitmap.Bytes()), 8))
	copy(mft_bitmap_data, mft_bitmap.Bytes())

	mft_bitmap_attr, err := self.nonResident(ATTR_TYPE_BITMAP, "",
		int64(len(mft_bitmap_data)), mft_bitmap_data)
	if err != nil {
		return err
	}

	mirror_attr, err := self.nonResident(ATTR_TYPE_DATA, "",
		MFT_MIRROR_RECORDS*self.record_size, nil)
	if err != nil {
		return err
	}
	self.boot.MFTMirrorCluster = uint64(mirror_attr.Extents()[0].LCN)

	log_data, err := self.logFile()
	if err != nil {
		return err
	}
	log_attr, err := self.nonResident(ATTR_TYPE_DATA, "", int64(len(log_data)), log_data)
	if err != nil {
		return err
	}

	attrdef_data := EncodeAttributeDefinitions(DefaultAttributeDefinitions())
	attrdef_attr, err := self.nonResident(ATTR_TYPE_DATA, "",
		int64(len(attrdef_data)), attrdef_data)
	if err != nil {
		return err
	}

	upcase_data := BuildUpcaseTable()
	upcase_attr, err := self.nonResident(ATTR_TYPE_DATA, "",
		int64(len(upcase_data)), upcase_data)
	if err != nil {
		return err
	}

	// The cluster bitmap is placed last so it records every other
	// allocation and its own.
	block_count := self.boot.BlockCount()
	bitmap_size := int64(alignUp(int((block_count+7)/8), 8))
	bitmap_attr, err := self.nonResident(ATTR_TYPE_DATA, "", bitmap_size, nil)
	if err != nil {
		return err
	}
	bitmap_data := make([]byte, bitmap_size)
	copy(bitmap_data, self.clusters.Bytes())
	self.contents[bitmap_attr.Extents()[0].LCN] = bitmap_data

	// $MFT
	segment := self.newRecord(MFT_RECORD_MFT)
	segment.insertAttribute(mft_data)
	segment.insertAttribute(mft_bitmap_attr)

	segment = self.newRecord(MFT_RECORD_MFTMIRR)
	segment.insertAttribute(mirror_attr)

	segment = self.newRecord(MFT_RECORD_LOGFILE)
	segment.insertAttribute(log_attr)

	segment = self.newRecord(MFT_RECORD_VOLUME)
	segment.insertAttribute(NewResidentAttribute(ATTR_TYPE_VOLUME_NAME, "",
		EncodeUTF16String(self.options.VolumeLabel)))
	segment.insertAttribute(NewResidentAttribute(ATTR_TYPE_VOLUME_INFORMATION, "",
		(&VolumeInformation{
			MajorVersion: NTFS_MAJOR_VERSION,
			MinorVersion: NTFS_MINOR_VERSION,
		}).Encode()))
	segment.insertAttribute(NewResidentAttribute(ATTR_TYPE_DATA, "", nil))

	segment = self.newRecord(MFT_RECORD_ATTRDEF)
	segment.insertAttribute(attrdef_attr)

	segment = self.newRecord(MFT_RECORD_ROOT)
	segment.Flags |= FILE_RECORD_DIRECTORY
	segment.insertAttribute(NewResidentAttribute(ATTR_TYPE_INDEX_ROOT, I30,
		self.newIndexRoot()))

	segment = self.newRecord(MFT_RECORD_BITMAP)
	segment.insertAttribute(bitmap_attr)

	segment = self.newRecord(MFT_RECORD_BOOT)
	segment.insertAttribute(boot_attr)

	// $BadClus:$Bad spans the whole volume without owning a cluster.
	segment = self.newRecord(MFT_RECORD_BADCLUS)
	segment.insertAttribute(NewResidentAttribute(ATTR_TYPE_DATA, "", nil))
	segment.insertAttribute(NewNonResidentAttribute(ATTR_TYPE_DATA, "$Bad",
		[]Run{{Length: block_count, IsSparse: true}},
		block_count*self.cluster_size, self.cluster_size))

	segment = self.newRecord(MFT_RECORD_SECURE)
	segment.insertAttribute(NewResidentAttribute(ATTR_TYPE_DATA, "$SDS", nil))

	segment = self.newRecord(MFT_RECORD_UPCASE)
	segment.insertAttribute(upcase_attr)

	segment = self.newRecord(MFT_RECORD_EXTEND)
	segment.Flags |= FILE_RECORD_DIRECTORY
	segment.insertAttribute(NewResidentAttribute(ATTR_TYPE_INDEX_ROOT, I30,
		self.newIndexRoot()))

	// Reserved for future system files: in use but unnamed.
	for segment_number := uint64(MFT_RECORD_EXTEND + 1); segment_number < MFT_FIRST_USER_FILE; segment_number++ {
		segment = self.newRecord(segment_number)
		segment.insertAttribute(NewResidentAttribute(ATTR_TYPE_DATA, "", nil))
	}

	for _, segment := range self.records {
		if segment.FreeSpace() < 0 {
			return fmt.Errorf("%w: system file %d does not fit a %#x byte record",
				RecordFullError, segment.SegmentNumber, self.record_size)
		}

		err = self.addName(segment)
		if err != nil {
			return err
		}
	}

	return nil
}

// An empty log: two identical clean restart pages and the rest of the
// file filled with 0xFF.
func (self *formatter) logFile() ([]byte, error) {
	size := int(self.options.LogFileSize)
	page_size := int(self.options.LogPageSize)
	if size < 4*page_size {
		return nil, fmt.Errorf("%w: $LogFile of %#x bytes needs at least 4 pages of %#x",
			OutOfRangeError, size, page_size)
	}

	result := bytes.Repeat([]byte{0xFF}, size)
	page := NewRestartPage(uint64(size), uint32(page_size), uint32(page_size))
	for i := 0; i < 2; i++ {
		data, err := page.Encode(1, self.stride)
		if err != nil {
			return nil, err
		}
		copy(result[i*page_size:], data)
	}
	return result, nil
}

func (self *formatter) writeClusters(lcn int64, data []byte) error {
	_, err := self.disk.WriteAt(data, lcn*self.cluster_size)
	return err
}

func (self *formatter) write() error {
	boot_data := self.boot.Encode()
	err := self.device.WriteSectors(0, boot_data)
	if err != nil {
		return err
	}

	err = self.device.WriteSectors(self.device.TotalSectors()-1, boot_data)
	if err != nil {
		return err
	}

	for lcn, data := range self.contents {
		err = self.writeClusters(lcn, data)
		if err != nil {
			return err
		}
	}

	// Every slot of the $MFT is a valid FILE record, used or not.
	mft_offset := int64(self.boot.MFTCluster) * self.cluster_size
	mirror_offset := int64(self.boot.MFTMirrorCluster) * self.cluster_size

	for segment_number := uint64(0); segment_number < uint64(self.options.MFTRecordCount); segment_number++ {
		segment, pres := self.records[segment_number]
		if !pres {
			segment = NewFileRecordSegment(segment_number, 0,
				int(self.record_size), self.stride)
		}

		data, err := segment.Encode(1)
		if err != nil {
			return fmt.Errorf("file record %d: %w", segment_number, err)
		}

		offset := int64(segment_number) * self.record_size
		_, err = self.disk.WriteAt(data, mft_offset+offset)
		if err != nil {
			return err
		}

		if segment_number < MFT_MIRROR_RECORDS {
			_, err = self.disk.WriteAt(data, mirror_offset+offset)
			if err != nil {
				return err
			}
		}
	}

	DebugPrint("Formatted volume: %v\n", self.boot.DebugString())
	return nil
}

// Indexes the system files in the root directory. This goes through a
// Volume so a root that overflows is pushed down like any other.
func (self *formatter) linkSystemFiles() error {
	options := GetDefaultOptions()
	options.CacheSize = 0

	volume, err := OpenVolume(self.device, options)
	if err != nil {
		return err
	}
	defer volume.Close()

	root, err := volume.OpenDirectory(RootReference())
	if err != nil {
		return err
	}

	for segment_number := uint64(0); segment_number <= MFT_RECORD_EXTEND; segment_number++ {
		// The root does not list itself.
		if segment_number == MFT_RECORD_ROOT {
			continue
		}

		err = root.Index.InsertFileName(self.names[segment_number],
			systemReference(segment_number))
		if err != nil {
			return err
		}
	}
	return nil
}
