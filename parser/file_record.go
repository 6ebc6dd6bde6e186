package parser

import (
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
)

const (
	FILE_RECORD_MAGIC       = "FILE"
	FILE_RECORD_USA_OFFSET  = 0x30
	FILE_RECORD_HEADER_SIZE = 0x30

	FILE_RECORD_IN_USE    = 0x0001
	FILE_RECORD_DIRECTORY = 0x0002

	// The end marker is the attribute type 0xFFFFFFFF followed by 4
	// bytes of padding.
	attribute_end_marker_size = 8
)

// A FileRecordSegment is one fixed size slot of the $MFT.
type FileRecordSegment struct {
	SegmentNumber  uint64
	SequenceNumber uint16
	LSN            uint64
	HardLinkCount  uint16
	Flags          uint16
	BaseReference  FileReference
	NextInstance   uint16

	// Record size and fixup stride.
	Size   int
	Stride int

	// Sorted by type and name.
	Attributes []*AttributeRecord
}

func NewFileRecordSegment(segment_number uint64, sequence_number uint16,
	size, stride int) *FileRecordSegment {
	return &FileRecordSegment{
		SegmentNumber:  segment_number,
		SequenceNumber: sequence_number,
		Size:           size,
		Stride:         stride,
	}
}

func (self *FileRecordSegment) Reference() FileReference {
	return FileReference{
		SegmentNumber:  self.SegmentNumber,
		SequenceNumber: self.SequenceNumber,
	}
}

func (self *FileRecordSegment) IsInUse() bool {
	return self.Flags&FILE_RECORD_IN_USE != 0
}

func (self *FileRecordSegment) IsDirectory() bool {
	return self.Flags&FILE_RECORD_DIRECTORY != 0
}

// IsBase is true for the first segment of a file record.
func (self *FileRecordSegment) IsBase() bool {
	return self.BaseReference.IsZero()
}

func (self *FileRecordSegment) attributesOffset() int {
	return alignUp(FILE_RECORD_USA_OFFSET+2*updateSequenceCount(self.Size, self.Stride), 8)
}

// UsedSize is the number of bytes the encoded segment occupies.
func (self *FileRecordSegment) UsedSize() int {
	result := self.attributesOffset() + attribute_end_marker_size
	for _, attr := range self.Attributes {
		result += attr.Size()
	}
	return result
}

func (self *FileRecordSegment) FreeSpace() int {
	return self.Size - self.UsedSize()
}

func (self *FileRecordSegment) findAttribute(
	attr_type AttributeType, name string) (int, bool) {
	for idx, attr := range self.Attributes {
		if attr.Type == attr_type && compareAttributeNames(attr.Name, name) == 0 {
			return idx, true
		}
	}
	return 0, false
}

// Inserts attr in sorted position and gives it an instance number.
func (self *FileRecordSegment) insertAttribute(attr *AttributeRecord) {
	attr.Instance = self.NextInstance
	self.NextInstance++

	idx := 0
	for idx < len(self.Attributes) && !attr.less(self.Attributes[idx]) {
		idx++
	}
	self.Attributes = slices.Insert(self.Attributes, idx, attr)
}

// DecodeFileRecordSegment decodes the FILE record at offset. A segment
// that is not in use decodes normally; callers check IsInUse.
func DecodeFileRecordSegment(buffer []byte, offset, stride int) (
	*FileRecordSegment, *UpdateSequence, error) {
	err := checkBounds(buffer, offset, FILE_RECORD_HEADER_SIZE)
	if err != nil {
		return nil, nil, err
	}

	header := buffer[offset:]
	if string(header[:4]) != FILE_RECORD_MAGIC {
		return nil, nil, fmt.Errorf("%w: file record at %#x has magic %q",
			InvalidSignatureError, offset, header[:4])
	}

	usa_offset := int(binary.LittleEndian.Uint16(header[4:]))
	usa_count := int(binary.LittleEndian.Uint16(header[6:]))
	size := int(binary.LittleEndian.Uint32(header[0x1C:]))

	if stride <= 0 || size < FILE_RECORD_HEADER_SIZE || size%stride != 0 ||
		usa_count != updateSequenceCount(size, stride) {
		return nil, nil, fmt.Errorf(
			"%w: file record at %#x of %#x bytes has %d fixups",
			CorruptRecordError, offset, size, usa_count)
	}

	err = checkBounds(buffer, offset, size)
	if err != nil {
		return nil, nil, err
	}

	fixed, sequence, err := UnprotectRecord(buffer[offset:offset+size],
		usa_offset, usa_count, stride)
	if err != nil {
		return nil, nil, err
	}

	result := &FileRecordSegment{
		LSN:            binary.LittleEndian.Uint64(fixed[0x08:]),
		SequenceNumber: binary.LittleEndian.Uint16(fixed[0x10:]),
		HardLinkCount:  binary.LittleEndian.Uint16(fixed[0x12:]),
		Flags:          binary.LittleEndian.Uint16(fixed[0x16:]),
		BaseReference:  NewFileReference(binary.LittleEndian.Uint64(fixed[0x20:])),
		NextInstance:   binary.LittleEndian.Uint16(fixed[0x28:]),
		SegmentNumber:  uint64(binary.LittleEndian.Uint32(fixed[0x2C:])),
		Size:           size,
		Stride:         stride,
	}

	attributes_offset := int(binary.LittleEndian.Uint16(fixed[0x14:]))
	bytes_in_use := int(binary.LittleEndian.Uint32(fixed[0x18:]))
	if bytes_in_use > size || attributes_offset > bytes_in_use {
		return nil, nil, fmt.Errorf(
			"%w: file record %d uses %#x of %#x bytes with attributes at %#x",
			CorruptRecordError, result.SegmentNumber, bytes_in_use, size,
			attributes_offset)
	}

	// Free segments may hold stale attributes; they are not decoded.
	if result.IsInUse() {
		in_use := fixed[:bytes_in_use]
		for position := attributes_offset; ; {
			err := checkBounds(in_use, position, 4)
			if err != nil {
				return nil, nil, err
			}

			if AttributeType(binary.LittleEndian.Uint32(in_use[position:])) == ATTR_TYPE_END {
				break
			}

			attr, length, err := DecodeAttributeRecord(in_use, position)
			if err != nil {
				return nil, nil, err
			}
			result.Attributes = append(result.Attributes, attr)
			position += length
		}
	}

	STATS.Inc_FileRecordSegmentDecoded()
	return result, sequence, nil
}

// Encode serializes and protects the segment. Fails with RecordFull
// when the attributes do not fit.
func (self *FileRecordSegment) Encode(sequence_number uint16) ([]byte, error) {
	used := self.UsedSize()
	if used > self.Size {
		return nil, fmt.Errorf("%w: file record %d needs %#x bytes, has %#x",
			RecordFullError, self.SegmentNumber, used, self.Size)
	}

	buffer := make([]byte, self.Size)
	copy(buffer, FILE_RECORD_MAGIC)
	binary.LittleEndian.PutUint16(buffer[4:], FILE_RECORD_USA_OFFSET)
	binary.LittleEndian.PutUint16(buffer[6:],
		uint16(updateSequenceCount(self.Size, self.Stride)))
	binary.LittleEndian.PutUint64(buffer[0x08:], self.LSN)
	binary.LittleEndian.PutUint16(buffer[0x10:], self.SequenceNumber)
	binary.LittleEndian.PutUint16(buffer[0x12:], self.HardLinkCount)
	binary.LittleEndian.PutUint16(buffer[0x14:], uint16(self.attributesOffset()))
	binary.LittleEndian.PutUint16(buffer[0x16:], self.Flags)
	binary.LittleEndian.PutUint32(buffer[0x18:], uint32(used))
	binary.LittleEndian.PutUint32(buffer[0x1C:], uint32(self.Size))
	binary.LittleEndian.PutUint64(buffer[0x20:], self.BaseReference.Raw())
	binary.LittleEndian.PutUint16(buffer[0x28:], self.NextInstance)
	binary.LittleEndian.PutUint32(buffer[0x2C:], uint32(self.SegmentNumber))

	position := self.attributesOffset()
	for _, attr := range self.Attributes {
		err := attr.checkName()
		if err != nil {
			return nil, err
		}
		position += copy(buffer[position:], attr.Encode())
	}
	binary.LittleEndian.PutUint32(buffer[position:], uint32(ATTR_TYPE_END))

	STATS.Inc_FileRecordSegmentEncoded()

	return ProtectRecord(buffer, FILE_RECORD_USA_OFFSET, sequence_number, self.Stride)
}

func (self *FileRecordSegment) DebugString() string {
	result := []string{fmt.Sprintf(
		"FileRecordSegment %v: Flags %#x Links %d Base %v LSN %#x Used %#x/%#x",
		self.Reference(), self.Flags, self.HardLinkCount, self.BaseReference,
		self.LSN, self.UsedSize(), self.Size)}
	for _, attr := range self.Attributes {
		result = append(result, DebugString(attr, "  "))
	}
	return strings.Join(result, "\n")
}

// SegmentAllocator hands out extension segments for a file record.
type SegmentAllocator interface {
	AllocateSegment(base FileReference) (*FileRecordSegment, error)
	FreeSegment(segment *FileRecordSegment) error
}

// A FileRecord is a base segment and its extension segments.
type FileRecord struct {
	Segments []*FileRecordSegment
}

func NewFileRecord(base *FileRecordSegment) *FileRecord {
	return &FileRecord{Segments: []*FileRecordSegment{base}}
}

func (self *FileRecord) Base() *FileRecordSegment {
	return self.Segments[0]
}

func (self *FileRecord) Reference() FileReference {
	return self.Base().Reference()
}

func (self *FileRecord) IsDirectory() bool {
	return self.Base().IsDirectory()
}

// Attributes returns every attribute in the record, sorted, without
// the $ATTRIBUTE_LIST itself.
func (self *FileRecord) Attributes() []*AttributeRecord {
	result := []*AttributeRecord{}
	for _, segment := range self.Segments {
		for _, attr := range segment.Attributes {
			if attr.Type != ATTR_TYPE_ATTRIBUTE_LIST {
				result = append(result, attr)
			}
		}
	}
	slices.SortStableFunc(result, func(a, b *AttributeRecord) int {
		if a.less(b) {
			return -1
		}
		if b.less(a) {
			return 1
		}
		return compareInt(int(a.LowestVCN), int(b.LowestVCN))
	})
	return result
}

// GetAttribute finds the attribute with the given type and name. For
// attributes split over several segments the piece holding VCN 0 is
// returned.
func (self *FileRecord) GetAttribute(attr_type AttributeType, name string) (
	*AttributeRecord, bool) {
	var result *AttributeRecord
	for _, segment := range self.Segments {
		idx, found := segment.findAttribute(attr_type, name)
		if !found {
			continue
		}
		attr := segment.Attributes[idx]
		if result == nil || attr.LowestVCN < result.LowestVCN {
			result = attr
		}
	}
	return result, result != nil
}

// GetAttributes returns every attribute of a type.
func (self *FileRecord) GetAttributes(attr_type AttributeType) []*AttributeRecord {
	result := []*AttributeRecord{}
	for _, attr := range self.Attributes() {
		if attr.Type == attr_type {
			result = append(result, attr)
		}
	}
	return result
}

// FileNames decodes every $FILE_NAME attribute.
func (self *FileRecord) FileNames() ([]*FileName, error) {
	result := []*FileName{}
	for _, attr := range self.GetAttributes(ATTR_TYPE_FILE_NAME) {
		file_name, err := DecodeFileName(attr.Value)
		if err != nil {
			return nil, err
		}
		result = append(result, file_name)
	}
	return result, nil
}

// LinkCount is the number of names the file has. A DOS name paired with
// a Win32 name is the same link.
func (self *FileRecord) LinkCount() (uint16, error) {
	file_names, err := self.FileNames()
	if err != nil {
		return 0, err
	}

	result := uint16(0)
	for _, file_name := range file_names {
		if file_name.Namespace != FILE_NAME_DOS {
			result++
		}
	}
	return result, nil
}

func (self *FileRecord) StandardInformation() (*StandardInformation, error) {
	attr, found := self.GetAttribute(ATTR_TYPE_STANDARD_INFORMATION, "")
	if !found {
		return nil, fmt.Errorf("%w: $STANDARD_INFORMATION in %v",
			NotFoundError, self.Reference())
	}
	return DecodeStandardInformation(attr.Value)
}

func (self *FileRecord) segmentOf(attr_type AttributeType, name string) (
	*FileRecordSegment, int, bool) {
	for _, segment := range self.Segments {
		idx, found := segment.findAttribute(attr_type, name)
		if found {
			return segment, idx, true
		}
	}
	return nil, 0, false
}

// AddAttribute stores a new attribute. It goes into the base segment
// while everything fits there; otherwise an $ATTRIBUTE_LIST is kept
// and attributes spill into extension segments. Fails with RecordFull
// when no segment has room and none can be allocated.
func (self *FileRecord) AddAttribute(attr *AttributeRecord,
	allocator SegmentAllocator) error {
	err := attr.checkName()
	if err != nil {
		return err
	}

	// A file has one $FILE_NAME per link, all unnamed.
	_, _, found := self.segmentOf(attr.Type, attr.Name)
	if found && attr.Type != ATTR_TYPE_FILE_NAME {
		return fmt.Errorf("%w: %v %q already in %v",
			DuplicateKeyError, attr.Type, attr.Name, self.Reference())
	}

	base := self.Base()
	if len(self.Segments) == 1 && base.FreeSpace() >= attr.Size() {
		base.insertAttribute(attr)
		return nil
	}

	return self.placeAttribute(attr, allocator)
}

// Places attr in any segment with room, allocating an extension if
// needed, and then makes the base fit again. On failure the record is
// left as it was.
func (self *FileRecord) placeAttribute(attr *AttributeRecord,
	allocator SegmentAllocator) error {
	state := self.saveState()

	self.ensureAttributeList()
	target, err := self.segmentWithRoom(attr.Size(), allocator)
	if err == nil {
		target.insertAttribute(attr)
		err = self.rebalance(allocator)
	}
	if err != nil {
		return self.restoreState(state, allocator, err)
	}
	return nil
}

// A recordState holds what an attribute change may touch.
type recordState struct {
	segments      []*FileRecordSegment
	attributes    [][]*AttributeRecord
	instances     [][]uint16
	next_instance []uint16
}

func (self *FileRecord) saveState() *recordState {
	result := &recordState{
		segments: slices.Clone(self.Segments),
	}
	for _, segment := range self.Segments {
		instances := make([]uint16, 0, len(segment.Attributes))
		for _, attr := range segment.Attributes {
			instances = append(instances, attr.Instance)
		}
		result.attributes = append(result.attributes, slices.Clone(segment.Attributes))
		result.instances = append(result.instances, instances)
		result.next_instance = append(result.next_instance, segment.NextInstance)
	}
	return result
}

// Puts back the saved segments and releases extensions allocated
// since. Returns cause.
func (self *FileRecord) restoreState(state *recordState,
	allocator SegmentAllocator, cause error) error {
	added := []*FileRecordSegment{}
	for _, segment := range self.Segments {
		if !slices.Contains(state.segments, segment) {
			added = append(added, segment)
		}
	}

	self.Segments = state.segments
	for idx, segment := range self.Segments {
		segment.Attributes = state.attributes[idx]
		segment.NextInstance = state.next_instance[idx]
		for attr_idx, attr := range segment.Attributes {
			attr.Instance = state.instances[idx][attr_idx]
		}
	}

	for _, segment := range added {
		segment.Attributes = nil
		if allocator != nil {
			err := allocator.FreeSegment(segment)
			if err != nil {
				return fmt.Errorf("%w (releasing %v: %v)", cause,
					segment.Reference(), err)
			}
		}
	}
	return cause
}

// Finds a segment with size free bytes, allocating a new extension
// when none has.
func (self *FileRecord) segmentWithRoom(size int,
	allocator SegmentAllocator) (*FileRecordSegment, error) {
	for _, segment := range self.Segments {
		if segment.FreeSpace() >= size {
			return segment, nil
		}
	}

	if allocator == nil {
		return nil, fmt.Errorf("%w: no room for %#x bytes in %v",
			RecordFullError, size, self.Reference())
	}

	extension, err := allocator.AllocateSegment(self.Reference())
	if err != nil {
		return nil, fmt.Errorf("%w: allocating extension of %v: %v",
			RecordFullError, self.Reference(), err)
	}
	if extension.FreeSpace() < size {
		return nil, fmt.Errorf("%w: attribute of %#x bytes does not fit a segment",
			RecordFullError, size)
	}

	self.Segments = append(self.Segments, extension)
	return extension, nil
}

func (self *FileRecord) ensureAttributeList() {
	_, found := self.Base().findAttribute(ATTR_TYPE_ATTRIBUTE_LIST, "")
	if !found {
		self.Base().insertAttribute(NewResidentAttribute(ATTR_TYPE_ATTRIBUTE_LIST, "", nil))
	}
}

// Rebuilds the $ATTRIBUTE_LIST and moves attributes out of the base
// segment until it fits.
func (self *FileRecord) rebalance(allocator SegmentAllocator) error {
	base := self.Base()
	for {
		self.rebuildAttributeList()
		if base.FreeSpace() >= 0 {
			return nil
		}

		// Move the largest attribute that may live outside the base.
		victim := -1
		for idx, attr := range base.Attributes {
			if attr.Type == ATTR_TYPE_STANDARD_INFORMATION ||
				attr.Type == ATTR_TYPE_ATTRIBUTE_LIST {
				continue
			}
			if victim < 0 || attr.Size() > base.Attributes[victim].Size() {
				victim = idx
			}
		}
		if victim < 0 {
			return fmt.Errorf("%w: base segment of %v can not be made to fit",
				RecordFullError, self.Reference())
		}

		attr := base.Attributes[victim]
		target, err := self.segmentWithRoom(attr.Size(), allocator)
		if err != nil {
			return err
		}
		base.Attributes = slices.Delete(base.Attributes, victim, victim+1)
		target.insertAttribute(attr)
	}
}

// Rewrites the $ATTRIBUTE_LIST value from the segments. Records
// without extensions drop the list.
func (self *FileRecord) rebuildAttributeList() {
	base := self.Base()
	list_idx, found := base.findAttribute(ATTR_TYPE_ATTRIBUTE_LIST, "")
	if !found {
		return
	}

	if len(self.Segments) == 1 {
		base.Attributes = slices.Delete(base.Attributes, list_idx, list_idx+1)
		return
	}

	entries := []*AttributeListEntry{}
	for _, segment := range self.Segments {
		for _, attr := range segment.Attributes {
			if attr.Type == ATTR_TYPE_ATTRIBUTE_LIST {
				continue
			}
			entries = append(entries, &AttributeListEntry{
				Type:          attr.Type,
				LowestVCN:     uint64(attr.LowestVCN),
				FileReference: segment.Reference(),
				Instance:      attr.Instance,
				Name:          attr.Name,
			})
		}
	}
	slices.SortStableFunc(entries, func(a, b *AttributeListEntry) int {
		if a.Type != b.Type {
			return compareUint32(uint32(a.Type), uint32(b.Type))
		}
		result := compareAttributeNames(a.Name, b.Name)
		if result != 0 {
			return result
		}
		return compareInt(int(a.LowestVCN), int(b.LowestVCN))
	})

	list := base.Attributes[list_idx].Copy()
	list.Value = EncodeAttributeList(entries)
	base.Attributes[list_idx] = list
}

// RemoveAttribute deletes an attribute. Extension segments left empty
// are released.
func (self *FileRecord) RemoveAttribute(attr_type AttributeType, name string,
	allocator SegmentAllocator) (bool, error) {
	segment, idx, found := self.segmentOf(attr_type, name)
	if !found {
		return false, nil
	}
	return true, self.removeAttributeAt(segment, idx, allocator)
}

// RemoveFileName deletes the $FILE_NAME link with exactly this name
// and parent.
func (self *FileRecord) RemoveFileName(parent FileReference, name string,
	allocator SegmentAllocator) (bool, error) {
	for _, segment := range self.Segments {
		for idx, attr := range segment.Attributes {
			if attr.Type != ATTR_TYPE_FILE_NAME {
				continue
			}
			file_name, err := DecodeFileName(attr.Value)
			if err != nil {
				return false, err
			}
			if file_name.Name == name &&
				file_name.ParentReference.SegmentNumber == parent.SegmentNumber {
				return true, self.removeAttributeAt(segment, idx, allocator)
			}
		}
	}
	return false, nil
}

func (self *FileRecord) removeAttributeAt(segment *FileRecordSegment, idx int,
	allocator SegmentAllocator) error {
	segment.Attributes = slices.Delete(segment.Attributes, idx, idx+1)
	return self.releaseEmptySegments(allocator)
}

// Drops extension segments without attributes and rebuilds the
// $ATTRIBUTE_LIST.
func (self *FileRecord) releaseEmptySegments(allocator SegmentAllocator) error {
	for seg_idx := len(self.Segments) - 1; seg_idx > 0; seg_idx-- {
		segment := self.Segments[seg_idx]
		if len(segment.Attributes) > 0 {
			continue
		}

		self.Segments = slices.Delete(self.Segments, seg_idx, seg_idx+1)
		if allocator != nil {
			err := allocator.FreeSegment(segment)
			if err != nil {
				return err
			}
		}
	}

	self.rebuildAttributeList()
	return nil
}

// UpdateAttribute replaces the stored attribute with the same type and
// name, moving it to another segment if it grew past its own.
func (self *FileRecord) UpdateAttribute(attr *AttributeRecord,
	allocator SegmentAllocator) error {
	segment, idx, found := self.segmentOf(attr.Type, attr.Name)
	if !found {
		return fmt.Errorf("%w: %v %q in %v", NotFoundError,
			attr.Type, attr.Name, self.Reference())
	}

	old := segment.Attributes[idx]
	if segment.FreeSpace()+old.Size() >= attr.Size() {
		attr.Instance = old.Instance
		segment.Attributes[idx] = attr
		self.rebuildAttributeList()
		return nil
	}

	// The old copy comes back if the new one finds no room.
	state := self.saveState()
	segment.Attributes = slices.Delete(segment.Attributes, idx, idx+1)

	err := self.AddAttribute(attr, allocator)
	if err != nil {
		return self.restoreState(state, allocator, err)
	}
	return self.releaseEmptySegments(allocator)
}

// CheckMapping verifies that every non resident value maps exactly
// its allocated size, summing the pieces of values split over several
// segments.
func (self *FileRecord) CheckMapping(cluster_size int64) error {
	attributes := self.Attributes()
	for _, first := range attributes {
		if !first.NonResident || first.LowestVCN != 0 {
			continue
		}

		clusters := int64(0)
		for _, attr := range attributes {
			if attr.NonResident && attr.Type == first.Type &&
				compareAttributeNames(attr.Name, first.Name) == 0 {
				clusters += RunsClusterCount(attr.Runs)
			}
		}

		if first.AllocatedSize != clusters*cluster_size {
			return fmt.Errorf("%w: %v %q of %v allocates %#x bytes but maps %d clusters",
				CorruptRecordError, first.Type, first.Name, self.Reference(),
				first.AllocatedSize, clusters)
		}
	}
	return nil
}

// ReplaceAttributeValue swaps the value of a resident attribute in
// place. Fails with RecordFull when its segment has no room.
func (self *FileRecord) ReplaceAttributeValue(attr_type AttributeType,
	name string, value []byte) error {
	segment, idx, found := self.segmentOf(attr_type, name)
	if !found {
		return fmt.Errorf("%w: %v %q in %v", NotFoundError,
			attr_type, name, self.Reference())
	}

	old := segment.Attributes[idx]
	if old.NonResident {
		return fmt.Errorf("%w: %v %q is not resident", NotSupportedError,
			attr_type, name)
	}

	replacement := old.Copy()
	replacement.Value = append([]byte{}, value...)
	if segment.FreeSpace()+old.Size() < replacement.Size() {
		return fmt.Errorf("%w: %v %q of %#x bytes does not fit %v",
			RecordFullError, attr_type, name, len(value), segment.Reference())
	}

	segment.Attributes[idx] = replacement
	return nil
}

func (self *FileRecord) DebugString() string {
	result := []string{}
	for _, segment := range self.Segments {
		result = append(result, segment.DebugString())
	}
	return strings.Join(result, "\n")
}
