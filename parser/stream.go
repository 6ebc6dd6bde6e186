package parser

import (
	"errors"
	"fmt"
	"io"
	"slices"
)

// A RunReader maps the byte offsets of a non resident value onto the
// disk through its extents.
type RunReader struct {
	extents      []Extent
	cluster_size int64
	disk         *DeviceReader
}

func NewRunReader(extents []Extent, cluster_size int64, disk *DeviceReader) *RunReader {
	return &RunReader{
		extents:      extents,
		cluster_size: cluster_size,
		disk:         disk,
	}
}

// Size is the number of bytes the extents cover.
func (self *RunReader) Size() int64 {
	if len(self.extents) == 0 {
		return 0
	}
	last := self.extents[len(self.extents)-1]
	return (last.VCN + last.Length) * self.cluster_size
}

// Finds the extent holding the byte at file_offset.
func (self *RunReader) findExtent(file_offset int64) (Extent, bool) {
	vcn := file_offset / self.cluster_size
	for _, extent := range self.extents {
		if extent.VCN <= vcn && vcn < extent.VCN+extent.Length {
			return extent, true
		}
	}
	return Extent{}, false
}

func (self *RunReader) ReadAt(buf []byte, file_offset int64) (int, error) {
	buf_idx := 0
	for buf_idx < len(buf) {
		extent, ok := self.findExtent(file_offset)
		if !ok {
			Printf("Could not find runs for offset %d: %v. Cluster size %d\n",
				file_offset, self.extents, self.cluster_size)
			return buf_idx, io.EOF
		}

		// The relative offset within the run.
		run_offset := file_offset - extent.VCN*self.cluster_size
		to_read := int(CapInt64(extent.Length*self.cluster_size-run_offset,
			int64(len(buf)-buf_idx)))

		if extent.IsSparse {
			clear(buf[buf_idx : buf_idx+to_read])
		} else {
			n, err := self.disk.ReadAt(buf[buf_idx:buf_idx+to_read],
				extent.LCN*self.cluster_size+run_offset)
			if err != nil {
				return buf_idx + n, err
			}
		}

		buf_idx += to_read
		file_offset += int64(to_read)
	}
	return buf_idx, nil
}

// WriteAt writes into clusters the extents already map. Sparse
// extents have nowhere to write to.
func (self *RunReader) WriteAt(buf []byte, file_offset int64) (int, error) {
	buf_idx := 0
	for buf_idx < len(buf) {
		extent, ok := self.findExtent(file_offset)
		if !ok {
			return buf_idx, fmt.Errorf("%w: offset %#x is not mapped",
				OutOfRangeError, file_offset)
		}
		if extent.IsSparse {
			return buf_idx, fmt.Errorf("%w: write into sparse run at VCN %d",
				NotSupportedError, extent.VCN)
		}

		run_offset := file_offset - extent.VCN*self.cluster_size
		to_write := int(CapInt64(extent.Length*self.cluster_size-run_offset,
			int64(len(buf)-buf_idx)))

		_, err := self.disk.WriteAt(buf[buf_idx:buf_idx+to_write],
			extent.LCN*self.cluster_size+run_offset)
		if err != nil {
			return buf_idx, err
		}

		buf_idx += to_write
		file_offset += int64(to_write)
	}
	return buf_idx, nil
}

// A StreamHost is what a Stream needs from the volume it lives on.
type StreamHost interface {
	SegmentAllocator

	ClusterSize() int64
	Disk() *DeviceReader

	// Returns extents with LCN and Length set.
	AllocateClusters(count, hint int64) ([]Extent, error)
	FreeClusters(extents []Extent) error

	WriteFileRecord(record *FileRecord) error
}

// A Stream is the value of one attribute, addressed as bytes
// regardless of whether it is resident.
type Stream struct {
	host   StreamHost
	record *FileRecord

	Type AttributeType
	Name string
}

func NewStream(host StreamHost, record *FileRecord,
	attr_type AttributeType, name string) (*Stream, error) {
	_, found := record.GetAttribute(attr_type, name)
	if !found {
		return nil, fmt.Errorf("%w: %v %q in %v", NotFoundError,
			attr_type, name, record.Reference())
	}

	return &Stream{
		host:   host,
		record: record,
		Type:   attr_type,
		Name:   name,
	}, nil
}

func (self *Stream) Record() *FileRecord {
	return self.record
}

func (self *Stream) attribute() (*AttributeRecord, error) {
	attr, found := self.record.GetAttribute(self.Type, self.Name)
	if !found {
		return nil, fmt.Errorf("%w: %v %q in %v", NotFoundError,
			self.Type, self.Name, self.record.Reference())
	}
	return attr, nil
}

// Non resident values may be split over several attribute records,
// each mapping part of the VCN range.
func (self *Stream) pieces() []*AttributeRecord {
	result := []*AttributeRecord{}
	for _, attr := range self.record.Attributes() {
		if attr.Type == self.Type && compareAttributeNames(attr.Name, self.Name) == 0 {
			result = append(result, attr)
		}
	}
	slices.SortFunc(result, func(a, b *AttributeRecord) int {
		return compareInt(int(a.LowestVCN), int(b.LowestVCN))
	})
	return result
}

func (self *Stream) Size() int64 {
	attr, err := self.attribute()
	if err != nil {
		return 0
	}
	return attr.DataLength()
}

func (self *Stream) IsResident() bool {
	attr, err := self.attribute()
	return err == nil && attr.IsResident()
}

// Extents maps the whole value, joining all pieces.
func (self *Stream) Extents() []Extent {
	result := []Extent{}
	for _, attr := range self.pieces() {
		if attr.NonResident {
			result = append(result, attr.Extents()...)
		}
	}
	return result
}

func (self *Stream) reader() *RunReader {
	return NewRunReader(self.Extents(), self.host.ClusterSize(), self.host.Disk())
}

func (self *Stream) checkSupported(attr *AttributeRecord, write bool) error {
	if attr.IsCompressed() || attr.IsEncrypted() {
		return fmt.Errorf("%w: %v %q is compressed or encrypted",
			NotSupportedError, self.Type, self.Name)
	}
	if write && attr.IsSparse() {
		return fmt.Errorf("%w: writing sparse %v %q",
			NotSupportedError, self.Type, self.Name)
	}
	return nil
}

func (self *Stream) ReadAt(buf []byte, offset int64) (int, error) {
	attr, err := self.attribute()
	if err != nil {
		return 0, err
	}

	err = self.checkSupported(attr, false)
	if err != nil {
		return 0, err
	}

	size := attr.DataLength()
	if offset < 0 || offset >= size {
		return 0, io.EOF
	}

	to_read := CapInt64(int64(len(buf)), size-offset)
	out := buf[:to_read]

	if attr.IsResident() {
		copy(out, attr.Value[offset:])
	} else {
		// Bytes past the initialized size read as zeros.
		valid := CapInt64(to_read, max(attr.InitializedSize-offset, 0))
		clear(out[valid:])
		if valid > 0 {
			_, err := self.reader().ReadAt(out[:valid], offset)
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, err
			}
		}
	}

	if int(to_read) < len(buf) {
		return int(to_read), io.EOF
	}
	return int(to_read), nil
}

// ReadAll returns the whole value.
func (self *Stream) ReadAll() ([]byte, error) {
	result := make([]byte, self.Size())
	if len(result) == 0 {
		return result, nil
	}

	_, err := self.ReadAt(result, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return result, nil
}

// WriteAt writes buf at offset, extending the stream if needed. The
// file record is written back when the attribute changes.
func (self *Stream) WriteAt(buf []byte, offset int64) (int, error) {
	attr, err := self.attribute()
	if err != nil {
		return 0, err
	}

	err = self.checkSupported(attr, true)
	if err != nil {
		return 0, err
	}

	if offset < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", OutOfRangeError, offset)
	}
	end := offset + int64(len(buf))

	if attr.IsResident() {
		value := attr.Value
		if int64(len(value)) < end {
			value = append(slices.Clone(value), make([]byte, end-int64(len(value)))...)
		} else {
			value = slices.Clone(value)
		}
		copy(value[offset:], buf)

		err = self.setResidentValue(value)
		if err != nil {
			return 0, err
		}
		return len(buf), nil
	}

	if end > attr.DataSize {
		err = self.Truncate(end)
		if err != nil {
			return 0, err
		}
	}

	return self.reader().WriteAt(buf, offset)
}

// Truncate sets the size of the stream. New bytes read as zeros.
func (self *Stream) Truncate(size int64) error {
	attr, err := self.attribute()
	if err != nil {
		return err
	}

	err = self.checkSupported(attr, true)
	if err != nil {
		return err
	}

	if size < 0 {
		return fmt.Errorf("%w: negative size %d", OutOfRangeError, size)
	}

	if attr.IsResident() {
		value := slices.Clone(attr.Value)
		if int64(len(value)) > size {
			value = value[:size]
		} else {
			value = append(value, make([]byte, size-int64(len(value)))...)
		}
		return self.setResidentValue(value)
	}

	if len(self.pieces()) > 1 {
		return fmt.Errorf("%w: resizing %v %q split over several records",
			NotSupportedError, self.Type, self.Name)
	}

	cluster_size := self.host.ClusterSize()
	replacement := attr.Copy()
	old_clusters := RunsClusterCount(attr.Runs)
	new_clusters := clustersFor(size, cluster_size)

	if size > attr.InitializedSize {
		// Stale bytes in already allocated clusters must read as
		// zero once they are inside the stream.
		zero_end := CapInt64(size, old_clusters*cluster_size)
		if zero_end > attr.InitializedSize {
			_, err := self.reader().WriteAt(
				make([]byte, zero_end-attr.InitializedSize), attr.InitializedSize)
			if err != nil {
				return err
			}
		}
	}

	extents := attr.Extents()
	allocated := []Extent{}
	release := []Extent{}
	switch {
	case new_clusters > old_clusters:
		hint := int64(0)
		for _, extent := range extents {
			if !extent.IsSparse {
				hint = extent.LCN + extent.Length
			}
		}

		allocated, err = self.host.AllocateClusters(new_clusters-old_clusters, hint)
		if err != nil {
			return err
		}

		vcn := attr.LowestVCN + old_clusters
		for _, extent := range allocated {
			_, err := self.host.Disk().WriteAt(
				make([]byte, extent.Length*cluster_size), extent.LCN*cluster_size)
			if err != nil {
				return self.releaseClusters(allocated, err)
			}
			extent.VCN = vcn
			extents = append(extents, extent)
			vcn += extent.Length
		}

	case new_clusters < old_clusters:
		extents, release = splitExtents(extents, attr.LowestVCN+new_clusters)
	}

	replacement.SetExtents(extents)
	replacement.AllocatedSize = new_clusters * cluster_size
	replacement.DataSize = size
	replacement.InitializedSize = size

	err = self.record.UpdateAttribute(replacement, self.host)
	if err != nil {
		return self.releaseClusters(allocated, err)
	}

	// Clusters cut off are released once nothing maps them.
	err = self.host.FreeClusters(release)
	if err != nil {
		return err
	}
	return self.host.WriteFileRecord(self.record)
}

// Gives back clusters taken for a change that failed. Returns cause.
func (self *Stream) releaseClusters(extents []Extent, cause error) error {
	err := self.host.FreeClusters(extents)
	if err != nil {
		return fmt.Errorf("%w (releasing %v: %v)", cause, extents, err)
	}
	return cause
}

// Stores a new resident value, moving the value out to clusters when
// it no longer fits the file record.
func (self *Stream) setResidentValue(value []byte) error {
	err := self.record.ReplaceAttributeValue(self.Type, self.Name, value)
	if errors.Is(err, RecordFullError) {
		err = self.makeNonResident(value)
	}
	if err != nil {
		return err
	}
	return self.host.WriteFileRecord(self.record)
}

func (self *Stream) makeNonResident(value []byte) error {
	attr, err := self.attribute()
	if err != nil {
		return err
	}

	DebugPrint("Moving %v %q of %v out of the record (%d bytes)\n",
		self.Type, self.Name, self.record.Reference(), len(value))

	cluster_size := self.host.ClusterSize()
	clusters := clustersFor(int64(len(value)), cluster_size)

	allocated, err := self.host.AllocateClusters(clusters, 0)
	if err != nil {
		return err
	}

	extents := []Extent{}
	vcn := int64(0)
	for _, extent := range allocated {
		extent.VCN = vcn
		extents = append(extents, extent)
		vcn += extent.Length
	}

	padded := make([]byte, clusters*cluster_size)
	copy(padded, value)
	_, err = NewRunReader(extents, cluster_size, self.host.Disk()).WriteAt(padded, 0)
	if err != nil {
		return self.releaseClusters(allocated, err)
	}

	replacement := NewNonResidentAttribute(self.Type, self.Name,
		ExtentsToRuns(extents), int64(len(value)), cluster_size)
	replacement.Flags = attr.Flags

	err = self.record.UpdateAttribute(replacement, self.host)
	if err != nil {
		return self.releaseClusters(allocated, err)
	}
	return nil
}

// Splits extents at vcn into the part below it and the part from it
// onwards.
func splitExtents(extents []Extent, vcn int64) ([]Extent, []Extent) {
	keep := []Extent{}
	release := []Extent{}
	for _, extent := range extents {
		switch {
		case extent.VCN+extent.Length <= vcn:
			keep = append(keep, extent)

		case extent.VCN >= vcn:
			release = append(release, extent)

		default:
			head := vcn - extent.VCN
			keep = append(keep, Extent{
				VCN: extent.VCN, LCN: extent.LCN,
				Length: head, IsSparse: extent.IsSparse})

			tail := Extent{
				VCN: vcn, Length: extent.Length - head, IsSparse: extent.IsSparse}
			if !extent.IsSparse {
				tail.LCN = extent.LCN + head
			}
			release = append(release, tail)
		}
	}
	return keep, release
}
