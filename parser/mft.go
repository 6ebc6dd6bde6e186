package parser

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
)

// An MFTHighlight summarizes one file record the way a timeline tool
// wants to see it. Files with alternate data streams produce one extra
// row per stream.
type MFTHighlight struct {
	EntryNumber          int64
	Inode                string
	SequenceNumber       uint16
	InUse                bool
	ParentEntryNumber    uint64
	ParentSequenceNumber uint16
	FileNames            []string
	_FileNameTypes       []string
	FileSize             int64
	ReferenceCount       int64
	IsDir                bool
	HasADS               bool
	Segments             int
	SI_Lt_FN             bool
	Created0x10          time.Time
	Created0x30          time.Time
	LastModified0x10     time.Time
	LastModified0x30     time.Time
	LastRecordChange0x10 time.Time
	LastRecordChange0x30 time.Time
	LastAccess0x10       time.Time
	LastAccess0x30       time.Time

	LogFileSeqNum uint64

	// Paths are only resolved when asked for.
	volume     *Volume
	ads_name   string
	namespaces []FileNameNamespace
}

func (self *MFTHighlight) Copy() *MFTHighlight {
	result := *self
	result.FileNames = append([]string{}, self.FileNames...)
	result._FileNameTypes = append([]string{}, self._FileNameTypes...)
	return &result
}

func (self *MFTHighlight) Reference() FileReference {
	return FileReference{
		SegmentNumber:  uint64(self.EntryNumber),
		SequenceNumber: self.SequenceNumber,
	}
}

func (self *MFTHighlight) FullPath() string {
	full_path, err := self.volume.GetFullPath(self.Reference())
	if err != nil {
		return ""
	}
	if self.ads_name != "" {
		full_path += ":" + self.ads_name
	}
	return full_path
}

func (self *MFTHighlight) Links() []string {
	components := self.volume.GetHardLinks(self.Reference(), DefaultMaxLinks)
	result := make([]string, 0, len(components))
	for _, l := range components {
		result = append(result, "/"+strings.Join(l, "/"))
	}
	return result
}

func (self *MFTHighlight) FileNameTypes() string {
	return strings.Join(self._FileNameTypes, ",")
}

// FileName prefers the long name over the short one.
func (self *MFTHighlight) FileName() string {
	short_name := ""
	for idx, name := range self.FileNames {
		if self.namespaces[idx] != FILE_NAME_DOS {
			return name
		}
		short_name = name
	}
	return short_name
}

func (self *Volume) highlight(record *FileRecord) (*MFTHighlight, []*AttributeRecord, error) {
	file_names, err := record.FileNames()
	if err != nil {
		return nil, nil, err
	}
	if len(file_names) == 0 {
		return nil, nil, fmt.Errorf("%w: %v has no $FILE_NAME", NotFoundError,
			record.Reference())
	}

	si, err := record.StandardInformation()
	if err != nil {
		return nil, nil, err
	}

	base := record.Base()
	row := &MFTHighlight{
		EntryNumber:          int64(base.SegmentNumber),
		Inode:                fmt.Sprintf("%d", base.SegmentNumber),
		SequenceNumber:       base.SequenceNumber,
		InUse:                base.IsInUse(),
		ParentEntryNumber:    file_names[0].ParentReference.SegmentNumber,
		ParentSequenceNumber: file_names[0].ParentReference.SequenceNumber,
		ReferenceCount:       int64(base.HardLinkCount),
		IsDir:                base.IsDirectory(),
		Segments:             len(record.Segments),
		Created0x10:          si.CreationTime.Time(),
		Created0x30:          file_names[0].CreationTime.Time(),
		LastModified0x10:     si.ModificationTime.Time(),
		LastModified0x30:     file_names[0].ModificationTime.Time(),
		LastRecordChange0x10: si.MftModificationTime.Time(),
		LastRecordChange0x30: file_names[0].MftModificationTime.Time(),
		LastAccess0x10:       si.AccessTime.Time(),
		LastAccess0x30:       file_names[0].AccessTime.Time(),
		LogFileSeqNum:        base.LSN,
		volume:               self,
	}
	row.SI_Lt_FN = row.Created0x10.Before(row.Created0x30)

	for _, file_name := range file_names {
		row.FileNames = append(row.FileNames, file_name.Name)
		row._FileNameTypes = append(row._FileNameTypes, file_name.Namespace.String())
		row.namespaces = append(row.namespaces, file_name.Namespace)
	}

	ads := []*AttributeRecord{}
	for _, attr := range record.GetAttributes(ATTR_TYPE_DATA) {
		if attr.LowestVCN != 0 {
			continue
		}
		if attr.Name == "" {
			row.FileSize = attr.DataLength()
			continue
		}
		ads = append(ads, attr)
	}
	row.HasADS = len(ads) > 0

	return row, ads, nil
}

// ParseMFT walks the in use base records from start_entry on. Records
// that fail to decode are skipped; Check reports them. The walk runs
// on the caller's goroutine since the Volume is not safe for
// concurrent use.
func (self *Volume) ParseMFT(ctx context.Context, start_entry uint64) iter.Seq[*MFTHighlight] {
	return func(yield func(*MFTHighlight) bool) {
		for id := start_entry; id < self.segment_count; id++ {
			if ctx.Err() != nil {
				return
			}

			record, found, err := self.ReadFileRecord(FileReference{SegmentNumber: id})
			if err != nil {
				DebugPrint("ParseMFT: record %d: %v\n", id, err)
				continue
			}
			if !found {
				continue
			}

			row, ads, err := self.highlight(record)
			if err != nil {
				continue
			}

			if !yield(row) {
				return
			}

			// Duplicate ADS names so they can be searched on.
			for _, attr := range ads {
				new_row := row.Copy()
				for idx, name := range new_row.FileNames {
					new_row.FileNames[idx] = name + ":" + attr.Name
				}
				new_row.IsDir = false
				new_row.ads_name = attr.Name
				new_row.FileSize = attr.DataLength()
				new_row.Inode += ":" + attr.Name

				if !yield(new_row) {
					return
				}
			}
		}
	}
}

// A problem Check found with one file record.
type CheckFinding struct {
	Reference FileReference
	Message   string
}

func (self *CheckFinding) String() string {
	return fmt.Sprintf("%v: %v", self.Reference, self.Message)
}

// Check decodes every in use segment and every index record of every
// directory, and cross checks link counts, index entries and the
// cluster bitmap.
func (self *Volume) Check(ctx context.Context) ([]*CheckFinding, error) {
	result := []*CheckFinding{}
	report := func(ref FileReference, format string, args ...interface{}) {
		result = append(result, &CheckFinding{
			Reference: ref,
			Message:   fmt.Sprintf(format, args...),
		})
	}

	for id := uint64(0); id < self.segment_count; id++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if !self.IsSegmentInUse(id) {
			continue
		}
		ref := FileReference{SegmentNumber: id}

		segment, err := self.ReadSegment(id)
		if err != nil {
			report(ref, "%v", err)
			continue
		}
		ref = segment.Reference()

		if !segment.IsInUse() {
			report(ref, "marked in use in the $MFT bitmap but not in the record")
			continue
		}

		// Extensions are checked with their base.
		if !segment.IsBase() {
			continue
		}

		record, err := self.loadFileRecord(segment)
		if err != nil {
			report(ref, "%v", err)
			continue
		}

		self.checkRecord(record, report)
	}

	return result, nil
}

func (self *Volume) checkRecord(record *FileRecord,
	report func(ref FileReference, format string, args ...interface{})) {
	ref := record.Reference()

	links, err := record.LinkCount()
	if err != nil {
		report(ref, "%v", err)
		return
	}
	if links != record.Base().HardLinkCount {
		report(ref, "link count is %d but %d names link it",
			record.Base().HardLinkCount, links)
	}

	for _, attr := range record.Attributes() {
		if !attr.NonResident {
			continue
		}
		for _, extent := range attr.Extents() {
			if extent.IsSparse {
				continue
			}
			for lcn := extent.LCN; lcn < extent.LCN+extent.Length; lcn++ {
				if !self.IsClusterInUse(lcn) {
					report(ref, "%v %q uses free cluster %d", attr.Type, attr.Name, lcn)
					break
				}
			}
		}
	}

	if !record.IsDirectory() {
		return
	}

	index, err := self.OpenIndex(record, I30)
	if err != nil {
		report(ref, "%v", err)
		return
	}

	for index_record, err := range index.Records() {
		if err != nil {
			report(ref, "%v", err)
			return
		}
		if !index_record.Fits() {
			report(ref, "index record %d overflows", index_record.VCN)
		}
	}

	for entry, err := range index.ListEntries() {
		if err != nil {
			report(ref, "%v", err)
			return
		}

		_, found, err := self.ReadFileRecord(entry.FileReference)
		if err != nil {
			report(ref, "entry %q: %v", entry.FileName.Name, err)
			continue
		}
		if !found {
			report(ref, "entry %q points at free record %v",
				entry.FileName.Name, entry.FileReference)
		}
	}
}
