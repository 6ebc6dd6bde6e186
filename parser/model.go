package parser

import (
	"time"
)

// This file defines a model for a file record.

type TimeStamps struct {
	CreateTime       time.Time
	FileModifiedTime time.Time
	MFTModifiedTime  time.Time
	AccessedTime     time.Time
}

type FilenameInfo struct {
	Times  TimeStamps
	Type   string
	Name   string
	Parent string
}

type Attribute struct {
	Type        string
	TypeId      uint64
	Id          uint64
	Inode       string
	Size        int64
	Name        string
	NonResident bool
}

// Describe a single file record.
type NTFSFileInformation struct {
	FullPath       string
	MFTID          int64
	SequenceNumber uint16
	Size           int64
	Allocated      bool
	IsDir          bool
	LinkCount      uint16
	Segments       []int64
	SI_Times       *TimeStamps

	// If multiple filenames are given, we list them here.
	Filenames []*FilenameInfo

	Attributes []*Attribute
}

func timeStamps(created, modified, mft_modified, accessed FileTime) TimeStamps {
	return TimeStamps{
		CreateTime:       created.Time(),
		FileModifiedTime: modified.Time(),
		MFTModifiedTime:  mft_modified.Time(),
		AccessedTime:     accessed.Time(),
	}
}

func ModelFileRecord(volume *Volume, record *FileRecord) (*NTFSFileInformation, error) {
	full_path, _ := volume.GetFullPath(record.Reference())
	base := record.Base()
	mft_id := base.SegmentNumber

	result := &NTFSFileInformation{
		FullPath:       full_path,
		MFTID:          int64(mft_id),
		SequenceNumber: base.SequenceNumber,
		Allocated:      base.IsInUse(),
		IsDir:          base.IsDirectory(),
		LinkCount:      base.HardLinkCount,
	}

	for _, segment := range record.Segments {
		result.Segments = append(result.Segments, int64(segment.SegmentNumber))
	}

	si, err := record.StandardInformation()
	if err == nil {
		times := timeStamps(si.CreationTime, si.ModificationTime,
			si.MftModificationTime, si.AccessTime)
		result.SI_Times = &times
	}

	file_names, err := record.FileNames()
	if err != nil {
		return nil, err
	}

	for _, filename := range file_names {
		result.Filenames = append(result.Filenames, &FilenameInfo{
			Times: timeStamps(filename.CreationTime, filename.ModificationTime,
				filename.MftModificationTime, filename.AccessTime),
			Type:   filename.Namespace.String(),
			Name:   filename.Name,
			Parent: filename.ParentReference.String(),
		})
	}

	inodes := &InodeFormatter{}
	for _, attr := range record.Attributes() {
		if attr.Type == ATTR_TYPE_DATA && attr.Name == "" && attr.LowestVCN == 0 {
			result.Size = attr.DataLength()
		}

		result.Attributes = append(result.Attributes, &Attribute{
			Type:        attr.Type.String(),
			TypeId:      uint64(attr.Type),
			Inode:       inodes.Inode(mft_id, attr.Type, attr.Instance, attr.Name),
			Size:        attr.DataLength(),
			Id:          uint64(attr.Instance),
			Name:        attr.Name,
			NonResident: attr.NonResident,
		})
	}

	return result, nil
}
