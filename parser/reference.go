package parser

import "fmt"

const (
	// Well known file record segments.
	MFT_RECORD_MFT      = 0
	MFT_RECORD_MFTMIRR  = 1
	MFT_RECORD_LOGFILE  = 2
	MFT_RECORD_VOLUME   = 3
	MFT_RECORD_ATTRDEF  = 4
	MFT_RECORD_ROOT     = 5
	MFT_RECORD_BITMAP   = 6
	MFT_RECORD_BOOT     = 7
	MFT_RECORD_BADCLUS  = 8
	MFT_RECORD_SECURE   = 9
	MFT_RECORD_UPCASE   = 10
	MFT_RECORD_EXTEND   = 11
	MFT_FIRST_USER_FILE = 16

	segment_number_mask = (uint64(1) << 48) - 1
)

// A FileReference names one incarnation of a file record segment: the
// sequence number is bumped every time the segment is reused so stale
// references stop matching.
type FileReference struct {
	SegmentNumber  uint64
	SequenceNumber uint16
}

func NewFileReference(raw uint64) FileReference {
	return FileReference{
		SegmentNumber:  raw & segment_number_mask,
		SequenceNumber: uint16(raw >> 48),
	}
}

func (self FileReference) Raw() uint64 {
	return self.SegmentNumber&segment_number_mask |
		uint64(self.SequenceNumber)<<48
}

func (self FileReference) IsZero() bool {
	return self.SegmentNumber == 0 && self.SequenceNumber == 0
}

func (self FileReference) String() string {
	return fmt.Sprintf("%d-%d", self.SegmentNumber, self.SequenceNumber)
}

func RootReference() FileReference {
	return FileReference{SegmentNumber: MFT_RECORD_ROOT, SequenceNumber: MFT_RECORD_ROOT}
}
