package parser

import (
	"errors"
	"fmt"
)

var (
	// Structural corruption. The volume should be considered dirty.
	CorruptRecordError       = errors.New("CorruptRecord")
	CorruptRestartTableError = errors.New("CorruptRestartTable")
	InvalidSignatureError    = errors.New("InvalidSignature")
	TruncatedRecordError     = errors.New("TruncatedRecord")

	NotFoundError = errors.New("NotFound")

	// Resource exhaustion.
	RecordFullError           = errors.New("RecordFull")
	NoAvailableShortNameError = errors.New("NoAvailableShortName")
	DiskFullError             = errors.New("DiskFull")

	// Block device errors.
	ReadOnlyViolationError  = errors.New("ReadOnlyViolation")
	OutOfRangeError         = errors.New("OutOfRange")
	PartialSectorWriteError = errors.New("PartialSectorWrite")

	DuplicateKeyError      = errors.New("DuplicateKey")
	DirectoryNotEmptyError = errors.New("DirectoryNotEmpty")
	InvalidNameError       = errors.New("InvalidName")
	NotSupportedError      = errors.New("NotSupported")
)

// checkBounds makes sure buffer[offset:offset+length] is addressable.
func checkBounds(buffer []byte, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(buffer) {
		return fmt.Errorf("%w: need %#x bytes at %#x but buffer is %#x bytes",
			TruncatedRecordError, length, offset, len(buffer))
	}
	return nil
}
