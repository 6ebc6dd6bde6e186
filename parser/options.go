package parser

import "time"

const (
	DefaultMaxDirectoryDepth = 64
)

type Options struct {
	// Number of sectors to keep in the sector cache. 0 disables the
	// cache.
	CacheSize int

	// Refuse all writes to the volume.
	ReadOnly bool

	// Maximum directory depth to analyze for paths.
	MaxDirectoryDepth int

	// Clock used to stamp $STANDARD_INFORMATION and $FILE_NAME
	// times. Defaults to time.Now.
	Now func() time.Time
}

func GetDefaultOptions() Options {
	return Options{
		CacheSize:         1024,
		MaxDirectoryDepth: DefaultMaxDirectoryDepth,
		Now:               time.Now,
	}
}

// Layout parameters for a new volume.
type FormatOptions struct {
	SectorsPerCluster uint8
	FileRecordSize    uint32
	IndexRecordSize   uint32

	// Number of file record segments preallocated in the $MFT. The
	// $MFT does not grow, so this bounds the number of files.
	MFTRecordCount uint32

	LogFileSize  uint32
	LogPageSize  uint32
	VolumeLabel  string
	SerialNumber uint64
}

func GetDefaultFormatOptions() FormatOptions {
	return FormatOptions{
		SectorsPerCluster: 8,
		FileRecordSize:    1024,
		IndexRecordSize:   4096,
		MFTRecordCount:    256,
		LogFileSize:       64 * 1024,
		LogPageSize:       4096,
		VolumeLabel:       "NTFS",
		SerialNumber:      0x1234567890ABCDEF,
	}
}
