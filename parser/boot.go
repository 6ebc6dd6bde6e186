package parser

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	BOOT_SECTOR_SIZE  = 512
	BOOT_SECTOR_MAGIC = 0xAA55
	NTFS_OEM_ID       = "NTFS    "
)

// The fields of the NTFS boot sector the engine uses.
type BootSector struct {
	OEMID             string
	BytesPerSector    uint16
	SectorsPerCluster uint8
	MediaDescriptor   uint8
	SectorsPerTrack   uint16
	NumberOfHeads     uint16
	TotalSectors      uint64
	MFTCluster        uint64
	MFTMirrorCluster  uint64

	// Stored as a cluster count when positive, 2^-n bytes otherwise.
	ClustersPerFileRecord  int8
	ClustersPerIndexRecord int8

	SerialNumber uint64
	Magic        uint16
}

func DecodeBootSector(buffer []byte) (*BootSector, error) {
	err := checkBounds(buffer, 0, BOOT_SECTOR_SIZE)
	if err != nil {
		return nil, err
	}

	return &BootSector{
		OEMID:                  string(buffer[3:11]),
		BytesPerSector:         binary.LittleEndian.Uint16(buffer[0x0B:]),
		SectorsPerCluster:      buffer[0x0D],
		MediaDescriptor:        buffer[0x15],
		SectorsPerTrack:        binary.LittleEndian.Uint16(buffer[0x18:]),
		NumberOfHeads:          binary.LittleEndian.Uint16(buffer[0x1A:]),
		TotalSectors:           binary.LittleEndian.Uint64(buffer[0x28:]),
		MFTCluster:             binary.LittleEndian.Uint64(buffer[0x30:]),
		MFTMirrorCluster:       binary.LittleEndian.Uint64(buffer[0x38:]),
		ClustersPerFileRecord:  int8(buffer[0x40]),
		ClustersPerIndexRecord: int8(buffer[0x44]),
		SerialNumber:           binary.LittleEndian.Uint64(buffer[0x48:]),
		Magic:                  binary.LittleEndian.Uint16(buffer[0x1FE:]),
	}, nil
}

func (self *BootSector) Encode() []byte {
	result := make([]byte, BOOT_SECTOR_SIZE)

	// jmp 0x54; nop
	copy(result, []byte{0xEB, 0x52, 0x90})
	copy(result[3:11], NTFS_OEM_ID)
	binary.LittleEndian.PutUint16(result[0x0B:], self.BytesPerSector)
	result[0x0D] = self.SectorsPerCluster
	result[0x15] = self.MediaDescriptor
	binary.LittleEndian.PutUint16(result[0x18:], self.SectorsPerTrack)
	binary.LittleEndian.PutUint16(result[0x1A:], self.NumberOfHeads)

	// Extended BPB signature.
	result[0x24] = 0x80
	result[0x26] = 0x80
	binary.LittleEndian.PutUint64(result[0x28:], self.TotalSectors)
	binary.LittleEndian.PutUint64(result[0x30:], self.MFTCluster)
	binary.LittleEndian.PutUint64(result[0x38:], self.MFTMirrorCluster)
	result[0x40] = byte(self.ClustersPerFileRecord)
	result[0x44] = byte(self.ClustersPerIndexRecord)
	binary.LittleEndian.PutUint64(result[0x48:], self.SerialNumber)
	binary.LittleEndian.PutUint16(result[0x1FE:], BOOT_SECTOR_MAGIC)
	return result
}

func (self *BootSector) ClusterSize() int64 {
	return int64(self.SectorsPerCluster) * int64(self.BytesPerSector)
}

// BlockCount is the number of clusters on the volume.
func (self *BootSector) BlockCount() int64 {
	cluster_size := self.ClusterSize()
	if cluster_size == 0 {
		return 0
	}
	return int64(self.TotalSectors) * int64(self.BytesPerSector) / cluster_size
}

func decodeRecordSize(value int8, cluster_size int64) int64 {
	if value > 0 {
		return int64(value) * cluster_size
	}
	return 1 << uint32(-value)
}

// encodeRecordSize is the inverse of decodeRecordSize.
func encodeRecordSize(size, cluster_size int64) int8 {
	if size >= cluster_size {
		return int8(size / cluster_size)
	}

	shift := 0
	for int64(1)<<shift < size {
		shift++
	}
	return int8(-shift)
}

func (self *BootSector) RecordSize() int64 {
	return decodeRecordSize(self.ClustersPerFileRecord, self.ClusterSize())
}

func (self *BootSector) IndexRecordSize() int64 {
	return decodeRecordSize(self.ClustersPerIndexRecord, self.ClusterSize())
}

func (self *BootSector) IsValid() error {
	if self.Magic != BOOT_SECTOR_MAGIC {
		return errors.New("Invalid magic")
	}

	if self.OEMID != NTFS_OEM_ID {
		return fmt.Errorf("%w: OEM id %q", InvalidSignatureError, self.OEMID)
	}

	switch self.ClusterSize() {
	case 0x200, 0x400, 0x800, 0x1000,
		0x2000, 0x4000, 0x8000, 0x10000:
		break
	default:
		return fmt.Errorf("Invalid cluster size %x", self.ClusterSize())
	}

	sector_size := self.BytesPerSector
	if sector_size == 0 || (sector_size%512 != 0) {
		return errors.New("Invalid sector_size")
	}

	if self.BlockCount() == 0 {
		return errors.New("Volume size is 0")
	}

	record_size := self.RecordSize()
	if !isPowerOfTwo(record_size) || record_size < 256 {
		return fmt.Errorf("Invalid file record size %x", record_size)
	}

	index_size := self.IndexRecordSize()
	if !isPowerOfTwo(index_size) || index_size < 256 {
		return fmt.Errorf("Invalid index record size %x", index_size)
	}

	if int64(self.MFTCluster) >= self.BlockCount() {
		return fmt.Errorf("%w: $MFT at cluster %d", OutOfRangeError, self.MFTCluster)
	}

	return nil
}

func (self *BootSector) DebugString() string {
	return fmt.Sprintf("BootSector: %q Sector %d Cluster %d Clusters %d\n"+
		"  MFT %d Mirror %d RecordSize %#x IndexRecordSize %#x Serial %#x",
		self.OEMID, self.BytesPerSector, self.ClusterSize(), self.BlockCount(),
		self.MFTCluster, self.MFTMirrorCluster, self.RecordSize(),
		self.IndexRecordSize(), self.SerialNumber)
}
