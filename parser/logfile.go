package parser

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// The $LogFile starts with two copies of the restart page. Each holds
// the log file service restart area and its client records; the
// client restart LSN is where a recovery component would find the
// client's restart tables.

const (
	RESTART_PAGE_MAGIC      = "RSTR"
	RESTART_PAGE_USA_OFFSET = 0x1E
	RESTART_AREA_SIZE       = 0x30
	LOG_CLIENT_RECORD_SIZE  = 0xA0

	LOG_CLIENT_NAME_SIZE = 0x80
	LOG_NO_CLIENT        = 0xFFFF

	RESTART_AREA_CLEAN = 0x0002

	DEFAULT_LOG_RECORD_HEADER_LENGTH = 0x30
	DEFAULT_LOG_PAGE_DATA_OFFSET     = 0x40
)

type LogClientRecord struct {
	OldestLSN        uint64
	ClientRestartLSN uint64
	PreviousClient   uint16
	NextClient       uint16
	SequenceNumber   uint16
	Name             string
}

func (self *LogClientRecord) DebugString() string {
	return fmt.Sprintf("Client %q: OldestLSN %#x RestartLSN %#x Seq %d Prev %#x Next %#x",
		self.Name, self.OldestLSN, self.ClientRestartLSN, self.SequenceNumber,
		self.PreviousClient, self.NextClient)
}

type RestartArea struct {
	CurrentLSN            uint64
	LogClients            uint16
	ClientFreeList        uint16
	ClientInUseList       uint16
	Flags                 uint16
	SequenceNumberBits    uint32
	RestartAreaLength     uint16
	ClientArrayOffset     uint16
	FileSize              uint64
	LastLsnDataLength     uint32
	LogRecordHeaderLength uint16
	LogPageDataOffset     uint16
	RestartLogOpenCount   uint32
}

func (self *RestartArea) IsClean() bool {
	return self.Flags&RESTART_AREA_CLEAN != 0
}

type RestartPage struct {
	ChkdskLSN      uint64
	SystemPageSize uint32
	LogPageSize    uint32
	MinorVersion   int16
	MajorVersion   int16

	Area    *RestartArea
	Clients []*LogClientRecord
}

// NewRestartPage describes an empty, cleanly shut down log with the
// single NTFS client.
func NewRestartPage(file_size uint64, system_page_size, log_page_size uint32) *RestartPage {
	// Bits needed for a file offset in 8 byte units leave the rest of
	// the LSN for the sequence number.
	file_size_bits := uint32(0)
	for v := file_size >> 3; v > 0; v >>= 1 {
		file_size_bits++
	}

	return &RestartPage{
		SystemPageSize: system_page_size,
		LogPageSize:    log_page_size,
		MinorVersion:   1,
		MajorVersion:   1,
		Area: &RestartArea{
			LogClients:            1,
			ClientFreeList:        LOG_NO_CLIENT,
			ClientInUseList:       0,
			Flags:                 RESTART_AREA_CLEAN,
			SequenceNumberBits:    64 - file_size_bits,
			RestartAreaLength:     RESTART_AREA_SIZE + LOG_CLIENT_RECORD_SIZE,
			ClientArrayOffset:     RESTART_AREA_SIZE,
			FileSize:              file_size,
			LogRecordHeaderLength: DEFAULT_LOG_RECORD_HEADER_LENGTH,
			LogPageDataOffset:     DEFAULT_LOG_PAGE_DATA_OFFSET,
		},
		Clients: []*LogClientRecord{{
			PreviousClient: LOG_NO_CLIENT,
			NextClient:     LOG_NO_CLIENT,
			Name:           "NTFS",
		}},
	}
}

func restartAreaOffset(page_size, stride int) int {
	return alignUp(RESTART_PAGE_USA_OFFSET+2*updateSequenceCount(page_size, stride), 8)
}

func DecodeRestartPage(buffer []byte, stride int) (*RestartPage, *UpdateSequence, error) {
	err := checkBounds(buffer, 0, RESTART_PAGE_USA_OFFSET)
	if err != nil {
		return nil, nil, err
	}

	if string(buffer[:4]) != RESTART_PAGE_MAGIC {
		return nil, nil, fmt.Errorf("%w: restart page has magic %q",
			InvalidSignatureError, buffer[:4])
	}

	usa_offset := int(binary.LittleEndian.Uint16(buffer[4:]))
	usa_count := int(binary.LittleEndian.Uint16(buffer[6:]))
	page_size := int(binary.LittleEndian.Uint32(buffer[0x10:]))

	if stride <= 0 || page_size%stride != 0 ||
		usa_count != updateSequenceCount(page_size, stride) {
		return nil, nil, fmt.Errorf("%w: restart page of %#x bytes has %d fixups",
			CorruptRecordError, page_size, usa_count)
	}

	err = checkBounds(buffer, 0, page_size)
	if err != nil {
		return nil, nil, err
	}

	fixed, sequence, err := UnprotectRecord(buffer[:page_size],
		usa_offset, usa_count, stride)
	if err != nil {
		return nil, nil, err
	}

	result := &RestartPage{
		ChkdskLSN:      binary.LittleEndian.Uint64(fixed[0x08:]),
		SystemPageSize: uint32(page_size),
		LogPageSize:    binary.LittleEndian.Uint32(fixed[0x14:]),
		MinorVersion:   int16(binary.LittleEndian.Uint16(fixed[0x1A:])),
		MajorVersion:   int16(binary.LittleEndian.Uint16(fixed[0x1C:])),
	}

	area_offset := int(binary.LittleEndian.Uint16(fixed[0x18:]))
	err = checkBounds(fixed, area_offset, RESTART_AREA_SIZE)
	if err != nil {
		return nil, nil, err
	}

	area := fixed[area_offset:]
	result.Area = &RestartArea{
		CurrentLSN:            binary.LittleEndian.Uint64(area),
		LogClients:            binary.LittleEndian.Uint16(area[0x08:]),
		ClientFreeList:        binary.LittleEndian.Uint16(area[0x0A:]),
		ClientInUseList:       binary.LittleEndian.Uint16(area[0x0C:]),
		Flags:                 binary.LittleEndian.Uint16(area[0x0E:]),
		SequenceNumberBits:    binary.LittleEndian.Uint32(area[0x10:]),
		RestartAreaLength:     binary.LittleEndian.Uint16(area[0x14:]),
		ClientArrayOffset:     binary.LittleEndian.Uint16(area[0x16:]),
		FileSize:              binary.LittleEndian.Uint64(area[0x18:]),
		LastLsnDataLength:     binary.LittleEndian.Uint32(area[0x20:]),
		LogRecordHeaderLength: binary.LittleEndian.Uint16(area[0x24:]),
		LogPageDataOffset:     binary.LittleEndian.Uint16(area[0x26:]),
		RestartLogOpenCount:   binary.LittleEndian.Uint32(area[0x28:]),
	}

	clients_offset := area_offset + int(result.Area.ClientArrayOffset)
	for i := 0; i < int(result.Area.LogClients); i++ {
		offset := clients_offset + i*LOG_CLIENT_RECORD_SIZE
		err = checkBounds(fixed, offset, LOG_CLIENT_RECORD_SIZE)
		if err != nil {
			return nil, nil, err
		}

		client := fixed[offset:]
		name_length := int(binary.LittleEndian.Uint32(client[0x1C:]))
		if name_length > LOG_CLIENT_NAME_SIZE {
			return nil, nil, fmt.Errorf("%w: log client name of %#x bytes",
				CorruptRecordError, name_length)
		}

		result.Clients = append(result.Clients, &LogClientRecord{
			OldestLSN:        binary.LittleEndian.Uint64(client),
			ClientRestartLSN: binary.LittleEndian.Uint64(client[0x08:]),
			PreviousClient:   binary.LittleEndian.Uint16(client[0x10:]),
			NextClient:       binary.LittleEndian.Uint16(client[0x12:]),
			SequenceNumber:   binary.LittleEndian.Uint16(client[0x14:]),
			Name:             ParseUTF16String(client[0x20 : 0x20+name_length]),
		})
	}

	return result, sequence, nil
}

func (self *RestartPage) Encode(sequence_number uint16, stride int) ([]byte, error) {
	page_size := int(self.SystemPageSize)
	area_offset := restartAreaOffset(page_size, stride)
	clients_offset := area_offset + int(self.Area.ClientArrayOffset)

	if clients_offset+len(self.Clients)*LOG_CLIENT_RECORD_SIZE > page_size {
		return nil, fmt.Errorf("%w: %d log clients do not fit a %#x byte page",
			RecordFullError, len(self.Clients), page_size)
	}

	buffer := make([]byte, page_size)
	copy(buffer, RESTART_PAGE_MAGIC)
	binary.LittleEndian.PutUint16(buffer[4:], RESTART_PAGE_USA_OFFSET)
	binary.LittleEndian.PutUint16(buffer[6:], uint16(updateSequenceCount(page_size, stride)))
	binary.LittleEndian.PutUint64(buffer[0x08:], self.ChkdskLSN)
	binary.LittleEndian.PutUint32(buffer[0x10:], self.SystemPageSize)
	binary.LittleEndian.PutUint32(buffer[0x14:], self.LogPageSize)
	binary.LittleEndian.PutUint16(buffer[0x18:], uint16(area_offset))
	binary.LittleEndian.PutUint16(buffer[0x1A:], uint16(self.MinorVersion))
	binary.LittleEndian.PutUint16(buffer[0x1C:], uint16(self.MajorVersion))

	area := buffer[area_offset:]
	binary.LittleEndian.PutUint64(area, self.Area.CurrentLSN)
	binary.LittleEndian.PutUint16(area[0x08:], uint16(len(self.Clients)))
	binary.LittleEndian.PutUint16(area[0x0A:], self.Area.ClientFreeList)
	binary.LittleEndian.PutUint16(area[0x0C:], self.Area.ClientInUseList)
	binary.LittleEndian.PutUint16(area[0x0E:], self.Area.Flags)
	binary.LittleEndian.PutUint32(area[0x10:], self.Area.SequenceNumberBits)
	binary.LittleEndian.PutUint16(area[0x14:], self.Area.RestartAreaLength)
	binary.LittleEndian.PutUint16(area[0x16:], self.Area.ClientArrayOffset)
	binary.LittleEndian.PutUint64(area[0x18:], self.Area.FileSize)
	binary.LittleEndian.PutUint32(area[0x20:], self.Area.LastLsnDataLength)
	binary.LittleEndian.PutUint16(area[0x24:], self.Area.LogRecordHeaderLength)
	binary.LittleEndian.PutUint16(area[0x26:], self.Area.LogPageDataOffset)
	binary.LittleEndian.PutUint32(area[0x28:], self.Area.RestartLogOpenCount)

	for i, client := range self.Clients {
		out := buffer[clients_offset+i*LOG_CLIENT_RECORD_SIZE:]
		name := EncodeUTF16String(client.Name)
		if len(name) > LOG_CLIENT_NAME_SIZE {
			name = name[:LOG_CLIENT_NAME_SIZE]
		}

		binary.LittleEndian.PutUint64(out, client.OldestLSN)
		binary.LittleEndian.PutUint64(out[0x08:], client.ClientRestartLSN)
		binary.LittleEndian.PutUint16(out[0x10:], client.PreviousClient)
		binary.LittleEndian.PutUint16(out[0x12:], client.NextClient)
		binary.LittleEndian.PutUint16(out[0x14:], client.SequenceNumber)
		binary.LittleEndian.PutUint32(out[0x1C:], uint32(len(name)))
		copy(out[0x20:], name)
	}

	return ProtectRecord(buffer, RESTART_PAGE_USA_OFFSET, sequence_number, stride)
}

func (self *RestartPage) DebugString() string {
	result := []string{
		fmt.Sprintf("RestartPage v%d.%d: SystemPage %#x LogPage %#x ChkdskLSN %#x",
			self.MajorVersion, self.MinorVersion, self.SystemPageSize,
			self.LogPageSize, self.ChkdskLSN),
		fmt.Sprintf("  CurrentLSN %#x Clients %d InUse %#x Free %#x Flags %#x FileSize %#x SeqBits %d",
			self.Area.CurrentLSN, self.Area.LogClients, self.Area.ClientInUseList,
			self.Area.ClientFreeList, self.Area.Flags, self.Area.FileSize,
			self.Area.SequenceNumberBits),
	}
	for _, client := range self.Clients {
		result = append(result, "  "+client.DebugString())
	}
	return strings.Join(result, "\n")
}
