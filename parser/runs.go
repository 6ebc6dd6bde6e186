package parser

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// A Run is one entry of a mapping pairs array. RelativeRunOffset is
// the LCN delta from the previous non sparse run (the first delta is
// absolute). Sparse runs have no physical location.
type Run struct {
	Length            int64
	RelativeRunOffset int64
	IsSparse          bool
}

func (self Run) String() string {
	if self.IsSparse {
		return fmt.Sprintf("{%d sparse}", self.Length)
	}
	return fmt.Sprintf("{%d %+d}", self.Length, self.RelativeRunOffset)
}

// Reads a little endian signed integer of size bytes.
func readSigned(buffer []byte, size int) int64 {
	var raw [8]byte
	copy(raw[:], buffer[:size])

	// Sign extend if the top byte has the high bit set.
	if buffer[size-1]&0x80 != 0 {
		for i := size; i < 8; i++ {
			raw[i] = 0xFF
		}
	}
	return int64(binary.LittleEndian.Uint64(raw[:]))
}

// Minimum number of bytes holding value as a signed integer.
func signedSize(value int64) int {
	for size := 1; size < 8; size++ {
		limit := int64(1) << (8*size - 1)
		if value >= -limit && value < limit {
			return size
		}
	}
	return 8
}

// DecodeRuns decodes a mapping pairs array. Decoding stops at the zero
// header byte or at the end of buffer.
func DecodeRuns(buffer []byte) ([]Run, error) {
	result := []Run{}

	for offset := 0; offset < len(buffer); {
		header := buffer[offset]
		if header == 0 {
			break
		}

		length_size := int(header & 0xF)
		run_offset_size := int(header >> 4)
		offset++

		if length_size == 0 || length_size > 8 || run_offset_size > 8 {
			return nil, fmt.Errorf("%w: invalid run header %#02x at %#x",
				CorruptRecordError, header, offset-1)
		}

		err := checkBounds(buffer, offset, length_size+run_offset_size)
		if err != nil {
			return nil, err
		}

		run := Run{
			Length:   readSigned(buffer[offset:], length_size),
			IsSparse: run_offset_size == 0,
		}
		offset += length_size

		if run.Length <= 0 {
			return nil, fmt.Errorf("%w: run of length %d at %#x",
				CorruptRecordError, run.Length, offset)
		}

		if !run.IsSparse {
			run.RelativeRunOffset = readSigned(buffer[offset:], run_offset_size)
			offset += run_offset_size
		}

		result = append(result, run)
	}

	return result, nil
}

// EncodeRuns is the inverse of DecodeRuns, using the fewest bytes for
// every field. The result includes the terminating zero byte.
func EncodeRuns(runs []Run) []byte {
	result := make([]byte, 0, 8*len(runs)+1)
	var scratch [8]byte

	for _, run := range runs {
		length_size := signedSize(run.Length)
		run_offset_size := 0
		if !run.IsSparse {
			run_offset_size = signedSize(run.RelativeRunOffset)
		}

		result = append(result, byte(run_offset_size<<4|length_size))

		binary.LittleEndian.PutUint64(scratch[:], uint64(run.Length))
		result = append(result, scratch[:length_size]...)

		if !run.IsSparse {
			binary.LittleEndian.PutUint64(scratch[:], uint64(run.RelativeRunOffset))
			result = append(result, scratch[:run_offset_size]...)
		}
	}

	return append(result, 0)
}

// An Extent is a run resolved to absolute cluster numbers.
type Extent struct {
	VCN      int64
	LCN      int64
	Length   int64
	IsSparse bool
}

func (self Extent) String() string {
	if self.IsSparse {
		return fmt.Sprintf("VCN %d-%d sparse", self.VCN, self.VCN+self.Length-1)
	}
	return fmt.Sprintf("VCN %d-%d -> LCN %d", self.VCN, self.VCN+self.Length-1, self.LCN)
}

// RunsToExtents converts the relative run list into absolute extents
// starting at first_vcn.
func RunsToExtents(runs []Run, first_vcn int64) []Extent {
	result := make([]Extent, 0, len(runs))
	vcn := first_vcn
	lcn := int64(0)

	for _, run := range runs {
		extent := Extent{
			VCN:      vcn,
			Length:   run.Length,
			IsSparse: run.IsSparse,
		}
		if !run.IsSparse {
			lcn += run.RelativeRunOffset
			extent.LCN = lcn
		}

		result = append(result, extent)
		vcn += run.Length
	}
	return result
}

// ExtentsToRuns is the inverse of RunsToExtents. Adjacent extents that
// continue each other are merged.
func ExtentsToRuns(extents []Extent) []Run {
	result := []Run{}

	// Start of the previous non sparse run.
	lcn := int64(0)

	for _, extent := range extents {
		if extent.Length <= 0 {
			continue
		}

		if len(result) > 0 {
			last := &result[len(result)-1]
			if extent.IsSparse && last.IsSparse {
				last.Length += extent.Length
				continue
			}
			if !extent.IsSparse && !last.IsSparse &&
				lcn+last.Length == extent.LCN {
				last.Length += extent.Length
				continue
			}
		}

		if extent.IsSparse {
			result = append(result, Run{Length: extent.Length, IsSparse: true})
			continue
		}

		result = append(result, Run{
			Length:            extent.Length,
			RelativeRunOffset: extent.LCN - lcn,
		})
		lcn = extent.LCN
	}
	return result
}

// Total number of clusters the runs cover.
func RunsClusterCount(runs []Run) int64 {
	result := int64(0)
	for _, run := range runs {
		result += run.Length
	}
	return result
}

type RunInfo struct {
	FromOffset  int64
	ToOffset    int64
	Length      int64
	IsSparse    bool
	ClusterSize int64
}

func (self RunInfo) String() string {
	properties := ""
	if self.IsSparse {
		properties += "Sparse "
	}

	return fmt.Sprintf("FileOffset %v -> DiskOffset %v (Length %v, %vCluster %v)",
		self.FromOffset, self.ToOffset, self.Length,
		properties, self.ClusterSize)
}

// DebugRuns describes extents in byte offsets.
func DebugRuns(extents []Extent, cluster_size int64) []*RunInfo {
	result := make([]*RunInfo, 0, len(extents))
	for _, extent := range extents {
		info := &RunInfo{
			FromOffset:  extent.VCN * cluster_size,
			Length:      extent.Length * cluster_size,
			IsSparse:    extent.IsSparse,
			ClusterSize: cluster_size,
		}
		if !extent.IsSparse {
			info.ToOffset = extent.LCN * cluster_size
		}
		result = append(result, info)
	}
	return result
}

func DebugRawRuns(runs []Run) string {
	result := []string{"Runs ...."}
	for idx, r := range runs {
		result = append(result, fmt.Sprintf("%d %v", idx, r))
	}
	return strings.Join(result, "\n")
}
