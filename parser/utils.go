package parser

import "time"

const (
	// 100ns intervals between 1601-01-01 and 1970-01-01
	filetime_epoch_delta = 116444736000000000
)

// A FileTime is a timestamp in windows filetime format. It is kept
// raw so records round trip exactly.
type FileTime uint64

func (self FileTime) Time() time.Time {
	if self == 0 {
		return time.Time{}
	}
	return time.Unix(0, (int64(self)-filetime_epoch_delta)*100).UTC()
}

func (self FileTime) String() string {
	return self.Time().Format(time.RFC3339Nano)
}

func NewFileTime(t time.Time) FileTime {
	if t.IsZero() {
		return 0
	}
	return FileTime(t.UnixNano()/100 + filetime_epoch_delta)
}

func alignUp(value, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}

func CapUint64(v uint64, max uint64) uint64 {
	if v > max {
		return max
	}
	return v
}

func CapInt64(v int64, max int64) int64 {
	if v > max {
		return max
	}
	return v
}

// Round up a byte count to whole clusters.
func clustersFor(size, cluster_size int64) int64 {
	return (size + cluster_size - 1) / cluster_size
}

func isPowerOfTwo(v int64) bool {
	return v > 0 && v&(v-1) == 0
}
