package parser

import (
	"encoding/json"
	"sync"

	"github.com/Velocidex/ordereddict"
)

var (
	STATS = Stats{}
)

// Codec level counters. These are process wide because the codecs
// are free functions; per volume counters live in VolumeStats.
type Stats struct {
	mu sync.Mutex

	FileRecordSegmentDecoded int
	FileRecordSegmentEncoded int
	IndexRecordDecoded       int
	IndexRecordEncoded       int
	FixupApplied             int
	FixupError               int
	RestartTableDecoded      int
}

func (self *Stats) DebugString() string {
	self.mu.Lock()
	defer self.mu.Unlock()

	serialized, _ := json.MarshalIndent(self, " ", " ")
	return string(serialized)
}

func (self *Stats) Dict() *ordereddict.Dict {
	self.mu.Lock()
	defer self.mu.Unlock()

	return ordereddict.NewDict().
		Set("FileRecordSegmentDecoded", self.FileRecordSegmentDecoded).
		Set("FileRecordSegmentEncoded", self.FileRecordSegmentEncoded).
		Set("IndexRecordDecoded", self.IndexRecordDecoded).
		Set("IndexRecordEncoded", self.IndexRecordEncoded).
		Set("FixupApplied", self.FixupApplied).
		Set("FixupError", self.FixupError).
		Set("RestartTableDecoded", self.RestartTableDecoded)
}

func (self *Stats) Inc_FileRecordSegmentDecoded() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.FileRecordSegmentDecoded++
}

func (self *Stats) Inc_FileRecordSegmentEncoded() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.FileRecordSegmentEncoded++
}

func (self *Stats) Inc_IndexRecordDecoded() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.IndexRecordDecoded++
}

func (self *Stats) Inc_IndexRecordEncoded() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.IndexRecordEncoded++
}

func (self *Stats) Inc_FixupApplied() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.FixupApplied++
}

func (self *Stats) Inc_FixupError() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.FixupError++
}

func (self *Stats) Inc_RestartTableDecoded() {
	self.mu.Lock()
	defer self.mu.Unlock()

	self.RestartTableDecoded++
}

// Per volume allocation counters.
type VolumeStats struct {
	ClustersAllocated  int64
	ClustersFreed      int64
	SegmentsAllocated  int64
	SegmentsFreed      int64
	IndexSplits        int64
	IndexRootPushDowns int64
}

func (self *VolumeStats) Dict() *ordereddict.Dict {
	return ordereddict.NewDict().
		Set("ClustersAllocated", self.ClustersAllocated).
		Set("ClustersFreed", self.ClustersFreed).
		Set("SegmentsAllocated", self.SegmentsAllocated).
		Set("SegmentsFreed", self.SegmentsFreed).
		Set("IndexSplits", self.IndexSplits).
		Set("IndexRootPushDowns", self.IndexRootPushDowns)
}
