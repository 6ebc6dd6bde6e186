package parser

import (
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// An IndexStore keeping encoded index records in memory. The root is
// refused once it grows past root_limit bytes, as a file record would.
type memoryIndexStore struct {
	record_size int
	root_limit  int

	records map[uint64][]byte
	next    uint64
	root    []byte
	freed   []uint64
}

func newMemoryIndexStore(record_size, root_limit int) *memoryIndexStore {
	return &memoryIndexStore{
		record_size: record_size,
		root_limit:  root_limit,
		records:     make(map[uint64][]byte),
	}
}

func (self *memoryIndexStore) ReadIndexRecord(vcn uint64) (*IndexRecord, error) {
	data, pres := self.records[vcn]
	if !pres {
		return nil, fmt.Errorf("%w: index record %d", NotFoundError, vcn)
	}
	record, _, err := DecodeIndexRecord(data, 0, DEFAULT_FIXUP_STRIDE)
	return record, err
}

func (self *memoryIndexStore) WriteIndexRecord(record *IndexRecord) error {
	data, err := record.Encode(1)
	if err != nil {
		return err
	}
	self.records[record.VCN] = data
	return nil
}

func (self *memoryIndexStore) AllocateIndexRecord() (*IndexRecord, error) {
	vcn := self.next
	self.next++
	return NewIndexRecord(vcn, self.record_size, DEFAULT_FIXUP_STRIDE), nil
}

func (self *memoryIndexStore) FreeIndexRecord(vcn uint64) error {
	delete(self.records, vcn)
	self.freed = append(self.freed, vcn)
	return nil
}

func (self *memoryIndexStore) WriteIndexRoot(root *IndexRoot) error {
	data := root.Encode()
	if len(data) > self.root_limit {
		return fmt.Errorf("%w: root of %#x bytes", RecordFullError, len(data))
	}
	self.root = data
	return nil
}

func newMemoryIndex(record_size, root_limit int) (*DirectoryIndex, *memoryIndexStore) {
	store := newMemoryIndexStore(record_size, root_limit)
	root := NewIndexRoot(uint32(ATTR_TYPE_FILE_NAME), COLLATION_FILE_NAME,
		uint32(record_size), 1)
	return NewDirectoryIndex(root, store), store
}

func init() {
	time.Local = time.UTC
	spew.Config.DisablePointerAddresses = true
	spew.Config.SortKeys = true
}
