package parser

import (
	"errors"
	"fmt"
	"iter"
	"slices"
)

const (
	// Deeper trees only arise from corrupt child pointers that loop.
	MAX_INDEX_DEPTH = 32
)

// An IndexStore supplies the storage behind one B+tree: the
// $INDEX_ALLOCATION records and the resident $INDEX_ROOT.
type IndexStore interface {
	ReadIndexRecord(vcn uint64) (*IndexRecord, error)
	WriteIndexRecord(record *IndexRecord) error

	// Returns an empty leaf record at a newly reserved VCN.
	AllocateIndexRecord() (*IndexRecord, error)
	FreeIndexRecord(vcn uint64) error

	// Fails with RecordFullError when the root no longer fits its
	// file record.
	WriteIndexRoot(root *IndexRoot) error
}

// A DirectoryIndex is the B+tree formed by an index root and the
// index records it points to.
type DirectoryIndex struct {
	root  *IndexRoot
	store IndexStore
	stats *VolumeStats
}

func NewDirectoryIndex(root *IndexRoot, store IndexStore) *DirectoryIndex {
	return &DirectoryIndex{
		root:  root,
		store: store,
		stats: &VolumeStats{},
	}
}

// WithStats makes the index count splits into stats.
func (self *DirectoryIndex) WithStats(stats *VolumeStats) *DirectoryIndex {
	self.stats = stats
	return self
}

func (self *DirectoryIndex) Root() *IndexRoot {
	return self.root
}

func (self *DirectoryIndex) Rule() CollationRule {
	return self.root.CollationRule
}

// One step of a descent: the node visited and the slot taken in it.
type indexCursor struct {
	node   *IndexNode
	record *IndexRecord // nil for the root
	slot   int
}

// Walks from the root towards key. The last cursor is either the node
// holding key (found is true) or the leaf where key would be inserted.
func (self *DirectoryIndex) descend(key []byte) ([]*indexCursor, bool, error) {
	rule := self.root.CollationRule
	path := []*indexCursor{}
	node := self.root.Node
	var record *IndexRecord

	for {
		if len(path) > MAX_INDEX_DEPTH {
			return nil, false, fmt.Errorf("%w: index deeper than %d levels",
				CorruptRecordError, MAX_INDEX_DEPTH)
		}

		entries := node.Entries
		if !node.HasChildren {
			slot, found := LocateExact(entries, key, rule)
			if !found {
				slot = LocateInsertionPoint(entries, key, rule)
			}
			path = append(path, &indexCursor{node: node, record: record, slot: slot})
			return path, found, nil
		}

		slot := LocateChildIndex(entries, key, rule)
		path = append(path, &indexCursor{node: node, record: record, slot: slot})

		// Keys in parent nodes are real entries too.
		if slot < keyedCount(entries) &&
			Compare(entries[slot].Key, key, rule) == 0 {
			return path, true, nil
		}

		child, err := self.store.ReadIndexRecord(entries[slot].ChildVCN)
		if err != nil {
			return nil, false, err
		}
		record = child
		node = child.Node
	}
}

// Find returns the entry stored under key.
func (self *DirectoryIndex) Find(key []byte) (*IndexEntry, bool, error) {
	path, found, err := self.descend(key)
	if err != nil || !found {
		return nil, false, err
	}

	cursor := path[len(path)-1]
	return cursor.node.Entries[cursor.slot], true, nil
}

// InsertEntry adds a leaf entry. Keys equal under the collation rule
// are rejected with DuplicateKeyError.
func (self *DirectoryIndex) InsertEntry(entry *IndexEntry) error {
	path, found, err := self.descend(entry.Key)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: key already present", DuplicateKeyError)
	}

	leaf := path[len(path)-1]
	new_entry := entry.Copy()
	new_entry.ClearChild()
	new_entry.Flags &^= INDEX_ENTRY_END
	leaf.node.Entries = slices.Insert(leaf.node.Entries, leaf.slot, new_entry)

	return self.commit(path, len(path)-1)
}

// Writes back the node at depth, splitting it into its parent if it
// overflowed.
func (self *DirectoryIndex) commit(path []*indexCursor, depth int) error {
	cursor := path[depth]
	if cursor.record == nil {
		return self.writeRoot()
	}

	if cursor.record.Fits() {
		return self.store.WriteIndexRecord(cursor.record)
	}

	return self.split(path, depth)
}

// Index of the entry to promote when splitting entries: the first
// entry past half of the encoded length, keeping both halves non
// empty.
func splitPoint(keyed []*IndexEntry) int {
	half := entriesLength(keyed) / 2
	total := 0
	for idx, entry := range keyed {
		total += entry.Size()
		if total > half {
			return max(1, min(idx, len(keyed)-2))
		}
	}
	return len(keyed) / 2
}

// Splits an overflowing record. The lower half moves to a newly
// allocated record and the median is promoted into the parent, pointing
// at it. The upper half stays at the original VCN so the parent's
// existing pointer remains valid.
func (self *DirectoryIndex) split(path []*indexCursor, depth int) error {
	cursor := path[depth]
	record := cursor.record
	entries := record.Node.Entries
	keyed := entries[:keyedCount(entries)]
	terminal := entries[len(entries)-1]

	if len(keyed) < 3 {
		return fmt.Errorf("%w: index record %d can not hold %d entries",
			RecordFullError, record.VCN, len(keyed))
	}

	median_idx := splitPoint(keyed)
	median := keyed[median_idx]

	left_terminal := NewTerminalEntry()
	if record.Node.HasChildren {
		left_terminal.SetChild(median.ChildVCN)
	}
	left_entries := append(slices.Clone(keyed[:median_idx]), left_terminal)
	right_entries := append(slices.Clone(keyed[median_idx+1:]), terminal)

	// All index records of a tree have the same capacity.
	if entriesLength(left_entries) > record.Capacity() ||
		entriesLength(right_entries) > record.Capacity() {
		return fmt.Errorf("%w: index record %d entries too large to split",
			RecordFullError, record.VCN)
	}

	left, err := self.store.AllocateIndexRecord()
	if err != nil {
		return err
	}
	left.Node.HasChildren = record.Node.HasChildren
	left.Node.Entries = left_entries
	record.Node.Entries = right_entries

	err = self.store.WriteIndexRecord(left)
	if err != nil {
		return err
	}

	err = self.store.WriteIndexRecord(record)
	if err != nil {
		return err
	}

	promoted := median.Copy()
	promoted.SetChild(left.VCN)

	parent := path[depth-1]
	parent.node.Entries = slices.Insert(parent.node.Entries, parent.slot, promoted)

	self.stats.IndexSplits++
	DebugPrint("Split index record %d: %d entries moved to %d\n",
		record.VCN, len(left.Node.Entries)-1, left.VCN)

	return self.commit(path, depth-1)
}

// Writes the root. When it no longer fits its file record all of its
// entries move to a new index record and the root keeps only a
// pointer to it.
func (self *DirectoryIndex) writeRoot() error {
	err := self.store.WriteIndexRoot(self.root)
	if !errors.Is(err, RecordFullError) {
		return err
	}

	root := self.root.Node
	if keyedCount(root.Entries) == 0 {
		return err
	}

	child, err := self.store.AllocateIndexRecord()
	if err != nil {
		return err
	}
	child.Node.HasChildren = root.HasChildren
	child.Node.Entries = root.Entries

	terminal := NewTerminalEntry()
	terminal.SetChild(child.VCN)
	root.Entries = []*IndexEntry{terminal}
	root.HasChildren = true

	self.stats.IndexRootPushDowns++
	DebugPrint("Index root moved to index record %d\n", child.VCN)

	path := []*indexCursor{
		{node: root, slot: 0},
		{node: child.Node, record: child},
	}
	err = self.commit(path, 1)
	if err != nil {
		return err
	}

	return self.store.WriteIndexRoot(self.root)
}

// DeleteKey removes the entry stored under key. Underfull nodes are
// left as they are.
func (self *DirectoryIndex) DeleteKey(key []byte) (bool, error) {
	path, found, err := self.descend(key)
	if err != nil || !found {
		return false, err
	}

	cursor := path[len(path)-1]
	node := cursor.node
	entry := node.Entries[cursor.slot]

	if !entry.HasChild() {
		node.Entries = slices.Delete(node.Entries, cursor.slot, cursor.slot+1)
		return true, self.commit(path, len(path)-1)
	}

	// A parent entry is replaced by its in order predecessor, the
	// largest key of its child subtree.
	replacement, err := self.removeLast(entry.ChildVCN, len(path))
	if err != nil {
		return false, err
	}

	if replacement == nil {
		// The whole subtree was empty and has been freed.
		node.Entries = slices.Delete(node.Entries, cursor.slot, cursor.slot+1)
	} else {
		replacement.SetChild(entry.ChildVCN)
		node.Entries[cursor.slot] = replacement
	}

	return true, self.commit(path, len(path)-1)
}

// Removes and returns the largest entry in the subtree at vcn. Returns
// nil when the subtree holds no keys, in which case all of its records
// have been freed.
func (self *DirectoryIndex) removeLast(vcn uint64, depth int) (*IndexEntry, error) {
	if depth > MAX_INDEX_DEPTH {
		return nil, fmt.Errorf("%w: index deeper than %d levels",
			CorruptRecordError, MAX_INDEX_DEPTH)
	}

	record, err := self.store.ReadIndexRecord(vcn)
	if err != nil {
		return nil, err
	}

	node := record.Node
	keyed := keyedCount(node.Entries)

	if node.HasChildren {
		terminal := node.Entries[len(node.Entries)-1]
		last, err := self.removeLast(terminal.ChildVCN, depth+1)
		if err != nil || last != nil {
			return last, err
		}

		// The terminal subtree is gone. The last key of this node
		// is now the largest and its subtree takes over the
		// terminal slot.
		if keyed == 0 {
			return nil, self.store.FreeIndexRecord(vcn)
		}

		last = node.Entries[keyed-1]
		node.Entries = slices.Delete(node.Entries, keyed-1, keyed)
		terminal.SetChild(last.ChildVCN)
		last.ClearChild()

		return last, self.store.WriteIndexRecord(record)
	}

	if keyed == 0 {
		return nil, self.store.FreeIndexRecord(vcn)
	}

	last := node.Entries[keyed-1]
	node.Entries = slices.Delete(node.Entries, keyed-1, keyed)
	return last, self.store.WriteIndexRecord(record)
}

// Entries yields every keyed entry in collation order. Each range
// starts a fresh walk from the root. The index must not be modified
// while a walk is in progress.
func (self *DirectoryIndex) Entries() iter.Seq2[*IndexEntry, error] {
	return func(yield func(*IndexEntry, error) bool) {
		self.walk(self.root.Node, 0, yield)
	}
}

func (self *DirectoryIndex) walk(node *IndexNode, depth int,
	yield func(*IndexEntry, error) bool) bool {
	if depth > MAX_INDEX_DEPTH {
		yield(nil, fmt.Errorf("%w: index deeper than %d levels",
			CorruptRecordError, MAX_INDEX_DEPTH))
		return false
	}

	for _, entry := range node.Entries {
		if entry.HasChild() {
			child, err := self.store.ReadIndexRecord(entry.ChildVCN)
			if err != nil {
				yield(nil, err)
				return false
			}
			if !self.walk(child.Node, depth+1, yield) {
				return false
			}
		}

		if entry.IsLast() {
			break
		}

		if !yield(entry, nil) {
			return false
		}
	}
	return true
}

// Visits every index record reachable from the root.
func (self *DirectoryIndex) Records() iter.Seq2[*IndexRecord, error] {
	return func(yield func(*IndexRecord, error) bool) {
		self.walkRecords(self.root.Node, 0, yield)
	}
}

func (self *DirectoryIndex) walkRecords(node *IndexNode, depth int,
	yield func(*IndexRecord, error) bool) bool {
	if depth > MAX_INDEX_DEPTH {
		yield(nil, fmt.Errorf("%w: index deeper than %d levels",
			CorruptRecordError, MAX_INDEX_DEPTH))
		return false
	}

	for _, entry := range node.Entries {
		if !entry.HasChild() {
			continue
		}
		child, err := self.store.ReadIndexRecord(entry.ChildVCN)
		if err != nil {
			yield(nil, err)
			return false
		}
		if !yield(child, nil) || !self.walkRecords(child.Node, depth+1, yield) {
			return false
		}
	}
	return true
}

func (self *DirectoryIndex) Stats() *VolumeStats {
	return self.stats
}

// A DirectoryEntry is one name in a directory.
type DirectoryEntry struct {
	FileName      *FileName
	FileReference FileReference
}

// Lookup finds the file a name refers to. Names compare case
// insensitively.
func (self *DirectoryIndex) Lookup(name string) (FileReference, bool, error) {
	key, err := fileNameKey(name)
	if err != nil {
		return FileReference{}, false, err
	}

	entry, found, err := self.Find(key)
	if err != nil || !found {
		return FileReference{}, false, err
	}
	return entry.FileReference, true, nil
}

// LookupFileName returns the full $FILE_NAME stored for name.
func (self *DirectoryIndex) LookupFileName(name string) (*DirectoryEntry, bool, error) {
	key, err := fileNameKey(name)
	if err != nil {
		return nil, false, err
	}

	entry, found, err := self.Find(key)
	if err != nil || !found {
		return nil, false, err
	}

	file_name, err := entry.FileName()
	if err != nil {
		return nil, false, err
	}
	return &DirectoryEntry{FileName: file_name, FileReference: entry.FileReference}, true, nil
}

func (self *DirectoryIndex) ContainsFileName(name string) (bool, error) {
	_, found, err := self.Lookup(name)
	return found, err
}

// Insert adds a Win32 name for ref.
func (self *DirectoryIndex) Insert(name string, ref FileReference, is_dir bool) error {
	file_name := &FileName{
		Name:      name,
		Namespace: FILE_NAME_WIN32,
	}
	if is_dir {
		file_name.FileAttributes |= FILE_ATTRIBUTE_DIRECTORY
	}
	return self.InsertFileName(file_name, ref)
}

// InsertFileName adds a complete $FILE_NAME value as the key for ref.
func (self *DirectoryIndex) InsertFileName(file_name *FileName, ref FileReference) error {
	key, err := file_name.Encode()
	if err != nil {
		return err
	}

	err = self.InsertEntry(&IndexEntry{FileReference: ref, Key: key})
	if errors.Is(err, DuplicateKeyError) {
		return fmt.Errorf("%w: %q", DuplicateKeyError, file_name.Name)
	}
	return err
}

func (self *DirectoryIndex) Delete(name string) (bool, error) {
	key, err := fileNameKey(name)
	if err != nil {
		return false, err
	}
	return self.DeleteKey(key)
}

// ListEntries yields every name in the directory in collation order.
func (self *DirectoryIndex) ListEntries() iter.Seq2[*DirectoryEntry, error] {
	return func(yield func(*DirectoryEntry, error) bool) {
		for entry, err := range self.Entries() {
			if err != nil {
				yield(nil, err)
				return
			}

			file_name, err := entry.FileName()
			if err != nil {
				yield(nil, err)
				return
			}

			if !yield(&DirectoryEntry{
				FileName:      file_name,
				FileReference: entry.FileReference,
			}, nil) {
				return
			}
		}
	}
}

func (self *DirectoryIndex) DebugString() string {
	return self.root.DebugString()
}
