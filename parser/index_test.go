package parser

import (
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReference(i int) FileReference {
	return FileReference{SegmentNumber: uint64(100 + i), SequenceNumber: 1}
}

func testName(i int) string {
	return fmt.Sprintf("file_%04d.txt", i)
}

// Walks the subtree under node checking that every key sorts between
// lower and upper and that every record fits.
func checkSubtree(t *testing.T, index *DirectoryIndex, node *IndexNode,
	lower, upper []byte, depth int) int {
	require.Less(t, depth, MAX_INDEX_DEPTH)

	rule := index.Rule()
	count := 0
	previous := lower

	for _, entry := range node.Entries {
		if node.HasChildren {
			require.True(t, entry.HasChild())

			bound := upper
			if !entry.IsLast() {
				bound = entry.Key
			}

			child, err := index.store.ReadIndexRecord(entry.ChildVCN)
			require.NoError(t, err)
			require.True(t, child.Fits())
			count += checkSubtree(t, index, child.Node, previous, bound, depth+1)
		}

		if entry.IsLast() {
			break
		}

		if lower != nil {
			assert.Equal(t, 1, Compare(entry.Key, lower, rule))
		}
		if upper != nil {
			assert.Equal(t, -1, Compare(entry.Key, upper, rule))
		}
		previous = entry.Key
		count++
	}
	return count
}

func TestIndexInsertAndLookup(t *testing.T) {
	index, store := newMemoryIndex(1024, 0x200)

	order := rand.New(rand.NewSource(1)).Perm(300)
	for _, i := range order {
		require.NoError(t, index.Insert(testName(i), testReference(i), false))
	}

	// The root overflowed and records had to split.
	assert.GreaterOrEqual(t, index.Stats().IndexRootPushDowns, int64(1))
	assert.Greater(t, index.Stats().IndexSplits, int64(1))
	assert.True(t, index.Root().Node.HasChildren)
	assert.NotEmpty(t, store.records)

	for i := 0; i < 300; i++ {
		ref, found, err := index.Lookup(testName(i))
		require.NoError(t, err)
		require.True(t, found, testName(i))
		assert.Equal(t, testReference(i), ref)
	}

	_, found, err := index.Lookup("missing.txt")
	require.NoError(t, err)
	assert.False(t, found)

	// Lookups ignore case.
	ref, found, err := index.Lookup("FILE_0042.TXT")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testReference(42), ref)

	assert.Equal(t, 300, checkSubtree(t, index, index.Root().Node, nil, nil, 0))

	names := []string{}
	for entry, err := range index.ListEntries() {
		require.NoError(t, err)
		names = append(names, entry.FileName.Name)
	}
	assert.Equal(t, 300, len(names))
	assert.True(t, slices.IsSorted(names))

	for record, err := range index.Records() {
		require.NoError(t, err)
		assert.True(t, record.Fits())
	}
}

func TestIndexDuplicateIgnoresCase(t *testing.T) {
	index, _ := newMemoryIndex(4096, 0x200)

	require.NoError(t, index.Insert("alpha.txt", testReference(1), false))

	err := index.Insert("Alpha.TXT", testReference(2), false)
	assert.ErrorIs(t, err, DuplicateKeyError)

	count := 0
	for entry, err := range index.ListEntries() {
		require.NoError(t, err)
		assert.Equal(t, "alpha.txt", entry.FileName.Name)
		assert.Equal(t, testReference(1), entry.FileReference)
		count++
	}
	assert.Equal(t, 1, count)
}

// A leaf that overflows on insert becomes two leaves within the record
// size with the median promoted into the parent.
func TestIndexLeafSplit(t *testing.T) {
	index, store := newMemoryIndex(1024, 0x100)

	i := 0
	for index.Stats().IndexSplits == 0 {
		require.NoError(t, index.Insert(testName(i), testReference(i), false))
		i++
		require.Less(t, i, 100)
	}

	// The first two entries overflowed the root and moved to a
	// record. That record then split, leaving the median in the root.
	assert.Equal(t, int64(1), index.Stats().IndexRootPushDowns)
	assert.Equal(t, int64(1), index.Stats().IndexSplits)

	root := index.Root().Node
	require.True(t, root.HasChildren)
	require.Equal(t, 2, len(root.Entries))

	median := root.Entries[0]
	left, err := store.ReadIndexRecord(median.ChildVCN)
	require.NoError(t, err)
	right, err := store.ReadIndexRecord(root.Entries[1].ChildVCN)
	require.NoError(t, err)

	assert.True(t, left.Fits())
	assert.True(t, right.Fits())
	assert.False(t, left.Node.HasChildren)
	assert.False(t, right.Node.HasChildren)

	total := keyedCount(left.Node.Entries) + 1 + keyedCount(right.Node.Entries)
	assert.Equal(t, i, total)
	assert.Equal(t, i, checkSubtree(t, index, root, nil, nil, 0))
}

func TestIndexDelete(t *testing.T) {
	index, _ := newMemoryIndex(1024, 0x200)

	for i := 0; i < 200; i++ {
		require.NoError(t, index.Insert(testName(i), testReference(i), false))
	}

	for i := 0; i < 200; i += 2 {
		deleted, err := index.Delete(testName(i))
		require.NoError(t, err)
		assert.True(t, deleted, testName(i))
	}

	deleted, err := index.Delete(testName(0))
	require.NoError(t, err)
	assert.False(t, deleted)

	for i := 0; i < 200; i++ {
		_, found, err := index.Lookup(testName(i))
		require.NoError(t, err)
		assert.Equal(t, i%2 == 1, found, testName(i))
	}
	assert.Equal(t, 100, checkSubtree(t, index, index.Root().Node, nil, nil, 0))

	for i := 1; i < 200; i += 2 {
		deleted, err := index.Delete(testName(i))
		require.NoError(t, err)
		assert.True(t, deleted, testName(i))
	}

	for entry, err := range index.ListEntries() {
		require.NoError(t, err)
		t.Errorf("Unexpected entry %v", entry.FileName.Name)
	}
}

// A leaf can not split when one of its entries is bigger than a whole
// index record. The failed insert must not reserve a record or touch
// the stored tree.
func TestIndexSplitTooLargeLeavesTree(t *testing.T) {
	index, store := newMemoryIndex(512, 0x200)
	for i := 0; i < 20; i++ {
		require.NoError(t, index.Insert(testName(i), testReference(i), false))
	}
	require.True(t, index.Root().Node.HasChildren)

	next := store.next
	records := maps.Clone(store.records)
	splits := index.Stats().IndexSplits

	long_name := strings.Repeat("z", 255)
	err := index.Insert(long_name, testReference(999), false)
	assert.ErrorIs(t, err, RecordFullError)

	assert.Equal(t, next, store.next)
	assert.Equal(t, records, store.records)
	assert.Equal(t, splits, index.Stats().IndexSplits)

	_, found, err := index.Lookup(long_name)
	require.NoError(t, err)
	assert.False(t, found)

	for i := 0; i < 20; i++ {
		ref, found, err := index.Lookup(testName(i))
		require.NoError(t, err)
		require.True(t, found, testName(i))
		assert.Equal(t, testReference(i), ref)
	}
	assert.Equal(t, 20, checkSubtree(t, index, index.Root().Node, nil, nil, 0))
}

// Random inserts, deletes and re-inserts compared against a map after
// every step.
func TestIndexChurn(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		index, _ := newMemoryIndex(1024, 0x200)
		rng := rand.New(rand.NewSource(seed))
		model := make(map[string]FileReference)

		for step := 0; step < 400; step++ {
			i := rng.Intn(150)
			name := testName(i)
			expected, present := model[name]

			if rng.Intn(3) == 0 {
				deleted, err := index.Delete(name)
				require.NoError(t, err)
				require.Equal(t, present, deleted, "seed %d step %d delete %v", seed, step, name)
				delete(model, name)

			} else {
				ref := FileReference{SegmentNumber: uint64(100 + i),
					SequenceNumber: uint16(step + 1)}
				err := index.Insert(name, ref, false)
				if present {
					require.ErrorIs(t, err, DuplicateKeyError)
				} else {
					require.NoError(t, err, "seed %d step %d insert %v", seed, step, name)
					model[name] = ref
					expected = ref
				}
			}

			ref, found, err := index.Lookup(name)
			require.NoError(t, err)
			_, present = model[name]
			require.Equal(t, present, found, "seed %d step %d lookup %v", seed, step, name)
			if found {
				require.Equal(t, expected, ref)
			}

			require.Equal(t, len(model),
				checkSubtree(t, index, index.Root().Node, nil, nil, 0))

			var names []string
			for entry, err := range index.ListEntries() {
				require.NoError(t, err)
				names = append(names, entry.FileName.Name)
			}
			require.Equal(t, slices.Sorted(maps.Keys(model)), names,
				"seed %d step %d", seed, step)

			if step%50 == 0 {
				for name, expected := range model {
					ref, found, err := index.Lookup(name)
					require.NoError(t, err)
					require.True(t, found, name)
					require.Equal(t, expected, ref)
				}
			}
		}

		assert.Greater(t, index.Stats().IndexSplits, int64(0))
	}
}
