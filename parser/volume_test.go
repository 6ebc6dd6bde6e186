package parser

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

var test_clock = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

type VolumeTestSuite struct {
	suite.Suite
	device *MemoryDevice
	volume *Volume
}

func (self *VolumeTestSuite) SetupTest() {
	// 8MiB with 4K clusters.
	self.device = NewMemoryDevice(512, 16384)
	self.Require().NoError(Format(self.device, GetDefaultFormatOptions()))
	self.volume = self.open(false)
}

func (self *VolumeTestSuite) TearDownTest() {
	self.volume.Close()
}

func (self *VolumeTestSuite) open(read_only bool) *Volume {
	options := GetDefaultOptions()
	options.ReadOnly = read_only
	options.Now = func() time.Time { return test_clock }

	volume, err := OpenVolume(self.device, options)
	self.Require().NoError(err)
	return volume
}

func (self *VolumeTestSuite) list(volume *Volume, dir FileReference) []string {
	result := []string{}
	for entry, err := range volume.ListDirectory(dir) {
		self.Require().NoError(err)
		result = append(result, entry.FileName.Name)
	}
	return result
}

func (self *VolumeTestSuite) check() {
	findings, err := self.volume.Check(context.Background())
	self.Require().NoError(err)
	for _, finding := range findings {
		self.T().Log(finding.String())
	}
	self.Empty(findings)
}

func (self *VolumeTestSuite) create(parent FileReference, name string, is_dir bool) FileReference {
	ref, err := self.volume.CreateFile(parent, name, is_dir)
	self.Require().NoError(err)
	return ref
}

func (self *VolumeTestSuite) TestFormatLayout() {
	self.Equal([]string{
		"$AttrDef", "$BadClus", "$Bitmap", "$Boot", "$Extend", "$LogFile",
		"$MFT", "$MFTMirr", "$Secure", "$UpCase", "$Volume",
	}, self.list(self.volume, RootReference()))

	ref, found, err := self.volume.Lookup(RootReference(), "$mft")
	self.Require().NoError(err)
	self.True(found)
	self.Equal(FileReference{SegmentNumber: 0, SequenceNumber: 1}, ref)

	ref, found, err = self.volume.Lookup(RootReference(), "$EXTEND")
	self.Require().NoError(err)
	self.True(found)
	self.Equal(systemReference(MFT_RECORD_EXTEND), ref)
	self.Empty(self.list(self.volume, ref))

	// The root does not index itself.
	_, found, err = self.volume.Lookup(RootReference(), ".")
	self.Require().NoError(err)
	self.False(found)

	self.Equal(uint64(256), self.volume.SegmentCount())
	self.Equal(int64(240), self.volume.FreeSegmentCount())
	for id := uint64(12); id < MFT_FIRST_USER_FILE; id++ {
		self.True(self.volume.IsSegmentInUse(id))
	}

	// The backup boot sector.
	image := self.device.Bytes()
	self.Equal(image[:512], image[len(image)-512:])

	// $MFTMirr holds the first four records of the $MFT.
	cluster_size := self.volume.ClusterSize()
	mft := int64(self.volume.Boot.MFTCluster) * cluster_size
	mirror := int64(self.volume.Boot.MFTMirrorCluster) * cluster_size
	self.Equal(image[mft:mft+4*1024], image[mirror:mirror+4*1024])

	self.check()
}

func (self *VolumeTestSuite) TestFormatSystemFiles() {
	log_file, err := self.volume.OpenStream(systemReference(MFT_RECORD_LOGFILE), "")
	self.Require().NoError(err)
	data, err := log_file.ReadAll()
	self.Require().NoError(err)
	self.Require().Equal(64*1024, len(data))

	page, _, err := DecodeRestartPage(data, 512)
	self.Require().NoError(err)
	self.True(page.Area.IsClean())
	self.Equal("NTFS", page.Clients[0].Name)
	self.Equal(data[:4096], data[4096:8192])
	self.Equal(bytes.Repeat([]byte{0xFF}, len(data)-8192), data[8192:])

	upcase, err := self.volume.OpenStream(systemReference(MFT_RECORD_UPCASE), "")
	self.Require().NoError(err)
	data, err = upcase.ReadAll()
	self.Require().NoError(err)
	self.Equal(BuildUpcaseTable(), data)

	record, found, err := self.volume.ReadFileRecord(systemReference(MFT_RECORD_VOLUME))
	self.Require().NoError(err)
	self.Require().True(found)
	label, found := record.GetAttribute(ATTR_TYPE_VOLUME_NAME, "")
	self.Require().True(found)
	self.Equal("NTFS", ParseUTF16String(label.Value))

	attrdef, err := self.volume.OpenStream(systemReference(MFT_RECORD_ATTRDEF), "")
	self.Require().NoError(err)
	data, err = attrdef.ReadAll()
	self.Require().NoError(err)
	definitions, err := DecodeAttributeDefinitions(data)
	self.Require().NoError(err)
	self.Equal(len(DefaultAttributeDefinitions()), len(definitions))
}

func (self *VolumeTestSuite) TestCreateAndDelete() {
	ref := self.create(RootReference(), "hello.txt", false)
	self.Equal(FileReference{SegmentNumber: MFT_FIRST_USER_FILE, SequenceNumber: 1}, ref)

	for _, name := range []string{"hello.txt", "HELLO.TXT", "HELLO~1.TXT"} {
		found_ref, found, err := self.volume.Lookup(RootReference(), name)
		self.Require().NoError(err)
		self.True(found, name)
		self.Equal(ref, found_ref, name)
	}

	// The generated short name is not listed.
	names := self.list(self.volume, RootReference())
	self.Contains(names, "hello.txt")
	self.NotContains(names, "HELLO~1.TXT")

	record, found, err := self.volume.ReadFileRecord(ref)
	self.Require().NoError(err)
	self.Require().True(found)
	self.Equal(uint16(1), record.Base().HardLinkCount)

	file_names, err := record.FileNames()
	self.Require().NoError(err)
	self.Require().Equal(2, len(file_names))
	namespaces := []FileNameNamespace{file_names[0].Namespace, file_names[1].Namespace}
	self.ElementsMatch([]FileNameNamespace{FILE_NAME_WIN32, FILE_NAME_DOS}, namespaces)

	si, err := record.StandardInformation()
	self.Require().NoError(err)
	self.True(test_clock.Equal(si.CreationTime.Time()))

	model, err := ModelFileRecord(self.volume, record)
	self.Require().NoError(err)
	self.Equal("/hello.txt", model.FullPath)
	self.False(model.IsDir)

	full_path, err := self.volume.GetFullPath(ref)
	self.Require().NoError(err)
	self.Equal("/hello.txt", full_path)

	_, err = self.volume.CreateFile(RootReference(), "Hello.TXT", false)
	self.ErrorIs(err, DuplicateKeyError)

	_, err = self.volume.CreateFile(RootReference(), "a:b", false)
	self.ErrorIs(err, InvalidNameError)

	self.check()

	self.Require().NoError(self.volume.Delete(RootReference(), "HELLO.TXT"))
	for _, name := range []string{"hello.txt", "HELLO~1.TXT"} {
		_, found, err := self.volume.Lookup(RootReference(), name)
		self.Require().NoError(err)
		self.False(found, name)
	}

	_, found, err = self.volume.ReadFileRecord(ref)
	self.Require().NoError(err)
	self.False(found)
	self.False(self.volume.IsSegmentInUse(ref.SegmentNumber))

	err = self.volume.Delete(RootReference(), "hello.txt")
	self.ErrorIs(err, NotFoundError)

	// The slot is reused with a new sequence number.
	again := self.create(RootReference(), "again.txt", false)
	self.Equal(FileReference{SegmentNumber: MFT_FIRST_USER_FILE, SequenceNumber: 2}, again)

	_, found, err = self.volume.ReadFileRecord(ref)
	self.Require().NoError(err)
	self.False(found)

	self.check()
}

func (self *VolumeTestSuite) TestDirectories() {
	docs := self.create(RootReference(), "docs", true)
	readme := self.create(docs, "readme.md", false)
	sub := self.create(docs, "sub", true)

	ref, found, err := self.volume.OpenPath("/docs/../docs/./README.MD")
	self.Require().NoError(err)
	self.True(found)
	self.Equal(readme, ref)

	ref, found, err = self.volume.OpenPath("\\docs\\sub")
	self.Require().NoError(err)
	self.True(found)
	self.Equal(sub, ref)

	// A file in the middle of a path.
	_, found, err = self.volume.OpenPath("/docs/readme.md/x")
	self.Require().NoError(err)
	self.False(found)

	full_path, err := self.volume.GetFullPath(readme)
	self.Require().NoError(err)
	self.Equal("/docs/readme.md", full_path)

	parent, err := self.volume.GetParent(readme)
	self.Require().NoError(err)
	self.Equal(docs, parent)

	err = self.volume.Delete(RootReference(), "docs")
	self.ErrorIs(err, DirectoryNotEmptyError)

	err = self.volume.Rename(RootReference(), "docs", sub, "docs2")
	self.ErrorIs(err, InvalidNameError)

	// Moving to a valid short name leaves a single name.
	self.Require().NoError(self.volume.Rename(docs, "readme.md", RootReference(), "README.MD"))
	_, found, err = self.volume.Lookup(docs, "readme.md")
	self.Require().NoError(err)
	self.False(found)

	record, found, err := self.volume.ReadFileRecord(readme)
	self.Require().NoError(err)
	self.Require().True(found)
	file_names, err := record.FileNames()
	self.Require().NoError(err)
	self.Require().Equal(1, len(file_names))
	self.Equal(FILE_NAME_WIN32_AND_DOS, file_names[0].Namespace)
	self.Equal(RootReference(), file_names[0].ParentReference)

	// A case only rename of the same file.
	self.Require().NoError(self.volume.Rename(RootReference(), "README.MD", RootReference(), "readme.md"))
	names := self.list(self.volume, RootReference())
	self.Contains(names, "readme.md")
	self.NotContains(names, "README.MD")

	ref, found, err = self.volume.Lookup(RootReference(), "README~1.MD")
	self.Require().NoError(err)
	self.True(found)
	self.Equal(readme, ref)

	self.create(RootReference(), "other.txt", false)
	err = self.volume.Rename(RootReference(), "other.txt", RootReference(), "README.md")
	self.ErrorIs(err, DuplicateKeyError)

	err = self.volume.Rename(RootReference(), "missing", RootReference(), "x")
	self.ErrorIs(err, NotFoundError)

	self.Require().NoError(self.volume.Delete(docs, "sub"))
	self.Require().NoError(self.volume.Delete(RootReference(), "docs"))
	self.False(self.volume.IsSegmentInUse(docs.SegmentNumber))

	self.check()
}

func (self *VolumeTestSuite) TestSystemFilesProtected() {
	err := self.volume.Delete(RootReference(), "$MFT")
	self.ErrorIs(err, InvalidNameError)

	err = self.volume.Delete(RootReference(), "$Extend")
	self.ErrorIs(err, InvalidNameError)

	err = self.volume.Rename(RootReference(), "$Bitmap", RootReference(), "bitmap")
	self.ErrorIs(err, InvalidNameError)

	self.check()
}

func (self *VolumeTestSuite) TestReadOnly() {
	ref := self.create(RootReference(), "keep.txt", false)
	before := slices.Clone(self.device.Bytes())

	volume := self.open(true)
	defer volume.Close()

	_, err := volume.CreateFile(RootReference(), "new.txt", false)
	self.ErrorIs(err, ReadOnlyViolationError)

	err = volume.Delete(RootReference(), "keep.txt")
	self.ErrorIs(err, ReadOnlyViolationError)

	err = volume.Rename(RootReference(), "keep.txt", RootReference(), "moved.txt")
	self.ErrorIs(err, ReadOnlyViolationError)

	stream, err := volume.OpenStream(ref, "")
	self.Require().NoError(err)
	_, err = stream.WriteAt([]byte("data"), 0)
	self.ErrorIs(err, ReadOnlyViolationError)

	_, err = volume.CreateStream(ref, "ads")
	self.ErrorIs(err, ReadOnlyViolationError)

	found_ref, found, err := volume.Lookup(RootReference(), "KEEP.TXT")
	self.Require().NoError(err)
	self.True(found)
	self.Equal(ref, found_ref)

	self.Equal(before, self.device.Bytes())
}

func (self *VolumeTestSuite) TestManyFiles() {
	dir := self.create(RootReference(), "many", true)

	expected := []string{}
	for i := 0; i < 150; i++ {
		name := fmt.Sprintf("file_%03d.dat", i)
		self.create(dir, name, false)
		expected = append(expected, name)
	}

	stats := self.volume.Stats()
	push_downs, _ := stats.Get("IndexRootPushDowns")
	self.GreaterOrEqual(push_downs.(int64), int64(1))
	splits, _ := stats.Get("IndexSplits")
	self.GreaterOrEqual(splits.(int64), int64(1))

	self.Equal(expected, self.list(self.volume, dir))

	for _, name := range expected {
		_, found, err := self.volume.Lookup(dir, strings.ToUpper(name))
		self.Require().NoError(err)
		self.True(found, name)
	}

	self.check()

	// Everything survives a reopen.
	volume := self.open(false)
	self.Equal(expected, self.list(volume, dir))
	volume.Close()

	for _, name := range expected {
		self.Require().NoError(self.volume.Delete(dir, name), name)
	}
	self.Empty(self.list(self.volume, dir))
	self.Equal(int64(240-1), self.volume.FreeSegmentCount())

	self.Require().NoError(self.volume.Delete(RootReference(), "many"))
	self.check()
}

func (self *VolumeTestSuite) TestAllocationBitmaps() {
	dir := self.create(RootReference(), "bitmaps", true)
	for i := 0; i < 60; i++ {
		ref := self.create(dir, fmt.Sprintf("entry_%03d.dat", i), false)
		self.True(self.volume.IsSegmentInUse(ref.SegmentNumber))
	}

	directory, err := self.volume.OpenDirectory(dir)
	self.Require().NoError(err)
	store := directory.Index.store.(*volumeIndexStore)
	_, bitmap, err := store.bitmap()
	self.Require().NoError(err)

	// Every index record in the tree is marked in the $BITMAP.
	records := 0
	for record, err := range directory.Index.Records() {
		self.Require().NoError(err)
		bit := int64(record.VCN) * self.volume.indexBlockSize() /
			self.volume.index_record_size
		self.True(bitmap.IsSet(bit), "VCN %d", record.VCN)
		records++
	}
	self.Greater(records, 0)
	self.Equal(int64(records), bitmap.CountSet())

	self.check()
}

func (self *VolumeTestSuite) TestStreams() {
	ref := self.create(RootReference(), "data.bin", false)
	free := self.volume.FreeClusterCount()

	stream, err := self.volume.OpenStream(ref, "")
	self.Require().NoError(err)

	_, err = stream.WriteAt([]byte("small"), 0)
	self.Require().NoError(err)
	self.True(stream.IsResident())
	self.Equal(free, self.volume.FreeClusterCount())

	// Too big to stay in the record.
	big := bytes.Repeat([]byte("0123456789abcdef"), 5000/16+1)[:5000]
	_, err = stream.WriteAt(big, 0)
	self.Require().NoError(err)
	self.False(stream.IsResident())
	self.Equal(int64(5000), stream.Size())
	self.Equal(free-2, self.volume.FreeClusterCount())
	self.Require().Equal(1, len(stream.Extents()))
	self.Equal(int64(2), stream.Extents()[0].Length)

	data, err := stream.ReadAll()
	self.Require().NoError(err)
	self.Equal(big, data)

	volume := self.open(false)
	reopened, err := volume.OpenStream(ref, "")
	self.Require().NoError(err)
	data, err = reopened.ReadAll()
	self.Require().NoError(err)
	self.Equal(big, data)
	volume.Close()

	// Shrinking frees clusters but stays non resident.
	self.Require().NoError(stream.Truncate(10))
	self.Equal(int64(10), stream.Size())
	self.False(stream.IsResident())
	self.Equal(free-1, self.volume.FreeClusterCount())

	// Writing past the end grows the stream with zeros.
	_, err = stream.WriteAt([]byte("xyz"), 8000)
	self.Require().NoError(err)
	self.Equal(int64(8003), stream.Size())
	self.Equal(free-2, self.volume.FreeClusterCount())

	data, err = stream.ReadAll()
	self.Require().NoError(err)
	self.Require().Equal(8003, len(data))
	self.Equal(big[:10], data[:10])
	self.Equal(make([]byte, 8000-10), data[10:8000])
	self.Equal([]byte("xyz"), data[8000:])

	// A named stream.
	ads, err := self.volume.CreateStream(ref, "meta")
	self.Require().NoError(err)
	_, err = ads.WriteAt([]byte("abc"), 0)
	self.Require().NoError(err)

	ads, err = self.volume.OpenStream(ref, "META")
	self.Require().NoError(err)
	data, err = ads.ReadAll()
	self.Require().NoError(err)
	self.Equal([]byte("abc"), data)

	_, err = self.volume.OpenStream(ref, "missing")
	self.ErrorIs(err, NotFoundError)

	self.check()

	self.Require().NoError(self.volume.Delete(RootReference(), "data.bin"))
	self.Equal(free, self.volume.FreeClusterCount())
	self.check()
}

func (self *VolumeTestSuite) TestParseMFT() {
	docs := self.create(RootReference(), "docs", true)
	readme := self.create(docs, "readme.md", false)

	_, err := self.volume.CreateStream(readme, "zone")
	self.Require().NoError(err)

	rows := map[string]*MFTHighlight{}
	for row := range self.volume.ParseMFT(context.Background(), 0) {
		rows[row.FileName()] = row
	}

	// 12 system files with the $Bad and $SDS streams, the two new
	// files and the new stream.
	self.Equal(17, len(rows))
	self.Contains(rows, "$BadClus:$Bad")
	self.Contains(rows, "$Secure:$SDS")

	root := rows["."]
	self.Require().NotNil(root)
	self.Equal(int64(MFT_RECORD_ROOT), root.EntryNumber)
	self.True(root.IsDir)
	self.Equal("/", root.FullPath())

	docs_row := rows["docs"]
	self.Require().NotNil(docs_row)
	self.Equal(int64(docs.SegmentNumber), docs_row.EntryNumber)
	self.True(docs_row.IsDir)
	self.Equal("/docs", docs_row.FullPath())

	readme_row := rows["readme.md"]
	self.Require().NotNil(readme_row)
	self.Equal(int64(readme.SegmentNumber), readme_row.EntryNumber)
	self.Equal(docs.SegmentNumber, readme_row.ParentEntryNumber)
	self.Equal([]string{"/docs/readme.md"}, readme_row.Links())
	self.True(readme_row.HasADS)
	self.True(test_clock.Equal(readme_row.Created0x10))

	ads_row := rows["readme.md:zone"]
	self.Require().NotNil(ads_row)
	self.False(ads_row.IsDir)
	self.Equal("/docs/readme.md:zone", ads_row.FullPath())
	self.Equal(fmt.Sprintf("%d:zone", readme.SegmentNumber), ads_row.Inode)

	count := 0
	for row := range self.volume.ParseMFT(context.Background(), MFT_FIRST_USER_FILE) {
		self.GreaterOrEqual(row.EntryNumber, int64(MFT_FIRST_USER_FILE))
		count++
	}
	self.Equal(3, count)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for range self.volume.ParseMFT(ctx, 0) {
		self.Fail("cancelled walk yielded a row")
	}
}

func (self *VolumeTestSuite) TestCheckFindsFreeCluster() {
	ref := self.create(RootReference(), "data.bin", false)
	stream, err := self.volume.OpenStream(ref, "")
	self.Require().NoError(err)
	_, err = stream.WriteAt(make([]byte, 5000), 0)
	self.Require().NoError(err)

	lcn := stream.Extents()[0].LCN
	self.Require().NoError(self.volume.cluster_bitmap.Clear(lcn, 1))

	findings, err := self.volume.Check(context.Background())
	self.Require().NoError(err)
	self.Require().Equal(1, len(findings))
	self.Equal(ref, findings[0].Reference)
	self.Contains(findings[0].Message, "uses free cluster")
}

func (self *VolumeTestSuite) TestCheckFindsLinkCount() {
	ref := self.create(RootReference(), "links.txt", false)
	segment, err := self.volume.ReadSegment(ref.SegmentNumber)
	self.Require().NoError(err)

	segment.HardLinkCount = 3
	self.Require().NoError(self.volume.writeSegment(segment))

	findings, err := self.volume.Check(context.Background())
	self.Require().NoError(err)
	self.Require().Equal(1, len(findings))
	self.Contains(findings[0].Message, "link count is 3")
}

func (self *VolumeTestSuite) TestTornRecord() {
	ref := self.create(RootReference(), "torn.txt", false)

	// Damage the last word of the first sector of the record.
	offset := int64(self.volume.Boot.MFTCluster)*self.volume.ClusterSize() +
		int64(ref.SegmentNumber)*self.volume.RecordSize() + 510
	self.device.Bytes()[offset] ^= 0xFF
	self.volume.Flush()

	_, _, err := self.volume.ReadFileRecord(ref)
	self.ErrorIs(err, CorruptRecordError)

	findings, err := self.volume.Check(context.Background())
	self.Require().NoError(err)
	// Both the record and the root entry pointing at it are reported.
	segments := []uint64{}
	for _, finding := range findings {
		segments = append(segments, finding.Reference.SegmentNumber)
	}
	self.Contains(segments, ref.SegmentNumber)
	self.Contains(segments, uint64(MFT_RECORD_ROOT))
}

func (self *VolumeTestSuite) TestFormatErrors() {
	err := Format(NewMemoryDevice(512, 64), GetDefaultFormatOptions())
	self.ErrorIs(err, DiskFullError)

	options := GetDefaultFormatOptions()
	options.LogFileSize = 4096
	err = Format(NewMemoryDevice(512, 16384), options)
	self.ErrorIs(err, OutOfRangeError)

	options = GetDefaultFormatOptions()
	options.FileRecordSize = 1000
	err = Format(NewMemoryDevice(512, 16384), options)
	self.ErrorIs(err, OutOfRangeError)

	_, err = OpenVolume(NewMemoryDevice(512, 64), GetDefaultOptions())
	self.Error(err)
}

func TestVolume(t *testing.T) {
	suite.Run(t, &VolumeTestSuite{})
}
