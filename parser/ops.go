// Implement the file system operations a file system adapter needs.
package parser

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode/utf16"
)

// Characters Win32 does not allow in a name.
const invalid_name_characters = "\"*/:<>?\\|"

// ValidateName checks that name can be stored as a Win32 name.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", InvalidNameError, name)
	}

	if len(utf16.Encode([]rune(name))) > 255 {
		return fmt.Errorf("%w: %q is longer than 255 characters", InvalidNameError, name)
	}

	for _, c := range name {
		if c < 0x20 || strings.ContainsRune(invalid_name_characters, c) {
			return fmt.Errorf("%w: %q contains %q", InvalidNameError, name, c)
		}
	}
	return nil
}

func (self *Volume) now() FileTime {
	return NewFileTime(self.options.Now())
}

// Lookup finds name in the directory parent.
func (self *Volume) Lookup(parent FileReference, name string) (FileReference, bool, error) {
	directory, err := self.OpenDirectory(parent)
	if err != nil {
		return FileReference{}, false, err
	}
	return directory.Index.Lookup(name)
}

// Builds the $FILE_NAME values for a new link: one Win32AndDOS name
// when name is already a valid short name, otherwise a Win32 name and
// a generated DOS name.
func (self *Volume) makeFileNames(directory *Directory, name string,
	is_dir bool) ([]*FileName, error) {
	now := self.now()
	template := FileName{
		ParentReference:     directory.Reference(),
		CreationTime:        now,
		ModificationTime:    now,
		MftModificationTime: now,
		AccessTime:          now,
		FileAttributes:      FILE_ATTRIBUTE_ARCHIVE,
		Name:                name,
	}
	if is_dir {
		template.FileAttributes = FILE_ATTRIBUTE_DIRECTORY
	}

	if IsValidDosFileName(name) {
		file_name := template
		file_name.Namespace = FILE_NAME_WIN32_AND_DOS
		return []*FileName{&file_name}, nil
	}

	dos_name, err := GenerateDosName(directory.Index, name)
	if err != nil {
		return nil, err
	}

	long_name := template
	long_name.Namespace = FILE_NAME_WIN32

	short_name := template
	short_name.Namespace = FILE_NAME_DOS
	short_name.Name = dos_name

	return []*FileName{&long_name, &short_name}, nil
}

// Adds the links to the file record and the directory index.
func (self *Volume) link(directory *Directory, record *FileRecord,
	file_names []*FileName) error {
	for _, file_name := range file_names {
		value, err := file_name.Encode()
		if err != nil {
			return err
		}

		attr := NewResidentAttribute(ATTR_TYPE_FILE_NAME, "", value)
		attr.ResidentFlags = RESIDENT_FLAG_INDEXED
		err = record.AddAttribute(attr, self)
		if err != nil {
			return err
		}
	}

	err := self.WriteFileRecord(record)
	if err != nil {
		return err
	}

	for _, file_name := range file_names {
		err := directory.Index.InsertFileName(file_name, record.Reference())
		if err != nil {
			return err
		}
	}
	return nil
}

// Removes every link record has in directory from both the index and
// the record. The record is not written.
func (self *Volume) unlink(directory *Directory, record *FileRecord) error {
	file_names, err := record.FileNames()
	if err != nil {
		return err
	}

	for _, file_name := range file_names {
		if file_name.ParentReference.SegmentNumber != directory.Reference().SegmentNumber {
			continue
		}

		_, err := directory.Index.Delete(file_name.Name)
		if err != nil {
			return err
		}

		_, err = record.RemoveFileName(directory.Reference(), file_name.Name, self)
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateFile makes a new empty file or directory called name in
// parent.
func (self *Volume) CreateFile(parent FileReference, name string,
	is_dir bool) (FileReference, error) {
	err := self.checkWritable()
	if err != nil {
		return FileReference{}, err
	}

	err = ValidateName(name)
	if err != nil {
		return FileReference{}, err
	}

	directory, err := self.OpenDirectory(parent)
	if err != nil {
		return FileReference{}, err
	}

	present, err := directory.Index.ContainsFileName(name)
	if err != nil {
		return FileReference{}, err
	}
	if present {
		return FileReference{}, fmt.Errorf("%w: %q in %v", DuplicateKeyError,
			name, parent)
	}

	file_names, err := self.makeFileNames(directory, name, is_dir)
	if err != nil {
		return FileReference{}, err
	}

	segment, err := self.AllocateSegment(FileReference{})
	if err != nil {
		return FileReference{}, err
	}
	record := NewFileRecord(segment)

	now := self.now()
	info := &StandardInformation{
		CreationTime:        now,
		ModificationTime:    now,
		MftModificationTime: now,
		AccessTime:          now,
		FileAttributes:      FILE_ATTRIBUTE_ARCHIVE,
		Extended:            true,
	}

	attributes := []*AttributeRecord{}
	if is_dir {
		segment.Flags |= FILE_RECORD_DIRECTORY
		info.FileAttributes = 0
		root := NewIndexRoot(uint32(ATTR_TYPE_FILE_NAME), COLLATION_FILE_NAME,
			uint32(self.index_record_size), self.Boot.ClustersPerIndexRecord)
		attributes = append(attributes,
			NewResidentAttribute(ATTR_TYPE_INDEX_ROOT, I30, root.Encode()))
	} else {
		attributes = append(attributes, NewResidentAttribute(ATTR_TYPE_DATA, "", nil))
	}
	attributes = append(attributes,
		NewResidentAttribute(ATTR_TYPE_STANDARD_INFORMATION, "", info.Encode()))

	for _, attr := range attributes {
		err = record.AddAttribute(attr, self)
		if err != nil {
			_ = self.FreeSegment(segment)
			return FileReference{}, err
		}
	}

	err = self.link(directory, record, file_names)
	if err != nil {
		_ = self.releaseRecord(record)
		return FileReference{}, err
	}

	DebugPrint("Created %q as %v in %v\n", name, record.Reference(), parent)
	return record.Reference(), nil
}

// Frees everything a file record owns: the clusters of its non
// resident attributes and all of its segments.
func (self *Volume) releaseRecord(record *FileRecord) error {
	for _, attr := range record.Attributes() {
		if attr.NonResident {
			err := self.FreeClusters(attr.Extents())
			if err != nil {
				return err
			}
		}
	}

	// Extensions first so the base is the last to go stale.
	for i := len(record.Segments) - 1; i >= 0; i-- {
		err := self.FreeSegment(record.Segments[i])
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete removes name from parent. The file itself is freed when this
// was its last link. Non empty directories can not be deleted.
func (self *Volume) Delete(parent FileReference, name string) error {
	err := self.checkWritable()
	if err != nil {
		return err
	}

	directory, err := self.OpenDirectory(parent)
	if err != nil {
		return err
	}

	ref, found, err := directory.Index.Lookup(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q in %v", NotFoundError, name, parent)
	}

	if ref.SegmentNumber < MFT_FIRST_USER_FILE {
		return fmt.Errorf("%w: %q is a system file", InvalidNameError, name)
	}

	record, found, err := self.ReadFileRecord(ref)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q in %v points at free record %v",
			CorruptRecordError, name, parent, ref)
	}

	if record.IsDirectory() {
		child, err := self.OpenIndex(record, I30)
		if err != nil {
			return err
		}
		for _, err := range child.Entries() {
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %q", DirectoryNotEmptyError, name)
		}
	}

	err = self.unlink(directory, record)
	if err != nil {
		return err
	}

	links, err := record.LinkCount()
	if err != nil {
		return err
	}

	DebugPrint("Deleted %q (%v) from %v, %d links left\n", name, ref, parent, links)

	if links > 0 {
		return self.WriteFileRecord(record)
	}
	return self.releaseRecord(record)
}

// isAncestor reports whether ancestor is dir or one of its parents.
func (self *Volume) isAncestor(ancestor, dir FileReference) (bool, error) {
	current := dir
	for depth := 0; depth < self.options.MaxDirectoryDepth; depth++ {
		if current.SegmentNumber == ancestor.SegmentNumber {
			return true, nil
		}
		if current.SegmentNumber == MFT_RECORD_ROOT {
			return false, nil
		}

		parent, err := self.GetParent(current)
		if err != nil {
			return false, err
		}
		current = parent
	}
	return false, fmt.Errorf("%w: directory deeper than %d levels",
		OutOfRangeError, self.options.MaxDirectoryDepth)
}

// Rename moves the link name in parent to new_name in new_parent.
// An existing new_name is not replaced.
func (self *Volume) Rename(parent FileReference, name string,
	new_parent FileReference, new_name string) error {
	err := self.checkWritable()
	if err != nil {
		return err
	}

	err = ValidateName(new_name)
	if err != nil {
		return err
	}

	source, err := self.OpenDirectory(parent)
	if err != nil {
		return err
	}

	// Both ends must share one copy of the directory when they are
	// the same.
	target := source
	if new_parent.SegmentNumber != parent.SegmentNumber {
		target, err = self.OpenDirectory(new_parent)
		if err != nil {
			return err
		}
	}

	ref, found, err := source.Index.Lookup(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q in %v", NotFoundError, name, parent)
	}

	if ref.SegmentNumber < MFT_FIRST_USER_FILE {
		return fmt.Errorf("%w: %q is a system file", InvalidNameError, name)
	}

	existing, found, err := target.Index.Lookup(new_name)
	if err != nil {
		return err
	}
	if found && (existing != ref || target != source) {
		return fmt.Errorf("%w: %q in %v", DuplicateKeyError, new_name, new_parent)
	}

	record, found, err := self.ReadFileRecord(ref)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %q in %v points at free record %v",
			CorruptRecordError, name, parent, ref)
	}

	if record.IsDirectory() && target != source {
		inside, err := self.isAncestor(ref, target.Reference())
		if err != nil {
			return err
		}
		if inside {
			return fmt.Errorf("%w: can not move %q into itself",
				InvalidNameError, name)
		}
	}

	err = self.unlink(source, record)
	if err != nil {
		return err
	}

	// Names are generated after the old ones are gone so a case
	// only rename may keep its short name.
	file_names, err := self.makeFileNames(target, new_name, record.IsDirectory())
	if err != nil {
		return err
	}

	DebugPrint("Renamed %q in %v to %q in %v\n", name, parent, new_name, new_parent)
	return self.link(target, record, file_names)
}

// ListDirectory yields the Win32 and POSIX names in dir. Generated DOS
// names are skipped.
func (self *Volume) ListDirectory(dir FileReference) iter.Seq2[*DirectoryEntry, error] {
	return func(yield func(*DirectoryEntry, error) bool) {
		directory, err := self.OpenDirectory(dir)
		if err != nil {
			yield(nil, err)
			return
		}

		for entry, err := range directory.Index.ListEntries() {
			if err != nil {
				yield(nil, err)
				return
			}
			if entry.FileName.Namespace == FILE_NAME_DOS {
				continue
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// OpenStream opens a named $DATA stream of a file; "" is the default
// stream.
func (self *Volume) OpenStream(ref FileReference, stream_name string) (*Stream, error) {
	record, found, err := self.ReadFileRecord(ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: file %v", NotFoundError, ref)
	}
	return NewStream(self, record, ATTR_TYPE_DATA, stream_name)
}

// CreateStream adds an empty named $DATA stream to a file.
func (self *Volume) CreateStream(ref FileReference, stream_name string) (*Stream, error) {
	err := self.checkWritable()
	if err != nil {
		return nil, err
	}

	record, found, err := self.ReadFileRecord(ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: file %v", NotFoundError, ref)
	}

	err = record.AddAttribute(NewResidentAttribute(ATTR_TYPE_DATA, stream_name, nil), self)
	if err != nil {
		return nil, err
	}

	err = self.WriteFileRecord(record)
	if err != nil {
		return nil, err
	}
	return NewStream(self, record, ATTR_TYPE_DATA, stream_name)
}

// Splits a path into its components. Both separators are accepted.
func splitPath(path string) []string {
	result := []string{}
	for _, component := range strings.FieldsFunc(path, func(c rune) bool {
		return c == '/' || c == '\\'
	}) {
		if component != "." {
			result = append(result, component)
		}
	}
	return result
}

// OpenPath resolves a path from the root directory.
func (self *Volume) OpenPath(path string) (FileReference, bool, error) {
	components := splitPath(path)
	if len(components) > self.options.MaxDirectoryDepth {
		return FileReference{}, false, fmt.Errorf("%w: %q is deeper than %d levels",
			OutOfRangeError, path, self.options.MaxDirectoryDepth)
	}

	current := RootReference()
	for _, component := range components {
		if component == ".." {
			parent, err := self.GetParent(current)
			if err != nil {
				return FileReference{}, false, err
			}
			current = parent
			continue
		}

		next, found, err := self.Lookup(current, component)
		if errors.Is(err, InvalidNameError) {
			// A file in the middle of the path.
			return FileReference{}, false, nil
		}
		if err != nil || !found {
			return FileReference{}, false, err
		}
		current = next
	}
	return current, true, nil
}

// SplitStreamPath splits "path:stream" into its parts.
func SplitStreamPath(path string) (string, string, error) {
	parts := strings.Split(path, ":")
	switch len(parts) {
	case 1:
		return parts[0], "", nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: path may not contain more than one ':'",
			InvalidNameError)
	}
}
