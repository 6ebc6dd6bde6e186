/* A file record may be linked into several directories: each link is
   one $FILE_NAME attribute naming the parent directory. These helpers
   walk those parent references up to the root to recover the paths a
   file is known by.
*/

package parser

import (
	"fmt"
	"slices"
	"strings"
)

const (
	DefaultMaxLinks = 20
)

type Visitor struct {
	Paths [][]string
	Max   int
}

func (self *Visitor) Add(idx int, depth int) int {
	self.Paths = append(self.Paths, slices.Clone(self.Paths[idx][:depth]))
	return len(self.Paths) - 1
}

func (self *Visitor) AddComponent(idx int, component string) {
	self.Paths[idx] = append(self.Paths[idx], component)
}

func (self *Visitor) Components() [][]string {
	for _, p := range self.Paths {
		slices.Reverse(p)
	}
	return self.Paths
}

// The names that make up paths: DOS names only duplicate a long name.
func linkNames(record *FileRecord) ([]*FileName, error) {
	file_names, err := record.FileNames()
	if err != nil {
		return nil, err
	}

	result := []*FileName{}
	for _, file_name := range file_names {
		if file_name.Namespace != FILE_NAME_DOS {
			result = append(result, file_name)
		}
	}

	// Only DOS names.
	if len(result) == 0 {
		return file_names, nil
	}
	return result, nil
}

// GetHardLinks returns up to max paths ref is known by, each as a list
// of components from the root.
func (self *Volume) GetHardLinks(ref FileReference, max int) [][]string {
	visitor := &Visitor{
		Paths: [][]string{{}},
		Max:   max,
	}

	record, found, err := self.ReadFileRecord(ref)
	if err != nil || !found {
		return nil
	}
	self.getNames(record, visitor, 0, 0)

	return visitor.Components()
}

func (self *Volume) getNames(record *FileRecord, visitor *Visitor, idx, depth int) {
	if depth > self.options.MaxDirectoryDepth {
		visitor.AddComponent(idx, "<DirTooDeep>")
		visitor.AddComponent(idx, "<Err>")
		return
	}

	file_names, err := linkNames(record)
	if err != nil {
		visitor.AddComponent(idx, err.Error())
		visitor.AddComponent(idx, "<Err>")
		return
	}

	for i, fn := range file_names {
		// The first name continues the current path, the others
		// start new ones.
		visitor_idx := idx
		if i > 0 {
			if len(visitor.Paths) >= visitor.Max {
				continue
			}
			visitor_idx = visitor.Add(idx, depth)
		}

		visitor.AddComponent(visitor_idx, fn.Name)

		parent_ref := fn.ParentReference
		if parent_ref.SegmentNumber == MFT_RECORD_ROOT ||
			parent_ref.SegmentNumber == record.Reference().SegmentNumber {
			continue
		}

		parent, found, err := self.ReadFileRecord(parent_ref)
		if err != nil {
			visitor.AddComponent(visitor_idx, err.Error())
			visitor.AddComponent(visitor_idx, "<Err>")
			continue
		}

		if !found {
			visitor.AddComponent(visitor_idx,
				fmt.Sprintf("<Parent %v is gone>", parent_ref))
			visitor.AddComponent(visitor_idx, "<Err>")
			continue
		}

		self.getNames(parent, visitor, visitor_idx, depth+1)
	}
}

// GetFullPath returns the first path ref is known by.
func (self *Volume) GetFullPath(ref FileReference) (string, error) {
	if ref.SegmentNumber == MFT_RECORD_ROOT {
		return "/", nil
	}

	links := self.GetHardLinks(ref, 1)
	if len(links) == 0 {
		return "", fmt.Errorf("%w: file %v", NotFoundError, ref)
	}

	components := links[0]
	if slices.Contains(components, "<Err>") {
		return "", fmt.Errorf("%w: can not resolve path of %v: %v",
			CorruptRecordError, ref, strings.Join(components, "/"))
	}
	return "/" + strings.Join(components, "/"), nil
}

// GetParent returns the directory holding the first link of ref.
func (self *Volume) GetParent(ref FileReference) (FileReference, error) {
	if ref.SegmentNumber == MFT_RECORD_ROOT {
		return RootReference(), nil
	}

	record, found, err := self.ReadFileRecord(ref)
	if err != nil {
		return FileReference{}, err
	}
	if !found {
		return FileReference{}, fmt.Errorf("%w: file %v", NotFoundError, ref)
	}

	file_names, err := linkNames(record)
	if err != nil {
		return FileReference{}, err
	}
	if len(file_names) == 0 {
		return FileReference{}, fmt.Errorf("%w: %v has no names", CorruptRecordError, ref)
	}
	return file_names[0].ParentReference, nil
}
