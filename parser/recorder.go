package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// A Recorder sits in front of an image and keeps a copy of every read
// in a directory, one file per offset. Later reads of the same range
// are served from the directory so a problem seen on a live disk can
// be replayed without it.
type Recorder struct {
	path string

	// Delegate reader, may be nil when replaying.
	reader io.ReaderAt
}

func (self *Recorder) filename(offset int64, length int) string {
	return filepath.Join(self.path, fmt.Sprintf("%#08x-%#x.bin", offset, length))
}

func (self *Recorder) ReadAt(buf []byte, offset int64) (int, error) {
	full_path := self.filename(offset, len(buf))
	fd, err := os.Open(full_path)
	if err == nil {
		defer fd.Close()
		return fd.ReadAt(buf, 0)
	}

	if self.reader == nil {
		return 0, fmt.Errorf("%w: %v is not recorded", NotFoundError, full_path)
	}

	n, err := self.reader.ReadAt(buf, offset)
	if err == nil || err == io.EOF {
		write_err := os.WriteFile(full_path, buf[:n], 0660)
		if write_err != nil {
			DebugPrint("Recorder: %v\n", write_err)
		}
	}
	return n, err
}

func NewRecorder(path string, reader io.ReaderAt) *Recorder {
	return &Recorder{path: path, reader: reader}
}
