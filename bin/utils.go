package main

import (
	"io"
	"os"
	"regexp"
	"strconv"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	sector_size_flag = app.Flag(
		"sector_size", "Bytes per sector of the image.",
	).Default("512").Uint32()

	image_offset_flag = app.Flag(
		"image_offset", "An offset into the image file.",
	).Default("0").Int64()

	record_directory = app.Flag(
		"record", "Path to read/write recorded data").
		Default("").String()

	// An inode in MFT notation e.g. 43 or 43-2
	mft_id_regex = regexp.MustCompile(`^(\d+)(?:-(\d+))?$`)
)

// Exposes an image file as a block device. Without writable the
// device refuses writes.
func getDevice(fd *os.File, writable bool) parser.BlockDevice {
	st, err := fd.Stat()
	kingpin.FatalIfError(err, "Can not stat image")

	size := st.Size() - *image_offset_flag
	if writable {
		return parser.NewReaderDevice(fd, fd, *image_offset_flag, size, *sector_size_flag)
	}
	return parser.NewReaderDevice(getReader(fd), nil, *image_offset_flag, size, *sector_size_flag)
}

func getReader(reader io.ReaderAt) io.ReaderAt {
	if *record_directory == "" {
		return reader
	}

	// Create a recorder
	parser.Printf("Will record to dir %v\n", *record_directory)
	return parser.NewRecorder(*record_directory, reader)
}

func openVolume(fd *os.File, writable bool) *parser.Volume {
	options := parser.GetDefaultOptions()
	options.ReadOnly = !writable

	volume, err := parser.OpenVolume(getDevice(fd, writable), options)
	kingpin.FatalIfError(err, "Can not open filesystem")
	return volume
}

// Resolves either an inode (e.g. 1234 or 1234-2) or a path, both
// optionally followed by :stream.
func getEntry(volume *parser.Volume, arg string) (parser.FileReference, string) {
	path, stream_name, err := parser.SplitStreamPath(arg)
	kingpin.FatalIfError(err, "Invalid path %v", arg)

	match := mft_id_regex.FindStringSubmatch(path)
	if match != nil {
		segment_number, _ := strconv.ParseUint(match[1], 10, 64)
		sequence_number, _ := strconv.ParseUint(match[2], 10, 16)
		return parser.FileReference{
			SegmentNumber:  segment_number,
			SequenceNumber: uint16(sequence_number),
		}, stream_name
	}

	ref, found, err := volume.OpenPath(path)
	kingpin.FatalIfError(err, "Can not open path %v", path)
	if !found {
		kingpin.Fatalf("Path %v not found", path)
	}
	return ref, stream_name
}

// Splits a path into the directory holding it and its last component.
func getParent(volume *parser.Volume, path string) (parser.FileReference, string) {
	dir, name := splitLast(path)
	ref, found, err := volume.OpenPath(dir)
	kingpin.FatalIfError(err, "Can not open path %v", dir)
	if !found {
		kingpin.Fatalf("Directory %v not found", dir)
	}
	return ref, name
}

func splitLast(path string) (string, string) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i], path[i+1:]
		}
	}
	return "", path
}
