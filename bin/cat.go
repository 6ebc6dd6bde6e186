package main

import (
	"io"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

var (
	cat_command = app.Command(
		"cat", "Dump file stream.")

	cat_command_file_arg = cat_command.Arg(
		"file", "The image file to inspect",
	).Required().File()

	cat_command_arg = cat_command.Arg(
		"path", "The path or MFT entry to extract, optionally with :stream.",
	).Required().String()

	cat_command_offset = cat_command.Flag(
		"offset", "The offset to start reading.",
	).Int64()

	cat_command_output_file = cat_command.Flag(
		"out", "Write to this file",
	).OpenFile(os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(0666))
)

func doCAT() {
	volume := openVolume(*cat_command_file_arg, false)
	defer volume.Close()

	ref, stream_name := getEntry(volume, *cat_command_arg)
	data, err := volume.OpenStream(ref, stream_name)
	kingpin.FatalIfError(err, "Can not open stream")

	var fd io.WriteCloser = os.Stdout
	if *cat_command_output_file != nil {
		fd = *cat_command_output_file
		defer fd.Close()
	}

	buf := make([]byte, 1024*1024)
	offset := *cat_command_offset
	for {
		n, err := data.ReadAt(buf, offset)
		if n > 0 {
			_, err := fd.Write(buf[:n])
			kingpin.FatalIfError(err, "Write")
			offset += int64(n)
		}
		if err == io.EOF || n == 0 {
			return
		}
		kingpin.FatalIfError(err, "Read")
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "cat":
			doCAT()
		default:
			return false
		}
		return true
	})
}
