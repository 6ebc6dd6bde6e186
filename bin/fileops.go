package main

import (
	"fmt"
	"io"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	put_command = app.Command(
		"put", "Copy a local file into the volume.")

	put_command_file_arg = put_command.Arg(
		"file", "The image file to modify",
	).Required().OpenFile(os.O_RDWR, os.FileMode(0666))

	put_command_path = put_command.Arg(
		"path", "The destination path, optionally with :stream.",
	).Required().String()

	put_command_source = put_command.Arg(
		"source", "The local file to copy. Defaults to stdin.",
	).File()

	mkdir_command = app.Command(
		"mkdir", "Create a directory.")

	mkdir_command_file_arg = mkdir_command.Arg(
		"file", "The image file to modify",
	).Required().OpenFile(os.O_RDWR, os.FileMode(0666))

	mkdir_command_path = mkdir_command.Arg(
		"path", "The directory to create.",
	).Required().String()

	rm_command = app.Command(
		"rm", "Remove a file or an empty directory.")

	rm_command_file_arg = rm_command.Arg(
		"file", "The image file to modify",
	).Required().OpenFile(os.O_RDWR, os.FileMode(0666))

	rm_command_path = rm_command.Arg(
		"path", "The path to remove.",
	).Required().String()

	mv_command = app.Command(
		"mv", "Rename or move a file.")

	mv_command_file_arg = mv_command.Arg(
		"file", "The image file to modify",
	).Required().OpenFile(os.O_RDWR, os.FileMode(0666))

	mv_command_from = mv_command.Arg(
		"from", "The path to move.",
	).Required().String()

	mv_command_to = mv_command.Arg(
		"to", "The new path.",
	).Required().String()
)

func doPut() {
	volume := openVolume(*put_command_file_arg, true)
	defer volume.Close()

	var source io.Reader = os.Stdin
	if *put_command_source != nil {
		source = *put_command_source
	}
	data, err := io.ReadAll(source)
	kingpin.FatalIfError(err, "Can not read source")

	path, stream_name, err := parser.SplitStreamPath(*put_command_path)
	kingpin.FatalIfError(err, "Invalid path")

	ref, found, err := volume.OpenPath(path)
	kingpin.FatalIfError(err, "Can not open path")
	if !found {
		parent, name := getParent(volume, path)
		ref, err = volume.CreateFile(parent, name, false)
		kingpin.FatalIfError(err, "Can not create %v", path)
	}

	stream, err := volume.OpenStream(ref, stream_name)
	if err != nil && stream_name != "" {
		stream, err = volume.CreateStream(ref, stream_name)
	}
	kingpin.FatalIfError(err, "Can not open stream")

	err = stream.Truncate(0)
	kingpin.FatalIfError(err, "Truncate")

	_, err = stream.WriteAt(data, 0)
	kingpin.FatalIfError(err, "Write")

	fmt.Printf("Wrote %d bytes to %v (%v)\n", len(data), *put_command_path, ref)
}

func doMkdir() {
	volume := openVolume(*mkdir_command_file_arg, true)
	defer volume.Close()

	parent, name := getParent(volume, *mkdir_command_path)
	ref, err := volume.CreateFile(parent, name, true)
	kingpin.FatalIfError(err, "Can not create %v", *mkdir_command_path)

	fmt.Printf("Created %v (%v)\n", *mkdir_command_path, ref)
}

func doRm() {
	volume := openVolume(*rm_command_file_arg, true)
	defer volume.Close()

	parent, name := getParent(volume, *rm_command_path)
	err := volume.Delete(parent, name)
	kingpin.FatalIfError(err, "Can not remove %v", *rm_command_path)
}

func doMv() {
	volume := openVolume(*mv_command_file_arg, true)
	defer volume.Close()

	parent, name := getParent(volume, *mv_command_from)
	new_parent, new_name := getParent(volume, *mv_command_to)
	err := volume.Rename(parent, name, new_parent, new_name)
	kingpin.FatalIfError(err, "Can not move %v", *mv_command_from)
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "put":
			doPut()
		case "mkdir":
			doMkdir()
		case "rm":
			doRm()
		case "mv":
			doMv()
		default:
			return false
		}
		return true
	})
}
