package main

import (
	"fmt"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	runs_command = app.Command(
		"runs", "Display the runs of a stream.")

	runs_command_file_arg = runs_command.Arg(
		"file", "The image file to inspect",
	).Required().File()

	runs_command_raw_runs = runs_command.Flag(
		"raw_runs", "Also show raw runs.",
	).Bool()

	runs_command_arg = runs_command.Arg(
		"path", "A path or an inode in MFT notation e.g. 43-2:stream.",
	).Required().String()
)

func doRuns() {
	volume := openVolume(*runs_command_file_arg, false)
	defer volume.Close()

	ref, stream_name := getEntry(volume, *runs_command_arg)
	stream, err := volume.OpenStream(ref, stream_name)
	kingpin.FatalIfError(err, "Can not open stream")

	if stream.IsResident() {
		fmt.Printf("Stream of %d bytes is resident\n", stream.Size())
		return
	}

	if *runs_command_raw_runs {
		fmt.Println(parser.DebugRawRuns(parser.ExtentsToRuns(stream.Extents())))
	}

	for idx, r := range parser.DebugRuns(stream.Extents(), volume.ClusterSize()) {
		fmt.Printf("%d %v\n", idx, r)
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "runs":
			doRuns()
		default:
			return false
		}
		return true
	})
}
