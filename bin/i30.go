package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	i30_command = app.Command(
		"i30", "Dump the $I30 index of a directory.")

	i30_command_file_arg = i30_command.Arg(
		"file", "The image file to inspect",
	).Required().File()

	i30_command_arg = i30_command.Arg(
		"path", "The directory path or MFT entry.",
	).Default("/").String()

	i30_command_file_csv = i30_command.Flag(
		"csv", "Output in CSV.",
	).Bool()

	i30_command_records = i30_command.Flag(
		"records", "Show the index records instead of the entries.",
	).Bool()
)

func doI30() {
	volume := openVolume(*i30_command_file_arg, false)
	defer volume.Close()

	ref, _ := getEntry(volume, *i30_command_arg)
	dir, err := volume.OpenDirectory(ref)
	kingpin.FatalIfError(err, "Can not open directory")

	if *i30_command_records {
		fmt.Println(dir.Index.Root().DebugString())
		for record, err := range dir.Index.Records() {
			kingpin.FatalIfError(err, "Index record")
			fmt.Println(record.DebugString())
		}
		return
	}

	data := []*parser.DirectoryEntry{}
	for entry, err := range dir.Index.ListEntries() {
		kingpin.FatalIfError(err, "Index entry")
		data = append(data, entry)
	}

	if *i30_command_file_csv {
		writer := csv.NewWriter(os.Stdout)
		defer writer.Flush()

		_ = writer.Write([]string{"Name", "NameType", "MFTId", "Size", "AllocatedSize",
			"Mtime", "Atime", "Ctime", "Btime"})

		for _, entry := range data {
			info := entry.FileName
			_ = writer.Write([]string{
				info.Name,
				info.Namespace.String(),
				entry.FileReference.String(),
				fmt.Sprintf("%v", info.DataSize),
				fmt.Sprintf("%v", info.AllocatedSize),
				fmt.Sprintf("%v", info.ModificationTime),
				fmt.Sprintf("%v", info.AccessTime),
				fmt.Sprintf("%v", info.MftModificationTime),
				fmt.Sprintf("%v", info.CreationTime),
			})
		}

	} else {
		serialized, err := json.MarshalIndent(data, " ", " ")
		kingpin.FatalIfError(err, "serialized")
		fmt.Printf("%v\n", string(serialized))
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "i30":
			doI30()
		default:
			return false
		}
		return true
	})
}
