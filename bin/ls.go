package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

var (
	ls_command = app.Command(
		"ls", "List files.")

	ls_command_file_arg = ls_command.Arg(
		"file", "The image file to inspect",
	).Required().OpenFile(os.O_RDONLY, os.FileMode(0666))

	ls_command_arg = ls_command.Arg(
		"path", "The path to list or an MFT entry.",
	).Default("/").String()
)

func doLS() {
	volume := openVolume(*ls_command_file_arg, false)
	defer volume.Close()

	dir, _ := getEntry(volume, *ls_command_arg)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{
		"MFT Id",
		"Size",
		"Mtime",
		"IsDir",
		"Type",
		"Filename",
	})
	table.SetCaption(true, fmt.Sprintf(
		"Directory listing for %v (%v)", *ls_command_arg, dir))
	defer table.Render()

	for entry, err := range volume.ListDirectory(dir) {
		kingpin.FatalIfError(err, "Can not list %v", *ls_command_arg)

		file_name := entry.FileName
		table.Append([]string{
			entry.FileReference.String(),
			fmt.Sprintf("%v", file_name.DataSize),
			fmt.Sprintf("%v", file_name.ModificationTime.Time().In(time.UTC)),
			fmt.Sprintf("%v", file_name.IsDirectory()),
			file_name.Namespace.String(),
			file_name.Name,
		})
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "ls":
			doLS()
		default:
			return false
		}
		return true
	})
}
