package main

import (
	"fmt"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	dosname_command = app.Command(
		"dosname", "Show the 8.3 name a new file would get.")

	dosname_command_file_arg = dosname_command.Arg(
		"file", "The image file to inspect",
	).Required().OpenFile(os.O_RDONLY, os.FileMode(0666))

	dosname_command_path = dosname_command.Arg(
		"path", "The path of the new file.",
	).Required().String()
)

func doDosName() {
	volume := openVolume(*dosname_command_file_arg, false)
	defer volume.Close()

	parent, name := getParent(volume, *dosname_command_path)
	kingpin.FatalIfError(parser.ValidateName(name), "Invalid name")

	if parser.IsValidDosFileName(name) {
		fmt.Printf("%v is already a valid 8.3 name\n", name)
		return
	}

	dir, err := volume.OpenDirectory(parent)
	kingpin.FatalIfError(err, "Can not open directory")

	dos_name, err := parser.GenerateDosName(dir.Index, name)
	kingpin.FatalIfError(err, "Can not generate a short name")

	fmt.Println(dos_name)
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "dosname":
			doDosName()
		default:
			return false
		}
		return true
	})
}
