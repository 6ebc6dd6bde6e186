package main

import (
	"fmt"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	boot_command = app.Command(
		"boot", "inspect the boot record.")

	boot_command_arg = boot_command.Arg(
		"file", "The image file to inspect",
	).Required().File()
)

func doBoot() {
	device := getDevice(*boot_command_arg, false)
	data, err := device.ReadSectors(0, 1)
	kingpin.FatalIfError(err, "Boot record")

	boot, err := parser.DecodeBootSector(data)
	kingpin.FatalIfError(err, "Boot record")
	fmt.Println(boot.DebugString())

	kingpin.FatalIfError(boot.IsValid(), "Boot record")

	volume := openVolume(*boot_command_arg, false)
	defer volume.Close()

	root, found, err := volume.ReadFileRecord(parser.RootReference())
	kingpin.FatalIfError(err, "Root")
	if !found {
		kingpin.Fatalf("Root directory is not in use")
	}
	fmt.Println(root.DebugString())

	si, err := root.StandardInformation()
	kingpin.FatalIfError(err, "STANDARD_INFORMATION")
	fmt.Println(si.DebugString())

	fmt.Println("Nodes:")
	for entry, err := range volume.ListDirectory(parser.RootReference()) {
		kingpin.FatalIfError(err, "Root")
		fmt.Println(entry.FileName.DebugString())
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "boot":
			doBoot()
		default:
			return false
		}
		return true
	})
}
