package main

import (
	"encoding/json"
	"fmt"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	stat_command = app.Command(
		"stat", "inspect the MFT record.")

	stat_command_file_arg = stat_command.Arg(
		"file", "The image file to inspect",
	).Required().File()

	stat_command_arg = stat_command.Arg(
		"path", "The path or MFT entry to inspect.",
	).Default("5").String()
)

func doSTAT() {
	volume := openVolume(*stat_command_file_arg, false)
	defer volume.Close()

	ref, _ := getEntry(volume, *stat_command_arg)
	record, found, err := volume.ReadFileRecord(ref)
	kingpin.FatalIfError(err, "Can not read file record")
	if !found {
		kingpin.Fatalf("File record %v is not in use", ref)
	}

	if *debug_flag {
		parser.Debug(record.Base())
	}

	if *verbose_flag {
		fmt.Println(record.DebugString())
		return
	}

	stat, err := parser.ModelFileRecord(volume, record)
	kingpin.FatalIfError(err, "Can not open path")

	serialized, err := json.MarshalIndent(stat, " ", " ")
	kingpin.FatalIfError(err, "Marshal")

	fmt.Println(string(serialized))
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "stat":
			doSTAT()
		default:
			return false
		}
		return true
	})
}
