package main

import (
	"context"
	"fmt"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

var (
	check_command = app.Command(
		"check", "Check the volume for consistency.")

	check_command_file_arg = check_command.Arg(
		"file", "The image file to inspect",
	).Required().File()
)

func doCheck() {
	volume := openVolume(*check_command_file_arg, false)
	defer volume.Close()

	findings, err := volume.Check(context.Background())
	kingpin.FatalIfError(err, "Check")

	for _, finding := range findings {
		fmt.Println(finding.String())
	}

	if *verbose_flag {
		fmt.Println(volume.Stats())
	}

	if len(findings) > 0 {
		fmt.Printf("%d problems found\n", len(findings))
		os.Exit(1)
	}
	fmt.Println("No problems found")
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "check":
			doCheck()
		default:
			return false
		}
		return true
	})
}
