package main

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	mft_command = app.Command(
		"mft", "Walk the $MFT of an image.")

	mft_command_image_arg = mft_command.Arg(
		"image", "An image containing an $MFT",
	).Required().File()

	mft_command_start = mft_command.Flag(
		"start", "The entry to start with",
	).Uint64()

	mft_command_filename_filter = mft_command.Flag(
		"filename_filter", "A regex to filter on filename",
	).Default(".").String()
)

type DetailedHighlights struct {
	*parser.MFTHighlight
	FullPath string
	Links    []string
}

func doMFTFromImage() {
	filename_filter := regexp.MustCompile(*mft_command_filename_filter)

	volume := openVolume(*mft_command_image_arg, false)
	defer volume.Close()

	for item := range volume.ParseMFT(context.Background(), *mft_command_start) {
		if len(filename_filter.FindStringIndex(item.FileName())) == 0 {
			continue
		}

		serialized, err := json.MarshalIndent(DetailedHighlights{
			MFTHighlight: item,
			FullPath:     item.FullPath(),
			Links:        item.Links(),
		}, " ", " ")
		kingpin.FatalIfError(err, "Marshal")

		fmt.Println(string(serialized))
	}
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "mft":
			doMFTFromImage()
		default:
			return false
		}
		return true
	})
}
