package main

import (
	"fmt"
	"io"
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

var (
	restart_command = app.Command(
		"restart", "Show the restart pages of the $LogFile.")

	restart_command_file_arg = restart_command.Arg(
		"file", "The image file to inspect",
	).Required().File()

	restart_table_command = app.Command(
		"restart-table", "Decode a restart table dumped from a log record.")

	restart_table_command_file_arg = restart_table_command.Arg(
		"file", "The file holding the table",
	).Required().OpenFile(os.O_RDONLY, os.FileMode(0666))

	restart_table_command_kind = restart_table_command.Flag(
		"kind", "The kind of table.",
	).Default("open").Enum("open", "dirty", "transaction")

	restart_table_command_version = restart_table_command.Flag(
		"version", "The major version of the log.",
	).Default("1").Uint16()
)

func doRestart() {
	volume := openVolume(*restart_command_file_arg, false)
	defer volume.Close()

	log_file, err := volume.OpenStream(parser.FileReference{
		SegmentNumber: parser.MFT_RECORD_LOGFILE}, "")
	kingpin.FatalIfError(err, "Can not open $LogFile")

	data, err := log_file.ReadAll()
	kingpin.FatalIfError(err, "Can not read $LogFile")

	// The second page follows the first at its own size.
	offset := 0
	for i := 0; i < 2 && offset < len(data); i++ {
		page, sequence, err := parser.DecodeRestartPage(data[offset:],
			int(volume.Boot.BytesPerSector))
		if err != nil {
			fmt.Printf("Restart page %d at %#x: %v\n", i, offset, err)
			return
		}

		fmt.Printf("Restart page %d at %#x (usn %d, clean %v)\n", i, offset,
			sequence.Number, page.Area.IsClean())
		fmt.Println(page.DebugString())
		offset += int(page.SystemPageSize)
	}
}

func doRestartTable() {
	data, err := io.ReadAll(*restart_table_command_file_arg)
	kingpin.FatalIfError(err, "Can not read table")

	kind := parser.OPEN_ATTRIBUTE_TABLE
	switch *restart_table_command_kind {
	case "dirty":
		kind = parser.DIRTY_PAGE_TABLE
	case "transaction":
		kind = parser.TRANSACTION_TABLE
	}

	table, err := parser.ReadRestartTable(data, kind, *restart_table_command_version)
	kingpin.FatalIfError(err, "Can not decode table")

	fmt.Println(table.DebugString())
}

func init() {
	command_handlers = append(command_handlers, func(command string) bool {
		switch command {
		case "restart":
			doRestart()
		case "restart-table":
			doRestartTable()
		default:
			return false
		}
		return true
	})
}
