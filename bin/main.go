package main

import (
	"os"

	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"www.velocidex.com/golang/ntfsmeta/parser"
)

type CommandHandler func(command string) bool

var (
	app = kingpin.New("ntfsmeta",
		"A tool for inspecting and modifying ntfs volumes.")

	verbose_flag = app.Flag(
		"verbose", "Show more detail.").Short('v').Bool()

	debug_flag = app.Flag(
		"debug", "Print debug messages and statistics.").Bool()

	command_handlers []CommandHandler
)

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate)
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	parser.SetDebug(*debug_flag)

	for _, command_handler := range command_handlers {
		if command_handler(command) {
			break
		}
	}
}
