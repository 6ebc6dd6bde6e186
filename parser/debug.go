package parser

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/davecgh/go-spew/spew"
)

var (
	// Enables Printf and the statistics dumps on Close.
	debug = false

	// DebugPrint output is enabled by NTFS_DEBUG in the environment.
	debug_print      bool
	debug_print_once sync.Once
)

func SetDebug(value bool) {
	debug = value
}

func Debug(arg interface{}) {
	spew.Dump(arg)
}

type Debugger interface {
	DebugString() string
}

// DebugString indents the debug representation of arg.
func DebugString(arg interface{}, indent string) string {
	debugger, ok := arg.(Debugger)
	if !ok {
		return ""
	}

	lines := strings.Split(debugger.DebugString(), "\n")
	for idx, line := range lines {
		lines[idx] = indent + line
	}
	return strings.Join(lines, "\n")
}

func Printf(fmt_str string, args ...interface{}) {
	if debug {
		fmt.Printf(fmt_str, args...)
	}
}

func DebugPrint(fmt_str string, v ...interface{}) {
	debug_print_once.Do(func() {
		_, debug_print = os.LookupEnv("NTFS_DEBUG")
	})

	if debug_print || debug {
		fmt.Printf(fmt_str, v...)
	}
}
