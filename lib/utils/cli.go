package utils

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
)

// InitCLIParser configures a kingpin parser with the defaults shared by
// the gateway binaries.
func InitCLIParser(appName, appHelp string) *kingpin.Application {
	app := kingpin.New(appName, appHelp)
	app.UsageWriter(os.Stderr)
	app.HelpFlag.Short('h')
	return app
}

// FatalError prints the user-facing part of err to stderr and exits.
// The full trace is only interesting under --debug, where it has
// already been logged.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, "ERROR: "+trace.UserMessage(err))
	os.Exit(1)
}
