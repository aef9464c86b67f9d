/*
Copyright 2025 Worldgate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
	"github.com/worldgate/worldgate/lib/config"
	"github.com/worldgate/worldgate/lib/service"
	"github.com/worldgate/worldgate/lib/utils"
)

var log = logrus.WithFields(logrus.Fields{
	trace.Component: worldgate.ComponentService,
})

func main() {
	if err := Run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

// Run parses the command line and dispatches. Split from main so tests
// can drive it.
func Run(args []string) error {
	var debug bool
	var settings config.Config

	app := utils.InitCLIParser("worldgate", "Worldgate: relay gateway between HTTP clients and game worlds.")
	app.Flag("debug", "Verbose logging to stderr.").Short('d').BoolVar(&debug)

	startCmd := app.Command("start", "Start the relay gateway.")
	config.RegisterFlags(startCmd, &settings)

	versionCmd := app.Command("version", "Print the gateway version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(onStart(&settings, debug))
	case versionCmd.FullCommand():
		fmt.Printf("Worldgate v%v %v\n", worldgate.Version, runtime.Version())
		return nil
	}
	// Unreachable unless a command above is missing its case.
	return trace.BadParameter("command %q not configured", command)
}

func onStart(settings *config.Config, debug bool) error {
	if err := settings.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	level := settings.LogLevel()
	if debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(level, settings.LogJSON())
	log.WithField("config", settings.String()).Infof("Starting worldgate v%v.", worldgate.Version)

	ctx := context.Background()
	relay, err := service.New(ctx, service.Config{Settings: settings})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(relay.Run(ctx))
}
