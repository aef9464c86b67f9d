package utils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/worldgate/worldgate"
)

// InitLogger configures the process-wide logger. JSON output is used in
// production so log collectors can parse the component fields.
func InitLogger(level logrus.Level, json bool) {
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))
	logrus.SetLevel(level)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logrus.SetOutput(os.Stderr)
}

// InitLoggerForTests mutes the logger unless verbose test output was
// requested via the debug env var.
func InitLoggerForTests() {
	if os.Getenv(worldgate.DebugOutputEnvVar) != "" {
		InitLogger(logrus.DebugLevel, false)
		return
	}
	logrus.SetLevel(logrus.PanicLevel)
	logrus.SetOutput(io.Discard)
}
