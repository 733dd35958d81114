// Package log configures logrus output for possync: a consistent structured
// formatter for the console and optional size-rotated file output.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewFormatter returns the standard possync log formatter. noColors disables
// terminal colors for file or pipeline output.
func NewFormatter(noColors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:   noColors,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		PadLevelText:    true,
	}
}

// Setup configures the global logrus instance. An empty logFile logs to
// stderr only; otherwise output is mirrored to a size-rotated file.
func Setup(level, logFile string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(parsed)
	logrus.SetFormatter(NewFormatter(logFile != ""))
	logrus.SetReportCaller(false)

	if logFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    32, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		logrus.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}
	return nil
}
