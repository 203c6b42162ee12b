// Package common provides the shared logging infrastructure for the LWS
// emulator: a process-global logrus logger with stream-separated output,
// and the bounded access-log ring buffer consumed by the management
// WebSocket.
//
// Error-level messages are routed to stderr while everything else goes to
// stdout, so container runtimes and shell scripts can treat the two
// streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout based on
// their level marker. It operates on the final formatted output, so it
// works with both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing the logrus error-level
// marker go to stderr, everything else to stdout.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-global logger. Services derive their own entries
// with WithField("service", name).
var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&OutputSplitter{})
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// ConfigureLogger applies the configured level and format to the global
// logger. Unknown values fall back to info/text.
func ConfigureLogger(level, format string) {
	switch level {
	case "debug":
		Logger.SetLevel(logrus.DebugLevel)
	case "warn":
		Logger.SetLevel(logrus.WarnLevel)
	case "error":
		Logger.SetLevel(logrus.ErrorLevel)
	default:
		Logger.SetLevel(logrus.InfoLevel)
	}
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// ServiceLogger returns an entry scoped to one emulated service.
func ServiceLogger(service string) *logrus.Entry {
	return Logger.WithField("service", service)
}
