// Package common provides the shared logging infrastructure and the message
// envelope used by every component of the document-processing pipeline.
//
// The logging system is built on logrus with custom output handling that
// directs error-level messages to stderr while other levels go to stdout,
// enabling proper stream separation in containerized environments.
//
// Key Features:
//   - Automatic output stream routing based on log level
//   - Structured logging with JSON and text format support
//   - Global logger instance for consistent usage patterns
//
// Usage:
//
//	common.Logger.WithFields(logrus.Fields{
//	    "request_id": msg.RequestID,
//	    "trace_id":   msg.TraceID,
//	}).Info("message_received")
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log output to stdout or stderr depending
// on the entry's level. Error entries go to stderr so orchestration platforms
// and shell scripts can capture them independently; everything else goes to
// stdout for general log processing.
type OutputSplitter struct{}

// Write implements io.Writer. It inspects the formatted entry for the
// level=error marker (also present as "level":"error" in JSON output) and
// selects the stream accordingly.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all pipeline services.
// It is pre-configured with the OutputSplitter; services customize the
// formatter and level through ConfigureLogging at startup.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogging applies the service-wide logging configuration.
// Format is "json" or "text"; level is one of debug, info, warn, error.
// Unknown values fall back to JSON at info level, which is the production
// default for log aggregation.
func ConfigureLogging(format, level string) {
	if format == "text" {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)
}

// ComponentLogger returns an entry bound to a component name so every
// log line produced by a worker carries its identity.
func ComponentLogger(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}
