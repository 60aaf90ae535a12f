/*
logging.go - Logger construction

PURPOSE:
  Builds the logrus logger shared by the ledger service, the HTTP adapter
  and the scheduled jobs. Nothing here is global: callers own the logger
  and pass it down.

SETTINGS:
  level   debug | info | warn | error (unknown values fall back to info)
  format  json | text
  output  stdout | stderr | <file path> (appended)
*/
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05"

// New returns a configured logger. The returned closer releases the output
// file, if one was opened; it is a no-op for stdout and stderr.
func New(level, format, output string) (*logrus.Logger, io.Closer, error) {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}

	var closer io.Closer = nopCloser{}
	switch output {
	case "", "stdout":
		log.SetOutput(os.Stdout)
	case "stderr":
		log.SetOutput(os.Stderr)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		log.SetOutput(f)
		closer = f
	}

	return log, closer, nil
}

// Discard returns a logger that drops everything. Used by tests and by
// one-shot CLI commands that print their own output.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.PanicLevel)
	return log
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
