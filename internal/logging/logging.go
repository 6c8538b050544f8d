// Package logging builds the run logger.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// DefaultFile is the log file written next to the output
const DefaultFile = "error.log"

// Options select the log level and an optional JSON log file
type Options struct {
	Level string
	// File receives every entry as JSON lines; empty disables it
	File   string
	Output io.Writer
	// JSON switches the main output to JSON lines, e.g. for CloudWatch
	JSON bool
}

// New returns a logger writing text to Output (stderr by default) and, when
// File is set, JSON to the file. The returned close func releases the file.
func New(opts Options) (*logrus.Logger, func() error, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	if opts.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	closeFn := func() error { return nil }
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		log.AddHook(&fileHook{w: f, formatter: &logrus.JSONFormatter{}, levels: logrus.AllLevels[:level+1]})
		closeFn = f.Close
	}
	return log, closeFn, nil
}

// Discard returns a logger that drops everything
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fileHook mirrors entries to a second writer with its own formatter
type fileHook struct {
	w         io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

func (h *fileHook) Levels() []logrus.Level { return h.levels }

func (h *fileHook) Fire(e *logrus.Entry) error {
	b, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = h.w.Write(b)
	return err
}
