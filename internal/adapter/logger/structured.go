package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Options select how the process logs.
type Options struct {
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	File   string // optional copy of every line
}

// Setup configures the standard logrus logger. Logs always go to stderr so
// stdout stays free for reports; a log file receives a copy. The returned
// closer releases the file and is safe to call when none was opened.
func Setup(opts Options) (io.Closer, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		l, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nopCloser{}, fmt.Errorf("log level: %w", err)
		}
		level = l
	}
	logrus.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nopCloser{}, fmt.Errorf("log format %q: want text or json", opts.Format)
	}

	if opts.File == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logrus.SetOutput(os.Stderr)
		logrus.WithError(err).Error("Could not create file for logging")
		return nopCloser{}, nil
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, file))
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
