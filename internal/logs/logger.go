// Package logs configures the process-wide logrus logger.
package logs

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger is the application logger. It is usable before Init.
var Logger = logrus.StandardLogger()

// Options configure Init.
type Options struct {
	Level  string    // trace|debug|info|warning|error|fatal
	Format string    // text|json
	File   string    // log file prefix; empty logs to Output only
	Output io.Writer // defaults to os.Stdout
}

// ParseLevel maps a configured level to logrus, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warning", "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	}
	return logrus.InfoLevel
}

// Init builds the global logger. When opts.File is set, output goes to
// both opts.Output and "<File>_<timestamp>.log"; the returned closer
// releases that file.
func Init(opts Options) (io.Closer, error) {
	l := logrus.New()
	l.SetLevel(ParseLevel(opts.Level))

	if opts.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		name := fmt.Sprintf("%s_%s.log", opts.File, time.Now().Format("2006-01-02_15-04-05"))
		file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", name, err)
		}
		l.SetOutput(io.MultiWriter(file, out))
		closer = file
	} else {
		l.SetOutput(out)
	}

	Logger = l
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
