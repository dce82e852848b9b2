package config

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Logger returns the shared logger for this configuration.
func (c *Config) Logger() *log.Logger {
	if c == nil {
		return log.Default()
	}
	c.logOnce.Do(func() {
		if c.logger == nil {
			c.logger = newLogger(os.Stderr, c.Logging.Level)
		}
	})
	return c.logger
}

// SetLogOutput replaces the logger with one writing to w.
func (c *Config) SetLogOutput(w io.Writer) {
	c.logOnce.Do(func() {})
	c.logger = newLogger(w, c.Logging.Level)
}

func newLogger(w io.Writer, level string) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		Prefix:          "jsbridge",
		ReportTimestamp: true,
	})
	if lvl, err := log.ParseLevel(strings.ToLower(level)); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// Log logs a message if the configured verbosity is at least level.
// Level 0 always logs.
func (c *Config) Log(level int, format string, args ...any) {
	if level > c.Verbosity() {
		return
	}
	c.Logger().Infof(format, args...)
}
