// Package logging builds the logrus logger used across the tool. Lines are
// rendered as "LEVEL: message" because calling tooling matches on these
// prefixes.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// PrefixFormatter renders entries as "INFO: message key=value ...".
type PrefixFormatter struct {
	// Timestamps prepends the entry time in RFC3339.
	Timestamps bool
}

// Format implements logrus.Formatter.
func (f *PrefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	if f.Timestamps {
		b.WriteString(entry.Time.Format("2006-01-02T15:04:05Z07:00"))
		b.WriteByte(' ')
	}
	b.WriteString(LevelPrefix(entry.Level))
	b.WriteString(": ")
	b.WriteString(strings.TrimRight(entry.Message, "\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// LevelPrefix returns the severity word used at the start of a line.
func LevelPrefix(level logrus.Level) string {
	switch level {
	case logrus.WarnLevel:
		return "WARNING"
	case logrus.PanicLevel, logrus.FatalLevel:
		return "FATAL"
	default:
		return strings.ToUpper(level.String())
	}
}

// New returns a logger writing prefixed lines to out at the named level.
func New(out io.Writer, level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	logger.SetFormatter(&PrefixFormatter{})
	return logger, nil
}

// Default returns an info-level logger on stderr.
func Default() *logrus.Logger {
	logger, _ := New(os.Stderr, "info")
	return logger
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
