// Package logging builds the go-kit loggers used for diagnostics.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Level names accepted by ParseLevel.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ParseLevel maps a level name to a level filter option.
func ParseLevel(name string) (level.Option, error) {
	switch strings.ToLower(name) {
	case LevelDebug:
		return level.AllowDebug(), nil
	case LevelInfo, "":
		return level.AllowInfo(), nil
	case LevelWarn:
		return level.AllowWarn(), nil
	case LevelError:
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", name)
	}
}

// New returns a logfmt logger writing to w. Verbose lowers the threshold to
// debug and quiet raises it to error; verbose wins if both are set.
func New(w io.Writer, verbose, quiet bool) log.Logger {
	name := LevelInfo
	switch {
	case verbose:
		name = LevelDebug
	case quiet:
		name = LevelError
	}
	logger, _ := NewWithLevel(w, name)
	return logger
}

// NewWithLevel returns a logfmt logger writing to w that keeps records at or
// above the named level.
func NewWithLevel(w io.Writer, name string) (log.Logger, error) {
	opt, err := ParseLevel(name)
	if err != nil {
		return nil, err
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC), nil
}

// Nop returns a logger that discards everything.
func Nop() log.Logger {
	return log.NewNopLogger()
}
