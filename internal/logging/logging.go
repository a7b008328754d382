// Package logging builds the relay's structured logger: a logiface facade
// (github.com/joeycumines/logiface) backed by zerolog
// (github.com/joeycumines/izerolog wrapping github.com/rs/zerolog), so
// every package downstream depends only on logiface.Logger[logiface.Event]
// and never on zerolog directly.
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// ParseLevel maps the relay's config level names onto logiface's syslog-style
// levels.
func ParseLevel(name string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "emergency", "emerg":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "critical", "crit":
		return logiface.LevelCritical, nil
	case "error", "err":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info", "informational":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("logging: unrecognized level %q", name)
	}
}

// New builds a logiface.Logger[logiface.Event] that writes newline-delimited
// JSON to w at the given level.
func New(w io.Writer, level logiface.Level) logiface.Logger[logiface.Event] {
	zl := zerolog.New(w).With().Timestamp().Logger()
	l := izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(level),
	)
	return *l.Logger()
}
