// Package obs builds the structured logger every other package takes a
// child of, and names the files the daemon writes (snapshot recordings,
// session logs) the way doismellburning-samoyed names its saved-audio
// files: a strftime pattern expanded against the current time.
package obs

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// Level mirrors the handful of verbosity levels the daemon's CLI exposes;
// it exists so internal/config doesn't need to import charmbracelet/log
// itself just to spell a level constant.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) charmLevel() log.Level {
	switch l {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Options configures NewLogger.
type Options struct {
	Level      Level
	ReportTime bool
	Prefix     string // root logger prefix, e.g. the node's name
}

// NewLogger builds the root logger every subsystem derives a
// `.With("component", ...)` child from, writing to w (typically
// os.Stderr, or a file opened by OpenTimestamped).
func NewLogger(w io.Writer, opts Options) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: opts.ReportTime,
		Level:           opts.Level.charmLevel(),
		Prefix:          opts.Prefix,
	})
	return l
}

// OpenTimestamped expands pattern as a strftime format string against
// now and opens (creating, truncating) the resulting path, the same
// mechanism used for save_audio_config_p.timestamp_format in
// doismellburning-samoyed's tq.go/xmit.go. A pattern with no time
// directives is opened as a literal, fixed path.
func OpenTimestamped(pattern string, now time.Time) (*os.File, error) {
	name, err := strftime.Format(pattern, now)
	if err != nil {
		return nil, fmt.Errorf("obs: expand timestamp pattern %q: %w", pattern, err)
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("obs: open %q: %w", name, err)
	}
	return f, nil
}
