// Package logger provides the zerolog setup shared by every daemon
// component, plus a per-backend rotating log writer.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process-wide logger. In a terminal it uses zerolog's
// console writer; otherwise it emits newline-delimited JSON, matching the
// teacher's own unstructured-vs-structured toggle.
func New(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var w io.Writer = os.Stderr
	if isTerminal(os.Stderr) {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// BackendWriter returns a rotating writer for one backend's append-only log
// file at <logs>/<backendID>.log.
func BackendWriter(path string) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
}

// BackendLogger returns a JSON-lines zerolog.Logger writing to path, with
// a "server" field pre-populated so every line self-identifies.
func BackendLogger(path, backendID, backendName string) zerolog.Logger {
	w := BackendWriter(path)
	return zerolog.New(w).With().
		Timestamp().
		Str("category", "backend").
		Interface("server", map[string]string{"id": backendID, "name": backendName}).
		Logger()
}
