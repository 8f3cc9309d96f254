// Package snapdbproxy assembles the proxy application: configuration,
// logging, and the service lifecycle from schema initialization to
// accepting clients.
package snapdbproxy

import (
	"flag"
	"io"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// LogConfig controls where and how much the application logs.
type LogConfig struct {
	File    string `yaml:"file"`
	Disable bool   `yaml:"disable"`
	Debug   bool   `yaml:"debug"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *LogConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.File, "log.file", "", "Write logs to this file instead of stderr.")
	f.BoolVar(&cfg.Disable, "log.disable", false, "Do not log at all.")
	f.BoolVar(&cfg.Debug, "debug", false, "Also log debug lines.")
}

// Logger is the application logger. When logging to a file it can reopen
// it in place, which is what the control plane's LOG command asks for
// after rotation.
type Logger struct {
	log.Logger

	mtx  sync.Mutex
	path string
	file *os.File
}

// NewLogger builds the logger described by cfg.
func NewLogger(cfg LogConfig) (*Logger, error) {
	l := &Logger{}
	if cfg.Disable {
		l.Logger = log.NewNopLogger()
		return l, nil
	}

	var w io.Writer = os.Stderr
	if cfg.File != "" {
		file, err := openLogFile(cfg.File)
		if err != nil {
			return nil, err
		}
		l.path = cfg.File
		l.file = file
		w = l
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	if cfg.Debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	l.Logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return l, nil
}

func openLogFile(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	return file, errors.Wrap(err, "open logfile")
}

// Write sends a formatted line to the current logfile.
func (l *Logger) Write(p []byte) (int, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.file == nil {
		return len(p), nil
	}
	return l.file.Write(p)
}

// Reopen closes and reopens the logfile so an external rotation can take
// the old one away. A no-op when logging to stderr or not at all.
func (l *Logger) Reopen() error {
	if l.path == "" || l.file == nil {
		return nil
	}
	file, err := openLogFile(l.path)
	if err != nil {
		return err
	}
	l.mtx.Lock()
	old := l.file
	l.file = file
	l.mtx.Unlock()
	return old.Close()
}

// Close releases the logfile, if any.
func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
