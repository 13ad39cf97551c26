// Package build gives the runtime's subsystem loggers a destination. A
// LogManager owns the process-wide log sinks (console, size-rotated file,
// or both), hands out one tagged logger per subsystem, and keeps every
// logger it handed out on a common level. Wire it to a runtime with
// loom.UseLogManager.
package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/jrick/logrotate/rotator"
)

// DefaultLogFilename is the log file name used when LogConfig does not
// name one.
const DefaultLogFilename = "loom.log"

// LogConfig describes where runtime log output goes. The zero value
// discards everything, which is also what a runtime does before a
// manager is wired at all.
type LogConfig struct {
	// Console mirrors output to stdout.
	Console bool

	// Dir enables file logging into this directory when non-empty.
	Dir string

	// Filename overrides DefaultLogFilename.
	Filename string

	// MaxFileSizeMB is the rotation threshold in megabytes; zero means
	// 10.
	MaxFileSizeMB int

	// MaxFiles is how many rotated files to keep; zero keeps a single
	// unbounded file.
	MaxFiles int

	// Compress gzips rotated files.
	Compress bool

	// Level is the initial level of every subsystem logger. The zero
	// value is trace, which shows everything.
	Level btclog.Level
}

// LogManager owns the sinks and the per-subsystem handler registry. One
// manager serves any number of runtimes in a process; subsystem tags
// keep their output apart.
type LogManager struct {
	handler btclogv2.Handler
	subs    map[string]btclogv2.Handler
	level   btclog.Level
	rot     *fileRotator
}

// NewLogManager builds the configured sinks. With neither console nor
// file configured the manager still works and discards all output.
func NewLogManager(cfg LogConfig) (*LogManager, error) {
	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, os.Stdout)
	}

	var rot *fileRotator
	if cfg.Dir != "" {
		var err error
		rot, err = newFileRotator(cfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, rot)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, io.Discard)
	}

	handler := btclogv2.NewDefaultHandler(io.MultiWriter(sinks...))
	handler.SetLevel(cfg.Level)

	return &LogManager{
		handler: handler,
		subs:    make(map[string]btclogv2.Handler),
		level:   cfg.Level,
		rot:     rot,
	}, nil
}

// Logger returns the logger for one subsystem tag, creating it on first
// use. Repeated calls with the same tag share one handler, so a later
// SetLevel reaches every logger ever handed out.
func (m *LogManager) Logger(subsystem string) btclogv2.Logger {
	h, ok := m.subs[subsystem]
	if !ok {
		h = m.handler.SubSystem(subsystem)
		h.SetLevel(m.level)
		m.subs[subsystem] = h
	}

	return btclogv2.NewSLogger(h)
}

// SetLevel moves every subsystem logger, current and future, to the
// given level.
func (m *LogManager) SetLevel(level btclog.Level) {
	m.level = level
	m.handler.SetLevel(level)
	for _, h := range m.subs {
		h.SetLevel(level)
	}
}

// Level returns the manager's current level.
func (m *LogManager) Level() btclog.Level {
	return m.level
}

// Close flushes and stops the file sink, if one was configured.
func (m *LogManager) Close() error {
	if m.rot == nil {
		return nil
	}

	return m.rot.Close()
}

// fileRotator adapts the reader-driven jrick/logrotate rotator into an
// io.Writer the handler's MultiWriter can feed.
type fileRotator struct {
	pipe *io.PipeWriter
}

// newFileRotator opens the rotated log file under cfg.Dir and starts the
// goroutine that drains writes into it.
func newFileRotator(cfg LogConfig) (*fileRotator, error) {
	name := cfg.Filename
	if name == "" {
		name = DefaultLogFilename
	}
	sizeMB := cfg.MaxFileSizeMB
	if sizeMB <= 0 {
		sizeMB = 10
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create log directory: %w",
			err)
	}

	r, err := rotator.New(
		filepath.Join(cfg.Dir, name), int64(sizeMB*1024), false,
		cfg.MaxFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create log rotator: %w", err)
	}
	if cfg.Compress {
		r.SetCompressor(gzip.NewWriter(nil), ".gz")
	}

	pr, pw := io.Pipe()
	go func() {
		if err := r.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"log rotator stopped: %v\n", err)
		}
	}()

	return &fileRotator{pipe: pw}, nil
}

// Write feeds one record to the rotator goroutine.
func (f *fileRotator) Write(b []byte) (int, error) {
	return f.pipe.Write(b)
}

// Close signals the rotator goroutine to flush and exit.
func (f *fileRotator) Close() error {
	return f.pipe.Close()
}
