package log

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger writes protocol events to a file in CBOR format.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	out     io.WriteCloser
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// NewFileLogger creates a FileLogger that appends to the file at path. The
// file is created with permissions 0644 if it doesn't exist.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return newFileLogger(f), nil
}

// ErrNotRotating is returned by Rotate on a logger without rotation.
var ErrNotRotating = errors.New("log file is not rotating")

// RotationOptions controls the backups of a rotating protocol log. Zero
// values keep lumberjack's defaults (100 MB, all backups, no age limit).
type RotationOptions struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Compress gzips backups; Reader and OpenRotated read them transparently.
	Compress bool
}

// NewRotatingFileLogger creates a FileLogger that rotates the file at path
// once it exceeds opts.MaxSizeMB. Each event is encoded with a single write,
// so rotation never splits an event.
func NewRotatingFileLogger(path string, opts RotationOptions) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	f.Close()

	return newFileLogger(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}), nil
}

func newFileLogger(w io.WriteCloser) *FileLogger {
	return &FileLogger{out: w, encoder: NewEncoder(w)}
}

// Log writes an event to the log file.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	// Logging must not disrupt the transport.
	_ = l.encoder.Encode(event)
}

// Rotate closes the current file, moves it to a timestamped backup and
// starts a new one.
func (l *FileLogger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lj, ok := l.out.(*lumberjack.Logger)
	if !ok {
		return ErrNotRotating
	}
	if l.closed {
		return os.ErrClosed
	}
	return lj.Rotate()
}

// Close closes the log file. It is safe to call Close multiple times; later
// Log calls are ignored.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.out.Close()
}

var _ Logger = (*FileLogger)(nil)
