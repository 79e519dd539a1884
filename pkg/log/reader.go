package log

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// backupTimeFormat is the timestamp lumberjack puts into rotated file names,
// e.g. rasta-2026-03-02T09-30-00.000.rlog.
const backupTimeFormat = "2006-01-02T15-04-05.000"

// Filter specifies criteria for filtering log events.
// Empty/nil fields match all events for that criterion.
type Filter struct {
	// ConnectionID filters by exact connection ID match.
	ConnectionID string

	// Direction filters by data direction.
	Direction *Direction

	// Layer filters by transport layer.
	Layer *Layer

	// Category filters by event category.
	Category *Category

	// ChannelID filters by transport channel.
	ChannelID *int

	// SocketID filters by transport socket.
	SocketID *int

	// TimeStart filters events at or after this time.
	TimeStart *time.Time

	// TimeEnd filters events before this time.
	TimeEnd *time.Time
}

// Matches reports whether the event matches all filter criteria.
func (f *Filter) Matches(event Event) bool {
	if f.ConnectionID != "" && event.ConnectionID != f.ConnectionID {
		return false
	}
	if f.Direction != nil && event.Direction != *f.Direction {
		return false
	}
	if f.Layer != nil && event.Layer != *f.Layer {
		return false
	}
	if f.Category != nil && event.Category != *f.Category {
		return false
	}
	if f.ChannelID != nil && event.ChannelID != *f.ChannelID {
		return false
	}
	if f.SocketID != nil && event.SocketID != *f.SocketID {
		return false
	}
	if f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart) {
		return false
	}
	if f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd) {
		return false
	}
	return true
}

// Reader streams protocol log events from one or more CBOR log files in
// order. Files ending in .gz are decompressed on the fly.
type Reader struct {
	paths   []string
	next    int
	file    io.Closer
	decoder *cbor.Decoder
	filter  Filter
}

// NewReader creates a Reader that reads all events from the log file at path.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader creates a Reader that yields only events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	return newReader([]string{path}, filter)
}

// OpenRotated creates a Reader over the rotated backups of path, oldest
// first, followed by path itself. A path without backups reads like
// NewFilteredReader.
func OpenRotated(path string, filter Filter) (*Reader, error) {
	paths, err := RotatedFiles(path)
	if err != nil {
		return nil, err
	}
	return newReader(paths, filter)
}

func newReader(paths []string, filter Filter) (*Reader, error) {
	r := &Reader{paths: paths, filter: filter}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// open switches to the next file.
func (r *Reader) open() error {
	path := r.paths[r.next]
	r.next++

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	var src io.Reader = f
	r.file = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("%s: %w", path, err)
		}
		src = zr
		r.file = closers{zr, f}
	}
	r.decoder = NewDecoder(src)
	return nil
}

// Next returns the next matching event, or io.EOF after the last file.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			if !errors.Is(err, io.EOF) {
				return Event{}, err
			}
			if r.next == len(r.paths) {
				return Event{}, io.EOF
			}
			r.file.Close()
			if err := r.open(); err != nil {
				r.file = nopCloser{}
				return Event{}, err
			}
			continue
		}
		if r.filter.Matches(event) {
			return event, nil
		}
	}
}

// Close closes the current file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// RotatedFiles lists the files holding the log written to path: lumberjack
// backups ordered by rotation time, then path itself if it exists.
func RotatedFiles(path string) ([]string, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(filepath.Base(path), ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type backup struct {
		path string
		at   time.Time
	}
	var backups []backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".gz")
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
		at, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(dir, e.Name()), at: at})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].at.Before(backups[j].at) })

	paths := make([]string, 0, len(backups)+1)
	for _, b := range backups {
		paths = append(paths, b.path)
	}
	if _, err := os.Stat(path); err == nil {
		paths = append(paths, path)
	} else if len(paths) == 0 {
		return nil, err
	}
	return paths, nil
}

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
