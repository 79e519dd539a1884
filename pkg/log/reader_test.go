package log

import (
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLog(t *testing.T, events ...Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.rlog")
	l, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}
	for _, e := range events {
		l.Log(e)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func collect(t *testing.T, r *Reader) []Event {
	t.Helper()
	defer r.Close()
	var out []Event
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, e)
	}
}

func TestReader(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	path := writeLog(t,
		Event{Timestamp: base, ConnectionID: "a", Layer: LayerSocket, Category: CategoryError, ChannelID: -1, SocketID: 1},
		Event{Timestamp: base.Add(time.Second), ConnectionID: "b", Direction: DirectionIn, Layer: LayerChannel, Category: CategoryData, ChannelID: 1, SocketID: 1},
		Event{Timestamp: base.Add(2 * time.Second), ConnectionID: "b", Direction: DirectionOut, Layer: LayerChannel, Category: CategoryData, ChannelID: 1, SocketID: 1},
		Event{Timestamp: base.Add(3 * time.Second), ConnectionID: "c", Layer: LayerSession, Category: CategoryState, ChannelID: 2, SocketID: -1},
	)

	chanOne := 1
	sockOne := 1
	layer := LayerSession
	dirOut := DirectionOut
	start := base.Add(time.Second)
	end := base.Add(3 * time.Second)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"All", Filter{}, 4},
		{"ConnectionID", Filter{ConnectionID: "b"}, 2},
		{"Channel", Filter{ChannelID: &chanOne}, 2},
		{"Socket", Filter{SocketID: &sockOne}, 3},
		{"Layer", Filter{Layer: &layer}, 1},
		{"TimeRange", Filter{TimeStart: &start, TimeEnd: &end}, 2},
		{"Combined", Filter{ConnectionID: "b", Direction: &dirOut}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewFilteredReader(path, tt.filter)
			if err != nil {
				t.Fatalf("NewFilteredReader: %v", err)
			}
			if got := len(collect(t, r)); got != tt.want {
				t.Errorf("got %d events, want %d", got, tt.want)
			}
		})
	}
}

func TestReaderEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.rlog")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if n := len(collect(t, r)); n != 0 {
		t.Errorf("got %d events from empty file", n)
	}
}

func TestReaderTruncatedFile(t *testing.T) {
	path := writeLog(t, Event{ConnectionID: "whole", ChannelID: 1, SocketID: 1})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(data, data[:len(data)/2]...), 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	if _, err := r.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Errorf("expected decode error for truncated event, got %v", err)
	}
}

// writeBackup writes events to name in dir, gzip-compressed when name ends
// in .gz, the way lumberjack leaves rotated files behind.
func writeBackup(t *testing.T, dir, name string, events ...Event) {
	t.Helper()
	data, err := os.ReadFile(writeLog(t, events...))
	if err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var w io.Writer = f
	if filepath.Ext(name) == ".gz" {
		zw := gzip.NewWriter(f)
		defer zw.Close()
		w = zw
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
}

func TestOpenRotated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rasta.rlog")

	writeBackup(t, dir, "rasta-2026-03-02T09-00-00.000.rlog", Event{ConnectionID: "second", ChannelID: 1})
	writeBackup(t, dir, "rasta-2026-03-01T09-00-00.000.rlog.gz", Event{ConnectionID: "first", ChannelID: 1})
	writeBackup(t, dir, "rasta.rlog", Event{ConnectionID: "third", ChannelID: 2}, Event{ConnectionID: "fourth", ChannelID: 1})
	// Neither belongs to the rotation set.
	writeBackup(t, dir, "rasta-node.rlog", Event{ConnectionID: "other"})
	writeBackup(t, dir, "rasta-2026-03-01T08-00-00.000.log", Event{ConnectionID: "other"})

	files, err := RotatedFiles(path)
	if err != nil {
		t.Fatalf("RotatedFiles: %v", err)
	}
	want := []string{
		filepath.Join(dir, "rasta-2026-03-01T09-00-00.000.rlog.gz"),
		filepath.Join(dir, "rasta-2026-03-02T09-00-00.000.rlog"),
		path,
	}
	if len(files) != len(want) {
		t.Fatalf("RotatedFiles = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %s, want %s", i, files[i], want[i])
		}
	}

	r, err := OpenRotated(path, Filter{})
	if err != nil {
		t.Fatalf("OpenRotated: %v", err)
	}
	var ids []string
	for _, e := range collect(t, r) {
		ids = append(ids, e.ConnectionID)
	}
	if len(ids) != 4 || ids[0] != "first" || ids[1] != "second" || ids[2] != "third" || ids[3] != "fourth" {
		t.Errorf("events = %v", ids)
	}

	ch := 1
	r, err = OpenRotated(path, Filter{ChannelID: &ch})
	if err != nil {
		t.Fatalf("OpenRotated: %v", err)
	}
	if n := len(collect(t, r)); n != 3 {
		t.Errorf("filtered rotated events = %d, want 3", n)
	}
}

func TestOpenRotatedMissing(t *testing.T) {
	if _, err := OpenRotated(filepath.Join(t.TempDir(), "none.rlog"), Filter{}); err == nil {
		t.Error("expected error for missing log")
	}
}
