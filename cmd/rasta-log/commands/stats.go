package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Channels          map[int]*ChannelStats
	Connections       int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ChannelStats holds statistics for a single transport channel.
type ChannelStats struct {
	FirstSeen    time.Time
	LastSeen     time.Time
	Events       int
	FramesIn     int
	FramesOut    int
	BytesIn      int
	BytesOut     int
	StateChanges int
	Errors       int
	Windows      int
	Missed       uint32
	LastState    string
}

// CollectStats reads all events of the log file.
func CollectStats(path string) (*Stats, error) {
	reader, err := log.OpenRotated(path, log.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Channels:          make(map[int]*ChannelStats),
	}
	conns := make(map[string]struct{})

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByLayer[event.Layer]++
		stats.EventsByCategory[event.Category]++
		if event.Frame != nil {
			stats.EventsByDirection[event.Direction]++
		}
		if event.ConnectionID != "" {
			conns[event.ConnectionID] = struct{}{}
		}
		if event.Error != nil {
			stats.Errors++
		}

		// Track time range
		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		if event.ChannelID < 0 {
			continue
		}
		ch, ok := stats.Channels[event.ChannelID]
		if !ok {
			ch = &ChannelStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
			stats.Channels[event.ChannelID] = ch
		}
		ch.Events++
		if event.Timestamp.After(ch.LastSeen) {
			ch.LastSeen = event.Timestamp
		}
		switch {
		case event.Frame != nil && event.Direction == log.DirectionIn:
			ch.FramesIn++
			ch.BytesIn += event.Frame.Size
		case event.Frame != nil:
			ch.FramesOut++
			ch.BytesOut += event.Frame.Size
		case event.StateChange != nil:
			ch.StateChanges++
			if event.StateChange.Entity == log.StateEntityChannel {
				ch.LastState = event.StateChange.NewState
			}
		case event.Error != nil:
			ch.Errors++
		case event.Diagnostics != nil:
			ch.Windows++
			ch.Missed += event.Diagnostics.Record.NMissed
		}
	}
	stats.Connections = len(conns)
	return stats, nil
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := CollectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== RaSTA Transport Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Connections:  %d\n", stats.Connections)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerSocket, log.LayerChannel, log.LayerSession} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryData, log.CategoryState, log.CategoryError, log.CategoryDiagnostics} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Frames by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Channels: %d\n", len(stats.Channels))
	ids := make([]int, 0, len(stats.Channels))
	for id := range stats.Channels {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		c := stats.Channels[id]
		fmt.Fprintf(w, "  [%d] %d events over %s\n", id, c.Events, c.LastSeen.Sub(c.FirstSeen).Round(time.Millisecond))
		fmt.Fprintf(w, "       in: %d frames / %d bytes  out: %d frames / %d bytes\n", c.FramesIn, c.BytesIn, c.FramesOut, c.BytesOut)
		if c.StateChanges > 0 {
			fmt.Fprintf(w, "       state changes: %d (last: %s)\n", c.StateChanges, c.LastState)
		}
		if c.Windows > 0 {
			fmt.Fprintf(w, "       diagnosis windows: %d, missed: %d\n", c.Windows, c.Missed)
		}
		if c.Errors > 0 {
			fmt.Fprintf(w, "       errors: %d\n", c.Errors)
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
