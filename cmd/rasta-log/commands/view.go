// Package commands implements the rasta-log CLI commands.
package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	Channel   *int
}

// Matches reports whether event passes the filter.
func (f ViewFilter) Matches(event log.Event) bool {
	lf := log.Filter{
		Layer:     f.Layer,
		Direction: f.Direction,
		Category:  f.Category,
		ChannelID: f.Channel,
	}
	return lf.Matches(event)
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := shortenConnID(event.ConnectionID)

	// Direction only means something for payload events.
	dir := "-"
	if event.Category == log.CategoryData {
		dir = event.Direction.String()
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s%s\n", ts, connID, dir, event.Layer.String(), eventType(event), endpoint(event))

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	case event.Diagnostics != nil:
		formatDiagnosticsDetails(w, event.Diagnostics)
	}

	fmt.Fprintln(w) // Blank line between events
}

func eventType(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.StateChange != nil:
		return "State"
	case event.Error != nil:
		return "Error"
	case event.Diagnostics != nil:
		return "Diagnostics"
	default:
		return "Unknown"
	}
}

func endpoint(event log.Event) string {
	var parts []string
	if event.ChannelID >= 0 {
		parts = append(parts, fmt.Sprintf("ch=%d", event.ChannelID))
	}
	if event.SocketID >= 0 {
		parts = append(parts, fmt.Sprintf("sock=%d", event.SocketID))
	}
	if event.RemoteAddr != "" {
		parts = append(parts, event.RemoteAddr)
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// formatFrameDetails writes frame-specific details.
func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

// formatStateChangeDetails writes state change details.
func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

// formatErrorDetails writes error details.
func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Code != nil {
		fmt.Fprintf(w, "  Code: %d\n", *err.Code)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDiagnosticsDetails writes a completed diagnosis window.
func formatDiagnosticsDetails(w io.Writer, d *log.DiagnosticsEvent) {
	r := d.Record
	fmt.Fprintf(w, "  Window: %d  Received: %d  Missed: %d (%.2f%%)\n",
		d.Window, r.NDiagnose, r.NMissed, 100*r.MissedRatio())
	fmt.Fprintf(w, "  Drift: mean %s  variance %.3fms^2\n", formatDuration(r.MeanDrift()), r.DriftVariance())
	if !r.StartTime.IsZero() && !r.LastReceive.IsZero() {
		fmt.Fprintf(w, "  Span: %s\n", formatDuration(r.LastReceive.Sub(r.StartTime)))
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer string from command-line flag (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "socket":
		return log.LayerSocket, nil
	case "channel":
		return log.LayerChannel, nil
	case "session":
		return log.LayerSession, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be socket, channel, or session)", s)
	}
}

// ParseDirectionFlag parses a direction string from command-line flag (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category string from command-line flag (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "data":
		return log.CategoryData, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	case "diagnostics", "diag":
		return log.CategoryDiagnostics, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be data, state, error, or diagnostics)", s)
	}
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.OpenRotated(path, log.Filter{})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if !filter.Matches(event) {
			continue
		}
		formatEvent(output, event)
	}

	return nil
}
