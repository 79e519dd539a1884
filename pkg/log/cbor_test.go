package log

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rasta-protocol/rasta-go/pkg/diagnostics"
)

func TestEventCBORRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	code := 111

	tests := []struct {
		name  string
		event Event
	}{
		{
			name: "Frame",
			event: Event{
				Timestamp: ts, ConnectionID: "c1", Direction: DirectionOut,
				Layer: LayerChannel, Category: CategoryData, ChannelID: 1, SocketID: -1,
				RemoteAddr: "127.0.0.1:9000",
				Frame:      &FrameEvent{Size: 4, Data: []byte("ping")},
			},
		},
		{
			name: "StateChange",
			event: Event{
				Timestamp: ts, ConnectionID: "c2", Layer: LayerSession, Category: CategoryState,
				ChannelID: 2, SocketID: 1,
				StateChange: &StateChangeEvent{
					Entity: StateEntitySession, OldState: "READY", NewState: "CLOSED", Reason: "handshake failed",
				},
			},
		},
		{
			name: "Error",
			event: Event{
				Timestamp: ts, Layer: LayerSocket, Category: CategoryError, ChannelID: -1, SocketID: 3,
				Error: &ErrorEventData{Layer: LayerSocket, Message: "too many open files", Code: &code, Context: "accept"},
			},
		},
		{
			name: "Diagnostics",
			event: Event{
				Timestamp: ts, Layer: LayerChannel, Category: CategoryDiagnostics, ChannelID: 4, SocketID: -1,
				Diagnostics: &DiagnosticsEvent{
					Window: 200,
					Record: diagnostics.Record{NDiagnose: 200, NMissed: 2, TDrift: 40, TDrift2: 900},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeEvent(tt.event)
			if err != nil {
				t.Fatalf("EncodeEvent: %v", err)
			}
			got, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if !got.Timestamp.Equal(tt.event.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", got.Timestamp, tt.event.Timestamp)
			}
			if got.ChannelID != tt.event.ChannelID || got.SocketID != tt.event.SocketID {
				t.Errorf("ids = %d/%d, want %d/%d", got.ChannelID, got.SocketID, tt.event.ChannelID, tt.event.SocketID)
			}
			if (got.Frame == nil) != (tt.event.Frame == nil) ||
				(got.StateChange == nil) != (tt.event.StateChange == nil) ||
				(got.Error == nil) != (tt.event.Error == nil) ||
				(got.Diagnostics == nil) != (tt.event.Diagnostics == nil) {
				t.Fatalf("payload mismatch: %+v", got)
			}
			if got.Diagnostics != nil && got.Diagnostics.Record.NMissed != 2 {
				t.Errorf("NMissed = %d, want 2", got.Diagnostics.Record.NMissed)
			}
			if got.Error != nil && (got.Error.Code == nil || *got.Error.Code != code) {
				t.Errorf("Error.Code = %v, want %d", got.Error.Code, code)
			}
		})
	}
}

func TestEventCBORUsesIntegerKeys(t *testing.T) {
	data, err := EncodeEvent(Event{ConnectionID: "x", ChannelID: 1, SocketID: 2})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}

	var raw map[any]any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for k := range raw {
		if _, ok := k.(uint64); !ok {
			t.Errorf("key %v (%T) is not an integer", k, k)
		}
	}
}

func TestDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(Event{ChannelID: i, SocketID: -1}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	var ids []int
	err := DecodeStream(bytes.NewReader(buf.Bytes()), func(e Event) error {
		ids = append(ids, e.ChannelID)
		return nil
	})
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if len(ids) != 3 || ids[2] != 2 {
		t.Errorf("ids = %v", ids)
	}

	stop := errors.New("stop")
	err = DecodeStream(bytes.NewReader(buf.Bytes()), func(Event) error { return stop })
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want stop", err)
	}
}
