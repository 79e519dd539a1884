package log

import (
	"go.uber.org/zap"
)

// ZapAdapter writes protocol events to a zap.Logger at debug level.
// Useful during development to see transport events on the console.
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapAdapter creates a ZapAdapter. A nil logger discards all events.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAdapter{logger: logger.Named("protocol")}
}

// Log writes the event at debug level.
func (a *ZapAdapter) Log(event Event) {
	if ce := a.logger.Check(zap.DebugLevel, "protocol"); ce != nil {
		ce.Write(Fields(event)...)
	}
}

// Fields renders an event as zap fields.
func Fields(event Event) []zap.Field {
	fields := []zap.Field{
		zap.String("conn_id", event.ConnectionID),
		zap.Stringer("direction", event.Direction),
		zap.Stringer("layer", event.Layer),
		zap.Stringer("category", event.Category),
	}
	if event.ChannelID >= 0 {
		fields = append(fields, zap.Int("channel", event.ChannelID))
	}
	if event.SocketID >= 0 {
		fields = append(fields, zap.Int("socket", event.SocketID))
	}
	if event.RemoteAddr != "" {
		fields = append(fields, zap.String("remote", event.RemoteAddr))
	}

	switch {
	case event.Frame != nil:
		fields = append(fields,
			zap.Int("size", event.Frame.Size),
			zap.Bool("truncated", event.Frame.Truncated),
		)
	case event.StateChange != nil:
		fields = append(fields,
			zap.Stringer("entity", event.StateChange.Entity),
			zap.String("old_state", event.StateChange.OldState),
			zap.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			fields = append(fields, zap.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		fields = append(fields,
			zap.Stringer("error_layer", event.Error.Layer),
			zap.String("error_msg", event.Error.Message),
			zap.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			fields = append(fields, zap.Int("error_code", *event.Error.Code))
		}
	case event.Diagnostics != nil:
		r := event.Diagnostics.Record
		fields = append(fields,
			zap.Uint32("n_diagnose", r.NDiagnose),
			zap.Uint32("n_missed", r.NMissed),
			zap.Uint64("t_drift", r.TDrift),
			zap.Uint64("t_drift2", r.TDrift2),
		)
	}
	return fields
}

var _ Logger = (*ZapAdapter)(nil)
