package diagnostics

import "time"

// DefaultWindow is the default diagnosis window size (N_diagnose).
const DefaultWindow uint32 = 200

// Record accumulates link quality metrics for one transport channel.
// CBOR encoding uses integer keys so records can be embedded in protocol logs.
type Record struct {
	// NDiagnose is the number of messages received in the current window.
	NDiagnose uint32 `cbor:"1,keyasint" yaml:"n_diagnose"`

	// NMissed is the number of messages that arrived on another channel but
	// never on this one within the current window.
	NMissed uint32 `cbor:"2,keyasint" yaml:"n_missed"`

	// TDrift is the accumulated delivery delay in milliseconds.
	TDrift uint64 `cbor:"3,keyasint" yaml:"t_drift"`

	// TDrift2 is the accumulated square of the delivery delay in ms².
	TDrift2 uint64 `cbor:"4,keyasint" yaml:"t_drift2"`

	// StartTime is when the current window started.
	StartTime time.Time `cbor:"5,keyasint" yaml:"start_time"`

	// LastReceive is the time of the most recent successful receive.
	LastReceive time.Time `cbor:"6,keyasint,omitempty" yaml:"last_receive,omitempty"`

	// PacketsReceived counts reads that delivered data, across windows.
	PacketsReceived uint64 `cbor:"7,keyasint" yaml:"packets_received"`

	// BytesReceived counts payload bytes, across windows.
	BytesReceived uint64 `cbor:"8,keyasint" yaml:"bytes_received"`

	// ReceiveErrors counts failed reads (not would-block), across windows.
	ReceiveErrors uint64 `cbor:"9,keyasint" yaml:"receive_errors"`
}

// New returns a record whose first window starts at start.
func New(start time.Time) Record {
	return Record{StartTime: start}
}

// Received accounts one delivered read of n bytes at the given time.
func (r *Record) Received(n int, at time.Time) {
	r.NDiagnose++
	r.PacketsReceived++
	if n > 0 {
		r.BytesReceived += uint64(n)
	}
	r.LastReceive = at
}

// Missed accounts a message that this channel did not deliver.
func (r *Record) Missed() {
	r.NMissed++
}

// Drift accounts the delay between the first delivery of a message on any
// channel and its delivery on this one. Negative delays count as zero.
func (r *Record) Drift(d time.Duration) {
	if d < 0 {
		d = 0
	}
	ms := uint64(d / time.Millisecond)
	r.TDrift += ms
	r.TDrift2 += ms * ms
}

// Failed accounts a receive error.
func (r *Record) Failed() {
	r.ReceiveErrors++
}

// Complete reports whether the current window holds at least window messages.
// A zero window never completes.
func (r *Record) Complete(window uint32) bool {
	return window > 0 && r.NDiagnose >= window
}

// Reset starts a new window at the given time. Lifetime counters are kept.
func (r *Record) Reset(at time.Time) {
	r.NDiagnose = 0
	r.NMissed = 0
	r.TDrift = 0
	r.TDrift2 = 0
	r.StartTime = at
}

// MeanDrift returns the mean delivery delay over the current window.
func (r Record) MeanDrift() time.Duration {
	if r.NDiagnose == 0 {
		return 0
	}
	return time.Duration(r.TDrift/uint64(r.NDiagnose)) * time.Millisecond
}

// DriftVariance returns the variance of the delivery delay in ms².
func (r Record) DriftVariance() float64 {
	if r.NDiagnose == 0 {
		return 0
	}
	n := float64(r.NDiagnose)
	mean := float64(r.TDrift) / n
	v := float64(r.TDrift2)/n - mean*mean
	if v < 0 {
		return 0
	}
	return v
}

// MissedRatio returns NMissed relative to all messages seen in the window.
func (r Record) MissedRatio() float64 {
	total := r.NDiagnose + r.NMissed
	if total == 0 {
		return 0
	}
	return float64(r.NMissed) / float64(total)
}
