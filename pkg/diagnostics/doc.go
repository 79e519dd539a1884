// Package diagnostics holds the per-channel link quality record kept by the
// transport layer.
//
// The record follows the transport channel diagnostics of the redundancy layer
// (clause 6.6.3.2): within a diagnosis window of N_diagnose received messages the
// channel counts messages it missed (N_missed) and accumulates the delivery delay
// relative to the fastest channel (T_drift) together with its square (T_drift2),
// from which mean and variance of the drift are derived.
//
// A Record is plain data. It is mutated only by the transport channel that owns
// it, on receive events; everything else works on copies.
package diagnostics
