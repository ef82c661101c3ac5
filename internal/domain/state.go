package domain

import "time"

// CallState is the UI-facing view of the engine, a closed set of variants.
// Consumers are expected to switch over all of them.
type CallState interface{ callState() }

type StateIdle struct{}

type StateOutgoing struct {
	Call CallSession
}

type StateIncoming struct {
	Call CallSession
}

type StateActive struct {
	Call         CallSession
	Muted        bool
	VideoEnabled bool
	FrontCamera  bool
	Duration     time.Duration
}

// StateEnded carries the terminal status the call finished with and how
// long it was connected (zero when it never reached CONNECTED).
type StateEnded struct {
	Call     CallSession
	Reason   CallStatus
	Duration time.Duration
}

type StateFailed struct {
	Call    CallSession
	Message string
}

func (StateIdle) callState()     {}
func (StateOutgoing) callState() {}
func (StateIncoming) callState() {}
func (StateActive) callState()   {}
func (StateEnded) callState()    {}
func (StateFailed) callState()   {}

// Kind returns a stable wire name for a state variant.
func Kind(st CallState) string {
	switch st.(type) {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
