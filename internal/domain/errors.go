package domain

import (
	"errors"
	"fmt"
)

// Store-level sentinels, wrapped by the signaling adapters.
var (
	ErrCallNotFound = errors.New("call not found")
	ErrCallExists   = errors.New("call already exists")
	ErrOfferMissing = errors.New("offer not published yet")
)

// FailureKind is the closed failure taxonomy surfaced to callers. Engine
// and store errors never leave the use-case layer untranslated.
type FailureKind int

const (
	FailureConnectionAllocation FailureKind = iota
	FailureMediaAcquisition
	FailureNegotiation
	FailureSignalingWrite
	FailureSignalingRead
	FailurePeerDisconnected
	FailureBusy
)

func (k FailureKind) String() string {
	switch k {
	case FailureConnectionAllocation:
		return "ConnectionAllocationFailed"
	case FailureMediaAcquisition:
		return "MediaAcquisitionFailed"
	case FailureNegotiation:
		return "NegotiationFailed"
	case FailureSignalingWrite:
		return "SignalingWriteFailed"
	case FailureSignalingRead:
		return "SignalingReadFailed"
	case FailurePeerDisconnected:
		return "PeerDisconnected"
	case FailureBusy:
		return "Busy"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// CallError pairs a taxonomy kind with a human-readable message and the
// underlying cause, if any.
type CallError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// NewCallError wraps cause (may be nil) into a taxonomy error.
func NewCallError(kind FailureKind, msg string, cause error) *CallError {
	return &CallError{Kind: kind, Message: msg, Err: cause}
}

// Classify returns err as a *CallError, wrapping foreign errors with the
// given fallback kind so raw engine errors never reach callers.
func Classify(err error, fallback FailureKind, msg string) *CallError {
	if err == nil {
		return nil
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}
	return NewCallError(fallback, msg, err)
}
