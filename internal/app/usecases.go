package app

import (
	"context"
	"fmt"

	"github.com/letstalk/callkit/internal/domain"
)

// CallUseCases is the caller-facing façade over the coordinator. Every
// failure it returns is either a *domain.CallError taxonomy value or a
// plain argument error; raw engine errors never pass through.
type CallUseCases struct {
	coord *Coordinator
}

func NewCallUseCases(coord *Coordinator) *CallUseCases {
	return &CallUseCases{coord: coord}
}

// Initiate dials receiverID and returns the new call id.
func (u *CallUseCases) Initiate(ctx context.Context, callerID, receiverID string, ct domain.CallType) (string, error) {
	if callerID == "" || receiverID == "" {
		return "", fmt.Errorf("caller and receiver ids are required")
	}
	if ct != domain.CallTypeVoice && ct != domain.CallTypeVideo {
		return "", fmt.Errorf("unknown call type %q", ct)
	}
	id, err := u.coord.Initiate(ctx, callerID, receiverID, ct)
	if err != nil {
		return "", domain.Classify(err, domain.FailureSignalingWrite, "call initiation failed")
	}
	return id, nil
}

// Answer accepts the ringing call.
func (u *CallUseCases) Answer(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("call id is required")
	}
	if err := u.coord.Answer(ctx, callID); err != nil {
		return domain.Classify(err, domain.FailureNegotiation, "call answer failed")
	}
	return nil
}

// Reject declines the ringing call.
func (u *CallUseCases) Reject(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("call id is required")
	}
	if err := u.coord.Reject(ctx, callID); err != nil {
		return domain.Classify(err, domain.FailureSignalingWrite, "call reject failed")
	}
	return nil
}

// End hangs the call up on behalf of userID.
func (u *CallUseCases) End(ctx context.Context, callID, userID string) error {
	if callID == "" {
		return fmt.Errorf("call id is required")
	}
	if err := u.coord.End(ctx, callID, userID); err != nil {
		return domain.Classify(err, domain.FailureSignalingWrite, "call end failed")
	}
	return nil
}

// ObserveIncoming subscribes to calls ringing for the local user.
func (u *CallUseCases) ObserveIncoming() (<-chan domain.CallSession, func()) {
	return u.coord.IncomingCalls()
}

// States subscribes to the observable call state stream.
func (u *CallUseCases) States() (<-chan domain.CallState, func()) {
	return u.coord.States()
}

func (u *CallUseCases) SetMuted(ctx context.Context, muted bool) error {
	return u.coord.SetMuted(ctx, muted)
}

func (u *CallUseCases) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return u.coord.SetVideoEnabled(ctx, enabled)
}

func (u *CallUseCases) SwitchCamera(ctx context.Context) error {
	return u.coord.SwitchCamera(ctx)
}
