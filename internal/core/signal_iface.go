package core

import (
	"context"

	"github.com/letstalk/callkit/internal/domain"
)

// SignalingChannel is the only port touching the shared call store.
//
// Observe* methods deliver at-least-once and stay live until ctx is
// canceled; the returned channel is closed afterwards. Deduplication is
// the consumer's job.
type SignalingChannel interface {
	// PublishOffer creates the call document with the offer embedded.
	// Fails wrapping domain.ErrCallExists when the id is already taken.
	PublishOffer(ctx context.Context, session domain.CallSession) error
	// PublishAnswer stores the answer SDP. Fails wrapping
	// domain.ErrCallNotFound or domain.ErrOfferMissing.
	PublishAnswer(ctx context.Context, callID, sdp string) error
	// UpdateOffer replaces the offer during renegotiation and clears any
	// previous answer so the remote side answers again.
	UpdateOffer(ctx context.Context, callID, sdp string) error
	// UpdateStatus moves the shared status forward. A write that would
	// move it backward is a benign no-op, not an error.
	UpdateStatus(ctx context.Context, callID string, status domain.CallStatus) error
	// PublishLocalCandidate appends to the candidate collection. Callers
	// treat failures as non-fatal.
	PublishLocalCandidate(ctx context.Context, c domain.IceCandidate) error

	// ObserveIncomingCalls streams ringing sessions addressed to userID.
	ObserveIncomingCalls(ctx context.Context, userID string) (<-chan domain.CallSession, error)
	// ObserveCall streams updates of one call document.
	ObserveCall(ctx context.Context, callID string) (<-chan domain.CallSession, error)
	// ObserveRemoteCandidates streams candidates for callID written by any
	// party except excludeOwnerID.
	ObserveRemoteCandidates(ctx context.Context, callID, excludeOwnerID string) (<-chan domain.IceCandidate, error)

	// FetchCall returns the current call document, or an error wrapping
	// domain.ErrCallNotFound.
	FetchCall(ctx context.Context, callID string) (domain.CallSession, error)

	// EndCall and RejectCall are idempotent terminal status writes.
	EndCall(ctx context.Context, callID, by string) error
	RejectCall(ctx context.Context, callID string) error
}
