package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/letstalk/callkit/internal/domain"
)

// SDPRole tells ApplyRemoteDescription whether the remote SDP is the
// other party's offer or their answer.
type SDPRole int

const (
	RoleOffer SDPRole = iota
	RoleAnswer
)

func (r SDPRole) String() string {
	if r == RoleOffer {
		return "offer"
	}
	return "answer"
}

// MediaSession owns exactly one peer connection and its local tracks for
// the lifetime of a call attempt.
// Callbacks are invoked from engine goroutines; consumers must hand events
// off to their own sequencer rather than mutate state inline.
type MediaSession interface {
	// AttachLocalMedia acquires the microphone, and the camera when video
	// is requested and a capture device exists. One call per session.
	AttachLocalMedia(video bool) error
	// CreateOffer generates an offer, sets it as the local description and
	// returns the serialized SDP.
	CreateOffer() (string, error)
	// CreateAnswer is the symmetric step, valid only after a remote offer
	// has been applied.
	CreateAnswer() (string, error)
	// ApplyRemoteDescription sets the remote offer or answer. Re-applying
	// the identical SDP for a role is a no-op.
	ApplyRemoteDescription(sdp string, role SDPRole) error
	// ApplyRemoteCandidate forwards one remote candidate to the engine.
	ApplyRemoteCandidate(c domain.IceCandidate) error

	SetMuted(muted bool) error
	SetVideoEnabled(enabled bool) error
	SwitchCamera() error
	// FrontCamera reports which camera currently feeds the video track.
	FrontCamera() bool

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnConnectionStateChange sets a callback for peer connection state.
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnRemoteTrack sets a callback invoked when a remote track arrives.
	OnRemoteTrack(func(track *webrtc.TrackRemote))
	// OnRenegotiationNeeded fires when the engine wants a fresh offer.
	OnRenegotiationNeeded(func())

	// Close stops capture, disposes tracks and the peer connection. Safe
	// from any state, including after partial setup, and never panics.
	Close()
}

// MediaFactory allocates one MediaSession per call attempt.
type MediaFactory interface {
	NewSession(ctx context.Context) (MediaSession, error)
}
