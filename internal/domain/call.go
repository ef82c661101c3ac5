// Package domain contains entity without logic, just meta-data
package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallType string

const (
	CallTypeVoice CallType = "VOICE"
	CallTypeVideo CallType = "VIDEO"
)

// CallStatus is the lifecycle status shared by both parties through the
// signaling store. Writes must only move it forward, see Before.
type CallStatus string

const (
	StatusRinging    CallStatus = "RINGING"
	StatusConnecting CallStatus = "CONNECTING"
	StatusConnected  CallStatus = "CONNECTED"
	StatusEnded      CallStatus = "ENDED"
	StatusRejected   CallStatus = "REJECTED"
	StatusMissed     CallStatus = "MISSED"
	StatusFailed     CallStatus = "FAILED"
	StatusBusy       CallStatus = "BUSY"
)

// AllStatuses lists every valid status, in no particular order.
var AllStatuses = []CallStatus{
	StatusRinging, StatusConnecting, StatusConnected,
	StatusEnded, StatusRejected, StatusMissed, StatusFailed, StatusBusy,
}

func (s CallStatus) rank() int {
	switch s {
	case StatusRinging:
		return 0
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusEnded, StatusRejected, StatusMissed, StatusFailed, StatusBusy:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is allowed from s.
func (s CallStatus) IsTerminal() bool { return s.rank() == 3 }

// Before reports whether a write moving s to next is a forward transition.
// All terminal statuses share one rank, so a terminal status can never be
// replaced by another one.
func (s CallStatus) Before(next CallStatus) bool {
	return s.rank() >= 0 && next.rank() > s.rank()
}

// CallSession is the shared call document. ID is immutable for the
// session's lifetime; Status is the only field that changes after the
// answer has been published.
type CallSession struct {
	ID         string     `bson:"_id" json:"call_id"`
	CallerID   string     `bson:"caller_id" json:"caller_id"`
	ReceiverID string     `bson:"receiver_id" json:"receiver_id"`
	Type       CallType   `bson:"call_type" json:"call_type"`
	Status     CallStatus `bson:"status" json:"status"`
	SDPOffer   string     `bson:"sdp_offer,omitempty" json:"sdp_offer,omitempty"`
	SDPAnswer  string     `bson:"sdp_answer,omitempty" json:"sdp_answer,omitempty"`
	EndedBy    string     `bson:"ended_by,omitempty" json:"ended_by,omitempty"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
}

// NewCallSession allocates a ringing session with a fresh random id.
func NewCallSession(callerID, receiverID string, ct CallType) CallSession {
	return CallSession{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       ct,
		Status:     StatusRinging,
		CreatedAt:  time.Now().UTC(),
	}
}

// HasVideo reports whether the session was dialed with camera capture.
func (s CallSession) HasVideo() bool { return s.Type == CallTypeVideo }

// IceCandidate is one connectivity candidate, tagged with the party that
// produced it. Rows are append-only and cleared only with the whole call.
type IceCandidate struct {
	CallID        string `bson:"call_id" json:"call_id"`
	OwnerID       string `bson:"owner_id" json:"owner_id"`
	SDPMid        string `bson:"sdp_mid" json:"sdp_mid"`
	SDPMLineIndex uint16 `bson:"sdp_mline_index" json:"sdp_mline_index"`
	Candidate     string `bson:"candidate" json:"candidate"`
}
