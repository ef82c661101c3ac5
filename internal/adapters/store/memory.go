package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/letstalk/callkit/internal/domain"
)

// MemoryChannel is an in-process SignalingChannel with the same contract
// as the Mongo variant: monotonic status writes, append-only candidates,
// at-least-once live subscriptions.
type MemoryChannel struct {
	mu         sync.Mutex
	calls      map[string]domain.CallSession
	candidates map[string][]domain.IceCandidate

	nextSub      uint64
	incomingSubs map[uint64]*incomingSub
	callSubs     map[uint64]*callSub
	candSubs     map[uint64]*candSub
}

type incomingSub struct {
	userID string
	ch     chan domain.CallSession
}

type callSub struct {
	callID string
	ch     chan domain.CallSession
}

type candSub struct {
	callID  string
	exclude string
	ch      chan domain.IceCandidate
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		calls:        make(map[string]domain.CallSession),
		candidates:   make(map[string][]domain.IceCandidate),
		incomingSubs: make(map[uint64]*incomingSub),
		callSubs:     make(map[uint64]*callSub),
		candSubs:     make(map[uint64]*candSub),
	}
}

func (s *MemoryChannel) PublishOffer(ctx context.Context, session domain.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calls[session.ID]; exists {
		return fmt.Errorf("call %s: %w", session.ID, domain.ErrCallExists)
	}
	s.calls[session.ID] = session
	s.notifyIncomingLocked(session)
	return nil
}

func (s *MemoryChannel) PublishAnswer(ctx context.Context, callID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("call %s: %w", callID, domain.ErrCallNotFound)
	}
	if call.SDPOffer == "" {
		return fmt.Errorf("call %s: %w", callID, domain.ErrOfferMissing)
	}
	call.SDPAnswer = sdp
	s.calls[callID] = call
	s.notifyCallLocked(call)
	return nil
}

func (s *MemoryChannel) UpdateOffer(ctx context.Context, callID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("call %s: %w", callID, domain.ErrCallNotFound)
	}
	call.SDPOffer = sdp
	call.SDPAnswer = ""
	s.calls[callID] = call
	s.notifyCallLocked(call)
	return nil
}

func (s *MemoryChannel) UpdateStatus(ctx context.Context, callID string, status domain.CallStatus) error {
	return s.writeStatus(callID, status, "")
}

func (s *MemoryChannel) PublishLocalCandidate(ctx context.Context, c domain.IceCandidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates[c.CallID] = append(s.candidates[c.CallID], c)
	for _, sub := range s.candSubs {
		if sub.callID == c.CallID && sub.exclude != c.OwnerID {
			deliver(sub.ch, c, "candidate")
		}
	}
	return nil
}

func (s *MemoryChannel) FetchCall(ctx context.Context, callID string) (domain.CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return domain.CallSession{}, fmt.Errorf("call %s: %w", callID, domain.ErrCallNotFound)
	}
	return call, nil
}

func (s *MemoryChannel) EndCall(ctx context.Context, callID, by string) error {
	return s.writeStatus(callID, domain.StatusEnded, by)
}

func (s *MemoryChannel) RejectCall(ctx context.Context, callID string) error {
	return s.writeStatus(callID, domain.StatusRejected, "")
}

// writeStatus applies the monotonic rule: a write that would move status
// backward (or sideways between terminals) is silently dropped.
func (s *MemoryChannel) writeStatus(callID string, status domain.CallStatus, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil
	}
	if !call.Status.Before(status) {
		return nil
	}
	call.Status = status
	if by != "" {
		call.EndedBy = by
	}
	s.calls[callID] = call
	s.notifyCallLocked(call)
	return nil
}

func (s *MemoryChannel) ObserveIncomingCalls(ctx context.Context, userID string) (<-chan domain.CallSession, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &incomingSub{userID: userID, ch: make(chan domain.CallSession, 64)}
	s.incomingSubs[id] = sub
	backlog := lo.Filter(lo.Values(s.calls), func(c domain.CallSession, _ int) bool {
		return c.ReceiverID == userID && c.Status == domain.StatusRinging
	})
	for _, c := range backlog {
		deliver(sub.ch, c, "incoming call")
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.incomingSubs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()
	return sub.ch, nil
}

func (s *MemoryChannel) ObserveCall(ctx context.Context, callID string) (<-chan domain.CallSession, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &callSub{callID: callID, ch: make(chan domain.CallSession, 64)}
	s.callSubs[id] = sub
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.callSubs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()
	return sub.ch, nil
}

func (s *MemoryChannel) ObserveRemoteCandidates(ctx context.Context, callID, excludeOwnerID string) (<-chan domain.IceCandidate, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	sub := &candSub{callID: callID, exclude: excludeOwnerID, ch: make(chan domain.IceCandidate, 64)}
	s.candSubs[id] = sub
	for _, c := range s.candidates[callID] {
		if c.OwnerID != excludeOwnerID {
			deliver(sub.ch, c, "candidate")
		}
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.candSubs, id)
		close(sub.ch)
		s.mu.Unlock()
	}()
	return sub.ch, nil
}

func (s *MemoryChannel) notifyIncomingLocked(c domain.CallSession) {
	if c.Status != domain.StatusRinging {
		return
	}
	for _, sub := range s.incomingSubs {
		if sub.userID == c.ReceiverID {
			deliver(sub.ch, c, "incoming call")
		}
	}
}

func (s *MemoryChannel) notifyCallLocked(c domain.CallSession) {
	for _, sub := range s.callSubs {
		if sub.callID == c.ID {
			deliver(sub.ch, c, "call update")
		}
	}
}

func deliver[T any](ch chan T, v T, what string) {
	select {
	case ch <- v:
	default:
		log.Warn().Str("module", "adapters.store").Str("event", what).Msg("slow subscriber, dropping event")
	}
}
