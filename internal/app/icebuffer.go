package app

import (
	"sync"

	"github.com/letstalk/callkit/internal/domain"
)

// IceExchangeBuffer resolves the ordering hazard between remote-description
// application and candidate arrival: candidates observed for a call before
// MarkReady are queued in arrival order, after MarkReady the buffer is
// pass-through for that call.
type IceExchangeBuffer struct {
	mu     sync.Mutex
	ready  map[string]bool
	queued map[string][]domain.IceCandidate
}

func NewIceExchangeBuffer() *IceExchangeBuffer {
	return &IceExchangeBuffer{
		ready:  make(map[string]bool),
		queued: make(map[string][]domain.IceCandidate),
	}
}

// Push either queues c or tells the caller to apply it now.
func (b *IceExchangeBuffer) Push(c domain.IceCandidate) (applyNow bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready[c.CallID] {
		return true
	}
	b.queued[c.CallID] = append(b.queued[c.CallID], c)
	return false
}

// MarkReady switches the call to pass-through and returns everything
// queued so far, in arrival order.
func (b *IceExchangeBuffer) MarkReady(callID string) []domain.IceCandidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready[callID] = true
	flushed := b.queued[callID]
	delete(b.queued, callID)
	return flushed
}

// Drop discards all state for a call. Called on any terminal transition.
func (b *IceExchangeBuffer) Drop(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ready, callID)
	delete(b.queued, callID)
}

// Pending returns how many candidates are queued for a call.
func (b *IceExchangeBuffer) Pending(callID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queued[callID])
}
