package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/letstalk/callkit/internal/domain"
)

// stateBroadcaster fans call states and incoming-call events out to any
// number of subscribers. Sends never block: a subscriber that stops
// draining loses intermediate states, the same policy the signal transport
// applies to slow websocket peers.
type stateBroadcaster struct {
	mu       sync.Mutex
	buf      int
	nextID   uint64
	states   map[uint64]chan domain.CallState
	incoming map[uint64]chan domain.CallSession
	last     domain.CallState
	closed   bool
}

func newStateBroadcaster(buf int) *stateBroadcaster {
	return &stateBroadcaster{
		buf:      buf,
		states:   make(map[uint64]chan domain.CallState),
		incoming: make(map[uint64]chan domain.CallSession),
		last:     domain.StateIdle{},
	}
}

func (b *stateBroadcaster) subscribeStates() (<-chan domain.CallState, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.CallState, b.buf)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.states[id] = ch
	ch <- b.last
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.states[id]; ok {
			delete(b.states, id)
			close(sub)
		}
	}
}

func (b *stateBroadcaster) subscribeIncoming() (<-chan domain.CallSession, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan domain.CallSession, b.buf)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.incoming[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.incoming[id]; ok {
			delete(b.incoming, id)
			close(sub)
		}
	}
}

func (b *stateBroadcaster) publish(st domain.CallState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = st
	for _, ch := range b.states {
		select {
		case ch <- st:
		default:
			log.Debug().Str("module", "app.broadcast").Str("state", domain.Kind(st)).Msg("slow state subscriber, dropping")
		}
	}
}

func (b *stateBroadcaster) emitIncoming(s domain.CallSession) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.incoming {
		select {
		case ch <- s:
		default:
			log.Debug().Str("module", "app.broadcast").Str("call", s.ID).Msg("slow incoming subscriber, dropping")
		}
	}
}

func (b *stateBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.states {
		delete(b.states, id)
		close(ch)
	}
	for id, ch := range b.incoming {
		delete(b.incoming, id)
		close(ch)
	}
}
