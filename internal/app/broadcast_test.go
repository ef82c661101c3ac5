package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letstalk/callkit/internal/domain"
)

func TestBroadcasterReplaysCurrentStateOnSubscribe(t *testing.T) {
	b := newStateBroadcaster(4)
	call := domain.NewCallSession("alice", "bob", domain.CallTypeVoice)
	b.publish(domain.StateOutgoing{Call: call})

	ch, cancel := b.subscribeStates()
	defer cancel()

	st := <-ch
	require.Equal(t, "outgoing", domain.Kind(st))
}

func TestBroadcasterFansOut(t *testing.T) {
	b := newStateBroadcaster(4)
	a, cancelA := b.subscribeStates()
	c, cancelC := b.subscribeStates()
	defer cancelA()
	defer cancelC()
	<-a
	<-c

	b.publish(domain.StateActive{})
	assert.Equal(t, "active", domain.Kind(<-a))
	assert.Equal(t, "active", domain.Kind(<-c))
}

func TestBroadcasterDropsWhenSubscriberIsFull(t *testing.T) {
	b := newStateBroadcaster(1)
	ch, cancel := b.subscribeStates()
	defer cancel()

	// Buffer holds the initial idle state; the next publish must not block.
	done := make(chan struct{})
	go func() {
		b.publish(domain.StateActive{})
		close(done)
	}()
	<-done

	assert.Equal(t, "idle", domain.Kind(<-ch))
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	b := newStateBroadcaster(4)
	states, _ := b.subscribeStates()
	incoming, _ := b.subscribeIncoming()
	<-states

	b.close()

	_, open := <-states
	assert.False(t, open)
	_, open = <-incoming
	assert.False(t, open)

	// Late subscribers get an already-closed channel.
	late, cancel := b.subscribeStates()
	defer cancel()
	_, open = <-late
	assert.False(t, open)
}

func TestBroadcasterCancelIsIdempotent(t *testing.T) {
	b := newStateBroadcaster(4)
	_, cancel := b.subscribeStates()
	cancel()
	cancel()
	b.publish(domain.StateIdle{})
}
