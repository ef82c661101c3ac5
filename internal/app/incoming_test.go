package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letstalk/callkit/internal/adapters/store"
	"github.com/letstalk/callkit/internal/domain"
)

// These run the incoming handler directly on the loop-owned state, no
// loop goroutine involved.

func newBareCoordinator(sig *store.MemoryChannel) *Coordinator {
	c := NewCoordinator("bob", nil, sig, Options{})
	c.runCtx = context.Background()
	return c
}

func TestIncomingDedupEntryReleasedOnTeardown(t *testing.T) {
	sig := store.NewMemoryChannel()
	c := newBareCoordinator(sig)

	call := domain.NewCallSession("alice", "bob", domain.CallTypeVoice)
	call.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(context.Background(), call))

	c.handleIncoming(call)
	require.Equal(t, phaseNegotiating, c.phase)
	_, tracked := c.seen[call.ID]
	require.True(t, tracked)

	// Redelivery while the call is live is a no-op.
	c.handleIncoming(call)
	assert.Equal(t, phaseNegotiating, c.phase)
	assert.Len(t, c.seen, 1)

	c.teardownLocal()
	assert.Empty(t, c.seen, "dedup entries must not outlive the call")
}

func TestIncomingBusyReplyKeepsNoDedupEntry(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	c := newBareCoordinator(sig)

	first := domain.NewCallSession("alice", "bob", domain.CallTypeVoice)
	first.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, first))
	c.handleIncoming(first)

	second := domain.NewCallSession("carol", "bob", domain.CallTypeVoice)
	second.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, second))
	c.handleIncoming(second)

	_, tracked := c.seen[second.ID]
	assert.False(t, tracked)
	require.Eventually(t, func() bool {
		got, err := sig.FetchCall(ctx, second.ID)
		return err == nil && got.Status == domain.StatusBusy
	}, 2*time.Second, 10*time.Millisecond)

	// The ringing call is untouched by the declined one.
	assert.Equal(t, first.ID, c.call.ID)
	c.teardownLocal()
}
