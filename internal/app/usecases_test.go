package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/letstalk/callkit/internal/adapters/store"
	"github.com/letstalk/callkit/internal/app"
	"github.com/letstalk/callkit/internal/domain"
)

func TestUseCasesValidateArguments(t *testing.T) {
	coord := startCoordinator(t, "alice", &fakeFactory{}, store.NewMemoryChannel(), app.Options{})
	uc := app.NewCallUseCases(coord)
	ctx := context.Background()

	_, err := uc.Initiate(ctx, "", "bob", domain.CallTypeVoice)
	assert.Error(t, err)
	_, err = uc.Initiate(ctx, "alice", "", domain.CallTypeVoice)
	assert.Error(t, err)
	_, err = uc.Initiate(ctx, "alice", "bob", domain.CallType("FAX"))
	assert.Error(t, err)

	assert.Error(t, uc.Answer(ctx, ""))
	assert.Error(t, uc.Reject(ctx, ""))
	assert.Error(t, uc.End(ctx, "", "alice"))
}

func TestUseCasesTranslateFailures(t *testing.T) {
	coord := startCoordinator(t, "bob", &fakeFactory{}, store.NewMemoryChannel(), app.Options{})
	uc := app.NewCallUseCases(coord)

	err := uc.Answer(context.Background(), "no-such-call")
	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.FailureSignalingRead, ce.Kind)
}

func TestUseCasesControlsRequireActiveCall(t *testing.T) {
	coord := startCoordinator(t, "alice", &fakeFactory{}, store.NewMemoryChannel(), app.Options{})
	uc := app.NewCallUseCases(coord)
	ctx := context.Background()

	assert.ErrorIs(t, uc.SetMuted(ctx, true), app.ErrNoActiveCall)
	assert.ErrorIs(t, uc.SetVideoEnabled(ctx, false), app.ErrNoActiveCall)
	assert.ErrorIs(t, uc.SwitchCamera(ctx), app.ErrNoActiveCall)
}

func TestUseCasesControlsOnActiveCall(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "bob", factory, sig, app.Options{})
	uc := app.NewCallUseCases(coord)
	watcher := watchStates(t, coord)

	call := domain.NewCallSession("alice", "bob", domain.CallTypeVideo)
	call.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, call))
	watcher.waitFor(t, "incoming")
	require.NoError(t, uc.Answer(ctx, call.ID))

	require.NoError(t, uc.SetMuted(ctx, true))
	require.NoError(t, uc.SetVideoEnabled(ctx, false))
	require.NoError(t, uc.SwitchCamera(ctx))

	ops := factory.lastSession().opsSnapshot()
	assert.Contains(t, ops, "mute(true)")
	assert.Contains(t, ops, "video(false)")
	assert.Contains(t, ops, "switch-camera")
}
