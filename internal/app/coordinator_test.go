package app_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/letstalk/callkit/internal/adapters/store"
	"github.com/letstalk/callkit/internal/app"
	"github.com/letstalk/callkit/internal/core"
	"github.com/letstalk/callkit/internal/domain"
)

// fakeMediaSession records every operation so tests can assert ordering
// properties, e.g. that no candidate is applied before the remote
// description.
type fakeMediaSession struct {
	mu        sync.Mutex
	ops       []string
	attachErr error
	offerErr  error
	answerErr error
	closed    bool

	// offers/answers are consumed one per Create call; exhausted queues
	// fall back to a constant SDP.
	offers  []string
	answers []string

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote)
	onReneg func()
}

func (f *fakeMediaSession) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeMediaSession) opsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeMediaSession) AttachLocalMedia(video bool) error {
	if f.attachErr != nil {
		return f.attachErr
	}
	f.record(fmt.Sprintf("attach(video=%t)", video))
	return nil
}

func (f *fakeMediaSession) CreateOffer() (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sdp := "offer-sdp"
	if len(f.offers) > 0 {
		sdp, f.offers = f.offers[0], f.offers[1:]
	}
	f.ops = append(f.ops, "create-offer")
	return sdp, nil
}

func (f *fakeMediaSession) CreateAnswer() (string, error) {
	if f.answerErr != nil {
		return "", f.answerErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sdp := "answer-sdp"
	if len(f.answers) > 0 {
		sdp, f.answers = f.answers[0], f.answers[1:]
	}
	f.ops = append(f.ops, "create-answer")
	return sdp, nil
}

func (f *fakeMediaSession) ApplyRemoteDescription(sdp string, role core.SDPRole) error {
	f.record("remote-" + role.String() + ":" + sdp)
	return nil
}

func (f *fakeMediaSession) ApplyRemoteCandidate(c domain.IceCandidate) error {
	f.record("cand:" + c.Candidate)
	return nil
}

func (f *fakeMediaSession) SetMuted(muted bool) error {
	f.record(fmt.Sprintf("mute(%t)", muted))
	return nil
}

func (f *fakeMediaSession) SetVideoEnabled(enabled bool) error {
	f.record(fmt.Sprintf("video(%t)", enabled))
	return nil
}

func (f *fakeMediaSession) SwitchCamera() error {
	f.record("switch-camera")
	return nil
}

func (f *fakeMediaSession) FrontCamera() bool { return true }

func (f *fakeMediaSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeMediaSession) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeMediaSession) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeMediaSession) OnRenegotiationNeeded(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReneg = fn
}

func (f *fakeMediaSession) triggerRenegotiation() {
	f.mu.Lock()
	cb := f.onReneg
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (f *fakeMediaSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeMediaSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu        sync.Mutex
	err       error
	attachErr error
	offers    []string
	answers   []string
	sessions  []*fakeMediaSession
}

func (f *fakeFactory) NewSession(ctx context.Context) (core.MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeMediaSession{
		attachErr: f.attachErr,
		offers:    append([]string(nil), f.offers...),
		answers:   append([]string(nil), f.answers...),
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) allocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeFactory) lastSession() *fakeMediaSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

// recordingSignal counts writes passing through to the wrapped channel.
type recordingSignal struct {
	core.SignalingChannel
	offers atomic.Int32
}

func (r *recordingSignal) PublishOffer(ctx context.Context, s domain.CallSession) error {
	r.offers.Add(1)
	return r.SignalingChannel.PublishOffer(ctx, s)
}

type stateWatcher struct {
	mu     sync.Mutex
	states []domain.CallState
}

func watchStates(t *testing.T, coord *app.Coordinator) *stateWatcher {
	t.Helper()
	ch, cancel := coord.States()
	t.Cleanup(cancel)
	w := &stateWatcher{}
	go func() {
		for st := range ch {
			w.mu.Lock()
			w.states = append(w.states, st)
			w.mu.Unlock()
		}
	}()
	return w
}

func (w *stateWatcher) find(kind string) (domain.CallState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, st := range w.states {
		if domain.Kind(st) == kind {
			return st, true
		}
	}
	return nil, false
}

func (w *stateWatcher) waitFor(t *testing.T, kind string) domain.CallState {
	t.Helper()
	var got domain.CallState
	require.Eventually(t, func() bool {
		st, ok := w.find(kind)
		got = st
		return ok
	}, 2*time.Second, 10*time.Millisecond, "state %q never surfaced", kind)
	return got
}

func startCoordinator(t *testing.T, userID string, f core.MediaFactory, sig core.SignalingChannel, opts app.Options) *app.Coordinator {
	t.Helper()
	coord := app.NewCoordinator(userID, f, sig, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = coord.Run(ctx) }()
	return coord
}

func TestInitiatePublishesOfferBeforeReturning(t *testing.T) {
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "alice", factory, sig, app.Options{})

	id, err := coord.Initiate(context.Background(), "alice", "bob", domain.CallTypeVoice)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	call, err := sig.FetchCall(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRinging, call.Status)
	require.Equal(t, "offer-sdp", call.SDPOffer)
	require.Equal(t, "alice", call.CallerID)
	require.Equal(t, "bob", call.ReceiverID)
}

func TestInitiateAllocationFailurePublishesNothing(t *testing.T) {
	mem := store.NewMemoryChannel()
	sig := &recordingSignal{SignalingChannel: mem}
	factory := &fakeFactory{err: errors.New("no native libs")}
	coord := startCoordinator(t, "alice", factory, sig, app.Options{})

	_, err := coord.Initiate(context.Background(), "alice", "bob", domain.CallTypeVoice)
	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, domain.FailureConnectionAllocation, ce.Kind)
	require.Equal(t, int32(0), sig.offers.Load())
}

func TestInitiateMediaFailureTearsDown(t *testing.T) {
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{attachErr: errors.New("camera busy")}
	coord := startCoordinator(t, "alice", factory, sig, app.Options{})

	_, err := coord.Initiate(context.Background(), "alice", "bob", domain.CallTypeVideo)
	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, domain.FailureMediaAcquisition, ce.Kind)
	require.True(t, factory.lastSession().isClosed())
}

func TestAnswerUnknownCallIsSignalingReadFailure(t *testing.T) {
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "bob", factory, sig, app.Options{})

	err := coord.Answer(context.Background(), "no-such-call")
	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, domain.FailureSignalingRead, ce.Kind)
	require.Equal(t, 0, factory.allocations(), "no peer connection may be allocated before the lookup succeeds")
}

func TestIncomingAnswerAppliesBufferedCandidatesInOrder(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "bob", factory, sig, app.Options{})
	watcher := watchStates(t, coord)

	call := domain.NewCallSession("alice", "bob", domain.CallTypeVoice)
	call.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, call))

	watcher.waitFor(t, "incoming")

	for _, c := range []string{"c1", "c2", "c3"} {
		require.NoError(t, sig.PublishLocalCandidate(ctx, domain.IceCandidate{
			CallID: call.ID, OwnerID: "alice", Candidate: c,
		}))
	}

	require.NoError(t, coord.Answer(ctx, call.ID))

	sess := factory.lastSession()
	require.NotNil(t, sess)
	require.Eventually(t, func() bool {
		var cands []string
		for _, op := range sess.opsSnapshot() {
			if len(op) > 5 && op[:5] == "cand:" {
				cands = append(cands, op[5:])
			}
		}
		return len(cands) == 3
	}, 2*time.Second, 10*time.Millisecond)

	var cands []string
	remoteAt := -1
	for i, op := range sess.opsSnapshot() {
		switch {
		case strings.HasPrefix(op, "remote-offer:"):
			remoteAt = i
		case len(op) > 5 && op[:5] == "cand:":
			require.Greater(t, i, remoteAt, "candidate applied before remote description")
			cands = append(cands, op[5:])
		}
	}
	require.GreaterOrEqual(t, remoteAt, 0)
	require.Equal(t, []string{"c1", "c2", "c3"}, cands)

	got, err := sig.FetchCall(ctx, call.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConnected, got.Status)
	require.Equal(t, "answer-sdp", got.SDPAnswer)
}

func TestSecondIncomingWhileActiveGetsBusy(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "bob", factory, sig, app.Options{})
	watcher := watchStates(t, coord)

	first := domain.NewCallSession("alice", "bob", domain.CallTypeVoice)
	first.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, first))
	watcher.waitFor(t, "incoming")
	require.NoError(t, coord.Answer(ctx, first.ID))
	watcher.waitFor(t, "active")

	second := domain.NewCallSession("carol", "bob", domain.CallTypeVoice)
	second.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, second))

	require.Eventually(t, func() bool {
		got, err := sig.FetchCall(ctx, second.ID)
		return err == nil && got.Status == domain.StatusBusy
	}, 2*time.Second, 10*time.Millisecond)

	// The active call must be untouched.
	got, err := sig.FetchCall(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConnected, got.Status)
}

func TestEndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "alice", factory, sig, app.Options{})

	id, err := coord.Initiate(ctx, "alice", "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	require.NoError(t, coord.End(ctx, id, "alice"))
	require.NoError(t, coord.End(ctx, id, "alice"))

	got, err := sig.FetchCall(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusEnded, got.Status)
	require.Equal(t, "alice", got.EndedBy)
}

func TestRejectIncomingCall(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "bob", factory, sig, app.Options{})
	watcher := watchStates(t, coord)

	call := domain.NewCallSession("alice", "bob", domain.CallTypeVoice)
	call.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, call))
	watcher.waitFor(t, "incoming")

	require.NoError(t, coord.Reject(ctx, call.ID))

	st := watcher.waitFor(t, "ended")
	ended, ok := st.(domain.StateEnded)
	require.True(t, ok)
	require.Equal(t, domain.StatusRejected, ended.Reason)

	got, err := sig.FetchCall(ctx, call.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRejected, got.Status)
	require.Equal(t, 0, factory.allocations())
}

func TestRingTimeoutMarksOutgoingMissed(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "alice", factory, sig, app.Options{RingTimeout: 80 * time.Millisecond})
	watcher := watchStates(t, coord)

	id, err := coord.Initiate(ctx, "alice", "bob", domain.CallTypeVoice)
	require.NoError(t, err)

	st := watcher.waitFor(t, "ended")
	ended, ok := st.(domain.StateEnded)
	require.True(t, ok)
	require.Equal(t, domain.StatusMissed, ended.Reason)

	require.Eventually(t, func() bool {
		got, err := sig.FetchCall(ctx, id)
		return err == nil && got.Status == domain.StatusMissed
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, factory.lastSession().isClosed())
}

func TestTwoCoordinatorsCompleteACall(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	aliceFactory := &fakeFactory{}
	bobFactory := &fakeFactory{}
	alice := startCoordinator(t, "alice", aliceFactory, sig, app.Options{})
	bob := startCoordinator(t, "bob", bobFactory, sig, app.Options{})
	aliceStates := watchStates(t, alice)
	bobStates := watchStates(t, bob)

	id, err := alice.Initiate(ctx, "alice", "bob", domain.CallTypeVideo)
	require.NoError(t, err)
	aliceStates.waitFor(t, "outgoing")
	bobStates.waitFor(t, "incoming")

	require.NoError(t, bob.Answer(ctx, id))
	bobStates.waitFor(t, "active")
	aliceStates.waitFor(t, "active")

	// The caller applied the answer the receiver published.
	require.Eventually(t, func() bool {
		for _, op := range aliceFactory.lastSession().opsSnapshot() {
			if strings.HasPrefix(op, "remote-answer:") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.End(ctx, id, "bob"))
	aliceStates.waitFor(t, "ended")
	bobStates.waitFor(t, "ended")

	got, err := sig.FetchCall(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusEnded, got.Status)
	require.True(t, aliceFactory.lastSession().isClosed())
	require.True(t, bobFactory.lastSession().isClosed())
}

func TestRenegotiationRoundTrip(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	aliceFactory := &fakeFactory{offers: []string{"alice-offer-1", "alice-offer-2"}}
	bobFactory := &fakeFactory{answers: []string{"bob-answer-1", "bob-answer-2"}}
	alice := startCoordinator(t, "alice", aliceFactory, sig, app.Options{})
	bob := startCoordinator(t, "bob", bobFactory, sig, app.Options{})
	aliceStates := watchStates(t, alice)
	bobStates := watchStates(t, bob)

	id, err := alice.Initiate(ctx, "alice", "bob", domain.CallTypeVideo)
	require.NoError(t, err)
	bobStates.waitFor(t, "incoming")
	require.NoError(t, bob.Answer(ctx, id))
	aliceStates.waitFor(t, "active")
	bobStates.waitFor(t, "active")

	aliceFactory.lastSession().triggerRenegotiation()

	// The replaced offer reaches the store and the receiver answers it.
	require.Eventually(t, func() bool {
		got, err := sig.FetchCall(ctx, id)
		return err == nil && got.SDPOffer == "alice-offer-2" && got.SDPAnswer == "bob-answer-2"
	}, 2*time.Second, 10*time.Millisecond)

	hasOp := func(f *fakeFactory, op string) func() bool {
		return func() bool {
			for _, got := range f.lastSession().opsSnapshot() {
				if got == op {
					return true
				}
			}
			return false
		}
	}
	require.Eventually(t, hasOp(bobFactory, "remote-offer:alice-offer-2"),
		2*time.Second, 10*time.Millisecond, "receiver never applied the renegotiated offer")
	require.Eventually(t, hasOp(aliceFactory, "remote-answer:bob-answer-2"),
		2*time.Second, 10*time.Millisecond, "caller never applied the renegotiated answer")

	// Both sides stay in the call.
	_, ended := aliceStates.find("ended")
	require.False(t, ended)
	_, failed := aliceStates.find("failed")
	require.False(t, failed)
	got, err := sig.FetchCall(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConnected, got.Status)
}

func TestAnswerOtherCallRejectsRingingOne(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	factory := &fakeFactory{}
	coord := startCoordinator(t, "bob", factory, sig, app.Options{})
	watcher := watchStates(t, coord)

	ringing := domain.NewCallSession("alice", "bob", domain.CallTypeVoice)
	ringing.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, ringing))
	watcher.waitFor(t, "incoming")

	// A second ringing call answered by id, bypassing the incoming stream.
	other := domain.NewCallSession("dave", "erin", domain.CallTypeVoice)
	other.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, other))

	require.NoError(t, coord.Answer(ctx, other.ID))
	watcher.waitFor(t, "active")

	// The abandoned caller is told, not left ringing until timeout.
	st := watcher.waitFor(t, "ended")
	endedSt, ok := st.(domain.StateEnded)
	require.True(t, ok)
	require.Equal(t, ringing.ID, endedSt.Call.ID)
	require.Equal(t, domain.StatusRejected, endedSt.Reason)
	require.Eventually(t, func() bool {
		got, err := sig.FetchCall(ctx, ringing.ID)
		return err == nil && got.Status == domain.StatusRejected
	}, 2*time.Second, 10*time.Millisecond)

	got, err := sig.FetchCall(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConnected, got.Status)
}

func TestObserveIncomingSurfacesCall(t *testing.T) {
	ctx := context.Background()
	sig := store.NewMemoryChannel()
	coord := startCoordinator(t, "bob", &fakeFactory{}, sig, app.Options{})
	incoming, cancel := coord.IncomingCalls()
	defer cancel()

	call := domain.NewCallSession("alice", "bob", domain.CallTypeVoice)
	call.SDPOffer = "offer-sdp"
	require.NoError(t, sig.PublishOffer(ctx, call))

	select {
	case got := <-incoming:
		require.Equal(t, call.ID, got.ID)
		require.Equal(t, "alice", got.CallerID)
	case <-time.After(2 * time.Second):
		t.Fatal("incoming call never surfaced")
	}
}
