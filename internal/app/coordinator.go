package app

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/letstalk/callkit/internal/core"
	"github.com/letstalk/callkit/internal/domain"
)

// ErrNoActiveCall is returned by in-call controls when no call is active.
var ErrNoActiveCall = errors.New("no active call")

type phase int

const (
	phaseIdle phase = iota
	phaseOutgoing
	phaseNegotiating
	phaseActive
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseOutgoing:
		return "outgoing"
	case phaseNegotiating:
		return "negotiating"
	case phaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Options tunes the coordinator. Zero values fall back to defaults.
type Options struct {
	// RingTimeout bounds how long an unanswered call rings before it is
	// written MISSED and torn down.
	RingTimeout time.Duration
	// StoreTimeout bounds best-effort background writes to the store.
	StoreTimeout time.Duration
	// StateBuffer is the per-subscriber channel capacity.
	StateBuffer int
}

func (o Options) withDefaults() Options {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 30 * time.Second
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.StateBuffer <= 0 {
		o.StateBuffer = 8
	}
	return o
}

// Coordinator is the call state machine. All events — signaling
// subscriptions, peer-connection callbacks, user intents — funnel into one
// loop goroutine, so transitions never race. At most one call is live per
// coordinator; a second incoming call is answered with BUSY.
type Coordinator struct {
	userID string
	media  core.MediaFactory
	signal core.SignalingChannel
	buffer *IceExchangeBuffer
	opts   Options

	cmds   chan func()
	runCtx context.Context

	// Owned by the loop goroutine.
	phase       phase
	call        domain.CallSession
	sess        core.MediaSession
	callCtx     context.Context
	callCancel  context.CancelFunc
	connectedAt time.Time
	muted       bool
	video       bool
	ringTimer   *time.Timer
	seen        map[string]struct{}

	broadcast *stateBroadcaster
}

func NewCoordinator(userID string, media core.MediaFactory, signal core.SignalingChannel, opts Options) *Coordinator {
	opts = opts.withDefaults()
	return &Coordinator{
		userID:    userID,
		media:     media,
		signal:    signal,
		buffer:    NewIceExchangeBuffer(),
		opts:      opts,
		cmds:      make(chan func()),
		seen:      make(map[string]struct{}),
		broadcast: newStateBroadcaster(opts.StateBuffer),
	}
}

// Run starts the decision loop and the incoming-call subscription and
// blocks until ctx is canceled. It must be running before any intent
// operation is called.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runCtx = ctx
	incoming, err := c.signal.ObserveIncomingCalls(ctx, c.userID)
	if err != nil {
		return domain.NewCallError(domain.FailureSignalingRead, "incoming call subscription failed", err)
	}
	go func() {
		for s := range incoming {
			s := s
			c.post(func() { c.handleIncoming(s) })
		}
	}()

	log.Info().Str("module", "app.coordinator").Str("user", c.userID).Msg("coordinator running")
	for {
		select {
		case <-ctx.Done():
			c.teardownLocal()
			c.broadcast.close()
			return ctx.Err()
		case fn := <-c.cmds:
			fn()
		}
	}
}

// post hands an event to the loop goroutine. Drops the event once the
// coordinator has stopped.
func (c *Coordinator) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.runCtx.Done():
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	select {
	case c.cmds <- func() { done <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// States subscribes to the observable call state. The current state is
// delivered first; cancel must be called when done.
func (c *Coordinator) States() (<-chan domain.CallState, func()) {
	return c.broadcast.subscribeStates()
}

// IncomingCalls subscribes to surfaced incoming call sessions.
func (c *Coordinator) IncomingCalls() (<-chan domain.CallSession, func()) {
	return c.broadcast.subscribeIncoming()
}

// Initiate dials receiverID and returns the allocated call id. Any setup
// failure tears partial state down; nothing is retried.
func (c *Coordinator) Initiate(ctx context.Context, callerID, receiverID string, ct domain.CallType) (string, error) {
	var id string
	err := c.do(ctx, func() error {
		callID, err := c.startOutgoing(ctx, callerID, receiverID, ct)
		if err != nil {
			return err
		}
		id = callID
		return nil
	})
	return id, err
}

func (c *Coordinator) startOutgoing(ctx context.Context, callerID, receiverID string, ct domain.CallType) (string, error) {
	if c.phase != phaseIdle {
		return "", domain.NewCallError(domain.FailureBusy, "another call is in progress", nil)
	}
	call := domain.NewCallSession(callerID, receiverID, ct)
	c.beginCall(call)

	sess, err := c.allocateSession(call.ID)
	if err != nil {
		c.resetLocal()
		return "", err
	}
	if err := sess.AttachLocalMedia(call.HasVideo()); err != nil {
		c.resetLocal()
		return "", domain.NewCallError(domain.FailureMediaAcquisition, "local media capture failed", err)
	}
	offer, err := sess.CreateOffer()
	if err != nil {
		c.resetLocal()
		return "", domain.NewCallError(domain.FailureNegotiation, "offer creation failed", err)
	}
	call.SDPOffer = offer
	if err := c.signal.PublishOffer(ctx, call); err != nil {
		c.resetLocal()
		return "", domain.NewCallError(domain.FailureSignalingWrite, "offer publish failed", err)
	}
	c.call = call
	if err := c.watchCall(call.ID); err != nil {
		c.failCall(domain.NewCallError(domain.FailureSignalingRead, "call subscription failed", err))
		return "", domain.NewCallError(domain.FailureSignalingRead, "call subscription failed", err)
	}
	c.phase = phaseOutgoing
	c.startRingTimer(call.ID)
	c.publishState(domain.StateOutgoing{Call: call})
	log.Info().Str("module", "app.coordinator").Str("call", call.ID).Str("to", receiverID).Str("type", string(ct)).Msg("outgoing call published")
	return call.ID, nil
}

// Answer accepts a ringing incoming call.
func (c *Coordinator) Answer(ctx context.Context, callID string) error {
	return c.do(ctx, func() error { return c.answer(ctx, callID) })
}

func (c *Coordinator) answer(ctx context.Context, callID string) error {
	if c.phase == phaseActive || c.phase == phaseOutgoing {
		return domain.NewCallError(domain.FailureBusy, "another call is in progress", nil)
	}
	// Details are always re-read so the freshest offer is answered; no
	// peer connection exists until the lookup succeeds.
	call, err := c.signal.FetchCall(ctx, callID)
	if err != nil {
		return domain.NewCallError(domain.FailureSignalingRead, "call lookup failed", err)
	}
	if call.SDPOffer == "" {
		return domain.NewCallError(domain.FailureSignalingRead, "call has no offer", domain.ErrOfferMissing)
	}
	if call.Status.IsTerminal() {
		return domain.NewCallError(domain.FailureSignalingRead, "call already over", nil)
	}

	fresh := c.phase == phaseIdle || c.call.ID != callID
	if fresh {
		abandoned := c.call
		hadRinging := c.phase != phaseIdle
		c.teardownLocal()
		if hadRinging {
			// Answering a different call abandons the one still ringing;
			// its caller gets REJECTED instead of ringing out.
			c.background("abandoned call reject", func(ctx context.Context) error {
				return c.signal.RejectCall(ctx, abandoned.ID)
			})
			c.publishState(domain.StateEnded{Call: abandoned, Reason: domain.StatusRejected})
		}
		c.beginCall(call)
		if err := c.watchCall(call.ID); err != nil {
			c.resetLocal()
			return domain.NewCallError(domain.FailureSignalingRead, "call subscription failed", err)
		}
	} else {
		c.call = call
	}

	sess, err := c.allocateSession(call.ID)
	if err != nil {
		ce := domain.Classify(err, domain.FailureConnectionAllocation, "peer connection allocation failed")
		c.failCall(ce)
		return ce
	}
	if err := sess.AttachLocalMedia(call.HasVideo()); err != nil {
		ce := domain.NewCallError(domain.FailureMediaAcquisition, "local media capture failed", err)
		c.failCall(ce)
		return ce
	}
	if err := sess.ApplyRemoteDescription(call.SDPOffer, core.RoleOffer); err != nil {
		ce := domain.NewCallError(domain.FailureNegotiation, "remote offer rejected", err)
		c.failCall(ce)
		return ce
	}
	c.flushCandidates(call.ID)
	answer, err := sess.CreateAnswer()
	if err != nil {
		ce := domain.NewCallError(domain.FailureNegotiation, "answer creation failed", err)
		c.failCall(ce)
		return ce
	}
	if err := c.signal.PublishAnswer(ctx, call.ID, answer); err != nil {
		ce := domain.NewCallError(domain.FailureSignalingWrite, "answer publish failed", err)
		c.failCall(ce)
		return ce
	}
	if err := c.signal.UpdateStatus(ctx, call.ID, domain.StatusConnected); err != nil {
		ce := domain.NewCallError(domain.FailureSignalingWrite, "status write failed", err)
		c.failCall(ce)
		return ce
	}
	call.SDPAnswer = answer
	call.Status = domain.StatusConnected
	c.call = call
	c.goActive()
	log.Info().Str("module", "app.coordinator").Str("call", call.ID).Msg("call answered")
	return nil
}

// Reject declines a ringing call. Idempotent.
func (c *Coordinator) Reject(ctx context.Context, callID string) error {
	return c.do(ctx, func() error {
		if err := c.signal.RejectCall(ctx, callID); err != nil {
			return domain.NewCallError(domain.FailureSignalingWrite, "reject write failed", err)
		}
		if c.phase != phaseIdle && c.call.ID == callID {
			call := c.call
			c.teardownLocal()
			c.publishState(domain.StateEnded{Call: call, Reason: domain.StatusRejected})
		}
		return nil
	})
}

// End hangs up. Safe from any state and idempotent: a second End on the
// same call id is a no-op against an already-terminal document.
func (c *Coordinator) End(ctx context.Context, callID, userID string) error {
	return c.do(ctx, func() error {
		if err := c.signal.EndCall(ctx, callID, userID); err != nil {
			return domain.NewCallError(domain.FailureSignalingWrite, "end write failed", err)
		}
		if c.phase != phaseIdle && c.call.ID == callID {
			call := c.call
			dur := c.durationNow()
			c.teardownLocal()
			c.publishState(domain.StateEnded{Call: call, Reason: domain.StatusEnded, Duration: dur})
		}
		return nil
	})
}

// SetMuted toggles the local microphone while a call is active.
func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	return c.do(ctx, func() error {
		if c.phase != phaseActive {
			return ErrNoActiveCall
		}
		if err := c.sess.SetMuted(muted); err != nil {
			return err
		}
		c.muted = muted
		c.publishState(c.activeState())
		return nil
	})
}

// SetVideoEnabled toggles the local camera track while a call is active.
func (c *Coordinator) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, func() error {
		if c.phase != phaseActive {
			return ErrNoActiveCall
		}
		if err := c.sess.SetVideoEnabled(enabled); err != nil {
			return err
		}
		c.video = enabled
		c.publishState(c.activeState())
		return nil
	})
}

// SwitchCamera flips between front and back capture devices.
func (c *Coordinator) SwitchCamera(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.phase != phaseActive {
			return ErrNoActiveCall
		}
		if err := c.sess.SwitchCamera(); err != nil {
			return err
		}
		c.publishState(c.activeState())
		return nil
	})
}

// --- loop-internal handlers ---

func (c *Coordinator) handleIncoming(s domain.CallSession) {
	if _, dup := c.seen[s.ID]; dup {
		return
	}

	if c.phase != phaseIdle {
		// The active call must stay untouched; the second caller gets a
		// deterministic BUSY instead of silence. No dedup entry is kept
		// for it: a redelivered event repeats a monotonic no-op write.
		log.Info().Str("module", "app.coordinator").Str("call", s.ID).Msg("busy, declining second incoming call")
		c.background("busy reply", func(ctx context.Context) error {
			return c.signal.UpdateStatus(ctx, s.ID, domain.StatusBusy)
		})
		return
	}

	c.seen[s.ID] = struct{}{}
	c.beginCall(s)
	if err := c.watchCall(s.ID); err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Str("call", s.ID).Msg("incoming call subscription failed")
		c.resetLocal()
		return
	}
	c.phase = phaseNegotiating
	c.startRingTimer(s.ID)
	c.publishState(domain.StateIncoming{Call: s})
	c.broadcast.emitIncoming(s)
	log.Info().Str("module", "app.coordinator").Str("call", s.ID).Str("from", s.CallerID).Msg("incoming call")
}

func (c *Coordinator) handleCallUpdate(s domain.CallSession) {
	if c.phase == phaseIdle || s.ID != c.call.ID {
		return
	}

	if s.Status.IsTerminal() {
		reason := s.Status
		dur := c.durationNow()
		c.teardownLocal()
		if reason == domain.StatusFailed {
			c.publishState(domain.StateFailed{Call: s, Message: "call failed on the remote side"})
		} else {
			c.publishState(domain.StateEnded{Call: s, Reason: reason, Duration: dur})
		}
		log.Info().Str("module", "app.coordinator").Str("call", s.ID).Str("status", string(reason)).Msg("remote terminal status observed")
		return
	}

	if c.phase == phaseOutgoing && s.SDPAnswer != "" {
		if err := c.sess.ApplyRemoteDescription(s.SDPAnswer, core.RoleAnswer); err != nil {
			c.failCall(domain.NewCallError(domain.FailureNegotiation, "remote answer rejected", err))
			return
		}
		c.flushCandidates(s.ID)
		c.call = s
		c.goActive()
		log.Info().Str("module", "app.coordinator").Str("call", s.ID).Msg("remote answer applied")
		return
	}

	// A changed answer on an active call is the receiver responding to a
	// renegotiated offer; it is applied in place and the call stays active.
	if c.phase == phaseActive && c.userID == c.call.CallerID && c.sess != nil &&
		s.SDPAnswer != "" && s.SDPAnswer != c.call.SDPAnswer {
		if err := c.sess.ApplyRemoteDescription(s.SDPAnswer, core.RoleAnswer); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("call", s.ID).Msg("renegotiated answer rejected")
			return
		}
		c.call = s
		log.Info().Str("module", "app.coordinator").Str("call", s.ID).Msg("renegotiated answer applied")
		return
	}

	// A replaced offer on an active call means the caller renegotiated;
	// the receiver answers the new offer in place.
	if c.phase == phaseActive && c.userID == c.call.ReceiverID &&
		s.SDPOffer != "" && s.SDPOffer != c.call.SDPOffer && c.sess != nil {
		if err := c.sess.ApplyRemoteDescription(s.SDPOffer, core.RoleOffer); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("call", s.ID).Msg("renegotiated offer rejected")
			return
		}
		answer, err := c.sess.CreateAnswer()
		if err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("call", s.ID).Msg("renegotiation answer failed")
			return
		}
		c.call.SDPOffer = s.SDPOffer
		c.call.SDPAnswer = answer
		c.background("renegotiation answer", func(ctx context.Context) error {
			return c.signal.PublishAnswer(ctx, s.ID, answer)
		})
	}
}

func (c *Coordinator) handleRemoteCandidate(cand domain.IceCandidate) {
	if c.phase == phaseIdle || cand.CallID != c.call.ID {
		return
	}
	if c.buffer.Push(cand) {
		c.applyCandidate(cand)
	}
}

func (c *Coordinator) handlePeerState(callID string, st webrtc.PeerConnectionState) {
	if c.phase != phaseActive || c.call.ID != callID {
		return
	}
	if st == webrtc.PeerConnectionStateDisconnected || st == webrtc.PeerConnectionStateFailed {
		log.Warn().Str("module", "app.coordinator").Str("call", callID).Str("peer_state", st.String()).Msg("peer connection lost")
		c.failCall(domain.NewCallError(domain.FailurePeerDisconnected, "peer connection lost", nil))
	}
}

func (c *Coordinator) handleRenegotiationNeeded(callID string) {
	// Single-offerer: only the original caller drives renegotiation.
	if c.phase != phaseActive || c.call.ID != callID || c.userID != c.call.CallerID || c.sess == nil {
		return
	}
	offer, err := c.sess.CreateOffer()
	if err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("call", callID).Msg("renegotiation offer failed")
		return
	}
	c.call.SDPOffer = offer
	c.background("renegotiation offer", func(ctx context.Context) error {
		return c.signal.UpdateOffer(ctx, callID, offer)
	})
	log.Info().Str("module", "app.coordinator").Str("call", callID).Msg("renegotiation offer published")
}

func (c *Coordinator) handleRingTimeout(callID string) {
	if (c.phase != phaseOutgoing && c.phase != phaseNegotiating) || c.call.ID != callID {
		return
	}
	call := c.call
	c.background("missed status", func(ctx context.Context) error {
		return c.signal.UpdateStatus(ctx, callID, domain.StatusMissed)
	})
	c.teardownLocal()
	c.publishState(domain.StateEnded{Call: call, Reason: domain.StatusMissed})
	log.Info().Str("module", "app.coordinator").Str("call", callID).Msg("ring timeout, call missed")
}

// --- plumbing ---

func (c *Coordinator) beginCall(call domain.CallSession) {
	c.call = call
	c.callCtx, c.callCancel = context.WithCancel(c.runCtx)
}

func (c *Coordinator) allocateSession(callID string) (core.MediaSession, error) {
	sess, err := c.media.NewSession(c.callCtx)
	if err != nil {
		return nil, domain.NewCallError(domain.FailureConnectionAllocation, "peer connection allocation failed", err)
	}
	c.sess = sess
	c.bindMediaHandlers(sess, callID)
	return sess, nil
}

func (c *Coordinator) bindMediaHandlers(sess core.MediaSession, callID string) {
	sess.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		cand := domain.IceCandidate{CallID: callID, OwnerID: c.userID, Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			cand.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *ci.SDPMLineIndex
		}
		// Candidate loss degrades connectivity but never fails the call.
		c.background("candidate publish", func(ctx context.Context) error {
			return c.signal.PublishLocalCandidate(ctx, cand)
		})
	})
	sess.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		c.post(func() { c.handlePeerState(callID, st) })
	})
	sess.OnRenegotiationNeeded(func() {
		c.post(func() { c.handleRenegotiationNeeded(callID) })
	})
	sess.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		log.Info().Str("module", "app.coordinator").Str("call", callID).Str("kind", track.Kind().String()).Msg("remote track arrived")
	})
}

func (c *Coordinator) watchCall(callID string) error {
	updates, err := c.signal.ObserveCall(c.callCtx, callID)
	if err != nil {
		return err
	}
	cands, err := c.signal.ObserveRemoteCandidates(c.callCtx, callID, c.userID)
	if err != nil {
		return err
	}
	go func() {
		for s := range updates {
			s := s
			c.post(func() { c.handleCallUpdate(s) })
		}
	}()
	go func() {
		for cand := range cands {
			cand := cand
			c.post(func() { c.handleRemoteCandidate(cand) })
		}
	}()
	return nil
}

func (c *Coordinator) flushCandidates(callID string) {
	for _, cand := range c.buffer.MarkReady(callID) {
		c.applyCandidate(cand)
	}
}

func (c *Coordinator) applyCandidate(cand domain.IceCandidate) {
	if c.sess == nil {
		return
	}
	if err := c.sess.ApplyRemoteCandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("call", cand.CallID).Msg("candidate rejected by engine")
	}
}

func (c *Coordinator) goActive() {
	c.stopRingTimer()
	c.phase = phaseActive
	c.connectedAt = time.Now()
	c.muted = false
	c.video = c.call.HasVideo()
	c.startDurationTicker()
	c.publishState(c.activeState())
}

func (c *Coordinator) activeState() domain.StateActive {
	front := false
	if c.sess != nil {
		front = c.sess.FrontCamera()
	}
	return domain.StateActive{
		Call:         c.call,
		Muted:        c.muted,
		VideoEnabled: c.video,
		FrontCamera:  front,
		Duration:     c.durationNow(),
	}
}

// durationNow measures from the CONNECTED transition, not from ringing.
func (c *Coordinator) durationNow() time.Duration {
	if c.connectedAt.IsZero() {
		return 0
	}
	return time.Since(c.connectedAt).Truncate(time.Second)
}

func (c *Coordinator) startDurationTicker() {
	ctx := c.callCtx
	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.post(func() {
					if c.phase == phaseActive {
						c.publishState(c.activeState())
					}
				})
			}
		}
	}()
}

func (c *Coordinator) startRingTimer(callID string) {
	c.stopRingTimer()
	c.ringTimer = time.AfterFunc(c.opts.RingTimeout, func() {
		c.post(func() { c.handleRingTimeout(callID) })
	})
}

func (c *Coordinator) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// failCall writes FAILED best-effort, tears local state down and surfaces
// the failure on the state stream.
func (c *Coordinator) failCall(ce *domain.CallError) {
	call := c.call
	if call.ID != "" {
		c.background("failed status", func(ctx context.Context) error {
			return c.signal.UpdateStatus(ctx, call.ID, domain.StatusFailed)
		})
	}
	c.teardownLocal()
	c.publishState(domain.StateFailed{Call: call, Message: ce.Message})
}

// teardownLocal releases everything owned for the current call attempt.
// Safe to call in any state, including mid-setup.
func (c *Coordinator) teardownLocal() {
	c.stopRingTimer()
	if c.callCancel != nil {
		c.callCancel()
		c.callCancel = nil
	}
	if c.sess != nil {
		c.sess.Close()
		c.sess = nil
	}
	if c.call.ID != "" {
		c.buffer.Drop(c.call.ID)
		delete(c.seen, c.call.ID)
	}
	c.phase = phaseIdle
	c.call = domain.CallSession{}
	c.connectedAt = time.Time{}
	c.muted = false
	c.video = false
}

// resetLocal is teardownLocal plus an Idle state publish, used when setup
// never got far enough to surface a call to observers.
func (c *Coordinator) resetLocal() {
	c.teardownLocal()
	c.publishState(domain.StateIdle{})
}

func (c *Coordinator) publishState(st domain.CallState) {
	c.broadcast.publish(st)
}

// background runs a store write detached from the loop with a bounded
// deadline; failures are logged, never fatal.
func (c *Coordinator) background(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), c.opts.StoreTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("op", what).Msg("background store write failed")
		}
	}()
}
