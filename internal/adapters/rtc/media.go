package rtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/letstalk/callkit/internal/core"
	"github.com/letstalk/callkit/internal/domain"
)

var (
	errAlreadyAttached = errors.New("local media already attached")
	errNoAudioTrack    = errors.New("session has no audio track")
	errNoVideoTrack    = errors.New("session has no video track")
	errNoAlternate     = errors.New("no alternate camera available")
	errSessionClosed   = errors.New("media session closed")
	errNoRemoteApplied = errors.New("remote description not applied yet")
)

// Manager owns one peer connection and its local capture tracks. It
// implements core.MediaSession; the coordinator is the only consumer.
type Manager struct {
	pc       *webrtc.PeerConnection
	selector *mediadevices.CodecSelector

	mu          sync.Mutex
	onICE       func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote)
	onReneg     func()
	tracks      []mediadevices.Track
	audioTrack  mediadevices.Track
	videoTrack  mediadevices.Track
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	attached    bool
	muted       bool
	front       bool
	cameraID    string
	applied     map[core.SDPRole]string
	closed      bool
}

func newManager(pc *webrtc.PeerConnection, selector *mediadevices.CodecSelector) *Manager {
	return &Manager{
		pc:       pc,
		selector: selector,
		applied:  make(map[core.SDPRole]string),
	}
}

// wire republishes engine callbacks through the registered handlers.
func (m *Manager) wire(ctx context.Context) {
	m.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if cb := m.iceHandler(); cb != nil {
			cb(cand.ToJSON())
		}
	})
	m.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Info().Str("module", "adapters.rtc").Str("peer_state", st.String()).Msg("peer state")
		if cb := m.stateHandler(); cb != nil {
			cb(st)
		}
	})
	m.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("module", "adapters.rtc").Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
		if cb := m.trackHandler(); cb != nil {
			cb(track)
		}
	})
	m.pc.OnNegotiationNeeded(func() {
		if cb := m.renegHandler(); cb != nil {
			cb()
		}
	})
	go func() {
		<-ctx.Done()
		m.Close()
	}()
}

func (m *Manager) iceHandler() func(webrtc.ICECandidateInit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onICE
}

func (m *Manager) stateHandler() func(webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onState
}

func (m *Manager) trackHandler() func(*webrtc.TrackRemote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onTrack
}

func (m *Manager) renegHandler() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onReneg
}

func (m *Manager) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onICE = fn
}

func (m *Manager) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *Manager) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = fn
}

func (m *Manager) OnRenegotiationNeeded(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReneg = fn
}

// AttachLocalMedia captures the microphone unconditionally and the camera
// when video is requested and a device exists, front camera preferred.
// GetUserMedia fails as a unit, so video+audio is attempted first and
// audio-only is the fallback; a call can proceed without a camera but not
// without a microphone.
func (m *Manager) AttachLocalMedia(video bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errSessionClosed
	}
	if m.attached {
		return errAlreadyAttached
	}

	var cameraID string
	if video {
		cameraID, m.front = pickCamera()
	}

	type attempt struct {
		video bool
		label string
	}
	var attempts []attempt
	if video && cameraID != "" {
		attempts = append(attempts, attempt{true, "video+audio"})
	}
	attempts = append(attempts, attempt{false, "audio-only"})

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: m.selector}
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				c.DeviceID = prop.String(cameraID)
				// Raw formats only; MJPEG camera nodes can poison the VP8
				// encoder and break SDP negotiation.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("module", "adapters.rtc").Str("attempt", a.label).Msg("media capture failed")
			continue
		}

		for _, track := range stream.GetTracks() {
			track := track
			track.OnEnded(func(err error) {
				if err != nil {
					log.Warn().Err(err).Str("module", "adapters.rtc").Msg("local track ended")
				}
			})
			sender, err := m.pc.AddTrack(track)
			if err != nil {
				track.Close()
				log.Warn().Err(err).Str("module", "adapters.rtc").Msg("add track failed")
				continue
			}
			m.tracks = append(m.tracks, track)
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				m.audioTrack, m.audioSender = track, sender
			case webrtc.RTPCodecTypeVideo:
				m.videoTrack, m.videoSender = track, sender
				m.cameraID = cameraID
			}
		}
		if m.audioTrack == nil {
			m.closeTracksLocked()
			lastErr = fmt.Errorf("capture produced no audio track")
			continue
		}

		// Advertise receive capability for media we do not send so the
		// offer always carries both m-lines.
		if m.videoTrack == nil {
			m.addRecvOnlyLocked(webrtc.RTPCodecTypeVideo)
		}
		m.attached = true
		log.Info().Str("module", "adapters.rtc").Str("attempt", a.label).Int("tracks", len(m.tracks)).Msg("local media attached")
		return nil
	}
	return fmt.Errorf("microphone capture failed: %w", lastErr)
}

func (m *Manager) addRecvOnlyLocked(kind webrtc.RTPCodecType) {
	_, err := m.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.rtc").Str("kind", kind.String()).Msg("recvonly transceiver failed")
	}
}

// pickCamera returns the preferred capture device id and whether its label
// marks it as front-facing. Empty id means no camera exists.
func pickCamera() (string, bool) {
	var first string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		if strings.Contains(strings.ToLower(d.Label), "front") {
			return d.DeviceID, true
		}
		if first == "" {
			first = d.DeviceID
		}
	}
	return first, false
}

func (m *Manager) CreateOffer() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errSessionClosed
	}
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	// Candidates trickle through signaling, no need to wait for gathering.
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (m *Manager) CreateAnswer() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errSessionClosed
	}
	if m.pc.RemoteDescription() == nil {
		return "", errNoRemoteApplied
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (m *Manager) ApplyRemoteDescription(sdp string, role core.SDPRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errSessionClosed
	}
	if m.applied[role] == sdp {
		// Duplicate delivery of the same description is harmless.
		return nil
	}
	typ := webrtc.SDPTypeOffer
	if role == core.RoleAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	if err := m.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return err
	}
	m.applied[role] = sdp
	return nil
}

func (m *Manager) ApplyRemoteCandidate(c domain.IceCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errSessionClosed
	}
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return m.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

// SetMuted detaches or re-attaches the microphone track on its sender, so
// the transceiver survives and no renegotiation happens.
func (m *Manager) SetMuted(muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioSender == nil {
		return errNoAudioTrack
	}
	if muted == m.muted {
		return nil
	}
	var track webrtc.TrackLocal
	if !muted {
		track = m.audioTrack
	}
	if err := m.audioSender.ReplaceTrack(track); err != nil {
		return err
	}
	m.muted = muted
	return nil
}

func (m *Manager) SetVideoEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.videoSender == nil {
		return errNoVideoTrack
	}
	var track webrtc.TrackLocal
	if enabled {
		track = m.videoTrack
	}
	return m.videoSender.ReplaceTrack(track)
}

// SwitchCamera re-opens capture on another device and swaps the track on
// the existing sender.
func (m *Manager) SwitchCamera() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.videoSender == nil || m.videoTrack == nil {
		return errNoVideoTrack
	}

	var nextID string
	var nextFront bool
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput || d.DeviceID == m.cameraID {
			continue
		}
		nextID = d.DeviceID
		nextFront = strings.Contains(strings.ToLower(d.Label), "front")
		break
	}
	if nextID == "" {
		return errNoAlternate
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: m.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(nextID)
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		return err
	}
	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return fmt.Errorf("camera %s produced no video track", nextID)
	}
	next := videoTracks[0]
	if err := m.videoSender.ReplaceTrack(next); err != nil {
		next.Close()
		return err
	}

	old := m.videoTrack
	m.videoTrack = next
	m.cameraID = nextID
	m.front = nextFront
	for i, t := range m.tracks {
		if t == old {
			m.tracks[i] = next
		}
	}
	old.Close()
	log.Info().Str("module", "adapters.rtc").Str("camera", nextID).Bool("front", nextFront).Msg("camera switched")
	return nil
}

func (m *Manager) FrontCamera() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.front
}

// Close stops capture and disposes the peer connection. Callable from any
// state, including after partial setup, and never panics.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.closeTracksLocked()
	if err := m.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Msg("close error")
	} else {
		log.Info().Str("module", "adapters.rtc").Msg("peer connection closed")
	}
}

func (m *Manager) closeTracksLocked() {
	for _, t := range m.tracks {
		t.Close()
	}
	m.tracks = nil
	m.audioTrack, m.videoTrack = nil, nil
	m.audioSender, m.videoSender = nil, nil
}
