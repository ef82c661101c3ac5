// Package rtc adapts the pion engine and local capture devices to the
// core MediaSession port.
package rtc

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/letstalk/callkit/internal/core"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	// VideoBitRate for the VP8 encoder, bits per second.
	VideoBitRate int
	// ICE timeouts; the pion defaults drop calls on short relay hiccups.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultConfig uses public STUN only. Without a TURN relay, calls across
// symmetric NATs will fail; supply TURN servers through ICEServers to
// lift that limitation.
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		VideoBitRate:        1_500_000,
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
	}
}

// Factory allocates one Manager per call attempt.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultConfig().ICEServers
	}
	if cfg.VideoBitRate <= 0 {
		cfg.VideoBitRate = DefaultConfig().VideoBitRate
	}
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = DefaultConfig().DisconnectedTimeout
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = DefaultConfig().FailedTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	return &Factory{cfg: cfg}
}

// NewSession builds a peer connection with VP8+Opus capture codecs and
// default interceptors. Failure here means the engine itself could not
// allocate a connection.
func (f *Factory) NewSession(ctx context.Context) (core.MediaSession, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = f.cfg.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(f.cfg.DisconnectedTimeout, f.cfg.FailedTimeout, f.cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	m := newManager(pc, selector)
	m.wire(ctx)
	log.Debug().Str("module", "adapters.rtc").Msg("peer connection allocated")
	return m, nil
}
