package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/letstalk/callkit/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stateMsg is the wire form of a CallState variant.
type stateMsg struct {
	Type         string              `json:"type"`
	Call         *domain.CallSession `json:"call,omitempty"`
	Muted        bool                `json:"muted,omitempty"`
	VideoEnabled bool                `json:"video_enabled,omitempty"`
	FrontCamera  bool                `json:"front_camera,omitempty"`
	Duration     int64               `json:"duration_seconds,omitempty"`
	Reason       domain.CallStatus   `json:"reason,omitempty"`
	Message      string              `json:"message,omitempty"`
}

func encodeState(st domain.CallState) stateMsg {
	msg := stateMsg{Type: domain.Kind(st)}
	switch s := st.(type) {
	case domain.StateIdle:
	case domain.StateOutgoing:
		msg.Call = &s.Call
	case domain.StateIncoming:
		msg.Call = &s.Call
	case domain.StateActive:
		msg.Call = &s.Call
		msg.Muted = s.Muted
		msg.VideoEnabled = s.VideoEnabled
		msg.FrontCamera = s.FrontCamera
		msg.Duration = int64(s.Duration / time.Second)
	case domain.StateEnded:
		msg.Call = &s.Call
		msg.Reason = s.Reason
		msg.Duration = int64(s.Duration / time.Second)
	case domain.StateFailed:
		msg.Call = &s.Call
		msg.Message = s.Message
	}
	return msg
}

// handleStateWS pushes every call state change to the connected UI.
func (h *handlers) handleStateWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("ws upgrade failed")
		return
	}

	states, cancel := h.uc.States()
	defer cancel()
	defer ws.Close()

	// Reader only detects the peer going away.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := ws.WriteJSON(encodeState(st)); err != nil {
				log.Debug().Err(err).Str("module", "adapters.http").Msg("state write failed")
				return
			}
		}
	}
}
