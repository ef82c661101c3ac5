// Package http exposes the call engine's intent operations and state
// stream to a local UI over a small control API.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/letstalk/callkit/internal/app"
	"github.com/letstalk/callkit/internal/config"
	"github.com/letstalk/callkit/internal/domain"
)

func SetupRouter(ctx context.Context, cfg *config.Config, uc *app.CallUseCases) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{uc: uc, userID: cfg.UserID}

	api := r.Group("/api")
	api.POST("/calls", h.initiate)
	api.POST("/calls/:id/answer", h.answer)
	api.POST("/calls/:id/reject", h.reject)
	api.POST("/calls/:id/end", h.end)
	api.PATCH("/controls", h.controls)
	api.GET("/ws/state", func(c *gin.Context) {
		h.handleStateWS(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("user", cfg.UserID).Msg("router setup")
	return r
}

type handlers struct {
	uc     *app.CallUseCases
	userID string
}

type initiateRequest struct {
	ReceiverID string          `json:"receiver_id" binding:"required"`
	CallType   domain.CallType `json:"call_type" binding:"required"`
}

func (h *handlers) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	callID, err := h.uc.Initiate(c.Request.Context(), h.userID, req.ReceiverID, req.CallType)
	if err != nil {
		abortWithCallError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call_id": callID})
}

func (h *handlers) answer(c *gin.Context) {
	if err := h.uc.Answer(c.Request.Context(), c.Param("id")); err != nil {
		abortWithCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) reject(c *gin.Context) {
	if err := h.uc.Reject(c.Request.Context(), c.Param("id")); err != nil {
		abortWithCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) end(c *gin.Context) {
	if err := h.uc.End(c.Request.Context(), c.Param("id"), h.userID); err != nil {
		abortWithCallError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type controlsRequest struct {
	Muted        *bool `json:"muted"`
	VideoEnabled *bool `json:"video_enabled"`
	SwitchCamera bool  `json:"switch_camera"`
}

func (h *handlers) controls(c *gin.Context) {
	var req controlsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if req.Muted != nil {
		if err := h.uc.SetMuted(ctx, *req.Muted); err != nil {
			abortWithCallError(c, err)
			return
		}
	}
	if req.VideoEnabled != nil {
		if err := h.uc.SetVideoEnabled(ctx, *req.VideoEnabled); err != nil {
			abortWithCallError(c, err)
			return
		}
	}
	if req.SwitchCamera {
		if err := h.uc.SwitchCamera(ctx); err != nil {
			abortWithCallError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func abortWithCallError(c *gin.Context, err error) {
	var ce *domain.CallError
	if !errors.As(err, &ce) {
		if errors.Is(err, app.ErrNoActiveCall) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch ce.Kind {
	case domain.FailureBusy:
		status = http.StatusConflict
	case domain.FailureSignalingRead:
		status = http.StatusNotFound
	case domain.FailureSignalingWrite:
		status = http.StatusBadGateway
	case domain.FailureMediaAcquisition, domain.FailureConnectionAllocation, domain.FailureNegotiation, domain.FailurePeerDisconnected:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": ce.Message, "kind": ce.Kind.String()})
}
