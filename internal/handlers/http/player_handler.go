package http

import (
	"context"
	"net/http"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/services"
	apperrors "mprisctl/pkg/errors"
	"mprisctl/pkg/logger"
	"mprisctl/pkg/tracing"

	"github.com/gin-gonic/gin"
)

// Runner executes a function on the controller's event loop.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// PlayerHandler exposes the controller over REST. The controller is not
// safe for concurrent use, so every handler hops onto the loop.
type PlayerHandler struct {
	controller *services.Controller
	loop       Runner
}

func NewPlayerHandler(controller *services.Controller, loop Runner) *PlayerHandler {
	return &PlayerHandler{
		controller: controller,
		loop:       loop,
	}
}

func (h *PlayerHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/active", h.GetActive)
		api.POST("/active", h.SelectActive)
		api.POST("/pin", h.Pin)
		api.DELETE("/pin", h.Unpin)

		api.GET("/player", h.GetPlayer)
		api.PATCH("/player", h.UpdatePlayer)
		api.POST("/player/commands/:command", h.RunCommand)
		api.POST("/player/seek", h.Seek)
		api.GET("/player/position", h.GetPosition)
		api.PUT("/player/position", h.SetPosition)
		api.POST("/player/open", h.OpenURI)
	}
}

// run executes fn on the loop and reports its error through the context.
func (h *PlayerHandler) run(c *gin.Context, fn func() error) bool {
	var err error
	if doErr := h.loop.Do(c.Request.Context(), func() { err = fn() }); doErr != nil {
		err = apperrors.NewServiceUnavailableError(doErr.Error())
	}
	if err != nil {
		_ = c.Error(err)
		return false
	}
	return true
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(apperrors.NewValidationError(err.Error()))
		return false
	}
	return true
}

type activeResponse struct {
	Peer   domain.PeerID          `json:"peer,omitempty"`
	Mode   domain.ArbitrationMode `json:"mode"`
	Pinned domain.PeerID          `json:"pinned,omitempty"`
}

func (h *PlayerHandler) ListPeers(c *gin.Context) {
	var peers []domain.PeerInfo
	var pending, failed []domain.PeerID
	if !h.run(c, func() error {
		peers = h.controller.Peers()
		pending = h.controller.Pending()
		failed = h.controller.Failed()
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"peers":   peers,
		"pending": pending,
		"failed":  failed,
	})
}

func (h *PlayerHandler) GetActive(c *gin.Context) {
	var resp activeResponse
	if !h.run(c, func() error {
		resp = h.active()
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PlayerHandler) active() activeResponse {
	resp := activeResponse{Mode: h.controller.Mode()}
	resp.Peer, _ = h.controller.ActivePeer()
	resp.Pinned, _ = h.controller.Pinned()
	return resp
}

func (h *PlayerHandler) SelectActive(c *gin.Context) {
	var req struct {
		Peer domain.PeerID `json:"peer" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	var resp activeResponse
	if !h.run(c, func() error {
		if err := h.controller.Select(req.Peer); err != nil {
			return err
		}
		resp = h.active()
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Pin pins the named peer, or the active one when the body names none.
func (h *PlayerHandler) Pin(c *gin.Context) {
	var req struct {
		Peer domain.PeerID `json:"peer"`
	}
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	ctx := logger.WithPeerID(c.Request.Context(), string(req.Peer))
	c.Request = c.Request.WithContext(ctx)

	var resp activeResponse
	if !h.run(c, func() error {
		var err error
		if req.Peer == "" {
			err = h.controller.PinActive()
		} else {
			err = h.controller.Pin(req.Peer)
		}
		resp = h.active()
		return err
	}) {
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PlayerHandler) Unpin(c *gin.Context) {
	var resp activeResponse
	if !h.run(c, func() error {
		h.controller.Unpin()
		resp = h.active()
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, resp)
}

type playerResponse struct {
	Peer       domain.PeerID      `json:"peer,omitempty"`
	State      domain.PlayerState `json:"state"`
	PositionMs int64              `json:"position_ms"`
	LastError  string             `json:"last_error,omitempty"`
}

func (h *PlayerHandler) GetPlayer(c *gin.Context) {
	var resp playerResponse
	if !h.run(c, func() error {
		resp.Peer, _ = h.controller.ActivePeer()
		resp.State = h.controller.State()
		resp.PositionMs = h.controller.Position()
		if err := h.controller.LastError(); err != nil {
			resp.LastError = err.Error()
		}
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UpdatePlayer applies the writable properties present in the body, in
// declaration order, stopping at the first refusal.
func (h *PlayerHandler) UpdatePlayer(c *gin.Context) {
	var req struct {
		LoopStatus *domain.LoopStatus `json:"loop_status"`
		Shuffle    *bool              `json:"shuffle"`
		Rate       *float64           `json:"rate"`
		Volume     *float64           `json:"volume"`
		Fullscreen *bool              `json:"fullscreen"`
	}
	if !bind(c, &req) {
		return
	}
	if !h.run(c, func() error {
		if req.LoopStatus != nil {
			if err := h.controller.SetLoopStatus(*req.LoopStatus); err != nil {
				return err
			}
		}
		if req.Shuffle != nil {
			if err := h.controller.SetShuffle(*req.Shuffle); err != nil {
				return err
			}
		}
		if req.Rate != nil {
			if err := h.controller.SetRate(*req.Rate); err != nil {
				return err
			}
		}
		if req.Volume != nil {
			if err := h.controller.SetVolume(*req.Volume); err != nil {
				return err
			}
		}
		if req.Fullscreen != nil {
			return h.controller.SetFullscreen(*req.Fullscreen)
		}
		return nil
	}) {
		return
	}
	c.Status(http.StatusAccepted)
}

// RunCommand dispatches a parameterless command. 202 means the peer was
// asked; it does not mean the peer complied.
func (h *PlayerHandler) RunCommand(c *gin.Context) {
	name := c.Param("command")
	ctx, span := tracing.TraceCommand(c.Request.Context(), name, "")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	if !h.run(c, func() error { return h.controller.Command(name) }) {
		tracing.Fail(span, c.Errors.Last())
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *PlayerHandler) Seek(c *gin.Context) {
	var req struct {
		OffsetMs int64 `json:"offset_ms"`
	}
	if !bind(c, &req) {
		return
	}
	if !h.run(c, func() error { return h.controller.Seek(req.OffsetMs) }) {
		return
	}
	c.Status(http.StatusAccepted)
}

// GetPosition returns the interpolated position. ?refresh=1 also asks the
// peer for its authoritative value.
func (h *PlayerHandler) GetPosition(c *gin.Context) {
	var position int64
	if !h.run(c, func() error {
		if c.Query("refresh") == "1" {
			if err := h.controller.RequestPosition(); err != nil {
				return err
			}
		}
		position = h.controller.Position()
		return nil
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"position_ms": position})
}

func (h *PlayerHandler) SetPosition(c *gin.Context) {
	var req struct {
		TrackID    domain.ObjectPath `json:"track_id"`
		PositionMs *int64            `json:"position_ms" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if !h.run(c, func() error {
		if req.TrackID == "" {
			return h.controller.SetPositionMs(*req.PositionMs)
		}
		return h.controller.SetPosition(req.TrackID, *req.PositionMs)
	}) {
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *PlayerHandler) OpenURI(c *gin.Context) {
	var req struct {
		URI string `json:"uri" binding:"required"`
	}
	if !bind(c, &req) {
		return
	}
	if !h.run(c, func() error { return h.controller.OpenURI(req.URI) }) {
		return
	}
	c.Status(http.StatusAccepted)
}
