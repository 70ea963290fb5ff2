package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/dispatch"
	"edgefleet-server/internal/fleet"
	"edgefleet-server/internal/model"
)

type CommandHandler struct {
	Fleet *fleet.Fleet
}

type submitCommandBody struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

func (h *CommandHandler) Submit(c *gin.Context) {
	d, ok := scopedDevice(c, h.Fleet.Registry)
	if !ok {
		return
	}
	var body submitCommandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	kind := model.CommandKind(body.Kind)
	switch kind {
	case model.CommandRestartDetection, model.CommandPushZoneConfig:
	case model.CommandRequestClip, model.CommandUpdateRetention:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Use the clips or retention endpoints for " + body.Kind})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command kind"})
		return
	}
	if d.State == model.DeviceRevoked {
		c.JSON(http.StatusConflict, gin.H{"error": "Device revoked"})
		return
	}

	cmd, err := h.Fleet.Dispatcher.Submit(d.TenantID, d.ID, kind, body.Payload)
	if err != nil {
		commandError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"command": cmd})
}

func (h *CommandHandler) List(c *gin.Context) {
	d, ok := scopedDevice(c, h.Fleet.Registry)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": h.Fleet.Dispatcher.List(d.ID)})
}

func (h *CommandHandler) Get(c *gin.Context) {
	cmd, ok := h.scopedCommand(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": cmd})
}

func (h *CommandHandler) Cancel(c *gin.Context) {
	cmd, ok := h.scopedCommand(c)
	if !ok {
		return
	}
	cmd, err := h.Fleet.Dispatcher.Cancel(cmd.ID)
	if err != nil {
		commandError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"command": cmd})
}

func (h *CommandHandler) scopedCommand(c *gin.Context) (model.Command, bool) {
	cl, ok := claims(c)
	if !ok {
		return model.Command{}, false
	}
	cmd, err := h.Fleet.Dispatcher.Get(c.Param("id"))
	if err != nil || !cl.CanAccessTenant(cmd.TenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Command not found"})
		return model.Command{}, false
	}
	return cmd, true
}

func commandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid command kind"})
	case errors.Is(err, dispatch.ErrCommandNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Command not found"})
	case errors.Is(err, dispatch.ErrCommandTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "Command already finished"})
	case errors.Is(err, dispatch.ErrDeviceClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "Device revoked"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
