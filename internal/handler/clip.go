package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/clips"
	"edgefleet-server/internal/dispatch"
	"edgefleet-server/internal/fleet"
	"edgefleet-server/internal/model"
)

type ClipHandler struct {
	Fleet *fleet.Fleet
}

type requestClipBody struct {
	CameraID string    `json:"cameraId"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

func (h *ClipHandler) Request(c *gin.Context) {
	d, ok := scopedDevice(c, h.Fleet.Registry)
	if !ok {
		return
	}
	var body requestClipBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if d.State == model.DeviceRevoked {
		c.JSON(http.StatusConflict, gin.H{"error": "Device revoked"})
		return
	}

	job, err := h.Fleet.Clips.Request(d.TenantID, d.ID, body.CameraID, body.From, body.To)
	if err != nil {
		if errors.Is(err, clips.ErrInvalidClip) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, dispatch.ErrDeviceClosed) {
			c.JSON(http.StatusConflict, gin.H{"error": "Device revoked"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (h *ClipHandler) List(c *gin.Context) {
	d, ok := scopedDevice(c, h.Fleet.Registry)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": h.Fleet.Clips.List(d.ID)})
}

func (h *ClipHandler) Get(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}
	job, err := h.Fleet.Clips.Get(c.Param("id"))
	if err != nil || !cl.CanAccessTenant(job.TenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Clip job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}
