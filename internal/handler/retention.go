package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/fleet"
	"edgefleet-server/internal/model"
)

type RetentionHandler struct {
	Fleet *fleet.Fleet
}

func (h *RetentionHandler) Put(c *gin.Context) {
	tenantID := c.Param("tenant")
	if !tenantScope(c, tenantID) {
		return
	}
	if _, err := h.Fleet.Registry.GetTenant(tenantID); err != nil {
		registryError(c, err)
		return
	}
	var params model.RetentionParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	policy, err := h.Fleet.Retention.SetPolicy(c.Request.Context(), tenantID, params)
	if err != nil {
		if errors.Is(err, model.ErrInvalidRetention) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": policy})
}

func (h *RetentionHandler) Get(c *gin.Context) {
	tenantID := c.Param("tenant")
	if !tenantScope(c, tenantID) {
		return
	}
	policy, ok := h.Fleet.Retention.Policy(tenantID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No retention policy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": policy})
}

func (h *RetentionHandler) Compliance(c *gin.Context) {
	tenantID := c.Param("tenant")
	if !tenantScope(c, tenantID) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"compliance": h.Fleet.Retention.Compliance(tenantID)})
}
