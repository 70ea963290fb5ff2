package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/fleet"
)

type ActivityHandler struct {
	Fleet *fleet.Fleet
}

func (h *ActivityHandler) List(c *gin.Context) {
	tenantID, ok := queryTenant(c)
	if !ok {
		return
	}

	after := int64(0)
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor format"})
			return
		}
		after = v
	}
	limit, ok := limitParam(c, 100)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{"activity": h.Fleet.Activity.List(tenantID, after, limit)})
}
