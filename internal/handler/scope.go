package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"edgefleet-server/internal/auth"
	"edgefleet-server/internal/middleware"
	"edgefleet-server/internal/model"
	"edgefleet-server/internal/registry"
)

type deviceLookup interface {
	GetDevice(id string) (model.Device, error)
}

func claims(c *gin.Context) (*auth.Claims, bool) {
	cl, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return nil, false
	}
	return cl, true
}

// tenantScope checks that the caller may act on tenantID.
func tenantScope(c *gin.Context, tenantID string) bool {
	cl, ok := claims(c)
	if !ok {
		return false
	}
	if !cl.CanAccessTenant(tenantID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Tenant not accessible"})
		return false
	}
	return true
}

// queryTenant resolves the tenant filter of a listing. Operators are pinned
// to their own tenant; admins may pass ?tenantId= or see everything.
func queryTenant(c *gin.Context) (string, bool) {
	cl, ok := claims(c)
	if !ok {
		return "", false
	}
	requested := c.Query("tenantId")
	if cl.Role == auth.RoleAdmin {
		return requested, true
	}
	if requested != "" && requested != cl.TenantID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Tenant not accessible"})
		return "", false
	}
	return cl.TenantID, true
}

// scopedDevice loads the :id device. Devices of other tenants are reported
// as missing.
func scopedDevice(c *gin.Context, devices deviceLookup) (model.Device, bool) {
	cl, ok := claims(c)
	if !ok {
		return model.Device{}, false
	}
	d, err := devices.GetDevice(c.Param("id"))
	if err != nil || !cl.CanAccessTenant(d.TenantID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return model.Device{}, false
	}
	return d, true
}

func limitParam(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return 0, false
	}
	return v, true
}

func registryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrTenantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Tenant not found"})
	case errors.Is(err, registry.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
	case errors.Is(err, registry.ErrDeviceRevoked), errors.Is(err, model.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Device revoked"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
